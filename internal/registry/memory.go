package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/munistream/puente/internal/normalize"
)

// WriteHook intercepts Memory.Write. It returns the subset of fields to apply
// before failing with err, which lets tests model partial writes.
type WriteHook func(key string, fields Fields) (applied Fields, err error)

// Memory is an in-process Registry.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     int

	// NameField, AddressField and CrossRefField tell Find which fields hold
	// the identity values.
	NameField     string
	AddressField  string
	CrossRefField string

	// KeyFunc builds keys for created records.
	KeyFunc func(n int) string
	Now     func() time.Time

	OnWrite  WriteHook
	OnCreate func(fields Fields) error
	OnRead   func(key string) error

	writes int
}

// NewMemory returns an empty registry whose created records get prefix-NNNNNN keys.
func NewMemory(prefix, nameField, addressField, crossRefField string) *Memory {
	return &Memory{
		records:       make(map[string]Record),
		NameField:     nameField,
		AddressField:  addressField,
		CrossRefField: crossRefField,
		KeyFunc:       func(n int) string { return fmt.Sprintf("%s-%06d", prefix, n) },
		Now:           time.Now,
	}
}

// Put stores a record as is.
func (m *Memory) Put(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Fields = r.Fields.Clone()
	m.records[r.Key] = r
}

// Writes returns how many Write calls reached the registry.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Find(_ context.Context, c Criteria) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nameTokens := normalize.NameTokens(c.Name)
	street := normalize.AddressComponents(c.Address)
	var out []Record
	for _, r := range m.records {
		if m.candidate(r, c, nameTokens, street) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (m *Memory) candidate(r Record, c Criteria, nameTokens, street []string) bool {
	if c.CrossReference != "" && strings.EqualFold(r.Key, c.CrossReference) {
		return true
	}
	if len(nameTokens) > 0 {
		have := normalize.NameTokens(r.Fields[m.NameField])
		for _, t := range nameTokens {
			for _, h := range have {
				if t == h {
					return true
				}
			}
		}
	}
	if len(street) >= 2 {
		comps := normalize.AddressComponents(r.Fields[m.AddressField])
		if len(comps) >= 2 && comps[0] == street[0] && comps[1] == street[1] {
			return true
		}
	}
	return false
}

func (m *Memory) Read(_ context.Context, key string) (*Record, error) {
	if m.OnRead != nil {
		if err := m.OnRead(key); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := copyRecord(r)
	return &out, nil
}

func (m *Memory) Write(_ context.Context, key string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	r, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	apply, err := fields, error(nil)
	if m.OnWrite != nil {
		apply, err = m.OnWrite(key, fields.Clone())
	}
	now := m.Now()
	if len(apply) > 0 {
		if r.FieldModifiedAt == nil {
			r.FieldModifiedAt = make(map[string]time.Time)
		}
		for k, v := range apply {
			r.Fields[k] = v
			r.FieldModifiedAt[k] = now
		}
		r.ModifiedAt = now
		m.records[key] = r
	}
	return err
}

func (m *Memory) Create(_ context.Context, fields Fields) (string, error) {
	if m.OnCreate != nil {
		if err := m.OnCreate(fields); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key := m.KeyFunc(m.seq)
	now := m.Now()
	m.records[key] = Record{Key: key, Fields: fields.Clone(), ModifiedAt: now}
	return key, nil
}

func copyRecord(r Record) Record {
	out := r
	out.Fields = r.Fields.Clone()
	if r.FieldModifiedAt != nil {
		out.FieldModifiedAt = make(map[string]time.Time, len(r.FieldModifiedAt))
		for k, v := range r.FieldModifiedAt {
			out.FieldModifiedAt[k] = v
		}
	}
	return out
}
