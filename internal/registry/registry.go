// Package registry defines the capability puente needs from each external
// registry (the cadastral system and the property registry) and provides an
// HTTP adapter and an in-memory implementation of it.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a registry has no record for a key.
var ErrNotFound = errors.New("registry record not found")

// Fields is a set of field values keyed by the registry's own field names.
type Fields map[string]string

// Clone returns a copy that can be modified independently.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is a registry record as read from the registry.
type Record struct {
	Key        string    `json:"key"`
	Fields     Fields    `json:"fields"`
	ModifiedAt time.Time `json:"modified_at"`
	// FieldModifiedAt carries per-field modification times when the registry
	// tracks them. Missing entries fall back to ModifiedAt.
	FieldModifiedAt map[string]time.Time `json:"field_modified_at,omitempty"`
}

// FieldTime returns when the named field last changed.
func (r *Record) FieldTime(name string) time.Time {
	if t, ok := r.FieldModifiedAt[name]; ok {
		return t
	}
	return r.ModifiedAt
}

// Criteria narrows a candidate search.
type Criteria struct {
	Name           string `json:"name,omitempty"`
	Address        string `json:"address,omitempty"`
	CrossReference string `json:"cross_reference,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Registry is the read/write capability of one external registry.
type Registry interface {
	Find(ctx context.Context, c Criteria) ([]Record, error)
	Read(ctx context.Context, key string) (*Record, error)
	Write(ctx context.Context, key string, fields Fields) error
	Create(ctx context.Context, fields Fields) (string, error)
}
