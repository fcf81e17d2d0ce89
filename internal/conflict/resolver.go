// Package conflict decides, field by field, what happens when both registries
// changed the same property data since the last successful synchronization.
package conflict

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/normalize"
)

// Resolution is the adjudication status of a conflict record.
type Resolution string

const (
	Unresolved       Resolution = "pending"
	AutoResolved     Resolution = "auto_resolved"
	ManuallyResolved Resolution = "manually_resolved"
)

// Record is an audit entry for a field that changed on both sides. Both prior
// values are kept whatever the resolution.
type Record struct {
	ID                  uuid.UUID      `json:"conflict_id"`
	LinkageID           uuid.UUID      `json:"linkage_id"`
	FieldName           string         `json:"field_name"`
	RegistryField       string         `json:"registry_field"`
	CadastralValue      string         `json:"cadastral_value"`
	RegistryValue       string         `json:"registry_value"`
	CadastralModifiedAt time.Time      `json:"cadastral_modified_at"`
	RegistryModifiedAt  time.Time      `json:"registry_modified_at"`
	Resolution          Resolution     `json:"resolution"`
	Winner              linkage.Origin `json:"winner,omitempty"`
	ResolvedValue       string         `json:"resolved_value,omitempty"`
	DetectedAt          time.Time      `json:"detected_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}

// Value returns the value recorded for the given side.
func (r *Record) Value(o linkage.Origin) string {
	if o == linkage.Cadastral {
		return r.CadastralValue
	}
	return r.RegistryValue
}

// FieldConflictError reports a field held back for manual adjudication. It
// never aborts the synchronization of other fields.
type FieldConflictError struct {
	LinkageID uuid.UUID
	Field     string
	ID        uuid.UUID
}

func (e *FieldConflictError) Error() string {
	return fmt.Sprintf("field %s of linkage %s needs manual adjudication (conflict %s)", e.Field, e.LinkageID, e.ID)
}

// Side is one registry's view of a field.
type Side struct {
	Value      string
	ModifiedAt time.Time
	// Synced is the value at the last successful synchronization, nil when
	// the field was never synchronized.
	Synced *string
}

// changed reports whether the side moved away from the last synced value. A
// never-synced side changed only if it holds a value.
func (s Side) changed() bool {
	if s.Synced == nil {
		return strings.TrimSpace(s.Value) != ""
	}
	return !SameValue(*s.Synced, s.Value)
}

// Field carries both sides of one mapped field pair.
type Field struct {
	Name          string
	RegistryField string
	Cadastral     Side
	Registry      Side
}

func (f Field) side(o linkage.Origin) Side {
	if o == linkage.Cadastral {
		return f.Cadastral
	}
	return f.Registry
}

// Decision is the outcome for one field.
type Decision struct {
	Field string
	// Winner is the side whose value should end up on both registries. It is
	// empty when the field is held for manual adjudication.
	Winner linkage.Origin
	Value  string
	// InSync is set when both sides already agree and nothing needs writing.
	InSync bool
	// Record is set whenever both sides changed the field.
	Record *Record
}

// Held reports whether the field waits for manual adjudication.
func (d Decision) Held() bool { return d.Record != nil && d.Record.Resolution == Unresolved }

// Resolver applies last-writer-wins per field.
type Resolver struct {
	now func() time.Time
}

// NewResolver returns a resolver stamping records with the wall clock.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Resolve decides field f for a change that originated on origin.
func (r *Resolver) Resolve(linkageID uuid.UUID, origin linkage.Origin, f Field) Decision {
	src, dst := f.side(origin), f.side(origin.Counterpart())
	d := Decision{Field: f.Name}

	if SameValue(src.Value, dst.Value) {
		d.Winner, d.Value, d.InSync = origin, src.Value, true
		return d
	}
	if !dst.changed() {
		d.Winner, d.Value = origin, src.Value
		return d
	}
	if !src.changed() {
		// the origin resent a value it did not change; keep the counterpart's
		d.Winner, d.Value = origin.Counterpart(), dst.Value
		return d
	}

	// both sides moved to different values since the last sync
	rec := &Record{
		ID:                  uuid.New(),
		LinkageID:           linkageID,
		FieldName:           f.Name,
		RegistryField:       f.RegistryField,
		CadastralValue:      f.Cadastral.Value,
		RegistryValue:       f.Registry.Value,
		CadastralModifiedAt: f.Cadastral.ModifiedAt,
		RegistryModifiedAt:  f.Registry.ModifiedAt,
		Resolution:          Unresolved,
		DetectedAt:          r.now(),
	}
	d.Record = rec

	tc, tr := f.Cadastral.ModifiedAt, f.Registry.ModifiedAt
	if tc.IsZero() || tr.IsZero() || tc.Equal(tr) {
		return d
	}
	winner := linkage.Cadastral
	if tr.After(tc) {
		winner = linkage.Registry
	}
	resolvedAt := rec.DetectedAt
	rec.Resolution = AutoResolved
	rec.Winner = winner
	rec.ResolvedValue = rec.Value(winner)
	rec.ResolvedAt = &resolvedAt

	d.Winner, d.Value = winner, rec.ResolvedValue
	return d
}

// SameValue compares two field values after normalization. Numeric values
// compare by value so "200" equals "200.00".
func SameValue(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(strings.ReplaceAll(a, ",", ""), 64)
	fb, errB := strconv.ParseFloat(strings.ReplaceAll(b, ",", ""), 64)
	if errA == nil && errB == nil {
		return fa == fb
	}
	return normalize.Canonical(a) == normalize.Canonical(b)
}
