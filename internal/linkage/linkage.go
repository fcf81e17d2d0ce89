// Package linkage holds the property linkage model: the durable association
// between a cadastral record and a property registry folio, together with its
// synchronization state.
package linkage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncState is the synchronization status of a linkage.
type SyncState string

const (
	Synced  SyncState = "synced"
	Pending SyncState = "pending"
	Error   SyncState = "error"
)

var syncStateColumn = map[SyncState]string{
	Synced:  "sincronizado",
	Pending: "pendiente",
	Error:   "error",
}

// Column returns the value persisted in estado_sincronizacion.
func (s SyncState) Column() string { return syncStateColumn[s] }

// ParseSyncState reads an estado_sincronizacion value.
func ParseSyncState(column string) (SyncState, error) {
	for s, c := range syncStateColumn {
		if c == column {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown sync state %q", column)
}

// Origin identifies which registry a change came from.
type Origin string

const (
	Cadastral Origin = "cadastral"
	Registry  Origin = "registry"
)

var originColumn = map[Origin]string{
	Cadastral: "catastro",
	Registry:  "rpp",
}

// Column returns the value persisted in origen_ultimo_cambio.
func (o Origin) Column() string { return originColumn[o] }

// Counterpart returns the other registry.
func (o Origin) Counterpart() Origin {
	if o == Cadastral {
		return Registry
	}
	return Cadastral
}

// Valid reports whether o is one of the two known registries.
func (o Origin) Valid() bool {
	_, ok := originColumn[o]
	return ok
}

// ParseOrigin accepts either the API form (cadastral, registry) or the
// persisted form (catastro, rpp).
func ParseOrigin(s string) (Origin, error) {
	for o, c := range originColumn {
		if s == string(o) || s == c {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown origin %q", s)
}

// Method records how a linkage was established.
type Method string

const (
	Automatic Method = "automatic"
	Manual    Method = "manual"
	Import    Method = "import"
)

var methodColumn = map[Method]string{
	Automatic: "automatico",
	Manual:    "manual",
	Import:    "importacion",
}

// Column returns the value persisted in metodo_vinculacion.
func (m Method) Column() string { return methodColumn[m] }

// ParseMethod reads a metodo_vinculacion value.
func ParseMethod(column string) (Method, error) {
	for m, c := range methodColumn {
		if c == column {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown link method %q", column)
}

// PropertyLinkage associates one cadastral record with one registry folio.
// Empty CadastralKey or RegistryFolio means that side is not linked yet.
type PropertyLinkage struct {
	ID               uuid.UUID `json:"linkage_id"`
	CadastralKey     string    `json:"cadastral_key,omitempty"`
	CadastralAccount string    `json:"cadastral_account,omitempty"`
	RegistryFolio    string    `json:"registry_folio,omitempty"`
	SyncState        SyncState `json:"sync_state"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	LastChangeOrigin Origin    `json:"last_change_origin"`
	LinkScore        float64   `json:"link_score"`
	LinkMethod       Method    `json:"link_method"`
}

// Validate checks the record-level invariants.
func (l *PropertyLinkage) Validate() error {
	if l.CadastralKey == "" && l.RegistryFolio == "" {
		return fmt.Errorf("%w: neither cadastral key nor folio set", ErrInvalidLinkage)
	}
	if _, ok := syncStateColumn[l.SyncState]; !ok {
		return fmt.Errorf("%w: sync state %q", ErrInvalidLinkage, l.SyncState)
	}
	if !l.LastChangeOrigin.Valid() {
		return fmt.Errorf("%w: origin %q", ErrInvalidLinkage, l.LastChangeOrigin)
	}
	if _, ok := methodColumn[l.LinkMethod]; !ok {
		return fmt.Errorf("%w: method %q", ErrInvalidLinkage, l.LinkMethod)
	}
	if l.LinkScore < 0 || l.LinkScore > 100 {
		return fmt.Errorf("%w: score %.3f out of range", ErrInvalidLinkage, l.LinkScore)
	}
	return nil
}

// Key returns the identifier this linkage holds for the given registry.
func (l *PropertyLinkage) Key(o Origin) string {
	if o == Cadastral {
		return l.CadastralKey
	}
	return l.RegistryFolio
}

// SetKey sets the identifier for the given registry.
func (l *PropertyLinkage) SetKey(o Origin, key string) {
	if o == Cadastral {
		l.CadastralKey = key
		return
	}
	l.RegistryFolio = key
}

// Complete reports whether both sides are linked.
func (l *PropertyLinkage) Complete() bool {
	return l.CadastralKey != "" && l.RegistryFolio != ""
}
