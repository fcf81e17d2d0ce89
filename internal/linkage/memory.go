package linkage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]PropertyLinkage
	byKey   map[string]uuid.UUID
	byFolio map[string]uuid.UUID
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]PropertyLinkage),
		byKey:   make(map[string]uuid.UUID),
		byFolio: make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*PropertyLinkage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) FindByCadastralKey(ctx context.Context, key string) (*PropertyLinkage, error) {
	return s.findBy(ctx, s.byKey, key)
}

func (s *MemoryStore) FindByFolio(ctx context.Context, folio string) (*PropertyLinkage, error) {
	return s.findBy(ctx, s.byFolio, folio)
}

func (s *MemoryStore) findBy(_ context.Context, index map[string]uuid.UUID, value string) (*PropertyLinkage, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := index[value]
	if !ok {
		return nil, ErrNotFound
	}
	l := s.byID[id]
	return &l, nil
}

func (s *MemoryStore) Upsert(_ context.Context, l *PropertyLinkage) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.LastUpdatedAt.IsZero() {
		l.LastUpdatedAt = s.now()
	}
	if err := l.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.byKey[l.CadastralKey]; ok && l.CadastralKey != "" && owner != l.ID {
		return &ConflictError{Field: "cadastral_key", Value: l.CadastralKey, OwnerID: owner, AttemptedID: l.ID}
	}
	if owner, ok := s.byFolio[l.RegistryFolio]; ok && l.RegistryFolio != "" && owner != l.ID {
		return &ConflictError{Field: "registry_folio", Value: l.RegistryFolio, OwnerID: owner, AttemptedID: l.ID}
	}
	if prev, ok := s.byID[l.ID]; ok {
		delete(s.byKey, prev.CadastralKey)
		delete(s.byFolio, prev.RegistryFolio)
	}
	s.byID[l.ID] = *l
	if l.CadastralKey != "" {
		s.byKey[l.CadastralKey] = l.ID
	}
	if l.RegistryFolio != "" {
		s.byFolio[l.RegistryFolio] = l.ID
	}
	return nil
}

func (s *MemoryStore) MarkError(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(l *PropertyLinkage) {
		l.SyncState = Error
		l.LastUpdatedAt = s.now()
	})
}

func (s *MemoryStore) MarkSynced(_ context.Context, id uuid.UUID, at time.Time, origin Origin) error {
	return s.update(id, func(l *PropertyLinkage) {
		l.SyncState = Synced
		l.LastUpdatedAt = at
		l.LastChangeOrigin = origin
	})
}

func (s *MemoryStore) update(id uuid.UUID, fn func(*PropertyLinkage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&l)
	s.byID[id] = l
	return nil
}
