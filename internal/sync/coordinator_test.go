package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/retry"
)

var errUnavailable = errors.New("registry unavailable")

type escalations struct {
	mu  stdsync.Mutex
	got []Escalation
}

func (e *escalations) Escalate(_ context.Context, esc Escalation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, esc)
	return nil
}

func (e *escalations) reasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, esc := range e.got {
		out = append(out, esc.Reason)
	}
	return out
}

type fixture struct {
	coord     *Coordinator
	cadastral *registry.Memory
	registry  *registry.Memory
	linkages  *linkage.MemoryStore
	ops       *MemoryOperationStore
	snapshots *MemorySnapshotStore
	conflicts *conflict.MemoryStore
	escalated *escalations
	linkage   *linkage.PropertyLinkage
	t0        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{
		cadastral: registry.NewMemory("CAT", "nombre_propietario", "direccion_inmueble", CadastralFolioField),
		registry:  registry.NewMemory("FR", "propietario_registral", "direccion_registral", RegistryKeyField),
		linkages:  linkage.NewMemoryStore(),
		ops:       NewMemoryOperationStore(),
		snapshots: NewMemorySnapshotStore(),
		conflicts: conflict.NewMemoryStore(),
		escalated: &escalations{},
		t0:        t0,
	}
	f.cadastral.Put(registry.Record{
		Key:        "01-234-567",
		ModifiedAt: t0,
		Fields: registry.Fields{
			"nombre_propietario": "JUAN PEREZ",
			"direccion_inmueble": "AV REFORMA 100",
			"superficie_terreno": "150.00",
			CadastralFolioField:  "FR-000100",
		},
	})
	f.registry.Put(registry.Record{
		Key:        "FR-000100",
		ModifiedAt: t0,
		Fields: registry.Fields{
			"propietario_registral": "JUAN PEREZ",
			"direccion_registral":   "AV REFORMA 100",
			"superficie_registral":  "150.00",
			RegistryKeyField:        "01-234-567",
		},
	})
	f.linkage = &linkage.PropertyLinkage{
		CadastralKey:     "01-234-567",
		RegistryFolio:    "FR-000100",
		SyncState:        linkage.Synced,
		LastUpdatedAt:    t0,
		LastChangeOrigin: linkage.Cadastral,
		LinkScore:        97.5,
		LinkMethod:       linkage.Automatic,
	}
	require.NoError(t, f.linkages.Upsert(ctx, f.linkage))
	require.NoError(t, f.snapshots.Save(ctx, &Snapshot{
		LinkageID: f.linkage.ID,
		Cadastral: registry.Fields{"nombre_propietario": "JUAN PEREZ", "direccion_inmueble": "AV REFORMA 100", "superficie_terreno": "150.00"},
		Registry:  registry.Fields{"propietario_registral": "JUAN PEREZ", "direccion_registral": "AV REFORMA 100", "superficie_registral": "150.00"},
		SyncedAt:  t0,
	}))

	f.coord = NewCoordinator(Deps{
		Linkages:   f.linkages,
		Operations: f.ops,
		Snapshots:  f.snapshots,
		Conflicts:  f.conflicts,
		Cadastral:  f.cadastral,
		Registry:   f.registry,
		Escalator:  f.escalated,
	}, Config{
		Retry:          &retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		AttemptTimeout: time.Second,
	})
	return f
}

func (f *fixture) read(t *testing.T, reg *registry.Memory, key string) registry.Fields {
	t.Helper()
	r, err := reg.Read(context.Background(), key)
	require.NoError(t, err)
	return r.Fields
}

func (f *fixture) state(t *testing.T) linkage.SyncState {
	t.Helper()
	l, err := f.linkages.Get(context.Background(), f.linkage.ID)
	require.NoError(t, err)
	return l.SyncState
}

func TestSynchronizePropagatesMappedFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.coord.Synchronize(ctx, Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Cadastral,
		Deltas:     registry.Fields{"nombre_propietario": "JUAN PEREZ LOPEZ", "zona_catastral": "Z-12"},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.Equal(t, registry.Fields{"propietario_registral": "JUAN PEREZ LOPEZ"}, out.Written)
	assert.Empty(t, out.Conflicts)

	got := f.read(t, f.registry, "FR-000100")
	assert.Equal(t, "JUAN PEREZ LOPEZ", got["propietario_registral"])
	assert.NotContains(t, got, "zona_catastral")
	assert.Equal(t, linkage.Synced, f.state(t))

	op, err := f.ops.Latest(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, op.Status)
	assert.Equal(t, 1, op.AttemptCount)
	assert.Equal(t, registry.Fields{"propietario_registral": "JUAN PEREZ"}, op.Previous)

	snap, err := f.snapshots.Get(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, "JUAN PEREZ LOPEZ", snap.Cadastral["nombre_propietario"])
	assert.Equal(t, "JUAN PEREZ LOPEZ", snap.Registry["propietario_registral"])
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Registry,
		Deltas:     registry.Fields{"superficie_registral": "155.50"},
		ModifiedAt: f.t0.Add(time.Hour),
	}

	_, err := f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	before := f.read(t, f.cadastral, "01-234-567")
	writes := f.cadastral.Writes()

	out, err := f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, out.Written)
	assert.Equal(t, writes, f.cadastral.Writes())
	assert.Equal(t, before, f.read(t, f.cadastral, "01-234-567"))
}

func TestSynchronizeUnmappedOnlyIsNoOp(t *testing.T) {
	f := newFixture(t)
	out, err := f.coord.Synchronize(context.Background(), Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas:    registry.Fields{"zona_catastral": "Z-12"},
	})
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	_, err = f.ops.Latest(context.Background(), f.linkage.ID)
	assert.ErrorIs(t, err, ErrNoOperation)
}

func TestSynchronizeRequiresCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	half := &linkage.PropertyLinkage{
		CadastralKey:     "02-000-001",
		SyncState:        linkage.Pending,
		LastChangeOrigin: linkage.Cadastral,
		LinkMethod:       linkage.Automatic,
	}
	require.NoError(t, f.linkages.Upsert(ctx, half))

	_, err := f.coord.Synchronize(ctx, Request{
		LinkageID: half.ID,
		Origin:    linkage.Cadastral,
		Deltas:    registry.Fields{"nombre_propietario": "X"},
	})
	assert.ErrorIs(t, err, ErrNoCounterpart)
}

func TestSynchronizeRollsBackPartialWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	f.registry.OnWrite = func(_ string, fields registry.Fields) (registry.Fields, error) {
		calls++
		if calls > 3 {
			return fields, nil
		}
		applied := registry.Fields{}
		if v, ok := fields["propietario_registral"]; ok {
			applied["propietario_registral"] = v
		}
		return applied, errUnavailable
	}

	out, err := f.coord.Synchronize(ctx, Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas: registry.Fields{
			"nombre_propietario": "MARIA LOPEZ",
			"direccion_inmueble": "CALLE 5 DE MAYO 20",
		},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	var sf *SyncFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, 3, sf.Attempts)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, StatusRolledBack, out.Status)

	got := f.read(t, f.registry, "FR-000100")
	assert.Equal(t, "JUAN PEREZ", got["propietario_registral"])
	assert.Equal(t, "AV REFORMA 100", got["direccion_registral"])
	assert.Equal(t, linkage.Error, f.state(t))
	assert.Equal(t, []string{ReasonSyncFailed}, f.escalated.reasons())

	op, err := f.ops.Latest(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, op.Status)
	assert.NotEmpty(t, op.Error)
}

func TestSynchronizeRollbackFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	down, calls := true, 0
	f.registry.OnWrite = func(_ string, fields registry.Fields) (registry.Fields, error) {
		calls++
		switch {
		case !down:
			return fields, nil
		case calls == 1:
			return registry.Fields{"propietario_registral": fields["propietario_registral"]}, errUnavailable
		default:
			return nil, errUnavailable
		}
	}

	out, err := f.coord.Synchronize(ctx, Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas: registry.Fields{
			"nombre_propietario": "MARIA LOPEZ",
			"direccion_inmueble": "CALLE 5 DE MAYO 20",
		},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	var rf *RollbackFailure
	require.ErrorAs(t, err, &rf)
	assert.ErrorIs(t, rf.Cause, errUnavailable)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, linkage.Error, f.state(t))
	assert.Equal(t, []string{ReasonRollbackFailed}, f.escalated.reasons())

	// operator-triggered rollback once the registry is back
	down = false
	rb, err := f.coord.Rollback(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rb.Status)
	assert.Equal(t, "JUAN PEREZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])

	_, err = f.coord.Rollback(ctx, f.linkage.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

// failRollback leaves the linkage in error with a partial counterpart write
// that could not be reverted. Writes succeed again once the returned func
// is called.
func (f *fixture) failRollback(t *testing.T) func() {
	t.Helper()
	down, calls := true, 0
	f.registry.OnWrite = func(_ string, fields registry.Fields) (registry.Fields, error) {
		calls++
		switch {
		case !down:
			return fields, nil
		case calls == 1:
			return registry.Fields{"propietario_registral": fields["propietario_registral"]}, errUnavailable
		default:
			return nil, errUnavailable
		}
	}
	_, err := f.coord.Synchronize(context.Background(), Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas: registry.Fields{
			"nombre_propietario": "MARIA LOPEZ",
			"direccion_inmueble": "CALLE 5 DE MAYO 20",
		},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	var rf *RollbackFailure
	require.ErrorAs(t, err, &rf)
	require.Equal(t, "MARIA LOPEZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])
	return func() { down = false }
}

func TestSynchronizeRefusedWhileRollbackPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.failRollback(t)()

	change := Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Cadastral,
		Deltas:     registry.Fields{"valor_catastral": "1250000"},
		ModifiedAt: f.t0.Add(2 * time.Hour),
	}
	out, err := f.coord.Synchronize(ctx, change)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrRollbackPending)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, linkage.Error, f.state(t))
	assert.Empty(t, f.read(t, f.registry, "FR-000100")["valor_registral"])
	assert.Equal(t, []string{ReasonRollbackFailed, ReasonChangeRefused}, f.escalated.reasons())

	// the operator can still revert the partial write
	rb, err := f.coord.Rollback(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rb.Status)
	assert.Equal(t, "JUAN PEREZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])

	// once rolled back the linkage accepts changes again
	out, err = f.coord.Synchronize(ctx, change)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.Equal(t, "1250000", f.read(t, f.registry, "FR-000100")["valor_registral"])
	assert.Equal(t, linkage.Synced, f.state(t))
}

func TestRetryAfterRollbackFailureKeepsPreImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.failRollback(t)()

	failed, err := f.ops.Latest(ctx, f.linkage.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	out, err := f.coord.Retry(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.NotEqual(t, failed.ID, out.Operation.ID)
	assert.Equal(t, "JUAN PEREZ", out.Operation.Previous["propietario_registral"])
	assert.Equal(t, "MARIA LOPEZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])
	assert.Equal(t, "CALLE 5 DE MAYO 20", f.read(t, f.registry, "FR-000100")["direccion_registral"])
	assert.Equal(t, linkage.Synced, f.state(t))
}

func TestRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	down := true
	f.registry.OnWrite = func(_ string, fields registry.Fields) (registry.Fields, error) {
		if down {
			return nil, errUnavailable
		}
		return fields, nil
	}

	_, err := f.coord.Synchronize(ctx, Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Cadastral,
		Deltas:     registry.Fields{"valor_catastral": "1250000"},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	var sf *SyncFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, linkage.Error, f.state(t))

	down = false
	out, err := f.coord.Retry(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	assert.Equal(t, "1250000", f.read(t, f.registry, "FR-000100")["valor_registral"])
	assert.Equal(t, linkage.Synced, f.state(t))

	_, err = f.coord.Retry(ctx, f.linkage.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSynchronizeLastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1, t2 := f.t0.Add(time.Hour), f.t0.Add(2*time.Hour)
	f.registry.Put(registry.Record{
		Key:             "FR-000100",
		ModifiedAt:      t2,
		FieldModifiedAt: map[string]time.Time{"propietario_registral": t2},
		Fields: registry.Fields{
			"propietario_registral": "JUAN PEREZ GARCIA",
			"direccion_registral":   "AV REFORMA 100",
			"superficie_registral":  "150.00",
			RegistryKeyField:        "01-234-567",
		},
	})

	out, err := f.coord.Synchronize(ctx, Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Cadastral,
		Deltas:     registry.Fields{"nombre_propietario": "JUAN PEREZ HERNANDEZ"},
		ModifiedAt: t1,
	})
	require.NoError(t, err)
	require.Len(t, out.Conflicts, 1)
	rec := out.Conflicts[0]
	assert.Equal(t, conflict.AutoResolved, rec.Resolution)
	assert.Equal(t, linkage.Registry, rec.Winner)
	assert.Equal(t, "JUAN PEREZ HERNANDEZ", rec.CadastralValue)
	assert.Equal(t, "JUAN PEREZ GARCIA", rec.RegistryValue)
	assert.Equal(t, registry.Fields{"nombre_propietario": "JUAN PEREZ GARCIA"}, out.BackPropagated)

	assert.Equal(t, "JUAN PEREZ GARCIA", f.read(t, f.cadastral, "01-234-567")["nombre_propietario"])
	assert.Equal(t, "JUAN PEREZ GARCIA", f.read(t, f.registry, "FR-000100")["propietario_registral"])

	stored, err := f.conflicts.ListByLinkage(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSynchronizeHoldsTiedConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := f.t0.Add(time.Hour)
	f.registry.Put(registry.Record{
		Key:        "FR-000100",
		ModifiedAt: t1,
		Fields: registry.Fields{
			"propietario_registral": "JUAN PEREZ GARCIA",
			"direccion_registral":   "AV REFORMA 100",
			"superficie_registral":  "150.00",
			RegistryKeyField:        "01-234-567",
		},
	})

	out, err := f.coord.Synchronize(ctx, Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas: registry.Fields{
			"nombre_propietario": "JUAN PEREZ HERNANDEZ",
			"superficie_terreno": "175.00",
		},
		ModifiedAt: t1,
	})
	require.NoError(t, err)
	require.Len(t, out.FieldConflicts, 1)
	assert.Equal(t, "nombre_propietario", out.FieldConflicts[0].Field)
	assert.Equal(t, registry.Fields{"superficie_registral": "175.00"}, out.Written)

	got := f.read(t, f.registry, "FR-000100")
	assert.Equal(t, "JUAN PEREZ GARCIA", got["propietario_registral"])
	assert.Equal(t, "175.00", got["superficie_registral"])

	id := out.FieldConflicts[0].ID
	rec, err := f.conflicts.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, conflict.Unresolved, rec.Resolution)

	resolved, err := f.coord.ResolveConflict(ctx, id, linkage.Cadastral)
	require.NoError(t, err)
	assert.Equal(t, conflict.ManuallyResolved, resolved.Resolution)
	assert.Equal(t, "JUAN PEREZ HERNANDEZ", resolved.ResolvedValue)
	assert.Equal(t, "JUAN PEREZ HERNANDEZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])

	snap, err := f.snapshots.Get(ctx, f.linkage.ID)
	require.NoError(t, err)
	assert.Equal(t, "JUAN PEREZ HERNANDEZ", snap.Registry["propietario_registral"])

	_, err = f.coord.ResolveConflict(ctx, id, linkage.Registry)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateStub(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.coord.Create(ctx, CreateRequest{
		Origin:        linkage.Cadastral,
		SourceKey:     "09-456-789",
		SourceAccount: "1234567890",
		Fields: registry.Fields{
			"nombre_propietario": "MARIA GONZALEZ LOPEZ",
			"direccion_inmueble": "CALLE NUEVA 456 COL MODERNA",
			"superficie_terreno": "200.00",
			"zona_catastral":     "Z-1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)
	require.NotNil(t, out.Linkage)
	assert.Equal(t, linkage.Synced, out.Linkage.SyncState)
	assert.Equal(t, linkage.Automatic, out.Linkage.LinkMethod)
	assert.Zero(t, out.Linkage.LinkScore)
	assert.Equal(t, "09-456-789", out.Linkage.CadastralKey)
	assert.Equal(t, out.StubKey, out.Linkage.RegistryFolio)

	stub := f.read(t, f.registry, out.StubKey)
	assert.Equal(t, "MARIA GONZALEZ LOPEZ", stub["propietario_registral"])
	assert.Equal(t, "09-456-789", stub[RegistryKeyField])
	assert.Equal(t, "1234567890", stub[RegistryAccountField])
	assert.NotContains(t, stub, "zona_catastral")

	stored, err := f.linkages.FindByCadastralKey(ctx, "09-456-789")
	require.NoError(t, err)
	assert.Equal(t, out.Linkage.ID, stored.ID)
}

func TestCreateFailureLeavesNoLinkage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.OnCreate = func(registry.Fields) error { return errUnavailable }

	out, err := f.coord.Create(ctx, CreateRequest{
		Origin:    linkage.Cadastral,
		SourceKey: "09-456-789",
		Fields:    registry.Fields{"nombre_propietario": "MARIA GONZALEZ LOPEZ"},
	})
	var sf *SyncFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ModeCreate, out.Operation.Mode)

	_, err = f.linkages.FindByCadastralKey(ctx, "09-456-789")
	assert.ErrorIs(t, err, linkage.ErrNotFound)
}

func TestReconcileAbandonedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a crash left a partial write behind a pending operation
	require.NoError(t, f.registry.Write(ctx, "FR-000100", registry.Fields{"propietario_registral": "HALF WRITTEN"}))
	op := &Operation{
		ID:             uuid.New(),
		LinkageID:      f.linkage.ID,
		Origin:         linkage.Cadastral,
		Mode:           ModeSync,
		OriginKey:      "01-234-567",
		CounterpartKey: "FR-000100",
		OriginDeltas:   registry.Fields{"nombre_propietario": "HALF WRITTEN"},
		Deltas:         registry.Fields{"propietario_registral": "HALF WRITTEN"},
		Previous:       registry.Fields{"propietario_registral": "JUAN PEREZ"},
		Status:         StatusPending,
		StartedAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.ops.Save(ctx, op))
	fresh := *op
	fresh.ID = uuid.New()
	fresh.StartedAt = time.Now()
	require.NoError(t, f.ops.Save(ctx, &fresh))

	r := NewReconciler(f.coord, time.Minute, 5*time.Minute)
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Equal(t, "JUAN PEREZ", f.read(t, f.registry, "FR-000100")["propietario_registral"])
	assert.Equal(t, linkage.Error, f.state(t))
	assert.Equal(t, []string{ReasonAbandoned}, f.escalated.reasons())

	untouched, err := f.ops.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, untouched.Status)
}

func TestSynchronizeSerializesPerLinkage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlock, err := f.coord.Lock(ctx, f.linkage.ID)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.coord.Synchronize(blocked, Request{
		LinkageID: f.linkage.ID,
		Origin:    linkage.Cadastral,
		Deltas:    registry.Fields{"nombre_propietario": "X"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()

	_, err = f.coord.Synchronize(ctx, Request{
		LinkageID:  f.linkage.ID,
		Origin:     linkage.Cadastral,
		Deltas:     registry.Fields{"nombre_propietario": "X"},
		ModifiedAt: f.t0.Add(time.Hour),
	})
	assert.NoError(t, err)
}
