package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munistream/puente/internal/linkage"
)

func ptr(s string) *string { return &s }

var (
	t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestResolveLastWriterWins(t *testing.T) {
	r := NewResolver()
	id := uuid.New()
	f := Field{
		Name:          "uso_suelo",
		RegistryField: "uso_suelo_registral",
		Cadastral:     Side{Value: "HABITACIONAL", ModifiedAt: t1, Synced: ptr("BALDIO")},
		Registry:      Side{Value: "COMERCIAL", ModifiedAt: t2, Synced: ptr("BALDIO")},
	}

	d := r.Resolve(id, linkage.Cadastral, f)
	require.NotNil(t, d.Record)
	assert.False(t, d.Held())
	assert.Equal(t, linkage.Registry, d.Winner)
	assert.Equal(t, "COMERCIAL", d.Value)
	assert.Equal(t, AutoResolved, d.Record.Resolution)
	assert.Equal(t, "HABITACIONAL", d.Record.CadastralValue)
	assert.Equal(t, "COMERCIAL", d.Record.RegistryValue)
	assert.Equal(t, id, d.Record.LinkageID)
	require.NotNil(t, d.Record.ResolvedAt)

	// same answer whichever side triggered the sync
	d = r.Resolve(id, linkage.Registry, f)
	assert.Equal(t, linkage.Registry, d.Winner)
}

func TestResolveTieIsHeld(t *testing.T) {
	f := Field{
		Name:      "valor_catastral",
		Cadastral: Side{Value: "100", ModifiedAt: t1, Synced: ptr("50")},
		Registry:  Side{Value: "200", ModifiedAt: t1, Synced: ptr("50")},
	}
	d := NewResolver().Resolve(uuid.New(), linkage.Cadastral, f)
	assert.True(t, d.Held())
	assert.Empty(t, d.Winner)
	assert.Equal(t, Unresolved, d.Record.Resolution)
}

func TestResolveNeverSynced(t *testing.T) {
	r := NewResolver()
	tie := Field{
		Name:      "uso_suelo",
		Cadastral: Side{Value: "A", ModifiedAt: t1},
		Registry:  Side{Value: "B", ModifiedAt: t1},
	}
	assert.True(t, r.Resolve(uuid.New(), linkage.Cadastral, tie).Held())

	unknownTime := Field{
		Name:      "uso_suelo",
		Cadastral: Side{Value: "A", ModifiedAt: t1},
		Registry:  Side{Value: "B"},
	}
	assert.True(t, r.Resolve(uuid.New(), linkage.Cadastral, unknownTime).Held())

	ordered := Field{
		Name:      "uso_suelo",
		Cadastral: Side{Value: "A", ModifiedAt: t2},
		Registry:  Side{Value: "B", ModifiedAt: t1},
	}
	d := r.Resolve(uuid.New(), linkage.Cadastral, ordered)
	assert.Equal(t, linkage.Cadastral, d.Winner)
	assert.Equal(t, AutoResolved, d.Record.Resolution)

	blank := Field{
		Name:      "uso_suelo",
		Cadastral: Side{Value: "A", ModifiedAt: t1},
		Registry:  Side{ModifiedAt: t1},
	}
	d = r.Resolve(uuid.New(), linkage.Cadastral, blank)
	assert.Nil(t, d.Record)
	assert.Equal(t, "A", d.Value)
}

func TestResolveWithoutConflict(t *testing.T) {
	r := NewResolver()

	onlyOrigin := Field{
		Name:      "valor_catastral",
		Cadastral: Side{Value: "900", ModifiedAt: t2, Synced: ptr("800")},
		Registry:  Side{Value: "800", ModifiedAt: t0, Synced: ptr("800")},
	}
	d := r.Resolve(uuid.New(), linkage.Cadastral, onlyOrigin)
	assert.Nil(t, d.Record)
	assert.Equal(t, linkage.Cadastral, d.Winner)
	assert.Equal(t, "900", d.Value)
	assert.False(t, d.InSync)

	agreed := Field{
		Name:      "superficie_terreno",
		Cadastral: Side{Value: "200", ModifiedAt: t2, Synced: ptr("150")},
		Registry:  Side{Value: "200.00", ModifiedAt: t1, Synced: ptr("150")},
	}
	d = r.Resolve(uuid.New(), linkage.Cadastral, agreed)
	assert.Nil(t, d.Record)
	assert.True(t, d.InSync)

	stale := Field{
		Name:      "uso_suelo",
		Cadastral: Side{Value: "A", ModifiedAt: t2, Synced: ptr("A")},
		Registry:  Side{Value: "B", ModifiedAt: t1, Synced: ptr("A")},
	}
	d = r.Resolve(uuid.New(), linkage.Cadastral, stale)
	assert.Nil(t, d.Record)
	assert.Equal(t, linkage.Registry, d.Winner)
	assert.Equal(t, "B", d.Value)
}

func TestSameValue(t *testing.T) {
	assert.True(t, SameValue("200", "200.00"))
	assert.True(t, SameValue("1,250", "1250"))
	assert.True(t, SameValue("María López", "MARIA LOPEZ"))
	assert.False(t, SameValue("CALLE 1", "CALLE 2"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	lid := uuid.New()
	a := &Record{ID: uuid.New(), LinkageID: lid, FieldName: "b", DetectedAt: t1, Resolution: Unresolved}
	b := &Record{ID: uuid.New(), LinkageID: lid, FieldName: "a", DetectedAt: t1, Resolution: AutoResolved}
	c := &Record{ID: uuid.New(), LinkageID: uuid.New(), FieldName: "a", DetectedAt: t0}
	for _, r := range []*Record{a, b, c} {
		require.NoError(t, s.Save(ctx, r))
	}
	list, err := s.ListByLinkage(ctx, lid)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].FieldName)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Unresolved, got.Resolution)
	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
