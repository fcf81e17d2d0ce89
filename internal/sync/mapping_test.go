package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
)

func TestMappingTranslate(t *testing.T) {
	m := DefaultMapping()

	got := m.Translate(linkage.Cadastral, registry.Fields{
		"nombre_propietario": "ANA",
		"valor_catastral":    "1000",
		"zona_catastral":     "Z",
	})
	assert.Equal(t, registry.Fields{"propietario_registral": "ANA", "valor_registral": "1000"}, got)

	back := m.Translate(linkage.Registry, got)
	assert.Equal(t, registry.Fields{"nombre_propietario": "ANA", "valor_catastral": "1000"}, back)

	name, ok := m.Counterpart(linkage.Registry, "uso_suelo_registral")
	assert.True(t, ok)
	assert.Equal(t, "uso_suelo", name)
	_, ok = m.Counterpart(linkage.Cadastral, CadastralFolioField)
	assert.False(t, ok)
}

func TestMappingFieldsSorted(t *testing.T) {
	assert.Equal(t, []string{
		"direccion_inmueble", "nombre_propietario", "superficie_terreno", "uso_suelo", "valor_catastral",
	}, DefaultMapping().Fields(linkage.Cadastral))
}

func TestNewMappingRejectsDuplicateTarget(t *testing.T) {
	_, err := NewMapping(map[string]string{"a": "x", "b": "x"})
	assert.Error(t, err)
	_, err = NewMapping(map[string]string{"a": ""})
	assert.Error(t, err)
}

func TestStubFields(t *testing.T) {
	m := DefaultMapping()
	fields := registry.Fields{"nombre_propietario": "ANA", "zona_catastral": "Z"}

	stub := m.StubFields(linkage.Cadastral, "09-456-789", "", fields)
	assert.Equal(t, registry.Fields{"propietario_registral": "ANA", RegistryKeyField: "09-456-789"}, stub)

	stub = m.StubFields(linkage.Registry, "FR-000007", "", registry.Fields{"propietario_registral": "ANA"})
	assert.Equal(t, registry.Fields{"nombre_propietario": "ANA", CadastralFolioField: "FR-000007"}, stub)
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cadastral_to_registry:\n  nombre_propietario: titular\n"), 0o600))

	m, err := LoadMapping(path)
	require.NoError(t, err)
	name, ok := m.Counterpart(linkage.Cadastral, "nombre_propietario")
	assert.True(t, ok)
	assert.Equal(t, "titular", name)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("other: 1\n"), 0o600))
	_, err = LoadMapping(empty)
	assert.Error(t, err)

	_, err = LoadMapping(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
