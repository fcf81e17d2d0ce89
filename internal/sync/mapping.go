package sync

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
)

// defaultPairs maps cadastral field names to property registry field names.
var defaultPairs = map[string]string{
	"nombre_propietario": "propietario_registral",
	"direccion_inmueble": "direccion_registral",
	"superficie_terreno": "superficie_registral",
	"valor_catastral":    "valor_registral",
	"uso_suelo":          "uso_suelo_registral",
}

// Identifier fields. Each registry also records the other's identifier.
const (
	CadastralFolioField   = "folio_real"
	CadastralKeyField     = "clave_catastral"
	CadastralAccountField = "cuenta_catastral"
	RegistryKeyField      = "clave_catastral"
	RegistryAccountField  = "cuenta_catastral"
)

// Mapping is the static field-mapping table between the two registries.
// Identifier fields are never part of it.
type Mapping struct {
	toRegistry  map[string]string
	toCadastral map[string]string
}

// DefaultMapping returns the built-in table.
func DefaultMapping() *Mapping {
	m, _ := NewMapping(defaultPairs)
	return m
}

// NewMapping builds a mapping from cadastral->registry pairs. Each registry
// field may be the target of only one cadastral field.
func NewMapping(cadastralToRegistry map[string]string) (*Mapping, error) {
	m := &Mapping{
		toRegistry:  make(map[string]string, len(cadastralToRegistry)),
		toCadastral: make(map[string]string, len(cadastralToRegistry)),
	}
	for c, r := range cadastralToRegistry {
		if c == "" || r == "" {
			return nil, fmt.Errorf("field mapping has an empty name (%q -> %q)", c, r)
		}
		if prev, dup := m.toCadastral[r]; dup {
			return nil, fmt.Errorf("registry field %q mapped from both %q and %q", r, prev, c)
		}
		m.toRegistry[c] = r
		m.toCadastral[r] = c
	}
	return m, nil
}

type mappingFile struct {
	CadastralToRegistry map[string]string `yaml:"cadastral_to_registry"`
}

// LoadMapping reads a YAML mapping file of the form
//
//	cadastral_to_registry:
//	  nombre_propietario: propietario_registral
func LoadMapping(path string) (*Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field mapping: %w", err)
	}
	var f mappingFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse field mapping %s: %w", path, err)
	}
	if len(f.CadastralToRegistry) == 0 {
		return nil, fmt.Errorf("field mapping %s defines no fields", path)
	}
	return NewMapping(f.CadastralToRegistry)
}

// Counterpart returns the name of field on the other registry.
func (m *Mapping) Counterpart(origin linkage.Origin, field string) (string, bool) {
	table := m.toRegistry
	if origin == linkage.Registry {
		table = m.toCadastral
	}
	name, ok := table[field]
	return name, ok
}

// Translate renames origin fields to counterpart names, dropping unmapped ones.
func (m *Mapping) Translate(origin linkage.Origin, fields registry.Fields) registry.Fields {
	out := make(registry.Fields, len(fields))
	for k, v := range fields {
		if name, ok := m.Counterpart(origin, k); ok {
			out[name] = v
		}
	}
	return out
}

// Fields returns the mapped field names of one registry in stable order.
func (m *Mapping) Fields(origin linkage.Origin) []string {
	table := m.toRegistry
	if origin == linkage.Registry {
		table = m.toCadastral
	}
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StubFields builds the minimal counterpart record for create mode: the
// mapped fields plus the source's identifiers as cross references.
func (m *Mapping) StubFields(origin linkage.Origin, sourceKey, sourceAccount string, fields registry.Fields) registry.Fields {
	stub := m.Translate(origin, fields)
	if origin == linkage.Cadastral {
		stub[RegistryKeyField] = sourceKey
		if sourceAccount != "" {
			stub[RegistryAccountField] = sourceAccount
		}
		return stub
	}
	stub[CadastralFolioField] = sourceKey
	return stub
}
