// Package normalize canonicalizes the free-text identity fields exchanged between
// the cadastral system and the property registry so they can be compared.
//
// Every function in this package is idempotent: applying it to its own output
// returns the same value.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// connectors are dropped from owner names before set comparison only.
var connectors = map[string]struct{}{
	"DE":  {},
	"DEL": {},
	"LA":  {},
	"LAS": {},
	"LOS": {},
	"EL":  {},
	"Y":   {},
	"E":   {},
	"VDA": {},
}

// abbreviations folds long address words into the short form the registries
// print. Targets never appear as keys, which keeps the mapping idempotent.
var abbreviations = map[string]string{
	"AVENIDA":         "AV",
	"AVE":             "AV",
	"COLONIA":         "COL",
	"CALZADA":         "CALZ",
	"BOULEVARD":       "BLVD",
	"BULEVAR":         "BLVD",
	"CERRADA":         "CDA",
	"PRIVADA":         "PRIV",
	"FRACCIONAMIENTO": "FRACC",
	"CARRETERA":       "CARR",
	"DEPARTAMENTO":    "DEPTO",
	"INTERIOR":        "INT",
	"EXTERIOR":        "EXT",
}

// Canonical uppercases text, strips diacritics and punctuation and collapses
// runs of whitespace into a single space.
func Canonical(s string) string {
	if s == "" {
		return ""
	}
	s = stripMarks(s)
	s = strings.ToUpper(s)

	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case r == '\'' || r == '’':
			// O'BRIEN -> OBRIEN
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// NameTokens returns the sorted, de-duplicated set of owner-name tokens with
// connector words removed.
func NameTokens(s string) []string {
	fields := strings.Fields(Canonical(s))
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, skip := connectors[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	sort.Strings(tokens)
	return tokens
}

// Name returns the canonical owner name as a single string built from NameTokens.
func Name(s string) string {
	return strings.Join(NameTokens(s), " ")
}

// AddressComponents returns the ordered address components. Order is kept
// because the matcher compares components positionally.
func AddressComponents(s string) []string {
	fields := strings.Fields(Canonical(s))
	for i, f := range fields {
		if short, ok := abbreviations[f]; ok {
			fields[i] = short
		}
	}
	return fields
}

// Address returns the canonical address as a single string.
func Address(s string) string {
	return strings.Join(AddressComponents(s), " ")
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
