package matching

import (
	"errors"
	"sort"
	"strings"
)

// ErrNoCandidates reports that the counterpart registry returned nothing to
// compare against. It is a normal outcome that leads to a create_new decision.
var ErrNoCandidates = errors.New("no candidate found")

// Identity holds the fields used to identify a property in either registry.
type Identity struct {
	Name    string
	Address string
	Surface string
	// CrossReference is the counterpart identifier recorded on the source
	// record, if any (folio real on the cadastral side, clave catastral on
	// the registry side).
	CrossReference string
}

// Candidate is a counterpart record considered for linkage.
type Candidate struct {
	Ref      string
	Identity Identity
	// Linked is set when the candidate already appears in the linkage registry.
	Linked bool
}

// Match is the scored evaluation of one candidate.
type Match struct {
	Ref            string  `json:"ref"`
	NameScore      float64 `json:"name_score"`
	AddressScore   float64 `json:"address_score"`
	SurfaceScore   float64 `json:"surface_score"`
	Composite      float64 `json:"composite"`
	CrossReference bool    `json:"cross_reference"`
	Linked         bool    `json:"linked"`
}

// Score evaluates a single candidate against the source identity.
func Score(source Identity, c Candidate) Match {
	m := Match{
		Ref:          c.Ref,
		Linked:       c.Linked,
		NameScore:    NameScore(source.Name, c.Identity.Name),
		AddressScore: AddressScore(source.Address, c.Identity.Address),
		SurfaceScore: SurfaceScore(source.Surface, c.Identity.Surface),
	}
	m.Composite = Composite(m.NameScore, m.AddressScore, m.SurfaceScore)
	return m
}

// Rank scores every candidate and orders them best first. Ties prefer a
// candidate already present in the linkage registry, then the lowest ref.
func Rank(source Identity, candidates []Candidate) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, Score(source, c))
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Linked != b.Linked {
			return a.Linked
		}
		return a.Ref < b.Ref
	})
	return matches
}

// Best returns the highest-scoring candidate. When the source carries a cross
// reference that names one of the candidates, that candidate wins with 100
// and no weighted scoring takes place.
func Best(source Identity, candidates []Candidate) (Match, error) {
	if len(candidates) == 0 {
		return Match{}, ErrNoCandidates
	}
	if ref := strings.TrimSpace(source.CrossReference); ref != "" {
		for _, c := range candidates {
			if strings.EqualFold(strings.TrimSpace(c.Ref), ref) {
				return Match{Ref: c.Ref, Composite: 100, CrossReference: true, Linked: c.Linked}, nil
			}
		}
	}
	return Rank(source, candidates)[0], nil
}
