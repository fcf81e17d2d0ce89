// Package matching scores candidate records of the counterpart registry against
// a source record and picks the best one.
//
// Scores are computed on normalized values. Malformed input never produces an
// error, it only lowers the affected component score to 0.
package matching

import (
	"math"
	"strconv"
	"strings"

	"github.com/munistream/puente/internal/normalize"
)

// Component weights in percentage points. They add up to 100 so a perfect
// match composes to exactly 100 without floating point drift.
const (
	NameWeight    = 40
	AddressWeight = 35
	SurfaceWeight = 25
)

// minSharedNameTokens is the smallest partial name overlap that still scores.
const minSharedNameTokens = 2

// NameScore compares owner names as token sets.
// Equal sets score 1. A partial overlap of at least two tokens scores
// |A∩B| / max(|A|,|B|). Anything else scores 0.
func NameScore(a, b string) float64 {
	ta, tb := normalize.NameTokens(a), normalize.NameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		set[t] = struct{}{}
	}
	shared := 0
	for _, t := range tb {
		if _, ok := set[t]; ok {
			shared++
		}
	}
	if shared == len(ta) && shared == len(tb) {
		return 1
	}
	if shared < minSharedNameTokens {
		return 0
	}
	return float64(shared) / float64(max(len(ta), len(tb)))
}

// AddressScore compares addresses component by component in order.
// Numeric components compare by value ("0456" equals "456"). Components past
// the shorter address count as mismatches.
func AddressScore(a, b string) float64 {
	ca, cb := normalize.AddressComponents(a), normalize.AddressComponents(b)
	if len(ca) == 0 || len(cb) == 0 {
		return 0
	}
	total := max(len(ca), len(cb))
	matched := 0
	for i := 0; i < min(len(ca), len(cb)); i++ {
		if sameComponent(ca[i], cb[i]) {
			matched++
		}
	}
	if matched == total {
		return 1
	}
	return float64(matched) / float64(total)
}

func sameComponent(a, b string) bool {
	if a == b {
		return true
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	return errA == nil && errB == nil && na == nb
}

// Surface tolerance bands, relative to the larger of the two areas.
const (
	surfaceExactBand = 0.05
	surfaceNearBand  = 0.15
)

// SurfaceScore compares land areas. Within 5% scores 1, within 15% scores 0.5.
// Missing, zero or non-numeric areas score 0.
func SurfaceScore(a, b string) float64 {
	sa, okA := ParseSurface(a)
	sb, okB := ParseSurface(b)
	if !okA || !okB {
		return 0
	}
	d := math.Abs(sa-sb) / math.Max(sa, sb)
	switch {
	case d <= surfaceExactBand:
		return 1
	case d <= surfaceNearBand:
		return 0.5
	}
	return 0
}

// ParseSurface reads an area such as "200.00", "1,250.5 m2" or "300 M²".
// It reports false for anything that is not a positive finite number.
func ParseSurface(s string) (float64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, unit := range []string{"M²", "M2", "MTS", "MT"} {
		s = strings.TrimSuffix(s, unit)
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// Composite combines the component scores into a 0..100 score.
func Composite(name, address, surface float64) float64 {
	score := NameWeight*name + AddressWeight*address + SurfaceWeight*surface
	// round away accumulated binary noise so thresholds compare cleanly
	return math.Round(score*1e6) / 1e6
}
