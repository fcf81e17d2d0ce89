// Package decision maps a composite match score to a linkage action.
package decision

import "fmt"

// Action is the outcome of the linkage decision.
type Action string

const (
	AutoLink     Action = "auto_link"
	ManualReview Action = "manual_review"
	CreateNew    Action = "create_new"
)

// Default thresholds on the 0..100 composite scale.
const (
	DefaultAutoLinkThreshold = 95.0
	DefaultManualReviewFloor = 70.0
)

// Policy holds the configurable thresholds. Both bounds are inclusive.
type Policy struct {
	AutoLinkThreshold float64
	ManualReviewFloor float64
}

// DefaultPolicy returns the policy with the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AutoLinkThreshold: DefaultAutoLinkThreshold,
		ManualReviewFloor: DefaultManualReviewFloor,
	}
}

// Validate checks that 0 <= floor <= auto-link threshold <= 100.
func (p Policy) Validate() error {
	if p.ManualReviewFloor < 0 || p.AutoLinkThreshold > 100 {
		return fmt.Errorf("thresholds must be within 0..100 (floor %.3f, auto-link %.3f)", p.ManualReviewFloor, p.AutoLinkThreshold)
	}
	if p.ManualReviewFloor > p.AutoLinkThreshold {
		return fmt.Errorf("manual review floor %.3f exceeds auto-link threshold %.3f", p.ManualReviewFloor, p.AutoLinkThreshold)
	}
	return nil
}

// Decide returns the action for a best-candidate score. found is false when
// the counterpart registry produced no candidate at all.
func (p Policy) Decide(score float64, found bool) Action {
	switch {
	case !found:
		return CreateNew
	case score >= p.AutoLinkThreshold:
		return AutoLink
	case score >= p.ManualReviewFloor:
		return ManualReview
	}
	return CreateNew
}

// AwaitingReview reports whether a score falls in the manual review band.
func (p Policy) AwaitingReview(score float64) bool {
	return p.Decide(score, true) == ManualReview
}
