package triggers

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rule is a build rule: the trigger gating one build slice's releases.
// Exactly one rule accompanies a build slice; pausing deactivates it
// rather than deleting it.
type Rule struct {
	ID              string     `json:"id"`
	SliceID         string     `json:"slice_id"`
	Symbol          string     `json:"symbol"` // denormalized from the slice for evaluation
	Params          Params     `json:"params"`
	IsActive        bool       `json:"is_active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	// LastCrossSign stores the sign of (fast - slow) from the previous
	// evaluation so ma_crossover fires on the crossing edge, not on state.
	// nil until the first evaluation.
	LastCrossSign *int      `json:"last_cross_sign,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MarshalJSON includes the kind string, which lives on the Params method
// set rather than in a struct field.
func (r *Rule) MarshalJSON() ([]byte, error) {
	type alias Rule
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		*alias
	}{Kind: r.Kind(), alias: (*alias)(r)})
}

// Kind returns the rule's trigger kind
func (r *Rule) Kind() Kind {
	if r.Params == nil {
		return ""
	}
	return r.Params.Kind()
}

// Granularity returns the idempotency window for this rule's kind: two
// evaluations whose cycle timestamps truncate to the same instant cannot
// both fire.
func (r *Rule) Granularity(cycleInterval time.Duration) time.Duration {
	switch r.Kind() {
	case KindTimeInterval, KindEarningsPre, KindEarningsPost:
		return 24 * time.Hour
	default:
		if cycleInterval <= 0 {
			return 24 * time.Hour
		}
		return cycleInterval
	}
}

// Decision is the outcome of one rule evaluation
type Decision struct {
	Fire bool
	// ReleaseOverrideCents caps the release; 0 means release the whole
	// deferred balance.
	ReleaseOverrideCents int64
	Reason               string
}

// EvaluationError reports a rule held because its market context was
// missing or invalid. It is recorded against the rule, never silently
// skipped, and never aborts sibling rules.
type EvaluationError struct {
	RuleID string
	Symbol string
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("trigger evaluation failed for rule %s (%s): %s", e.RuleID, e.Symbol, e.Reason)
}
