// Package weights enforces the target-weight invariants across the
// portfolio -> pie -> slice hierarchy. One parameterized ledger serves both
// levels: pies within a portfolio and slices within a pie.
package weights

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Epsilon absorbs two-decimal rounding noise in weight sums
const Epsilon = 1e-6

// Level identifies which parent/child pairing a validation targets
type Level string

const (
	// LevelPortfolio validates pie weights within a portfolio
	LevelPortfolio Level = "portfolio"
	// LevelPie validates slice weights within a pie
	LevelPie Level = "pie"
)

// WeightExceededError reports a weight write that would push the sibling
// total past 100%. It is always surfaced to the caller, never clamped.
type WeightExceededError struct {
	Level          Level
	ParentID       string
	CurrentTotal   float64
	AttemptedTotal float64
}

func (e *WeightExceededError) Error() string {
	return fmt.Sprintf("total weight would exceed 100%%: current %.2f%%, attempted %.2f%%",
		e.CurrentTotal, e.AttemptedTotal)
}

// SiblingWeightSource reads the sum of active sibling weights under a parent,
// excluding the child being updated (empty string excludes nothing).
type SiblingWeightSource interface {
	SumSiblingWeights(level Level, parentID string, excludeChildID string) (float64, error)
}

// Ledger validates candidate weights against the <= 100% invariant.
// Validation and the guarded write run under a per-parent lock so concurrent
// writers targeting the same parent cannot jointly exceed 100%.
type Ledger struct {
	source SiblingWeightSource
	log    zerolog.Logger

	mu      sync.Mutex
	parents map[string]*sync.Mutex
}

// NewLedger creates a weight ledger over the given sibling source
func NewLedger(source SiblingWeightSource, log zerolog.Logger) *Ledger {
	return &Ledger{
		source:  source,
		log:     log.With().Str("component", "weight_ledger").Logger(),
		parents: make(map[string]*sync.Mutex),
	}
}

// parentLock returns the mutex guarding one parent at one level
func (l *Ledger) parentLock(level Level, parentID string) *sync.Mutex {
	key := string(level) + ":" + parentID
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.parents[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.parents[key] = m
	return m
}

// Validate checks whether writing candidateWeight for a child of parentID
// would exceed 100%. excludeChildID names the child being updated so its
// current weight is not double counted; pass "" on insert.
//
// Validate alone does not serialize against concurrent writers; use
// ValidateAndApply when the check must be atomic with the write.
func (l *Ledger) Validate(level Level, parentID string, candidateWeight float64, excludeChildID string) error {
	return l.check(level, parentID, candidateWeight, excludeChildID)
}

// ValidateAndApply runs the validation and the guarded write while holding
// the parent's lock, so read-sum, compare and write are atomic per parent.
func (l *Ledger) ValidateAndApply(level Level, parentID string, candidateWeight float64, excludeChildID string, apply func() error) error {
	lock := l.parentLock(level, parentID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.check(level, parentID, candidateWeight, excludeChildID); err != nil {
		return err
	}
	return apply()
}

func (l *Ledger) check(level Level, parentID string, candidateWeight float64, excludeChildID string) error {
	if candidateWeight < 0 {
		return fmt.Errorf("weight must be non-negative, got %.2f", candidateWeight)
	}

	current, err := l.source.SumSiblingWeights(level, parentID, excludeChildID)
	if err != nil {
		return fmt.Errorf("failed to sum sibling weights: %w", err)
	}

	// Two-decimal weights are summed as decimals so equality at the 100.00
	// boundary is exact; epsilon covers values that arrived through floats.
	attempted := decimal.NewFromFloat(current).Add(decimal.NewFromFloat(candidateWeight))
	limit := decimal.NewFromFloat(100.0 + Epsilon)

	if attempted.GreaterThan(limit) {
		attemptedF, _ := attempted.Float64()
		l.log.Debug().
			Str("level", string(level)).
			Str("parent_id", parentID).
			Float64("current_total", current).
			Float64("attempted_total", attemptedF).
			Msg("Weight validation rejected")
		return &WeightExceededError{
			Level:          level,
			ParentID:       parentID,
			CurrentTotal:   current,
			AttemptedTotal: attemptedF,
		}
	}

	return nil
}
