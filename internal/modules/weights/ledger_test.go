package weights

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource serves sibling sums from a map keyed by parent id and tracks
// applied weights so concurrent ValidateAndApply calls see each other.
type stubSource struct {
	mu      sync.Mutex
	sums    map[string]float64
	exclude map[string]float64 // child id -> weight removed when excluded
}

func newStubSource() *stubSource {
	return &stubSource{sums: make(map[string]float64), exclude: make(map[string]float64)}
}

func (s *stubSource) SumSiblingWeights(level Level, parentID string, excludeChildID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.sums[parentID]
	if excludeChildID != "" {
		sum -= s.exclude[excludeChildID]
	}
	return sum, nil
}

func (s *stubSource) add(parentID string, w float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sums[parentID] += w
}

func TestValidate_AcceptsUpToBoundary(t *testing.T) {
	src := newStubSource()
	src.sums["pie-1"] = 60.0
	ledger := NewLedger(src, zerolog.Nop())

	assert.NoError(t, ledger.Validate(LevelPie, "pie-1", 40.0, ""))
	assert.NoError(t, ledger.Validate(LevelPie, "pie-1", 39.99, ""))
}

func TestValidate_RejectsOverBoundary(t *testing.T) {
	src := newStubSource()
	src.sums["pie-1"] = 60.0
	ledger := NewLedger(src, zerolog.Nop())

	err := ledger.Validate(LevelPie, "pie-1", 45.0, "")
	require.Error(t, err)

	var weightErr *WeightExceededError
	require.True(t, errors.As(err, &weightErr))
	assert.InDelta(t, 60.0, weightErr.CurrentTotal, 1e-9)
	assert.InDelta(t, 105.0, weightErr.AttemptedTotal, 1e-9)
}

func TestValidate_ExcludesChildBeingUpdated(t *testing.T) {
	src := newStubSource()
	src.sums["pf-1"] = 100.0
	src.exclude["pie-a"] = 40.0
	ledger := NewLedger(src, zerolog.Nop())

	// Updating pie-a from 40 to 40 keeps the total at exactly 100
	assert.NoError(t, ledger.Validate(LevelPortfolio, "pf-1", 40.0, "pie-a"))
	// Raising it to 41 would overshoot
	assert.Error(t, ledger.Validate(LevelPortfolio, "pf-1", 41.0, "pie-a"))
}

func TestValidate_TwoDecimalSumsExactAtBoundary(t *testing.T) {
	src := newStubSource()
	// 33.33 * 3 = 99.99, plus 0.01 lands exactly on 100.00
	src.sums["pie-2"] = 99.99
	ledger := NewLedger(src, zerolog.Nop())

	assert.NoError(t, ledger.Validate(LevelPie, "pie-2", 0.01, ""))
	assert.Error(t, ledger.Validate(LevelPie, "pie-2", 0.02, ""))
}

func TestValidate_RejectsNegativeWeight(t *testing.T) {
	ledger := NewLedger(newStubSource(), zerolog.Nop())
	assert.Error(t, ledger.Validate(LevelPie, "pie-1", -1.0, ""))
}

func TestValidateAndApply_SerializesConcurrentWriters(t *testing.T) {
	src := newStubSource()
	src.sums["pf-1"] = 0
	ledger := NewLedger(src, zerolog.Nop())

	// 30 goroutines each try to claim 10%; only 10 can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.ValidateAndApply(LevelPortfolio, "pf-1", 10.0, "", func() error {
				src.add("pf-1", 10.0)
				return nil
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	sum, err := src.SumSiblingWeights(LevelPortfolio, "pf-1", "")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, sum, 1e-9)
}

func TestValidateAndApply_DoesNotApplyOnRejection(t *testing.T) {
	src := newStubSource()
	src.sums["pie-1"] = 95.0
	ledger := NewLedger(src, zerolog.Nop())

	applied := false
	err := ledger.ValidateAndApply(LevelPie, "pie-1", 10.0, "", func() error {
		applied = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, applied)
}
