// Package allocation converts cash deposits into penny-exact per-slice
// amounts using a two-stage largest-remainder proportional split over the
// weighted pie/slice tree.
package allocation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dstamatis/pietra/internal/domain"
)

// ErrAllocationUnderdetermined means the weighted tree has zero effective
// weight at the relevant level. The deposit stays pending: a later
// configuration fix resolves it, so this is not a failure state.
var ErrAllocationUnderdetermined = errors.New("allocation underdetermined: no positive weights in tree")

// SliceNode is a slice as the engine sees it
type SliceNode struct {
	ID           string
	Weight       float64
	PositionType domain.PositionType
}

// PieNode is a pie and its slices as the engine sees them
type PieNode struct {
	ID     string
	Weight float64
	Slices []SliceNode
}

// Allocate distributes depositCents across the tree and returns the amount
// per slice id. The output always sums exactly to depositCents.
//
// Both stages re-normalize against the present weights, so an
// under-100% tree never strands part of the deposit. Pies that cannot
// absorb cash (zero weight, or no positively weighted slices) are excluded
// from normalization at the pie stage.
func Allocate(depositCents int64, pies []PieNode) (map[string]int64, error) {
	if depositCents < 0 {
		return nil, fmt.Errorf("deposit amount must be non-negative, got %d", depositCents)
	}

	eligible := make([]PieNode, 0, len(pies))
	for _, pie := range pies {
		if pie.Weight > 0 && sliceWeightSum(pie.Slices) > 0 {
			eligible = append(eligible, pie)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrAllocationUnderdetermined
	}

	// Stage 1: deposit -> pies
	pieShares := make([]share, len(eligible))
	for i, pie := range eligible {
		pieShares[i] = share{id: pie.ID, weight: pie.Weight}
	}
	pieAmounts := distribute(depositCents, pieShares)

	// Stage 2: each pie's amount -> its slices
	result := make(map[string]int64)
	for _, pie := range pies {
		for _, s := range pie.Slices {
			result[s.ID] = 0
		}
	}
	for i, pie := range eligible {
		sliceShares := make([]share, 0, len(pie.Slices))
		for _, s := range pie.Slices {
			if s.Weight > 0 {
				sliceShares = append(sliceShares, share{id: s.ID, weight: s.Weight})
			}
		}
		for id, cents := range distributeMap(pieAmounts[i], sliceShares) {
			result[id] = cents
		}
	}

	return result, nil
}

func sliceWeightSum(slices []SliceNode) float64 {
	var sum float64
	for _, s := range slices {
		if s.Weight > 0 {
			sum += s.Weight
		}
	}
	return sum
}

// share is one recipient in a largest-remainder distribution
type share struct {
	id     string
	weight float64
}

// distribute splits total cents proportionally across shares, rounding down
// and handing leftover cents to the largest fractional remainders, ties
// broken by ascending id. The result sums to total exactly; anything else
// is a programming error and panics.
func distribute(total int64, shares []share) []int64 {
	weightSum := decimal.Zero
	for _, s := range shares {
		weightSum = weightSum.Add(decimal.NewFromFloat(s.weight))
	}

	totalDec := decimal.NewFromInt(total)
	amounts := make([]int64, len(shares))
	fracs := make([]decimal.Decimal, len(shares))

	var distributed int64
	for i, s := range shares {
		raw := totalDec.Mul(decimal.NewFromFloat(s.weight)).DivRound(weightSum, 18)
		floor := raw.Floor()
		amounts[i] = floor.IntPart()
		fracs[i] = raw.Sub(floor)
		distributed += amounts[i]
	}

	remainder := total - distributed
	if remainder < 0 {
		panic(fmt.Sprintf("allocation rounding produced overshoot: total=%d distributed=%d", total, distributed))
	}

	// Order recipients by fractional remainder desc, then id asc
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		cmp := fracs[order[a]].Cmp(fracs[order[b]])
		if cmp != 0 {
			return cmp > 0
		}
		return shares[order[a]].id < shares[order[b]].id
	})

	for i := int64(0); i < remainder; i++ {
		amounts[order[i%int64(len(order))]]++
	}

	var check int64
	for _, a := range amounts {
		check += a
	}
	if check != total {
		panic(fmt.Sprintf("allocation failed to reconcile: total=%d distributed=%d", total, check))
	}

	return amounts
}

// distributeMap is distribute keyed by recipient id
func distributeMap(total int64, shares []share) map[string]int64 {
	amounts := distribute(total, shares)
	result := make(map[string]int64, len(shares))
	for i, s := range shares {
		result[s.id] = amounts[i]
	}
	return result
}
