// Package building implements the position-building policy: the split of
// slice allocations into immediate and deferred amounts, and the deferred
// balance ledger that staged ("build") positions draw down as their
// triggers fire.
package building

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// Partition is the immediate/deferred split of one slice allocation
type Partition struct {
	ImmediateCents int64
	DeferredCents  int64
}

// Split partitions a slice's allocated amount by its position type.
// Full slices invest everything immediately; build slices defer everything
// until their trigger releases it.
func Split(allocCents int64, positionType domain.PositionType) Partition {
	if positionType == domain.PositionBuild {
		return Partition{DeferredCents: allocCents}
	}
	return Partition{ImmediateCents: allocCents}
}

// Release is one draw against a deferred balance
type Release struct {
	DepositID string
	Cents     int64
}

// Policy manages deferred balances for build slices. Releases draw down
// balances oldest-deposit-first so no deposit waits forever behind newer
// cash.
type Policy struct {
	repo *Repository
	log  zerolog.Logger
}

// NewPolicy creates a position-building policy over the deferred ledger
func NewPolicy(repo *Repository, log zerolog.Logger) *Policy {
	return &Policy{
		repo: repo,
		log:  log.With().Str("component", "building_policy").Logger(),
	}
}

// SlicesWithBalance returns the ids of slices currently holding deferred cash
func (p *Policy) SlicesWithBalance() ([]string, error) {
	return p.repo.ListSlicesWithBalance()
}

// Defer records cents as pending-allocation state for (slice, deposit)
func (p *Policy) Defer(sliceID, depositID string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	return p.repo.Credit(sliceID, depositID, cents)
}

// ReleaseUpTo debits at most maxCents from the slice's deferred balances,
// oldest deposit first, and returns the per-deposit draws. Partial releases
// are normal: the residual stays bound to its deposit for later cycles.
func (p *Policy) ReleaseUpTo(sliceID string, maxCents int64) ([]Release, error) {
	if maxCents <= 0 {
		return nil, nil
	}

	balances, err := p.repo.ListBySlice(sliceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred balances: %w", err)
	}

	var releases []Release
	remaining := maxCents
	for _, b := range balances {
		if remaining == 0 {
			break
		}
		draw := b.RemainingCents
		if draw > remaining {
			draw = remaining
		}
		if draw == 0 {
			continue
		}
		if err := p.repo.Debit(sliceID, b.DepositID, draw); err != nil {
			return releases, fmt.Errorf("failed to debit deferred balance: %w", err)
		}
		releases = append(releases, Release{DepositID: b.DepositID, Cents: draw})
		remaining -= draw
	}

	if len(releases) > 0 {
		p.log.Debug().
			Str("slice_id", sliceID).
			Int64("released_cents", maxCents-remaining).
			Int("deposits", len(releases)).
			Msg("Deferred balance released")
	}

	return releases, nil
}

// Restore credits cents back to (slice, deposit) after an emitted intent
// could not consume them (sub-lot remainder, cancelled order).
func (p *Policy) Restore(sliceID, depositID string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	return p.repo.Credit(sliceID, depositID, cents)
}

// TotalDeferred returns the slice's outstanding deferred balance
func (p *Policy) TotalDeferred(sliceID string) (int64, error) {
	return p.repo.TotalBySlice(sliceID)
}

// Outstanding returns the deposit's total deferred cents across all slices
func (p *Policy) Outstanding(depositID string) (int64, error) {
	return p.repo.OutstandingByDeposit(depositID)
}

// Forfeit zeroes every deferred balance funded by a cancelled deposit
func (p *Policy) Forfeit(depositID string) error {
	return p.repo.ForfeitByDeposit(depositID)
}
