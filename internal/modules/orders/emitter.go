// Package orders converts approved allocations into discrete transaction
// intents for the brokerage collaborator. Emission never blocks on
// execution and never retries network calls; status transitions past
// "pending" arrive from the broker signal.
package orders

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// DefaultLotSize is whole shares; instruments supporting fractional trading
// pass their finer lot precision.
const DefaultLotSize = 1.0

// Emitter creates buy intents from released allocation amounts
type Emitter struct {
	repo  *Repository
	clock domain.Clock
	log   zerolog.Logger
}

// NewEmitter creates an order intent emitter
func NewEmitter(repo *Repository, clock domain.Clock, log zerolog.Logger) *Emitter {
	return &Emitter{
		repo:  repo,
		clock: clock,
		log:   log.With().Str("component", "order_emitter").Logger(),
	}
}

// EmitRequest describes one approved release to turn into an intent
type EmitRequest struct {
	SliceID       string
	Symbol        string
	DepositID     string // empty when not funded by a tracked deposit
	BuildRuleID   string // set only when a fired trigger originated the release
	ReleasedCents int64
	PriceHint     float64
	LotSize       float64 // 0 means DefaultLotSize
}

// EmitResult carries the created intent (nil when the release cannot buy
// even one lot) and the sub-lot residue that must return to the deferred
// balance rather than being discarded.
type EmitResult struct {
	Intent       *domain.TransactionIntent
	ResidueCents int64
}

// Emit computes the share quantity the released amount affords at the price
// hint, floored to the instrument's lot precision, and persists a pending
// buy intent. The intent's total never exceeds the released amount.
func (e *Emitter) Emit(req EmitRequest) (*EmitResult, error) {
	if req.ReleasedCents <= 0 {
		return nil, fmt.Errorf("released amount must be positive, got %d", req.ReleasedCents)
	}
	if req.PriceHint <= 0 {
		return nil, fmt.Errorf("price hint must be positive for %s, got %f", req.Symbol, req.PriceHint)
	}

	lot := req.LotSize
	if lot <= 0 {
		lot = DefaultLotSize
	}

	released := float64(req.ReleasedCents) / 100
	shares := math.Floor(released/req.PriceHint/lot) * lot

	if shares <= 0 {
		// Not enough for one lot: everything returns to the deferred balance
		return &EmitResult{ResidueCents: req.ReleasedCents}, nil
	}

	totalCents := int64(math.Floor(shares * req.PriceHint * 100))
	if totalCents > req.ReleasedCents {
		// Float noise pushed the cost past the release; back off one lot
		shares -= lot
		if shares <= 0 {
			return &EmitResult{ResidueCents: req.ReleasedCents}, nil
		}
		totalCents = int64(math.Floor(shares * req.PriceHint * 100))
	}

	now := e.clock.Now()
	intent := &domain.TransactionIntent{
		ID:          uuid.New().String(),
		SliceID:     req.SliceID,
		DepositID:   req.DepositID,
		BuildRuleID: req.BuildRuleID,
		Side:        domain.SideBuy,
		Shares:      shares,
		Price:       req.PriceHint,
		TotalCents:  totalCents,
		Status:      domain.TxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.repo.Create(intent); err != nil {
		return nil, fmt.Errorf("failed to persist transaction intent: %w", err)
	}

	e.log.Info().
		Str("intent_id", intent.ID).
		Str("slice_id", req.SliceID).
		Float64("shares", shares).
		Int64("total_cents", totalCents).
		Msg("Transaction intent emitted")

	return &EmitResult{
		Intent:       intent,
		ResidueCents: req.ReleasedCents - totalCents,
	}, nil
}
