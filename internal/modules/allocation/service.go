package allocation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/building"
	"github.com/dstamatis/pietra/internal/modules/orders"
)

// TreeSource loads the active allocation tree for a portfolio
type TreeSource interface {
	LoadTree(portfolioID string) ([]PieNode, error)
	SliceSymbol(sliceID string) (string, error)
}

// PriceSource provides a current price hint for intent sizing
type PriceSource interface {
	LatestPrice(symbol string) (float64, error)
}

// EventPublisher receives allocation lifecycle notifications
type EventPublisher interface {
	PublishDepositReceived(depositID string, amountCents int64)
	PublishIntentEmitted(intentID, sliceID string, totalCents int64)
}

// RuleChecker reports whether a slice has an active build rule that will
// draw down its deferred balance
type RuleChecker interface {
	HasActiveRule(sliceID string) (bool, error)
}

// Service runs the deposit lifecycle: split a deposit across the weighted
// tree, emit intents for full slices, defer build slices, and advance the
// deposit as releases turn deferred cash into intents.
type Service struct {
	repo     *Repository
	trees    TreeSource
	prices   PriceSource
	policy   *building.Policy
	emitter  *orders.Emitter
	events   EventPublisher
	rules    RuleChecker
	log      zerolog.Logger
	inflight sync.Map // depositID -> struct{}
}

// NewService creates a new allocation service
func NewService(repo *Repository, trees TreeSource, prices PriceSource, policy *building.Policy, emitter *orders.Emitter, events EventPublisher, rules RuleChecker, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		trees:   trees,
		prices:  prices,
		policy:  policy,
		emitter: emitter,
		events:  events,
		rules:   rules,
		log:     log.With().Str("service", "allocation").Logger(),
	}
}

// SubmitDeposit records a new deposit and allocates it immediately
func (s *Service) SubmitDeposit(portfolioID string, amountCents int64, source string) (*domain.Deposit, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amountCents)
	}
	if source == "" {
		source = "manual"
	}

	now := time.Now().UTC()
	d := &domain.Deposit{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		AmountCents: amountCents,
		Source:      source,
		Status:      domain.DepositPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(d); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.PublishDepositReceived(d.ID, amountCents)
	}

	if err := s.ProcessDeposit(d.ID); err != nil {
		// The deposit stays pending; the sweep retries it later
		s.log.Warn().Err(err).Str("deposit_id", d.ID).Msg("Initial allocation failed, deposit left pending")
	}

	return s.repo.GetByID(d.ID)
}

// ProcessDeposit runs the two-stage split for one pending deposit. Full
// slices become intents at the current price, build slices become deferred
// balances. Re-entry for an in-flight or already processed deposit is a
// no-op, so the sweep and the submit path cannot double-allocate.
func (s *Service) ProcessDeposit(depositID string) error {
	if _, loaded := s.inflight.LoadOrStore(depositID, struct{}{}); loaded {
		return nil
	}
	defer s.inflight.Delete(depositID)

	d, err := s.repo.GetByID(depositID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("deposit %s not found", depositID)
	}
	if d.Status != domain.DepositPending || d.AllocatedCents != 0 {
		return nil
	}

	// A deposit that already holds deferred balances was split before;
	// a crashed run must not split it a second time.
	outstanding, err := s.policy.Outstanding(depositID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	tree, err := s.trees.LoadTree(d.PortfolioID)
	if err != nil {
		return err
	}

	perSlice, err := Allocate(d.RemainingCents(), tree)
	if err != nil {
		return fmt.Errorf("cannot allocate deposit %s: %w", depositID, err)
	}

	var intentCents int64
	for _, pie := range tree {
		for _, slice := range pie.Slices {
			cents, ok := perSlice[slice.ID]
			if !ok || cents == 0 {
				continue
			}

			part := building.Split(cents, slice.PositionType)
			if part.DeferredCents > 0 {
				if err := s.policy.Defer(slice.ID, depositID, part.DeferredCents); err != nil {
					return err
				}
			}
			if part.ImmediateCents > 0 {
				emitted, err := s.emitImmediate(slice.ID, depositID, "", part.ImmediateCents)
				if err != nil {
					return err
				}
				intentCents += emitted
			}
		}
	}

	if intentCents > 0 {
		if err := s.repo.AddAllocated(depositID, intentCents); err != nil {
			return err
		}
	}
	if _, err := s.repo.RefreshStatus(depositID); err != nil {
		return err
	}

	s.log.Info().
		Str("deposit_id", depositID).
		Int64("amount_cents", d.AmountCents).
		Int64("intent_cents", intentCents).
		Msg("Deposit allocated")
	return nil
}

// SweepPending retries allocation for deposits still waiting, oldest first
func (s *Service) SweepPending() error {
	pending, err := s.repo.ListByStatus(domain.DepositPending)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if err := s.ProcessDeposit(d.ID); err != nil {
			s.log.Warn().Err(err).Str("deposit_id", d.ID).Msg("Sweep allocation failed")
		}
	}
	return nil
}

// SweepOrphanedBalances releases deferred cash stranded on slices that no
// active build rule will ever draw down. Full slices accumulate such
// balances when no price is available at allocation time, when a release
// leaves sub-lot residue, or when a cancelled order's cash comes back.
func (s *Service) SweepOrphanedBalances() error {
	if s.rules == nil {
		return nil
	}

	sliceIDs, err := s.policy.SlicesWithBalance()
	if err != nil {
		return err
	}
	for _, sliceID := range sliceIDs {
		active, err := s.rules.HasActiveRule(sliceID)
		if err != nil {
			s.log.Warn().Err(err).Str("slice_id", sliceID).Msg("Cannot check build rule, skipping balance")
			continue
		}
		if active {
			continue
		}
		released, err := s.ReleaseForSlice(sliceID, 0, "")
		if err != nil {
			s.log.Warn().Err(err).Str("slice_id", sliceID).Msg("Orphaned balance release failed")
			continue
		}
		if released > 0 {
			s.log.Info().
				Str("slice_id", sliceID).
				Int64("released_cents", released).
				Msg("Released deferred balance with no build rule")
		}
	}
	return nil
}

// ReleaseForSlice converts up to maxCents of a build slice's deferred
// balance into intents, oldest deposit first. A non-positive maxCents
// releases the entire balance. Sub-lot residue goes back to the balance it
// came from. Returns the total cents that became intents.
func (s *Service) ReleaseForSlice(sliceID string, maxCents int64, buildRuleID string) (int64, error) {
	if maxCents <= 0 {
		total, err := s.policy.TotalDeferred(sliceID)
		if err != nil {
			return 0, err
		}
		if total == 0 {
			return 0, nil
		}
		maxCents = total
	}

	releases, err := s.policy.ReleaseUpTo(sliceID, maxCents)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, rel := range releases {
		emitted, err := s.emitImmediate(sliceID, rel.DepositID, buildRuleID, rel.Cents)
		if err != nil {
			// Nothing was persisted for this release; put the cash back
			if restoreErr := s.policy.Restore(sliceID, rel.DepositID, rel.Cents); restoreErr != nil {
				s.log.Error().Err(restoreErr).
					Str("slice_id", sliceID).
					Str("deposit_id", rel.DepositID).
					Msg("Failed to restore deferred balance after emission error")
			}
			return total, err
		}
		if emitted > 0 {
			if err := s.repo.AddAllocated(rel.DepositID, emitted); err != nil {
				return total, err
			}
			if _, err := s.repo.RefreshStatus(rel.DepositID); err != nil {
				return total, err
			}
			total += emitted
		}
	}
	return total, nil
}

// CancelDeposit forfeits whatever has not yet become an intent. Emitted
// intents are already at the broker and stay untouched.
func (s *Service) CancelDeposit(depositID string) (*domain.Deposit, error) {
	d, err := s.repo.GetByID(depositID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("deposit %s not found", depositID)
	}
	if d.Status == domain.DepositCancelled {
		return d, nil
	}
	if d.Status == domain.DepositAllocated {
		return nil, fmt.Errorf("deposit %s is fully allocated and cannot be cancelled", depositID)
	}

	if err := s.policy.Forfeit(depositID); err != nil {
		return nil, err
	}
	if err := s.repo.SetStatus(depositID, domain.DepositCancelled); err != nil {
		return nil, err
	}

	s.log.Info().Str("deposit_id", depositID).Msg("Deposit cancelled, deferred balances forfeited")
	return s.repo.GetByID(depositID)
}

// Restore returns cancelled intent cash to the slice's deferred balance and
// rolls the deposit's allocated total back by the same amount, so a later
// release can redeploy it.
func (s *Service) Restore(sliceID, depositID string, cents int64) error {
	if cents <= 0 {
		return nil
	}
	if err := s.policy.Defer(sliceID, depositID, cents); err != nil {
		return err
	}
	if err := s.repo.AddAllocated(depositID, -cents); err != nil {
		return err
	}
	if _, err := s.repo.RefreshStatus(depositID); err != nil {
		return err
	}
	s.log.Info().
		Str("slice_id", sliceID).
		Str("deposit_id", depositID).
		Int64("cents", cents).
		Msg("Cancelled order cash returned to deferred balance")
	return nil
}

// emitImmediate turns cents into an intent at the current price. Residue
// below one lot, or the whole amount when no price is available or one lot
// is unaffordable, lands in the slice's deferred balance instead.
func (s *Service) emitImmediate(sliceID, depositID, buildRuleID string, cents int64) (int64, error) {
	symbol, err := s.trees.SliceSymbol(sliceID)
	if err != nil {
		return 0, err
	}

	price, err := s.prices.LatestPrice(symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("No price available, deferring allocation")
		return 0, s.policy.Defer(sliceID, depositID, cents)
	}

	result, err := s.emitter.Emit(orders.EmitRequest{
		SliceID:       sliceID,
		Symbol:        symbol,
		DepositID:     depositID,
		BuildRuleID:   buildRuleID,
		ReleasedCents: cents,
		PriceHint:     price,
	})
	if err != nil {
		return 0, err
	}

	if result.ResidueCents > 0 {
		if err := s.policy.Defer(sliceID, depositID, result.ResidueCents); err != nil {
			return 0, err
		}
	}

	if result.Intent == nil {
		return 0, nil
	}
	if s.events != nil {
		s.events.PublishIntentEmitted(result.Intent.ID, sliceID, result.Intent.TotalCents)
	}
	return result.Intent.TotalCents, nil
}
