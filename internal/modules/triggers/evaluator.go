package triggers

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// BalanceSource reports the deferred cash a slice is currently holding
type BalanceSource interface {
	TotalDeferred(sliceID string) (int64, error)
}

// Evaluator runs build rules against market context and decides
// fire-or-hold. Evaluation of the same rule never overlaps; different rules
// are independent. No I/O happens here beyond the injected collaborators.
type Evaluator struct {
	repo     *Repository
	market   domain.MarketContextProvider
	balances BalanceSource
	clock    domain.Clock
	log      zerolog.Logger

	inflight sync.Map // rule id -> struct{}
}

// NewEvaluator creates a trigger evaluator. balances may be nil, in which
// case interval rules fire regardless of the slice's deferred balance.
func NewEvaluator(repo *Repository, market domain.MarketContextProvider, balances BalanceSource, clock domain.Clock, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		repo:     repo,
		market:   market,
		balances: balances,
		clock:    clock,
		log:      log.With().Str("component", "trigger_evaluator").Logger(),
	}
}

// EvaluateRule runs one rule through the state machine
// (idle -> evaluating -> fired|idle) and returns its decision.
// cycleInterval is the scheduler's cadence for this cycle and bounds the
// idempotency window for price-sensitive kinds.
//
// A fired decision is committed (last_triggered_at written) before it is
// returned, so a crash between decision and release never double-fires.
func (e *Evaluator) EvaluateRule(rule *Rule, cycleInterval time.Duration) (Decision, error) {
	hold := Decision{Fire: false}

	if !rule.IsActive {
		return hold, nil
	}

	// Single evaluator per rule id at a time
	if _, loaded := e.inflight.LoadOrStore(rule.ID, struct{}{}); loaded {
		e.log.Debug().Str("rule_id", rule.ID).Msg("Evaluation already in flight, skipping")
		return hold, nil
	}
	defer e.inflight.Delete(rule.ID)

	now := e.clock.Now()
	cycleStart := now.Truncate(rule.Granularity(cycleInterval))

	// Already fired in this cycle - retried or overlapping invocations hold
	if rule.LastTriggeredAt != nil && !rule.LastTriggeredAt.Before(cycleStart) {
		return hold, nil
	}

	ctx, err := e.loadContext(rule, now)
	if err != nil {
		return hold, err
	}

	decision, newCrossSign, err := decide(rule, ctx, now)
	if err != nil {
		return hold, err
	}

	// Persist the crossover sign every cycle, fired or not, so the next
	// evaluation sees the correct previous ordering.
	if newCrossSign != nil {
		if err := e.repo.SetCrossSign(rule.ID, *newCrossSign); err != nil {
			return hold, fmt.Errorf("failed to persist cross sign: %w", err)
		}
		rule.LastCrossSign = newCrossSign
	}

	if !decision.Fire {
		return decision, nil
	}

	// An interval rule with nothing deferred holds instead of firing.
	// Committing the fire would restart the interval with nothing
	// released, making the next deposit wait out a full period.
	if _, isInterval := rule.Params.(TimeIntervalParams); isInterval && e.balances != nil {
		total, err := e.balances.TotalDeferred(rule.SliceID)
		if err != nil {
			return hold, fmt.Errorf("failed to read deferred balance: %w", err)
		}
		if total == 0 {
			e.log.Debug().Str("rule_id", rule.ID).Msg("No deferred balance, holding interval fire")
			return hold, nil
		}
	}

	// Atomic commit of the fire: the conditional write loses against any
	// concurrent fire in the same cycle, turning this decision into a hold.
	committed, err := e.repo.MarkFired(rule.ID, now, cycleStart)
	if err != nil {
		return hold, fmt.Errorf("failed to commit trigger fire: %w", err)
	}
	if !committed {
		e.log.Debug().Str("rule_id", rule.ID).Msg("Concurrent fire detected, holding")
		return hold, nil
	}

	firedAt := now
	rule.LastTriggeredAt = &firedAt

	e.log.Info().
		Str("rule_id", rule.ID).
		Str("slice_id", rule.SliceID).
		Str("kind", string(rule.Kind())).
		Str("reason", decision.Reason).
		Msg("Trigger fired")

	return decision, nil
}

// loadContext fetches market context for kinds that need it. Pure time
// rules skip the market lookup entirely.
func (e *Evaluator) loadContext(rule *Rule, now time.Time) (*domain.MarketContext, error) {
	req := ContextRequest(rule.Params)
	if req == (domain.ContextRequest{}) {
		return nil, nil
	}

	ctx, err := e.market.Context(rule.Symbol, now, req)
	if err != nil {
		return nil, &EvaluationError{RuleID: rule.ID, Symbol: rule.Symbol, Reason: err.Error()}
	}
	return ctx, nil
}

// decide applies the per-kind semantics. It returns the decision and, for
// ma_crossover, the new sign of (fast - slow) to persist.
func decide(rule *Rule, ctx *domain.MarketContext, now time.Time) (Decision, *int, error) {
	hold := Decision{Fire: false}

	switch p := rule.Params.(type) {
	case TimeIntervalParams:
		if rule.LastTriggeredAt != nil {
			elapsed := now.Sub(*rule.LastTriggeredAt)
			if elapsed < time.Duration(p.IntervalDays)*24*time.Hour {
				return hold, nil, nil
			}
		}
		return Decision{
			Fire:                 true,
			ReleaseOverrideCents: p.AmountPerIntervalCents,
			Reason:               fmt.Sprintf("interval of %d days elapsed", p.IntervalDays),
		}, nil, nil

	case PricePullbackParams:
		if ctx.RollingHigh == nil {
			return hold, nil, missing(rule, "rolling high")
		}
		threshold := *ctx.RollingHigh * (1 - p.PullbackPercent/100)
		if ctx.Price <= threshold {
			return Decision{Fire: true, Reason: fmt.Sprintf("price %.2f pulled back %.1f%% from high %.2f",
				ctx.Price, p.PullbackPercent, *ctx.RollingHigh)}, nil, nil
		}
		return hold, nil, nil

	case PriceBreakoutParams:
		if ctx.RollingHigh == nil {
			return hold, nil, missing(rule, "rolling high")
		}
		threshold := *ctx.RollingHigh * (1 + p.BreakoutPercent/100)
		if ctx.Price >= threshold {
			return Decision{Fire: true, Reason: fmt.Sprintf("price %.2f broke out %.1f%% above high %.2f",
				ctx.Price, p.BreakoutPercent, *ctx.RollingHigh)}, nil, nil
		}
		return hold, nil, nil

	case MACrossoverParams:
		if ctx.FastMA == nil || ctx.SlowMA == nil {
			return hold, nil, missing(rule, "moving averages")
		}
		sign := crossSign(*ctx.FastMA - *ctx.SlowMA)
		// Edge detection: fire only on the <=0 to >0 transition. The first
		// evaluation just records the sign.
		if rule.LastCrossSign != nil && *rule.LastCrossSign <= 0 && sign > 0 {
			return Decision{Fire: true, Reason: fmt.Sprintf("fast MA %.2f crossed above slow MA %.2f",
				*ctx.FastMA, *ctx.SlowMA)}, &sign, nil
		}
		return hold, &sign, nil

	case RSIOversoldParams:
		if ctx.RSI == nil {
			return hold, nil, missing(rule, "RSI")
		}
		if *ctx.RSI < p.Threshold {
			return Decision{Fire: true, Reason: fmt.Sprintf("RSI %.1f below threshold %.1f", *ctx.RSI, p.Threshold)}, nil, nil
		}
		return hold, nil, nil

	case VolumeSpikeParams:
		if ctx.AvgVolume == nil {
			return hold, nil, missing(rule, "average volume")
		}
		if *ctx.AvgVolume > 0 && ctx.Volume >= p.Multiple**ctx.AvgVolume {
			return Decision{Fire: true, Reason: fmt.Sprintf("volume %.0f spiked %.1fx above average %.0f",
				ctx.Volume, p.Multiple, *ctx.AvgVolume)}, nil, nil
		}
		return hold, nil, nil

	case BollingerLowerParams:
		if ctx.BollingerLower == nil {
			return hold, nil, missing(rule, "Bollinger bands")
		}
		if ctx.Price <= *ctx.BollingerLower {
			return Decision{Fire: true, Reason: fmt.Sprintf("price %.2f at lower Bollinger band %.2f",
				ctx.Price, *ctx.BollingerLower)}, nil, nil
		}
		return hold, nil, nil

	case EarningsPreParams:
		if ctx.NextEarnings == nil {
			return hold, nil, missing(rule, "next earnings date")
		}
		until := ctx.NextEarnings.Sub(now)
		if until >= 0 && until <= time.Duration(p.DaysBefore)*24*time.Hour {
			return Decision{Fire: true, Reason: fmt.Sprintf("earnings in %.0f days", until.Hours()/24)}, nil, nil
		}
		return hold, nil, nil

	case EarningsPostParams:
		if ctx.PrevEarnings == nil {
			return hold, nil, missing(rule, "previous earnings date")
		}
		since := now.Sub(*ctx.PrevEarnings)
		if since >= 0 && since <= time.Duration(p.DaysAfter)*24*time.Hour {
			return Decision{Fire: true, Reason: fmt.Sprintf("earnings %.0f days ago", since.Hours()/24)}, nil, nil
		}
		return hold, nil, nil
	}

	return hold, nil, fmt.Errorf("unknown trigger params type %T", rule.Params)
}

func missing(rule *Rule, what string) error {
	return &EvaluationError{RuleID: rule.ID, Symbol: rule.Symbol, Reason: "missing " + what}
}

func crossSign(diff float64) int {
	switch {
	case diff > 0:
		return 1
	case diff < 0:
		return -1
	default:
		return 0
	}
}
