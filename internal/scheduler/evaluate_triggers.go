package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/modules/triggers"
)

// TriggerReleaser turns a fired trigger into order intents
type TriggerReleaser interface {
	ReleaseForSlice(sliceID string, maxCents int64, buildRuleID string) (int64, error)
}

// TriggerPublisher receives trigger firing notifications
type TriggerPublisher interface {
	PublishTriggerFired(ruleID, sliceID, symbol, reason string, releasedCents int64)
}

// EvaluateTriggersJob runs every active build rule through the evaluator and
// releases deferred cash for the ones that fire. The same job type backs both
// the daily and the intraday cycle; they differ only in name and cadence.
type EvaluateTriggersJob struct {
	name          string
	rules         *triggers.Repository
	evaluator     *triggers.Evaluator
	releaser      TriggerReleaser
	publisher     TriggerPublisher
	marketHours   *MarketHoursService
	cycleInterval time.Duration
	log           zerolog.Logger
}

// EvaluateTriggersConfig holds configuration for a trigger cycle
type EvaluateTriggersConfig struct {
	Name          string
	Rules         *triggers.Repository
	Evaluator     *triggers.Evaluator
	Releaser      TriggerReleaser
	Publisher     TriggerPublisher
	MarketHours   *MarketHoursService
	CycleInterval time.Duration
	Log           zerolog.Logger
}

// NewEvaluateTriggersJob creates a trigger evaluation job
func NewEvaluateTriggersJob(cfg EvaluateTriggersConfig) *EvaluateTriggersJob {
	return &EvaluateTriggersJob{
		name:          cfg.Name,
		rules:         cfg.Rules,
		evaluator:     cfg.Evaluator,
		releaser:      cfg.Releaser,
		publisher:     cfg.Publisher,
		marketHours:   cfg.MarketHours,
		cycleInterval: cfg.CycleInterval,
		log:           cfg.Log.With().Str("job", cfg.Name).Logger(),
	}
}

// Name returns the job name
func (j *EvaluateTriggersJob) Name() string { return j.name }

// Run evaluates all active rules. Per-rule errors are logged and the cycle
// continues; one broken rule never blocks the rest.
func (j *EvaluateTriggersJob) Run() error {
	if j.marketHours != nil && !j.marketHours.IsOpenNow() {
		j.log.Debug().Msg("Market closed, skipping trigger cycle")
		return nil
	}

	rules, err := j.rules.ListActive()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	start := time.Now()
	fired := 0
	for _, rule := range rules {
		decision, err := j.evaluator.EvaluateRule(rule, j.cycleInterval)
		if err != nil {
			j.log.Warn().Err(err).Str("rule_id", rule.ID).Str("symbol", rule.Symbol).Msg("Rule evaluation failed")
			continue
		}
		if !decision.Fire {
			continue
		}
		fired++

		released, err := j.releaser.ReleaseForSlice(rule.SliceID, decision.ReleaseOverrideCents, rule.ID)
		if err != nil {
			j.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Release after trigger fire failed")
			continue
		}

		if j.publisher != nil {
			j.publisher.PublishTriggerFired(rule.ID, rule.SliceID, rule.Symbol, decision.Reason, released)
		}
		j.log.Info().
			Str("rule_id", rule.ID).
			Str("symbol", rule.Symbol).
			Int64("released_cents", released).
			Str("reason", decision.Reason).
			Msg("Trigger released funds")
	}

	j.log.Info().
		Int("rules", len(rules)).
		Int("fired", fired).
		Dur("duration", time.Since(start)).
		Msg("Trigger cycle completed")
	return nil
}
