// Package triggers implements the rule evaluation state machine gating
// build-position releases. The nine trigger kinds form a closed set: each
// kind carries its own typed parameter record, decoded once from the
// persisted JSON bag, so malformed parameters fail at load time instead of
// mid-evaluation.
package triggers

import (
	"encoding/json"
	"fmt"

	"github.com/dstamatis/pietra/internal/domain"
)

// Kind enumerates the trigger kinds
type Kind string

const (
	KindTimeInterval   Kind = "time_interval"
	KindPricePullback  Kind = "price_pullback"
	KindPriceBreakout  Kind = "price_breakout"
	KindMACrossover    Kind = "ma_crossover"
	KindRSIOversold    Kind = "rsi_oversold"
	KindVolumeSpike    Kind = "volume_spike"
	KindBollingerLower Kind = "bollinger_lower"
	KindEarningsPre    Kind = "earnings_pre"
	KindEarningsPost   Kind = "earnings_post"
)

// Params is the closed interface over per-kind parameter records
type Params interface {
	Kind() Kind
	Validate() error
}

// TimeIntervalParams - fire every interval_days, releasing a fixed amount
type TimeIntervalParams struct {
	IntervalDays           int   `json:"interval_days"`
	AmountPerIntervalCents int64 `json:"amount_per_interval_cents"`
}

func (TimeIntervalParams) Kind() Kind { return KindTimeInterval }

func (p TimeIntervalParams) Validate() error {
	if p.IntervalDays <= 0 {
		return fmt.Errorf("interval_days must be positive, got %d", p.IntervalDays)
	}
	if p.AmountPerIntervalCents <= 0 {
		return fmt.Errorf("amount_per_interval_cents must be positive, got %d", p.AmountPerIntervalCents)
	}
	return nil
}

// PricePullbackParams - fire when price drops pullback_percent below the
// rolling high of the last from_high_days
type PricePullbackParams struct {
	PullbackPercent float64 `json:"pullback_percent"`
	FromHighDays    int     `json:"from_high_days"`
}

func (PricePullbackParams) Kind() Kind { return KindPricePullback }

func (p PricePullbackParams) Validate() error {
	if p.PullbackPercent <= 0 || p.PullbackPercent >= 100 {
		return fmt.Errorf("pullback_percent must be in (0, 100), got %.2f", p.PullbackPercent)
	}
	if p.FromHighDays <= 0 {
		return fmt.Errorf("from_high_days must be positive, got %d", p.FromHighDays)
	}
	return nil
}

// PriceBreakoutParams - mirror of pullback: fire when price clears the
// rolling high by breakout_percent
type PriceBreakoutParams struct {
	BreakoutPercent float64 `json:"breakout_percent"`
	FromHighDays    int     `json:"from_high_days"`
}

func (PriceBreakoutParams) Kind() Kind { return KindPriceBreakout }

func (p PriceBreakoutParams) Validate() error {
	if p.BreakoutPercent <= 0 {
		return fmt.Errorf("breakout_percent must be positive, got %.2f", p.BreakoutPercent)
	}
	if p.FromHighDays <= 0 {
		return fmt.Errorf("from_high_days must be positive, got %d", p.FromHighDays)
	}
	return nil
}

// MACrossoverParams - fire on the cycle where the fast moving average
// crosses above the slow one
type MACrossoverParams struct {
	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
}

func (MACrossoverParams) Kind() Kind { return KindMACrossover }

func (p MACrossoverParams) Validate() error {
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 {
		return fmt.Errorf("periods must be positive, got fast=%d slow=%d", p.FastPeriod, p.SlowPeriod)
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("fast_period must be shorter than slow_period, got fast=%d slow=%d", p.FastPeriod, p.SlowPeriod)
	}
	return nil
}

// RSIOversoldParams - fire when RSI(period) drops below threshold
type RSIOversoldParams struct {
	Threshold float64 `json:"threshold"`
	Period    int     `json:"period"`
}

func (RSIOversoldParams) Kind() Kind { return KindRSIOversold }

func (p RSIOversoldParams) Validate() error {
	if p.Threshold <= 0 || p.Threshold >= 100 {
		return fmt.Errorf("threshold must be in (0, 100), got %.2f", p.Threshold)
	}
	if p.Period <= 0 {
		return fmt.Errorf("period must be positive, got %d", p.Period)
	}
	return nil
}

// VolumeSpikeParams - fire when volume exceeds multiple times the average
// of the last window_days
type VolumeSpikeParams struct {
	Multiple   float64 `json:"multiple"`
	WindowDays int     `json:"window_days"`
}

func (VolumeSpikeParams) Kind() Kind { return KindVolumeSpike }

func (p VolumeSpikeParams) Validate() error {
	if p.Multiple <= 1 {
		return fmt.Errorf("multiple must be greater than 1, got %.2f", p.Multiple)
	}
	if p.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive, got %d", p.WindowDays)
	}
	return nil
}

// BollingerLowerParams - fire when price touches the lower Bollinger band
type BollingerLowerParams struct {
	Period    int     `json:"period"`
	NumStdDev float64 `json:"num_std_dev"`
}

func (BollingerLowerParams) Kind() Kind { return KindBollingerLower }

func (p BollingerLowerParams) Validate() error {
	if p.Period <= 0 {
		return fmt.Errorf("period must be positive, got %d", p.Period)
	}
	if p.NumStdDev <= 0 {
		return fmt.Errorf("num_std_dev must be positive, got %.2f", p.NumStdDev)
	}
	return nil
}

// EarningsPreParams - fire when the next earnings date is within days_before
type EarningsPreParams struct {
	DaysBefore int `json:"days_before"`
}

func (EarningsPreParams) Kind() Kind { return KindEarningsPre }

func (p EarningsPreParams) Validate() error {
	if p.DaysBefore <= 0 {
		return fmt.Errorf("days_before must be positive, got %d", p.DaysBefore)
	}
	return nil
}

// EarningsPostParams - fire when the last earnings date is within days_after
type EarningsPostParams struct {
	DaysAfter int `json:"days_after"`
}

func (EarningsPostParams) Kind() Kind { return KindEarningsPost }

func (p EarningsPostParams) Validate() error {
	if p.DaysAfter <= 0 {
		return fmt.Errorf("days_after must be positive, got %d", p.DaysAfter)
	}
	return nil
}

// ParseParams decodes a persisted parameter bag into its typed record
func ParseParams(kind Kind, raw json.RawMessage) (Params, error) {
	var params Params
	switch kind {
	case KindTimeInterval:
		params = &TimeIntervalParams{}
	case KindPricePullback:
		params = &PricePullbackParams{}
	case KindPriceBreakout:
		params = &PriceBreakoutParams{}
	case KindMACrossover:
		params = &MACrossoverParams{}
	case KindRSIOversold:
		params = &RSIOversoldParams{}
	case KindVolumeSpike:
		params = &VolumeSpikeParams{}
	case KindBollingerLower:
		params = &BollingerLowerParams{}
	case KindEarningsPre:
		params = &EarningsPreParams{}
	case KindEarningsPost:
		params = &EarningsPostParams{}
	default:
		return nil, fmt.Errorf("unknown trigger kind: %s", kind)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("failed to decode %s params: %w", kind, err)
		}
	}

	switch p := params.(type) {
	case *TimeIntervalParams:
		return *p, p.Validate()
	case *PricePullbackParams:
		return *p, p.Validate()
	case *PriceBreakoutParams:
		return *p, p.Validate()
	case *MACrossoverParams:
		return *p, p.Validate()
	case *RSIOversoldParams:
		return *p, p.Validate()
	case *VolumeSpikeParams:
		return *p, p.Validate()
	case *BollingerLowerParams:
		return *p, p.Validate()
	case *EarningsPreParams:
		return *p, p.Validate()
	case *EarningsPostParams:
		return *p, p.Validate()
	}
	return nil, fmt.Errorf("unknown trigger kind: %s", kind)
}

// ContextRequest returns the market context windows this parameter set needs
func ContextRequest(params Params) domain.ContextRequest {
	switch p := params.(type) {
	case TimeIntervalParams:
		return domain.ContextRequest{}
	case PricePullbackParams:
		return domain.ContextRequest{RollingWindowDays: p.FromHighDays}
	case PriceBreakoutParams:
		return domain.ContextRequest{RollingWindowDays: p.FromHighDays}
	case MACrossoverParams:
		return domain.ContextRequest{FastPeriod: p.FastPeriod, SlowPeriod: p.SlowPeriod}
	case RSIOversoldParams:
		return domain.ContextRequest{RSIPeriod: p.Period}
	case VolumeSpikeParams:
		return domain.ContextRequest{VolumeWindowDays: p.WindowDays}
	case BollingerLowerParams:
		return domain.ContextRequest{BollingerPeriod: p.Period, BollingerStdDev: p.NumStdDev}
	case EarningsPreParams, EarningsPostParams:
		return domain.ContextRequest{NeedEarnings: true}
	}
	return domain.ContextRequest{}
}
