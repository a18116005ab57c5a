package domain

import "time"

// MarketContext is the read-only per-symbol context a trigger evaluation
// consumes. It is assembled by the market data collaborator before the
// evaluation cycle runs; the trigger evaluator never performs I/O itself.
//
// Optional fields are pointers: nil means the datum could not be computed
// (insufficient history, missing calendar entry) and any rule that needs it
// must report an evaluation failure rather than fire.
type MarketContext struct {
	Symbol string
	AsOf   time.Time

	Price  float64
	Volume float64

	// Rolling aggregates over the windows the rule asked for
	RollingHigh *float64
	RollingLow  *float64

	FastMA *float64
	SlowMA *float64

	RSI *float64

	BollingerLower *float64
	BollingerUpper *float64

	// Average daily volume baseline for spike detection
	AvgVolume *float64

	NextEarnings *time.Time
	PrevEarnings *time.Time
}
