package domain

import "time"

// ContextRequest names the windows a rule evaluation needs so the market
// data collaborator only computes what the rule will read.
type ContextRequest struct {
	RollingWindowDays int     // rolling high/low window (0 = skip)
	FastPeriod        int     // fast SMA period (0 = skip MAs)
	SlowPeriod        int     // slow SMA period
	RSIPeriod         int     // RSI period (0 = skip)
	BollingerPeriod   int     // Bollinger band period (0 = skip)
	BollingerStdDev   float64 // band width in standard deviations (0 = default 2)
	VolumeWindowDays  int     // average-volume baseline window (0 = skip)
	NeedEarnings      bool
}

// MarketContextProvider supplies the read-only evaluation context for a
// symbol. Staleness or missing history surfaces as an error, never as a
// silent zero.
type MarketContextProvider interface {
	Context(symbol string, asOf time.Time, req ContextRequest) (*MarketContext, error)
}

// BrokerOrderResult is the broker's response to order placement
type BrokerOrderResult struct {
	OrderID string
	Status  string
	Message string
}

// BrokerOrderStatus is the broker-reported state of a previously placed order
type BrokerOrderStatus struct {
	OrderID      string
	Status       string // submitted, filled, partial, cancelled, failed
	FilledShares float64
	AvgFillPrice float64
	Commission   float64
}

// BrokerClient defines broker-agnostic trading operations.
// All broker operations go through this interface so the core stays
// testable without a live gateway.
type BrokerClient interface {
	// PlaceOrder submits a market order and returns the broker order id
	PlaceOrder(symbol, side string, shares float64, limitPrice float64) (*BrokerOrderResult, error)

	// GetOrderStatus returns the broker-reported status for an order
	GetOrderStatus(orderID string) (*BrokerOrderStatus, error)

	// IsConnected reports whether the gateway session is usable
	IsConnected() bool
}

// Clock abstracts time.Now so cooldown and idempotency logic is testable
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock
type RealClock struct{}

// Now returns the current UTC time
func (RealClock) Now() time.Time { return time.Now().UTC() }
