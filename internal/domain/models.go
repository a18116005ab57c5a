// Package domain provides core domain models and types.
package domain

import "time"

// PositionType determines how a slice's allocation is released
type PositionType string

const (
	// PositionFull - the entire allocation is invested immediately
	PositionFull PositionType = "full"
	// PositionBuild - the allocation is staged and released by a build rule
	PositionBuild PositionType = "build"
)

// Valid reports whether the position type is a known value
func (p PositionType) Valid() bool {
	return p == PositionFull || p == PositionBuild
}

// DepositStatus tracks a deposit through its allocation lifecycle
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositPartial   DepositStatus = "partial"
	DepositAllocated DepositStatus = "allocated"
	DepositCancelled DepositStatus = "cancelled"
)

// Deposit represents a cash inflow targeting one portfolio.
// Amounts are integer cents so allocation arithmetic stays penny-exact.
type Deposit struct {
	ID             string        `json:"id"`
	PortfolioID    string        `json:"portfolio_id"`
	AmountCents    int64         `json:"amount_cents"`
	AllocatedCents int64         `json:"allocated_cents"`
	Source         string        `json:"source"`
	Status         DepositStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RemainingCents returns the unallocated portion of the deposit
func (d Deposit) RemainingCents() int64 {
	return d.AmountCents - d.AllocatedCents
}

// TransactionSide is buy or sell
type TransactionSide string

const (
	SideBuy  TransactionSide = "buy"
	SideSell TransactionSide = "sell"
)

// TransactionStatus tracks an intent through broker execution.
// Transitions past "pending" come from the broker signal, never computed locally.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxSubmitted TransactionStatus = "submitted"
	TxFilled    TransactionStatus = "filled"
	TxPartial   TransactionStatus = "partial"
	TxCancelled TransactionStatus = "cancelled"
	TxFailed    TransactionStatus = "failed"
)

// TransactionIntent is an emitted purchase/sale instruction.
// TotalCents equals shares x price net of the rounding adjustment;
// commission is additive and never funded from the allocated amount.
type TransactionIntent struct {
	ID              string            `json:"id"`
	SliceID         string            `json:"slice_id"`
	DepositID       string            `json:"deposit_id,omitempty"`
	BuildRuleID     string            `json:"build_rule_id,omitempty"`
	Side            TransactionSide   `json:"side"`
	Shares          float64           `json:"shares"`
	FilledShares    float64           `json:"filled_shares"`
	Price           float64           `json:"price"`
	TotalCents      int64             `json:"total_cents"`
	CommissionCents int64             `json:"commission_cents"`
	Status          TransactionStatus `json:"status"`
	BrokerOrderID   string            `json:"broker_order_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// DeferredBalance is pending-allocation state for a build slice,
// keyed by (slice, deposit). Survives restarts.
type DeferredBalance struct {
	SliceID         string    `json:"slice_id"`
	DepositID       string    `json:"deposit_id"`
	RemainingCents  int64     `json:"amount_remaining_cents"`
	OriginalCents   int64     `json:"original_cents"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
