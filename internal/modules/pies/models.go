// Package pies manages the portfolio/pie/slice hierarchy. Weight changes
// at every level go through the weight ledger before they touch the
// database, so sibling totals can never exceed 100.
package pies

import (
	"time"

	"github.com/dstamatis/pietra/internal/domain"
)

// Portfolio is the root of one user's allocation tree
type Portfolio struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	AccountType       string    `json:"account_type,omitempty"`
	BrokerAccountID   string    `json:"broker_account_id,omitempty"`
	AutoInvestEnabled bool      `json:"auto_invest_enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Pie groups slices under a portfolio with a target weight in percent
type Pie struct {
	ID           string    `json:"id"`
	PortfolioID  string    `json:"portfolio_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Color        string    `json:"color"`
	Icon         string    `json:"icon,omitempty"`
	TargetWeight float64   `json:"target_weight"`
	DisplayOrder int       `json:"display_order"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Slice is one instrument inside a pie. Shares and AvgCost track the
// accumulated position as fills arrive from the broker.
type Slice struct {
	ID           string              `json:"id"`
	PieID        string              `json:"pie_id"`
	Symbol       string              `json:"symbol"`
	Name         string              `json:"name,omitempty"`
	TargetWeight float64             `json:"target_weight"`
	PositionType domain.PositionType `json:"position_type"`
	Shares       float64             `json:"shares"`
	AvgCost      *float64            `json:"avg_cost,omitempty"`
	DisplayOrder int                 `json:"display_order"`
	Notes        string              `json:"notes,omitempty"`
	IsActive     bool                `json:"is_active"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// PieWithSlices is the expanded view returned by the tree endpoints
type PieWithSlices struct {
	Pie    Pie     `json:"pie"`
	Slices []Slice `json:"slices"`
}
