package orders

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// Repository handles transaction database operations
// Database: ledger.db (transactions table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new transaction repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "transactions").Logger(),
	}
}

const txColumns = `id, slice_id, deposit_id, build_rule_id, side, shares, filled_shares, price, total_cents, commission_cents, status, broker_order_id, created_at, updated_at`

// Create inserts a new transaction intent
func (r *Repository) Create(intent *domain.TransactionIntent) error {
	query := `
		INSERT INTO transactions
		(id, slice_id, deposit_id, build_rule_id, side, shares, filled_shares, price, total_cents,
		 commission_cents, status, broker_order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		intent.ID,
		intent.SliceID,
		nullString(intent.DepositID),
		nullString(intent.BuildRuleID),
		string(intent.Side),
		intent.Shares,
		intent.FilledShares,
		intent.Price,
		intent.TotalCents,
		intent.CommissionCents,
		string(intent.Status),
		nullString(intent.BrokerOrderID),
		intent.CreatedAt.Unix(),
		intent.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetByID returns one transaction, or nil if absent
func (r *Repository) GetByID(id string) (*domain.TransactionIntent, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = ?`
	intent, err := scanIntent(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return intent, nil
}

// ListByStatus returns transactions in the given status, oldest first
func (r *Repository) ListByStatus(status domain.TransactionStatus) ([]*domain.TransactionIntent, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE status = ? ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	return collectIntents(rows)
}

// ListByDeposit returns the intents funded by one deposit
func (r *Repository) ListByDeposit(depositID string) ([]*domain.TransactionIntent, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE deposit_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(query, depositID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for deposit: %w", err)
	}
	defer rows.Close()

	return collectIntents(rows)
}

// MarkSubmitted records the broker order id after successful placement
func (r *Repository) MarkSubmitted(id, brokerOrderID string) error {
	query := `UPDATE transactions SET status = ?, broker_order_id = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.db.Exec(query, string(domain.TxSubmitted), brokerOrderID, time.Now().Unix(), id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("failed to mark transaction submitted: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("transaction %s not pending", id)
	}
	return nil
}

// MarkFailed records a placement failure
func (r *Repository) MarkFailed(id string) error {
	query := `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.Exec(query, string(domain.TxFailed), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	return nil
}

// GetByBrokerOrderID returns the intent placed under a broker order id,
// or nil if no intent carries it.
func (r *Repository) GetByBrokerOrderID(brokerOrderID string) (*domain.TransactionIntent, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE broker_order_id = ?`
	intent, err := scanIntent(r.db.QueryRow(query, brokerOrderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by broker order: %w", err)
	}
	return intent, nil
}

// ApplyBrokerStatus applies a broker-reported transition to the intent with
// the given broker order id. The local record mirrors the broker signal; it
// never advances on its own. Filled shares and commission arrive cumulative,
// so both are stored as reported, never accumulated, and a stale update with
// a lower cumulative fill leaves the stored figure alone.
func (r *Repository) ApplyBrokerStatus(brokerOrderID string, status domain.TransactionStatus, filledShares, avgFillPrice float64, commissionCents int64) (*domain.TransactionIntent, error) {
	query := `
		UPDATE transactions
		SET status = ?,
		    filled_shares = CASE WHEN ? > filled_shares THEN ? ELSE filled_shares END,
		    price = CASE WHEN ? > 0 THEN ? ELSE price END,
		    commission_cents = CASE WHEN ? > 0 THEN ? ELSE commission_cents END,
		    updated_at = ?
		WHERE broker_order_id = ?
	`
	res, err := r.db.Exec(query,
		string(status),
		filledShares, filledShares,
		avgFillPrice, avgFillPrice,
		commissionCents, commissionCents,
		time.Now().Unix(),
		brokerOrderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to apply broker status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, nil
	}

	row := r.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE broker_order_id = ?`, brokerOrderID)
	intent, err := scanIntent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload transaction: %w", err)
	}
	return intent, nil
}

// SumCentsByDeposit returns the total intent cents emitted against a deposit,
// excluding failed and cancelled intents whose cash went back to the pool.
func (r *Repository) SumCentsByDeposit(depositID string) (int64, error) {
	var total sql.NullInt64
	query := `
		SELECT SUM(total_cents) FROM transactions
		WHERE deposit_id = ? AND status NOT IN (?, ?)
	`
	err := r.db.QueryRow(query, depositID, string(domain.TxFailed), string(domain.TxCancelled)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions for deposit: %w", err)
	}
	return total.Int64, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(row rowScanner) (*domain.TransactionIntent, error) {
	var intent domain.TransactionIntent
	var depositID, buildRuleID, brokerOrderID sql.NullString
	var side, status string
	var createdAt, updatedAt int64

	err := row.Scan(&intent.ID, &intent.SliceID, &depositID, &buildRuleID, &side,
		&intent.Shares, &intent.FilledShares, &intent.Price, &intent.TotalCents,
		&intent.CommissionCents, &status, &brokerOrderID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	intent.DepositID = depositID.String
	intent.BuildRuleID = buildRuleID.String
	intent.BrokerOrderID = brokerOrderID.String
	intent.Side = domain.TransactionSide(side)
	intent.Status = domain.TransactionStatus(status)
	intent.CreatedAt = time.Unix(createdAt, 0).UTC()
	intent.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &intent, nil
}

func collectIntents(rows *sql.Rows) ([]*domain.TransactionIntent, error) {
	var intents []*domain.TransactionIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}
