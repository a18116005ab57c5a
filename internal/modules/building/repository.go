package building

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// Repository handles deferred allocation database operations
// Database: ledger.db (deferred_allocations table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new deferred allocation repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "deferred").Logger(),
	}
}

// Credit adds cents to the (slice, deposit) balance, creating it if absent.
// New credits raise both remaining and original; the schema enforces that
// remaining never exceeds original and never goes negative.
func (r *Repository) Credit(sliceID, depositID string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("credit must be positive, got %d", cents)
	}

	now := time.Now().Unix()
	query := `
		INSERT INTO deferred_allocations
		(slice_id, deposit_id, amount_remaining_cents, original_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slice_id, deposit_id) DO UPDATE SET
			amount_remaining_cents = amount_remaining_cents + excluded.amount_remaining_cents,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.Exec(query, sliceID, depositID, cents, cents, now, now); err != nil {
		return fmt.Errorf("failed to credit deferred balance: %w", err)
	}
	return nil
}

// Debit subtracts cents from the (slice, deposit) balance. Fails without
// writing when the balance is insufficient - a deferred balance can never
// go negative.
func (r *Repository) Debit(sliceID, depositID string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("debit must be positive, got %d", cents)
	}

	query := `
		UPDATE deferred_allocations
		SET amount_remaining_cents = amount_remaining_cents - ?, updated_at = ?
		WHERE slice_id = ? AND deposit_id = ? AND amount_remaining_cents >= ?
	`
	res, err := r.db.Exec(query, cents, time.Now().Unix(), sliceID, depositID, cents)
	if err != nil {
		return fmt.Errorf("failed to debit deferred balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check debit result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("insufficient deferred balance for slice %s deposit %s", sliceID, depositID)
	}
	return nil
}

// Get returns the balance for (slice, deposit), or nil if none exists
func (r *Repository) Get(sliceID, depositID string) (*domain.DeferredBalance, error) {
	query := `
		SELECT slice_id, deposit_id, amount_remaining_cents, original_cents, created_at, updated_at
		FROM deferred_allocations
		WHERE slice_id = ? AND deposit_id = ?
	`
	row := r.db.QueryRow(query, sliceID, depositID)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deferred balance: %w", err)
	}
	return &b, nil
}

// ListBySlice returns the slice's non-empty balances, oldest deposit first
func (r *Repository) ListBySlice(sliceID string) ([]domain.DeferredBalance, error) {
	query := `
		SELECT slice_id, deposit_id, amount_remaining_cents, original_cents, created_at, updated_at
		FROM deferred_allocations
		WHERE slice_id = ? AND amount_remaining_cents > 0
		ORDER BY created_at ASC, deposit_id ASC
	`
	rows, err := r.db.Query(query, sliceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred balances: %w", err)
	}
	defer rows.Close()

	return collectBalances(rows)
}

// ListSlicesWithBalance returns the ids of slices holding deferred cash
func (r *Repository) ListSlicesWithBalance() ([]string, error) {
	query := `
		SELECT DISTINCT slice_id FROM deferred_allocations
		WHERE amount_remaining_cents > 0
		ORDER BY slice_id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices with deferred balance: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan slice id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TotalBySlice returns the slice's outstanding deferred total
func (r *Repository) TotalBySlice(sliceID string) (int64, error) {
	var total sql.NullInt64
	query := `SELECT SUM(amount_remaining_cents) FROM deferred_allocations WHERE slice_id = ?`
	if err := r.db.QueryRow(query, sliceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum deferred balance: %w", err)
	}
	return total.Int64, nil
}

// ForfeitByDeposit zeroes all balances funded by a cancelled deposit.
// Cancellation is terminal: the remainder is forfeited, not reassigned.
func (r *Repository) ForfeitByDeposit(depositID string) error {
	query := `
		UPDATE deferred_allocations
		SET amount_remaining_cents = 0, updated_at = ?
		WHERE deposit_id = ?
	`
	if _, err := r.db.Exec(query, time.Now().Unix(), depositID); err != nil {
		return fmt.Errorf("failed to forfeit deferred balances: %w", err)
	}
	return nil
}

// OutstandingByDeposit returns the deposit's total still-deferred cents
func (r *Repository) OutstandingByDeposit(depositID string) (int64, error) {
	var total sql.NullInt64
	query := `SELECT SUM(amount_remaining_cents) FROM deferred_allocations WHERE deposit_id = ?`
	if err := r.db.QueryRow(query, depositID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum deposit deferred balance: %w", err)
	}
	return total.Int64, nil
}

func scanBalance(row *sql.Row) (domain.DeferredBalance, error) {
	var b domain.DeferredBalance
	var createdAt, updatedAt int64
	err := row.Scan(&b.SliceID, &b.DepositID, &b.RemainingCents, &b.OriginalCents, &createdAt, &updatedAt)
	if err != nil {
		return b, err
	}
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return b, nil
}

func collectBalances(rows *sql.Rows) ([]domain.DeferredBalance, error) {
	var balances []domain.DeferredBalance
	for rows.Next() {
		var b domain.DeferredBalance
		var createdAt, updatedAt int64
		if err := rows.Scan(&b.SliceID, &b.DepositID, &b.RemainingCents, &b.OriginalCents, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deferred balance: %w", err)
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		balances = append(balances, b)
	}
	return balances, rows.Err()
}
