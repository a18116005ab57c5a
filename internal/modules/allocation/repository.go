package allocation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// Repository handles deposit database operations
// Database: ledger.db (deposits table)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new deposit repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "deposits").Logger(),
	}
}

const depositColumns = `id, portfolio_id, amount_cents, allocated_cents, source, status, created_at, updated_at`

// Create inserts a new pending deposit
func (r *Repository) Create(d *domain.Deposit) error {
	query := `
		INSERT INTO deposits (id, portfolio_id, amount_cents, allocated_cents, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, d.ID, d.PortfolioID, d.AmountCents, d.AllocatedCents,
		d.Source, string(d.Status), d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create deposit: %w", err)
	}
	return nil
}

// GetByID returns one deposit, or nil if absent
func (r *Repository) GetByID(id string) (*domain.Deposit, error) {
	row := r.db.QueryRow(`SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id)
	d, err := scanDeposit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return d, nil
}

// ListByPortfolio returns a portfolio's deposits, newest first
func (r *Repository) ListByPortfolio(portfolioID string) ([]*domain.Deposit, error) {
	rows, err := r.db.Query(`SELECT `+depositColumns+` FROM deposits WHERE portfolio_id = ? ORDER BY created_at DESC, id DESC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	return collectDeposits(rows)
}

// ListByStatus returns deposits in the given status, oldest first so the
// allocation sweep drains the backlog in arrival order.
func (r *Repository) ListByStatus(status domain.DepositStatus) ([]*domain.Deposit, error) {
	rows, err := r.db.Query(`SELECT `+depositColumns+` FROM deposits WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits by status: %w", err)
	}
	defer rows.Close()

	return collectDeposits(rows)
}

// AddAllocated advances a deposit's allocated amount. The CHECK constraint
// on the table rejects any advance past the deposit amount; callers see
// that as an error, never as a silently clamped write.
func (r *Repository) AddAllocated(id string, deltaCents int64) error {
	query := `UPDATE deposits SET allocated_cents = allocated_cents + ?, updated_at = ? WHERE id = ?`
	res, err := r.db.Exec(query, deltaCents, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to advance allocated amount for deposit %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("deposit %s not found", id)
	}
	return nil
}

// SetStatus moves a deposit to a new lifecycle status
func (r *Repository) SetStatus(id string, status domain.DepositStatus) error {
	query := `UPDATE deposits SET status = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.Exec(query, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set deposit status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("deposit %s not found", id)
	}
	return nil
}

// RefreshStatus recomputes partial/allocated from the stored amounts.
// A deposit is allocated only when every cent has become an intent.
func (r *Repository) RefreshStatus(id string) (*domain.Deposit, error) {
	d, err := r.GetByID(id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("deposit %s not found", id)
	}
	if d.Status == domain.DepositCancelled {
		return d, nil
	}

	status := domain.DepositPartial
	if d.AllocatedCents == d.AmountCents {
		status = domain.DepositAllocated
	} else if d.AllocatedCents == 0 {
		status = domain.DepositPending
	}
	if status != d.Status {
		if err := r.SetStatus(id, status); err != nil {
			return nil, err
		}
		d.Status = status
	}
	return d, nil
}

func scanDeposit(row *sql.Row) (*domain.Deposit, error) {
	var d domain.Deposit
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(&d.ID, &d.PortfolioID, &d.AmountCents, &d.AllocatedCents,
		&d.Source, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = domain.DepositStatus(status)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &d, nil
}

func collectDeposits(rows *sql.Rows) ([]*domain.Deposit, error) {
	var out []*domain.Deposit
	for rows.Next() {
		var d domain.Deposit
		var status string
		var createdAt, updatedAt int64
		err := rows.Scan(&d.ID, &d.PortfolioID, &d.AmountCents, &d.AllocatedCents,
			&d.Source, &status, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		d.Status = domain.DepositStatus(status)
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, &d)
	}
	return out, rows.Err()
}
