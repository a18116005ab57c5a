package pies

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/allocation"
	"github.com/dstamatis/pietra/internal/modules/weights"
)

// Repository handles hierarchy database operations
// Database: portfolio.db (portfolios, pies, slices tables)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new hierarchy repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "pies").Logger(),
	}
}

// SumSiblingWeights implements weights.SiblingWeightSource. Inactive rows
// do not count: deactivating a pie frees its weight for siblings.
func (r *Repository) SumSiblingWeights(level weights.Level, parentID string, excludeChildID string) (float64, error) {
	var query string
	switch level {
	case weights.LevelPortfolio:
		query = `SELECT COALESCE(SUM(target_weight), 0) FROM pies WHERE portfolio_id = ? AND is_active = 1 AND id != ?`
	case weights.LevelPie:
		query = `SELECT COALESCE(SUM(target_weight), 0) FROM slices WHERE pie_id = ? AND is_active = 1 AND id != ?`
	default:
		return 0, fmt.Errorf("unknown weight level: %s", level)
	}

	var total float64
	if err := r.db.QueryRow(query, parentID, excludeChildID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum sibling weights: %w", err)
	}
	return total, nil
}

// --- portfolios ---

const portfolioColumns = `id, user_id, name, description, account_type, broker_account_id, auto_invest_enabled, created_at, updated_at`

// CreatePortfolio inserts a new portfolio
func (r *Repository) CreatePortfolio(p *Portfolio) error {
	query := `
		INSERT INTO portfolios (id, user_id, name, description, account_type, broker_account_id, auto_invest_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, p.ID, p.UserID, p.Name, nullIfEmpty(p.Description),
		nullIfEmpty(p.AccountType), nullIfEmpty(p.BrokerAccountID), boolToInt(p.AutoInvestEnabled),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	return nil
}

// GetPortfolio returns one portfolio, or nil if absent
func (r *Repository) GetPortfolio(id string) (*Portfolio, error) {
	row := r.db.QueryRow(`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, id)
	p, err := scanPortfolio(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return p, nil
}

// ListPortfolios returns all portfolios for a user
func (r *Repository) ListPortfolios(userID string) ([]*Portfolio, error) {
	rows, err := r.db.Query(`SELECT `+portfolioColumns+` FROM portfolios WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []*Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePortfolio rewrites the mutable portfolio fields
func (r *Repository) UpdatePortfolio(p *Portfolio) error {
	query := `
		UPDATE portfolios SET name = ?, description = ?, account_type = ?,
			broker_account_id = ?, auto_invest_enabled = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query, p.Name, nullIfEmpty(p.Description), nullIfEmpty(p.AccountType),
		nullIfEmpty(p.BrokerAccountID), boolToInt(p.AutoInvestEnabled), time.Now().Unix(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}
	return nil
}

// DeletePortfolio removes a portfolio; pies and slices cascade
func (r *Repository) DeletePortfolio(id string) error {
	if _, err := r.db.Exec(`DELETE FROM portfolios WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	return nil
}

// --- pies ---

const pieColumns = `id, portfolio_id, name, description, color, icon, target_weight, display_order, is_active, created_at, updated_at`

// CreatePie inserts a new pie. Weight validation happens in the service.
func (r *Repository) CreatePie(p *Pie) error {
	query := `
		INSERT INTO pies (id, portfolio_id, name, description, color, icon, target_weight, display_order, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, p.ID, p.PortfolioID, p.Name, nullIfEmpty(p.Description),
		p.Color, nullIfEmpty(p.Icon), p.TargetWeight, p.DisplayOrder, boolToInt(p.IsActive),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create pie: %w", err)
	}
	return nil
}

// GetPie returns one pie, or nil if absent
func (r *Repository) GetPie(id string) (*Pie, error) {
	row := r.db.QueryRow(`SELECT `+pieColumns+` FROM pies WHERE id = ?`, id)
	p, err := scanPie(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pie: %w", err)
	}
	return p, nil
}

// ListPies returns all pies in a portfolio, ordered for display
func (r *Repository) ListPies(portfolioID string) ([]*Pie, error) {
	rows, err := r.db.Query(`SELECT `+pieColumns+` FROM pies WHERE portfolio_id = ? ORDER BY display_order ASC, created_at ASC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pies: %w", err)
	}
	defer rows.Close()

	var out []*Pie
	for rows.Next() {
		p, err := scanPie(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pie: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePie rewrites the mutable pie fields including the target weight
func (r *Repository) UpdatePie(p *Pie) error {
	query := `
		UPDATE pies SET name = ?, description = ?, color = ?, icon = ?,
			target_weight = ?, display_order = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query, p.Name, nullIfEmpty(p.Description), p.Color, nullIfEmpty(p.Icon),
		p.TargetWeight, p.DisplayOrder, boolToInt(p.IsActive), time.Now().Unix(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update pie: %w", err)
	}
	return nil
}

// DeletePie removes a pie; slices cascade
func (r *Repository) DeletePie(id string) error {
	if _, err := r.db.Exec(`DELETE FROM pies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete pie: %w", err)
	}
	return nil
}

// --- slices ---

const sliceColumns = `id, pie_id, symbol, name, target_weight, position_type, shares, avg_cost, display_order, notes, is_active, created_at, updated_at`

// CreateSlice inserts a new slice. Weight validation happens in the service.
func (r *Repository) CreateSlice(s *Slice) error {
	query := `
		INSERT INTO slices (id, pie_id, symbol, name, target_weight, position_type, shares, avg_cost, display_order, notes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, s.ID, s.PieID, s.Symbol, nullIfEmpty(s.Name),
		s.TargetWeight, string(s.PositionType), s.Shares, s.AvgCost, s.DisplayOrder,
		nullIfEmpty(s.Notes), boolToInt(s.IsActive), s.CreatedAt.Unix(), s.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create slice: %w", err)
	}
	return nil
}

// GetSlice returns one slice, or nil if absent
func (r *Repository) GetSlice(id string) (*Slice, error) {
	row := r.db.QueryRow(`SELECT `+sliceColumns+` FROM slices WHERE id = ?`, id)
	s, err := scanSlice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slice: %w", err)
	}
	return s, nil
}

// ListSlices returns all slices in a pie, ordered for display
func (r *Repository) ListSlices(pieID string) ([]*Slice, error) {
	rows, err := r.db.Query(`SELECT `+sliceColumns+` FROM slices WHERE pie_id = ? ORDER BY display_order ASC, created_at ASC`, pieID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices: %w", err)
	}
	defer rows.Close()

	return collectSlices(rows)
}

// UpdateSlice rewrites the mutable slice fields including the target weight
func (r *Repository) UpdateSlice(s *Slice) error {
	query := `
		UPDATE slices SET symbol = ?, name = ?, target_weight = ?, position_type = ?,
			display_order = ?, notes = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query, s.Symbol, nullIfEmpty(s.Name), s.TargetWeight, string(s.PositionType),
		s.DisplayOrder, nullIfEmpty(s.Notes), boolToInt(s.IsActive), time.Now().Unix(), s.ID)
	if err != nil {
		return fmt.Errorf("failed to update slice: %w", err)
	}
	return nil
}

// DeleteSlice removes a slice and its build rule (DB-level cascade)
func (r *Repository) DeleteSlice(id string) error {
	if _, err := r.db.Exec(`DELETE FROM slices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete slice: %w", err)
	}
	return nil
}

// ApplyFill folds an executed buy into the slice's position using a
// volume-weighted average cost.
func (r *Repository) ApplyFill(sliceID string, filledShares, fillPrice float64) error {
	query := `
		UPDATE slices
		SET avg_cost = CASE
				WHEN shares + ? <= 0 THEN avg_cost
				ELSE (shares * COALESCE(avg_cost, 0) + ? * ?) / (shares + ?)
			END,
			shares = shares + ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.Exec(query, filledShares, filledShares, fillPrice, filledShares,
		filledShares, time.Now().Unix(), sliceID)
	if err != nil {
		return fmt.Errorf("failed to apply fill: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("slice %s not found", sliceID)
	}
	return nil
}

// LoadTree builds the allocation view of one portfolio: active pies with
// their active slices, in deterministic id order for the tie-break rule.
func (r *Repository) LoadTree(portfolioID string) ([]allocation.PieNode, error) {
	pieRows, err := r.db.Query(`
		SELECT id, target_weight FROM pies
		WHERE portfolio_id = ? AND is_active = 1
		ORDER BY id ASC
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pies for allocation: %w", err)
	}
	defer pieRows.Close()

	var tree []allocation.PieNode
	for pieRows.Next() {
		var node allocation.PieNode
		if err := pieRows.Scan(&node.ID, &node.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan pie node: %w", err)
		}
		tree = append(tree, node)
	}
	if err := pieRows.Err(); err != nil {
		return nil, err
	}

	for i := range tree {
		sliceRows, err := r.db.Query(`
			SELECT id, target_weight, position_type FROM slices
			WHERE pie_id = ? AND is_active = 1
			ORDER BY id ASC
		`, tree[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load slices for allocation: %w", err)
		}
		for sliceRows.Next() {
			var s allocation.SliceNode
			var positionType string
			if err := sliceRows.Scan(&s.ID, &s.Weight, &positionType); err != nil {
				sliceRows.Close()
				return nil, fmt.Errorf("failed to scan slice node: %w", err)
			}
			s.PositionType = domain.PositionType(positionType)
			tree[i].Slices = append(tree[i].Slices, s)
		}
		if err := sliceRows.Err(); err != nil {
			sliceRows.Close()
			return nil, err
		}
		sliceRows.Close()
	}

	return tree, nil
}

// SliceSymbol returns the instrument symbol for a slice id
func (r *Repository) SliceSymbol(sliceID string) (string, error) {
	var symbol string
	err := r.db.QueryRow(`SELECT symbol FROM slices WHERE id = ?`, sliceID).Scan(&symbol)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("slice %s not found", sliceID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get slice symbol: %w", err)
	}
	return symbol, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPortfolio(row rowScanner) (*Portfolio, error) {
	var p Portfolio
	var description, accountType, brokerAccountID sql.NullString
	var autoInvest int
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &description, &accountType,
		&brokerAccountID, &autoInvest, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Description = description.String
	p.AccountType = accountType.String
	p.BrokerAccountID = brokerAccountID.String
	p.AutoInvestEnabled = autoInvest != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func scanPie(row rowScanner) (*Pie, error) {
	var p Pie
	var description, icon sql.NullString
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.PortfolioID, &p.Name, &description, &p.Color, &icon,
		&p.TargetWeight, &p.DisplayOrder, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Description = description.String
	p.Icon = icon.String
	p.IsActive = isActive != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func scanSlice(row rowScanner) (*Slice, error) {
	var s Slice
	var name, notes sql.NullString
	var avgCost sql.NullFloat64
	var positionType string
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.PieID, &s.Symbol, &name, &s.TargetWeight, &positionType,
		&s.Shares, &avgCost, &s.DisplayOrder, &notes, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Name = name.String
	s.Notes = notes.String
	s.PositionType = domain.PositionType(positionType)
	if avgCost.Valid {
		s.AvgCost = &avgCost.Float64
	}
	s.IsActive = isActive != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

func collectSlices(rows *sql.Rows) ([]*Slice, error) {
	var out []*Slice
	for rows.Next() {
		s, err := scanSlice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slice: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
