package triggers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles build rule database operations
// Database: portfolio.db (build_rules table, joined with slices for the symbol)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new build rule repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "build_rules").Logger(),
	}
}

const ruleColumns = `r.id, r.slice_id, s.symbol, r.kind, r.params, r.is_active, r.last_triggered_at, r.last_cross_sign, r.created_at, r.updated_at`

// Create inserts a new build rule for a slice
func (r *Repository) Create(rule *Rule) error {
	if rule.Params == nil {
		return fmt.Errorf("build rule requires params")
	}
	if err := rule.Params.Validate(); err != nil {
		return fmt.Errorf("invalid build rule params: %w", err)
	}

	paramsJSON, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	now := time.Now().Unix()
	query := `
		INSERT INTO build_rules (id, slice_id, kind, params, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := r.db.Exec(query, rule.ID, rule.SliceID, string(rule.Params.Kind()), string(paramsJSON), rule.IsActive, now, now); err != nil {
		return fmt.Errorf("failed to create build rule: %w", err)
	}

	r.log.Info().
		Str("rule_id", rule.ID).
		Str("slice_id", rule.SliceID).
		Str("kind", string(rule.Params.Kind())).
		Msg("Build rule created")

	return nil
}

// GetByID returns one rule, or nil if absent
func (r *Repository) GetByID(id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM build_rules r JOIN slices s ON s.id = r.slice_id WHERE r.id = ?`
	rule, err := r.scanRule(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build rule: %w", err)
	}
	return rule, nil
}

// GetBySliceID returns the slice's rule, or nil if it has none
func (r *Repository) GetBySliceID(sliceID string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM build_rules r JOIN slices s ON s.id = r.slice_id WHERE r.slice_id = ?`
	rule, err := r.scanRule(r.db.QueryRow(query, sliceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build rule for slice: %w", err)
	}
	return rule, nil
}

// HasActiveRule reports whether a slice has an active build rule drawing
// down its deferred balance
func (r *Repository) HasActiveRule(sliceID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM build_rules WHERE slice_id = ? AND is_active = 1`
	if err := r.db.QueryRow(query, sliceID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check build rule for slice: %w", err)
	}
	return n > 0, nil
}

// ListActive returns every active rule with its slice's symbol
func (r *Repository) ListActive() ([]*Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM build_rules r
		JOIN slices s ON s.id = r.slice_id
		WHERE r.is_active = 1 AND s.is_active = 1
		ORDER BY r.id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active build rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := r.scanRuleFromRows(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetActive pauses or resumes a rule. Rules are deactivated, not deleted,
// when the user pauses them.
func (r *Repository) SetActive(id string, active bool) error {
	res, err := r.db.Exec(`UPDATE build_rules SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update build rule active flag: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("build rule %s not found", id)
	}
	return nil
}

// UpdateParams replaces a rule's kind and parameter record
func (r *Repository) UpdateParams(id string, params Params) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid build rule params: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	res, err := r.db.Exec(`UPDATE build_rules SET kind = ?, params = ?, last_cross_sign = NULL, updated_at = ? WHERE id = ?`,
		string(params.Kind()), string(paramsJSON), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update build rule params: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("build rule %s not found", id)
	}
	return nil
}

// MarkFired records a fire atomically with the decision. The conditional
// write fails when another evaluation already fired inside the same cycle,
// which is how retried cycles stay idempotent. Returns whether this caller
// won the write.
func (r *Repository) MarkFired(id string, firedAt, cycleStart time.Time) (bool, error) {
	query := `
		UPDATE build_rules
		SET last_triggered_at = ?, updated_at = ?
		WHERE id = ? AND is_active = 1
		  AND (last_triggered_at IS NULL OR last_triggered_at < ?)
	`
	res, err := r.db.Exec(query, firedAt.Unix(), firedAt.Unix(), id, cycleStart.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mark build rule fired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check fire result: %w", err)
	}
	return affected == 1, nil
}

// SetCrossSign persists the ma_crossover sign observed this cycle
func (r *Repository) SetCrossSign(id string, sign int) error {
	if _, err := r.db.Exec(`UPDATE build_rules SET last_cross_sign = ?, updated_at = ? WHERE id = ?`,
		sign, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to set cross sign: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var kind string
	var paramsJSON string
	var lastTriggered, lastCrossSign sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&rule.ID, &rule.SliceID, &rule.Symbol, &kind, &paramsJSON,
		&rule.IsActive, &lastTriggered, &lastCrossSign, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	params, err := ParseParams(Kind(kind), json.RawMessage(paramsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse params for rule %s: %w", rule.ID, err)
	}
	rule.Params = params

	if lastTriggered.Valid {
		t := time.Unix(lastTriggered.Int64, 0).UTC()
		rule.LastTriggeredAt = &t
	}
	if lastCrossSign.Valid {
		s := int(lastCrossSign.Int64)
		rule.LastCrossSign = &s
	}
	rule.CreatedAt = time.Unix(createdAt, 0).UTC()
	rule.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &rule, nil
}

func (r *Repository) scanRuleFromRows(rows *sql.Rows) (*Rule, error) {
	return r.scanRule(rows)
}
