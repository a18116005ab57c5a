// Package marketdata stores daily candles and earnings dates and assembles
// the per-symbol context the trigger evaluator consumes.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Candle is one daily bar. Date is a Unix timestamp at UTC midnight.
type Candle struct {
	Date   int64   `msgpack:"d"`
	Open   float64 `msgpack:"o"`
	High   float64 `msgpack:"h"`
	Low    float64 `msgpack:"l"`
	Close  float64 `msgpack:"c"`
	Volume float64 `msgpack:"v"`
}

// Repository handles market data database operations
// Database: history.db (price_history, earnings_calendar tables)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new market data repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "marketdata").Logger(),
	}
}

// UpsertCandles writes daily bars, replacing same-day rows. Intraday
// refreshes overwrite the running bar for today.
func (r *Repository) UpsertCandles(symbol string, candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin candle upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO price_history (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare candle upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(symbol, c.Date, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to upsert candle for %s: %w", symbol, err)
		}
	}

	return tx.Commit()
}

// GetCandles returns up to limit bars at or before asOf, oldest first
func (r *Repository) GetCandles(symbol string, asOf time.Time, limit int) ([]Candle, error) {
	rows, err := r.db.Query(`
		SELECT date, open, high, low, close, volume FROM (
			SELECT date, open, high, low, close, volume
			FROM price_history
			WHERE symbol = ? AND date <= ?
			ORDER BY date DESC
			LIMIT ?
		) ORDER BY date ASC
	`, symbol, asOf.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		var c Candle
		if err := rows.Scan(&c.Date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LatestCandle returns the most recent bar for a symbol, or nil
func (r *Repository) LatestCandle(symbol string) (*Candle, error) {
	var c Candle
	err := r.db.QueryRow(`
		SELECT date, open, high, low, close, volume
		FROM price_history WHERE symbol = ?
		ORDER BY date DESC LIMIT 1
	`, symbol).Scan(&c.Date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest candle: %w", err)
	}
	return &c, nil
}

// UpsertEarnings records known earnings dates for a symbol
func (r *Repository) UpsertEarnings(symbol string, dates []time.Time) error {
	if len(dates) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin earnings upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO earnings_calendar (symbol, earnings_date) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare earnings upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range dates {
		if _, err := stmt.Exec(symbol, d.Unix()); err != nil {
			return fmt.Errorf("failed to upsert earnings date: %w", err)
		}
	}

	return tx.Commit()
}

// NextEarnings returns the first earnings date at or after the given time
func (r *Repository) NextEarnings(symbol string, after time.Time) (*time.Time, error) {
	return r.earningsEdge(symbol, `
		SELECT earnings_date FROM earnings_calendar
		WHERE symbol = ? AND earnings_date >= ?
		ORDER BY earnings_date ASC LIMIT 1
	`, after)
}

// PrevEarnings returns the last earnings date strictly before the given time
func (r *Repository) PrevEarnings(symbol string, before time.Time) (*time.Time, error) {
	return r.earningsEdge(symbol, `
		SELECT earnings_date FROM earnings_calendar
		WHERE symbol = ? AND earnings_date < ?
		ORDER BY earnings_date DESC LIMIT 1
	`, before)
}

func (r *Repository) earningsEdge(symbol, query string, pivot time.Time) (*time.Time, error) {
	var ts int64
	err := r.db.QueryRow(query, symbol, pivot.Unix()).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings calendar: %w", err)
	}
	t := time.Unix(ts, 0).UTC()
	return &t, nil
}
