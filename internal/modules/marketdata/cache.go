package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// CandleCache keeps a compact msgpack-encoded series per symbol so the
// evaluation cycle does not re-scan price_history rows for every rule.
// Entries older than maxAge fall through to the repository.
type CandleCache struct {
	db     *sql.DB
	maxAge time.Duration
	log    zerolog.Logger
}

// NewCandleCache creates a candle cache backed by the history database
func NewCandleCache(db *sql.DB, maxAge time.Duration, log zerolog.Logger) *CandleCache {
	return &CandleCache{
		db:     db,
		maxAge: maxAge,
		log:    log.With().Str("component", "candle_cache").Logger(),
	}
}

// Get returns the cached series for a symbol, or nil on miss or staleness
func (c *CandleCache) Get(symbol string, now time.Time) ([]Candle, error) {
	var data []byte
	var updatedAt int64
	err := c.db.QueryRow(`SELECT data, updated_at FROM candle_cache WHERE symbol = ?`, symbol).
		Scan(&data, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read candle cache: %w", err)
	}

	if now.Sub(time.Unix(updatedAt, 0)) > c.maxAge {
		return nil, nil
	}

	var candles []Candle
	if err := msgpack.Unmarshal(data, &candles); err != nil {
		// A corrupt entry is a miss, not a failure
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Discarding undecodable candle cache entry")
		return nil, nil
	}
	return candles, nil
}

// Put stores the series for a symbol, replacing any previous entry
func (c *CandleCache) Put(symbol string, candles []Candle, now time.Time) error {
	data, err := msgpack.Marshal(candles)
	if err != nil {
		return fmt.Errorf("failed to encode candle cache entry: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO candle_cache (symbol, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, symbol, data, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to write candle cache: %w", err)
	}
	return nil
}

// Invalidate drops a symbol's cached series after new candles arrive
func (c *CandleCache) Invalidate(symbol string) error {
	if _, err := c.db.Exec(`DELETE FROM candle_cache WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to invalidate candle cache: %w", err)
	}
	return nil
}
