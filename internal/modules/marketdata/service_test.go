package marketdata

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dstamatis/pietra/internal/domain"
)

func setupHistoryDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE price_history (
			symbol TEXT NOT NULL,
			date INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, date)
		);
		CREATE TABLE candle_cache (
			symbol TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE earnings_calendar (
			symbol TEXT NOT NULL,
			earnings_date INTEGER NOT NULL,
			PRIMARY KEY (symbol, earnings_date)
		);
	`)
	require.NoError(t, err)

	return db
}

func newMarketService(t *testing.T) (*Service, *Repository) {
	db := setupHistoryDB(t)
	repo := NewRepository(db, zerolog.Nop())
	cache := NewCandleCache(db, 15*time.Minute, zerolog.Nop())
	return NewService(repo, cache, zerolog.Nop()), repo
}

// seedFlatSeries writes n daily bars ending at end with a constant price
func seedFlatSeries(t *testing.T, svc *Service, symbol string, n int, end time.Time, price, volume float64) {
	candles := make([]Candle, n)
	for i := 0; i < n; i++ {
		day := end.AddDate(0, 0, -(n - 1 - i))
		candles[i] = Candle{
			Date:   day.Unix(),
			Open:   price,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: volume,
		}
	}
	require.NoError(t, svc.Ingest(symbol, candles))
}

func TestLatestPrice(t *testing.T) {
	svc, _ := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	seedFlatSeries(t, svc, "AAPL", 5, end, 187.5, 1e6)

	price, err := svc.LatestPrice("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 187.5, price)

	_, err = svc.LatestPrice("UNKNOWN")
	assert.Error(t, err)
}

func TestContextIndicators(t *testing.T) {
	svc, _ := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	seedFlatSeries(t, svc, "AAPL", 60, end, 100, 2e6)

	ctx, err := svc.Context("AAPL", end, domain.ContextRequest{
		RollingWindowDays: 20,
		FastPeriod:        10,
		SlowPeriod:        30,
		RSIPeriod:         14,
		BollingerPeriod:   20,
		VolumeWindowDays:  20,
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, ctx.Price)
	require.NotNil(t, ctx.RollingHigh)
	assert.Equal(t, 101.0, *ctx.RollingHigh)
	require.NotNil(t, ctx.RollingLow)
	assert.Equal(t, 99.0, *ctx.RollingLow)

	// Flat series: both MAs equal the price, bands hug it
	require.NotNil(t, ctx.FastMA)
	assert.InDelta(t, 100.0, *ctx.FastMA, 1e-9)
	require.NotNil(t, ctx.SlowMA)
	assert.InDelta(t, 100.0, *ctx.SlowMA, 1e-9)
	require.NotNil(t, ctx.BollingerLower)
	assert.InDelta(t, 100.0, *ctx.BollingerLower, 1e-9)
	require.NotNil(t, ctx.AvgVolume)
	assert.InDelta(t, 2e6, *ctx.AvgVolume, 1e-3)
}

func TestContextBollingerWidthFollowsRequest(t *testing.T) {
	svc, _ := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	// Closes alternate 98/102 around a 100 mean, so the deviation is
	// exactly 2 and the band edges land on round numbers
	candles := make([]Candle, 40)
	for i := 0; i < 40; i++ {
		day := end.AddDate(0, 0, -(40 - 1 - i))
		price := 98.0
		if i%2 == 1 {
			price = 102.0
		}
		candles[i] = Candle{Date: day.Unix(), Open: price, High: price, Low: price, Close: price, Volume: 1e6}
	}
	require.NoError(t, svc.Ingest("AAPL", candles))

	wide, err := svc.Context("AAPL", end, domain.ContextRequest{BollingerPeriod: 20, BollingerStdDev: 3})
	require.NoError(t, err)
	require.NotNil(t, wide.BollingerLower)
	assert.InDelta(t, 94.0, *wide.BollingerLower, 1e-9)
	require.NotNil(t, wide.BollingerUpper)
	assert.InDelta(t, 106.0, *wide.BollingerUpper, 1e-9)

	// Zero width falls back to the conventional two deviations
	def, err := svc.Context("AAPL", end, domain.ContextRequest{BollingerPeriod: 20})
	require.NoError(t, err)
	require.NotNil(t, def.BollingerLower)
	assert.InDelta(t, 96.0, *def.BollingerLower, 1e-9)
}

func TestContextInsufficientHistoryLeavesNils(t *testing.T) {
	svc, _ := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	seedFlatSeries(t, svc, "NEW", 5, end, 50, 1e5)

	ctx, err := svc.Context("NEW", end, domain.ContextRequest{
		RollingWindowDays: 20,
		FastPeriod:        10,
		SlowPeriod:        30,
		RSIPeriod:         14,
	})
	require.NoError(t, err)

	assert.Nil(t, ctx.RollingHigh)
	assert.Nil(t, ctx.FastMA)
	assert.Nil(t, ctx.RSI)
	assert.Equal(t, 50.0, ctx.Price)
}

func TestContextUnknownSymbolErrors(t *testing.T) {
	svc, _ := newMarketService(t)
	_, err := svc.Context("GHOST", time.Now().UTC(), domain.ContextRequest{})
	assert.Error(t, err)
}

func TestContextAsOfTruncation(t *testing.T) {
	svc, _ := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	seedFlatSeries(t, svc, "AAPL", 10, end, 100, 1e6)

	// Backdated evaluation must not see bars after asOf
	asOf := end.AddDate(0, 0, -3)
	ctx, err := svc.Context("AAPL", asOf, domain.ContextRequest{RollingWindowDays: 5})
	require.NoError(t, err)
	assert.Equal(t, asOf, ctx.AsOf)
	require.NotNil(t, ctx.RollingHigh)
}

func TestEarningsEdges(t *testing.T) {
	svc, repo := newMarketService(t)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	seedFlatSeries(t, svc, "AAPL", 5, end, 100, 1e6)

	past := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	future := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertEarnings("AAPL", []time.Time{past, future}))

	ctx, err := svc.Context("AAPL", end, domain.ContextRequest{NeedEarnings: true})
	require.NoError(t, err)

	require.NotNil(t, ctx.NextEarnings)
	assert.True(t, ctx.NextEarnings.Equal(future))
	require.NotNil(t, ctx.PrevEarnings)
	assert.True(t, ctx.PrevEarnings.Equal(past))
}

func TestCandleCacheRoundTrip(t *testing.T) {
	db := setupHistoryDB(t)
	cache := NewCandleCache(db, 15*time.Minute, zerolog.Nop())
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	series := []Candle{
		{Date: 1717200000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Date: 1717286400, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 200},
	}
	require.NoError(t, cache.Put("X", series, now))

	got, err := cache.Get("X", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, series, got)

	// Past maxAge the entry reads as a miss
	stale, err := cache.Get("X", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, stale)

	require.NoError(t, cache.Invalidate("X"))
	gone, err := cache.Get("X", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, gone)
}
