package triggers

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dstamatis/pietra/internal/domain"
)

func setupTestPortfolioDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE slices (
			id TEXT PRIMARY KEY,
			pie_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			target_weight REAL NOT NULL,
			position_type TEXT NOT NULL DEFAULT 'full',
			is_active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE build_rules (
			id TEXT PRIMARY KEY,
			slice_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_triggered_at INTEGER,
			last_cross_sign INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	return db
}

func insertTestSlice(t *testing.T, db *sql.DB, id, symbol string) {
	_, err := db.Exec(`INSERT INTO slices (id, pie_id, symbol, target_weight, position_type) VALUES (?, 'pie-1', ?, 50, 'build')`, id, symbol)
	require.NoError(t, err)
}

// fakeClock is a settable domain.Clock
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeMarket returns a canned context or error per symbol
type fakeMarket struct {
	ctx     *domain.MarketContext
	err     error
	lastReq domain.ContextRequest
}

func (m *fakeMarket) Context(symbol string, asOf time.Time, req domain.ContextRequest) (*domain.MarketContext, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.ctx, nil
}

func createRule(t *testing.T, repo *Repository, db *sql.DB, sliceID, symbol string, params Params, active bool) *Rule {
	insertTestSlice(t, db, sliceID, symbol)
	rule := &Rule{
		ID:       uuid.New().String(),
		SliceID:  sliceID,
		Symbol:   symbol,
		Params:   params,
		IsActive: active,
	}
	require.NoError(t, repo.Create(rule))
	if !active {
		require.NoError(t, repo.SetActive(rule.ID, false))
	}
	loaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	return loaded
}

func floatPtr(f float64) *float64 { return &f }

func TestEvaluateRule_InactiveNeverFires(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}

	// Context that would satisfy any price rule
	market := &fakeMarket{ctx: &domain.MarketContext{Price: 1, RollingHigh: floatPtr(100)}}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "AAPL",
		PricePullbackParams{PullbackPercent: 10, FromHighDays: 30}, false)

	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)
}

func TestEvaluateRule_TimeInterval(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	now := time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	eval := NewEvaluator(repo, &fakeMarket{}, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "VOO",
		TimeIntervalParams{IntervalDays: 7, AmountPerIntervalCents: 10000}, true)

	// Never fired before: fires with the per-interval amount
	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)
	assert.Equal(t, int64(10000), decision.ReleaseOverrideCents)

	// last_triggered_at was committed with the decision
	reloaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastTriggeredAt)
	assert.Equal(t, now.Unix(), reloaded.LastTriggeredAt.Unix())

	// Six days later: holds
	clock.now = now.AddDate(0, 0, 6)
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)

	// Eight days later: fires again
	clock.now = now.AddDate(0, 0, 8)
	reloaded, err = repo.GetByID(rule.ID)
	require.NoError(t, err)
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)
	assert.Equal(t, int64(10000), decision.ReleaseOverrideCents)
}

// fakeBalances serves a settable deferred total for every slice
type fakeBalances struct {
	total int64
}

func (b *fakeBalances) TotalDeferred(sliceID string) (int64, error) { return b.total, nil }

func TestEvaluateRule_TimeIntervalHoldsOnEmptyBalance(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	now := time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	balances := &fakeBalances{total: 0}
	eval := NewEvaluator(repo, &fakeMarket{}, balances, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "VOO",
		TimeIntervalParams{IntervalDays: 7, AmountPerIntervalCents: 10000}, true)

	// Nothing deferred: the rule holds and the interval does not restart
	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)

	reloaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LastTriggeredAt)

	// A deposit lands the next day: the rule fires without waiting out a
	// fresh seven-day interval
	clock.now = now.AddDate(0, 0, 1)
	balances.total = 40000
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)
	assert.Equal(t, int64(10000), decision.ReleaseOverrideCents)
}

func TestEvaluateRule_SameCycleDoesNotDoubleFire(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)}
	eval := NewEvaluator(repo, &fakeMarket{}, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "VOO",
		TimeIntervalParams{IntervalDays: 7, AmountPerIntervalCents: 10000}, true)

	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	require.True(t, decision.Fire)

	// Retried evaluation later the same day holds: the cycle truncates to
	// the day for time_interval rules.
	clock.now = clock.now.Add(3 * time.Hour)
	reloaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)
}

func TestEvaluateRule_PricePullback(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)}

	market := &fakeMarket{ctx: &domain.MarketContext{Price: 89.9, RollingHigh: floatPtr(100)}}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "AAPL",
		PricePullbackParams{PullbackPercent: 10, FromHighDays: 30}, true)

	// 10.1% below the 30-day high of 100: fires
	decision, err := eval.EvaluateRule(rule, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Fire)
	assert.Zero(t, decision.ReleaseOverrideCents)

	// Price above the pullback threshold: holds
	market.ctx = &domain.MarketContext{Price: 95, RollingHigh: floatPtr(100)}
	rule2 := createRule(t, repo, db, "slice-2", "MSFT",
		PricePullbackParams{PullbackPercent: 10, FromHighDays: 30}, true)
	decision, err = eval.EvaluateRule(rule2, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Fire)
}

func TestEvaluateRule_BollingerWidthReachesProvider(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)}

	market := &fakeMarket{ctx: &domain.MarketContext{Price: 93.5, BollingerLower: floatPtr(94)}}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "AAPL",
		BollingerLowerParams{Period: 20, NumStdDev: 3}, true)

	decision, err := eval.EvaluateRule(rule, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Fire)

	// The configured band width reaches the context provider
	assert.Equal(t, 20, market.lastReq.BollingerPeriod)
	assert.Equal(t, 3.0, market.lastReq.BollingerStdDev)
}

func TestEvaluateRule_MACrossoverFiresOnlyOnEdge(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)}
	market := &fakeMarket{}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "NVDA",
		MACrossoverParams{FastPeriod: 20, SlowPeriod: 50}, true)

	// Cycle 1: fast below slow. Records the sign, no fire.
	market.ctx = &domain.MarketContext{Price: 100, FastMA: floatPtr(98), SlowMA: floatPtr(102)}
	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)

	// Cycle 2: fast above slow - the crossing edge. Fires.
	clock.now = clock.now.Add(time.Hour)
	market.ctx = &domain.MarketContext{Price: 104, FastMA: floatPtr(103), SlowMA: floatPtr(102)}
	reloaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)

	// Cycle 3: fast still above slow - steady state, not an edge. Holds.
	clock.now = clock.now.Add(time.Hour)
	market.ctx = &domain.MarketContext{Price: 105, FastMA: floatPtr(104), SlowMA: floatPtr(102)}
	reloaded, err = repo.GetByID(rule.ID)
	require.NoError(t, err)
	decision, err = eval.EvaluateRule(reloaded, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)
}

func TestEvaluateRule_FirstCrossoverCycleOnlyRecordsSign(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)}
	// Fast already above slow on the very first evaluation: no stored
	// previous sign means no edge to detect.
	market := &fakeMarket{ctx: &domain.MarketContext{Price: 104, FastMA: floatPtr(103), SlowMA: floatPtr(102)}}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "NVDA",
		MACrossoverParams{FastPeriod: 20, SlowPeriod: 50}, true)

	decision, err := eval.EvaluateRule(rule, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)

	reloaded, err := repo.GetByID(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastCrossSign)
	assert.Equal(t, 1, *reloaded.LastCrossSign)
}

func TestEvaluateRule_MissingContextHoldsAndReports(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)}

	// Provider has no rolling high for the symbol
	market := &fakeMarket{ctx: &domain.MarketContext{Price: 90}}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "AAPL",
		PricePullbackParams{PullbackPercent: 10, FromHighDays: 30}, true)

	decision, err := eval.EvaluateRule(rule, time.Hour)
	assert.False(t, decision.Fire)

	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, rule.ID, evalErr.RuleID)
}

func TestEvaluateRule_ProviderErrorHoldsAndReports(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)}
	market := &fakeMarket{err: errors.New("history too short")}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	rule := createRule(t, repo, db, "slice-1", "AAPL",
		RSIOversoldParams{Threshold: 30, Period: 14}, true)

	decision, err := eval.EvaluateRule(rule, time.Hour)
	assert.False(t, decision.Fire)

	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Contains(t, evalErr.Reason, "history too short")
}

func TestEvaluateRule_EarningsWindows(t *testing.T) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	market := &fakeMarket{}
	eval := NewEvaluator(repo, market, nil, clock, zerolog.Nop())

	next := now.AddDate(0, 0, 3)
	market.ctx = &domain.MarketContext{Price: 100, NextEarnings: &next}
	pre := createRule(t, repo, db, "slice-1", "AAPL", EarningsPreParams{DaysBefore: 5}, true)
	decision, err := eval.EvaluateRule(pre, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)

	// Earnings 10 days out: outside the window
	far := now.AddDate(0, 0, 10)
	market.ctx = &domain.MarketContext{Price: 100, NextEarnings: &far}
	pre2 := createRule(t, repo, db, "slice-2", "MSFT", EarningsPreParams{DaysBefore: 5}, true)
	decision, err = eval.EvaluateRule(pre2, time.Hour)
	require.NoError(t, err)
	assert.False(t, decision.Fire)

	prev := now.AddDate(0, 0, -2)
	market.ctx = &domain.MarketContext{Price: 100, PrevEarnings: &prev}
	post := createRule(t, repo, db, "slice-3", "GOOG", EarningsPostParams{DaysAfter: 3}, true)
	decision, err = eval.EvaluateRule(post, time.Hour)
	require.NoError(t, err)
	assert.True(t, decision.Fire)
}

func TestParseParams_RejectsMalformed(t *testing.T) {
	_, err := ParseParams(KindTimeInterval, []byte(`{"interval_days": 0}`))
	assert.Error(t, err)

	_, err = ParseParams(KindMACrossover, []byte(`{"fast_period": 50, "slow_period": 20}`))
	assert.Error(t, err)

	_, err = ParseParams("no_such_kind", []byte(`{}`))
	assert.Error(t, err)
}

func TestParseParams_RoundTripsEachKind(t *testing.T) {
	cases := []struct {
		kind Kind
		raw  string
	}{
		{KindTimeInterval, `{"interval_days": 7, "amount_per_interval_cents": 10000}`},
		{KindPricePullback, `{"pullback_percent": 10, "from_high_days": 30}`},
		{KindPriceBreakout, `{"breakout_percent": 5, "from_high_days": 60}`},
		{KindMACrossover, `{"fast_period": 20, "slow_period": 50}`},
		{KindRSIOversold, `{"threshold": 30, "period": 14}`},
		{KindVolumeSpike, `{"multiple": 2.5, "window_days": 20}`},
		{KindBollingerLower, `{"period": 20, "num_std_dev": 2}`},
		{KindEarningsPre, `{"days_before": 5}`},
		{KindEarningsPost, `{"days_after": 3}`},
	}

	for _, tc := range cases {
		params, err := ParseParams(tc.kind, []byte(tc.raw))
		require.NoError(t, err, "kind %s", tc.kind)
		assert.Equal(t, tc.kind, params.Kind())
	}
}
