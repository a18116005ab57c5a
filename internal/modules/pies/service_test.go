package pies

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/weights"
)

func setupTestPortfolioDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		CREATE TABLE portfolios (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			account_type TEXT,
			broker_account_id TEXT,
			auto_invest_enabled INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE pies (
			id TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT,
			color TEXT NOT NULL DEFAULT '#3B82F6',
			icon TEXT,
			target_weight REAL NOT NULL DEFAULT 0,
			display_order INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE slices (
			id TEXT PRIMARY KEY,
			pie_id TEXT NOT NULL REFERENCES pies(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			name TEXT,
			target_weight REAL NOT NULL,
			position_type TEXT NOT NULL DEFAULT 'full',
			shares REAL NOT NULL DEFAULT 0,
			avg_cost REAL,
			display_order INTEGER NOT NULL DEFAULT 0,
			notes TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(pie_id, symbol)
		);
	`)
	require.NoError(t, err)

	return db
}

func newTestService(t *testing.T) (*Service, *Repository) {
	db := setupTestPortfolioDB(t)
	repo := NewRepository(db, zerolog.Nop())
	ledger := weights.NewLedger(repo, zerolog.Nop())
	return NewService(repo, ledger, nil, zerolog.Nop()), repo
}

func TestPieWeightCapEnforced(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Retirement", "", "isa", "")
	require.NoError(t, err)

	_, err = svc.CreatePie(p.ID, "Growth", "", "", "", 60, 0)
	require.NoError(t, err)
	_, err = svc.CreatePie(p.ID, "Income", "", "", "", 40, 1)
	require.NoError(t, err)

	// Third pie would push the total to 101
	_, err = svc.CreatePie(p.ID, "Overflow", "", "", "", 1, 2)
	require.Error(t, err)

	var weightErr *weights.WeightExceededError
	require.True(t, errors.As(err, &weightErr))
	assert.Equal(t, weights.LevelPortfolio, weightErr.Level)
	assert.Equal(t, 100.0, weightErr.CurrentTotal)
	assert.Equal(t, 101.0, weightErr.AttemptedTotal)
}

func TestUpdatePieExcludesOwnWeight(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)

	pie, err := svc.CreatePie(p.ID, "Core", "", "", "", 100, 0)
	require.NoError(t, err)

	// Keeping the weight at 100 must pass: the pie's own weight is excluded
	pie.Name = "Core renamed"
	updated, err := svc.UpdatePie(pie)
	require.NoError(t, err)
	assert.Equal(t, "Core renamed", updated.Name)
	assert.Equal(t, 100.0, updated.TargetWeight)
}

func TestDeactivatedPieFreesWeight(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)

	old, err := svc.CreatePie(p.ID, "Old", "", "", "", 100, 0)
	require.NoError(t, err)

	old.IsActive = false
	_, err = svc.UpdatePie(old)
	require.NoError(t, err)

	// The inactive pie no longer counts toward the cap
	_, err = svc.CreatePie(p.ID, "New", "", "", "", 100, 1)
	require.NoError(t, err)
}

func TestSliceWeightCapPerPie(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)
	pieA, err := svc.CreatePie(p.ID, "A", "", "", "", 50, 0)
	require.NoError(t, err)
	pieB, err := svc.CreatePie(p.ID, "B", "", "", "", 50, 1)
	require.NoError(t, err)

	_, err = svc.CreateSlice(pieA.ID, "AAPL", "Apple", 70, domain.PositionFull, 0, "")
	require.NoError(t, err)
	_, err = svc.CreateSlice(pieA.ID, "MSFT", "Microsoft", 30, domain.PositionFull, 1, "")
	require.NoError(t, err)

	// Pie A is full; pie B has independent headroom
	_, err = svc.CreateSlice(pieA.ID, "GOOG", "Alphabet", 0.01, domain.PositionFull, 2, "")
	require.Error(t, err)
	_, err = svc.CreateSlice(pieB.ID, "GOOG", "Alphabet", 100, domain.PositionBuild, 0, "")
	require.NoError(t, err)
}

func TestCreateSliceRejectsBadPositionType(t *testing.T) {
	svc, _ := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)
	pie, err := svc.CreatePie(p.ID, "A", "", "", "", 50, 0)
	require.NoError(t, err)

	_, err = svc.CreateSlice(pie.ID, "AAPL", "", 10, domain.PositionType("dollar_cost"), 0, "")
	assert.Error(t, err)
}

func TestLoadTreeReturnsActiveNodesOnly(t *testing.T) {
	svc, repo := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)
	pieA, err := svc.CreatePie(p.ID, "A", "", "", "", 60, 0)
	require.NoError(t, err)
	pieB, err := svc.CreatePie(p.ID, "B", "", "", "", 40, 1)
	require.NoError(t, err)

	_, err = svc.CreateSlice(pieA.ID, "AAPL", "", 50, domain.PositionFull, 0, "")
	require.NoError(t, err)
	inactive, err := svc.CreateSlice(pieA.ID, "MSFT", "", 50, domain.PositionBuild, 1, "")
	require.NoError(t, err)

	inactive.IsActive = false
	_, err = svc.UpdateSlice(inactive)
	require.NoError(t, err)

	tree, err := repo.LoadTree(p.ID)
	require.NoError(t, err)
	require.Len(t, tree, 2)

	byID := map[string]int{tree[0].ID: 0, tree[1].ID: 1}
	a := tree[byID[pieA.ID]]
	b := tree[byID[pieB.ID]]

	assert.Len(t, a.Slices, 1)
	assert.Equal(t, "full", string(a.Slices[0].PositionType))
	assert.Empty(t, b.Slices)
}

func TestApplyFillUpdatesAverageCost(t *testing.T) {
	svc, repo := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)
	pie, err := svc.CreatePie(p.ID, "A", "", "", "", 100, 0)
	require.NoError(t, err)
	sl, err := svc.CreateSlice(pie.ID, "AAPL", "", 100, domain.PositionBuild, 0, "")
	require.NoError(t, err)

	require.NoError(t, repo.ApplyFill(sl.ID, 10, 100.0))
	require.NoError(t, repo.ApplyFill(sl.ID, 10, 120.0))

	got, err := repo.GetSlice(sl.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Shares)
	require.NotNil(t, got.AvgCost)
	assert.InDelta(t, 110.0, *got.AvgCost, 1e-9)
}

func TestDeletePieCascades(t *testing.T) {
	svc, repo := newTestService(t)

	p, err := svc.CreatePortfolio("user-1", "Main", "", "", "")
	require.NoError(t, err)
	pie, err := svc.CreatePie(p.ID, "A", "", "", "", 100, 0)
	require.NoError(t, err)
	sl, err := svc.CreateSlice(pie.ID, "AAPL", "", 100, domain.PositionFull, 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeletePie(pie.ID))

	gone, err := repo.GetSlice(sl.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
