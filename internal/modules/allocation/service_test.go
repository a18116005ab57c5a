package allocation

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/modules/building"
	"github.com/dstamatis/pietra/internal/modules/orders"
)

func setupServiceDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE deposits (
			id TEXT PRIMARY KEY,
			portfolio_id TEXT NOT NULL,
			amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
			allocated_cents INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'manual',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (allocated_cents >= 0 AND allocated_cents <= amount_cents)
		);
		CREATE TABLE deferred_allocations (
			slice_id TEXT NOT NULL,
			deposit_id TEXT NOT NULL,
			amount_remaining_cents INTEGER NOT NULL CHECK (amount_remaining_cents >= 0),
			original_cents INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (slice_id, deposit_id),
			CHECK (amount_remaining_cents <= original_cents)
		);
		CREATE TABLE transactions (
			id TEXT PRIMARY KEY,
			slice_id TEXT NOT NULL,
			deposit_id TEXT,
			build_rule_id TEXT,
			side TEXT NOT NULL,
			shares REAL NOT NULL,
			filled_shares REAL NOT NULL DEFAULT 0,
			price REAL NOT NULL,
			total_cents INTEGER NOT NULL,
			commission_cents INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			broker_order_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	return db
}

// fakeTrees serves a fixed tree and symbol table
type fakeTrees struct {
	tree    []PieNode
	symbols map[string]string
}

func (f *fakeTrees) LoadTree(portfolioID string) ([]PieNode, error) { return f.tree, nil }

func (f *fakeTrees) SliceSymbol(sliceID string) (string, error) {
	sym, ok := f.symbols[sliceID]
	if !ok {
		return "", fmt.Errorf("slice %s not found", sliceID)
	}
	return sym, nil
}

// fakePrices serves fixed prices; symbols absent from the map error
type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) LatestPrice(symbol string) (float64, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// fakeRules marks which slices carry an active build rule
type fakeRules struct {
	active map[string]bool
}

func (f *fakeRules) HasActiveRule(sliceID string) (bool, error) {
	return f.active[sliceID], nil
}

type serviceFixture struct {
	svc       *Service
	repo      *Repository
	orderRepo *orders.Repository
	buildRepo *building.Repository
	policy    *building.Policy
	trees     *fakeTrees
	prices    *fakePrices
	rules     *fakeRules
}

func newServiceFixture(t *testing.T) *serviceFixture {
	db := setupServiceDB(t)
	log := zerolog.Nop()

	repo := NewRepository(db, log)
	buildRepo := building.NewRepository(db, log)
	policy := building.NewPolicy(buildRepo, log)
	orderRepo := orders.NewRepository(db, log)
	emitter := orders.NewEmitter(orderRepo, domain.RealClock{}, log)

	trees := &fakeTrees{
		tree: []PieNode{
			{ID: "pie-1", Weight: 60, Slices: []SliceNode{
				{ID: "slice-full", Weight: 100, PositionType: domain.PositionFull},
			}},
			{ID: "pie-2", Weight: 40, Slices: []SliceNode{
				{ID: "slice-build", Weight: 100, PositionType: domain.PositionBuild},
			}},
		},
		symbols: map[string]string{"slice-full": "VTI", "slice-build": "NVDA"},
	}
	prices := &fakePrices{prices: map[string]float64{"VTI": 100.0, "NVDA": 200.0}}
	rules := &fakeRules{active: map[string]bool{"slice-build": true}}

	svc := NewService(repo, trees, prices, policy, emitter, nil, rules, log)
	return &serviceFixture{
		svc: svc, repo: repo, orderRepo: orderRepo, buildRepo: buildRepo,
		policy: policy, trees: trees, prices: prices, rules: rules,
	}
}

func TestSubmitDepositSplitsFullAndBuild(t *testing.T) {
	f := newServiceFixture(t)

	// $1000: 60% to the full slice, 40% to the build slice
	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	// Full slice: $600 at $100 buys 6 shares, no residue
	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "slice-full", intents[0].SliceID)
	assert.Equal(t, 6.0, intents[0].Shares)
	assert.Equal(t, int64(60000), intents[0].TotalCents)

	// Build slice: $400 deferred in full
	deferred, err := f.policy.TotalDeferred("slice-build")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), deferred)

	assert.Equal(t, int64(60000), d.AllocatedCents)
	assert.Equal(t, domain.DepositPartial, d.Status)
}

func TestSubLotResidueDefersForFullSlice(t *testing.T) {
	f := newServiceFixture(t)
	f.prices.prices["VTI"] = 70.0

	// Full slice gets $600 at $70: 8 shares ($560), $40 residue deferred
	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	residue, err := f.policy.TotalDeferred("slice-full")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), residue)

	assert.Equal(t, int64(56000), d.AllocatedCents)
	assert.Equal(t, domain.DepositPartial, d.Status)
}

func TestProcessDepositIdempotent(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	// Re-running the sweep must not duplicate intents or balances
	require.NoError(t, f.svc.ProcessDeposit(d.ID))
	require.NoError(t, f.svc.SweepPending())

	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)

	deferred, err := f.policy.TotalDeferred("slice-build")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), deferred)
}

func TestMissingPriceDefersInsteadOfFailing(t *testing.T) {
	f := newServiceFixture(t)
	delete(f.prices.prices, "VTI")

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	// No intent was possible; all $600 waits as a deferred balance
	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Empty(t, intents)

	deferred, err := f.policy.TotalDeferred("slice-full")
	require.NoError(t, err)
	assert.Equal(t, int64(60000), deferred)

	assert.Equal(t, int64(0), d.AllocatedCents)
	assert.Equal(t, domain.DepositPending, d.Status)
}

func TestOrphanedBalanceSweepRedeploysFullSliceCash(t *testing.T) {
	f := newServiceFixture(t)
	delete(f.prices.prices, "VTI")

	// No VTI price at intake: the full slice's $600 lands in the
	// deferred ledger even though no build rule will ever release it
	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositPending, d.Status)

	// Price comes back; the sweep redeploys the stranded cash but
	// leaves the build slice's balance for its trigger
	f.prices.prices["VTI"] = 100.0
	require.NoError(t, f.svc.SweepOrphanedBalances())

	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "slice-full", intents[0].SliceID)
	assert.Equal(t, int64(60000), intents[0].TotalCents)

	stranded, err := f.policy.TotalDeferred("slice-full")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stranded)

	deferred, err := f.policy.TotalDeferred("slice-build")
	require.NoError(t, err)
	assert.Equal(t, int64(40000), deferred)

	got, err := f.repo.GetByID(d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), got.AllocatedCents)
	assert.Equal(t, domain.DepositPartial, got.Status)

	// Rerunning with nothing stranded adds nothing
	require.NoError(t, f.svc.SweepOrphanedBalances())
	intents, err = f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestReleaseForSliceAdvancesDeposit(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	// Release $200 of the build slice's $400: 1 NVDA share at $200
	released, err := f.svc.ReleaseForSlice("slice-build", 20000, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), released)

	deferred, err := f.policy.TotalDeferred("slice-build")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), deferred)

	got, err := f.repo.GetByID(d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(80000), got.AllocatedCents)
	assert.Equal(t, domain.DepositPartial, got.Status)

	// Releasing the rest completes the deposit
	released, err = f.svc.ReleaseForSlice("slice-build", 20000, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), released)

	got, err = f.repo.GetByID(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositAllocated, got.Status)

	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 3)
	for _, intent := range intents {
		if intent.SliceID == "slice-build" {
			assert.Equal(t, "rule-1", intent.BuildRuleID)
		}
	}
}

func TestReleaseResidueReturnsToSameDeposit(t *testing.T) {
	f := newServiceFixture(t)
	f.prices.prices["NVDA"] = 150.0

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	// $400 released at $150 buys 2 shares ($300); $100 stays deferred
	released, err := f.svc.ReleaseForSlice("slice-build", 40000, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), released)

	bal, err := f.buildRepo.Get("slice-build", d.ID)
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, int64(10000), bal.RemainingCents)
}

func TestCancelForfeitsDeferredOnly(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	cancelled, err := f.svc.CancelDeposit(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DepositCancelled, cancelled.Status)

	// The emitted intent survives; the deferred $400 is gone
	intents, err := f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)

	deferred, err := f.policy.TotalDeferred("slice-build")
	require.NoError(t, err)
	assert.Equal(t, int64(0), deferred)

	// A cancelled deposit never resumes through the sweep
	require.NoError(t, f.svc.ProcessDeposit(d.ID))
	intents, err = f.orderRepo.ListByDeposit(d.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestCancelFullyAllocatedRejected(t *testing.T) {
	f := newServiceFixture(t)

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)

	_, err = f.svc.ReleaseForSlice("slice-build", 40000, "rule-1")
	require.NoError(t, err)

	_, err = f.svc.CancelDeposit(d.ID)
	assert.Error(t, err)
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.SubmitDeposit("port-1", 0, "manual")
	assert.Error(t, err)
	_, err = f.svc.SubmitDeposit("port-1", -100, "manual")
	assert.Error(t, err)
}

func TestUnallocatableTreeLeavesDepositPending(t *testing.T) {
	f := newServiceFixture(t)
	f.trees.tree = []PieNode{}

	d, err := f.svc.SubmitDeposit("port-1", 100000, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.DepositPending, d.Status)
	assert.Equal(t, int64(0), d.AllocatedCents)
}
