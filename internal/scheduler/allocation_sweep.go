package scheduler

import (
	"github.com/rs/zerolog"
)

// DepositSweeper retries allocation for deposits still pending and
// redeploys deferred cash no build rule will release
type DepositSweeper interface {
	SweepPending() error
	SweepOrphanedBalances() error
}

// AllocationSweepJob picks up deposits whose initial allocation failed,
// typically because prices were unavailable or the tree was empty at
// intake, and releases deferred balances stranded on slices without an
// active build rule.
type AllocationSweepJob struct {
	sweeper DepositSweeper
	log     zerolog.Logger
}

// NewAllocationSweepJob creates an allocation sweep job
func NewAllocationSweepJob(sweeper DepositSweeper, log zerolog.Logger) *AllocationSweepJob {
	return &AllocationSweepJob{
		sweeper: sweeper,
		log:     log.With().Str("job", "allocation_sweep").Logger(),
	}
}

// Name returns the job name
func (j *AllocationSweepJob) Name() string { return "allocation_sweep" }

// Run sweeps pending deposits, then stranded deferred balances
func (j *AllocationSweepJob) Run() error {
	if err := j.sweeper.SweepPending(); err != nil {
		return err
	}
	return j.sweeper.SweepOrphanedBalances()
}
