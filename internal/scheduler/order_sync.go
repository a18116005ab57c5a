package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/modules/orders"
)

// OrderSyncJob pushes pending intents to the broker and polls open orders
// for fills. The websocket fill stream delivers most updates first; the poll
// is the catch-up path for missed pushes and restarts.
type OrderSyncJob struct {
	dispatcher *orders.Dispatcher
	log        zerolog.Logger
}

// NewOrderSyncJob creates an order sync job
func NewOrderSyncJob(dispatcher *orders.Dispatcher, log zerolog.Logger) *OrderSyncJob {
	return &OrderSyncJob{
		dispatcher: dispatcher,
		log:        log.With().Str("job", "order_sync").Logger(),
	}
}

// Name returns the job name
func (j *OrderSyncJob) Name() string { return "order_sync" }

// Run submits pending intents, then reconciles open orders
func (j *OrderSyncJob) Run() error {
	if err := j.dispatcher.SubmitPending(); err != nil {
		return err
	}
	return j.dispatcher.SyncOpenOrders()
}
