package orders

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

// PositionSink folds executed fills into the owning slice's position
type PositionSink interface {
	ApplyFill(sliceID string, filledShares, fillPrice float64) error
	SliceSymbol(sliceID string) (string, error)
}

// FillPublisher receives fill notifications
type FillPublisher interface {
	PublishOrderFilled(intentID, sliceID string, filledShares, avgFillPrice float64)
}

// FundReturner takes back the unexecuted cash of a cancelled order so a
// later cycle can redeploy it
type FundReturner interface {
	Restore(sliceID, depositID string, cents int64) error
}

// Dispatcher moves intents to the broker and mirrors broker-reported
// transitions back onto the local records. Status never advances locally;
// the broker signal is the only source of execution truth.
type Dispatcher struct {
	repo      *Repository
	broker    domain.BrokerClient
	positions PositionSink
	publisher FillPublisher
	funds     FundReturner
	log       zerolog.Logger
}

// NewDispatcher creates an order dispatcher
func NewDispatcher(repo *Repository, broker domain.BrokerClient, positions PositionSink, publisher FillPublisher, funds FundReturner, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		broker:    broker,
		positions: positions,
		publisher: publisher,
		funds:     funds,
		log:       log.With().Str("component", "order_dispatcher").Logger(),
	}
}

// SubmitPending places every pending intent. A disconnected gateway leaves
// them pending for the next run; a rejection marks the intent failed.
func (d *Dispatcher) SubmitPending() error {
	if !d.broker.IsConnected() {
		d.log.Debug().Msg("Gateway not connected, leaving pending intents for next cycle")
		return nil
	}

	pending, err := d.repo.ListByStatus(domain.TxPending)
	if err != nil {
		return err
	}

	for _, intent := range pending {
		symbol, err := d.positions.SliceSymbol(intent.SliceID)
		if err != nil {
			d.log.Error().Err(err).Str("intent_id", intent.ID).Msg("Cannot resolve symbol for intent")
			continue
		}

		result, err := d.broker.PlaceOrder(symbol, string(intent.Side), intent.Shares, 0)
		if err != nil {
			d.log.Error().Err(err).Str("intent_id", intent.ID).Str("symbol", symbol).Msg("Order placement failed")
			if markErr := d.repo.MarkFailed(intent.ID); markErr != nil {
				return markErr
			}
			continue
		}

		if err := d.repo.MarkSubmitted(intent.ID, result.OrderID); err != nil {
			return fmt.Errorf("order %s placed but intent %s not updated: %w", result.OrderID, intent.ID, err)
		}
	}
	return nil
}

// SyncOpenOrders polls the broker for every submitted or partially filled
// intent and applies the reported state.
func (d *Dispatcher) SyncOpenOrders() error {
	if !d.broker.IsConnected() {
		return nil
	}

	// Snapshot both lists before applying anything: an apply can promote a
	// submitted intent to partial, and a lazy fetch of the partial list
	// would then process the same intent twice in one run.
	var open []*domain.TransactionIntent
	for _, status := range []domain.TransactionStatus{domain.TxSubmitted, domain.TxPartial} {
		list, err := d.repo.ListByStatus(status)
		if err != nil {
			return err
		}
		open = append(open, list...)
	}

	for _, intent := range open {
		if intent.BrokerOrderID == "" {
			continue
		}
		reported, err := d.broker.GetOrderStatus(intent.BrokerOrderID)
		if err != nil {
			d.log.Warn().Err(err).Str("broker_order_id", intent.BrokerOrderID).Msg("Order status poll failed")
			continue
		}
		if err := d.apply(reported); err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdate handles one pushed order update from the fill stream
func (d *Dispatcher) ApplyUpdate(orderID, status string, filledShares, avgFillPrice, commission float64) error {
	return d.apply(&domain.BrokerOrderStatus{
		OrderID:      orderID,
		Status:       status,
		FilledShares: filledShares,
		AvgFillPrice: avgFillPrice,
		Commission:   commission,
	})
}

func (d *Dispatcher) apply(reported *domain.BrokerOrderStatus) error {
	newStatus, ok := statusFromBroker(reported.Status)
	if !ok {
		d.log.Debug().Str("status", reported.Status).Msg("Ignoring unmapped broker status")
		return nil
	}
	// A working order that already has executions is a partial fill; the
	// gateway keeps reporting it as submitted until it completes.
	if newStatus == domain.TxSubmitted && reported.FilledShares > 0 {
		newStatus = domain.TxPartial
	}

	prior, err := d.repo.GetByBrokerOrderID(reported.OrderID)
	if err != nil {
		return err
	}
	if prior == nil {
		d.log.Warn().Str("broker_order_id", reported.OrderID).Msg("Broker update for unknown order")
		return nil
	}

	// The gateway reports cumulative executions; only the increment since
	// the last applied update belongs in the position.
	deltaShares := reported.FilledShares - prior.FilledShares
	if deltaShares < 0 {
		deltaShares = 0
	}

	commissionCents := int64(reported.Commission * 100)
	intent, err := d.repo.ApplyBrokerStatus(reported.OrderID, newStatus, reported.FilledShares, reported.AvgFillPrice, commissionCents)
	if err != nil {
		return err
	}
	if intent == nil {
		d.log.Warn().Str("broker_order_id", reported.OrderID).Msg("Broker update for unknown order")
		return nil
	}

	if newStatus == domain.TxCancelled && d.funds != nil && intent.DepositID != "" {
		executedCents := int64(intent.FilledShares * intent.Price * 100)
		if remaining := intent.TotalCents - executedCents; remaining > 0 {
			if err := d.funds.Restore(intent.SliceID, intent.DepositID, remaining); err != nil {
				return fmt.Errorf("cancelled order %s funds not restored: %w", intent.ID, err)
			}
		}
	}

	if (newStatus == domain.TxFilled || newStatus == domain.TxPartial) && deltaShares > 0 {
		if err := d.positions.ApplyFill(intent.SliceID, deltaShares, reported.AvgFillPrice); err != nil {
			return fmt.Errorf("fill recorded but position not updated for slice %s: %w", intent.SliceID, err)
		}
		if d.publisher != nil {
			d.publisher.PublishOrderFilled(intent.ID, intent.SliceID, reported.FilledShares, reported.AvgFillPrice)
		}
	}

	d.log.Info().
		Str("intent_id", intent.ID).
		Str("status", string(newStatus)).
		Float64("filled_shares", reported.FilledShares).
		Msg("Broker order update applied")
	return nil
}

func statusFromBroker(s string) (domain.TransactionStatus, bool) {
	switch s {
	case "filled":
		return domain.TxFilled, true
	case "partial":
		return domain.TxPartial, true
	case "submitted":
		return domain.TxSubmitted, true
	case "cancelled":
		return domain.TxCancelled, true
	case "failed":
		return domain.TxFailed, true
	}
	return "", false
}
