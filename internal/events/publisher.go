package events

// Publisher wraps the bus with typed publish methods so the modules that
// emit events depend on narrow interfaces instead of the bus itself.
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a typed publisher over the bus
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) PublishDepositReceived(depositID string, amountCents int64) {
	p.bus.Publish(DepositReceived, &DepositReceivedData{
		DepositID:   depositID,
		AmountCents: amountCents,
	})
}

func (p *Publisher) PublishWeightsChanged(portfolioID string) {
	p.bus.Publish(WeightsChanged, &WeightsChangedData{PortfolioID: portfolioID})
}

func (p *Publisher) PublishIntentEmitted(intentID, sliceID string, totalCents int64) {
	p.bus.Publish(IntentEmitted, &IntentEmittedData{
		IntentID:   intentID,
		SliceID:    sliceID,
		TotalCents: totalCents,
	})
}

func (p *Publisher) PublishTriggerFired(ruleID, sliceID, symbol, reason string, releasedCents int64) {
	p.bus.Publish(TriggerFired, &TriggerFiredData{
		RuleID:        ruleID,
		SliceID:       sliceID,
		Symbol:        symbol,
		Reason:        reason,
		ReleasedCents: releasedCents,
	})
}

func (p *Publisher) PublishOrderFilled(intentID, sliceID string, filledShares, avgFillPrice float64) {
	p.bus.Publish(OrderFilled, &OrderFilledData{
		IntentID:     intentID,
		SliceID:      sliceID,
		FilledShares: filledShares,
		AvgFillPrice: avgFillPrice,
	})
}

func (p *Publisher) PublishPricesUpdated(symbols []string) {
	p.bus.Publish(PricesUpdated, &PricesUpdatedData{Symbols: symbols})
}
