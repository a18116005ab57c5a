package events

import (
	"encoding/json"
	"time"
)

// EventData is the typed payload carried by an event
type EventData interface {
	EventType() EventType
}

// DepositReceivedData contains data for DepositReceived events
type DepositReceivedData struct {
	DepositID   string `json:"deposit_id"`
	PortfolioID string `json:"portfolio_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

// EventType returns the event type for DepositReceivedData
func (d *DepositReceivedData) EventType() EventType {
	return DepositReceived
}

// TriggerFiredData contains data for TriggerFired events
type TriggerFiredData struct {
	RuleID        string `json:"rule_id"`
	SliceID       string `json:"slice_id"`
	Symbol        string `json:"symbol"`
	Reason        string `json:"reason"`
	ReleasedCents int64  `json:"released_cents"`
}

// EventType returns the event type for TriggerFiredData
func (d *TriggerFiredData) EventType() EventType {
	return TriggerFired
}

// WeightsChangedData contains data for WeightsChanged events
type WeightsChangedData struct {
	PortfolioID string `json:"portfolio_id"`
}

// EventType returns the event type for WeightsChangedData
func (d *WeightsChangedData) EventType() EventType {
	return WeightsChanged
}

// IntentEmittedData contains data for IntentEmitted events
type IntentEmittedData struct {
	IntentID   string `json:"intent_id"`
	SliceID    string `json:"slice_id"`
	TotalCents int64  `json:"total_cents"`
}

// EventType returns the event type for IntentEmittedData
func (d *IntentEmittedData) EventType() EventType {
	return IntentEmitted
}

// OrderFilledData contains data for OrderFilled events
type OrderFilledData struct {
	IntentID     string  `json:"intent_id"`
	SliceID      string  `json:"slice_id"`
	Symbol       string  `json:"symbol,omitempty"`
	FilledShares float64 `json:"filled_shares"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

// EventType returns the event type for OrderFilledData
func (d *OrderFilledData) EventType() EventType {
	return OrderFilled
}

// PricesUpdatedData contains data for PricesUpdated events
type PricesUpdatedData struct {
	Symbols []string `json:"symbols"`
}

// EventType returns the event type for PricesUpdatedData
func (d *PricesUpdatedData) EventType() EventType {
	return PricesUpdated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data, used on the event
// stream endpoint where the payload must survive a JSON round trip.
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case DepositReceived:
			eventData = &DepositReceivedData{}
		case TriggerFired:
			eventData = &TriggerFiredData{}
		case WeightsChanged:
			eventData = &WeightsChangedData{}
		case IntentEmitted:
			eventData = &IntentEmittedData{}
		case OrderFilled:
			eventData = &OrderFilledData{}
		case PricesUpdated:
			eventData = &PricesUpdatedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if err := json.Unmarshal(aux.Data, eventData); err != nil {
			return err
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
