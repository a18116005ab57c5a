package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	var got []*Event
	bus.Subscribe(DepositReceived, func(e *Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	bus.Subscribe(TriggerFired, func(e *Event) {
		t.Error("wrong subscription fired")
	})

	bus.Publish(DepositReceived, &DepositReceivedData{DepositID: "dep-1", AmountCents: 5000})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, DepositReceived, got[0].Type)
	data, ok := got[0].Data.(*DepositReceivedData)
	require.True(t, ok)
	assert.Equal(t, "dep-1", data.DepositID)
	assert.Equal(t, int64(5000), data.AmountCents)
}

func TestBusContainsHandlerPanic(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	fired := false
	bus.Subscribe(WeightsChanged, func(e *Event) { panic("boom") })
	bus.Subscribe(WeightsChanged, func(e *Event) { fired = true })

	bus.Publish(WeightsChanged, &WeightsChangedData{PortfolioID: "port-1"})
	assert.True(t, fired, "second handler must run after the first panics")
}

func TestTriggerFiredDataRoundTrip(t *testing.T) {
	data := TriggerFiredData{
		RuleID:        "rule-1",
		SliceID:       "slice-9",
		Symbol:        "NVDA",
		Reason:        "price 92.10 below pullback threshold 95.00",
		ReleasedCents: 25000,
	}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "rule-1")
	assert.Contains(t, string(jsonData), "NVDA")

	var unmarshaled TriggerFiredData
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, data, unmarshaled)
}

func TestEventWithDataRoundTrip(t *testing.T) {
	e := &EventWithData{
		Type:      IntentEmitted,
		Timestamp: time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC),
		Module:    "allocation",
		Data: &IntentEmittedData{
			IntentID:   "intent-1",
			SliceID:    "slice-2",
			TotalCents: 98760,
		},
	}

	jsonData, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(jsonData, &decoded))

	assert.Equal(t, IntentEmitted, decoded.Type)
	data, ok := decoded.Data.(*IntentEmittedData)
	require.True(t, ok, "payload must decode to the typed struct")
	assert.Equal(t, "intent-1", data.IntentID)
	assert.Equal(t, int64(98760), data.TotalCents)
}

func TestPayloadTypesReportTheirEventType(t *testing.T) {
	// Every typed payload must satisfy EventData and name its own type
	payloads := map[EventType]EventData{
		DepositReceived: &DepositReceivedData{},
		TriggerFired:    &TriggerFiredData{},
		WeightsChanged:  &WeightsChangedData{},
		IntentEmitted:   &IntentEmittedData{},
		OrderFilled:     &OrderFilledData{},
		PricesUpdated:   &PricesUpdatedData{},
		ErrorOccurred:   &ErrorEventData{},
	}
	for want, payload := range payloads {
		assert.Equal(t, want, payload.EventType())
	}
}

func TestEventWithDataUnknownTypeFallsBack(t *testing.T) {
	raw := `{"type":"SomethingNew","timestamp":"2024-06-03T14:30:00Z","module":"x","data":{"k":"v"}}`

	var decoded EventWithData
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, "v", generic.Data["k"])
}
