package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAuthStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iserver/auth/status", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]bool{"authenticated": true, "connected": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	assert.False(t, c.IsConnected())

	ok, err := c.CheckAuthStatus()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, c.IsConnected())
}

func TestAuthStatusDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"authenticated": true, "connected": false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	ok, err := c.CheckAuthStatus()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.IsConnected())
}

func TestPlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iserver/account/DU12345/orders", r.URL.Path)

		var body map[string][]map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		orders := body["orders"]
		require.Len(t, orders, 1)
		assert.Equal(t, "AAPL", orders[0]["ticker"])
		assert.Equal(t, "BUY", orders[0]["side"])
		assert.Equal(t, "MKT", orders[0]["orderType"])
		assert.Equal(t, 8.0, orders[0]["quantity"])

		json.NewEncoder(w).Encode([]map[string]string{
			{"order_id": "987654", "order_status": "Submitted"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	result, err := c.PlaceOrder("AAPL", "buy", 8, 0)
	require.NoError(t, err)
	assert.Equal(t, "987654", result.OrderID)
	assert.Equal(t, "Submitted", result.Status)
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{
			{"text": "insufficient buying power"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	_, err := c.PlaceOrder("AAPL", "buy", 8, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient buying power")
}

func TestGetOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/iserver/account/order/status/987654", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"order_id":      987654,
			"order_status":  "Filled",
			"cum_fill":      8.0,
			"average_price": "123.42",
			"commission":    "1.00",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	status, err := c.GetOrderStatus("987654")
	require.NoError(t, err)
	assert.Equal(t, "filled", status.Status)
	assert.Equal(t, 8.0, status.FilledShares)
	assert.Equal(t, 123.42, status.AvgFillPrice)
	assert.Equal(t, 1.0, status.Commission)
}

func TestGatewayErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "DU12345", zerolog.Nop())
	_, err := c.GetOrderStatus("1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, "filled", normalizeStatus("Filled"))
	assert.Equal(t, "submitted", normalizeStatus("PreSubmitted"))
	assert.Equal(t, "cancelled", normalizeStatus("PendingCancel"))
	assert.Equal(t, "failed", normalizeStatus("Inactive"))
	assert.Equal(t, "weird", normalizeStatus("Weird"))
}
