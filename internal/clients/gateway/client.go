// Package gateway provides the HTTP client for the broker's Client Portal
// gateway. The gateway runs locally, proxies to the broker with its own
// authentication, and serves a self-signed certificate.
package gateway

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/domain"
)

const requestTimeout = 5 * time.Second

// Client talks to the local Client Portal gateway. It implements
// domain.BrokerClient.
type Client struct {
	baseURL    string
	accountID  string
	httpClient *http.Client
	log        zerolog.Logger

	mu            sync.RWMutex
	authenticated bool
}

// NewClient creates a gateway client. baseURL is the gateway root, e.g.
// "https://localhost:5000/v1/api".
func NewClient(baseURL, accountID string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				// The local gateway serves a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: log.With().Str("client", "gateway").Logger(),
	}
}

type authStatusResponse struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Competing     bool `json:"competing"`
}

// CheckAuthStatus refreshes the session state from the gateway
func (c *Client) CheckAuthStatus() (bool, error) {
	var status authStatusResponse
	if err := c.request(http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		c.setAuthenticated(false)
		return false, err
	}

	ok := status.Authenticated && status.Connected
	c.setAuthenticated(ok)
	return ok, nil
}

// InitBrokerageSession performs the second-tier authentication the gateway
// requires before trading endpoints respond.
func (c *Client) InitBrokerageSession() error {
	var resp map[string]interface{}
	if err := c.request(http.MethodPost, "/iserver/auth/ssodh/init", map[string]interface{}{
		"publish": true,
		"compete": true,
	}, &resp); err != nil {
		return fmt.Errorf("failed to init brokerage session: %w", err)
	}
	return nil
}

// IsConnected reports the last observed session state
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

type placeOrderRequest struct {
	AccountID string  `json:"acctId"`
	ConIDEx   string  `json:"conidex,omitempty"`
	Symbol    string  `json:"ticker"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	TIF       string  `json:"tif"`
}

type placeOrderResponse struct {
	OrderID      string `json:"order_id"`
	OrderStatus  string `json:"order_status"`
	LocalOrderID string `json:"local_order_id"`
	Text         string `json:"text"`
}

// PlaceOrder submits an order through the gateway. A positive limitPrice
// places a limit order, zero places a market order.
func (c *Client) PlaceOrder(symbol, side string, shares float64, limitPrice float64) (*domain.BrokerOrderResult, error) {
	orderType := "MKT"
	if limitPrice > 0 {
		orderType = "LMT"
	}

	req := placeOrderRequest{
		AccountID: c.accountID,
		Symbol:    symbol,
		OrderType: orderType,
		Side:      strings.ToUpper(side),
		Quantity:  shares,
		Price:     limitPrice,
		TIF:       "DAY",
	}

	// The gateway answers with an array; confirmation prompts also arrive
	// this way and must be replied to before the order is live.
	var resp []placeOrderResponse
	endpoint := fmt.Sprintf("/iserver/account/%s/orders", c.accountID)
	if err := c.request(http.MethodPost, endpoint, map[string]interface{}{
		"orders": []placeOrderRequest{req},
	}, &resp); err != nil {
		return nil, fmt.Errorf("failed to place order for %s: %w", symbol, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty order response for %s", symbol)
	}

	first := resp[0]
	if first.OrderID == "" {
		return nil, fmt.Errorf("order for %s rejected: %s", symbol, first.Text)
	}

	c.log.Info().
		Str("symbol", symbol).
		Str("side", side).
		Float64("shares", shares).
		Str("order_id", first.OrderID).
		Msg("Order placed")

	return &domain.BrokerOrderResult{
		OrderID: first.OrderID,
		Status:  first.OrderStatus,
		Message: first.Text,
	}, nil
}

type orderStatusResponse struct {
	OrderID        json.Number `json:"order_id"`
	OrderStatus    string      `json:"order_status"`
	CumulativeFill float64     `json:"cum_fill"`
	AvgPrice       json.Number `json:"average_price"`
	Commission     json.Number `json:"commission"`
}

// GetOrderStatus returns the broker-reported state of one order
func (c *Client) GetOrderStatus(orderID string) (*domain.BrokerOrderStatus, error) {
	var resp orderStatusResponse
	endpoint := "/iserver/account/order/status/" + orderID
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get order status for %s: %w", orderID, err)
	}

	avgPrice, _ := resp.AvgPrice.Float64()
	commission, _ := resp.Commission.Float64()

	return &domain.BrokerOrderStatus{
		OrderID:      orderID,
		Status:       normalizeStatus(resp.OrderStatus),
		FilledShares: resp.CumulativeFill,
		AvgFillPrice: avgPrice,
		Commission:   commission,
	}, nil
}

// normalizeStatus maps gateway order states onto the local status vocabulary
func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return "filled"
	case "submitted", "presubmitted", "pendingsubmit":
		return "submitted"
	case "cancelled", "pendingcancel":
		return "cancelled"
	case "inactive":
		return "failed"
	default:
		return strings.ToLower(s)
	}
}

func (c *Client) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *Client) request(method, endpoint string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}
