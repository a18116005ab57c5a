package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// OrderUpdate is one order state change pushed by the gateway
type OrderUpdate struct {
	OrderID      string  `json:"orderId"`
	Status       string  `json:"status"`
	FilledShares float64 `json:"filledQuantity"`
	AvgFillPrice float64 `json:"avgPrice"`
	Commission   float64 `json:"commission"`
}

// OrderUpdateHandler receives pushed order updates
type OrderUpdateHandler func(update OrderUpdate)

// FillStream subscribes to the gateway's order-update websocket channel so
// fills land without waiting for the next polling cycle. Polling stays on
// as the fallback; the stream only shortens the latency.
type FillStream struct {
	url        string
	httpClient *http.Client
	handler    OrderUpdateHandler
	log        zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	cancelFunc context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}
}

// NewFillStream creates a fill stream client. url is the gateway websocket
// endpoint, e.g. "wss://localhost:5000/v1/api/ws".
func NewFillStream(url string, handler OrderUpdateHandler, log zerolog.Logger) *FillStream {
	return &FillStream{
		url:     url,
		handler: handler,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				// Self-signed gateway cert; force HTTP/1.1 for the upgrade
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
					NextProtos:         []string{"http/1.1"},
				},
				ForceAttemptHTTP2: false,
			},
		},
		log:      log.With().Str("client", "fill_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read loop
func (fs *FillStream) Connect() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.connected {
		return nil
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, fs.url, &websocket.DialOptions{
		HTTPClient: fs.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial gateway websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	fs.conn = conn
	fs.cancelFunc = connCancel
	fs.connected = true

	if err := fs.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		fs.conn = nil
		fs.cancelFunc = nil
		fs.connected = false
		return err
	}

	go fs.readMessages(connCtx)

	fs.log.Info().Str("url", fs.url).Msg("Connected to gateway order stream")
	return nil
}

// Disconnect closes the stream permanently
func (fs *FillStream) Disconnect() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.stopped = true
	close(fs.stopChan)

	if fs.conn == nil {
		return nil
	}
	if fs.cancelFunc != nil {
		fs.cancelFunc()
		fs.cancelFunc = nil
	}

	err := fs.conn.Close(websocket.StatusNormalClosure, "")
	fs.conn = nil
	fs.connected = false

	if err != nil {
		return fmt.Errorf("error closing gateway websocket: %w", err)
	}
	return nil
}

// IsConnected reports whether the stream is live
func (fs *FillStream) IsConnected() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.connected
}

// subscribe requests the order-update channel
func (fs *FillStream) subscribe(ctx context.Context) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	// Client Portal order-update channel subscription
	if err := fs.conn.Write(writeCtx, websocket.MessageText, []byte("sor+{}")); err != nil {
		return fmt.Errorf("failed to subscribe to order updates: %w", err)
	}
	return nil
}

func (fs *FillStream) readMessages(ctx context.Context) {
	defer func() {
		fs.mu.Lock()
		fs.connected = false
		stopped := fs.stopped
		fs.mu.Unlock()
		if !stopped {
			go fs.reconnectLoop()
		}
	}()

	for {
		select {
		case <-fs.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		fs.mu.RLock()
		conn := fs.conn
		fs.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				fs.log.Info().Msg("Gateway websocket closed normally")
			} else if ctx.Err() == nil {
				fs.log.Error().Err(err).Msg("Gateway websocket read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := fs.handleMessage(message); err != nil {
			fs.log.Warn().Err(err).Msg("Failed to handle order stream message")
		}
	}
}

type streamEnvelope struct {
	Topic string            `json:"topic"`
	Args  []json.RawMessage `json:"args"`
}

func (fs *FillStream) handleMessage(message []byte) error {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("undecodable stream message: %w", err)
	}
	if env.Topic != "sor" {
		return nil
	}

	for _, raw := range env.Args {
		var update OrderUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			fs.log.Warn().Err(err).Msg("Skipping undecodable order update")
			continue
		}
		if update.OrderID == "" {
			continue
		}
		if fs.handler != nil {
			fs.handler(update)
		}
	}
	return nil
}

func (fs *FillStream) reconnectLoop() {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := time.Duration(math.Min(
			float64(baseReconnectDelay)*math.Pow(2, float64(attempt-1)),
			float64(maxReconnectDelay),
		))

		fs.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to gateway order stream")

		select {
		case <-fs.stopChan:
			return
		case <-time.After(delay):
		}

		if err := fs.Connect(); err == nil {
			return
		}
	}
	fs.log.Error().Msg("Giving up on gateway order stream reconnection")
}
