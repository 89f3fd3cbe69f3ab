package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"polytrader/internal/domain"
)

// FeedConfig configures the market-update WebSocket client.
type FeedConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is the maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the update channel capacity.
	Buffer int
}

// DefaultFeedConfig returns default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		Buffer:            256,
	}
}

// feedMessage is the wire format of one book update.
type feedMessage struct {
	Symbol      string  `json:"symbol"`
	TokenID     string  `json:"token_id"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	BidSize     float64 `json:"bid_size"`
	AskSize     float64 `json:"ask_size"`
	TimestampMs int64   `json:"ts_ms"`
}

// Feed streams market updates from the exchange over WebSocket, reconnecting
// with exponential backoff on connection loss.
type Feed struct {
	endpoint string
	config   FeedConfig
	log      *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	updates chan domain.MarketUpdate
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFeed connects to the endpoint and starts the read and ping loops.
func NewFeed(ctx context.Context, endpoint string, config *FeedConfig, log *zap.Logger) (*Feed, error) {
	cfg := DefaultFeedConfig()
	if config != nil {
		cfg = *config
	}

	f := &Feed{
		endpoint: endpoint,
		config:   cfg,
		log:      log.Named("feed"),
		updates:  make(chan domain.MarketUpdate, cfg.Buffer),
		done:     make(chan struct{}),
	}

	if err := f.connect(ctx); err != nil {
		return nil, err
	}

	f.wg.Add(1)
	go f.readLoop()

	f.wg.Add(1)
	go f.pingLoop()

	return f, nil
}

// Updates returns the stream of market updates. The channel closes when the
// feed shuts down.
func (f *Feed) Updates() <-chan domain.MarketUpdate {
	return f.updates
}

// connect establishes the WebSocket connection.
func (f *Feed) connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.conn = conn
	return nil
}

// readLoop reads messages and forwards parsed updates; on read error it
// reconnects with exponential backoff until Close is called.
func (f *Feed) readLoop() {
	defer f.wg.Done()
	defer close(f.updates)

	delay := f.config.ReconnectDelay

	for {
		if f.closed.Load() {
			return
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		_ = conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			f.log.Warn("read failed, reconnecting", zap.Error(err), zap.Duration("delay", delay))

			select {
			case <-f.done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > f.config.MaxReconnectDelay {
				delay = f.config.MaxReconnectDelay
			}

			if cerr := f.connect(context.Background()); cerr != nil {
				f.log.Warn("reconnect failed", zap.Error(cerr))
			}
			continue
		}
		delay = f.config.ReconnectDelay

		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.log.Warn("malformed feed message", zap.Error(err))
			continue
		}
		if msg.TokenID == "" {
			continue
		}

		update := domain.MarketUpdate{
			Symbol:  msg.Symbol,
			TokenID: msg.TokenID,
			Quote: domain.Quote{
				Bid:     msg.Bid,
				Ask:     msg.Ask,
				Mid:     (msg.Bid + msg.Ask) / 2,
				Spread:  msg.Ask - msg.Bid,
				BidSize: msg.BidSize,
				AskSize: msg.AskSize,
			},
			Timestamp: time.UnixMilli(msg.TimestampMs),
		}

		select {
		case f.updates <- update:
		default:
			// Consumer is behind; drop the oldest tick in favor of the new one.
			select {
			case <-f.updates:
			default:
			}
			f.updates <- update
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (f *Feed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()

			deadline := time.Now().Add(f.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil && !f.closed.Load() {
				f.log.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

// Close shuts down the feed and waits for loops to exit.
func (f *Feed) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(f.done)

	f.connMu.Lock()
	err := f.conn.Close()
	f.connMu.Unlock()

	f.wg.Wait()
	return err
}
