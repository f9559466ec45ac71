// ws.go implements WebSocket feeds for real-time exchange data.
//
// Two independent feeds run concurrently:
//
//   - Orderbook feed (public): subscribes by market ticker, receives
//     "snapshot" (full side replace) and "delta" (signed count adjustment)
//     messages with per-ticker sequence numbers.
//
//   - Fill feed (authenticated): receives "fill" executions on our orders,
//     each carrying a per-order fill index for at-least-once deduplication.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked tickers on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings. After
// a reconnect the server replays snapshots for every subscription, so the
// books resync naturally; RequestSnapshot covers mid-session sequence gaps.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kalshi-lip-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 256              // buffer for snapshot/delta messages
	fillBufferSize   = 64               // buffer for fill messages
)

// WSFeed manages a single WebSocket connection (orderbook or fill channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url     string
	conn    *websocket.Conn
	connMu  sync.Mutex // protects conn reads/writes
	channel string     // "orderbook" or "fills"
	apiKey  string     // auth header for the fill channel

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market tickers

	// Typed event channels — consumers read from these via accessor methods
	bookCh chan types.WSBookMsg
	fillCh chan types.WSFillMsg

	logger *slog.Logger
}

// NewOrderbookFeed creates a WebSocket feed for the orderbook channel (public).
func NewOrderbookFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    "orderbook",
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.WSBookMsg, bookBufferSize),
		fillCh:     make(chan types.WSFillMsg, fillBufferSize),
		logger:     logger.With("component", "ws_orderbook"),
	}
}

// NewFillFeed creates a WebSocket feed for the fill channel (authenticated).
func NewFillFeed(wsURL, apiKey string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    "fills",
		apiKey:     apiKey,
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.WSBookMsg, bookBufferSize),
		fillCh:     make(chan types.WSFillMsg, fillBufferSize),
		logger:     logger.With("component", "ws_fills"),
	}
}

// BookEvents returns a read-only channel of snapshot/delta messages.
func (f *WSFeed) BookEvents() <-chan types.WSBookMsg { return f.bookCh }

// FillEvents returns a read-only channel of fill messages.
func (f *WSFeed) FillEvents() <-chan types.WSFillMsg { return f.fillCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds market tickers to the feed.
func (f *WSFeed) Subscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.WSCommand{
		Cmd:     "subscribe",
		Channel: f.channel,
		Tickers: tickers,
	})
}

// Unsubscribe removes tickers from the subscription.
func (f *WSFeed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.WSCommand{
		Cmd:     "unsubscribe",
		Channel: f.channel,
		Tickers: tickers,
	})
}

// RequestSnapshot asks the server for a fresh snapshot of one ticker.
// Called after a sequence gap; buffered deltas for the ticker are discarded
// by the book until the snapshot arrives.
func (f *WSFeed) RequestSnapshot(ticker string) error {
	return f.writeJSON(types.WSCommand{
		Cmd:     "snapshot",
		Channel: f.channel,
		Tickers: []string{ticker},
	})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	hdr := map[string][]string{}
	if f.apiKey != "" {
		hdr["KALSHI-ACCESS-KEY"] = []string{f.apiKey}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, hdr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-send subscription for everything we track
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channel)

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	if len(tickers) == 0 && f.channel == "orderbook" {
		return nil
	}

	return f.writeJSON(types.WSCommand{
		Cmd:     "subscribe",
		Channel: f.channel,
		Tickers: tickers,
	})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	// Peek at type to route
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "snapshot", "delta":
		var msg types.WSBookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal book message", "error", err)
			return
		}
		select {
		case f.bookCh <- msg:
		default:
			f.logger.Warn("book channel full, dropping message", "ticker", msg.Ticker)
		}

	case "fill":
		var msg types.WSFillMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal fill message", "error", err)
			return
		}
		select {
		case f.fillCh <- msg:
		default:
			f.logger.Warn("fill channel full, dropping message", "order_id", msg.OrderID)
		}

	case "subscribed", "unsubscribed", "ok":
		// Acks we don't need to process
		f.logger.Debug("ignoring ack", "type", envelope.Type)

	default:
		f.logger.Debug("unknown ws message type", "type", envelope.Type)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
