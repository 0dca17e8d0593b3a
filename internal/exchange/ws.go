// ws.go implements the WebSocket feed for live venue data.
//
// One connection per venue carries every subscribed channel: public market
// data (ticker, depth, trades, klines) and, after SubscribeUserData, the
// authenticated order/balance/position stream. The feed auto-reconnects
// with exponential backoff (1s → 30s max) and re-subscribes to every
// tracked channel on reconnection. A read deadline (90s) ensures silent
// server failures are detected within ~2 missed pings.
//
// Decoded events are delivered on a single buffered channel; when the
// consumer falls behind, events are dropped with a warning. Order state
// lost this way is recovered by the reconciliation service.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/subscription"
	"tradecore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	eventBufferSize  = 512
)

// wsSub is one tracked channel subscription, kept for re-subscribe.
type wsSub struct {
	Channel  string       `json:"channel"`
	Symbol   types.Symbol `json:"symbol,omitempty"`
	Interval string       `json:"interval,omitempty"`
	Depth    int          `json:"depth,omitempty"`
}

func subKey(s wsSub) string {
	return fmt.Sprintf("%s|%s|%s|%d", s.Channel, s.Symbol, s.Interval, s.Depth)
}

// Feed manages one venue's WebSocket connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type Feed struct {
	url    string
	venue  string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]wsSub
	userData     bool

	connected atomic.Bool
	events    chan Event
	logger    *slog.Logger
}

// NewFeed creates a feed for one venue. auth may lack credentials when
// only public channels are used.
func NewFeed(venue, wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		venue:      venue,
		auth:       auth,
		subscribed: make(map[string]wsSub),
		events:     make(chan Event, eventBufferSize),
		logger:     logger.With("component", "ws", "exchange", venue),
	}
}

// Events returns the feed's outbound event channel.
func (f *Feed) Events() <-chan Event { return f.events }

// IsConnected reports whether the socket is currently up.
func (f *Feed) IsConnected() bool { return f.connected.Load() }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
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

// Subscribe opens one market-data channel.
func (f *Feed) Subscribe(symbol types.Symbol, dataType types.DataType, params subscription.Params) error {
	sub := wsSub{Channel: string(dataType), Symbol: symbol, Interval: params.Interval, Depth: params.Depth}

	f.subscribedMu.Lock()
	f.subscribed[subKey(sub)] = sub
	f.subscribedMu.Unlock()

	return f.writeJSON(struct {
		Op string `json:"op"`
		wsSub
	}{Op: "subscribe", wsSub: sub})
}

// Unsubscribe closes one market-data channel.
func (f *Feed) Unsubscribe(symbol types.Symbol, dataType types.DataType, params subscription.Params) error {
	sub := wsSub{Channel: string(dataType), Symbol: symbol, Interval: params.Interval, Depth: params.Depth}

	f.subscribedMu.Lock()
	delete(f.subscribed, subKey(sub))
	f.subscribedMu.Unlock()

	return f.writeJSON(struct {
		Op string `json:"op"`
		wsSub
	}{Op: "unsubscribe", wsSub: sub})
}

// SubscribeUserData opens the authenticated order/account stream.
func (f *Feed) SubscribeUserData() error {
	f.subscribedMu.Lock()
	f.userData = true
	f.subscribedMu.Unlock()

	return f.writeJSON(struct {
		Op      string            `json:"op"`
		Channel string            `json:"channel"`
		Auth    map[string]string `json:"auth"`
	}{Op: "subscribe", Channel: "user", Auth: f.auth.StreamAuthPayload()})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

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

// resubscribe replays every tracked channel after a (re)connect.
func (f *Feed) resubscribe() error {
	f.subscribedMu.RLock()
	subs := make([]wsSub, 0, len(f.subscribed))
	for _, sub := range f.subscribed {
		subs = append(subs, sub)
	}
	userData := f.userData
	f.subscribedMu.RUnlock()

	for _, sub := range subs {
		if err := f.writeJSON(struct {
			Op string `json:"op"`
			wsSub
		}{Op: "subscribe", wsSub: sub}); err != nil {
			return err
		}
	}

	if userData {
		return f.writeJSON(struct {
			Op      string            `json:"op"`
			Channel string            `json:"channel"`
			Auth    map[string]string `json:"auth"`
		}{Op: "subscribe", Channel: "user", Auth: f.auth.StreamAuthPayload()})
	}
	return nil
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string          `json:"channel"`
		Symbol  types.Symbol    `json:"symbol"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	evt := Event{Venue: f.venue, Symbol: envelope.Symbol}

	switch envelope.Channel {
	case "ticker":
		var t types.Ticker
		if err := json.Unmarshal(envelope.Data, &t); err != nil {
			f.logger.Error("unmarshal ticker event", "error", err)
			return
		}
		evt.Ticker = &t

	case "orderbook":
		var ob types.OrderBook
		if err := json.Unmarshal(envelope.Data, &ob); err != nil {
			f.logger.Error("unmarshal orderbook event", "error", err)
			return
		}
		evt.Book = &ob

	case "trades":
		var tr types.Trade
		if err := json.Unmarshal(envelope.Data, &tr); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		evt.Trade = &tr

	case "klines":
		var k types.Kline
		if err := json.Unmarshal(envelope.Data, &k); err != nil {
			f.logger.Error("unmarshal kline event", "error", err)
			return
		}
		evt.Kline = &k

	case "orderUpdate":
		var o types.Order
		if err := json.Unmarshal(envelope.Data, &o); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		o.Venue = f.venue
		evt.Order = &o

	case "accountUpdate":
		var b []types.Balance
		if err := json.Unmarshal(envelope.Data, &b); err != nil {
			f.logger.Error("unmarshal balance event", "error", err)
			return
		}
		// Wire totals are not trusted; total is free + locked by definition.
		for i := range b {
			b[i].Total = b[i].Free.Add(b[i].Locked)
		}
		evt.Balances = b

	case "positionUpdate":
		var p []types.Position
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			f.logger.Error("unmarshal position event", "error", err)
			return
		}
		evt.Positions = p

	case "subscribed", "unsubscribed", "pong":
		f.logger.Debug("ignoring control frame", "channel", envelope.Channel)
		return

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
		return
	}

	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event channel full, dropping event",
			"channel", envelope.Channel, "symbol", envelope.Symbol)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return types.ErrNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return types.ErrNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
