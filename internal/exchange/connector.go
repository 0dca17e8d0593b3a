// connector.go assembles the REST client and the WebSocket feed into the
// Venue contract the engine consumes.
package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tradecore/internal/subscription"
	"tradecore/pkg/types"
)

// Config describes one venue connection.
type Config struct {
	Name        string
	BaseURL     string
	WSURL       string // empty disables push; all data is polled
	Credentials Credentials
}

// Connector is a full venue adapter: REST for request/response, WebSocket
// for push. It satisfies the Venue interface.
type Connector struct {
	*Client

	cfg    Config
	feed   *Feed
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnector creates a venue adapter from config.
func NewConnector(cfg Config, logger *slog.Logger) *Connector {
	auth := NewAuth(cfg.Credentials)
	c := &Connector{
		Client: NewClient(cfg.Name, cfg.BaseURL, auth, logger),
		cfg:    cfg,
		logger: logger.With("component", "connector", "exchange", cfg.Name),
	}
	if cfg.WSURL != "" {
		c.feed = NewFeed(cfg.Name, cfg.WSURL, auth, logger)
	}
	return c
}

// Name returns the venue's configured name.
func (c *Connector) Name() string { return c.cfg.Name }

// IsConnected reports whether the push socket is up. Venues without a push
// channel count as connected once Connect has run.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	started := c.cancel != nil
	c.mu.Unlock()

	if c.feed == nil {
		return started
	}
	return c.feed.IsConnected()
}

// Connect starts the push feed's run loop. Venues without a WS URL have
// nothing to start. Calling Connect twice is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	if c.feed == nil {
		close(c.done)
		return nil
	}

	done := c.done
	go func() {
		defer close(done)
		if err := c.feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("feed stopped", "error", err)
		}
	}()
	return nil
}

// Disconnect stops the feed and waits for its goroutine to exit.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if c.feed != nil {
		c.feed.Close()
	}
	<-done
	return nil
}

// Events returns the venue's outbound event stream. Venues without push
// return a nil channel, which blocks forever in a select.
func (c *Connector) Events() <-chan Event {
	if c.feed == nil {
		return nil
	}
	return c.feed.Events()
}

// SupportsPush reports whether a push channel exists for the data type.
// The generic feed carries all four market-data families.
func (c *Connector) SupportsPush(types.DataType) bool {
	return c.feed != nil
}

// SubscribePush opens one market-data stream. A subscription issued while
// the socket is down is tracked and replayed on (re)connect.
func (c *Connector) SubscribePush(ctx context.Context, symbol types.Symbol, dataType types.DataType, params subscription.Params) error {
	if c.feed == nil {
		return &VenueError{Venue: c.cfg.Name, Op: "subscribe", Message: "no push channel configured"}
	}
	if err := c.feed.Subscribe(symbol, dataType, params); err != nil && !errors.Is(err, types.ErrNotConnected) {
		return err
	}
	return nil
}

// UnsubscribePush closes one market-data stream.
func (c *Connector) UnsubscribePush(ctx context.Context, symbol types.Symbol, dataType types.DataType, params subscription.Params) error {
	if c.feed == nil {
		return nil
	}
	if err := c.feed.Unsubscribe(symbol, dataType, params); err != nil && !errors.Is(err, types.ErrNotConnected) {
		return err
	}
	return nil
}

// SubscribeUserData opens the authenticated order/account stream.
func (c *Connector) SubscribeUserData(ctx context.Context) error {
	if c.feed == nil {
		return &VenueError{Venue: c.cfg.Name, Op: "subscribe user data", Message: "no push channel configured"}
	}
	if err := c.feed.SubscribeUserData(); err != nil && !errors.Is(err, types.ErrNotConnected) {
		return err
	}
	return nil
}
