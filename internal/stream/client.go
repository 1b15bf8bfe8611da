package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quarve/tickstream-go/internal/candles"
	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/venue"
)

const (
	defaultSilenceTimeout   = 90 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	writeTimeout            = 5 * time.Second

	// StorageComponent is the health registry name for sink write failures,
	// shared by all clients because they write to the same sink.
	StorageComponent = "storage"
)

// State is the lifecycle phase of one stream connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Sink receives decoded trades and closed bars. Write failures are reported
// to the health registry, never back up the ingestion path.
type Sink interface {
	AppendTrade(ctx context.Context, t models.Trade) error
	AppendBar(ctx context.Context, b models.Bar) error
}

// Config wires one client to its venue, symbol group, and shared services.
type Config struct {
	Adapter     venue.Adapter
	Market      models.MarketType
	Symbols     []string
	Sink        Sink
	Aggregators []*candles.Aggregator
	Limiter     *ratelimit.Limiter
	Health      *health.Registry
	Logger      *logrus.Logger

	// SilenceTimeout recycles the connection when the venue sends nothing
	// for this long.
	SilenceTimeout time.Duration
	PingInterval   time.Duration
	Backoff        Backoff
}

// ConnectionStats is a point-in-time snapshot of one client for status
// surfaces.
type ConnectionStats struct {
	Venue       string               `json:"venue"`
	Market      models.MarketType    `json:"market"`
	Symbols     []string             `json:"symbols"`
	State       State                `json:"state"`
	Reconnects  uint64               `json:"reconnects"`
	Trades      uint64               `json:"trades"`
	Malformed   uint64               `json:"malformed"`
	ConnectedAt time.Time            `json:"connected_at,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	LastTradeAt map[string]time.Time `json:"last_trade_at,omitempty"`
}

// Client owns one websocket connection to a venue for a group of symbols. It
// subscribes, decodes inbound frames into trades for the sink and the
// aggregators, and reconnects with exponential backoff until stopped.
type Client struct {
	cfg       Config
	component string
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	running     bool
	state       State
	conn        *websocket.Conn
	reconnects  uint64
	trades      uint64
	malformed   uint64
	lastError   string
	connectedAt time.Time
	lastTradeAt map[string]time.Time
}

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: defaultHandshakeTimeout,
}

// New validates the venue/market/symbol group and returns a stopped client.
func New(cfg Config) (*Client, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("stream client requires a venue adapter")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("stream client requires at least one symbol")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("stream client requires a sink")
	}
	if cfg.Limiter == nil || cfg.Health == nil {
		return nil, fmt.Errorf("stream client requires a rate limiter and health registry")
	}
	if _, err := cfg.Adapter.StreamURL(cfg.Market, cfg.Symbols); err != nil {
		return nil, err
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		component: fmt.Sprintf("%s_websocket", cfg.Adapter.Name()),
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "stream",
			"venue":     cfg.Adapter.Name(),
			"market":    cfg.Market,
		}),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateDisconnected,
		lastTradeAt: make(map[string]time.Time),
	}, nil
}

// Start launches the connect/read/reconnect loop.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("stream client already running")
	}
	if c.state == StateClosed {
		return fmt.Errorf("stream client already stopped")
	}
	c.running = true

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop tears down the connection and waits for the loop to exit. Safe to
// call more than once.
func (c *Client) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Stats returns a snapshot of the client's connection counters.
func (c *Client) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastTrade := make(map[string]time.Time, len(c.lastTradeAt))
	for sym, ts := range c.lastTradeAt {
		lastTrade[sym] = ts
	}
	return ConnectionStats{
		Venue:       c.cfg.Adapter.Name(),
		Market:      c.cfg.Market,
		Symbols:     append([]string(nil), c.cfg.Symbols...),
		State:       c.state,
		Reconnects:  c.reconnects,
		Trades:      c.trades,
		Malformed:   c.malformed,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastError,
		LastTradeAt: lastTrade,
	}
}

func (c *Client) run() {
	defer c.wg.Done()
	defer c.setState(StateClosed)

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// A failed-over component holds reconnects through its cooldown;
		// other venues keep streaming.
		if !c.cfg.Health.Allowed(c.component) {
			c.log.Warn("Connection group failed over, holding reconnect")
			if !c.sleep(c.cfg.Backoff.Next(attempt + 1)) {
				return
			}
			continue
		}

		c.setState(StateConnecting)
		conn, err := c.connect()
		if err != nil {
			attempt++
			c.noteDisconnect(err)
			c.cfg.Health.HandleFailure(c.component, err)
			delay := c.cfg.Backoff.Next(attempt)
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Stream connect failed")
			c.setState(StateReconnecting)
			if !c.sleep(delay) {
				return
			}
			continue
		}

		attempt = 0
		c.cfg.Health.HandleSuccess(c.component)
		c.log.WithField("symbols", len(c.cfg.Symbols)).Info("Stream subscribed")

		err = c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}

		attempt++
		c.noteDisconnect(err)
		c.cfg.Health.HandleFailure(c.component, err)
		delay := c.cfg.Backoff.Next(attempt)
		c.log.WithError(err).WithField("delay", delay.String()).Warn("Stream disconnected, reconnecting")
		c.setState(StateReconnecting)
		if !c.sleep(delay) {
			return
		}
	}
}

// connect dials the venue and sends the subscribe frames, each under the
// rate limiter.
func (c *Client) connect() (*websocket.Conn, error) {
	url, err := c.cfg.Adapter.StreamURL(c.cfg.Market, c.cfg.Symbols)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	frames, err := c.cfg.Adapter.SubscribeFrames(c.cfg.Market, c.cfg.Symbols)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	for _, frame := range frames {
		if err := c.cfg.Limiter.Acquire(c.ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			c.cfg.Limiter.ReportError(err)
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now().UTC()
	c.state = StateSubscribed
	c.mu.Unlock()
	return conn, nil
}

// readLoop consumes frames until the connection drops or the client stops.
// The read deadline doubles as a silence watchdog: a venue that stops
// sending recycles the connection.
func (c *Client) readLoop(conn *websocket.Conn) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	c.wg.Add(1)
	go c.pingLoop(conn, pingDone)

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.SilenceTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := c.cfg.Adapter.ParseMessage(c.cfg.Market, raw)
		if err != nil {
			c.noteMalformed()
			c.log.WithError(err).Debug("Skipping malformed frame")
			continue
		}

		switch msg.Kind {
		case venue.KindSubscribeAck:
			c.cfg.Limiter.ReportSuccess()
			c.setState(StateStreaming)
			c.log.Debug("Subscription confirmed")
		case venue.KindTrade:
			c.setState(StateStreaming)
			for _, trade := range msg.Trades {
				c.handleTrade(trade)
			}
		case venue.KindError:
			frameErr := msg.Err
			if frameErr == nil {
				continue
			}
			c.cfg.Limiter.ReportError(frameErr)
			if frameErr.Auth() {
				return fmt.Errorf("venue rejected subscription: %w", frameErr)
			}
			c.log.WithError(frameErr).Warn("Venue error frame")
		case venue.KindPong, venue.KindOrderBook, venue.KindUnknown:
			// Liveness or channels this pipeline does not consume.
		}
	}
}

// handleTrade forwards one trade to the sink and every resolution's
// aggregator, forwarding any bars that close as a result.
func (c *Client) handleTrade(trade models.Trade) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.trades++
	c.lastTradeAt[trade.Symbol] = now
	c.mu.Unlock()

	if err := c.cfg.Sink.AppendTrade(c.ctx, trade); err != nil {
		c.log.WithError(err).WithField("symbol", trade.Symbol).Error("Trade write failed")
		c.cfg.Health.HandleFailure(StorageComponent, err)
	}

	for _, agg := range c.cfg.Aggregators {
		closed, ok := agg.ProcessTrade(trade)
		if !ok {
			continue
		}
		if err := c.cfg.Sink.AppendBar(c.ctx, closed); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"symbol":     closed.Symbol,
				"resolution": closed.Resolution,
			}).Error("Bar write failed")
			c.cfg.Health.HandleFailure(StorageComponent, err)
		}
	}
}

// pingLoop keeps the connection alive: an application-level frame for venues
// that require one, a protocol ping otherwise.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	appFrame, appLevel := c.cfg.Adapter.PingFrame()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if appLevel {
				err = conn.WriteMessage(websocket.TextMessage, appFrame)
			} else {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			if err != nil {
				c.log.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) noteDisconnect(err error) {
	c.mu.Lock()
	c.reconnects++
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()
}

func (c *Client) noteMalformed() {
	c.mu.Lock()
	c.malformed++
	c.mu.Unlock()
}

// sleep waits for d unless the client is stopped first; it reports whether
// the client should keep running.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
