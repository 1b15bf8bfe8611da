package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarve/tickstream-go/internal/candles"
	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/telemetry"
	"github.com/quarve/tickstream-go/internal/venue"
)

const (
	defaultHorizon   = 72 * time.Hour
	defaultStep      = time.Hour
	defaultPageLimit = 1000
	defaultBatchSize = 500
	defaultPageDelay = 250 * time.Millisecond
	defaultStateTTL  = 7 * 24 * time.Hour

	// flushFanOut is how many concurrent sink writes one buffer flush is
	// split across.
	flushFanOut = 4

	// drainTimeout bounds the final buffer flush and cursor write when the
	// engine is cancelled mid-walk.
	drainTimeout = 5 * time.Second
)

// Sink receives historical trades and the bars they aggregate into.
type Sink interface {
	AppendTrades(ctx context.Context, trades []models.Trade) error
	AppendBars(ctx context.Context, bars []models.Bar) error
}

// StateStore persists cursors between runs.
type StateStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, out interface{}) (bool, error)
}

// Config wires one engine to its venue, symbol, and shared services.
type Config struct {
	History     venue.HistoryClient
	Market      models.MarketType
	Symbol      string
	Sink        Sink
	State       StateStore
	Limiter     *ratelimit.Limiter
	Health      *health.Registry
	Logger      *logrus.Logger
	Resolutions []int

	Horizon   time.Duration
	Step      time.Duration
	PageLimit int
	BatchSize int
	PageDelay time.Duration
	StateTTL  time.Duration
}

// Status is a point-in-time snapshot of one engine for status surfaces.
type Status struct {
	Venue     string            `json:"venue"`
	Symbol    string            `json:"symbol"`
	Market    models.MarketType `json:"market"`
	Running   bool              `json:"running"`
	Done      bool              `json:"done"`
	Pages     uint64            `json:"pages"`
	Trades    uint64            `json:"trades"`
	Progress  float64           `json:"progress"`
	Current   time.Time         `json:"current,omitempty"`
	Target    time.Time         `json:"target,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Engine walks one symbol's trade history backward in fixed windows,
// persisting raw trades, rebuilding historical bars, and recording a
// resumable cursor after every window. It owns private aggregators so the
// backward walk never collides with the live stream's open bars.
type Engine struct {
	cfg         Config
	component   string
	key         string
	log         *logrus.Entry
	tracer      trace.Tracer
	aggregators []*candles.Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	done      bool
	cursor    Cursor
	buffer    []models.Trade
	pages     uint64
	trades    uint64
	lastError string
}

// New validates the wiring and returns a stopped engine.
func New(cfg Config) (*Engine, error) {
	if cfg.History == nil {
		return nil, fmt.Errorf("backfill engine requires a history client")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("backfill engine requires a symbol")
	}
	if cfg.Sink == nil || cfg.State == nil {
		return nil, fmt.Errorf("backfill engine requires a sink and state store")
	}
	if cfg.Limiter == nil || cfg.Health == nil {
		return nil, fmt.Errorf("backfill engine requires a rate limiter and health registry")
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaultHorizon
	}
	if cfg.Step <= 0 {
		cfg.Step = defaultStep
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = defaultPageDelay
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	aggs := make([]*candles.Aggregator, 0, len(cfg.Resolutions))
	for _, res := range cfg.Resolutions {
		aggs = append(aggs, candles.NewAggregator(res, 0, cfg.Logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		component:   fmt.Sprintf("%s_backfill", cfg.History.Name()),
		key:         CursorKey(cfg.History.Name(), cfg.Market, cfg.Symbol),
		tracer:      telemetry.Tracer("backfill"),
		aggregators: aggs,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "backfill",
			"venue":     cfg.History.Name(),
			"market":    cfg.Market,
			"symbol":    cfg.Symbol,
		}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the walk. The engine stops on its own when the cursor
// reaches the horizon or a fetch fails; a later restart resumes from the
// persisted cursor.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("backfill engine already running")
	}
	e.running = true

	e.wg.Add(1)
	go e.run()
	return nil
}

// Stop cancels the walk and waits for it to drain.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Status returns a snapshot of the engine's progress counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Venue:     e.cfg.History.Name(),
		Symbol:    e.cfg.Symbol,
		Market:    e.cfg.Market,
		Running:   e.running,
		Done:      e.done,
		Pages:     e.pages,
		Trades:    e.trades,
		Progress:  e.cursor.Progress,
		Current:   e.cursor.Current,
		Target:    e.cursor.Target,
		LastError: e.lastError,
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	defer e.finish()

	cursor := e.loadCursor()
	e.setCursor(cursor)
	e.log.WithFields(logrus.Fields{
		"current":  cursor.Current,
		"target":   cursor.Target,
		"progress": fmt.Sprintf("%.1f%%", cursor.Progress),
	}).Info("Backfill starting")

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		if cursor.Done() {
			e.markDone()
			e.log.Info("Backfill reached horizon")
			return
		}

		windowEnd := cursor.Current
		windowStart := windowEnd.Add(-e.cfg.Step)
		if windowStart.Before(cursor.Target) {
			windowStart = cursor.Target
		}

		trades, err := e.processWindow(windowStart, windowEnd)
		if err != nil {
			return
		}

		cursor.Current = windowStart
		cursor.Progress = cursor.progressPct()
		e.setCursor(cursor)
		e.persistCursor(e.ctx, cursor)
		e.bumpPage(uint64(len(trades)))

		if e.cfg.PageDelay > 0 && !e.sleep(e.cfg.PageDelay) {
			return
		}
	}
}

// processWindow fetches one page of history and ingests it, all under one
// span so slow venues and fat pages show up in traces. A nil error means the
// walk may advance past this window.
func (e *Engine) processWindow(windowStart, windowEnd time.Time) ([]models.Trade, error) {
	ctx, span := e.tracer.Start(e.ctx, "backfill.page", trace.WithAttributes(
		attribute.String("venue", e.cfg.History.Name()),
		attribute.String("symbol", e.cfg.Symbol),
		attribute.String("market", string(e.cfg.Market)),
		attribute.String("window.start", windowStart.Format(time.RFC3339)),
		attribute.String("window.end", windowEnd.Format(time.RFC3339)),
	))
	defer span.End()

	if err := e.cfg.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	trades, err := e.cfg.History.FetchTrades(ctx, e.cfg.Market, e.cfg.Symbol, windowStart, windowEnd, e.cfg.PageLimit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		span.RecordError(err)
		e.cfg.Limiter.ReportError(err)
		e.cfg.Health.HandleFailure(e.component, err)
		e.noteError(err)
		e.log.WithError(err).Error("Backfill fetch failed, terminating walk")
		return nil, err
	}
	e.cfg.Limiter.ReportSuccess()
	span.SetAttributes(attribute.Int("trades", len(trades)))

	if len(trades) > 0 {
		e.ingestPage(ctx, trades)
	}
	return trades, nil
}

// ingestPage buffers raw trades toward the batch threshold and rebuilds bars
// for the page. Flushing the aggregators once per page empties them: every
// historical bucket is already in the past, so nothing stays open to collide
// with the next, older window.
func (e *Engine) ingestPage(ctx context.Context, trades []models.Trade) {
	e.mu.Lock()
	e.buffer = append(e.buffer, trades...)
	flush := len(e.buffer) >= e.cfg.BatchSize
	e.mu.Unlock()

	if flush {
		e.flushBuffer(ctx)
	}

	var bars []models.Bar
	for _, agg := range e.aggregators {
		for _, t := range trades {
			if closed, ok := agg.ProcessTrade(t); ok {
				bars = append(bars, closed)
			}
		}
		bars = append(bars, agg.FlushAll()...)
	}
	if len(bars) == 0 {
		return
	}
	if err := e.cfg.Sink.AppendBars(ctx, bars); err != nil {
		e.log.WithError(err).Error("Historical bar write failed")
		e.cfg.Health.HandleFailure(e.component, err)
	}
}

// flushBuffer drains the trade buffer through concurrent chunked writes.
func (e *Engine) flushBuffer(ctx context.Context) {
	e.mu.Lock()
	buf := e.buffer
	e.buffer = nil
	e.mu.Unlock()
	if len(buf) == 0 {
		return
	}

	chunkSize := (len(buf) + flushFanOut - 1) / flushFanOut
	var wg sync.WaitGroup
	errs := make([]error, 0, flushFanOut)
	var errMu sync.Mutex

	for start := 0; start < len(buf); start += chunkSize {
		end := start + chunkSize
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[start:end]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.cfg.Sink.AppendTrades(ctx, chunk); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.log.WithError(err).WithField("trades", len(buf)).Error("Trade batch write failed")
		e.cfg.Health.HandleFailure(e.component, err)
	}
}

// finish drains whatever the walk buffered before it stopped. The engine's
// own context may already be cancelled, so the drain runs on a short
// detached one.
func (e *Engine) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	e.flushBuffer(ctx)

	var bars []models.Bar
	for _, agg := range e.aggregators {
		bars = append(bars, agg.FlushAll()...)
	}
	if len(bars) > 0 {
		if err := e.cfg.Sink.AppendBars(ctx, bars); err != nil {
			e.log.WithError(err).Error("Final bar write failed")
		}
	}

	e.mu.Lock()
	cursor := e.cursor
	e.running = false
	e.mu.Unlock()
	if !cursor.Started.IsZero() {
		e.persistCursor(ctx, cursor)
	}
}

// loadCursor resumes from the persisted cursor when one exists and starts a
// fresh walk from now back to the horizon otherwise.
func (e *Engine) loadCursor() Cursor {
	var cursor Cursor
	found, err := e.cfg.State.Get(e.ctx, e.key, &cursor)
	if err != nil {
		e.log.WithError(err).Warn("Cursor load failed, starting fresh walk")
		e.cfg.Health.HandleFailure(e.component, err)
	}
	if found && err == nil && !cursor.Current.IsZero() {
		e.log.WithField("current", cursor.Current).Info("Resuming from persisted cursor")
		return cursor
	}

	// Anchor on a bucket boundary of the coarsest resolution so window edges
	// never split a bucket across two pages; the live stream owns the
	// in-progress bucket anyway.
	now := time.Now().UTC()
	if res := e.maxResolution(); res > 0 {
		now = models.BucketStart(now, res)
	}
	return Cursor{
		Symbol:  e.cfg.Symbol,
		Market:  e.cfg.Market,
		Started: now,
		Current: now,
		Target:  now.Add(-e.cfg.Horizon),
	}
}

func (e *Engine) maxResolution() int {
	max := 0
	for _, res := range e.cfg.Resolutions {
		if res > max {
			max = res
		}
	}
	return max
}

func (e *Engine) persistCursor(ctx context.Context, cursor Cursor) {
	if err := e.cfg.State.Set(ctx, e.key, cursor, e.cfg.StateTTL); err != nil {
		e.log.WithError(err).Warn("Cursor persist failed")
		e.cfg.Health.HandleFailure(e.component, err)
	}
}

func (e *Engine) setCursor(cursor Cursor) {
	e.mu.Lock()
	e.cursor = cursor
	e.mu.Unlock()
}

func (e *Engine) markDone() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
}

func (e *Engine) bumpPage(trades uint64) {
	e.mu.Lock()
	e.pages++
	e.trades += trades
	e.mu.Unlock()
}

func (e *Engine) noteError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.ctx.Done():
		return false
	}
}
