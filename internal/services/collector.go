package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarve/tickstream-go/internal/backfill"
	"github.com/quarve/tickstream-go/internal/candles"
	"github.com/quarve/tickstream-go/internal/config"
	"github.com/quarve/tickstream-go/internal/database"
	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/stream"
	"github.com/quarve/tickstream-go/internal/telemetry"
	"github.com/quarve/tickstream-go/internal/venue"
)

const (
	// shutdownTimeout bounds how long Stop waits for stream clients and
	// backfill engines to drain before abandoning them.
	shutdownTimeout = 15 * time.Second

	// snapshotKey is where the shutdown snapshot lands in the state store.
	snapshotKey = "collector:last_run"

	snapshotTTL = 7 * 24 * time.Hour
)

// Collector composes the ingestion pipeline for every configured venue: one
// stream client per symbol group and market, one backfill engine per symbol
// and market, one shared aggregator per resolution, and the periodic flush
// that turns open bars into storage writes.
type Collector struct {
	cfg    *config.Config
	store  *database.MarketStore
	state  *database.StateStore
	health *health.Registry
	limits *ratelimit.Registry
	logger *logrus.Logger
	log    *logrus.Entry
	tracer trace.Tracer

	aggregators []*candles.Aggregator
	clients     []*stream.Client
	engines     []*backfill.Engine
	venueNames  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	runID     string
	startedAt time.Time
}

// Status is the collector-wide snapshot exposed to the status API.
type Status struct {
	Running     bool                     `json:"running"`
	RunID       string                   `json:"run_id,omitempty"`
	StartedAt   time.Time                `json:"started_at,omitempty"`
	Uptime      string                   `json:"uptime,omitempty"`
	Connections []stream.ConnectionStats `json:"connections"`
	Backfills   []backfill.Status        `json:"backfills"`
	Aggregators []AggregatorStatus       `json:"aggregators"`
}

// AggregatorStatus reports one resolution's open-bar population.
type AggregatorStatus struct {
	Resolution  int    `json:"resolution"`
	ActiveBars  int    `json:"active_bars"`
	DroppedLate uint64 `json:"dropped_late"`
}

type shutdownSnapshot struct {
	RunID       string                   `json:"run_id"`
	StartedAt   time.Time                `json:"started_at"`
	StoppedAt   time.Time                `json:"stopped_at"`
	Connections []stream.ConnectionStats `json:"connections"`
	Backfills   []backfill.Status        `json:"backfills"`
}

// NewCollector builds the full pipeline topology from config. Misconfigured
// venues or markets fail here, before anything connects.
func NewCollector(
	cfg *config.Config,
	store *database.MarketStore,
	state *database.StateStore,
	healthReg *health.Registry,
	limits *ratelimit.Registry,
	logger *logrus.Logger,
) (*Collector, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		cfg:    cfg,
		store:  store,
		state:  state,
		health: healthReg,
		limits: limits,
		logger: logger,
		log:    logger.WithField("component", "collector"),
		tracer: telemetry.Tracer("collector"),
		ctx:    ctx,
		cancel: cancel,
	}

	staleTTL := config.Duration(cfg.MarketData.StaleBarTTL, 15*time.Minute)
	for _, res := range cfg.MarketData.Resolutions {
		c.aggregators = append(c.aggregators, candles.NewAggregator(res, staleTTL, logger))
	}

	for _, vc := range cfg.MarketData.Venues {
		if err := c.addVenue(vc); err != nil {
			cancel()
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
	}
	return c, nil
}

// addVenue fans one venue config out into stream clients and backfill
// engines.
func (c *Collector) addVenue(vc config.VenueConfig) error {
	adapter, err := venue.New(vc.Name, c.logger)
	if err != nil {
		return err
	}
	c.venueNames = append(c.venueNames, adapter.Name())

	streamRPM := vc.StreamRPM
	if streamRPM <= 0 {
		streamRPM = c.cfg.RateLimit.DefaultRPM
	}
	restRPM := vc.RestRPM
	if restRPM <= 0 {
		restRPM = c.cfg.RateLimit.DefaultRPM
	}
	streamLimiter := c.limits.GetOrCreate(adapter.Name()+"_stream", streamRPM)
	restLimiter := c.limits.GetOrCreate(adapter.Name()+"_rest", restRPM)

	backfillEnabled := vc.Backfill && c.cfg.Backfill.Enabled
	var history venue.HistoryClient
	if backfillEnabled {
		if history, err = venue.NewHistory(vc.Name, c.logger); err != nil {
			return err
		}
	}

	silence := config.Duration(c.cfg.MarketData.SilenceTimeout, 0)
	for _, marketName := range vc.Markets {
		market, err := models.ParseMarketType(marketName)
		if err != nil {
			return err
		}

		for _, group := range chunkSymbols(vc.Symbols, vc.MaxSymbolsPerConn) {
			client, err := stream.New(stream.Config{
				Adapter:        adapter,
				Market:         market,
				Symbols:        group,
				Sink:           c.store,
				Aggregators:    c.aggregators,
				Limiter:        streamLimiter,
				Health:         c.health,
				Logger:         c.logger,
				SilenceTimeout: silence,
			})
			if err != nil {
				return err
			}
			c.clients = append(c.clients, client)
		}

		if !backfillEnabled {
			continue
		}
		for _, symbol := range vc.Symbols {
			engine, err := backfill.New(backfill.Config{
				History:     history,
				Market:      market,
				Symbol:      symbol,
				Sink:        c.store,
				State:       c.state,
				Limiter:     restLimiter,
				Health:      c.health,
				Logger:      c.logger,
				Resolutions: c.cfg.MarketData.Resolutions,
				Horizon:     config.Duration(c.cfg.Backfill.Horizon, 0),
				Step:        config.Duration(c.cfg.Backfill.WindowStep, 0),
				PageLimit:   c.cfg.Backfill.PageLimit,
				BatchSize:   c.cfg.Backfill.BatchSize,
				PageDelay:   config.Duration(c.cfg.Backfill.PageDelay, 250*time.Millisecond),
			})
			if err != nil {
				return err
			}
			c.engines = append(c.engines, engine)
		}
	}
	return nil
}

// Start registers venues, launches every stream client and backfill engine,
// and begins the periodic flush loop.
func (c *Collector) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.runID = uuid.New().String()
	c.startedAt = time.Now().UTC()
	runID := c.runID
	c.mu.Unlock()

	for _, name := range c.venueNames {
		if err := c.store.EnsureVenue(c.ctx, name); err != nil {
			c.log.WithError(err).WithField("venue", name).Warn("Venue registration failed")
			c.health.HandleFailure(stream.StorageComponent, err)
		}
	}

	for _, client := range c.clients {
		if err := client.Start(); err != nil {
			return err
		}
	}
	for _, engine := range c.engines {
		if err := engine.Start(); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.flushLoop()

	c.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"connections": len(c.clients),
		"backfills":   len(c.engines),
		"resolutions": len(c.aggregators),
	}).Info("Collector started")
	return nil
}

// Stop drains the pipeline: cancels every owned task, waits up to the
// shutdown timeout, runs one final flush, and persists a run snapshot.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.log.Info("Stopping collector")
	c.cancel()

	done := make(chan struct{})
	go func() {
		for _, client := range c.clients {
			client.Stop()
		}
		for _, engine := range c.engines {
			engine.Stop()
		}
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		c.log.Warn("Shutdown timeout exceeded, abandoning remaining tasks")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.flushAggregators(ctx)
	c.persistSnapshot(ctx)
	c.log.Info("Collector stopped")
}

// GetStatus assembles the pipeline-wide snapshot.
func (c *Collector) GetStatus() Status {
	c.mu.Lock()
	status := Status{
		Running:   c.running,
		RunID:     c.runID,
		StartedAt: c.startedAt,
	}
	if c.running {
		status.Uptime = time.Since(c.startedAt).Round(time.Second).String()
	}
	c.mu.Unlock()

	status.Connections = c.GetConnectionStats()
	status.Backfills = c.BackfillStatus()
	for _, agg := range c.aggregators {
		status.Aggregators = append(status.Aggregators, AggregatorStatus{
			Resolution:  agg.Resolution(),
			ActiveBars:  agg.ActiveCount(),
			DroppedLate: agg.DroppedLate(),
		})
	}
	return status
}

// GetConnectionStats snapshots every stream client.
func (c *Collector) GetConnectionStats() []stream.ConnectionStats {
	stats := make([]stream.ConnectionStats, 0, len(c.clients))
	for _, client := range c.clients {
		stats = append(stats, client.Stats())
	}
	return stats
}

// BackfillStatus snapshots every backfill engine.
func (c *Collector) BackfillStatus() []backfill.Status {
	statuses := make([]backfill.Status, 0, len(c.engines))
	for _, engine := range c.engines {
		statuses = append(statuses, engine.Status())
	}
	return statuses
}

// TradeCounts reports stored trade rows per venue. Venues whose count query
// fails are reported as -1 rather than failing the whole snapshot.
func (c *Collector) TradeCounts(ctx context.Context) map[string]int64 {
	counts := make(map[string]int64, len(c.venueNames))
	for _, name := range c.venueNames {
		count, err := c.store.TradeCount(ctx, name)
		if err != nil {
			c.log.WithError(err).WithField("venue", name).Warn("Trade count query failed")
			counts[name] = -1
			continue
		}
		counts[name] = count
	}
	return counts
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	interval := config.Duration(c.cfg.MarketData.FlushInterval, 15*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushAggregators(c.ctx)
		}
	}
}

// flushAggregators closes elapsed and stale bars across every resolution and
// writes them out in one batch.
func (c *Collector) flushAggregators(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "collector.flush")
	defer span.End()

	var bars []models.Bar
	for _, agg := range c.aggregators {
		bars = append(bars, agg.FlushAll()...)
	}
	span.SetAttributes(attribute.Int("bars", len(bars)))
	if len(bars) == 0 {
		return
	}
	if err := c.store.AppendBars(ctx, bars); err != nil {
		span.RecordError(err)
		c.log.WithError(err).WithField("bars", len(bars)).Error("Aggregator flush failed")
		c.health.HandleFailure(stream.StorageComponent, err)
		return
	}
	c.log.WithField("bars", len(bars)).Debug("Flushed closed bars")
}

func (c *Collector) persistSnapshot(ctx context.Context) {
	c.mu.Lock()
	snapshot := shutdownSnapshot{
		RunID:     c.runID,
		StartedAt: c.startedAt,
		StoppedAt: time.Now().UTC(),
	}
	c.mu.Unlock()
	snapshot.Connections = c.GetConnectionStats()
	snapshot.Backfills = c.BackfillStatus()

	if err := c.state.Set(ctx, snapshotKey, snapshot, snapshotTTL); err != nil {
		c.log.WithError(err).Warn("Shutdown snapshot persist failed")
	}
}

// chunkSymbols splits symbols into connection groups of at most size. A
// non-positive size keeps every symbol on one connection.
func chunkSymbols(symbols []string, size int) [][]string {
	if size <= 0 || size >= len(symbols) {
		return [][]string{symbols}
	}
	var groups [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[start:end])
	}
	return groups
}
