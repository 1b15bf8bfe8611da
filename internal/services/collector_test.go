package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarve/tickstream-go/internal/config"
	"github.com/quarve/tickstream-go/internal/database"
	"github.com/quarve/tickstream-go/internal/health"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/quarve/tickstream-go/internal/ratelimit"
	"github.com/quarve/tickstream-go/internal/testutil"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type collectorDeps struct {
	store  *database.MarketStore
	mock   pgxmock.PgxPoolIface
	state  *database.StateStore
	health *health.Registry
	limits *ratelimit.Registry
	logger *logrus.Logger
}

func newCollectorDeps(t *testing.T) collectorDeps {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := testLogger()
	redisClient, _ := testutil.NewRedis(t)
	return collectorDeps{
		store:  database.NewMarketStore(mock, logger),
		mock:   mock,
		state:  database.NewStateStore(redisClient, logger),
		health: health.NewRegistry(health.Config{}, logger),
		limits: ratelimit.NewRegistry(ratelimit.Config{}, logger),
		logger: logger,
	}
}

func testConfig(venues ...config.VenueConfig) *config.Config {
	return &config.Config{
		MarketData: config.MarketDataConfig{
			Resolutions:   []int{60, 300},
			FlushInterval: "15s",
			StaleBarTTL:   "15m",
			Venues:        venues,
		},
		Backfill: config.BackfillConfig{
			Enabled:    true,
			Horizon:    "72h",
			WindowStep: "1h",
			PageLimit:  1000,
			BatchSize:  500,
			PageDelay:  "0s",
		},
		RateLimit: config.RateLimitConfig{DefaultRPM: 600},
	}
}

func TestNewCollectorBuildsTopology(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:              "binance",
		Markets:           []string{"spot", "usdt_futures"},
		Symbols:           []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		MaxSymbolsPerConn: 2,
		StreamRPM:         300,
		RestRPM:           1200,
		Backfill:          true,
	})

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	// Two symbol groups per market, two markets.
	assert.Len(t, c.clients, 4)
	// One engine per symbol per market.
	assert.Len(t, c.engines, 6)
	assert.Len(t, c.aggregators, 2)

	limiterStats := deps.limits.StatsAll()
	assert.Contains(t, limiterStats, "binance_stream")
	assert.Contains(t, limiterStats, "binance_rest")
	assert.Equal(t, 300, limiterStats["binance_stream"].BaseRPM)
	assert.Equal(t, 1200, limiterStats["binance_rest"].BaseRPM)

	status := c.GetStatus()
	assert.False(t, status.Running)
	assert.Len(t, status.Connections, 4)
	assert.Len(t, status.Backfills, 6)
	require.Len(t, status.Aggregators, 2)
	assert.Equal(t, 60, status.Aggregators[0].Resolution)
	assert.Equal(t, 300, status.Aggregators[1].Resolution)
}

func TestNewCollectorSkipsBackfillWhenDisabled(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:     "bybit",
		Markets:  []string{"spot"},
		Symbols:  []string{"BTCUSDT"},
		Backfill: true,
	})
	cfg.Backfill.Enabled = false

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)
	assert.Len(t, c.clients, 1)
	assert.Empty(t, c.engines)
}

func TestNewCollectorRejectsUnknownVenue(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "krakenx",
		Markets: []string{"spot"},
		Symbols: []string{"BTCUSDT"},
	})

	_, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "krakenx")
}

func TestNewCollectorRejectsUnsupportedMarket(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "binance",
		Markets: []string{"usdc_futures"},
		Symbols: []string{"BTCUSDC"},
	})

	_, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usdc_futures")
}

func TestCollectorFlushWritesClosedBars(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "binance",
		Markets: []string{"spot"},
		Symbols: []string{"BTCUSDT"},
	})

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	// A trade two minutes in the past lands in an already-elapsed bucket,
	// so the next flush closes it at every resolution.
	trade := models.Trade{
		Venue:     "binance",
		Symbol:    "BTCUSDT",
		Market:    models.MarketSpot,
		Price:     100,
		Size:      1,
		Side:      models.SideBuy,
		Timestamp: time.Now().UTC().Add(-2 * time.Minute),
		TradeID:   "t1",
	}
	for _, agg := range c.aggregators {
		_, closed := agg.ProcessTrade(trade)
		assert.False(t, closed)
	}

	eb := deps.mock.ExpectBatch()
	for range c.aggregators {
		eb.ExpectExec("INSERT INTO bars").WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	c.flushAggregators(context.Background())

	require.NoError(t, deps.mock.ExpectationsWereMet())
	for _, agg := range c.aggregators {
		assert.Zero(t, agg.ActiveCount())
	}
}

func TestCollectorFlushFailureReportsHealth(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "binance",
		Markets: []string{"spot"},
		Symbols: []string{"BTCUSDT"},
	})

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	trade := models.Trade{
		Venue:     "binance",
		Symbol:    "BTCUSDT",
		Market:    models.MarketSpot,
		Price:     100,
		Size:      1,
		Side:      models.SideBuy,
		Timestamp: time.Now().UTC().Add(-2 * time.Minute),
		TradeID:   "t1",
	}
	c.aggregators[0].ProcessTrade(trade)
	c.aggregators[1].ProcessTrade(trade)

	eb := deps.mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO bars").WithArgs(
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(),
	).WillReturnError(assert.AnError)

	c.flushAggregators(context.Background())

	storage, ok := deps.health.Status("storage")
	require.True(t, ok)
	assert.GreaterOrEqual(t, storage.WindowFailures, 1)
}

func TestCollectorTradeCounts(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "binance",
		Markets: []string{"spot"},
		Symbols: []string{"BTCUSDT"},
	})

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	deps.mock.ExpectQuery("SELECT COUNT").
		WithArgs("binance").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(9)))

	assert.Equal(t, map[string]int64{"binance": 9}, c.TradeCounts(context.Background()))
	require.NoError(t, deps.mock.ExpectationsWereMet())
}

func TestCollectorTradeCountsQueryFailure(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig(config.VenueConfig{
		Name:    "binance",
		Markets: []string{"spot"},
		Symbols: []string{"BTCUSDT"},
	})

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	deps.mock.ExpectQuery("SELECT COUNT").
		WithArgs("binance").
		WillReturnError(assert.AnError)

	assert.Equal(t, map[string]int64{"binance": -1}, c.TradeCounts(context.Background()))
}

func TestCollectorStopPersistsSnapshot(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig() // no venues, just the flush loop

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	runID := c.GetStatus().RunID
	require.NotEmpty(t, runID)

	c.Stop()

	var snap shutdownSnapshot
	found, err := deps.state.Get(context.Background(), snapshotKey, &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, runID, snap.RunID)
	assert.False(t, snap.StoppedAt.IsZero())
	assert.False(t, c.GetStatus().Running)
}

func TestCollectorStartTwice(t *testing.T) {
	deps := newCollectorDeps(t)
	cfg := testConfig()

	c, err := NewCollector(cfg, deps.store, deps.state, deps.health, deps.limits, deps.logger)
	require.NoError(t, err)

	require.NoError(t, c.Start())
	assert.Error(t, c.Start())
	c.Stop()
	c.Stop() // idempotent
}

func TestChunkSymbols(t *testing.T) {
	symbols := []string{"A", "B", "C", "D", "E"}

	tests := []struct {
		name string
		size int
		want [][]string
	}{
		{"zero keeps one group", 0, [][]string{{"A", "B", "C", "D", "E"}}},
		{"larger than input", 10, [][]string{{"A", "B", "C", "D", "E"}}},
		{"even split", 5, [][]string{{"A", "B", "C", "D", "E"}}},
		{"remainder group", 2, [][]string{{"A", "B"}, {"C", "D"}, {"E"}}},
		{"single", 1, [][]string{{"A"}, {"B"}, {"C"}, {"D"}, {"E"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkSymbols(symbols, tt.size))
		})
	}
}
