package candles

import (
	"io"
	"testing"
	"time"

	"github.com/quarve/tickstream-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func trade(symbol string, price, size float64, ts time.Time) models.Trade {
	return models.Trade{
		Venue:     "binance",
		Symbol:    symbol,
		Market:    models.MarketSpot,
		Price:     price,
		Size:      size,
		Side:      models.SideBuy,
		Timestamp: ts,
		TradeID:   "1",
	}
}

func TestFirstTradeOpensBar(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	ts := time.Date(2024, 3, 1, 10, 0, 17, 0, time.UTC)

	_, closed := a.ProcessTrade(trade("BTCUSDT", 50000, 0.5, ts))

	assert.False(t, closed)
	assert.Equal(t, 1, a.ActiveCount())
}

func TestMergeAndRollover(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a.ProcessTrade(trade("BTCUSDT", 50000, 0.5, base.Add(5*time.Second)))
	a.ProcessTrade(trade("BTCUSDT", 50100, 0.2, base.Add(20*time.Second)))
	a.ProcessTrade(trade("BTCUSDT", 49900, 1.0, base.Add(40*time.Second)))
	a.ProcessTrade(trade("BTCUSDT", 50050, 0.3, base.Add(59*time.Second)))

	// The first trade of the next bucket closes the open bar.
	bar, closed := a.ProcessTrade(trade("BTCUSDT", 50200, 0.1, base.Add(61*time.Second)))
	require.True(t, closed)

	assert.Equal(t, base, bar.Start)
	assert.Equal(t, base.Add(time.Minute), bar.End)
	assert.True(t, bar.Closed())
	assert.Equal(t, 50000.0, bar.Open)
	assert.Equal(t, 50100.0, bar.High)
	assert.Equal(t, 49900.0, bar.Low)
	assert.Equal(t, 50050.0, bar.Close)
	assert.InDelta(t, 2.0, bar.Volume, 1e-9)
	assert.Equal(t, uint64(4), bar.TradeCount)

	// The rollover trade opened a fresh bar.
	assert.Equal(t, 1, a.ActiveCount())
}

func TestLateTradeDropped(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	base := time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, base.Add(10*time.Second)))

	// A print from the previous minute arrives after its bucket closed.
	_, closed := a.ProcessTrade(trade("BTCUSDT", 49000, 2.0, base.Add(-30*time.Second)))

	assert.False(t, closed)
	assert.Equal(t, uint64(1), a.DroppedLate())

	// The open bar must be untouched by the dropped trade.
	bar, ok := a.ProcessTrade(trade("BTCUSDT", 50010, 0.1, base.Add(70*time.Second)))
	require.True(t, ok)
	assert.Equal(t, 50000.0, bar.Low)
	assert.Equal(t, uint64(1), bar.TradeCount)
	assert.InDelta(t, 1.0, bar.Volume, 1e-9)
}

func TestOutOfOrderWithinBucket(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, base.Add(30*time.Second)))
	// A slightly earlier print from the same bucket still merges.
	a.ProcessTrade(trade("BTCUSDT", 49950, 0.5, base.Add(25*time.Second)))

	assert.Equal(t, uint64(0), a.DroppedLate())

	bar, ok := a.ProcessTrade(trade("BTCUSDT", 50001, 0.1, base.Add(61*time.Second)))
	require.True(t, ok)
	assert.Equal(t, uint64(2), bar.TradeCount)
	assert.Equal(t, 49950.0, bar.Low)
	assert.Equal(t, base.Add(30*time.Second), bar.LastUpdate)
}

func TestFlushElapsedBar(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	old := time.Now().UTC().Add(-5 * time.Minute)

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, old))

	bars := a.FlushAll()
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Closed())
	assert.Equal(t, models.BucketStart(old, 60), bars[0].Start)
	assert.Equal(t, 0, a.ActiveCount())
}

func TestFlushStaleBar(t *testing.T) {
	// Hour bars with a tiny staleness TTL: the bucket has not elapsed but the
	// series has gone quiet, so the flush must force-close it.
	a := NewAggregator(3600, 10*time.Millisecond, testLogger())

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, time.Now().UTC()))
	time.Sleep(20 * time.Millisecond)

	bars := a.FlushAll()
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Closed())
	assert.Equal(t, 0, a.ActiveCount())
}

func TestFlushKeepsActiveBar(t *testing.T) {
	a := NewAggregator(3600, 15*time.Minute, testLogger())

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, time.Now().UTC()))

	assert.Empty(t, a.FlushAll())
	assert.Equal(t, 1, a.ActiveCount())
}

func TestSeriesTrackedIndependently(t *testing.T) {
	a := NewAggregator(60, 15*time.Minute, testLogger())
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, base.Add(10*time.Second)))
	a.ProcessTrade(trade("ETHUSDT", 3000, 5.0, base.Add(12*time.Second)))

	other := models.Trade{
		Venue: "bybit", Symbol: "BTCUSDT", Market: models.MarketSpot,
		Price: 50010, Size: 0.2, Side: models.SideSell,
		Timestamp: base.Add(15 * time.Second), TradeID: "2",
	}
	a.ProcessTrade(other)

	assert.Equal(t, 3, a.ActiveCount())

	// Rolling over one series leaves the others open.
	bar, closed := a.ProcessTrade(trade("BTCUSDT", 50100, 0.1, base.Add(70*time.Second)))
	require.True(t, closed)
	assert.Equal(t, "binance", bar.Venue)
	assert.Equal(t, 3, a.ActiveCount())
}

func TestResolutionBoundaries(t *testing.T) {
	a := NewAggregator(300, 15*time.Minute, testLogger())
	ts := time.Date(2024, 3, 1, 10, 7, 33, 0, time.UTC)

	a.ProcessTrade(trade("BTCUSDT", 50000, 1.0, ts))

	bar, closed := a.ProcessTrade(trade("BTCUSDT", 50001, 1.0, ts.Add(5*time.Minute)))
	require.True(t, closed)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), bar.Start)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC), bar.End)
}
