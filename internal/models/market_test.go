package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarketType(t *testing.T) {
	cases := []struct {
		in   string
		want MarketType
	}{
		{"spot", MarketSpot},
		{"SPOT", MarketSpot},
		{" usdt_futures ", MarketUSDTFutures},
		{"coin_futures", MarketCoinFutures},
		{"usdc_futures", MarketUSDCFutures},
	}
	for _, tc := range cases {
		got, err := ParseMarketType(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseMarketType("margin")
	assert.Error(t, err)
	_, err = ParseMarketType("")
	assert.Error(t, err)
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2024, 3, 5, 0, 0, 37, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), BucketStart(ts, 60))

	ts = time.Date(2024, 3, 5, 14, 7, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 5, 0, 0, time.UTC), BucketStart(ts, 300))
	assert.Equal(t, time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC), BucketStart(ts, 3600))

	// Non-UTC input is normalized before alignment.
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 3, 5, 16, 7, 12, 0, loc)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC), BucketStart(local, 60))
}

func TestSeriesKey(t *testing.T) {
	tr := Trade{Venue: "binance", Symbol: "BTCUSDT", Market: MarketSpot}
	assert.Equal(t, SeriesKey{Venue: "binance", Symbol: "BTCUSDT", Market: MarketSpot}, tr.SeriesKey())
	assert.Equal(t, "binance:BTCUSDT:spot", tr.SeriesKey().String())

	b := Bar{Venue: "bybit", Symbol: "ETHUSDT", Market: MarketUSDTFutures}
	assert.Equal(t, "bybit:ETHUSDT:usdt_futures", b.SeriesKey().String())
}

func TestBarClosed(t *testing.T) {
	b := Bar{Start: time.Now().UTC()}
	assert.False(t, b.Closed())
	b.End = b.Start.Add(time.Minute)
	assert.True(t, b.Closed())
	assert.Equal(t, time.Minute, Bar{Resolution: 60}.Duration())
}
