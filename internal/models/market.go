package models

import (
	"fmt"
	"strings"
	"time"
)

// MarketType identifies the contract class a trade or bar belongs to.
type MarketType string

const (
	MarketSpot        MarketType = "spot"
	MarketUSDTFutures MarketType = "usdt_futures"
	MarketCoinFutures MarketType = "coin_futures"
	MarketUSDCFutures MarketType = "usdc_futures"
)

// ParseMarketType normalizes a config or wire value into a MarketType.
func ParseMarketType(s string) (MarketType, error) {
	switch MarketType(strings.ToLower(strings.TrimSpace(s))) {
	case MarketSpot:
		return MarketSpot, nil
	case MarketUSDTFutures:
		return MarketUSDTFutures, nil
	case MarketCoinFutures:
		return MarketCoinFutures, nil
	case MarketUSDCFutures:
		return MarketUSDCFutures, nil
	default:
		return "", fmt.Errorf("unknown market type: %q", s)
	}
}

func (m MarketType) String() string {
	return string(m)
}

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SeriesKey identifies one instrument series across the pipeline. It is the
// aggregation key: one open bar exists per SeriesKey and resolution.
type SeriesKey struct {
	Venue  string     `json:"venue"`
	Symbol string     `json:"symbol"`
	Market MarketType `json:"market"`
}

func (k SeriesKey) String() string {
	return k.Venue + ":" + k.Symbol + ":" + string(k.Market)
}

// Trade represents a single executed trade as reported by a venue. Values are
// immutable once parsed; timestamps are always UTC.
type Trade struct {
	Venue     string     `json:"venue" db:"venue"`
	Symbol    string     `json:"symbol" db:"symbol"`
	Market    MarketType `json:"market" db:"market"`
	Price     float64    `json:"price" db:"price"`
	Size      float64    `json:"size" db:"size"`
	Side      Side       `json:"side" db:"side"`
	Timestamp time.Time  `json:"timestamp" db:"ts"`
	TradeID   string     `json:"trade_id" db:"trade_id"`
}

func (t Trade) SeriesKey() SeriesKey {
	return SeriesKey{Venue: t.Venue, Symbol: t.Symbol, Market: t.Market}
}

// Bar is an OHLCV candle over a fixed resolution. Start is aligned to the
// resolution boundary; End stays zero until the bar closes.
type Bar struct {
	Venue      string     `json:"venue" db:"venue"`
	Symbol     string     `json:"symbol" db:"symbol"`
	Market     MarketType `json:"market" db:"market"`
	Resolution int        `json:"resolution" db:"resolution"`
	Start      time.Time  `json:"start" db:"start_ts"`
	End        time.Time  `json:"end,omitempty" db:"end_ts"`
	Open       float64    `json:"open" db:"open"`
	High       float64    `json:"high" db:"high"`
	Low        float64    `json:"low" db:"low"`
	Close      float64    `json:"close" db:"close"`
	Volume     float64    `json:"volume" db:"volume"`
	TradeCount uint64     `json:"trade_count" db:"trade_count"`
	LastUpdate time.Time  `json:"last_update" db:"last_update"`
}

func (b Bar) SeriesKey() SeriesKey {
	return SeriesKey{Venue: b.Venue, Symbol: b.Symbol, Market: b.Market}
}

// Closed reports whether the bar has been finalized.
func (b Bar) Closed() bool {
	return !b.End.IsZero()
}

// Duration returns the bar resolution as a time.Duration.
func (b Bar) Duration() time.Duration {
	return time.Duration(b.Resolution) * time.Second
}

// BucketStart floors ts to the open boundary of the resolution bucket that
// contains it, in UTC.
func BucketStart(ts time.Time, resolution int) time.Time {
	return ts.UTC().Truncate(time.Duration(resolution) * time.Second)
}
