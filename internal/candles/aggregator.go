package candles

import (
	"math"
	"sync"
	"time"

	"github.com/quarve/tickstream-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Aggregator folds trades into OHLCV bars at a single resolution. The
// collector runs one aggregator per configured resolution and routes every
// trade through all of them; bars for different series never interact.
type Aggregator struct {
	mu          sync.Mutex
	resolution  int
	staleTTL    time.Duration
	logger      *logrus.Logger
	open        map[models.SeriesKey]*models.Bar
	droppedLate uint64
}

// NewAggregator creates an aggregator for one resolution in seconds. Bars
// whose last update is older than staleTTL get force-closed on the next
// flush even if their bucket has not elapsed.
func NewAggregator(resolution int, staleTTL time.Duration, logger *logrus.Logger) *Aggregator {
	if staleTTL <= 0 {
		staleTTL = 15 * time.Minute
	}

	return &Aggregator{
		resolution: resolution,
		staleTTL:   staleTTL,
		logger:     logger,
		open:       make(map[models.SeriesKey]*models.Bar),
	}
}

// Resolution returns the bar size in seconds.
func (a *Aggregator) Resolution() int {
	return a.resolution
}

// ProcessTrade merges one trade into its series. When the trade belongs to a
// later bucket than the open bar, the open bar is closed and returned with
// ok=true. Trades older than the open bar's bucket are dropped and counted;
// emitting a correction for an already-closed bar would corrupt downstream
// consumers that treat closed bars as final.
func (a *Aggregator) ProcessTrade(t models.Trade) (models.Bar, bool) {
	ts := t.Timestamp.UTC()
	key := t.SeriesKey()

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.open[key]
	if !ok {
		a.open[key] = a.newBar(t, ts)
		return models.Bar{}, false
	}

	end := cur.Start.Add(cur.Duration())
	if !ts.Before(end) {
		closed := *cur
		closed.End = end
		a.open[key] = a.newBar(t, ts)
		return closed, true
	}

	if ts.Before(cur.Start) {
		a.droppedLate++
		a.logger.WithFields(logrus.Fields{
			"series":     key.String(),
			"resolution": a.resolution,
			"trade_ts":   ts,
			"bar_start":  cur.Start,
		}).Debug("Dropping late trade for closed bucket")
		return models.Bar{}, false
	}

	cur.High = math.Max(cur.High, t.Price)
	cur.Low = math.Min(cur.Low, t.Price)
	cur.Close = t.Price
	cur.Volume += t.Size
	cur.TradeCount++
	if ts.After(cur.LastUpdate) {
		cur.LastUpdate = ts
	}
	return models.Bar{}, false
}

// FlushAll closes and returns every bar whose bucket has elapsed, plus bars
// that have gone stale because their series stopped trading. Still-active
// bars stay open.
func (a *Aggregator) FlushAll() []models.Bar {
	now := time.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []models.Bar
	for key, bar := range a.open {
		end := bar.Start.Add(bar.Duration())
		elapsed := !now.Before(end)
		stale := now.Sub(bar.LastUpdate) > a.staleTTL
		if !elapsed && !stale {
			continue
		}

		b := *bar
		b.End = end
		closed = append(closed, b)
		delete(a.open, key)

		if stale && !elapsed {
			a.logger.WithFields(logrus.Fields{
				"series":      key.String(),
				"resolution":  a.resolution,
				"last_update": bar.LastUpdate,
			}).Debug("Force-closing stale bar")
		}
	}
	return closed
}

// ActiveCount returns the number of series with an open bar.
func (a *Aggregator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// DroppedLate returns how many trades were discarded for arriving after
// their bucket closed.
func (a *Aggregator) DroppedLate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.droppedLate
}

func (a *Aggregator) newBar(t models.Trade, ts time.Time) *models.Bar {
	return &models.Bar{
		Venue:      t.Venue,
		Symbol:     t.Symbol,
		Market:     t.Market,
		Resolution: a.resolution,
		Start:      models.BucketStart(ts, a.resolution),
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Volume:     t.Size,
		TradeCount: 1,
		LastUpdate: ts,
	}
}
