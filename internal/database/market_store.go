package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quarve/tickstream-go/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Pool is the subset of pgxpool.Pool the stores use. It allows mock pools in
// tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertTradeSQL = `
	INSERT INTO trades (venue, symbol, market, price, size, side, ts, trade_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (venue, market, symbol, trade_id) DO NOTHING`

const upsertBarSQL = `
	INSERT INTO bars (venue, symbol, market, resolution, start_ts, end_ts,
		open, high, low, close, volume, trade_count, last_update)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (venue, symbol, market, resolution, start_ts) DO UPDATE SET
		end_ts = EXCLUDED.end_ts,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		trade_count = EXCLUDED.trade_count,
		last_update = EXCLUDED.last_update`

const upsertVenueSQL = `
	INSERT INTO venues (name, display_name)
	VALUES ($1, $2)
	ON CONFLICT (name) DO NOTHING`

// MarketStore persists trades and bars. Trade identity is
// (venue, market, symbol, trade_id); replays from reconnects and overlapping
// backfill windows dedupe on it. Bars upsert on their series key and start so
// a re-flushed bar overwrites itself.
type MarketStore struct {
	pool   Pool
	logger *logrus.Logger
	titler cases.Caser
}

func NewMarketStore(pool Pool, logger *logrus.Logger) *MarketStore {
	return &MarketStore{
		pool:   pool,
		logger: logger,
		titler: cases.Title(language.English),
	}
}

// EnsureVenue registers a venue row, deriving a display name from the config
// name.
func (s *MarketStore) EnsureVenue(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, upsertVenueSQL, name, s.titler.String(name)); err != nil {
		return fmt.Errorf("failed to ensure venue %s: %w", name, err)
	}
	return nil
}

// AppendTrade persists one trade.
func (s *MarketStore) AppendTrade(ctx context.Context, t models.Trade) error {
	_, err := s.pool.Exec(ctx, insertTradeSQL,
		t.Venue, t.Symbol, t.Market, t.Price, t.Size, t.Side, t.Timestamp, t.TradeID)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// AppendTrades persists a batch of trades in one round-trip.
func (s *MarketStore) AppendTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTradeSQL,
			t.Venue, t.Symbol, t.Market, t.Price, t.Size, t.Side, t.Timestamp, t.TradeID)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range trades {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert trade batch: %w", err)
		}
	}
	return br.Close()
}

// AppendBar persists one closed bar.
func (s *MarketStore) AppendBar(ctx context.Context, b models.Bar) error {
	_, err := s.pool.Exec(ctx, upsertBarSQL,
		b.Venue, b.Symbol, b.Market, b.Resolution, b.Start, b.End,
		b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.LastUpdate)
	if err != nil {
		return fmt.Errorf("failed to upsert bar: %w", err)
	}
	return nil
}

// AppendBars persists a batch of closed bars in one round-trip.
func (s *MarketStore) AppendBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertBarSQL,
			b.Venue, b.Symbol, b.Market, b.Resolution, b.Start, b.End,
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.LastUpdate)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range bars {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert bar batch: %w", err)
		}
	}
	return br.Close()
}

// DeleteTradesBefore removes trades older than cutoff, at most limit rows per
// call so retention never holds long row locks.
func (s *MarketStore) DeleteTradesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM trades WHERE ctid IN (
			SELECT ctid FROM trades WHERE ts < $1 LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBarsBefore removes closed bars older than cutoff, at most limit rows
// per call.
func (s *MarketStore) DeleteBarsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM bars WHERE ctid IN (
			SELECT ctid FROM bars WHERE start_ts < $1 LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old bars: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TradeCount returns the number of stored trades for one venue, used by the
// ops status endpoint.
func (s *MarketStore) TradeCount(ctx context.Context, venueName string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE venue = $1`, venueName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}
