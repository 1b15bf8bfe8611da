package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarve/tickstream-go/internal/config"
	"github.com/quarve/tickstream-go/internal/database"
	"github.com/quarve/tickstream-go/internal/health"
)

const retentionComponent = "retention"

// RetentionService deletes trades and bars past their configured age on a
// fixed schedule. Deletes run in bounded batches so a large backlog never
// holds long row locks.
type RetentionService struct {
	cfg    config.RetentionConfig
	store  *database.MarketStore
	health *health.Registry
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetention creates the retention service. Call Start to begin the sweep
// schedule.
func NewRetention(cfg config.RetentionConfig, store *database.MarketStore, healthReg *health.Registry, logger *logrus.Logger) *RetentionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionService{
		cfg:    cfg,
		store:  store,
		health: healthReg,
		log:    logger.WithField("component", retentionComponent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs one immediate sweep and then repeats at the configured
// interval. Disabled retention logs and returns without scheduling anything.
func (r *RetentionService) Start() {
	if !r.cfg.Enabled {
		r.log.Info("Retention disabled, old rows will accumulate")
		return
	}

	interval := config.Duration(r.cfg.Interval, time.Hour)
	r.log.WithFields(logrus.Fields{
		"interval":      interval,
		"trade_max_age": config.Duration(r.cfg.TradeMaxAge, defaultTradeMaxAge),
		"bar_max_age":   config.Duration(r.cfg.BarMaxAge, defaultBarMaxAge),
	}).Info("Starting retention sweeps")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.runSweep(r.ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.runSweep(r.ctx)
			}
		}
	}()
}

// Stop halts the schedule and waits for an in-flight sweep to finish its
// current batch.
func (r *RetentionService) Stop() {
	r.cancel()
	r.wg.Wait()
}

// RunSweep performs one on-demand sweep outside the schedule.
func (r *RetentionService) RunSweep(ctx context.Context) {
	r.runSweep(ctx)
}

const (
	defaultTradeMaxAge  = 7 * 24 * time.Hour
	defaultBarMaxAge    = 90 * 24 * time.Hour
	defaultDeleteBatch  = 10000
	retentionBatchPause = 100 * time.Millisecond
)

func (r *RetentionService) runSweep(ctx context.Context) {
	tradeCutoff := time.Now().UTC().Add(-config.Duration(r.cfg.TradeMaxAge, defaultTradeMaxAge))
	barCutoff := time.Now().UTC().Add(-config.Duration(r.cfg.BarMaxAge, defaultBarMaxAge))

	trades := r.sweepTable(ctx, "trades", tradeCutoff, r.store.DeleteTradesBefore)
	bars := r.sweepTable(ctx, "bars", barCutoff, r.store.DeleteBarsBefore)

	if trades > 0 || bars > 0 {
		r.log.WithFields(logrus.Fields{
			"trades": trades,
			"bars":   bars,
		}).Info("Retention sweep removed old rows")
	}
}

// sweepTable deletes in batches until the table has nothing older than the
// cutoff. The pause between batches keeps the sweep from starving ingest
// writes.
func (r *RetentionService) sweepTable(
	ctx context.Context,
	table string,
	cutoff time.Time,
	deleteBatch func(context.Context, time.Time, int) (int64, error),
) int64 {
	batch := r.cfg.DeleteBatches
	if batch <= 0 {
		batch = defaultDeleteBatch
	}

	var total int64
	for {
		if ctx.Err() != nil {
			return total
		}
		deleted, err := deleteBatch(ctx, cutoff, batch)
		if err != nil {
			r.log.WithError(err).WithField("table", table).Error("Retention delete failed")
			r.health.HandleFailure(retentionComponent, err)
			return total
		}
		total += deleted
		if deleted < int64(batch) {
			r.health.HandleSuccess(retentionComponent)
			return total
		}

		select {
		case <-ctx.Done():
			return total
		case <-time.After(retentionBatchPause):
		}
	}
}
