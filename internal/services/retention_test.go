package services

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarve/tickstream-go/internal/config"
	"github.com/quarve/tickstream-go/internal/database"
	"github.com/quarve/tickstream-go/internal/health"
)

func newRetention(t *testing.T, cfg config.RetentionConfig) (*RetentionService, pgxmock.PgxPoolIface, *health.Registry) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	logger := testLogger()
	store := database.NewMarketStore(mock, logger)
	healthReg := health.NewRegistry(health.Config{}, logger)
	return NewRetention(cfg, store, healthReg, logger), mock, healthReg
}

func TestRetentionSweepBatchesUntilDrained(t *testing.T) {
	svc, mock, healthReg := newRetention(t, config.RetentionConfig{
		Enabled:       true,
		TradeMaxAge:   "24h",
		BarMaxAge:     "720h",
		DeleteBatches: 2,
	})

	// First trade batch comes back full, so the sweep keeps going until a
	// short batch signals the backlog is drained.
	mock.ExpectExec("DELETE FROM trades").
		WithArgs(pgxmock.AnyArg(), 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM trades").
		WithArgs(pgxmock.AnyArg(), 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM bars").
		WithArgs(pgxmock.AnyArg(), 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	svc.RunSweep(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
	status, ok := healthReg.Status(retentionComponent)
	require.True(t, ok)
	assert.Zero(t, status.WindowFailures)
}

func TestRetentionSweepReportsFailure(t *testing.T) {
	svc, mock, healthReg := newRetention(t, config.RetentionConfig{
		Enabled:       true,
		DeleteBatches: 100,
	})

	mock.ExpectExec("DELETE FROM trades").
		WithArgs(pgxmock.AnyArg(), 100).
		WillReturnError(assert.AnError)
	// The bar sweep still runs after the trade sweep fails.
	mock.ExpectExec("DELETE FROM bars").
		WithArgs(pgxmock.AnyArg(), 100).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	svc.RunSweep(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
	status, ok := healthReg.Status(retentionComponent)
	require.True(t, ok)
	assert.GreaterOrEqual(t, status.WindowFailures, 1)
}

func TestRetentionDisabledSchedulesNothing(t *testing.T) {
	svc, mock, _ := newRetention(t, config.RetentionConfig{Enabled: false})

	svc.Start()
	svc.Stop()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetentionStartRunsInitialSweep(t *testing.T) {
	svc, mock, _ := newRetention(t, config.RetentionConfig{
		Enabled:       true,
		Interval:      "1h",
		DeleteBatches: 1000,
	})

	mock.ExpectExec("DELETE FROM trades").
		WithArgs(pgxmock.AnyArg(), 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM bars").
		WithArgs(pgxmock.AnyArg(), 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	svc.Start()
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 3*time.Second, 10*time.Millisecond)
}
