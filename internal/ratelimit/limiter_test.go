package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type throttleErr struct{ code int }

func (e *throttleErr) Error() string  { return fmt.Sprintf("venue error %d", e.code) }
func (e *throttleErr) Throttle() bool { return true }

func TestAcquireWithinBudget(t *testing.T) {
	l := NewLimiter("binance:rest", 5, Config{Window: time.Minute}, testLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}

	stats := l.Stats()
	assert.Equal(t, 5, stats.InWindow)
	assert.Equal(t, 5, stats.CurrentRPM)
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	l := NewLimiter("binance:rest", 2, Config{Window: 100 * time.Millisecond}, testLogger())

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Once the first grant ages out of the window a slot frees up.
	time.Sleep(110 * time.Millisecond)
	assert.NoError(t, l.Acquire(context.Background()))
}

func TestThrottleHalvesBudget(t *testing.T) {
	l := NewLimiter("binance:rest", 100, Config{FloorRatio: 0.1}, testLogger())

	l.ReportError(&throttleErr{code: 429})
	assert.Equal(t, 50, l.Stats().CurrentRPM)

	l.ReportError(&throttleErr{code: 429})
	assert.Equal(t, 25, l.Stats().CurrentRPM)

	// Repeated throttling bottoms out at the floor, never zero.
	for i := 0; i < 10; i++ {
		l.ReportError(&throttleErr{code: 418})
	}
	stats := l.Stats()
	assert.Equal(t, 10, stats.CurrentRPM)
	assert.Equal(t, uint64(12), stats.Throttled)
}

func TestNonThrottleErrorKeepsBudget(t *testing.T) {
	l := NewLimiter("bybit:rest", 100, Config{}, testLogger())

	l.ReportError(errors.New("connection reset"))

	stats := l.Stats()
	assert.Equal(t, 100, stats.CurrentRPM)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, uint64(0), stats.Throttled)
}

func TestRecoveryAfterStreak(t *testing.T) {
	cfg := Config{FloorRatio: 0.1, RecoveryRatio: 0.05, RecoveryStreak: 3}
	l := NewLimiter("binance:rest", 100, cfg, testLogger())

	l.ReportError(&throttleErr{code: 429})
	require.Equal(t, 50, l.Stats().CurrentRPM)

	for i := 0; i < 3; i++ {
		l.ReportSuccess()
	}
	assert.Equal(t, 55, l.Stats().CurrentRPM)

	for i := 0; i < 3; i++ {
		l.ReportSuccess()
	}
	assert.Equal(t, 60, l.Stats().CurrentRPM)
}

func TestRecoveryInterruptedByError(t *testing.T) {
	cfg := Config{RecoveryRatio: 0.05, RecoveryStreak: 3}
	l := NewLimiter("binance:rest", 100, cfg, testLogger())

	l.ReportError(&throttleErr{code: 429})
	require.Equal(t, 50, l.Stats().CurrentRPM)

	l.ReportSuccess()
	l.ReportSuccess()
	l.ReportError(errors.New("read timeout")) // resets the streak
	l.ReportSuccess()
	l.ReportSuccess()

	assert.Equal(t, 50, l.Stats().CurrentRPM, "streak was interrupted, no recovery yet")

	l.ReportSuccess()
	assert.Equal(t, 55, l.Stats().CurrentRPM)
}

func TestRecoveryCapsAtBase(t *testing.T) {
	cfg := Config{RecoveryRatio: 0.5, RecoveryStreak: 1}
	l := NewLimiter("binance:rest", 100, cfg, testLogger())

	l.ReportError(&throttleErr{code: 429})
	require.Equal(t, 50, l.Stats().CurrentRPM)

	l.ReportSuccess()
	assert.Equal(t, 100, l.Stats().CurrentRPM)

	l.ReportSuccess()
	assert.Equal(t, 100, l.Stats().CurrentRPM, "budget never exceeds base")
}

func TestUpdateBaseRPM(t *testing.T) {
	l := NewLimiter("binance:stream", 100, Config{}, testLogger())

	l.UpdateBaseRPM(40)

	stats := l.Stats()
	assert.Equal(t, 40, stats.BaseRPM)
	assert.Equal(t, 40, stats.CurrentRPM)
}

func TestIsThrottle(t *testing.T) {
	assert.True(t, IsThrottle(ErrThrottled))
	assert.True(t, IsThrottle(fmt.Errorf("fetch trades: %w", ErrThrottled)))
	assert.True(t, IsThrottle(&throttleErr{code: 429}))
	assert.True(t, IsThrottle(fmt.Errorf("wrapped: %w", &throttleErr{code: 418})))
	assert.False(t, IsThrottle(errors.New("plain failure")))
	assert.False(t, IsThrottle(nil))
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(Config{}, testLogger())

	a := r.GetOrCreate("binance:rest", 300)
	b := r.GetOrCreate("binance:rest", 999)
	assert.Same(t, a, b, "scope should map to a single limiter")

	r.GetOrCreate("bybit:rest", 120)
	all := r.StatsAll()
	require.Len(t, all, 2)
	assert.Equal(t, 300, all["binance:rest"].BaseRPM)
	assert.Equal(t, 120, all["bybit:rest"].BaseRPM)
}
