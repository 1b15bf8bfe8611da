package health

import (
	"errors"
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

func TestRegistryTripsAfterThreshold(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         time.Hour,
	}, testLogger())

	r.Register("binance:spot")
	boom := errors.New("dial tcp: connection refused")

	r.HandleFailure("binance:spot", boom)
	r.HandleFailure("binance:spot", boom)
	assert.True(t, r.Allowed("binance:spot"), "below threshold should stay allowed")

	r.HandleFailure("binance:spot", boom)
	assert.False(t, r.Allowed("binance:spot"), "third failure should trip failover")

	status, ok := r.Status("binance:spot")
	require.True(t, ok)
	assert.Equal(t, StateFailedOver, status.State)
	assert.Equal(t, uint64(1), status.Failovers)
	assert.Equal(t, boom.Error(), status.LastError)
	assert.True(t, status.CooldownUntil.After(time.Now()))
}

func TestRegistryCooldownDemotesToDegraded(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		Cooldown:         20 * time.Millisecond,
	}, testLogger())

	r.HandleFailure("bybit:spot", errors.New("read: reset by peer"))
	assert.False(t, r.Allowed("bybit:spot"))

	time.Sleep(30 * time.Millisecond)

	assert.True(t, r.Allowed("bybit:spot"), "cool-down elapsed, attempts allowed again")

	status, ok := r.Status("bybit:spot")
	require.True(t, ok)
	assert.Equal(t, StateDegraded, status.State)

	r.HandleSuccess("bybit:spot")
	status, _ = r.Status("bybit:spot")
	assert.Equal(t, StateHealthy, status.State)
	assert.Empty(t, status.LastError)
}

func TestRegistryWindowExpiry(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 3,
		FailureWindow:    30 * time.Millisecond,
		Cooldown:         time.Hour,
	}, testLogger())

	err := errors.New("websocket: bad handshake")
	r.HandleFailure("binance:usdt_futures", err)
	r.HandleFailure("binance:usdt_futures", err)

	time.Sleep(40 * time.Millisecond)

	// The earlier failures have aged out, so this one should not trip it.
	r.HandleFailure("binance:usdt_futures", err)
	assert.True(t, r.Allowed("binance:usdt_futures"))

	status, ok := r.Status("binance:usdt_futures")
	require.True(t, ok)
	assert.Equal(t, StateHealthy, status.State)
	assert.Equal(t, 1, status.WindowFailures)
}

func TestRegistrySuccessClearsConsecutive(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5}, testLogger())

	err := errors.New("i/o timeout")
	r.HandleFailure("binance:spot", err)
	r.HandleFailure("binance:spot", err)

	status, _ := r.Status("binance:spot")
	assert.Equal(t, 2, status.ConsecutiveFailures)

	r.HandleSuccess("binance:spot")

	status, _ = r.Status("binance:spot")
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, StateHealthy, status.State)
}

func TestRegistryUnknownComponent(t *testing.T) {
	r := NewRegistry(Config{}, testLogger())

	assert.True(t, r.Allowed("never-seen"), "unknown components default to allowed")

	_, ok := r.Status("still-unknown")
	assert.False(t, ok)
}

func TestAnyFailedOver(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
	}, testLogger())

	r.Register("binance:spot")
	r.Register("bybit:spot")
	assert.False(t, r.AnyFailedOver())

	r.HandleFailure("bybit:spot", errors.New("410 gone"))
	assert.True(t, r.AnyFailedOver())
}

func TestStatusAll(t *testing.T) {
	r := NewRegistry(Config{}, testLogger())

	r.Register("binance:spot")
	r.Register("binance:rest")

	all := r.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, StateHealthy, all["binance:spot"].State)
	assert.Equal(t, StateHealthy, all["binance:rest"].State)
}
