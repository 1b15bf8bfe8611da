package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrThrottled is a generic throttle signal for callers that do not have a
// typed venue error to hand.
var ErrThrottled = errors.New("throttled by venue")

// Throttler marks errors that indicate the venue pushed back with a
// rate-limit response rather than an ordinary failure.
type Throttler interface {
	Throttle() bool
}

// IsThrottle reports whether err carries a throttle signal.
func IsThrottle(err error) bool {
	if errors.Is(err, ErrThrottled) {
		return true
	}
	var t Throttler
	if errors.As(err, &t) {
		return t.Throttle()
	}
	return false
}

// Config tunes the adaptive behavior shared by all limiters in a registry.
type Config struct {
	Window         time.Duration // rolling window the budget applies to
	FloorRatio     float64       // lowest fraction of the base budget we back off to
	RecoveryRatio  float64       // fraction of base restored per recovery step
	RecoveryStreak int           // consecutive successes required per step
}

// Stats is a point-in-time snapshot of one limiter.
type Stats struct {
	Scope      string `json:"scope"`
	BaseRPM    int    `json:"base_rpm"`
	CurrentRPM int    `json:"current_rpm"`
	InWindow   int    `json:"in_window"`
	Successes  uint64 `json:"successes"`
	Errors     uint64 `json:"errors"`
	Throttled  uint64 `json:"throttled"`
}

// Limiter grants requests against a rolling per-window budget and adapts the
// budget to venue feedback: throttle responses halve it, sustained success
// restores it step by step up to the configured base.
type Limiter struct {
	mu     sync.Mutex
	scope  string
	cfg    Config
	logger *logrus.Logger

	baseRPM    int
	currentRPM int
	grants     []time.Time
	streak     int
	successes  uint64
	errCount   uint64
	throttled  uint64
}

// NewLimiter creates a limiter for one scope, typically "<venue>_stream" or
// "<venue>_rest". Zero config fields fall back to defaults.
func NewLimiter(scope string, baseRPM int, cfg Config, logger *logrus.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FloorRatio <= 0 || cfg.FloorRatio > 1 {
		cfg.FloorRatio = 0.1
	}
	if cfg.RecoveryRatio <= 0 || cfg.RecoveryRatio > 1 {
		cfg.RecoveryRatio = 0.05
	}
	if cfg.RecoveryStreak <= 0 {
		cfg.RecoveryStreak = 20
	}
	if baseRPM <= 0 {
		baseRPM = 600
	}

	return &Limiter{
		scope:      scope,
		cfg:        cfg,
		logger:     logger,
		baseRPM:    baseRPM,
		currentRPM: baseRPM,
	}
}

// Acquire blocks until a request slot is available under the current budget
// or the context is cancelled. Slots free up as old grants age out of the
// rolling window.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.pruneLocked(now)
		if len(l.grants) < l.currentRPM {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.grants[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportSuccess feeds back a successful request. Every RecoveryStreak
// consecutive successes restore one recovery step of budget.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successes++
	if l.currentRPM >= l.baseRPM {
		l.streak = 0
		return
	}

	l.streak++
	if l.streak < l.cfg.RecoveryStreak {
		return
	}
	l.streak = 0

	step := int(float64(l.baseRPM) * l.cfg.RecoveryRatio)
	if step < 1 {
		step = 1
	}
	next := l.currentRPM + step
	if next > l.baseRPM {
		next = l.baseRPM
	}

	l.logger.WithFields(logrus.Fields{
		"scope":   l.scope,
		"old_rpm": l.currentRPM,
		"new_rpm": next,
	}).Debug("Restoring request budget after sustained success")
	l.currentRPM = next
}

// ReportError feeds back a failed request. Throttle errors halve the budget
// down to the floor; other errors only reset the recovery streak.
func (l *Limiter) ReportError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errCount++
	l.streak = 0

	if !IsThrottle(err) {
		return
	}
	l.throttled++

	next := l.currentRPM / 2
	if floor := l.floorLocked(); next < floor {
		next = floor
	}
	if next == l.currentRPM {
		return
	}

	l.logger.WithFields(logrus.Fields{
		"scope":   l.scope,
		"old_rpm": l.currentRPM,
		"new_rpm": next,
	}).Warn("Venue throttled us, halving request budget")
	l.currentRPM = next
}

// UpdateBaseRPM replaces the base budget, clamping the current budget into
// the new range. Venues that advertise limits on connect use this.
func (l *Limiter) UpdateBaseRPM(baseRPM int) {
	if baseRPM <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.baseRPM = baseRPM
	if l.currentRPM > baseRPM {
		l.currentRPM = baseRPM
	}
	if floor := l.floorLocked(); l.currentRPM < floor {
		l.currentRPM = floor
	}
}

// Stats returns a snapshot of the limiter's counters and budget.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(time.Now())
	return Stats{
		Scope:      l.scope,
		BaseRPM:    l.baseRPM,
		CurrentRPM: l.currentRPM,
		InWindow:   len(l.grants),
		Successes:  l.successes,
		Errors:     l.errCount,
		Throttled:  l.throttled,
	}
}

func (l *Limiter) floorLocked() int {
	floor := int(float64(l.baseRPM) * l.cfg.FloorRatio)
	if floor < 1 {
		floor = 1
	}
	return floor
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for ; i < len(l.grants); i++ {
		if l.grants[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.grants = l.grants[i:]
	}
}

// Registry manages one limiter per scope.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *logrus.Logger
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry(cfg Config, logger *logrus.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*Limiter),
	}
}

// GetOrCreate returns the limiter for a scope, creating it with baseRPM on
// first use. Later calls ignore baseRPM.
func (r *Registry) GetOrCreate(scope string, baseRPM int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[scope]; ok {
		return l
	}

	l := NewLimiter(scope, baseRPM, r.cfg, r.logger)
	r.limiters[scope] = l
	return l
}

// StatsAll returns snapshots for every limiter in the registry.
func (r *Registry) StatsAll() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make(map[string]Stats, len(r.limiters))
	for scope, l := range r.limiters {
		all[scope] = l.Stats()
	}
	return all
}
