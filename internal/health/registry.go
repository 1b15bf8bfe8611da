package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State describes how much a venue connection can currently be trusted.
type State string

const (
	// StateHealthy means the component is operating normally.
	StateHealthy State = "healthy"
	// StateDegraded means the component recently failed over and has not yet
	// proven itself with a success.
	StateDegraded State = "degraded"
	// StateFailedOver means the component tripped the failure threshold and
	// new connection attempts are blocked until the cool-down elapses.
	StateFailedOver State = "failed_over"
)

// Config holds thresholds for the failover state machine.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // failures within the window before failing over
	FailureWindow    time.Duration `json:"failure_window"`    // rolling window for counting failures
	Cooldown         time.Duration `json:"cooldown"`          // how long new attempts stay blocked
}

// ComponentHealth is a point-in-time snapshot of one tracked component.
type ComponentHealth struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	WindowFailures      int       `json:"window_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Failovers           uint64    `json:"failovers"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	CooldownUntil       time.Time `json:"cooldown_until"`
}

type component struct {
	name          string
	state         State
	failures      []time.Time
	consecutive   int
	failovers     uint64
	lastError     string
	lastFailureAt time.Time
	cooldownUntil time.Time
}

// Registry tracks failure history per component and gates reconnect attempts.
// Components are keyed by an arbitrary scope string, typically
// "<venue>_websocket" for stream connections, "<venue>_backfill" for
// history walks, and "storage" for sink writes.
type Registry struct {
	mu         sync.Mutex
	cfg        Config
	logger     *logrus.Logger
	components map[string]*component
}

// NewRegistry creates a registry with defaults applied to any zero thresholds.
func NewRegistry(cfg Config, logger *logrus.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 2 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}

	return &Registry{
		cfg:        cfg,
		logger:     logger,
		components: make(map[string]*component),
	}
}

// Register adds a component in the healthy state. Registering an existing
// name is a no-op so callers can register unconditionally at startup.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(name)
}

// HandleFailure records a failure for the component. Crossing the threshold
// within the rolling window trips the component into failed_over and starts
// the cool-down.
func (r *Registry) HandleFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c := r.getOrCreate(name)
	c.consecutive++
	c.lastFailureAt = now
	if err != nil {
		c.lastError = err.Error()
	}
	c.failures = append(c.failures, now)
	r.prune(c, now)

	if c.state != StateFailedOver && len(c.failures) >= r.cfg.FailureThreshold {
		c.state = StateFailedOver
		c.cooldownUntil = now.Add(r.cfg.Cooldown)
		c.failovers++
		c.failures = c.failures[:0]

		r.logger.WithFields(logrus.Fields{
			"component":      name,
			"state":          c.state,
			"cooldown_until": c.cooldownUntil,
			"last_error":     c.lastError,
		}).Warn("Component failed over, blocking new attempts")
		return
	}

	r.logger.WithFields(logrus.Fields{
		"component":       name,
		"state":           c.state,
		"window_failures": len(c.failures),
		"threshold":       r.cfg.FailureThreshold,
	}).Debug("Component failure recorded")
}

// HandleSuccess records a success. A success clears the consecutive counter
// and promotes a degraded component back to healthy.
func (r *Registry) HandleSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c := r.getOrCreate(name)
	r.demoteIfCooled(c, now)

	c.consecutive = 0
	if c.state == StateDegraded {
		c.state = StateHealthy
		c.failures = c.failures[:0]
		c.lastError = ""

		r.logger.WithFields(logrus.Fields{
			"component": name,
			"state":     c.state,
		}).Info("Component recovered")
	}
}

// Allowed reports whether new connection attempts may proceed. Components
// still inside their cool-down are blocked; everything else is allowed.
// Unknown names are allowed and registered as healthy.
func (r *Registry) Allowed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c := r.getOrCreate(name)
	r.demoteIfCooled(c, now)

	return c.state != StateFailedOver
}

// Status returns a snapshot for one component.
func (r *Registry) Status(name string) (ComponentHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[name]
	if !ok {
		return ComponentHealth{}, false
	}
	now := time.Now()
	r.demoteIfCooled(c, now)
	r.prune(c, now)
	return r.snapshot(c), true
}

// StatusAll returns snapshots for every tracked component.
func (r *Registry) StatusAll() map[string]ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	all := make(map[string]ComponentHealth, len(r.components))
	for name, c := range r.components {
		r.demoteIfCooled(c, now)
		r.prune(c, now)
		all[name] = r.snapshot(c)
	}
	return all
}

// AnyFailedOver reports whether any component is currently failed over. The
// ops health endpoint uses this to flip the process to degraded.
func (r *Registry) AnyFailedOver() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, c := range r.components {
		r.demoteIfCooled(c, now)
		if c.state == StateFailedOver {
			return true
		}
	}
	return false
}

func (r *Registry) getOrCreate(name string) *component {
	c, ok := r.components[name]
	if !ok {
		c = &component{name: name, state: StateHealthy}
		r.components[name] = c
	}
	return c
}

// demoteIfCooled moves a failed-over component to degraded once its
// cool-down has elapsed. Callers must hold the lock.
func (r *Registry) demoteIfCooled(c *component, now time.Time) {
	if c.state == StateFailedOver && !now.Before(c.cooldownUntil) {
		c.state = StateDegraded
		c.failures = c.failures[:0]

		r.logger.WithFields(logrus.Fields{
			"component": c.name,
			"state":     c.state,
		}).Info("Component cool-down elapsed, allowing attempts")
	}
}

// prune drops failure timestamps that have aged out of the rolling window.
// Callers must hold the lock.
func (r *Registry) prune(c *component, now time.Time) {
	cutoff := now.Add(-r.cfg.FailureWindow)
	i := 0
	for ; i < len(c.failures); i++ {
		if c.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.failures = c.failures[i:]
	}
}

func (r *Registry) snapshot(c *component) ComponentHealth {
	return ComponentHealth{
		Name:                c.name,
		State:               c.state,
		WindowFailures:      len(c.failures),
		ConsecutiveFailures: c.consecutive,
		Failovers:           c.failovers,
		LastError:           c.lastError,
		LastFailureAt:       c.lastFailureAt,
		CooldownUntil:       c.cooldownUntil,
	}
}
