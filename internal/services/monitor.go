package services

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

const (
	defaultSampleInterval = 30 * time.Second

	// Above these the monitor escalates its log level; the process keeps
	// running either way.
	cpuWarnPercent    = 85.0
	memoryWarnPercent = 90.0
)

// ResourceSnapshot is one sample of process and host pressure.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// ResourceMonitor samples CPU, memory, and goroutine counts on a fixed
// interval so sustained pressure shows up in the logs and the status API
// before the kernel gets involved.
type ResourceMonitor struct {
	interval time.Duration
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last ResourceSnapshot
}

// NewResourceMonitor creates a monitor sampling at interval. Non-positive
// intervals fall back to the default.
func NewResourceMonitor(interval time.Duration, logger *logrus.Logger) *ResourceMonitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ResourceMonitor{
		interval: interval,
		log:      logger.WithField("component", "resource_monitor"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins periodic sampling.
func (m *ResourceMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sample(m.ctx)
			}
		}
	}()
}

// Stop halts sampling.
func (m *ResourceMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Snapshot returns the most recent sample. The zero value means no sample
// has completed yet.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *ResourceMonitor) sample(ctx context.Context) {
	snapshot := ResourceSnapshot{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().UTC(),
	}

	// cpu.Percent with a zero interval compares against the previous call
	// instead of blocking the loop for a measurement window.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.log.WithError(err).Debug("CPU sample failed")
	} else if len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.WithError(err).Debug("Memory sample failed")
	} else {
		snapshot.MemoryPercent = vm.UsedPercent
		snapshot.MemoryUsedMB = vm.Used / (1024 * 1024)
	}

	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()

	fields := logrus.Fields{
		"cpu_percent": snapshot.CPUPercent,
		"mem_percent": snapshot.MemoryPercent,
		"mem_used_mb": snapshot.MemoryUsedMB,
		"goroutines":  snapshot.Goroutines,
	}
	switch {
	case snapshot.CPUPercent > cpuWarnPercent || snapshot.MemoryPercent > memoryWarnPercent:
		m.log.WithFields(fields).Warn("Resource pressure high")
	default:
		m.log.WithFields(fields).Debug("Resource sample")
	}
}
