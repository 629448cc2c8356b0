// Package resource implements C14: a periodic CPU/memory sampler the
// transport layer consults before accepting a new connection. Grounded on
// go-server/internal/metrics/system.go's SystemMetrics (gopsutil CPU
// sampling with exponential-moving-average smoothing, runtime.MemStats
// for heap usage) and src/resource_guard.go's ResourceGuard (static
// configured thresholds, atomic current-value snapshots, "reject new work
// above threshold" admission philosophy), narrowed from that file's
// NATS/broadcast rate limiters and goroutine semaphore — which belong to
// the ingestion bridges and transport layer themselves — down to the one
// thing this component owns: sampling and threshold admission.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Config tunes sampling cadence and rejection thresholds.
type Config struct {
	SampleInterval  time.Duration
	CPURejectPct    float64
	MemoryRejectPct float64
}

// Monitor periodically samples system-wide CPU and memory usage and
// answers admission checks against configured thresholds. All exported
// methods are safe for concurrent use.
type Monitor struct {
	cfg Config
	log zerolog.Logger

	cpuPercent    atomic.Value // float64
	memoryPercent atomic.Value // float64
}

// New constructs a Monitor. Call Run to start sampling; until the first
// sample completes, Allow always returns true (fail-open).
func New(cfg Config, log zerolog.Logger) *Monitor {
	m := &Monitor{cfg: cfg, log: log.With().Str("component", "resource_monitor").Logger()}
	m.cpuPercent.Store(0.0)
	m.memoryPercent.Store(0.0)
	return m
}

// Run samples on cfg.SampleInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPercents, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercents) > 0 {
		prev := m.cpuPercent.Load().(float64)
		const alpha = 0.3
		m.cpuPercent.Store(alpha*cpuPercents[0] + (1-alpha)*prev)
	} else if err != nil {
		m.log.Warn().Err(err).Msg("cpu sample failed")
	}

	vmStat, err := mem.VirtualMemory()
	if err == nil {
		m.memoryPercent.Store(vmStat.UsedPercent)
	} else {
		m.log.Warn().Err(err).Msg("memory sample failed")
	}
}

// CPUPercent returns the most recent smoothed CPU usage percentage.
func (m *Monitor) CPUPercent() float64 {
	return m.cpuPercent.Load().(float64)
}

// MemoryPercent returns the most recent system memory usage percentage.
func (m *Monitor) MemoryPercent() float64 {
	return m.memoryPercent.Load().(float64)
}

// Allow reports whether a new connection may be admitted, and a reason
// when it may not. Both thresholds are checked independently; either one
// tripping rejects the request.
func (m *Monitor) Allow() (bool, string) {
	cpuPct := m.CPUPercent()
	if m.cfg.CPURejectPct > 0 && cpuPct >= m.cfg.CPURejectPct {
		return false, fmt.Sprintf("cpu usage %.1f%% at or above reject threshold %.1f%%", cpuPct, m.cfg.CPURejectPct)
	}

	memPct := m.MemoryPercent()
	if m.cfg.MemoryRejectPct > 0 && memPct >= m.cfg.MemoryRejectPct {
		return false, fmt.Sprintf("memory usage %.1f%% at or above reject threshold %.1f%%", memPct, m.cfg.MemoryRejectPct)
	}

	return true, ""
}

// Snapshot returns a point-in-time view suitable for metrics export or
// health endpoints.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	Goroutines    int
}

// Sample returns the current snapshot without waiting for the next tick.
func (m *Monitor) Sample() Snapshot {
	return Snapshot{
		CPUPercent:    m.CPUPercent(),
		MemoryPercent: m.MemoryPercent(),
		Goroutines:    runtime.NumGoroutine(),
	}
}
