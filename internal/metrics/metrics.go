package metrics

import (
	"sync"
	"time"
)

// TimerMetric captures timing information for one named operation.
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// Metrics is an in-process metrics collector. It is safe for concurrent
// use; a nil *Metrics is a no-op so callers never need to guard.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]int64
	timers    map[string]*timer
	health    map[string]bool
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		timers:    make(map[string]*timer),
		health:    make(map[string]bool),
		startTime: time.Now(),
	}
}

// IncrementCounter increments a counter by 1.
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value.
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// RecordTimer records one timing measurement in milliseconds.
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timer{minMs: durationMs, maxMs: durationMs}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += durationMs
	if durationMs < t.minMs {
		t.minMs = durationMs
	}
	if durationMs > t.maxMs {
		t.maxMs = durationMs
	}
}

// SetHealth sets the health status of a component.
func (m *Metrics) SetHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.health[component] = healthy
	m.mu.Unlock()
}

// GetCounters returns a snapshot of all counters.
func (m *Metrics) GetCounters() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = value
	}
	return counters
}

// GetTimers returns a snapshot of all timers.
func (m *Metrics) GetTimers() map[string]TimerMetric {
	if m == nil {
		return map[string]TimerMetric{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		var average float64
		if t.count > 0 {
			average = float64(t.totalMs) / float64(t.count)
		}
		timers[name] = TimerMetric{
			Count:         t.count,
			TotalTimeMs:   t.totalMs,
			AverageTimeMs: average,
			MinTimeMs:     t.minMs,
			MaxTimeMs:     t.maxMs,
		}
	}
	return timers
}

// GetHealthChecks returns a snapshot of component health.
func (m *Metrics) GetHealthChecks() map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]bool, len(m.health))
	for name, healthy := range m.health {
		checks[name] = healthy
	}
	return checks
}

// GetUptimeSeconds returns the service uptime in seconds.
func (m *Metrics) GetUptimeSeconds() int64 {
	if m == nil {
		return 0
	}
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format.
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"timers":         m.GetTimers(),
		"health_checks":  m.GetHealthChecks(),
	}
}
