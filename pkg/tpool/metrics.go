package tpool

import (
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// PoolHealth is the derived health of the pool.
type PoolHealth string

const (
	// Healthy means the error rate and utilization are within normal bounds.
	Healthy PoolHealth = "healthy"

	// Degraded means the error rate is above 5% or utilization is above 70%.
	Degraded PoolHealth = "degraded"

	// Unhealthy means the error rate is above 10% or utilization is above 90%.
	Unhealthy PoolHealth = "unhealthy"
)

// ClassMetrics is the per-class portion of a MetricsSnapshot.
type ClassMetrics struct {
	Class             Class `json:"Class"`
	MinConnections    int   `json:"MinConnections"`
	TotalConnections  int   `json:"TotalConnections"`
	ActiveConnections int   `json:"ActiveConnections"`
	IdleConnections   int   `json:"IdleConnections"`
	PendingRequests   int   `json:"PendingRequests"`
}

// MetricsSnapshot is a point-in-time view of the pool. It is never mutated after creation.
type MetricsSnapshot struct {
	TakenAt              time.Time              `json:"TakenAt"`
	Health               PoolHealth             `json:"Health"`
	MaxConnections       int                    `json:"MaxConnections"`
	TotalConnections     int                    `json:"TotalConnections"`
	ActiveConnections    int                    `json:"ActiveConnections"`
	IdleConnections      int                    `json:"IdleConnections"`
	PendingRequests      int                    `json:"PendingRequests"`
	Classes              map[Class]ClassMetrics `json:"Classes"`
	TotalRequests        uint64                 `json:"TotalRequests"`
	FailedRequests       uint64                 `json:"FailedRequests"`
	ErrorRate            float64                `json:"ErrorRate"`
	Utilization          float64                `json:"Utilization"`
	AverageResponseTime  time.Duration          `json:"AverageResponseTime"`
	LeakedConnections    uint64                 `json:"LeakedConnections"`
	HealthChecks         uint64                 `json:"HealthChecks"`
	ProbeFailures        uint64                 `json:"ProbeFailures"`
	IdleEvictions        uint64                 `json:"IdleEvictions"`
	ConnectionsCreated   uint64                 `json:"ConnectionsCreated"`
	ConnectionsDestroyed uint64                 `json:"ConnectionsDestroyed"`
	LastHealthCheck      time.Time              `json:"LastHealthCheck"`
}

// JSON renders the snapshot for logging.
func (ms MetricsSnapshot) JSON() string {
	var json = jsoniter.ConfigFastest
	data, err := json.MarshalToString(ms)
	if err != nil {
		return "{}"
	}
	return data
}

type metrics struct {
	totalRequests   atomic.Uint64
	failedRequests  atomic.Uint64
	leaks           atomic.Uint64
	healthChecks    atomic.Uint64
	probeFailures   atomic.Uint64
	idleEvictions   atomic.Uint64
	created         atomic.Uint64
	destroyed       atomic.Uint64
	lastHealthCheck atomic.Int64 // unix nanos

	samplesLock sync.Mutex
	samples     []time.Duration
	next        int
	filled      bool
}

func newMetrics(samples int) *metrics {
	return &metrics{
		samples: make([]time.Duration, samples),
	}
}

// recordResponseTime keeps only the most recent samples.
func (m *metrics) recordResponseTime(elapsed time.Duration) {
	m.samplesLock.Lock()
	defer m.samplesLock.Unlock()

	m.samples[m.next] = elapsed
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
}

func (m *metrics) averageResponseTime() time.Duration {
	m.samplesLock.Lock()
	defer m.samplesLock.Unlock()

	count := m.next
	if m.filled {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	var sum time.Duration
	for _, sample := range m.samples[:count] {
		sum += sample
	}
	return sum / time.Duration(count)
}

func (m *metrics) markHealthCheck() {
	m.healthChecks.Add(1)
	m.lastHealthCheck.Store(time.Now().UnixNano())
}

func derivePoolHealth(errorRate, utilization float64) PoolHealth {
	switch {
	case errorRate > 0.10 || utilization > 0.90:
		return Unhealthy
	case errorRate > 0.05 || utilization > 0.70:
		return Degraded
	default:
		return Healthy
	}
}

// Metrics returns a snapshot of the pool. It only reads pool state.
func (p *Pool) Metrics() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		TakenAt:              time.Now(),
		MaxConnections:       int(p.settings.maxConnections),
		Classes:              make(map[Class]ClassMetrics, len(p.settings.classes)),
		TotalRequests:        p.metrics.totalRequests.Load(),
		FailedRequests:       p.metrics.failedRequests.Load(),
		AverageResponseTime:  p.metrics.averageResponseTime(),
		LeakedConnections:    p.metrics.leaks.Load(),
		HealthChecks:         p.metrics.healthChecks.Load(),
		ProbeFailures:        p.metrics.probeFailures.Load(),
		IdleEvictions:        p.metrics.idleEvictions.Load(),
		ConnectionsCreated:   p.metrics.created.Load(),
		ConnectionsDestroyed: p.metrics.destroyed.Load(),
	}

	if last := p.metrics.lastHealthCheck.Load(); last != 0 {
		snapshot.LastHealthCheck = time.Unix(0, last)
	}

	for _, class := range p.settings.classes {
		stats := p.segments[class].stats()
		snapshot.Classes[class] = stats
		snapshot.TotalConnections += stats.TotalConnections
		snapshot.ActiveConnections += stats.ActiveConnections
		snapshot.IdleConnections += stats.IdleConnections
		snapshot.PendingRequests += stats.PendingRequests
	}

	if snapshot.TotalRequests > 0 {
		snapshot.ErrorRate = float64(snapshot.FailedRequests) / float64(snapshot.TotalRequests)
	}
	if snapshot.TotalConnections > 0 {
		snapshot.Utilization = float64(snapshot.ActiveConnections) / float64(snapshot.TotalConnections)
	}
	snapshot.Health = derivePoolHealth(snapshot.ErrorRate, snapshot.Utilization)

	return snapshot
}
