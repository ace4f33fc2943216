package echost

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/echost/internal/dispatch"
	"github.com/behrlich/echost/internal/wire"
)

// LatencyBuckets defines the dispatch-latency histogram buckets in
// nanoseconds, log-spaced from 1us to 10s — the range a request/response
// round trip through this dispatcher is expected to fall in.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8
const numStatuses = 10

// Metrics tracks dispatch statistics: how many requests landed with each
// result status, and the dispatch-latency histogram. It keeps one counter
// per wire.Status since a request's "operation kind" here is the status it
// resolved to.
type Metrics struct {
	StatusCounts [numStatuses]atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records one completed dispatch cycle's outcome.
func (m *Metrics) RecordDispatch(status wire.Status, latencyNs uint64) {
	if int(status) < numStatuses {
		m.StatusCounts[status].Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the dispatcher as stopped, freezing Snapshot's uptime
// calculation.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	StatusCounts [numStatuses]uint64
	TotalOps     uint64
	SuccessOps   uint64
	ErrorRate    float64 // percentage of non-SUCCESS outcomes

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	DispatchRate float64 // requests per second over the observed window
	UptimeNs     uint64
}

// Snapshot computes a point-in-time snapshot, including derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var snap MetricsSnapshot
	for i := range m.StatusCounts {
		snap.StatusCounts[i] = m.StatusCounts[i].Load()
		snap.TotalOps += snap.StatusCounts[i]
	}
	snap.SuccessOps = snap.StatusCounts[wire.StatusSuccess]

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.TotalOps-snap.SuccessOps) / float64(snap.TotalOps) * 100.0
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.DispatchRate = float64(snap.TotalOps) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile using
// linear interpolation between cumulative histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, for tests.
func (m *Metrics) Reset() {
	for i := range m.StatusCounts {
		m.StatusCounts[i].Store(0)
	}
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements dispatch.Observer by recording into a Metrics
// instance. It takes the (cmdID, cmdVer) arguments dispatch.Observer passes
// but doesn't break them out per-command — per-command cardinality belongs
// in the Prometheus observer's labels (see metrics_prometheus.go), not in
// this always-allocated in-memory struct.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// ObserveDispatch implements dispatch.Observer.
func (o *MetricsObserver) ObserveDispatch(_ uint16, _ uint8, status wire.Status, latencyNs uint64) {
	o.metrics.RecordDispatch(status, latencyNs)
}

// NoOpObserver discards every dispatch event.
type NoOpObserver struct{}

// ObserveDispatch implements dispatch.Observer as a no-op.
func (NoOpObserver) ObserveDispatch(uint16, uint8, wire.Status, uint64) {}

var (
	_ dispatch.Observer = (*MetricsObserver)(nil)
	_ dispatch.Observer = NoOpObserver{}
)
