package echost

import (
	"strconv"
	"time"

	"github.com/behrlich/echost/internal/dispatch"
	"github.com/behrlich/echost/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements dispatch.Observer by registering Prometheus
// counter/histogram vectors labeled by cmd_id and result status. It exports
// the same dispatch events MetricsObserver records in-memory, for callers
// that want them scraped over HTTP instead of (or alongside) the in-memory
// Metrics. The dispatcher records into whichever observers it is given and
// into none by default.
type PrometheusObserver struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPrometheusObserver registers its collectors with reg and returns an
// observer ready to pass as dispatch.Config.Observer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echost",
			Name:      "dispatch_requests_total",
			Help:      "Total Host Command requests dispatched, by command id and result status.",
		}, []string{"cmd_id", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "echost",
			Name:      "dispatch_latency_seconds",
			Help:      "Dispatch cycle latency in seconds, by command id.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"cmd_id"})}
	reg.MustRegister(o.requests, o.latency)
	return o
}

// ObserveDispatch implements dispatch.Observer.
func (o *PrometheusObserver) ObserveDispatch(cmdID uint16, _ uint8, status wire.Status, latencyNs uint64) {
	cmd := strconv.FormatUint(uint64(cmdID), 16)
	o.requests.WithLabelValues(cmd, status.String()).Inc()
	o.latency.WithLabelValues(cmd).Observe(time.Duration(latencyNs).Seconds())
}

var _ dispatch.Observer = (*PrometheusObserver)(nil)
