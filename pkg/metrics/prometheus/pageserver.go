package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/pagetier/pkg/metrics"
	"github.com/marmos91/pagetier/pkg/pageserver"
)

// pageserverMetrics is the Prometheus implementation of
// pageserver.Metrics.
type pageserverMetrics struct {
	connects    *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewPageserverMetrics creates a Prometheus-backed pageserver.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPageserverMetrics() pageserver.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pageserverMetrics{
		connects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagetier_pageserver_connects_total",
				Help: "Total number of connection attempts by shard and outcome",
			},
			[]string{"shard", "status"}, // status: "ok", "error"
		),
		disconnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagetier_pageserver_disconnects_total",
				Help: "Total number of connection teardowns by shard",
			},
			[]string{"shard"},
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagetier_pageserver_requests_total",
				Help: "Total number of requests by operation and outcome",
			},
			[]string{"op", "status"}, // status: "ok", "error"
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "pagetier_pageserver_request_duration_milliseconds",
				Help: "Request latency in milliseconds, connection setup included",
				Buckets: []float64{
					0.1, // 100us - local loopback
					0.5,
					1, // 1ms
					5,
					10,
					50,
					100,
					500,
					1000, // 1s - reconnect storms
					5000,
				},
			},
			[]string{"op"},
		),
	}
}

func (m *pageserverMetrics) ObserveConnect(shard uint32, success bool) {
	status := "error"
	if success {
		status = "ok"
	}
	m.connects.WithLabelValues(strconv.FormatUint(uint64(shard), 10), status).Inc()
}

func (m *pageserverMetrics) ObserveDisconnect(shard uint32) {
	m.disconnects.WithLabelValues(strconv.FormatUint(uint64(shard), 10)).Inc()
}

func (m *pageserverMetrics) ObserveRequest(op string, duration time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.requests.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds() * 1000)
}
