package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector with real Prometheus
// metrics registered on a private registry.
type PrometheusCollector struct {
	sessionsOpened *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	spawnDuration  *prometheus.HistogramVec
	spawnTotal     *prometheus.CounterVec
	detachTotal    *prometheus.CounterVec
	gcSweepSeconds prometheus.Histogram
	gcDetachedTotal prometheus.Counter
	applicationCount prometheus.Gauge
	activeSessions   prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a PrometheusCollector whose metrics
// are namespaced under namespace (defaulting to "apppool").
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "apppool"
	}

	c := &PrometheusCollector{registry: prometheus.NewRegistry()}

	c.sessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_opened_total",
		Help: "Total number of sessions opened, by application group.",
	}, []string{"group"})

	c.sessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_closed_total",
		Help: "Total number of sessions closed, by application group.",
	}, []string{"group"})

	c.spawnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "spawn_duration_seconds",
		Help:    "Duration of worker process spawn attempts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"group", "status"})

	c.spawnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "spawns_total",
		Help: "Total number of spawn attempts, by application group and outcome.",
	}, []string{"group", "status"})

	c.detachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "processes_detached_total",
		Help: "Total number of worker processes detached, by application group and reason.",
	}, []string{"group", "reason"})

	c.gcSweepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "gc_sweep_duration_seconds",
		Help:    "Duration of each garbage collection sweep.",
		Buckets: prometheus.DefBuckets,
	})

	c.gcDetachedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "gc_detached_total",
		Help: "Total number of processes detached by the garbage collector.",
	})

	c.applicationCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "applications",
		Help: "Current number of registered applications (supergroups).",
	})

	c.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_sessions",
		Help: "Current number of open sessions across the pool.",
	})

	c.registry.MustRegister(
		c.sessionsOpened, c.sessionsClosed, c.spawnDuration, c.spawnTotal,
		c.detachTotal, c.gcSweepSeconds, c.gcDetachedTotal,
		c.applicationCount, c.activeSessions,
	)

	return c
}

// Registry returns the private registry these metrics are registered
// on, for wiring into an HTTP handler.
func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PrometheusCollector) RecordSessionOpened(group string) {
	c.sessionsOpened.WithLabelValues(group).Inc()
}

func (c *PrometheusCollector) RecordSessionClosed(group string) {
	c.sessionsClosed.WithLabelValues(group).Inc()
}

func (c *PrometheusCollector) RecordSpawn(group string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.spawnDuration.WithLabelValues(group, status).Observe(duration.Seconds())
	c.spawnTotal.WithLabelValues(group, status).Inc()
}

func (c *PrometheusCollector) RecordDetach(group string, reason string) {
	c.detachTotal.WithLabelValues(group, reason).Inc()
}

func (c *PrometheusCollector) RecordGCSweep(duration time.Duration, detached int) {
	c.gcSweepSeconds.Observe(duration.Seconds())
	c.gcDetachedTotal.Add(float64(detached))
}

func (c *PrometheusCollector) SetApplicationCount(n int) {
	c.applicationCount.Set(float64(n))
}

func (c *PrometheusCollector) SetActiveSessionCount(n int) {
	c.activeSessions.Set(float64(n))
}

var _ Collector = (*PrometheusCollector)(nil)
