package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on a private registry.
type PrometheusCollector struct {
	stateTransitions *prometheus.CounterVec
	killDuration     *prometheus.HistogramVec
	healthProbes     *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	archives         *prometheus.CounterVec
	archivePieces    *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "beekeeper"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bee_state_transitions_total",
			Help:      "Total number of bee lifecycle state transitions",
		},
		[]string{"bee_id", "from_state", "to_state"},
	)

	pc.killDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bee_kill_duration_seconds",
			Help:      "Time from kill request until the process was observed dead or the kill timed out",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"bee_id", "result"},
	)

	pc.healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bee_health_probes_total",
			Help:      "Total number of health probes by result",
		},
		[]string{"bee_id", "probe_type", "healthy"},
	)

	pc.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bee_health_probe_duration_seconds",
			Help:      "Duration of health probes",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"bee_id", "probe_type"},
	)

	pc.archives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bee_debug_archives_total",
			Help:      "Total number of debug archives written",
		},
		[]string{"bee_id"},
	)

	pc.archivePieces = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bee_debug_archive_pieces_total",
			Help:      "Debug archive pieces by outcome",
		},
		[]string{"bee_id", "outcome"},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.killDuration,
		pc.healthProbes,
		pc.probeDuration,
		pc.archives,
		pc.archivePieces,
	)

	return pc
}

func (pc *PrometheusCollector) StateTransition(id, from, to string) {
	pc.stateTransitions.WithLabelValues(id, from, to).Inc()
}

func (pc *PrometheusCollector) KillDuration(id string, duration time.Duration, result string) {
	pc.killDuration.WithLabelValues(id, result).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) HealthProbe(id string, probeType string, healthy bool, duration time.Duration) {
	pc.healthProbes.WithLabelValues(id, probeType, strconv.FormatBool(healthy)).Inc()
	pc.probeDuration.WithLabelValues(id, probeType).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) ArchiveGenerated(id string, pieces int, failedPieces int) {
	pc.archives.WithLabelValues(id).Inc()
	pc.archivePieces.WithLabelValues(id, "included").Add(float64(pieces))
	pc.archivePieces.WithLabelValues(id, "failed").Add(float64(failedPieces))
}

// Registry returns the registry for custom exposition.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus text format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

var _ Collector = (*PrometheusCollector)(nil)
