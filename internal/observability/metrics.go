package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report marketplace activity.
type Metrics struct {
	tasksRegistered  *prometheus.CounterVec
	registerFailures *prometheus.CounterVec
	resultsReceived  *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	ingestTicks      prometheus.Counter
	ingestSkips      *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	loopsActive      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when several clients start in one
// process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (for example in tests) should supply
// a fresh registry. Registration errors other than AlreadyRegistered panic,
// mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksRegistered := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "market",
			Name:      "tasks_registered_total",
			Help:      "Total number of tasks submitted to a marketplace backend.",
		},
		[]string{"backend"},
	)
	registerFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "market",
			Name:      "task_registration_failures_total",
			Help:      "Task registrations rejected by a backend.",
		},
		[]string{"backend"},
	)
	resultsReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "market",
			Name:      "task_results_received_total",
			Help:      "Task results correlated back to a requested task.",
		},
		[]string{"backend"},
	)
	sendFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "market",
			Name:      "result_send_failures_total",
			Help:      "Failed attempts to deliver a task result to a backend.",
		},
		[]string{"backend"},
	)
	ingestTicks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "ingest",
			Name:      "ticks_total",
			Help:      "Ingestion loop polling ticks.",
		},
	)
	ingestSkips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clara",
			Subsystem: "ingest",
			Name:      "skipped_tasks_total",
			Help:      "Tasks skipped during validation, by reason.",
		},
		[]string{"reason"},
	)
	pollDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clara",
			Subsystem: "market",
			Name:      "result_poll_duration_seconds",
			Help:      "Wall-clock duration of result polling calls.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"backend", "status"},
	)
	loopsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clara",
			Subsystem: "ingest",
			Name:      "loops_active",
			Help:      "Number of ingestion loops currently running.",
		},
	)

	collectors := []prometheus.Collector{
		tasksRegistered, registerFailures, resultsReceived, sendFailures,
		ingestTicks, ingestSkips, pollDuration, loopsActive,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					existing := already.ExistingCollector.(*prometheus.CounterVec)
					switch target {
					case tasksRegistered:
						tasksRegistered = existing
					case registerFailures:
						registerFailures = existing
					case resultsReceived:
						resultsReceived = existing
					case sendFailures:
						sendFailures = existing
					case ingestSkips:
						ingestSkips = existing
					}
				case *prometheus.HistogramVec:
					pollDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case prometheus.Counter:
					ingestTicks = already.ExistingCollector.(prometheus.Counter)
				case prometheus.Gauge:
					loopsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksRegistered:  tasksRegistered,
		registerFailures: registerFailures,
		resultsReceived:  resultsReceived,
		sendFailures:     sendFailures,
		ingestTicks:      ingestTicks,
		ingestSkips:      ingestSkips,
		pollDuration:     pollDuration,
		loopsActive:      loopsActive,
	}
}

// IncTaskRegistered counts one accepted registration on a backend.
func (m *Metrics) IncTaskRegistered(backend string) {
	if m == nil || m.tasksRegistered == nil {
		return
	}
	m.tasksRegistered.WithLabelValues(backend).Inc()
}

// IncRegistrationFailure counts one rejected registration on a backend.
func (m *Metrics) IncRegistrationFailure(backend string) {
	if m == nil || m.registerFailures == nil {
		return
	}
	m.registerFailures.WithLabelValues(backend).Inc()
}

// IncResultReceived counts one correlated task result.
func (m *Metrics) IncResultReceived(backend string) {
	if m == nil || m.resultsReceived == nil {
		return
	}
	m.resultsReceived.WithLabelValues(backend).Inc()
}

// IncSendFailure counts one failed result delivery.
func (m *Metrics) IncSendFailure(backend string) {
	if m == nil || m.sendFailures == nil {
		return
	}
	m.sendFailures.WithLabelValues(backend).Inc()
}

// IncIngestTick counts one ingestion loop tick.
func (m *Metrics) IncIngestTick() {
	if m == nil || m.ingestTicks == nil {
		return
	}
	m.ingestTicks.Inc()
}

// IncIngestSkip counts one skipped task with the given reason.
func (m *Metrics) IncIngestSkip(reason string) {
	if m == nil || m.ingestSkips == nil {
		return
	}
	m.ingestSkips.WithLabelValues(reason).Inc()
}

// ObservePollDuration records the duration of one Poll call.
func (m *Metrics) ObservePollDuration(backend, status string, duration time.Duration) {
	if m == nil || m.pollDuration == nil {
		return
	}
	m.pollDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

// IncActiveLoops marks an ingestion loop as started.
func (m *Metrics) IncActiveLoops() {
	if m == nil || m.loopsActive == nil {
		return
	}
	m.loopsActive.Inc()
}

// DecActiveLoops marks an ingestion loop as stopped.
func (m *Metrics) DecActiveLoops() {
	if m == nil || m.loopsActive == nil {
		return
	}
	m.loopsActive.Dec()
}
