package executor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report executor activity.
type Metrics struct {
	taskDuration  *prometheus.HistogramVec
	attemptsTotal *prometheus.CounterVec
	tasksActive   prometheus.Gauge
	batchTasks    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when several executors are constructed (e.g.
// in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (for example
// in tests). Registration errors panic, mirroring promauto semantics so
// configuration bugs surface early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task execution time, including retries and fallbacks.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	attemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Adapter invocation attempts by service and outcome.",
		},
		[]string{"service", "outcome"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "executor",
			Name:      "tasks_active",
			Help:      "Number of tasks currently being executed.",
		},
	)
	batchTasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "executor",
			Name:      "batch_tasks_total",
			Help:      "Tasks completed through the batch runner, by terminal status.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{taskDuration, attemptsTotal, tasksActive, batchTasks}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case attemptsTotal:
						attemptsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case batchTasks:
						batchTasks = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		taskDuration:  taskDuration,
		attemptsTotal: attemptsTotal,
		tasksActive:   tasksActive,
		batchTasks:    batchTasks,
	}
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(service, status string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	if service == "" {
		service = "none"
	}
	m.taskDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// IncAttempt counts one adapter invocation outcome.
func (m *Metrics) IncAttempt(service, outcome string) {
	if m == nil || m.attemptsTotal == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(service, outcome).Inc()
}

// IncActive marks a task as in flight.
func (m *Metrics) IncActive() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActive marks a task as finished.
func (m *Metrics) DecActive() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

// IncBatchTask counts one batch task terminal status.
func (m *Metrics) IncBatchTask(status string) {
	if m == nil || m.batchTasks == nil {
		return
	}
	m.batchTasks.WithLabelValues(status).Inc()
}
