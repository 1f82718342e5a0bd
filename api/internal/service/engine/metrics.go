package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/pipelines/api/internal/domain"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	runsStarted    prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	stagesFinished *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors with reg, reusing collectors
// already registered by another engine in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "executions_started_total",
			Help:      "Executions that entered the running state",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status",
		}, []string{"status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "executions_in_flight",
			Help:      "Executions currently running",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from running to terminal status",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		stagesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "stages_finished_total",
			Help:      "Stages that reached a terminal status",
		}, []string{"type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "peep",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage work",
			Buckets:   durationBuckets,
		}, []string{"type"}),
	}
	m.runsStarted = register(reg, m.runsStarted)
	m.runsFinished = register(reg, m.runsFinished)
	m.runsInFlight = register(reg, m.runsInFlight)
	m.runDuration = register(reg, m.runDuration)
	m.stagesFinished = register(reg, m.stagesFinished)
	m.stageDuration = register(reg, m.stageDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.runsInFlight.Inc()
}

func (m *Metrics) runFinished(status domain.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runsInFlight.Dec()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// runLost releases the in-flight slot of a run whose outcome could not be stored.
func (m *Metrics) runLost() {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
}

// runAbandoned records a run finalized without running in this process.
func (m *Metrics) runAbandoned(status domain.Status) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stageFinished(stageType domain.StageType, status domain.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stagesFinished.WithLabelValues(string(stageType), string(status)).Inc()
	m.stageDuration.WithLabelValues(string(stageType)).Observe(elapsed.Seconds())
}
