// Package telemetry centralizes the ambient logging, tracing, and metrics
// concerns shared by every component: one logrus entry per Mission, one
// opentracing span per state-machine transition, and three prometheus
// metrics (one counter and two histograms).
package telemetry

import (
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Logger is the package-wide base logger; callers derive scoped entries
// from it with WithFields rather than constructing their own.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&logrus.JSONFormatter{})
}

// MissionLogger returns a logrus entry scoped to one mission.
func MissionLogger(missionID, dialect string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"mission_id": missionID,
		"dialect":    dialect,
	})
}

// StartSpan starts a span under the global tracer, defaulting to a no-op
// tracer when none has been registered via opentracing.SetGlobalTracer.
// The span carries no parent reference; each call starts a new root span.
func StartSpan(operation string, tags map[string]interface{}) opentracing.Span {
	span := opentracing.StartSpan(operation)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	return span
}

var (
	// MissionDuration records end-to-end mission latency by terminal state.
	MissionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beamopt",
		Subsystem: "mission",
		Name:      "duration_seconds",
		Help:      "Mission wall-clock duration from Init to a terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"terminal_state"})

	// ProbeOutcomes counts WorkerResult.status occurrences across all missions.
	ProbeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beamopt",
		Subsystem: "probe",
		Name:      "outcomes_total",
		Help:      "Count of probe terminal statuses.",
	}, []string{"status", "transform"})

	// BenchSpeedup records the speedup ratio of every benched candidate.
	BenchSpeedup = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "beamopt",
		Subsystem: "bench",
		Name:      "speedup_ratio",
		Help:      "baseline_ms / candidate_ms for every benched candidate.",
		Buckets:   []float64{0.5, 0.8, 1, 1.2, 1.5, 2, 3, 5, 8, 13},
	})
)

func init() {
	prometheus.MustRegister(MissionDuration, ProbeOutcomes, BenchSpeedup)
}

// ObserveMission records the duration of a mission that reached a terminal state.
func ObserveMission(terminalState string, start time.Time) {
	MissionDuration.WithLabelValues(terminalState).Observe(time.Since(start).Seconds())
}

// ObserveProbe increments the probe outcome counter for one terminal
// WorkerResult, labeled by its status and the transform it tried.
func ObserveProbe(status, transform string) {
	ProbeOutcomes.WithLabelValues(status, transform).Inc()
}

// ObserveBenchSpeedup records one benched candidate's baseline_ms/candidate_ms ratio.
func ObserveBenchSpeedup(speedup float64) {
	BenchSpeedup.Observe(speedup)
}
