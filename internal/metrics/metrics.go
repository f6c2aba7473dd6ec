// Package metrics exposes sync counters for Prometheus scrapes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calmirror/calmirror/internal/model"
)

// Recorder is the slice of metrics collection the sync runner uses.
type Recorder interface {
	RecordRun(outcome *model.SyncOutcome)
	RecordRetries(count int)
}

// Collector records sync runs into Prometheus metrics.
type Collector struct {
	runs           *prometheus.CounterVec
	eventsCreated  prometheus.Counter
	eventsDeleted  prometheus.Counter
	eventsSkipped  prometheus.Counter
	eventsFiltered prometheus.Counter
	writeRetries   prometheus.Counter
	runDuration    prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calmirror_runs_total",
			Help: "Sync run attempts by final status.",
		}, []string{"status"}),
		eventsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calmirror_events_created_total",
			Help: "Events inserted into target calendars.",
		}),
		eventsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calmirror_events_deleted_total",
			Help: "Events removed from target calendars.",
		}),
		eventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calmirror_events_skipped_total",
			Help: "Events that failed permanently during a run.",
		}),
		eventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calmirror_events_filtered_total",
			Help: "Events excluded by title patterns.",
		}),
		writeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calmirror_write_retries_total",
			Help: "Retried calendar API calls.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calmirror_run_duration_seconds",
			Help:    "Wall-clock duration of sync runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.runs,
		c.eventsCreated,
		c.eventsDeleted,
		c.eventsSkipped,
		c.eventsFiltered,
		c.writeRetries,
		c.runDuration,
	)

	return c
}

// RecordRun records a finished run attempt.
func (c *Collector) RecordRun(outcome *model.SyncOutcome) {
	c.runs.WithLabelValues(string(outcome.Status)).Inc()
	c.eventsCreated.Add(float64(outcome.Created))
	c.eventsDeleted.Add(float64(outcome.Deleted))
	c.eventsSkipped.Add(float64(outcome.Skipped))
	c.eventsFiltered.Add(float64(outcome.Filtered))
	c.runDuration.Observe(outcome.Duration.Seconds())
}

// RecordRetries records retried target writes.
func (c *Collector) RecordRetries(count int) {
	c.writeRetries.Add(float64(count))
}

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
