// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipeline"

// Collector manages all metrics for the pipeline
type Collector struct {
	registry *prometheus.Registry

	// Ingest
	recordsFetched   prometheus.Counter
	recordsPublished prometheus.Counter
	cursorWatermark  prometheus.Gauge

	// Load
	recordsConsumed prometheus.Counter
	recordsSkipped  prometheus.Counter
	duplicates      *prometheus.CounterVec
	rowsInserted    prometheus.Counter
	stageDuration   *prometheus.HistogramVec

	// Tasks
	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	lastSuccess  *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Source records fetched past the cursor",
		}),
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_published_total",
			Help:      "Records acknowledged by the log",
		}),
		cursorWatermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_watermark_timestamp_seconds",
			Help:      "Unix time of the persisted ingestion cursor",
		}),

		recordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_consumed_total",
			Help:      "Log messages read by the consumer",
		}),
		recordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_malformed_total",
			Help:      "Messages excluded by the transformer",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_duplicate_total",
			Help:      "Records dropped as duplicates, by reason",
		}, []string{"reason"}),
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows inserted into the sink table",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}, []string{"stage"}),

		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task runs by outcome",
		}, []string{"task", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of ingest and load runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		}, []string{"task"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"task"}),
	}

	registry.MustRegister(
		c.recordsFetched,
		c.recordsPublished,
		c.cursorWatermark,
		c.recordsConsumed,
		c.recordsSkipped,
		c.duplicates,
		c.rowsInserted,
		c.stageDuration,
		c.taskRuns,
		c.taskDuration,
		c.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) RecordFetched(n int)   { c.recordsFetched.Add(float64(n)) }
func (c *Collector) RecordPublished(n int) { c.recordsPublished.Add(float64(n)) }
func (c *Collector) RecordConsumed(n int)  { c.recordsConsumed.Add(float64(n)) }
func (c *Collector) RecordSkipped(n int)   { c.recordsSkipped.Add(float64(n)) }
func (c *Collector) RecordInserted(n int)  { c.rowsInserted.Add(float64(n)) }

// RecordDuplicates counts n duplicates dropped for reason.
func (c *Collector) RecordDuplicates(reason string, n int) {
	if n > 0 {
		c.duplicates.WithLabelValues(reason).Add(float64(n))
	}
}

// SetCursor publishes the persisted watermark.
func (c *Collector) SetCursor(ts time.Time) {
	if !ts.IsZero() {
		c.cursorWatermark.Set(float64(ts.Unix()))
	}
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTask records a finished task run.
func (c *Collector) RecordTask(task, outcome string, d time.Duration, finished time.Time) {
	c.taskRuns.WithLabelValues(task, outcome).Inc()
	c.taskDuration.WithLabelValues(task).Observe(d.Seconds())
	if outcome == "success" {
		c.lastSuccess.WithLabelValues(task).Set(float64(finished.Unix()))
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
