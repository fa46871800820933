// Package metrics exposes light repair counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	tasksFinished   *prometheus.CounterVec
	chunksLoaded    prometheus.Counter
	chunksFailed    prometheus.Counter
	sectionsWritten prometheus.Counter
	applyTimeouts   prometheus.Counter
	sweeps          prometheus.Histogram
	taskDuration    *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	chunkFaults     prometheus.Gauge
	paused          prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lightfix_tasks_finished_total",
			Help: "Finished repair tasks by kind and final state",
		}, []string{"kind", "state"}),
		chunksLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "lightfix_chunks_loaded_total",
			Help: "Chunks loaded for repair",
		}),
		chunksFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "lightfix_chunks_failed_total",
			Help: "Chunks dropped from a batch because loading failed",
		}),
		sectionsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lightfix_sections_written_total",
			Help: "Section light arrays written back to storage",
		}),
		applyTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "lightfix_apply_timeouts_total",
			Help: "Batches that gave up waiting for their writes",
		}),
		sweeps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lightfix_batch_sweeps",
			Help:    "Changing relaxation sweeps per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lightfix_task_duration_seconds",
			Help:    "Wall time per task",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "lightfix_queue_depth",
			Help: "Tasks waiting in the scheduler queue",
		}),
		chunkFaults: f.NewGauge(prometheus.GaugeOpts{
			Name: "lightfix_chunk_faults",
			Help: "Estimated chunks still needing repair",
		}),
		paused: f.NewGauge(prometheus.GaugeOpts{
			Name: "lightfix_paused",
			Help: "1 while the scheduler is paused",
		}),
	}
}

func (m *Metrics) ChunksLoaded(ok, failed int) {
	if m == nil {
		return
	}
	m.chunksLoaded.Add(float64(ok))
	m.chunksFailed.Add(float64(failed))
}

func (m *Metrics) SectionsWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sectionsWritten.Add(float64(n))
}

func (m *Metrics) ApplyTimeout() {
	if m == nil {
		return
	}
	m.applyTimeouts.Inc()
}

func (m *Metrics) Sweeps(n int) {
	if m == nil {
		return
	}
	m.sweeps.Observe(float64(n))
}

func (m *Metrics) TaskFinished(kind, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(kind, state).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Queue(depth, faults int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.chunkFaults.Set(float64(faults))
}

func (m *Metrics) Paused(p bool) {
	if m == nil {
		return
	}
	v := 0.0
	if p {
		v = 1
	}
	m.paused.Set(v)
}
