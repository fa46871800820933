package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ChunksLoaded(98, 2)
	m.SectionsWritten(12)
	m.SectionsWritten(0)
	m.Sweeps(7)
	m.TaskFinished("batch", "DONE", time.Second)
	m.Queue(3, 250)
	m.Paused(true)

	got := gathered(t, reg)
	want := map[string]float64{
		"lightfix_chunks_loaded_total":    98,
		"lightfix_chunks_failed_total":    2,
		"lightfix_sections_written_total": 12,
		"lightfix_batch_sweeps":           1,
		"lightfix_tasks_finished_total":   1,
		"lightfix_task_duration_seconds":  1,
		"lightfix_queue_depth":            3,
		"lightfix_chunk_faults":           250,
		"lightfix_paused":                 1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %v want %v", name, got[name], v)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ChunksLoaded(1, 1)
	m.SectionsWritten(1)
	m.ApplyTimeout()
	m.Sweeps(1)
	m.TaskFinished("batch", "DONE", 0)
	m.Queue(1, 1)
	m.Paused(false)
}
