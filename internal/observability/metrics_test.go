package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionState(true)
	m.ReconnectScheduled(time.Second)
	m.Frame("ok")
	m.TaskTransition("inserted")
	m.TaskEvicted("active")
	m.PartitionSize("active", 3)
	m.NotificationsVisible(2)
	m.OrphanQueued()
	m.OrphanDropped("overflow")
	m.OrphanQueues(1)
	m.ObserveEvent(protocol.TaskStatus{UpdatedAt: 1}, time.Now())
	if got := m.Latency(); len(got.Series) != 0 {
		t.Fatalf("Latency() on nil = %+v, want empty", got)
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("taskpulse_test", prometheus.NewRegistry())

	m.ConnectionState(true)
	if got := testutil.ToFloat64(m.ConnectionUp); got != 1 {
		t.Fatalf("connection_up = %v, want 1", got)
	}
	m.ConnectionState(false)
	if got := testutil.ToFloat64(m.ConnectionUp); got != 0 {
		t.Fatalf("connection_up = %v, want 0", got)
	}

	m.Frame("malformed")
	m.Frame("malformed")
	if got := testutil.ToFloat64(m.Frames.WithLabelValues("malformed")); got != 2 {
		t.Fatalf("frames_total{malformed} = %v, want 2", got)
	}

	m.TaskEvicted("completed")
	if got := testutil.ToFloat64(m.Evictions.WithLabelValues("completed")); got != 1 {
		t.Fatalf("task_evictions_total{completed} = %v, want 1", got)
	}

	m.PartitionSize("failed", 7)
	if got := testutil.ToFloat64(m.PartitionRecords.WithLabelValues("failed")); got != 7 {
		t.Fatalf("partition_records{failed} = %v, want 7", got)
	}
}

func TestObserveEventFeedsWindow(t *testing.T) {
	m := NewMetrics("taskpulse_test", prometheus.NewRegistry())
	now := time.Unix(1000, 0)

	m.ObserveEvent(protocol.TaskStatus{Operation: "daily_sales", Status: "processing", CreatedAt: 900, UpdatedAt: 999.5}, now)
	m.ObserveEvent(protocol.TaskStatus{Operation: "daily_sales", Status: "completed", CreatedAt: 900, UpdatedAt: 999}, now)
	m.TaskTransition("stale")

	snap := m.Latency()
	if len(snap.Series) != 2 {
		t.Fatalf("len(Series) = %d, want 2: %+v", len(snap.Series), snap.Series)
	}
	if snap.Series[0].Series != "duration:daily_sales" || snap.Series[0].LastMS != 99000 {
		t.Fatalf("Series[0] = %+v, want duration:daily_sales 99000ms", snap.Series[0])
	}
	if snap.Series[1].Series != "lag:daily_sales" || snap.Series[1].Samples != 2 || snap.Series[1].MaxMS != 1000 {
		t.Fatalf("Series[1] = %+v, want two lag samples, max 1000ms", snap.Series[1])
	}
	if len(snap.Counters) != 1 || snap.Counters[0].Name != "stale" {
		t.Fatalf("Counters = %+v, want stale", snap.Counters)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := newLatencyWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe("lag:x", float64(i*100))
	}
	s := w.Snapshot().Series[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.LastMS != 600 || s.MaxMS != 600 {
		t.Fatalf("LastMS/MaxMS = %.0f/%.0f, want 600/600", s.LastMS, s.MaxMS)
	}
	if s.P50MS != 450 {
		t.Fatalf("P50MS = %.2f, want 450", s.P50MS)
	}
}
