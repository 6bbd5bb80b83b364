package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

// Metrics groups all Prometheus instruments used by the client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionUp         prometheus.Gauge
	ReconnectsScheduled  prometheus.Counter
	ReconnectDelay       prometheus.Histogram
	Frames               *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	Evictions            *prometheus.CounterVec
	PartitionRecords     *prometheus.GaugeVec
	VisibleNotifications prometheus.Gauge
	OrphanEventsQueued   prometheus.Counter
	OrphanEventsDropped  *prometheus.CounterVec
	OrphanQueuesOpen     prometheus.Gauge
	EventLag             *prometheus.HistogramVec
	TaskDuration         *prometheus.HistogramVec

	window *latencyWindow
}

// NewMetrics registers every instrument on reg. Pass a fresh registry in
// tests; nil means the process-wide default.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectionUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the task status websocket is open.",
		}),
		ReconnectsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a drop or failed dial.",
		}),
		ReconnectDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay before each scheduled reconnect.",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound websocket frames by parse result.",
		}, []string{"result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task store transitions by outcome.",
		}, []string{"outcome"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_evictions_total",
			Help:      "Records evicted for capacity, by partition.",
		}, []string{"partition"}),
		PartitionRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_records",
			Help:      "Records currently held per partition.",
		}, []string{"partition"}),
		VisibleNotifications: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_visible",
			Help:      "Task notifications currently visible.",
		}),
		OrphanEventsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_events_queued_total",
			Help:      "Events queued for task ids with no subscriber.",
		}),
		OrphanEventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_events_dropped_total",
			Help:      "Queued events dropped before delivery, by reason.",
		}, []string{"reason"}),
		OrphanQueuesOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphan_queues",
			Help:      "Task ids holding queued events.",
		}),
		EventLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_lag_seconds",
			Help:      "Time between a status update on the server and its arrival here.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Server-reported duration of tasks that reached a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"operation", "status"}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ConnectionState(up bool) {
	if m == nil {
		return
	}
	if up {
		m.ConnectionUp.Set(1)
		return
	}
	m.ConnectionUp.Set(0)
}

func (m *Metrics) ReconnectScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskTransition(outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(outcome).Inc()
	m.window.Count(outcome)
}

func (m *Metrics) TaskEvicted(partition string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(partition).Inc()
	m.window.Count("evicted_" + partition)
}

func (m *Metrics) PartitionSize(partition string, n int) {
	if m == nil {
		return
	}
	m.PartitionRecords.WithLabelValues(partition).Set(float64(n))
}

func (m *Metrics) NotificationsVisible(n int) {
	if m == nil {
		return
	}
	m.VisibleNotifications.Set(float64(n))
}

func (m *Metrics) OrphanQueued() {
	if m == nil {
		return
	}
	m.OrphanEventsQueued.Inc()
}

func (m *Metrics) OrphanDropped(reason string) {
	if m == nil {
		return
	}
	m.OrphanEventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrphanQueues(n int) {
	if m == nil {
		return
	}
	m.OrphanQueuesOpen.Set(float64(n))
}

// ObserveEvent records how late an event arrived and, for terminal events,
// how long the task ran.
func (m *Metrics) ObserveEvent(ev protocol.TaskStatus, now time.Time) {
	if m == nil || ev.UpdatedAt <= 0 {
		return
	}
	updated := time.UnixMilli(int64(ev.UpdatedAt * 1000))
	if lag := now.Sub(updated); lag >= 0 {
		m.EventLag.WithLabelValues(ev.Operation).Observe(lag.Seconds())
		m.window.Observe("lag:"+ev.Operation, float64(lag.Milliseconds()))
	}
	switch ev.Status {
	case "completed", "completed_with_errors", "failed", "error":
		if ev.CreatedAt > 0 && ev.UpdatedAt >= ev.CreatedAt {
			secs := ev.UpdatedAt - ev.CreatedAt
			m.TaskDuration.WithLabelValues(ev.Operation, ev.Status).Observe(secs)
			m.window.Observe("duration:"+ev.Operation, secs*1000)
		}
	}
}

// Latency summarizes the recent event lag and task duration window.
func (m *Metrics) Latency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.window.Snapshot()
}

// MetricsHandler serves g, or the default registry when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
