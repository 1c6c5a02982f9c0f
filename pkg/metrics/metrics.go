package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for a crawl process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	APICalls        *prometheus.CounterVec
	APILatency      *prometheus.HistogramVec
	QueuePending    prometheus.Gauge
	QueueDispatched prometheus.Counter
	QueueCancelled  prometheus.Counter
	QueueCooldowns  prometheus.Counter
	BudgetRemaining prometheus.Gauge
	BatchErrors     *prometheus.CounterVec
	GraphUsers      prometheus.Gauge
	GraphPhotos     prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		APICalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flickrtwin_api_calls_total",
			Help: "Upstream API calls by method and outcome",
		}, []string{"method", "outcome"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flickrtwin_api_call_duration_seconds",
			Help:    "Upstream API call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "flickrtwin_queue_pending",
			Help: "Requests waiting in the queue",
		}),
		QueueDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "flickrtwin_queue_dispatched_total",
			Help: "Requests dispatched by the queue",
		}),
		QueueCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "flickrtwin_queue_cancelled_total",
			Help: "Requests rejected before dispatch",
		}),
		QueueCooldowns: f.NewCounter(prometheus.CounterOpts{
			Name: "flickrtwin_queue_cooldowns_total",
			Help: "Times the queue paused on an exhausted budget",
		}),
		BudgetRemaining: f.NewGauge(prometheus.GaugeOpts{
			Name: "flickrtwin_budget_remaining",
			Help: "Calls left in the rolling window",
		}),
		BatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flickrtwin_batch_errors_total",
			Help: "Items that failed inside a batch operation",
		}, []string{"operation"}),
		GraphUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "flickrtwin_graph_users",
			Help: "Users in the favorite graph",
		}),
		GraphPhotos: f.NewGauge(prometheus.GaugeOpts{
			Name: "flickrtwin_graph_photos",
			Help: "Photos in the favorite graph",
		}),
	}
}

// ObserveCall records one upstream call
func (m *Metrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(method, outcome).Inc()
	m.APILatency.WithLabelValues(method).Observe(d.Seconds())
}

// SetPending sets the queue depth
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}

// IncDispatched counts a dispatched request
func (m *Metrics) IncDispatched() {
	if m == nil {
		return
	}
	m.QueueDispatched.Inc()
}

// AddCancelled counts requests rejected by cancellation
func (m *Metrics) AddCancelled(n int) {
	if m == nil {
		return
	}
	m.QueueCancelled.Add(float64(n))
}

// IncCooldown counts a budget cooldown
func (m *Metrics) IncCooldown() {
	if m == nil {
		return
	}
	m.QueueCooldowns.Inc()
}

// SetBudgetRemaining sets the remaining call capacity
func (m *Metrics) SetBudgetRemaining(n int) {
	if m == nil {
		return
	}
	m.BudgetRemaining.Set(float64(n))
}

// IncBatchError counts a failed item of a batch operation
func (m *Metrics) IncBatchError(operation string) {
	if m == nil {
		return
	}
	m.BatchErrors.WithLabelValues(operation).Inc()
}

// SetGraphSize sets the table sizes
func (m *Metrics) SetGraphSize(users, photos int) {
	if m == nil {
		return
	}
	m.GraphUsers.Set(float64(users))
	m.GraphPhotos.Set(float64(photos))
}
