package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "secmon"

// Metrics holds Prometheus metrics for secmon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Pipeline metrics
	EventsIngested     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	RuleMatches        *prometheus.CounterVec
	Actions            *prometheus.CounterVec
	StageFailures      *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	QueueDepth         prometheus.Gauge

	// State metrics
	LedgerActors   prometheus.Gauge
	BufferedEvents prometheus.Gauge

	// Gateway metrics
	RateLimited *prometheus.CounterVec
	Retries     *prometheus.CounterVec

	// Maintenance metrics
	MaintenanceRuns *prometheus.CounterVec

	// Notification metrics
	AlertsPublished *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers every secmon metric on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Security events processed by type and severity",
			},
			[]string{"type", "severity"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Security events rejected before processing",
			},
			[]string{"reason"},
		),
		RuleMatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_matches_total",
				Help:      "Threat rule matches by rule",
			},
			[]string{"rule"},
		),
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Dispatched actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		StageFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Pipeline stage failures by stage and kind",
			},
			[]string{"stage", "kind"},
		),
		ProcessingDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_duration_seconds",
				Help:      "Time from dequeue to completion of one event",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Events accepted but not yet processed",
			},
		),
		LedgerActors: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_actors",
				Help:      "Actors with a non-zero risk ledger entry",
			},
		),
		BufferedEvents: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_events",
				Help:      "Events held in the in-memory buffer",
			},
		),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_retries_total",
				Help:      "Outbound request retries by method",
			},
			[]string{"method"},
		),
		MaintenanceRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance task runs by task and status",
			},
			[]string{"task", "status"},
		),
		AlertsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_published_total",
				Help:      "Alerts published to the message bus",
			},
			[]string{"status"},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

func (m *Metrics) EventIngested(eventType, severity string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RuleMatched(rule string) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(rule).Inc()
}

func (m *Metrics) ActionDispatched(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) StageFailed(stage, kind string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) EventProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetState(ledgerActors, bufferedEvents int) {
	if m == nil {
		return
	}
	m.LedgerActors.Set(float64(ledgerActors))
	m.BufferedEvents.Set(float64(bufferedEvents))
}

func (m *Metrics) RequestRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RequestRetried(method string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(method).Inc()
}

func (m *Metrics) MaintenanceRan(task, status string) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(task, status).Inc()
}

func (m *Metrics) AlertPublished(status string) {
	if m == nil {
		return
	}
	m.AlertsPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) HTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
