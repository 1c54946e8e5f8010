package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for relay metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	callsTotal            *prometheus.CounterVec
	notificationsPub      *prometheus.CounterVec
	notificationsDelivery *prometheus.CounterVec
	messagesProcessed     *prometheus.CounterVec
	messagesReclaimed     prometheus.Counter
	staleWorkersRemoved   prometheus.Counter
	staleConsumersRemoved prometheus.Counter

	// Histograms
	callDuration *prometheus.HistogramVec

	// Gauges
	registeredWorkers   *prometheus.GaugeVec
	activeConsumers     *prometheus.GaugeVec
	pendingWaiters      prometheus.Gauge
	circuitBreakerState *prometheus.GaugeVec
}

// Default histogram buckets for call duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of function calls",
			},
			[]string{"function", "transport", "status"},
		),

		notificationsPub: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_published_total",
				Help:      "Total notifications published per channel class",
			},
			[]string{"class"},
		),

		notificationsDelivery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_delivered_total",
				Help:      "Total listener deliveries per channel class",
			},
			[]string{"class"},
		),

		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_processed_total",
				Help:      "Stream messages processed by consumers",
			},
			[]string{"function", "status"},
		),

		messagesReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_reclaimed_total",
				Help:      "Pending stream entries reclaimed from stuck consumers",
			},
		),

		staleWorkersRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_workers_removed_total",
				Help:      "Workers removed by the stale-worker sweep",
			},
		),

		staleConsumersRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_consumers_removed_total",
				Help:      "Consumers removed by the stale-consumer sweep",
			},
		),

		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_milliseconds",
				Help:      "Duration of function calls in milliseconds",
				Buckets:   buckets,
			},
			[]string{"function", "transport"},
		),

		registeredWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_workers",
				Help:      "Workers currently registered per function",
			},
			[]string{"function"},
		),

		activeConsumers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_consumers",
				Help:      "Consumers currently active per function",
			},
			[]string{"function"},
		),

		pendingWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_readiness_waiters",
				Help:      "Callers currently blocked waiting for worker readiness",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"breaker"},
		),
	}

	registry.MustRegister(
		pm.callsTotal,
		pm.notificationsPub,
		pm.notificationsDelivery,
		pm.messagesProcessed,
		pm.messagesReclaimed,
		pm.staleWorkersRemoved,
		pm.staleConsumersRemoved,
		pm.callDuration,
		pm.registeredWorkers,
		pm.activeConsumers,
		pm.pendingWaiters,
		pm.circuitBreakerState,
	)

	promMetrics = pm
}

// RecordCall records a completed function call.
func RecordCall(funcName, transport string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.callsTotal.WithLabelValues(funcName, transport, status).Inc()
	promMetrics.callDuration.WithLabelValues(funcName, transport).Observe(float64(durationMs))
}

// RecordNotificationPublished records a published notification.
func RecordNotificationPublished(class string) {
	if promMetrics == nil {
		return
	}
	promMetrics.notificationsPub.WithLabelValues(class).Inc()
}

// RecordNotificationDelivered records one listener delivery.
func RecordNotificationDelivered(class string) {
	if promMetrics == nil {
		return
	}
	promMetrics.notificationsDelivery.WithLabelValues(class).Inc()
}

// RecordMessageProcessed records a stream message handled by a consumer.
func RecordMessageProcessed(funcName string, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.messagesProcessed.WithLabelValues(funcName, status).Inc()
}

// RecordMessagesReclaimed records pending entries taken back from a stuck
// consumer.
func RecordMessagesReclaimed(n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.messagesReclaimed.Add(float64(n))
}

// RecordStaleWorkersRemoved records workers removed by the recovery sweep.
func RecordStaleWorkersRemoved(n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.staleWorkersRemoved.Add(float64(n))
}

// RecordStaleConsumersRemoved records consumers removed by the recovery sweep.
func RecordStaleConsumersRemoved(n int) {
	if promMetrics == nil || n <= 0 {
		return
	}
	promMetrics.staleConsumersRemoved.Add(float64(n))
}

// SetRegisteredWorkers sets the registered-worker gauge for a function.
func SetRegisteredWorkers(funcName string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.registeredWorkers.WithLabelValues(funcName).Set(float64(n))
}

// SetActiveConsumers sets the active-consumer gauge for a function.
func SetActiveConsumers(funcName string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConsumers.WithLabelValues(funcName).Set(float64(n))
}

// IncPendingWaiters increments the blocked-readiness-waiter gauge.
func IncPendingWaiters() {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingWaiters.Inc()
}

// DecPendingWaiters decrements the blocked-readiness-waiter gauge.
func DecPendingWaiters() {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingWaiters.Dec()
}

// SetCircuitBreakerState sets the breaker state gauge.
// state: 0=closed, 1=open, 2=half_open
func SetCircuitBreakerState(breaker string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
