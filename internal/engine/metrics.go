package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время обработки HTTP запроса
	RequestDuration *prometheus.HistogramVec

	// Traffic: запросы по маршруту и коду ответа
	TotalRequests *prometheus.CounterVec

	// Cache: hit / miss / stale по сущностям
	CacheLookups *prometheus.CounterVec

	// Errors: отказы хранилища и авторизации
	StoreErrors  *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	CommandsEnqueued *prometheus.CounterVec

	// Saturation: заполненность очереди исходящих (backpressure)
	OutboxBufferFill prometheus.Gauge

	// Состояние Circuit Breaker доставки (0 - ок, 1 - выбило, 0.5 - пробуем)
	OutboxBreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentsync_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentsync_requests_total",
			Help: "Total number of processed requests.",
		}, []string{"route", "code"}),

		CacheLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentsync_cache_lookups_total",
			Help: "Cache lookups by entity and result.",
		}, []string{"entity", "result"}), // result: hit, miss, stale

		StoreErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentsync_store_errors_total",
			Help: "Failed store calls by operation.",
		}, []string{"op"}),

		AuthFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentsync_auth_failures_total",
			Help: "Rejected authentications by reason.",
		}, []string{"reason"}), // reason: credential, token

		CommandsEnqueued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentsync_commands_enqueued_total",
			Help: "Commands appended to agent queues.",
		}, []string{"type"}),

		OutboxBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentsync_outbox_buffer_utilization",
			Help: "Current number of messages in outbox buffer.",
		}),

		OutboxBreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentsync_outbox_breaker_state",
			Help: "Current state of the outbox delivery breaker (0=closed, 1=open, 0.5=half-open).",
		}),
	}
}
