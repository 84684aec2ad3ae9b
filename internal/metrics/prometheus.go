package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"telemetry-analytics/internal/analytics"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// SamplesIngested принятые сэмплы
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "samples_ingested_total",
			Help: "Total number of samples accepted by the engine",
		},
		[]string{"source"},
	)

	// SamplesRejected отклоненные сэмплы по причине
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "samples_rejected_total",
			Help: "Total number of samples rejected by the engine",
		},
		[]string{"reason"},
	)

	// SamplesDropped сэмплы, не поместившиеся в очередь
	SamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "samples_dropped_total",
			Help: "Total number of samples dropped because the queue was full",
		},
	)

	// AnomaliesDetected обнаруженные аномалии
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"severity", "direction"},
	)

	// Refits переобучения модели
	Refits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "model_refits_total",
			Help: "Total number of forecast model refits",
		},
	)

	// AnalysisLatency задержка анализа
	AnalysisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_latency_seconds",
			Help:    "Analysis result processing latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// AnomalyScore последний score метрики
	AnomalyScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anomaly_score",
			Help: "Latest anomaly score per metric",
		},
		[]string{"metric_id"},
	)

	// ForecastValue прогноз на следующий шаг по компонентам
	ForecastValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forecast_value",
			Help: "One-step-ahead forecast per metric component",
		},
		[]string{"metric_id", "component"},
	)

	// ActiveMetrics метрики по состояниям
	ActiveMetrics = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracked_metrics",
			Help: "Number of tracked metrics by state",
		},
		[]string{"state"},
	)

	// QueueSize размер очереди обработки
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processing_queue_size",
			Help: "Current size of the processing queue",
		},
	)

	// StoreOperations операции с хранилищем
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	// WebsocketClients подключенные дашборды
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)
)

// ObserveStore учитывает результат операции с хранилищем
func ObserveStore(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(operation, status).Inc()
}

// ForgetMetric удаляет gauges score и прогноза метрики после reset или retire
func ForgetMetric(metricID string) {
	AnomalyScore.DeleteLabelValues(metricID)
	ForecastValue.DeletePartialMatch(prometheus.Labels{"metric_id": metricID})
}

// RejectReason метка причины отказа для SamplesRejected
func RejectReason(err error) string {
	switch {
	case errors.Is(err, analytics.ErrOutOfOrderSample):
		return "out_of_order"
	case errors.Is(err, analytics.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, analytics.ErrInvalidSample):
		return "invalid"
	default:
		return "other"
	}
}
