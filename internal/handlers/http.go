package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/metrics"
	"telemetry-analytics/internal/models"
	"telemetry-analytics/internal/storage"
)

const (
	source = "http"

	defaultAnomalyLimit = 10
	maxAnomalyLimit     = 1000
	maxHorizon          = 1000
	maxBodyBytes        = 4 << 20
	storeTimeout        = 2 * time.Second
)

// Handler обработчик HTTP запросов
type Handler struct {
	analyzer *analytics.Analyzer
	registry *analytics.Registry
	store    storage.Store
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler создает новый обработчик
func NewHandler(analyzer *analytics.Analyzer, registry *analytics.Registry, store storage.Store, logger *zap.Logger) *Handler {
	return &Handler{
		analyzer: analyzer,
		registry: registry,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Register регистрирует маршруты API
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", h.SubmitMetric)
	mux.HandleFunc("/metrics/batch", h.BatchSubmitMetrics)
	mux.HandleFunc("/analytics", h.GetAnalytics)
	mux.HandleFunc("/series", h.ListSeries)
	mux.HandleFunc("/series/reset", h.ResetSeries)
	mux.HandleFunc("/series/retire", h.RetireSeries)
	mux.HandleFunc("/anomalies", h.GetAnomalies)
	mux.HandleFunc("/anomalies/ack", h.AcknowledgeAlert)
	mux.HandleFunc("/alerts", h.GetAlerts)
	mux.HandleFunc("/snapshot", h.SaveSnapshot)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/stats", h.GetStats)
}

// statusFor код ответа для ошибки движка
func statusFor(err error) int {
	switch {
	case errors.Is(err, analytics.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analytics.ErrOutOfOrderSample):
		return http.StatusConflict
	case errors.Is(err, analytics.ErrDimensionMismatch), errors.Is(err, analytics.ErrInvalidSample):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respond пишет JSON ответ и учитывает запрос
func respond(w http.ResponseWriter, r *http.Request, endpoint string, status int, body interface{}) {
	metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func fail(w http.ResponseWriter, r *http.Request, endpoint string, status int, msg string) {
	respond(w, r, endpoint, status, models.ErrorResponse{Error: msg})
}

func observe(r *http.Request, endpoint string, start time.Time) {
	metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
}

func allow(w http.ResponseWriter, r *http.Request, endpoint, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	fail(w, r, endpoint, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// intParam разбирает необязательный параметр в диапазоне [1, hi]
func intParam(w http.ResponseWriter, r *http.Request, endpoint, name string, def, hi int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > hi {
		fail(w, r, endpoint, http.StatusBadRequest, name+" must be in [1, "+strconv.Itoa(hi)+"]")
		return 0, false
	}
	return n, true
}

func metricID(w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	id := r.URL.Query().Get("metric_id")
	if id == "" {
		fail(w, r, endpoint, http.StatusBadRequest, "metric_id parameter is required")
		return "", false
	}
	return id, true
}

// SubmitMetric обрабатывает POST /metrics: синхронный прием с оценкой
func (h *Handler) SubmitMetric(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/metrics"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodPost) {
		return
	}

	var metric models.Metric
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&metric); err != nil {
		fail(w, r, endpoint, http.StatusBadRequest, "Invalid JSON")
		return
	}

	// Устанавливаем timestamp если не указан
	ts := metric.TimestampOr(h.now().Unix())

	if err := metric.Validate(); err != nil {
		metrics.SamplesRejected.WithLabelValues("invalid").Inc()
		fail(w, r, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.analyzer.Process(analytics.MetricData{
		MetricID:  metric.MetricID,
		Timestamp: ts,
		Values:    metric.Values,
	})
	if err != nil {
		h.logger.Debug("sample rejected",
			zap.String("metric_id", metric.MetricID),
			zap.Int64("timestamp", ts),
			zap.Error(err))
		fail(w, r, endpoint, statusFor(err), err.Error())
		return
	}

	metrics.SamplesIngested.WithLabelValues(source).Inc()
	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"metric_id": result.MetricID,
		"state":     result.State,
		"anomaly":   result.Anomaly,
		"refitted":  result.Refitted,
		"forecast":  result.Forecast,
	})
}

// BatchSubmitMetrics обрабатывает POST /metrics/batch: сэмплы ставятся в очередь
func (h *Handler) BatchSubmitMetrics(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/metrics/batch"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodPost) {
		return
	}

	var batch []models.Metric
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		fail(w, r, endpoint, http.StatusBadRequest, "Invalid JSON")
		return
	}

	resp := models.BatchResponse{Status: "accepted", Total: len(batch)}
	now := h.now().Unix()
	for _, metric := range batch {
		if err := metric.Validate(); err != nil {
			metrics.SamplesRejected.WithLabelValues("invalid").Inc()
			resp.Invalid++
			continue
		}

		ok := h.analyzer.AddMetric(analytics.MetricData{
			MetricID:  metric.MetricID,
			Timestamp: metric.TimestampOr(now),
			Values:    metric.Values,
		})
		if !ok {
			metrics.SamplesDropped.Inc()
			resp.Dropped++
			continue
		}
		metrics.SamplesIngested.WithLabelValues(source).Inc()
		resp.Accepted++
	}

	if resp.Dropped > 0 {
		h.logger.Warn("queue full, samples dropped", zap.Int("dropped", resp.Dropped))
	}
	respond(w, r, endpoint, http.StatusAccepted, resp)
}

// GetAnalytics обрабатывает GET /analytics
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/analytics"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodGet) {
		return
	}
	id, ok := metricID(w, r, endpoint)
	if !ok {
		return
	}
	horizon, ok := intParam(w, r, endpoint, "horizon", 0, maxHorizon)
	if !ok {
		return
	}

	snap, err := h.registry.Query(id)
	if err != nil {
		fail(w, r, endpoint, statusFor(err), err.Error())
		return
	}

	body := map[string]interface{}{"metric": snap}

	if horizon > 0 {
		series, err := h.registry.ForecastSeries(id, horizon)
		if err != nil {
			fail(w, r, endpoint, statusFor(err), err.Error())
			return
		}
		body["horizon"] = horizon
		body["forecast_series"] = series
	}

	// История аномалий необязательна: при недоступном хранилище отдаем снимок
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	recent, err := h.store.RecentAnomalies(ctx, id, defaultAnomalyLimit)
	metrics.ObserveStore("recent_anomalies", err)
	if err != nil {
		h.logger.Warn("failed to load anomaly history", zap.String("metric_id", id), zap.Error(err))
	} else {
		body["recent_anomalies"] = recent
	}

	respond(w, r, endpoint, http.StatusOK, body)
}

// ListSeries обрабатывает GET /series
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/series"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodGet) {
		return
	}

	ids := slices.Collect(h.registry.ListMetrics())
	if ids == nil {
		ids = []string{}
	}
	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"metrics": ids,
		"count":   len(ids),
	})
}

// ResetSeries обрабатывает POST /series/reset
func (h *Handler) ResetSeries(w http.ResponseWriter, r *http.Request) {
	h.seriesAction(w, r, "/series/reset", "reset", h.registry.Reset)
}

// RetireSeries обрабатывает POST /series/retire
func (h *Handler) RetireSeries(w http.ResponseWriter, r *http.Request) {
	h.seriesAction(w, r, "/series/retire", "retired", h.registry.Retire)
}

func (h *Handler) seriesAction(w http.ResponseWriter, r *http.Request, endpoint, status string, action func(string) error) {
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodPost) {
		return
	}
	id, ok := metricID(w, r, endpoint)
	if !ok {
		return
	}

	if err := action(id); err != nil {
		fail(w, r, endpoint, statusFor(err), err.Error())
		return
	}

	metrics.ForgetMetric(id)
	h.logger.Info("series "+status, zap.String("metric_id", id))
	respond(w, r, endpoint, http.StatusOK, map[string]string{
		"status":    status,
		"metric_id": id,
	})
}

// GetAnomalies обрабатывает GET /anomalies
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/anomalies"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodGet) {
		return
	}
	id, ok := metricID(w, r, endpoint)
	if !ok {
		return
	}

	limit, ok := intParam(w, r, endpoint, "limit", defaultAnomalyLimit, maxAnomalyLimit)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	recent, err := h.store.RecentAnomalies(ctx, id, limit)
	metrics.ObserveStore("recent_anomalies", err)
	if err != nil {
		h.logger.Error("failed to load anomaly history", zap.String("metric_id", id), zap.Error(err))
		fail(w, r, endpoint, http.StatusInternalServerError, "Failed to retrieve anomalies")
		return
	}

	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"metric_id":     id,
		"anomaly_count": len(recent),
		"anomalies":     recent,
	})
}

// GetAlerts обрабатывает GET /alerts: последние алерты всех метрик
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/alerts"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodGet) {
		return
	}
	limit, ok := intParam(w, r, endpoint, "limit", defaultAnomalyLimit, maxAnomalyLimit)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	alerts, err := h.store.RecentAlerts(ctx, limit)
	metrics.ObserveStore("recent_alerts", err)
	if err != nil {
		h.logger.Error("failed to load alerts", zap.Error(err))
		fail(w, r, endpoint, http.StatusInternalServerError, "Failed to retrieve alerts")
		return
	}
	if alerts == nil {
		alerts = []models.AnomalyRecord{}
	}

	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"alert_count": len(alerts),
		"alerts":      alerts,
	})
}

// AcknowledgeAlert обрабатывает POST /anomalies/ack
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/anomalies/ack"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodPost) {
		return
	}
	alertID := r.URL.Query().Get("alert_id")
	if alertID == "" {
		fail(w, r, endpoint, http.StatusBadRequest, "alert_id parameter is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	err := h.store.Acknowledge(ctx, alertID)
	metrics.ObserveStore("acknowledge", err)
	switch {
	case errors.Is(err, storage.ErrAlertNotFound):
		fail(w, r, endpoint, http.StatusNotFound, "alert not found: "+alertID)
		return
	case err != nil:
		h.logger.Error("failed to acknowledge alert", zap.String("alert_id", alertID), zap.Error(err))
		fail(w, r, endpoint, http.StatusInternalServerError, "Failed to acknowledge alert")
		return
	}

	h.logger.Info("alert acknowledged", zap.String("alert_id", alertID))
	respond(w, r, endpoint, http.StatusOK, map[string]string{
		"status":   "acknowledged",
		"alert_id": alertID,
	})
}

// SaveSnapshot обрабатывает POST /snapshot
func (h *Handler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/snapshot"
	start := time.Now()
	defer observe(r, endpoint, start)

	if !allow(w, r, endpoint, http.MethodPost) {
		return
	}

	size, err := storage.Persist(r.Context(), h.store, h.registry)
	metrics.ObserveStore("save_snapshot", err)
	if err != nil {
		h.logger.Error("failed to save snapshot", zap.Error(err))
		fail(w, r, endpoint, http.StatusServiceUnavailable, "Failed to save snapshot")
		return
	}

	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"status":  "saved",
		"bytes":   size,
		"metrics": h.registry.Len(),
	})
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	storeOK := h.store.Ping(ctx) == nil

	status := "healthy"
	httpStatus := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"storage":   storeOK,
		"timestamp": h.now(),
	})
}

// GetStats обрабатывает GET /stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stats"
	start := time.Now()
	defer observe(r, endpoint, start)

	respond(w, r, endpoint, http.StatusOK, map[string]interface{}{
		"analyzer":  h.analyzer.GetStats(),
		"storage":   h.store.Stats(),
		"timestamp": h.now(),
	})
}
