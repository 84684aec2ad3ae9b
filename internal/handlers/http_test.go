package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/metrics"
	"telemetry-analytics/internal/models"
	"telemetry-analytics/internal/storage"
)

type testEnv struct {
	mux      *http.ServeMux
	registry *analytics.Registry
	analyzer *analytics.Analyzer
	store    *storage.MemoryStore
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	registry, err := analytics.NewRegistry(analytics.Config{
		Capacity:       5,
		Window:         5,
		MinFitSamples:  3,
		RefitInterval:  10,
		DriftThreshold: 4,
		AlertThreshold: 3,
	})
	require.NoError(t, err)

	analyzer := analytics.NewAnalyzer(registry, 1, 4)
	store := storage.NewMemoryStore(time.Hour)

	h := NewHandler(analyzer, registry, store, zap.NewNop())
	h.now = func() time.Time { return time.Unix(1700000000, 0) }
	mux := http.NewServeMux()
	h.Register(mux)

	return &testEnv{mux: mux, registry: registry, analyzer: analyzer, store: store}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func at(ts int64) *int64 { return &ts }

func (e *testEnv) submit(t *testing.T, id string, ts int64, values ...float64) *httptest.ResponseRecorder {
	t.Helper()
	rec, _ := e.do(t, http.MethodPost, "/metrics", models.Metric{MetricID: id, Timestamp: at(ts), Values: values})
	return rec
}

func TestSubmitMetric(t *testing.T) {
	env := newEnv(t)
	before := testutil.ToFloat64(metrics.SamplesIngested.WithLabelValues(source))

	for i, v := range []float64{10, 11, 12, 13, 14} {
		rec := env.submit(t, "cpu", int64(i), v)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, before+5, testutil.ToFloat64(metrics.SamplesIngested.WithLabelValues(source)))

	rec, body := env.do(t, http.MethodPost, "/metrics", models.Metric{MetricID: "cpu", Timestamp: at(5), Values: []float64{30}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stable", body["state"])

	anomaly := body["anomaly"].(map[string]interface{})
	assert.Equal(t, "scored", anomaly["status"])
	assert.Equal(t, true, anomaly["is_alert"])
	assert.Equal(t, "spike", anomaly["direction"])
}

func TestSubmitMetric_Errors(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.submit(t, "cpu", 10, 1).Code)

	tests := []struct {
		name   string
		method string
		body   interface{}
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "bad json", method: http.MethodPost, body: "{", want: http.StatusBadRequest},
		{name: "missing id", method: http.MethodPost, body: models.Metric{Timestamp: at(1), Values: []float64{1}}, want: http.StatusBadRequest},
		{name: "empty values", method: http.MethodPost, body: models.Metric{MetricID: "cpu", Timestamp: at(11)}, want: http.StatusBadRequest},
		{name: "out of order", method: http.MethodPost, body: models.Metric{MetricID: "cpu", Timestamp: at(5), Values: []float64{1}}, want: http.StatusConflict},
		{name: "dimension mismatch", method: http.MethodPost, body: models.Metric{MetricID: "cpu", Timestamp: at(11), Values: []float64{1, 2}}, want: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, tt.method, "/metrics", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitMetric_DefaultTimestamp(t *testing.T) {
	env := newEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/metrics", `{"metric_id":"cpu","values":[1]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := env.registry.Query("cpu")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), snap.LatestValue.Timestamp)
}

func TestSubmitMetric_ZeroTimestamp(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/metrics", `{"metric_id":"cpu","timestamp":0,"values":[1]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = env.do(t, http.MethodPost, "/metrics", `{"metric_id":"cpu","timestamp":1,"values":[2]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap, err := env.registry.Query("cpu")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Count)
	assert.Equal(t, int64(1), snap.LatestValue.Timestamp)
}

func TestBatchSubmitMetrics_ZeroTimestamp(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/metrics/batch", `[{"metric_id":"cpu","timestamp":0,"values":[1]},{"metric_id":"mem","values":[1]}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	env.analyzer.Start()
	env.analyzer.Stop()

	snap, err := env.registry.Query("cpu")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.LatestValue.Timestamp)

	snap, err = env.registry.Query("mem")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), snap.LatestValue.Timestamp)
}

func TestBatchSubmitMetrics(t *testing.T) {
	env := newEnv(t)

	batch := []models.Metric{
		{MetricID: "a", Timestamp: at(1), Values: []float64{1}},
		{MetricID: "", Timestamp: at(1), Values: []float64{1}},
		{MetricID: "b", Timestamp: at(1), Values: []float64{2}},
		{MetricID: "c", Timestamp: at(1), Values: []float64{3}},
		{MetricID: "d", Timestamp: at(1), Values: []float64{4}},
		{MetricID: "e", Timestamp: at(1), Values: []float64{5}},
	}
	rec, body := env.do(t, http.MethodPost, "/metrics/batch", batch)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// анализатор не запущен: очередь на 4 сэмпла
	assert.Equal(t, 6.0, body["total"])
	assert.Equal(t, 4.0, body["accepted"])
	assert.Equal(t, 1.0, body["dropped"])
	assert.Equal(t, 1.0, body["invalid"])
	assert.Equal(t, 4, env.analyzer.QueueSize())
}

func TestGetAnalytics(t *testing.T) {
	env := newEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/analytics", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/analytics?metric_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i, v := range []float64{5, 5, 5, 5} {
		require.Equal(t, http.StatusOK, env.submit(t, "flat", int64(i), v).Code)
	}
	require.NoError(t, env.store.StoreAnomaly(context.Background(), models.AnomalyRecord{
		AlertID: "x", MetricID: "flat", Timestamp: 2, Score: 9, DetectedAt: time.Now(),
	}))

	rec, body := env.do(t, http.MethodGet, "/analytics?metric_id=flat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	metric := body["metric"].(map[string]interface{})
	assert.Equal(t, "flat", metric["metric_id"])
	assert.Equal(t, "stable", metric["state"])
	assert.Equal(t, 4.0, metric["count"])

	stats := metric["stats"].(map[string]interface{})
	assert.Equal(t, false, stats["trend_defined"])

	forecast := metric["forecast"].(map[string]interface{})
	assert.Equal(t, []interface{}{5.0}, forecast["value"])

	assert.Len(t, body["recent_anomalies"], 1)
}

func TestGetAnalytics_Horizon(t *testing.T) {
	env := newEnv(t)
	for i, v := range []float64{10, 11, 12, 13, 14} {
		require.Equal(t, http.StatusOK, env.submit(t, "cpu", int64(i), v).Code)
	}

	rec, body := env.do(t, http.MethodGet, "/analytics?metric_id=cpu&horizon=3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3.0, body["horizon"])

	series := body["forecast_series"].([]interface{})
	require.Len(t, series, 3)
	for i, raw := range series {
		f := raw.(map[string]interface{})
		assert.Equal(t, float64(i+1), f["step"])
		assert.Equal(t, float64(5+i), f["timestamp"])
	}
	assert.Equal(t, body["metric"].(map[string]interface{})["forecast"], series[0])

	_, body = env.do(t, http.MethodGet, "/analytics?metric_id=cpu", nil)
	assert.NotContains(t, body, "forecast_series")

	for _, bad := range []string{"0", "-1", "1001", "x"} {
		rec, _ = env.do(t, http.MethodGet, "/analytics?metric_id=cpu&horizon="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	// без модели ряд прогнозов пуст
	require.Equal(t, http.StatusOK, env.submit(t, "new", 1, 1).Code)
	rec, body = env.do(t, http.MethodGet, "/analytics?metric_id=new&horizon=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["forecast_series"])
}

func TestSeriesAction_DropsGauges(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.submit(t, "gauge-a", 1, 1).Code)
	require.Equal(t, http.StatusOK, env.submit(t, "gauge-b", 1, 1).Code)

	for _, id := range []string{"gauge-a", "gauge-b"} {
		metrics.AnomalyScore.WithLabelValues(id).Set(5)
		metrics.ForecastValue.WithLabelValues(id, "0").Set(1)
	}

	rec, _ := env.do(t, http.MethodPost, "/series/reset?metric_id=gauge-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/series/retire?metric_id=gauge-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, id := range []string{"gauge-a", "gauge-b"} {
		assert.False(t, metrics.AnomalyScore.DeleteLabelValues(id), id)
		assert.False(t, metrics.ForecastValue.DeleteLabelValues(id, "0"), id)
	}
}

func TestSeriesLifecycle(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.submit(t, "b", 1, 1).Code)
	require.Equal(t, http.StatusOK, env.submit(t, "a", 1, 1).Code)

	_, body := env.do(t, http.MethodGet, "/series", nil)
	assert.Equal(t, []interface{}{"a", "b"}, body["metrics"])

	rec, _ := env.do(t, http.MethodPost, "/series/reset?metric_id=a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, body = env.do(t, http.MethodGet, "/analytics?metric_id=a", nil)
	assert.Equal(t, "unscored", body["metric"].(map[string]interface{})["state"])

	rec, _ = env.do(t, http.MethodGet, "/series/reset?metric_id=a", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/series/retire?metric_id=b", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/series/retire?metric_id=b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, body = env.do(t, http.MethodGet, "/series", nil)
	assert.Equal(t, []interface{}{"a"}, body["metrics"])
	assert.Equal(t, 1.0, body["count"])
}

func TestGetAnomalies(t *testing.T) {
	env := newEnv(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.StoreAnomaly(context.Background(), models.AnomalyRecord{
			AlertID: string(rune('a' + i)), MetricID: "cpu", Timestamp: int64(i), DetectedAt: time.Now(),
		}))
	}

	rec, body := env.do(t, http.MethodGet, "/anomalies?metric_id=cpu&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["anomaly_count"])

	rec, _ = env.do(t, http.MethodGet, "/anomalies?metric_id=cpu&limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAlerts(t *testing.T) {
	env := newEnv(t)
	now := time.Now()
	require.NoError(t, env.store.StoreAnomaly(context.Background(), models.AnomalyRecord{
		AlertID: "cpu-1", MetricID: "cpu", Timestamp: 1, DetectedAt: now.Add(-time.Second),
	}))
	require.NoError(t, env.store.StoreAnomaly(context.Background(), models.AnomalyRecord{
		AlertID: "mem-1", MetricID: "mem", Timestamp: 1, DetectedAt: now,
	}))

	rec, body := env.do(t, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["alert_count"])
	alerts := body["alerts"].([]interface{})
	assert.Equal(t, "mem-1", alerts[0].(map[string]interface{})["alert_id"])
	assert.Equal(t, "cpu-1", alerts[1].(map[string]interface{})["alert_id"])

	_, body = env.do(t, http.MethodGet, "/alerts?limit=1", nil)
	assert.Equal(t, 1.0, body["alert_count"])

	rec, _ = env.do(t, http.MethodGet, "/alerts?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/alerts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAcknowledgeAlert(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.store.StoreAnomaly(context.Background(), models.AnomalyRecord{
		AlertID: "cpu-1", MetricID: "cpu", Timestamp: 1, DetectedAt: time.Now(),
	}))

	rec, body := env.do(t, http.MethodPost, "/anomalies/ack?alert_id=cpu-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acknowledged", body["status"])

	_, body = env.do(t, http.MethodGet, "/anomalies?metric_id=cpu", nil)
	anomalies := body["anomalies"].([]interface{})
	require.Len(t, anomalies, 1)
	assert.Equal(t, true, anomalies[0].(map[string]interface{})["acknowledged"])

	rec, _ = env.do(t, http.MethodPost, "/anomalies/ack?alert_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/anomalies/ack", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/anomalies/ack?alert_id=cpu-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSaveSnapshot(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.submit(t, "cpu", 1, 1).Code)

	rec, body := env.do(t, http.MethodPost, "/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "saved", body["status"])

	data, err := env.store.LoadSnapshot(context.Background())
	require.NoError(t, err)

	restored, err := analytics.NewRegistry(env.registry.Config())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 1, restored.Len())
}

type brokenStore struct{ *storage.MemoryStore }

func (brokenStore) Ping(context.Context) error { return errors.New("down") }

func TestHealthCheck(t *testing.T) {
	env := newEnv(t)
	rec, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	h := NewHandler(env.analyzer, env.registry, brokenStore{env.store}, zap.NewNop())
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetStats(t *testing.T) {
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.submit(t, "cpu", 1, 1).Code)

	rec, body := env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	analyzer := body["analyzer"].(map[string]interface{})
	assert.Equal(t, 1.0, analyzer["metrics_tracked"])
	assert.Equal(t, "memory", body["storage"].(map[string]interface{})["type"])
}
