package models

import (
	"errors"
	"time"
)

// Metric сэмпл метрики от клиента (HTTP или Kafka).
// Timestamp nil означает, что поле не передано; 0 - обычная метка времени.
type Metric struct {
	MetricID  string    `json:"metric_id"`
	Timestamp *int64    `json:"timestamp,omitempty"`
	Values    []float64 `json:"values"`
}

// TimestampOr возвращает переданный timestamp или def, если поля нет
func (m *Metric) TimestampOr(def int64) int64 {
	if m.Timestamp == nil {
		return def
	}
	return *m.Timestamp
}

// Validate проверяет обязательные поля до передачи в движок
func (m *Metric) Validate() error {
	if m.MetricID == "" {
		return errors.New("metric_id is required")
	}
	if len(m.Values) == 0 {
		return errors.New("values must not be empty")
	}
	return nil
}

// AnomalyRecord алерт, сохраненный в историю аномалий
type AnomalyRecord struct {
	AlertID    string    `json:"alert_id"`
	MetricID   string    `json:"metric_id"`
	Timestamp  int64     `json:"timestamp"`
	Score      float64   `json:"score"`
	Residual   float64   `json:"residual"`
	Severity   string    `json:"severity"`
	Direction  string    `json:"direction"`
	Values     []float64 `json:"values,omitempty"`
	Predicted  []float64 `json:"predicted,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	// Acknowledged алерт подтвержден оператором
	Acknowledged bool `json:"acknowledged"`
}

// BatchResponse ответ на POST /metrics/batch
type BatchResponse struct {
	Status   string `json:"status"`
	Total    int    `json:"total"`
	Accepted int    `json:"accepted"`
	Dropped  int    `json:"dropped"`
	Invalid  int    `json:"invalid"`
}

// ErrorResponse тело ответа с ошибкой
type ErrorResponse struct {
	Error string `json:"error"`
}
