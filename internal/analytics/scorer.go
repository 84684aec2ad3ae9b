package analytics

import (
	"encoding/json"
	"math"
)

// scoreEpsilon добавляется к residual_variance, чтобы идеальная подгонка
// не давала деления на ноль
const scoreEpsilon = 1e-9

// Статусы результата оценки
const (
	StatusScored   = "scored"
	StatusUnscored = "unscored"
)

// Классификация отклонения
const (
	DirectionSpike     = "spike"
	DirectionDrop      = "drop"
	DirectionDeviation = "deviation"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AnomalyResult результат оценки одного сэмпла
type AnomalyResult struct {
	Status    string    `json:"status"`
	Timestamp int64     `json:"timestamp"`
	Score     float64   `json:"score"`
	IsAlert   bool      `json:"is_alert"`
	Residual  float64   `json:"residual"`
	Predicted []float64 `json:"predicted,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
}

// Scored true если для сэмпла была валидная модель
func (r AnomalyResult) Scored() bool { return r.Status == StatusScored }

// MarshalJSON не выводит score для неоцененных сэмплов:
// отсутствие сигнала не должно выглядеть как нулевой score.
func (r AnomalyResult) MarshalJSON() ([]byte, error) {
	type plain AnomalyResult
	if r.Scored() {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}{Status: StatusUnscored, Timestamp: r.Timestamp})
}

func unscored(ts int64) AnomalyResult {
	return AnomalyResult{Status: StatusUnscored, Timestamp: ts}
}

// Scorer сравнивает сэмпл с прогнозом модели
type Scorer struct {
	Threshold float64
}

// Score оценивает сэмпл. Модель не изменяется.
func (s Scorer) Score(model *Model, origin int64, sample Sample) AnomalyResult {
	if model == nil || !model.Valid {
		return unscored(sample.Timestamp)
	}

	predicted := model.Predict(float64(sample.Timestamp - origin))

	var sq float64
	for j := range predicted {
		d := sample.Values[j] - predicted[j]
		sq += d * d
	}
	residual := math.Sqrt(sq)
	score := residual / math.Sqrt(model.ResidualVariance+scoreEpsilon)

	res := AnomalyResult{
		Status:    StatusScored,
		Timestamp: sample.Timestamp,
		Score:     score,
		IsAlert:   score > s.Threshold,
		Residual:  residual,
		Predicted: predicted,
	}

	if res.IsAlert {
		res.Severity = SeverityWarning
		if score > 2*s.Threshold {
			res.Severity = SeverityCritical
		}
		res.Direction = DirectionDeviation
		if len(predicted) == 1 {
			if sample.Values[0] > predicted[0] {
				res.Direction = DirectionSpike
			} else {
				res.Direction = DirectionDrop
			}
		}
	}
	return res
}
