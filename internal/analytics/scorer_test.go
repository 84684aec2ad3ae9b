package analytics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineModel() *Model {
	// v = 10 + t, остаточная дисперсия 4
	return &Model{
		Valid:            true,
		FitSamples:       10,
		MeanT:            0,
		Stt:              100,
		Level:            []float64{10},
		Slope:            []float64{1},
		ResidualVariance: 4,
	}
}

func TestScorer_Unscored(t *testing.T) {
	s := Scorer{Threshold: 3}

	res := s.Score(&Model{}, 0, sample(5, 1))
	assert.False(t, res.Scored())
	assert.Equal(t, int64(5), res.Timestamp)
	assert.False(t, res.IsAlert)

	res = s.Score(nil, 0, sample(5, 1))
	assert.Equal(t, StatusUnscored, res.Status)
}

func TestScorer_Score(t *testing.T) {
	s := Scorer{Threshold: 3}
	m := lineModel()

	tests := []struct {
		name      string
		value     float64
		alert     bool
		severity  string
		direction string
	}{
		{name: "on prediction", value: 15},
		{name: "within threshold", value: 20},
		{name: "warning spike", value: 22, alert: true, severity: SeverityWarning, direction: DirectionSpike},
		{name: "critical drop", value: 0, alert: true, severity: SeverityCritical, direction: DirectionDrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(m, 0, sample(5, tt.value))
			require.True(t, res.Scored())

			residual := math.Abs(tt.value - 15)
			assert.InDelta(t, residual, res.Residual, 1e-12)
			assert.InDelta(t, residual/math.Sqrt(4+scoreEpsilon), res.Score, 1e-9)
			assert.Equal(t, []float64{15}, res.Predicted)
			assert.Equal(t, tt.alert, res.IsAlert)
			assert.Equal(t, tt.severity, res.Severity)
			assert.Equal(t, tt.direction, res.Direction)
		})
	}
}

func TestScorer_ThresholdIsStrict(t *testing.T) {
	// score ровно на пороге не алерт
	m := &Model{Valid: true, FitSamples: 3, Level: []float64{0}, Slope: []float64{0}, ResidualVariance: 1}
	first := Scorer{Threshold: 1}.Score(m, 0, sample(1, 2))
	require.True(t, first.IsAlert)

	res := Scorer{Threshold: first.Score}.Score(m, 0, sample(1, 2))
	assert.Equal(t, first.Score, res.Score)
	assert.False(t, res.IsAlert)
}

func TestScorer_PerfectFit(t *testing.T) {
	m := &Model{Valid: true, FitSamples: 5, Level: []float64{5}, Slope: []float64{0}, Constant: true}
	s := Scorer{Threshold: 3}

	res := s.Score(m, 0, sample(5, 5))
	assert.Equal(t, 0.0, res.Score)
	assert.False(t, res.IsAlert)

	res = s.Score(m, 0, sample(6, 100))
	assert.False(t, math.IsInf(res.Score, 0))
	assert.True(t, res.IsAlert)
	assert.Equal(t, SeverityCritical, res.Severity)
}

func TestScorer_Multivariate(t *testing.T) {
	m := &Model{
		Valid:            true,
		FitSamples:       10,
		Level:            []float64{0, 0},
		Slope:            []float64{0, 0},
		ResidualVariance: 1,
	}
	res := Scorer{Threshold: 3}.Score(m, 0, sample(1, 3, 4))
	assert.InDelta(t, 5.0, res.Residual, 1e-12)
	assert.True(t, res.IsAlert)
	assert.Equal(t, DirectionDeviation, res.Direction)
}

func TestAnomalyResult_MarshalUnscored(t *testing.T) {
	data, err := json.Marshal(unscored(42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"unscored","timestamp":42}`, string(data))

	res := Scorer{Threshold: 3}.Score(lineModel(), 0, sample(5, 15))
	data, err = json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "scored", decoded["status"])
	assert.Contains(t, decoded, "score")
	assert.Equal(t, false, decoded["is_alert"])
}
