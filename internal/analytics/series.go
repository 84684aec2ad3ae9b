package analytics

import (
	"fmt"
	"math"
	"sync"
)

// Forecast прогноз на шаг вперед
type Forecast struct {
	Step             int         `json:"step"`
	Timestamp        int64       `json:"timestamp"`
	Value            []float64   `json:"value"`
	Lower            []float64   `json:"lower"`
	Upper            []float64   `json:"upper"`
	Band             float64     `json:"band"`
	Slope            []float64   `json:"slope"`
	Intercept        []float64   `json:"intercept"`
	ResidualVariance float64     `json:"residual_variance"`
	FitTimestamp     int64       `json:"fit_timestamp"`
	FitSamples       int         `json:"fit_samples"`
	Components       [][]float64 `json:"components,omitempty"`
	Explained        []float64   `json:"explained,omitempty"`
}

// MetricSnapshot состояние метрики для дашборда
type MetricSnapshot struct {
	MetricID    string        `json:"metric_id"`
	State       State         `json:"state"`
	Dimension   int           `json:"dimension"`
	Count       int           `json:"count"`
	LatestValue *Sample       `json:"latest_value,omitempty"`
	Stats       RollingStats  `json:"stats"`
	Forecast    *Forecast     `json:"forecast,omitempty"`
	Anomaly     AnomalyResult `json:"anomaly"`
	Refits      int           `json:"refits"`
}

// IngestResult итог приема одного сэмпла
type IngestResult struct {
	Anomaly  AnomalyResult
	State    State
	Refitted bool
	Forecast *Forecast
}

// series состояние одной метрики: буфер, трекеры, модель.
// Один писатель (ingest) и много читателей (snapshot) под mu.
type series struct {
	mu sync.RWMutex

	id     string
	dim    int
	origin int64

	buf   *Buffer
	stats *Tracker // весь буфер (C)
	fit   *Tracker // окно подгонки (W)
	model Model
	last  AnomalyResult

	sinceFit int
	driftSum float64
	driftN   int
	refits   int

	retired bool
}

func newSeries(id string, capacity int) *series {
	return &series{
		id:   id,
		buf:  NewBuffer(capacity),
		last: unscored(0),
	}
}

func (s *series) state() State {
	switch {
	case s.buf.Len() == 0:
		return StateUnscored
	case s.model.Valid:
		return StateStable
	default:
		return StateActive
	}
}

func (s *series) elapsed(ts int64) float64 { return float64(ts - s.origin) }

// ingest принимает сэмпл. При ошибке состояние серии не меняется.
func (s *series) ingest(cfg *Config, scorer Scorer, sample Sample, newAlertID func() string) (IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return IngestResult{}, errRetired
	}
	if s.dim != 0 && len(sample.Values) != s.dim {
		return IngestResult{}, fmt.Errorf("%w: metric %s has dimension %d, got %d",
			ErrDimensionMismatch, s.id, s.dim, len(sample.Values))
	}
	if last, ok := s.buf.Last(); ok && sample.Timestamp < last.Timestamp {
		return IngestResult{}, fmt.Errorf("%w: metric %s timestamp %d before %d",
			ErrOutOfOrderSample, s.id, sample.Timestamp, last.Timestamp)
	}

	// Оценка до мутации: сэмпл сравнивается с моделью, которая его еще не видела
	result := scorer.Score(&s.model, s.origin, sample)
	if result.IsAlert && newAlertID != nil {
		result.AlertID = newAlertID()
	}

	if s.dim == 0 {
		s.dim = len(sample.Values)
		s.origin = sample.Timestamp
		s.stats = NewTracker(s.dim)
		s.fit = NewTracker(s.dim)
	}

	// Сэмпл, выходящий из окна W, нужно прочитать до перезаписи буфера
	var leaving *Sample
	if n := s.buf.Len(); n >= cfg.Window {
		if last, _ := s.buf.Last(); sample.Timestamp != last.Timestamp {
			out := s.buf.At(n - cfg.Window)
			leaving = &out
		}
	}

	displaced, outcome, err := s.buf.Append(sample)
	if err != nil {
		return IngestResult{}, err
	}

	x := s.elapsed(sample.Timestamp)
	switch outcome {
	case Corrected:
		dx := s.elapsed(displaced.Timestamp)
		s.stats.Remove(dx, displaced.Values)
		s.fit.Remove(dx, displaced.Values)
	case Evicted:
		s.stats.Remove(s.elapsed(displaced.Timestamp), displaced.Values)
	}
	if leaving != nil {
		s.fit.Remove(s.elapsed(leaving.Timestamp), leaving.Values)
	}
	s.stats.Add(x, sample.Values)
	s.fit.Add(x, sample.Values)

	s.last = result
	if result.Scored() {
		s.sinceFit++
		s.driftSum += result.Residual * result.Residual
		s.driftN++
	}

	refitted := false
	if s.needsRefit(cfg) {
		s.refit(cfg)
		refitted = true
	}

	return IngestResult{
		Anomaly:  result,
		State:    s.state(),
		Refitted: refitted,
		Forecast: s.forecastLocked(),
	}, nil
}

func (s *series) needsRefit(cfg *Config) bool {
	if !s.model.Valid {
		return s.fit.Count() >= cfg.MinFitSamples
	}
	if s.sinceFit >= cfg.RefitInterval {
		return true
	}
	if s.driftN > 0 {
		recent := s.driftSum / float64(s.driftN)
		return recent > cfg.DriftThreshold*(s.model.ResidualVariance+scoreEpsilon)
	}
	return false
}

func (s *series) refit(cfg *Config) {
	s.model = fitModel(s.fit, s.buf.Window(cfg.Window), s.origin, cfg.PrincipalComponents)
	s.sinceFit = 0
	s.driftSum = 0
	s.driftN = 0
	s.refits++
}

// forecastLocked прогноз на следующий шаг, nil при недостатке данных
func (s *series) forecastLocked() *Forecast {
	return s.forecastAt(1)
}

// forecastAt прогноз на step шагов модели после последнего сэмпла
func (s *series) forecastAt(step int) *Forecast {
	last, ok := s.buf.Last()
	if !ok || !s.model.Valid {
		return nil
	}
	next := last.Timestamp + int64(step)*s.model.Interval
	x := s.elapsed(next)
	value := s.model.Predict(x)
	band := s.model.Band(x)

	f := &Forecast{
		Step:             step,
		Timestamp:        next,
		Value:            value,
		Lower:            make([]float64, len(value)),
		Upper:            make([]float64, len(value)),
		Band:             band,
		Slope:            append([]float64(nil), s.model.Slope...),
		Intercept:        s.model.Intercept(),
		ResidualVariance: s.model.ResidualVariance,
		FitTimestamp:     s.model.FitTimestamp,
		FitSamples:       s.model.FitSamples,
		Explained:        append([]float64(nil), s.model.Explained...),
	}
	for j, v := range value {
		f.Lower[j] = v - band
		f.Upper[j] = v + band
	}
	for _, c := range s.model.Components {
		f.Components = append(f.Components, append([]float64(nil), c...))
	}
	return f
}

// forecastSeries прогнозы на шаги 1..horizon
func (s *series) forecastSeries(horizon int) ([]Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.retired {
		return nil, ErrNotFound
	}
	out := make([]Forecast, 0, horizon)
	for step := 1; step <= horizon; step++ {
		f := s.forecastAt(step)
		if f == nil {
			break
		}
		out = append(out, *f)
	}
	return out, nil
}

// snapshot копия состояния под read-lock
func (s *series) snapshot() (MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.retired {
		return MetricSnapshot{}, ErrNotFound
	}

	snap := MetricSnapshot{
		MetricID:  s.id,
		State:     s.state(),
		Dimension: s.dim,
		Count:     s.buf.Len(),
		Anomaly:   copyResult(s.last),
		Forecast:  s.forecastLocked(),
		Refits:    s.refits,
	}
	if last, ok := s.buf.Last(); ok {
		snap.LatestValue = &Sample{Timestamp: last.Timestamp, Values: append([]float64(nil), last.Values...)}
	}
	if s.stats != nil {
		snap.Stats = s.stats.Stats()
	}
	return snap, nil
}

// clear возвращает серию к состоянию только что обнаруженной метрики
func (s *series) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dim = 0
	s.origin = 0
	s.buf.Reset()
	s.stats = nil
	s.fit = nil
	s.model = Model{}
	s.last = unscored(0)
	s.sinceFit = 0
	s.driftSum = 0
	s.driftN = 0
	s.refits = 0
}

func (s *series) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

func copyResult(r AnomalyResult) AnomalyResult {
	r.Predicted = append([]float64(nil), r.Predicted...)
	if len(r.Predicted) == 0 {
		r.Predicted = nil
	}
	return r
}

func validSample(values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty value vector", ErrInvalidSample)
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value[%d] is not finite", ErrInvalidSample, i)
		}
	}
	return nil
}
