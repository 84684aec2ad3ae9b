package analytics

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Registry владеет всеми сериями метрик. Внешний код обращается к ним
// только по metric_id, прямых ссылок наружу не отдается.
type Registry struct {
	cfg    Config
	scorer Scorer

	mu     sync.RWMutex
	series map[string]*series

	newAlertID func() string
}

// RegistryStats агрегированная статистика реестра
type RegistryStats struct {
	Metrics int           `json:"metrics"`
	ByState map[State]int `json:"by_state"`
	Samples int           `json:"samples"`
	Refits  int           `json:"refits"`
}

// NewRegistry создает реестр с проверенной конфигурацией
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:        cfg,
		scorer:     Scorer{Threshold: cfg.AlertThreshold},
		series:     make(map[string]*series),
		newAlertID: func() string { return uuid.NewString() },
	}, nil
}

// Config возвращает конфигурацию реестра
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) lookup(metricID string) (*series, bool) {
	r.mu.RLock()
	s, ok := r.series[metricID]
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) getOrCreate(metricID string) *series {
	if s, ok := r.lookup(metricID); ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[metricID]; ok {
		return s
	}
	s := newSeries(metricID, r.cfg.Capacity)
	r.series[metricID] = s
	return s
}

// Ingest принимает сэмпл метрики; единственная точка мутации.
// Неизвестная метрика создается при первом сэмпле.
func (r *Registry) Ingest(metricID string, timestamp int64, values []float64) (IngestResult, error) {
	if metricID == "" {
		return IngestResult{}, fmt.Errorf("%w: empty metric id", ErrInvalidSample)
	}
	if err := validSample(values); err != nil {
		return IngestResult{}, err
	}
	sample := Sample{Timestamp: timestamp, Values: append([]float64(nil), values...)}

	for {
		s := r.getOrCreate(metricID)
		res, err := s.ingest(&r.cfg, r.scorer, sample, r.newAlertID)
		if errors.Is(err, errRetired) {
			// серия выведена между lookup и захватом блокировки
			continue
		}
		return res, err
	}
}

// Query возвращает снимок метрики или ErrNotFound
func (r *Registry) Query(metricID string) (MetricSnapshot, error) {
	s, ok := r.lookup(metricID)
	if !ok {
		return MetricSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	snap, err := s.snapshot()
	if err != nil {
		return MetricSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	return snap, nil
}

// ForecastSeries прогноз метрики на horizon шагов вперед с шагом,
// равным среднему интервалу окна подгонки. Пустой результат без ошибки
// означает, что модели еще нет.
func (r *Registry) ForecastSeries(metricID string, horizon int) ([]Forecast, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("horizon must be >= 1, got %d", horizon)
	}
	s, ok := r.lookup(metricID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	out, err := s.forecastSeries(horizon)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	return out, nil
}

// Reset сбрасывает данные метрики, оставляя ее известной реестру
func (r *Registry) Reset(metricID string) error {
	s, ok := r.lookup(metricID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	s.clear()
	return nil
}

// Retire безвозвратно удаляет метрику. Запросы, уже захватившие серию,
// завершаются на своей копии состояния.
func (r *Registry) Retire(metricID string) error {
	r.mu.Lock()
	s, ok := r.series[metricID]
	if ok {
		delete(r.series, metricID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, metricID)
	}
	s.retire()
	return nil
}

// ListMetrics возвращает отсортированный снимок идентификаторов.
// Последовательность конечна и может обходиться повторно.
func (r *Registry) ListMetrics() iter.Seq[string] {
	r.mu.RLock()
	ids := make([]string, 0, len(r.series))
	for id := range r.series {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)

	return slices.Values(ids)
}

// Len число метрик в реестре
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.series)
}

// Stats собирает статистику по всем метрикам
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	all := make([]*series, 0, len(r.series))
	for _, s := range r.series {
		all = append(all, s)
	}
	r.mu.RUnlock()

	stats := RegistryStats{ByState: make(map[State]int)}
	for _, s := range all {
		s.mu.RLock()
		if !s.retired {
			stats.Metrics++
			stats.ByState[s.state()]++
			stats.Samples += s.buf.Len()
			stats.Refits += s.refits
		}
		s.mu.RUnlock()
	}
	return stats
}
