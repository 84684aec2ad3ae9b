package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"telemetry-analytics/internal/models"
)

// MemoryStore хранилище в памяти процесса, для разработки и тестов
type MemoryStore struct {
	mu        sync.RWMutex
	snapshot  []byte
	anomalies map[string][]models.AnomalyRecord
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		anomalies: make(map[string][]models.AnomalyRecord),
		retention: retention,
		now:       time.Now,
	}
}

// SaveSnapshot сохраняет копию снимка
func (m *MemoryStore) SaveSnapshot(_ context.Context, data []byte) error {
	m.mu.Lock()
	m.snapshot = slices.Clone(data)
	m.mu.Unlock()
	return nil
}

// LoadSnapshot возвращает последний снимок или ErrNoSnapshot
func (m *MemoryStore) LoadSnapshot(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	return slices.Clone(m.snapshot), nil
}

// StoreAnomaly добавляет алерт в историю метрики
func (m *MemoryStore) StoreAnomaly(_ context.Context, rec models.AnomalyRecord) error {
	m.mu.Lock()
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = m.now()
	}
	m.anomalies[rec.MetricID] = append(m.anomalies[rec.MetricID], rec)
	m.mu.Unlock()
	return nil
}

// RecentAnomalies последние limit алертов, новые первыми
func (m *MemoryStore) RecentAnomalies(_ context.Context, metricID string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-m.retention)
	list := m.anomalies[metricID]
	out := make([]models.AnomalyRecord, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		if list[i].DetectedAt.Before(cutoff) {
			continue
		}
		out = append(out, list[i])
	}
	return out, nil
}

// RecentAlerts последние limit алертов всех метрик, новые первыми
func (m *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-m.retention)
	var out []models.AnomalyRecord
	for _, list := range m.anomalies {
		for _, rec := range list {
			if !rec.DetectedAt.Before(cutoff) {
				out = append(out, rec)
			}
		}
	}
	slices.SortFunc(out, func(a, b models.AnomalyRecord) int {
		return b.DetectedAt.Compare(a.DetectedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Acknowledge помечает алерт подтвержденным
func (m *MemoryStore) Acknowledge(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, list := range m.anomalies {
		for i := range list {
			if list[i].AlertID == alertID {
				list[i].Acknowledged = true
				return nil
			}
		}
	}
	return ErrAlertNotFound
}

// Cleanup удаляет алерты старше срока хранения
func (m *MemoryStore) Cleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	var removed int64
	for id, list := range m.anomalies {
		kept := list[:0]
		for _, rec := range list {
			if rec.DetectedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(m.anomalies, id)
			continue
		}
		m.anomalies[id] = kept
	}
	return removed, nil
}

// Ping всегда успешен
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Stats возвращает статистику хранилища
func (m *MemoryStore) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, list := range m.anomalies {
		total += len(list)
	}
	return map[string]interface{}{
		"type":           "memory",
		"snapshot_bytes": len(m.snapshot),
		"anomalies":      total,
	}
}

// Close ничего не освобождает
func (m *MemoryStore) Close() error { return nil }
