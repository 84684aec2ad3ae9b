package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-analytics/internal/models"
	"telemetry-analytics/internal/storage"
)

const (
	snapshotKey = "snapshot:latest"
	// alertIndexKey sorted set ключей аномалий всех метрик по времени обнаружения
	alertIndexKey = "anomaly_index"
)

// RedisCache хранилище снимков и истории аномалий в Redis
type RedisCache struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisCache создает новый Redis кэш
func NewRedisCache(ctx context.Context, addr, password string, db int, retention time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:    client,
		retention: retention,
		now:       time.Now,
	}, nil
}

func anomalyKey(metricID, alertID string) string {
	return fmt.Sprintf("anomaly:%s:%s", metricID, alertID)
}

func anomalyListKey(metricID string) string {
	return fmt.Sprintf("anomaly_list:%s", metricID)
}

// alertKey ссылка alert_id -> ключ аномалии
func alertKey(alertID string) string {
	return fmt.Sprintf("alert:%s", alertID)
}

// SaveSnapshot сохраняет снимок без TTL
func (r *RedisCache) SaveSnapshot(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, snapshotKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot возвращает снимок или storage.ErrNoSnapshot
func (r *RedisCache) LoadSnapshot(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// StoreAnomaly сохраняет аномалию и добавляет ее в sorted set метрики
func (r *RedisCache) StoreAnomaly(ctx context.Context, rec models.AnomalyRecord) error {
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = r.now()
	}
	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	key := anomalyKey(rec.MetricID, rec.AlertID)
	listKey := anomalyListKey(rec.MetricID)
	score := float64(rec.DetectedAt.UnixMilli())

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, jsonData, r.retention)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: score, Member: key})
	pipe.Expire(ctx, listKey, r.retention)
	pipe.Set(ctx, alertKey(rec.AlertID), key, r.retention)
	pipe.ZAdd(ctx, alertIndexKey, redis.Z{Score: score, Member: key})
	pipe.Expire(ctx, alertIndexKey, r.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies получает последние аномалии метрики. Записи с истекшим
// TTL пропускаются.
func (r *RedisCache) RecentAnomalies(ctx context.Context, metricID string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	return r.loadRange(ctx, anomalyListKey(metricID), limit)
}

// RecentAlerts последние алерты всех метрик по общему индексу
func (r *RedisCache) RecentAlerts(ctx context.Context, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.loadRange(ctx, alertIndexKey, limit)
}

// loadRange читает limit последних записей, на которые ссылается sorted set
func (r *RedisCache) loadRange(ctx context.Context, setKey string, limit int) ([]models.AnomalyRecord, error) {
	keys, err := r.client.ZRevRange(ctx, setKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}
	if len(keys) == 0 {
		return []models.AnomalyRecord{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}

	out := make([]models.AnomalyRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec models.AnomalyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode anomaly: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Acknowledge помечает алерт подтвержденным, сохраняя оставшийся TTL записи
func (r *RedisCache) Acknowledge(ctx context.Context, alertID string) error {
	key, err := r.client.Get(ctx, alertKey(alertID)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find alert: %w", err)
	}

	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get anomaly: %w", err)
	}

	var rec models.AnomalyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("failed to decode anomaly: %w", err)
	}
	rec.Acknowledged = true
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	if err := r.client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return nil
}

// Cleanup убирает из sorted set ссылки старше срока хранения. Общий
// индекс чистится тем же порогом, но в счетчик не входит.
func (r *RedisCache) Cleanup(ctx context.Context) (int64, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.retention).UnixMilli(), 10)

	if err := r.client.ZRemRangeByScore(ctx, alertIndexKey, "-inf", "("+cutoff).Err(); err != nil {
		return 0, fmt.Errorf("failed to clean up %s: %w", alertIndexKey, err)
	}

	var removed int64
	iter := r.client.Scan(ctx, 0, anomalyListKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to clean up %s: %w", iter.Val(), err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan anomaly lists: %w", err)
	}
	return removed, nil
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Stats возвращает статистику пула соединений Redis
func (r *RedisCache) Stats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"type":        "redis",
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
