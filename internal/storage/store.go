package storage

import (
	"context"
	"errors"

	"telemetry-analytics/internal/models"
)

var (
	// ErrNoSnapshot хранилище еще не содержит снимка
	ErrNoSnapshot = errors.New("no snapshot stored")
	// ErrAlertNotFound алерта нет в истории (неизвестен или удален)
	ErrAlertNotFound = errors.New("alert not found")
)

// SnapshotStore хранит последний снимок реестра (непрозрачные байты)
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, data []byte) error
	LoadSnapshot(ctx context.Context) ([]byte, error)
}

// AnomalyStore история алертов
type AnomalyStore interface {
	StoreAnomaly(ctx context.Context, rec models.AnomalyRecord) error
	// RecentAnomalies алерты метрики, новые первыми
	RecentAnomalies(ctx context.Context, metricID string, limit int) ([]models.AnomalyRecord, error)
	// RecentAlerts алерты всех метрик, новые первыми
	RecentAlerts(ctx context.Context, limit int) ([]models.AnomalyRecord, error)
	// Acknowledge помечает алерт подтвержденным; ErrAlertNotFound для неизвестного id
	Acknowledge(ctx context.Context, alertID string) error
	// Cleanup удаляет записи старше срока хранения
	Cleanup(ctx context.Context) (int64, error)
}

// Store полный набор операций, который использует сервис
type Store interface {
	SnapshotStore
	AnomalyStore
	Ping(ctx context.Context) error
	Stats() map[string]interface{}
	Close() error
}
