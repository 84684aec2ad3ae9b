package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"telemetry-analytics/internal/models"
)

// dialect различия между sqlite и postgres
type dialect struct {
	name   string
	driver string
	schema []string
	// numbered плейсхолдеры $1..$n вместо ?
	numbered bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY,
			created_at INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			alert_id TEXT PRIMARY KEY,
			metric_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			score REAL NOT NULL,
			severity TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_metric ON anomalies (metric_id, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected ON anomalies (detected_at)`,
	},
}

var postgresDialect = dialect{
	name:     "postgres",
	driver:   "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY,
			created_at BIGINT NOT NULL,
			data BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			alert_id TEXT PRIMARY KEY,
			metric_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			detected_at BIGINT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_metric ON anomalies (metric_id, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected ON anomalies (detected_at)`,
	},
}

// rebind переводит ? в $n для postgres
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore хранилище снимков и аномалий в sqlite или postgres
type SQLStore struct {
	db        *sql.DB
	dialect   dialect
	retention time.Duration
	now       func() time.Time
}

// NewSQLiteStore открывает (или создает) базу sqlite по пути path
func NewSQLiteStore(ctx context.Context, path string, retention time.Duration) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return openSQL(ctx, sqliteDialect, dsn, retention, 1)
}

// NewPostgresStore подключается к postgres по DSN
func NewPostgresStore(ctx context.Context, dsn string, retention time.Duration) (*SQLStore, error) {
	return openSQL(ctx, postgresDialect, dsn, retention, 25)
}

func openSQL(ctx context.Context, d dialect, dsn string, retention time.Duration, maxConns int) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(maxConns/5, 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.name, err)
	}

	s := &SQLStore{db: db, dialect: d, retention: retention, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot заменяет сохраненный снимок
func (s *SQLStore) SaveSnapshot(ctx context.Context, data []byte) error {
	query := s.dialect.rebind(`
		INSERT INTO snapshots (id, created_at, data) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET created_at = excluded.created_at, data = excluded.data`)

	if _, err := s.db.ExecContext(ctx, query, s.now().UnixNano(), data); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot возвращает снимок или ErrNoSnapshot
func (s *SQLStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// StoreAnomaly сохраняет алерт; повтор с тем же alert_id игнорируется
func (s *SQLStore) StoreAnomaly(ctx context.Context, rec models.AnomalyRecord) error {
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = s.now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	query := s.dialect.rebind(`
		INSERT INTO anomalies (alert_id, metric_id, ts, score, severity, direction, payload, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id) DO NOTHING`)

	_, err = s.db.ExecContext(ctx, query,
		rec.AlertID, rec.MetricID, rec.Timestamp, rec.Score,
		rec.Severity, rec.Direction, string(payload), rec.DetectedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies последние алерты метрики в пределах срока хранения
func (s *SQLStore) RecentAnomalies(ctx context.Context, metricID string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := s.dialect.rebind(`
		SELECT payload, acknowledged FROM anomalies
		WHERE metric_id = ? AND detected_at >= ?
		ORDER BY detected_at DESC, ts DESC
		LIMIT ?`)

	cutoff := s.now().Add(-s.retention).UnixNano()
	return s.queryAnomalies(ctx, limit, query, metricID, cutoff, limit)
}

// RecentAlerts последние алерты всех метрик в пределах срока хранения
func (s *SQLStore) RecentAlerts(ctx context.Context, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := s.dialect.rebind(`
		SELECT payload, acknowledged FROM anomalies
		WHERE detected_at >= ?
		ORDER BY detected_at DESC, ts DESC
		LIMIT ?`)

	cutoff := s.now().Add(-s.retention).UnixNano()
	return s.queryAnomalies(ctx, limit, query, cutoff, limit)
}

func (s *SQLStore) queryAnomalies(ctx context.Context, limit int, query string, args ...any) ([]models.AnomalyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	out := make([]models.AnomalyRecord, 0, limit)
	for rows.Next() {
		var (
			payload string
			acked   bool
		)
		if err := rows.Scan(&payload, &acked); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		var rec models.AnomalyRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode anomaly: %w", err)
		}
		// payload пишется один раз, флаг живет в отдельной колонке
		rec.Acknowledged = acked
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Acknowledge помечает алерт подтвержденным
func (s *SQLStore) Acknowledge(ctx context.Context, alertID string) error {
	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`UPDATE anomalies SET acknowledged = TRUE WHERE alert_id = ?`), alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// Cleanup удаляет алерты старше срока хранения
func (s *SQLStore) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention).UnixNano()
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM anomalies WHERE detected_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up anomalies: %w", err)
	}
	return res.RowsAffected()
}

// Ping проверяет соединение с базой
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats возвращает статистику пула соединений
func (s *SQLStore) Stats() map[string]interface{} {
	st := s.db.Stats()
	return map[string]interface{}{
		"type":             s.dialect.name,
		"open_connections": st.OpenConnections,
		"in_use":           st.InUse,
		"idle":             st.Idle,
		"wait_count":       st.WaitCount,
	}
}

// Close закрывает базу
func (s *SQLStore) Close() error {
	return s.db.Close()
}
