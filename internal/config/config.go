package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"telemetry-analytics/internal/analytics"
)

// Config конфигурация сервиса
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig параметры HTTP сервера
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
}

// AnalyticsConfig параметры движка и очереди приема
type AnalyticsConfig struct {
	Capacity            int     `mapstructure:"capacity"`
	Window              int     `mapstructure:"window"`
	MinFitSamples       int     `mapstructure:"min_fit_samples"`
	RefitInterval       int     `mapstructure:"refit_interval"`
	DriftThreshold      float64 `mapstructure:"drift_threshold"`
	AlertThreshold      float64 `mapstructure:"alert_threshold"`
	PrincipalComponents int     `mapstructure:"principal_components_k"`
	Workers             int     `mapstructure:"workers"`
	QueueSize           int     `mapstructure:"queue_size"`
}

// StorageConfig хранилище снимков и истории аномалий
type StorageConfig struct {
	Type             string        `mapstructure:"type"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisPassword    string        `mapstructure:"redis_password"`
	RedisDB          int           `mapstructure:"redis_db"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	PostgresURL      string        `mapstructure:"postgres_url"`
	AnomalyRetention time.Duration `mapstructure:"anomaly_retention"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// KafkaConfig прием метрик из Kafka
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Group   string   `mapstructure:"group"`
}

// LoggingConfig параметры логгера
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Типы хранилища
const (
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	core := analytics.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			StatsInterval:   5 * time.Second,
		},
		Analytics: AnalyticsConfig{
			Capacity:            core.Capacity,
			Window:              core.Window,
			MinFitSamples:       core.MinFitSamples,
			RefitInterval:       core.RefitInterval,
			DriftThreshold:      core.DriftThreshold,
			AlertThreshold:      core.AlertThreshold,
			PrincipalComponents: core.PrincipalComponents,
			Workers:             4,
			QueueSize:           10000,
		},
		Storage: StorageConfig{
			Type:             StorageRedis,
			RedisAddr:        "localhost:6379",
			SQLitePath:       "telemetry.db",
			AnomalyRetention: 24 * time.Hour,
			SnapshotInterval: time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "metrics",
			Group:   "telemetry-analytics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load читает конфигурацию: значения по умолчанию, затем файл (если задан
// или найден), затем переменные окружения вида SECTION_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/telemetry-analytics/")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Файл не найден: только defaults и env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults регистрирует каждый ключ, иначе AutomaticEnv не увидит
// переменные окружения для ключей, которых нет в файле
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.stats_interval", d.Server.StatsInterval)

	v.SetDefault("analytics.capacity", d.Analytics.Capacity)
	v.SetDefault("analytics.window", d.Analytics.Window)
	v.SetDefault("analytics.min_fit_samples", d.Analytics.MinFitSamples)
	v.SetDefault("analytics.refit_interval", d.Analytics.RefitInterval)
	v.SetDefault("analytics.drift_threshold", d.Analytics.DriftThreshold)
	v.SetDefault("analytics.alert_threshold", d.Analytics.AlertThreshold)
	v.SetDefault("analytics.principal_components_k", d.Analytics.PrincipalComponents)
	v.SetDefault("analytics.workers", d.Analytics.Workers)
	v.SetDefault("analytics.queue_size", d.Analytics.QueueSize)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_password", d.Storage.RedisPassword)
	v.SetDefault("storage.redis_db", d.Storage.RedisDB)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_url", d.Storage.PostgresURL)
	v.SetDefault("storage.anomaly_retention", d.Storage.AnomalyRetention)
	v.SetDefault("storage.snapshot_interval", d.Storage.SnapshotInterval)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.group", d.Kafka.Group)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Core параметры для analytics.NewRegistry
func (c *Config) Core() analytics.Config {
	return analytics.Config{
		Capacity:            c.Analytics.Capacity,
		Window:              c.Analytics.Window,
		MinFitSamples:       c.Analytics.MinFitSamples,
		RefitInterval:       c.Analytics.RefitInterval,
		DriftThreshold:      c.Analytics.DriftThreshold,
		AlertThreshold:      c.Analytics.AlertThreshold,
		PrincipalComponents: c.Analytics.PrincipalComponents,
	}
}

// Validate проверяет всю конфигурацию и возвращает все найденные проблемы
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if err := c.Core().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Analytics.Workers < 1 {
		errs = append(errs, errors.New("analytics.workers must be >= 1"))
	}
	if c.Analytics.QueueSize < 1 {
		errs = append(errs, errors.New("analytics.queue_size must be >= 1"))
	}

	switch c.Storage.Type {
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for redis storage"))
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite storage"))
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for postgres storage"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if c.Storage.AnomalyRetention <= 0 {
		errs = append(errs, errors.New("storage.anomaly_retention must be > 0"))
	}
	if c.Storage.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("storage.snapshot_interval must be > 0"))
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required when kafka is enabled"))
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
