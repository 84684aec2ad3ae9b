package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/cache"
	"telemetry-analytics/internal/config"
	"telemetry-analytics/internal/handlers"
	"telemetry-analytics/internal/ingest"
	"telemetry-analytics/internal/logger"
	"telemetry-analytics/internal/metrics"
	"telemetry-analytics/internal/models"
	"telemetry-analytics/internal/storage"
	"telemetry-analytics/internal/stream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "telemetry-analytics",
		Short:        "Streaming metrics analytics: rolling statistics, forecasts and anomaly scoring",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: port=%s storage=%s capacity=%d window=%d kafka=%t\n",
				cfg.Server.Port, cfg.Storage.Type, cfg.Analytics.Capacity, cfg.Analytics.Window, cfg.Kafka.Enabled)
			return nil
		},
	})
	return root
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting telemetry analytics service...")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Type, err)
	}
	defer store.Close()
	log.Info("Storage ready", zap.String("type", cfg.Storage.Type))

	registry, err := analytics.NewRegistry(cfg.Core())
	if err != nil {
		return err
	}

	restored, err := storage.Recover(ctx, store, registry)
	metrics.ObserveStore("load_snapshot", err)
	switch {
	case err != nil:
		// Несовместимый или битый снимок не мешает старту
		log.Warn("Snapshot not restored, starting empty", zap.Error(err))
	case restored:
		log.Info("Snapshot restored", zap.Int("metrics", registry.Len()))
	}

	// Инициализация анализатора
	analyzer := analytics.NewAnalyzer(registry, cfg.Analytics.Workers, cfg.Analytics.QueueSize)
	analyzer.Start()
	log.Info("Analyzer started",
		zap.Int("workers", cfg.Analytics.Workers),
		zap.Int("capacity", cfg.Analytics.Capacity),
		zap.Int("window", cfg.Analytics.Window),
		zap.Float64("threshold", cfg.Analytics.AlertThreshold))

	hub := stream.NewHub(log)

	// Запускаем goroutine для обработки результатов анализа
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		processAnalysisResults(analyzer, store, hub, log)
	}()

	var consumer *ingest.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = ingest.NewConsumer(cfg.Kafka, analyzer, log)
		if err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("Kafka consumer stopped", zap.Error(err))
			}
		}()
		log.Info("Kafka consumer started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	handler := handlers.NewHandler(analyzer, registry, store, log)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/prometheus", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go updateMetrics(ctx, analyzer, registry, cfg.Server.StatsInterval)
	go maintenance(ctx, registry, store, cfg.Storage.SnapshotInterval, log)

	// Ожидание сигнала завершения
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if consumer != nil {
		consumer.Close()
	}
	analyzer.Stop()
	<-processed
	hub.Close()

	size, err := storage.Persist(shutdownCtx, store, registry)
	metrics.ObserveStore("save_snapshot", err)
	if err != nil {
		log.Error("Failed to save final snapshot", zap.Error(err))
	} else {
		log.Info("Final snapshot saved", zap.Int("bytes", size), zap.Int("metrics", registry.Len()))
	}

	log.Info("Server stopped gracefully")
	return nil
}

// openStore создает хранилище выбранного типа
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageRedis:
		return cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.AnomalyRetention)
	case config.StorageSQLite:
		return storage.NewSQLiteStore(ctx, cfg.SQLitePath, cfg.AnomalyRetention)
	case config.StoragePostgres:
		return storage.NewPostgresStore(ctx, cfg.PostgresURL, cfg.AnomalyRetention)
	case config.StorageMemory:
		return storage.NewMemoryStore(cfg.AnomalyRetention), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// processAnalysisResults обрабатывает результаты анализа до закрытия канала
func processAnalysisResults(analyzer *analytics.Analyzer, store storage.AnomalyStore, hub *stream.Hub, log *zap.Logger) {
	for result := range analyzer.GetResultsChan() {
		start := time.Now()

		if result.Err != nil {
			metrics.SamplesRejected.WithLabelValues(metrics.RejectReason(result.Err)).Inc()
			continue
		}

		if result.Refitted {
			metrics.Refits.Inc()
		}
		if result.Anomaly.Scored() {
			metrics.AnomalyScore.WithLabelValues(result.MetricID).Set(result.Anomaly.Score)
		}
		if f := result.Forecast; f != nil {
			for i, v := range f.Value {
				metrics.ForecastValue.WithLabelValues(result.MetricID, strconv.Itoa(i)).Set(v)
			}
		}

		// Если обнаружена аномалия
		if result.Anomaly.IsAlert {
			a := result.Anomaly
			metrics.AnomaliesDetected.WithLabelValues(a.Severity, a.Direction).Inc()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := store.StoreAnomaly(ctx, models.AnomalyRecord{
				AlertID:    a.AlertID,
				MetricID:   result.MetricID,
				Timestamp:  a.Timestamp,
				Score:      a.Score,
				Residual:   a.Residual,
				Severity:   a.Severity,
				Direction:  a.Direction,
				Values:     result.Values,
				Predicted:  a.Predicted,
				DetectedAt: time.Now(),
			})
			cancel()
			metrics.ObserveStore("store_anomaly", err)
			if err != nil {
				log.Error("Failed to store anomaly", zap.String("metric_id", result.MetricID), zap.Error(err))
			}

			log.Warn("ANOMALY DETECTED",
				zap.String("metric_id", result.MetricID),
				zap.String("alert_id", a.AlertID),
				zap.Int64("timestamp", a.Timestamp),
				zap.String("severity", a.Severity),
				zap.String("direction", a.Direction),
				zap.Float64("score", a.Score),
				zap.Float64s("predicted", a.Predicted))
		}

		hub.Broadcast(stream.NewEvent(result))

		// Записываем задержку обработки
		metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
	}
}

// updateMetrics периодически обновляет gauges
func updateMetrics(ctx context.Context, analyzer *analytics.Analyzer, registry *analytics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	states := []analytics.State{analytics.StateActive, analytics.StateStable, analytics.StateUnscored}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.Stats()
			for _, s := range states {
				metrics.ActiveMetrics.WithLabelValues(string(s)).Set(float64(stats.ByState[s]))
			}
			metrics.QueueSize.Set(float64(analyzer.QueueSize()))
		}
	}
}

// maintenance периодически сохраняет снимок и чистит историю аномалий
func maintenance(ctx context.Context, registry *analytics.Registry, store storage.Store, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := storage.Persist(ctx, store, registry)
			metrics.ObserveStore("save_snapshot", err)
			if err != nil {
				log.Error("Failed to save snapshot", zap.Error(err))
			} else {
				log.Debug("Snapshot saved", zap.Int("bytes", size))
			}

			removed, err := store.Cleanup(ctx)
			metrics.ObserveStore("cleanup", err)
			if err != nil {
				log.Error("Failed to clean up anomaly history", zap.Error(err))
			} else if removed > 0 {
				log.Info("Anomaly history cleaned up", zap.Int64("removed", removed))
			}
		}
	}
}
