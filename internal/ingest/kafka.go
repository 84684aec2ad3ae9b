package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/config"
	"telemetry-analytics/internal/metrics"
	"telemetry-analytics/internal/models"
)

const source = "kafka"

// Sink принимает сэмплы без блокировки; false означает, что сэмпл отброшен
type Sink interface {
	AddMetric(data analytics.MetricData) bool
}

// Consumer читает метрики из топика Kafka в составе consumer group
type Consumer struct {
	client *kgo.Client
	sink   Sink
	logger *zap.Logger
}

// NewConsumer создает клиента franz-go. Подключение к брокерам ленивое.
func NewConsumer(cfg config.KafkaConfig, sink Sink, logger *zap.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ClientID("telemetry-analytics"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Consumer{client: client, sink: sink, logger: logger}, nil
}

// Run читает записи до отмены ctx или закрытия клиента
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return nil
			}
			c.logger.Warn("kafka fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}
		fetches.EachRecord(c.handle)
	}
}

// Close закрывает клиента и выходит из группы
func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) handle(rec *kgo.Record) {
	batch, err := DecodeMetrics(rec.Value)
	if err != nil {
		metrics.SamplesRejected.WithLabelValues("bad_payload").Inc()
		c.logger.Warn("failed to decode kafka record",
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return
	}

	for _, m := range batch {
		if err := m.Validate(); err != nil {
			metrics.SamplesRejected.WithLabelValues("invalid").Inc()
			continue
		}
		// Без timestamp берем время записи
		ok := c.sink.AddMetric(analytics.MetricData{
			MetricID:  m.MetricID,
			Timestamp: m.TimestampOr(rec.Timestamp.Unix()),
			Values:    m.Values,
		})
		if !ok {
			metrics.SamplesDropped.Inc()
			continue
		}
		metrics.SamplesIngested.WithLabelValues(source).Inc()
	}
}

// DecodeMetrics разбирает значение записи: один объект или массив
func DecodeMetrics(value []byte) ([]models.Metric, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, errors.New("empty record")
	}

	if trimmed[0] == '[' {
		var batch []models.Metric
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var m models.Metric
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return []models.Metric{m}, nil
}
