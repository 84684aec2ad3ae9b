package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/metrics"
)

type recordingSink struct {
	mu       sync.Mutex
	accepted []analytics.MetricData
	full     bool
}

func (s *recordingSink) AddMetric(data analytics.MetricData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.accepted = append(s.accepted, data)
	return true
}

func TestDecodeMetrics(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "single", input: `{"metric_id":"cpu","timestamp":1,"values":[0.5]}`, want: 1},
		{name: "batch", input: ` [{"metric_id":"a","timestamp":1,"values":[1]},{"metric_id":"b","timestamp":1,"values":[2,3]}]`, want: 2},
		{name: "empty", input: "  ", wantErr: true},
		{name: "garbage", input: `{"metric_id":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMetrics([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestConsumer_Handle(t *testing.T) {
	sink := &recordingSink{}
	c := &Consumer{sink: sink, logger: zap.NewNop()}

	ingested := testutil.ToFloat64(metrics.SamplesIngested.WithLabelValues(source))
	invalid := testutil.ToFloat64(metrics.SamplesRejected.WithLabelValues("invalid"))
	badPayload := testutil.ToFloat64(metrics.SamplesRejected.WithLabelValues("bad_payload"))

	c.handle(&kgo.Record{Value: []byte(`[{"metric_id":"cpu","timestamp":7,"values":[1,2]},{"metric_id":"","values":[1]}]`)})
	c.handle(&kgo.Record{Value: []byte(`not json`)})

	require.Len(t, sink.accepted, 1)
	assert.Equal(t, analytics.MetricData{MetricID: "cpu", Timestamp: 7, Values: []float64{1, 2}}, sink.accepted[0])

	assert.Equal(t, ingested+1, testutil.ToFloat64(metrics.SamplesIngested.WithLabelValues(source)))
	assert.Equal(t, invalid+1, testutil.ToFloat64(metrics.SamplesRejected.WithLabelValues("invalid")))
	assert.Equal(t, badPayload+1, testutil.ToFloat64(metrics.SamplesRejected.WithLabelValues("bad_payload")))
}

func TestConsumer_HandleQueueFull(t *testing.T) {
	sink := &recordingSink{full: true}
	c := &Consumer{sink: sink, logger: zap.NewNop()}

	dropped := testutil.ToFloat64(metrics.SamplesDropped)
	c.handle(&kgo.Record{Value: []byte(`{"metric_id":"cpu","timestamp":1,"values":[1]}`)})

	assert.Empty(t, sink.accepted)
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.SamplesDropped))
}

func TestConsumer_HandleRecordTimestamp(t *testing.T) {
	sink := &recordingSink{}
	c := &Consumer{sink: sink, logger: zap.NewNop()}

	c.handle(&kgo.Record{
		Value:     []byte(`{"metric_id":"cpu","values":[1]}`),
		Timestamp: time.Unix(1700000000, 0),
	})
	// явный 0 остается нулем
	c.handle(&kgo.Record{
		Value:     []byte(`{"metric_id":"mem","timestamp":0,"values":[1]}`),
		Timestamp: time.Unix(1700000000, 0),
	})

	require.Len(t, sink.accepted, 2)
	assert.Equal(t, int64(1700000000), sink.accepted[0].Timestamp)
	assert.Equal(t, "mem", sink.accepted[1].MetricID)
	assert.Equal(t, int64(0), sink.accepted[1].Timestamp)
}
