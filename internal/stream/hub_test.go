package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func alertResult(metricID string) analytics.AnalysisResult {
	return analytics.AnalysisResult{
		MetricID:  metricID,
		Timestamp: 5,
		State:     analytics.StateStable,
		Anomaly: analytics.AnomalyResult{
			Status:    analytics.StatusScored,
			Timestamp: 5,
			Score:     12,
			IsAlert:   true,
			Severity:  analytics.SeverityCritical,
			Direction: analytics.DirectionSpike,
		},
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(alertResult("cpu"))
	assert.Equal(t, EventAlert, e.Type)

	e = NewEvent(analytics.AnalysisResult{MetricID: "cpu", State: analytics.StateActive})
	assert.Equal(t, EventResult, e.Type)
}

func TestHub_Broadcast(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, hub, url, 1)
	second := dial(t, hub, url, 2)

	hub.Broadcast(NewEvent(alertResult("cpu")))

	for _, conn := range []*websocket.Conn{first, second} {
		e := readEvent(t, conn)
		assert.Equal(t, EventAlert, e.Type)
		assert.Equal(t, "cpu", e.MetricID)
		assert.Equal(t, analytics.StateStable, e.State)
		assert.Equal(t, 12.0, e.Anomaly.Score)
	}
}

func TestHub_QueryFilter(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url+"?metric_id=mem", 1)

	hub.Broadcast(NewEvent(alertResult("cpu")))
	hub.Broadcast(NewEvent(alertResult("mem")))

	e := readEvent(t, conn)
	assert.Equal(t, "mem", e.MetricID, "events for other metrics are filtered out")
}

func TestHub_Subscribe(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(subscription{MetricIDs: []string{"disk"}, AlertsOnly: true}))

	sample := Event{Type: EventResult, MetricID: "disk"}
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for _, c := range hub.clients {
			if c.wants(&sample) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast(NewEvent(analytics.AnalysisResult{MetricID: "disk", State: analytics.StateActive}))
	hub.Broadcast(NewEvent(alertResult("cpu")))
	hub.Broadcast(NewEvent(alertResult("disk")))

	e := readEvent(t, conn)
	assert.Equal(t, "disk", e.MetricID)
	assert.Equal(t, EventAlert, e.Type)
}

func TestHub_DisconnectAndClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)

	other := dial(t, hub, url, 1)
	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, other.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)

	// после закрытия новые подключения сразу закрываются
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		defer late.Close()
		require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = late.ReadMessage()
		assert.Error(t, err)
	}
	assert.Equal(t, 0, hub.Clients())
}
