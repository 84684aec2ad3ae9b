package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telemetry-analytics/internal/analytics"
	"telemetry-analytics/internal/metrics"
)

// Типы событий
const (
	EventResult = "result"
	EventAlert  = "alert"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event сообщение дашборду об одном обработанном сэмпле
type Event struct {
	Type      string                  `json:"type"`
	MetricID  string                  `json:"metric_id"`
	Timestamp int64                   `json:"timestamp"`
	State     analytics.State         `json:"state"`
	Anomaly   analytics.AnomalyResult `json:"anomaly"`
	Forecast  *analytics.Forecast     `json:"forecast,omitempty"`
}

// NewEvent строит событие из результата анализа
func NewEvent(r analytics.AnalysisResult) Event {
	typ := EventResult
	if r.Anomaly.IsAlert {
		typ = EventAlert
	}
	return Event{
		Type:      typ,
		MetricID:  r.MetricID,
		Timestamp: r.Timestamp,
		State:     r.State,
		Anomaly:   r.Anomaly,
		Forecast:  r.Forecast,
	}
}

// subscription сообщение клиента: пустой список = все метрики
type subscription struct {
	MetricIDs  []string `json:"metric_ids"`
	AlertsOnly bool     `json:"alerts_only"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu         sync.RWMutex
	filter     map[string]struct{}
	alertsOnly bool
}

func (c *client) wants(e *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.alertsOnly && e.Type != EventAlert {
		return false
	}
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[e.MetricID]
	return ok
}

func (c *client) subscribe(s subscription) {
	filter := make(map[string]struct{}, len(s.MetricIDs))
	for _, id := range s.MetricIDs {
		filter[id] = struct{}{}
	}
	c.mu.Lock()
	c.filter = filter
	c.alertsOnly = s.AlertsOnly
	c.mu.Unlock()
}

// Hub раздает события подключенным дашбордам
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub создает хаб
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeWS обрабатывает GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if metricID := r.URL.Query().Get("metric_id"); metricID != "" {
		c.filter = map[string]struct{}{metricID: {}}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.Set(float64(count))
	h.logger.Debug("websocket client connected", zap.String("client_id", c.id))

	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast отправляет событие всем подписанным клиентам.
// Клиент, не успевающий читать, отключается.
func (h *Hub) Broadcast(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		if !c.wants(&e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("client_id", c.id))
		h.remove(c)
	}
}

// Clients число подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close отключает всех клиентов
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		h.remove(c)
	}
}

// remove убирает клиента; повторный вызов ничего не делает
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.Set(float64(count))
	h.logger.Debug("websocket client disconnected", zap.String("client_id", c.id))
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var sub subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.subscribe(sub)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
