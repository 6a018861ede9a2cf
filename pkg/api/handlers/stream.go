package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/pipeline"
	"github.com/gorilla/websocket"
)

const (
	defaultStreamMaxConnections = 100
	defaultStreamReadLimit      = 1 << 20
	defaultPongWait             = 60 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultSendBuffer           = 32
)

// Stream message types.
const (
	MessageResult = "result"
	MessageError  = "error"
	MessageRun    = "run"
)

// StreamConfig configures the live ingestion stream.
type StreamConfig struct {
	AllowedOrigins []string
	MaxConnections int
	ReadLimit      int64
	WriteTimeout   time.Duration
	PongWait       time.Duration
}

// StreamMetrics counts connected stream clients. *metrics.Manager
// implements it.
type StreamMetrics interface {
	IncStreamClients()
	DecStreamClients()
}

// StreamMessage is one server-to-client frame. Seq echoes the 1-based
// position of the inbound frame being answered; run events carry Seq 0.
type StreamMessage struct {
	Type      string                 `json:"type"`
	Seq       int                    `json:"seq,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Result    *pipeline.IngestResult `json:"result,omitempty"`
	Error     *response.ErrorDetail  `json:"error,omitempty"`
	Run       *pipeline.RunEvent     `json:"run,omitempty"`
}

type streamClient struct {
	conn      *websocket.Conn
	send      chan []byte
	watchRuns bool
	closeOnce sync.Once
}

func newStreamClient(conn *websocket.Conn, watchRuns bool) *streamClient {
	return &streamClient{
		conn:      conn,
		send:      make(chan []byte, defaultSendBuffer),
		watchRuns: watchRuns,
	}
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ConnectionManager tracks connected stream clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*streamClient]struct{}
	maxConnections int
	metrics        StreamMetrics
}

// NewConnectionManager creates a manager with a connection limit.
func NewConnectionManager(maxConnections int, metrics StreamMetrics) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultStreamMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*streamClient]struct{}),
		maxConnections: maxConnections,
		metrics:        metrics,
	}
}

func (m *ConnectionManager) register(client *streamClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("stream connection limit reached")
	}
	m.clients[client] = struct{}{}
	if m.metrics != nil {
		m.metrics.IncStreamClients()
	}
	return nil
}

func (m *ConnectionManager) unregister(client *streamClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
	if m.metrics != nil {
		m.metrics.DecStreamClients()
	}
}

// Count returns the number of connected clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// broadcastRun sends a frame to every client watching runs. Clients whose
// buffer is full are disconnected.
func (m *ConnectionManager) broadcastRun(payload []byte) {
	m.mu.RLock()
	clients := make([]*streamClient, 0, len(m.clients))
	for client := range m.clients {
		if client.watchRuns {
			clients = append(clients, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			m.unregister(client)
		}
	}
}

// Close disconnects all clients.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
		if m.metrics != nil {
			m.metrics.DecStreamClients()
		}
	}
}

// trySend queues payload without blocking. It reports false if the client
// is closed or its buffer is full.
func (c *streamClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// StreamHandler handles GET /api/v1/stream, the live ingestion surface.
// Every inbound text frame is a packet; every packet is answered with a
// result or error frame in arrival order. Clients connecting with
// ?watch=runs also receive run state events of all ingests.
type StreamHandler struct {
	ingest       Ingestor
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	readLimit    int64
	pongWait     time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	now          func() time.Time
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(ing Ingestor, log logger.Logger, metrics StreamMetrics, cfg StreamConfig) *StreamHandler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultStreamReadLimit
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	h := &StreamHandler{
		ingest:       ing,
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections, metrics),
		readLimit:    cfg.ReadLimit,
		pongWait:     cfg.PongWait,
		pingInterval: cfg.PongWait * 9 / 10,
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isStreamOriginAllowed(r, allowedOrigins)
		},
	}
	return h
}

// ServeHTTP upgrades the connection and serves it until the client leaves.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, "stream connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stream upgrade failed", "error", err)
		return
	}

	client := newStreamClient(conn, r.URL.Query().Get("watch") == "runs")
	if err := h.manager.register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many stream connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(client)
	}()
	h.readPump(r.Context(), client)
	<-done
}

// OnRunEvent forwards run state changes to watching clients. It implements
// pipeline.RunObserver.
func (h *StreamHandler) OnRunEvent(event pipeline.RunEvent) {
	payload, err := json.Marshal(StreamMessage{Type: MessageRun, Timestamp: event.Timestamp, Run: &event})
	if err != nil {
		return
	}
	h.manager.broadcastRun(payload)
}

// Clients returns the number of connected clients.
func (h *StreamHandler) Clients() int {
	return h.manager.Count()
}

// Close disconnects all clients.
func (h *StreamHandler) Close() {
	h.manager.Close()
}

func (h *StreamHandler) readPump(ctx context.Context, client *streamClient) {
	defer h.manager.unregister(client)

	client.conn.SetReadLimit(h.readLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for seq := 1; ; seq++ {
		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("stream read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg := h.handleFrame(ctx, seq, data)
		payload, err := json.Marshal(msg)
		if err != nil {
			h.log.Error("encode stream reply", "error", err)
			return
		}
		if !client.trySend(payload) {
			h.log.Warn("stream client too slow, disconnecting", "seq", seq)
			return
		}
	}
}

func (h *StreamHandler) handleFrame(ctx context.Context, seq int, data []byte) StreamMessage {
	msg := StreamMessage{Seq: seq, Timestamp: h.now().UTC()}

	var in packet.PacketInput
	if err := json.Unmarshal(data, &in); err != nil {
		msg.Type = MessageError
		msg.Error = &response.ErrorDetail{Code: response.ErrCodeBadRequest, Message: "frame is not a packet: " + err.Error()}
		return msg
	}
	if in.Source == "" {
		in.Source = packet.SourceStream
	}

	res, err := h.ingest.Ingest(ctx, in)
	if err != nil {
		msg.Type = MessageError
		msg.Error = &response.ErrorDetail{
			Code:    response.ErrorCodeFromError(err),
			Message: err.Error(),
			Details: response.ErrorDetails(err),
		}
		if res != nil {
			msg.Result = res
		}
		return msg
	}
	msg.Type = MessageResult
	msg.Result = res
	return msg
}

func (h *StreamHandler) writePump(client *streamClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func isStreamOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
