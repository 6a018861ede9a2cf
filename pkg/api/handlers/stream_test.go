package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/pipeline"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStreamMetrics struct {
	clients atomic.Int32
}

func (m *countingStreamMetrics) IncStreamClients() { m.clients.Add(1) }
func (m *countingStreamMetrics) DecStreamClients() { m.clients.Add(-1) }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamHandler_RejectsNonUpgrade(t *testing.T) {
	handler := NewStreamHandler(stubIngestor{}, nil, nil, StreamConfig{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamHandler_IngestsFramesInOrder(t *testing.T) {
	e := newTestEnv(t)
	metrics := &countingStreamMetrics{}
	handler := NewStreamHandler(e.orch, nil, metrics, StreamConfig{MaxConnections: 2})
	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	conn := dialStream(t, wsURL(server.URL))
	require.NoError(t, conn.WriteJSON(notePacket("live-1", "streamed note")))
	require.NoError(t, conn.WriteJSON(map[string]any{"packet_id": "live-2"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(notePacket("live-1", "streamed note")))

	first := readMessage(t, conn)
	assert.Equal(t, MessageResult, first.Type)
	assert.Equal(t, 1, first.Seq)
	require.NotNil(t, first.Result)
	assert.Equal(t, "live-1", first.Result.PacketID)

	second := readMessage(t, conn)
	assert.Equal(t, MessageError, second.Type)
	assert.Equal(t, 2, second.Seq)
	require.NotNil(t, second.Error)
	assert.Equal(t, response.ErrCodeValidationFailed, second.Error.Code)

	third := readMessage(t, conn)
	assert.Equal(t, MessageError, third.Type)
	assert.Equal(t, response.ErrCodeBadRequest, third.Error.Code)

	fourth := readMessage(t, conn)
	assert.Equal(t, MessageResult, fourth.Type)
	assert.True(t, fourth.Result.Duplicate)

	assert.Equal(t, int32(1), metrics.clients.Load())
	env, err := e.store.GetPacket(t.Context(), "live-1")
	require.NoError(t, err)
	assert.Equal(t, packet.SourceStream, env.Source)
}

func TestStreamHandler_WatchRuns(t *testing.T) {
	e := newTestEnv(t)
	handler := NewStreamHandler(e.orch, nil, nil, StreamConfig{})
	unsubscribe := e.orch.Subscribe(handler)
	defer unsubscribe()
	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	watcher := dialStream(t, wsURL(server.URL)+"?watch=runs")
	require.Eventually(t, func() bool { return handler.Clients() == 1 }, time.Second, 10*time.Millisecond)

	_, err := e.orch.Ingest(t.Context(), packet.PacketInput{
		ID:      "watched",
		Type:    "note",
		Payload: map[string]any{"text": "observe me"},
	})
	require.NoError(t, err)

	var last pipeline.RunState
	for last != pipeline.StateCheckpointed {
		msg := readMessage(t, watcher)
		require.Equal(t, MessageRun, msg.Type)
		require.NotNil(t, msg.Run)
		last = msg.Run.To
	}
}

func TestStreamHandler_ConnectionLimit(t *testing.T) {
	metrics := &countingStreamMetrics{}
	handler := NewStreamHandler(stubIngestor{}, nil, metrics, StreamConfig{MaxConnections: 1})
	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	dialStream(t, wsURL(server.URL))
	require.Eventually(t, func() bool { return handler.Clients() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	handler.Close()
	assert.Equal(t, 0, handler.Clients())
	assert.Equal(t, int32(0), metrics.clients.Load())
}

func TestStreamHandler_OriginCheck(t *testing.T) {
	handler := NewStreamHandler(stubIngestor{}, nil, nil, StreamConfig{
		AllowedOrigins: []string{"http://allowed.example"},
	})
	server := httptest.NewServer(handler)
	defer server.Close()
	defer handler.Close()

	headers := http.Header{}
	headers.Set("Origin", "http://blocked.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL), headers)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	headers.Set("Origin", "http://allowed.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server.URL), headers)
	require.NoError(t, err)
	_ = conn.Close()
}
