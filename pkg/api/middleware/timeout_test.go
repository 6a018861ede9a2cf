package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemo/pkg/api/response"
)

// slowHandler answers 201 after delay unless the request is cancelled first.
func slowHandler(delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		}
		w.Header().Set("X-Stage", "persisted")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"status":"stored"}`))
	}
}

func serveWithTimeout(limit, delay time.Duration) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/packets", nil)
	req.Header.Set(RequestIDHeader, "req-timeout")
	w := httptest.NewRecorder()
	RequestID()(Timeout(limit)(slowHandler(delay))).ServeHTTP(w, req)
	return w
}

func TestTimeout_FastHandlerIsCopiedThrough(t *testing.T) {
	for name, limit := range map[string]time.Duration{"bounded": 200 * time.Millisecond, "disabled": 0} {
		t.Run(name, func(t *testing.T) {
			w := serveWithTimeout(limit, 5*time.Millisecond)
			assert.Equal(t, http.StatusCreated, w.Code)
			assert.Equal(t, "persisted", w.Header().Get("X-Stage"))
			assert.JSONEq(t, `{"status":"stored"}`, w.Body.String())
		})
	}
}

func TestTimeout_SlowHandlerGets504(t *testing.T) {
	w := serveWithTimeout(30*time.Millisecond, time.Second)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Empty(t, w.Header().Get("X-Stage"), "late handler headers are dropped")

	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, response.ErrCodeGatewayTimeout, body.Error.Code)
	assert.Equal(t, "req-timeout", body.Error.RequestID)
}

func TestTimeout_PropagatesPanic(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("embedder crashed")
	}))
	assert.PanicsWithValue(t, "embedder crashed", func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestTimeout_SkipsWebSocketUpgrade(t *testing.T) {
	var hasDeadline bool
	h := Timeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.False(t, hasDeadline)
}
