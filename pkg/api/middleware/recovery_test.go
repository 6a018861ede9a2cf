package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemo/pkg/api/response"
	"github.com/goclaw/mnemo/pkg/logger"
)

func serveRecovered(t *testing.T, h http.HandlerFunc) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "json", logger.InfoLevel)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/packets", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	w := httptest.NewRecorder()
	RequestID()(Recovery(log)(h)).ServeHTTP(w, req)
	return w, buf.String()
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	for name, v := range map[string]any{
		"string": "store missing",
		"error":  errors.New("nil store"),
	} {
		t.Run(name, func(t *testing.T) {
			w, logs := serveRecovered(t, func(http.ResponseWriter, *http.Request) { panic(v) })

			require.Equal(t, http.StatusInternalServerError, w.Code)
			var body response.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, response.ErrCodeInternalServer, body.Error.Code)
			assert.Equal(t, "req-7", body.Error.RequestID)
			assert.Contains(t, logs, "handler panic")
			assert.Contains(t, logs, `"response_started":false`)
		})
	}
}

func TestRecovery_NoPanicPassesThrough(t *testing.T) {
	w, logs := serveRecovered(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, logs)
}

func TestRecovery_StartedResponseIsNotOverwritten(t *testing.T) {
	w, logs := serveRecovered(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"partial":`))
		panic("mid-stream")
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, `{"partial":`, w.Body.String())
	assert.Contains(t, logs, `"response_started":true`)
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	h := Recovery(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
