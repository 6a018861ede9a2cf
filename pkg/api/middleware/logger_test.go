package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goclaw/mnemo/pkg/logger"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		path          string
		handlerStatus int
		handlerBody   string
		wantLevel     string
	}{
		{
			name:          "ingest created",
			method:        http.MethodPost,
			path:          "/api/v1/packets",
			handlerStatus: http.StatusCreated,
			handlerBody:   `{"packet_id":"p1"}`,
			wantLevel:     `"level":"INFO"`,
		},
		{
			name:          "packet not found",
			method:        http.MethodGet,
			path:          "/api/v1/packets/missing",
			handlerStatus: http.StatusNotFound,
			handlerBody:   `{"error":"not found"}`,
			wantLevel:     `"level":"INFO"`,
		},
		{
			name:          "store unavailable",
			method:        http.MethodPost,
			path:          "/api/v1/packets",
			handlerStatus: http.StatusServiceUnavailable,
			handlerBody:   `{"error":"unavailable"}`,
			wantLevel:     `"level":"WARN"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "json", logger.InfoLevel)

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatus)
				w.Write([]byte(tt.handlerBody))
			})

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			RequestID()(Logger(log)(handler)).ServeHTTP(w, req)

			if w.Code != tt.handlerStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.handlerStatus)
			}
			if w.Body.String() != tt.handlerBody {
				t.Errorf("body = %v, want %v", w.Body.String(), tt.handlerBody)
			}

			out := buf.String()
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("expected %s in log line, got %s", tt.wantLevel, out)
			}
			if !strings.Contains(out, `"request_id":"`+w.Header().Get("X-Request-ID")+`"`) {
				t.Errorf("expected request id in log line, got %s", out)
			}
		})
	}
}
