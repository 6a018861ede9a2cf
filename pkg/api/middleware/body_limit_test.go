package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		body    string
		wantErr bool
	}{
		{name: "under limit", limit: 32, body: `{"type":"note"}`},
		{name: "over limit", limit: 8, body: `{"type":"note"}`, wantErr: true},
		{name: "disabled", limit: 0, body: strings.Repeat("x", 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var readErr error
			handler := BodyLimit(tt.limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/packets", strings.NewReader(tt.body))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var maxErr *http.MaxBytesError
			if tt.wantErr != errors.As(readErr, &maxErr) {
				t.Fatalf("read error = %v, wantErr %v", readErr, tt.wantErr)
			}
		})
	}
}
