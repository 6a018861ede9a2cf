package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	sw := captureStatus(httptest.NewRecorder())

	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusBadRequest)

	if sw.status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", sw.status)
	}
}

func TestStatusWriter_CountsBytes(t *testing.T) {
	sw := captureStatus(httptest.NewRecorder())

	_, _ = sw.Write([]byte(`{"packet_id":`))
	_, _ = sw.Write([]byte(`"a"}`))

	if sw.bytes != 17 {
		t.Fatalf("bytes = %d, want 17", sw.bytes)
	}
	if sw.status != http.StatusOK || !sw.sent {
		t.Fatalf("implicit write should record 200, got %d sent=%v", sw.status, sw.sent)
	}
}

func TestCaptureStatus_ReusesWrapper(t *testing.T) {
	outer := captureStatus(httptest.NewRecorder())
	if inner := captureStatus(outer); inner != outer {
		t.Fatal("expected the existing wrapper to be shared")
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := captureStatus(httptest.NewRecorder())
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("expected error from a recorder that cannot hijack")
	}
}
