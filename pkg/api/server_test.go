package api

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemo/pkg/logger"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	s := NewHTTPServer(cfg, logger.Nop(), createTestHandlers(t, cfg))

	assert.Equal(t, cfg.Server.HTTP.ReadTimeout, s.http.ReadTimeout)
	assert.Equal(t, cfg.Server.HTTP.MaxHeaderBytes, s.http.MaxHeaderBytes)
	assert.NotNil(t, s.closer, "stream handler is closed on shutdown")
	assert.Equal(t, "127.0.0.1:8080", s.Addr())
}

func TestHTTPServer_ListenReportsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port
	s := NewHTTPServer(cfg, logger.Nop(), createTestHandlers(t, cfg))

	assert.Error(t, s.Listen())
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0
	s := NewHTTPServer(cfg, logger.Nop(), createTestHandlers(t, cfg))

	require.NoError(t, s.Listen())
	require.NoError(t, s.Listen())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
