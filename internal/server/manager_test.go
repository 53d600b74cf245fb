package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = ":0" // random port
	cfg.ShutdownTimeout = 2 * time.Second
	return NewManager(handler, cfg, zaptest.NewLogger(t))
}

func TestManager_ServesRequests(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	m := newTestManager(t, handler)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + m.listener.Addr().String() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestManager_DoubleStart(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ShutdownLifecycle(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())

	assert.True(t, m.IsRunning())
	require.NoError(t, m.Start())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	// Repeat shutdown is a no-op; restart is refused.
	require.NoError(t, m.Shutdown(context.Background()))
	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_ErrorsEmptyWhileHealthy(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	select {
	case err := <-m.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
}
