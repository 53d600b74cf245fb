package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/keyrouter/config"
	"github.com/BaSui01/keyrouter/keypool"
	"github.com/BaSui01/keyrouter/router"
)

func newHandlerTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	rt, err := router.New(config.RouterConfig{
		Providers: []config.ProviderConfig{
			{Code: "groq", DefaultDailyLimit: 5, Keys: []config.KeyConfig{{Secret: "gsk-test"}}},
		},
		Tasks: map[string][]string{"chat": {"groq"}},
	}, router.WithLogger(logger))
	require.NoError(t, err)

	return &Server{
		cfg:    config.DefaultConfig(),
		logger: logger,
		router: rt,
	}
}

func TestHandleHealthz(t *testing.T) {
	s := newHandlerTestServer(t)

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStatus(t *testing.T) {
	s := newHandlerTestServer(t)

	ref, err := s.router.Acquire("chat")
	require.NoError(t, err)
	require.NoError(t, s.router.ReportOutcome(ref, keypool.OutcomeSuccess))

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, 200, rec.Code)

	var body struct {
		Providers map[string]struct {
			Available bool `json:"available"`
			UsedToday int  `json:"used_today"`
		} `json:"providers"`
		Tasks []string `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.Contains(t, body.Providers, "groq")
	assert.True(t, body.Providers["groq"].Available)
	assert.Equal(t, 1, body.Providers["groq"].UsedToday)
	assert.Equal(t, []string{"chat"}, body.Tasks)
}

func TestHandleStatusKeys_NoSecrets(t *testing.T) {
	s := newHandlerTestServer(t)

	rec := httptest.NewRecorder()
	s.handleStatusKeys(rec, httptest.NewRequest("GET", "/status/keys", nil))
	require.Equal(t, 200, rec.Code)

	// The raw credential must never appear in any status payload.
	assert.NotContains(t, rec.Body.String(), "gsk-test")
}

func TestHandleVersion(t *testing.T) {
	s := newHandlerTestServer(t)

	rec := httptest.NewRecorder()
	s.handleVersion(rec, httptest.NewRequest("GET", "/version", nil))
	require.Equal(t, 200, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Version, body["version"])
}
