package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/config"
)

func newTestConfigRouter(t *testing.T) (http.Handler, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		NodeAddr:         ":7000",
		HTTPAddr:         ":8080",
		DBDriver:         "sqlite",
		ProbeInterval:    10 * time.Second,
		ProbeTimeout:     5 * time.Second,
		DispatchInterval: time.Second,
		PruneInterval:    time.Hour,
		PruneRetention:   24 * time.Hour,
		RelayToken:       "super-secret-token",
		LogLevel:         "info",
	}
	h := NewConfigHandler(cfg, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/api/config", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/", h.Merge)
	})
	return r, cfg
}

func TestGetConfigMasksRelayToken(t *testing.T) {
	r, _ := newTestConfigRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/config/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got configResponse
	decodeData(t, w, &got)
	assert.NotEqual(t, "super-secret-token", got.RelayToken)
	assert.Equal(t, ":7000", got.NodeAddr)
}

func TestMergeConfigUpdatesTunableIntervals(t *testing.T) {
	r, cfg := newTestConfigRouter(t)

	newInterval := "30s"
	w := doRequest(t, r, http.MethodPost, "/api/config/", mergeConfigRequest{ProbeInterval: &newInterval})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 30*time.Second, cfg.ProbeInterval)

	var got configResponse
	decodeData(t, w, &got)
	assert.Equal(t, "30s", got.ProbeInterval)
}

func TestMergeConfigRejectsInvalidDuration(t *testing.T) {
	r, cfg := newTestConfigRouter(t)
	orig := cfg.DispatchInterval

	bogus := "not-a-duration"
	w := doRequest(t, r, http.MethodPost, "/api/config/", mergeConfigRequest{DispatchInterval: &bogus})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, orig, cfg.DispatchInterval, "a rejected merge must leave the live config untouched")
}
