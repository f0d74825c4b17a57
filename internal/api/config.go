package api

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/config"
)

// ConfigHandler exposes the running master's configuration for inspection
// and limited live tuning — the three fields that are safe to change without
// a restart (probe/dispatch intervals and prune retention). Everything
// else (DB DSN, listen addresses) requires a restart to take effect and is
// shown read-only.
type ConfigHandler struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *zap.Logger
}

// NewConfigHandler creates a new ConfigHandler over the live config.
// Merging a new interval here updates the value GET /api/config reports
// immediately; the health monitor, dispatcher and janitor read their
// interval once at construction and do not pick up a merged value. A merge
// is held in memory only, so a restart goes back to the environment/flag
// values.
func NewConfigHandler(cfg *config.Config, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, logger: logger.Named("config_handler")}
}

type configResponse struct {
	NodeAddr             string `json:"node_addr"`
	HTTPAddr             string `json:"http_addr"`
	DBDriver             string `json:"db_driver"`
	ProbeInterval        string `json:"probe_interval"`
	ProbeTimeout         string `json:"probe_timeout"`
	DispatchInterval     string `json:"dispatch_interval"`
	JobWorkdirRoot       string `json:"job_workdir_root"`
	RelayToken           string `json:"relay_token"`
	PruneInterval        string `json:"prune_interval"`
	PruneRetention       string `json:"prune_retention"`
	ExpireRunningOnStart bool   `json:"expire_running_on_start"`
	LogLevel             string `json:"log_level"`
}

func (h *ConfigHandler) toResponse() configResponse {
	return configResponse{
		NodeAddr:             h.cfg.NodeAddr,
		HTTPAddr:             h.cfg.HTTPAddr,
		DBDriver:             h.cfg.DBDriver,
		ProbeInterval:        h.cfg.ProbeInterval.String(),
		ProbeTimeout:         h.cfg.ProbeTimeout.String(),
		DispatchInterval:     h.cfg.DispatchInterval.String(),
		JobWorkdirRoot:       h.cfg.JobWorkdirRoot,
		RelayToken:           h.cfg.MaskedRelayToken(),
		PruneInterval:        h.cfg.PruneInterval.String(),
		PruneRetention:       h.cfg.PruneRetention.String(),
		ExpireRunningOnStart: h.cfg.ExpireRunningOnStart,
		LogLevel:             h.cfg.LogLevel,
	}
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	resp := h.toResponse()
	h.mu.Unlock()
	Ok(w, resp)
}

// mergeConfigRequest carries the sparse set of fields a live merge accepts.
// A nil pointer means "leave unchanged".
type mergeConfigRequest struct {
	ProbeInterval  *string `json:"probe_interval,omitempty"`
	DispatchInterval *string `json:"dispatch_interval,omitempty"`
	PruneRetention *string `json:"prune_retention,omitempty"`
}

// Merge handles POST /api/config: applies a sparse live update to the
// tunable subset of configuration. Secrets are never accepted here — the
// relay token can only be set at startup via environment/flag.
func (h *ConfigHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	probe, dispatch, retention := h.cfg.ProbeInterval, h.cfg.DispatchInterval, h.cfg.PruneRetention
	if req.ProbeInterval != nil {
		d, err := parseDuration(*req.ProbeInterval)
		if err != nil {
			ErrBadRequest(w, "invalid probe_interval: "+err.Error())
			return
		}
		probe = d
	}
	if req.DispatchInterval != nil {
		d, err := parseDuration(*req.DispatchInterval)
		if err != nil {
			ErrBadRequest(w, "invalid dispatch_interval: "+err.Error())
			return
		}
		dispatch = d
	}
	if req.PruneRetention != nil {
		d, err := parseDuration(*req.PruneRetention)
		if err != nil {
			ErrBadRequest(w, "invalid prune_retention: "+err.Error())
			return
		}
		retention = d
	}
	h.cfg.ProbeInterval, h.cfg.DispatchInterval, h.cfg.PruneRetention = probe, dispatch, retention

	h.logger.Info("configuration updated via operator merge",
		zap.String("probe_interval", h.cfg.ProbeInterval.String()),
		zap.String("dispatch_interval", h.cfg.DispatchInterval.String()),
		zap.String("prune_retention", h.cfg.PruneRetention.String()),
	)

	Ok(w, h.toResponse())
}
