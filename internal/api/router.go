package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/config"
	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// RouterConfig holds every dependency NewRouter needs to build the HTTP
// surface. Populated once in cmd/master after all components are wired.
// The node channel is deliberately not part of this router — it listens on
// its own address (cfg.NodeAddr) via a separate http.Server, mirroring two
// independently configured listeners rather than one shared port.
type RouterConfig struct {
	Store    *store.Store
	Registry *registry.Registry
	Config   *config.Config
	PromReg  *prometheus.Registry
	Logger   *zap.Logger
}

// NewRouter builds the Submission Surface: the job/node/config/relay REST
// API under /api and the Prometheus exposition endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Store, cfg.Logger)
	nodeHandler := NewNodeHandler(cfg.Store, cfg.Registry, cfg.Logger)
	relayHandler := NewRelayHandler(cfg.Registry, cfg.Logger)
	configHandler := NewConfigHandler(cfg.Config, cfg.Logger)

	r.Handle("/metrics", metrics.Handler(cfg.PromReg))

	r.Route("/api", func(r chi.Router) {
		r.Use(RelayAuth(cfg.Config.RelayToken))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobHandler.Create)
			r.Get("/", jobHandler.List)
			r.Get("/{id}", jobHandler.GetByID)
			r.Get("/{id}/logs", jobHandler.GetLogs)
			r.Post("/{id}/status", jobHandler.UpdateStatus)
			r.Post("/{id}/expire", jobHandler.Expire)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", nodeHandler.List)
			r.Get("/{id}", nodeHandler.GetByID)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", configHandler.Get)
			r.Post("/", configHandler.Merge)
		})

		r.Post("/broadcast", relayHandler.Broadcast)
		r.Post("/send", relayHandler.Send)
	})

	return r
}
