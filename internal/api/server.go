// Package api implements the HTTP handlers of the optimizer service.
package api

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"catenary/internal/auth"
	"catenary/internal/config"
	"catenary/internal/events"
	"catenary/internal/logging"
	"catenary/internal/model"
	"catenary/internal/opt"
	"catenary/internal/store"
	"catenary/internal/webhooks"
)

// Runner is the part of the job runner the handlers drive.
type Runner interface {
	Submit(run model.Run) error
	Cancel(ctx context.Context, tenantID, runID string) error
}

type Server struct {
	Store    store.Store
	Pub      *webhooks.Publisher
	Auth     *auth.Verifier
	Events   events.Broker
	Runner   Runner
	Log      logging.Logger
	Config   config.Config
	Defaults opt.Config // base optimizer config before tenant and request overrides

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter // tenant -> bucket
}

// NewServer wires handlers to their dependencies. Config supplies auth,
// rate limits and the optimizer defaults.
func NewServer(cfg config.Config, st store.Store, b events.Broker, runner Runner, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		Store:    st,
		Pub:      webhooks.NewPublisher(st),
		Auth:     auth.NewVerifier(cfg.Server.AuthMode, cfg.Server.AuthSecret),
		Events:   b,
		Runner:   runner,
		Log:      log,
		Config:   cfg,
		Defaults: cfg.OptimizerDefaults(),
		limiters: map[string]*rate.Limiter{},
	}
}

// Routes builds the service mux wrapped in the standard middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Runs
	mux.HandleFunc("/v1/runs", s.RunsHandler)
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler) // includes /cancel, /report, /snapshots, /events, /ws

	// Optimizer configuration
	mux.HandleFunc("/v1/optimizer/config", s.OptimizerConfigHandler)
	mux.HandleFunc("/v1/optimizer/presets", s.PresetsHandler)
	mux.HandleFunc("/v1/admin/optimizer/config", s.AdminOptimizerConfigHandler)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

	// Health, metrics, docs
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/debug/info", s.DebugJSON)
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)

	return s.withRequestID(s.withCORS(s.withLogging(s.withRateLimit(mux))))
}
