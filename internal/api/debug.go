package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catenary/internal/buildinfo"
	"catenary/internal/metrics"
	"catenary/internal/opt"
)

// MetricsHandler exposes the service registry.
func MetricsHandler() http.Handler {
	metrics.RegisterDefault()
	return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

// DebugJSON reports build info and a redacted view of the configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"addr":             cfg.Server.Addr,
			"authMode":         cfg.Server.AuthMode,
			"allowedOrigin":    cfg.Server.AllowedOrigin,
			"rateRPS":          cfg.Server.RateRPS,
			"rateBurst":        cfg.Server.RateBurst,
			"jobWorkers":       cfg.Jobs.Workers,
			"jobQueueSize":     cfg.Jobs.QueueSize,
			"webhookAttempts":  cfg.Webhooks.MaxAttempts,
			"tracing":          cfg.Tracing.Enabled,
			"hasDatabaseURL":   cfg.Store.DatabaseURL != "",
			"hasRedisURL":      cfg.Broker.RedisURL != "",
			"optimizerPresets": opt.PresetNames(),
		},
		"optimizer": s.Defaults,
	})
}
