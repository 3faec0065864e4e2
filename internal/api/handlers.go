package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"catenary/internal/jobs"
	"catenary/internal/model"
	"catenary/internal/network"
	"catenary/internal/opt"
	"catenary/internal/report"
	"catenary/internal/store"
)

const maxBodyBytes = 64 << 20

// RunsHandler handles POST/GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/runs" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createRun(w, r, p)
	case http.MethodGet:
		q := r.URL.Query()
		limit := queryInt(q.Get("limit"), 100)
		items, next, err := s.Store.ListRuns(r.Context(), p.Tenant, q.Get("status"), q.Get("cursor"), limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, p Principal) {
	var req model.OptimizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	tenant := p.Tenant
	if req.TenantID != "" && req.TenantID != p.Tenant {
		if !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required to submit for another tenant", r.URL.Path)
			return
		}
		tenant = req.TenantID
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}
	in, err := runInput(&req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid network", err.Error(), r.URL.Path)
		return
	}
	cfg, err := s.runConfig(r.Context(), tenant, &req)
	if errors.Is(err, opt.ErrInvalidConfig) {
		writeProblem(w, http.StatusBadRequest, "Invalid optimizer params", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load optimizer config failed", err.Error(), r.URL.Path)
		return
	}

	run, err := s.Store.CreateRun(r.Context(), model.Run{
		TenantID:       tenant,
		Name:           req.Name,
		Status:         model.RunQueued,
		Preset:         strings.ToUpper(req.Preset),
		Config:         cfg,
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
	}, in)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create run failed", err.Error(), r.URL.Path)
		return
	}
	if err := s.Runner.Submit(run); err != nil {
		_ = s.Store.UpdateRunStatus(context.WithoutCancel(r.Context()), tenant, run.ID, model.RunFailed, err.Error(), time.Now())
		writeProblem(w, http.StatusServiceUnavailable, "Run not accepted", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": run.ID, "status": run.Status})
}

// RunByIDHandler handles GET /v1/runs/{id} and its /cancel, /report,
// /snapshots, /events and /ws subresources.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	run, err := s.Store.GetRun(r.Context(), p.Tenant, id)
	if err != nil {
		s.storeError(w, r, "Run not found", err)
		return
	}

	method := http.MethodGet
	if action == "cancel" {
		method = http.MethodPost
	}
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "":
		writeJSON(w, http.StatusOK, run)
	case "cancel":
		s.cancelRun(w, r, run)
	case "report":
		s.runReport(w, r, run)
	case "snapshots":
		snaps, err := s.Store.ListRunSnapshots(r.Context(), p.Tenant, id)
		if err != nil {
			s.storeError(w, r, "List snapshots failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": snaps})
	case "events":
		s.streamEvents(w, r, run)
	case "ws":
		s.RunWSHandler(w, r, run)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown run resource "+action, r.URL.Path)
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, run model.Run) {
	if run.Status.Terminal() {
		writeProblem(w, http.StatusConflict, "Run already finished", string(run.Status), r.URL.Path)
		return
	}
	err := s.Runner.Cancel(r.Context(), run.TenantID, run.ID)
	if errors.Is(err, jobs.ErrUnknownRun) {
		// queued before a restart: nothing holds it, so settle it here
		err = s.Store.UpdateRunStatus(r.Context(), run.TenantID, run.ID, model.RunCancelled, "cancelled", time.Now())
	}
	if errors.Is(err, store.ErrConflict) {
		writeProblem(w, http.StatusConflict, "Run already finished", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Cancel failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": run.ID, "status": "cancelling"})
}

func (s *Server) runReport(w http.ResponseWriter, r *http.Request, run model.Run) {
	if run.Result == nil {
		writeProblem(w, http.StatusConflict, "No result yet", "run status is "+string(run.Status), r.URL.Path)
		return
	}
	in, err := s.Store.GetRunInput(r.Context(), run.TenantID, run.ID)
	if err != nil {
		s.storeError(w, r, "Load run input failed", err)
		return
	}
	net, err := network.New(in.Segments, in.Routes)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Stored network invalid", err.Error(), r.URL.Path)
		return
	}
	if len(run.Result.Solution) != net.NumSegments() {
		writeProblem(w, http.StatusInternalServerError, "Stored result invalid", "solution length mismatch", r.URL.Path)
		return
	}
	sum := report.Build(net, opt.NewValidator(net, run.Config), run.Result.Solution)
	writeJSON(w, http.StatusOK, sum)
}

// OptimizerConfigHandler returns the defaults with the caller's tenant
// overrides applied.
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	overrides, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load config failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults":  s.Defaults,
		"effective": overrides.Apply(s.Defaults),
		"overrides": overrides,
	})
}

// PresetsHandler lists the fleet presets
func (s *Server) PresetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := map[string]opt.Config{}
	for _, name := range opt.PresetNames() {
		out[name], _ = opt.Preset(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

// AdminOptimizerConfigHandler gets or replaces the tenant's stored overrides.
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimizer/config" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Load config failed", err.Error(), r.URL.Path)
			return
		}
		if cfg == nil {
			cfg = &opt.Overrides{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config *opt.Overrides `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		if err := body.Config.Apply(s.Defaults).Validate(); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), p.Tenant, body.Config); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WebhookDeliveriesHandler lists the tenant's webhook deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, q.Get("status"), q.Get("cursor"), queryInt(q.Get("limit"), 100))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "retry" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
		s.storeError(w, r, "Retry failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "pending"})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks the store and, when it can be pinged, the broker.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "store: "+err.Error(), r.URL.Path)
		return
	}
	if b, ok := s.Events.(pinger); ok {
		if err := b.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "broker: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, title, err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, title, err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
