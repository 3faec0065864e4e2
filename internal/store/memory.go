package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"catenary/internal/model"
	"catenary/internal/opt"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*model.Run     // id -> run
	inputs map[string]model.RunInput // run id -> submitted network
	byTen  map[string][]string       // tenant -> run ids, oldest first
	snaps  map[string][]opt.Snapshot // run id -> snapshots
	optCfg map[string]*opt.Overrides // tenant -> config
	// Webhooks queue state
	deliveries         map[string]*WebhookDelivery // id -> delivery state
	deliveryOrder      []string
	deliveriesByTenant map[string][]string // tenant -> delivery ids
	dlq                []string            // dead-lettered delivery ids
	now                func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		runs:               map[string]*model.Run{},
		inputs:             map[string]model.RunInput{},
		byTen:              map[string][]string{},
		snaps:              map[string][]opt.Snapshot{},
		optCfg:             map[string]*opt.Overrides{},
		deliveries:         map[string]*WebhookDelivery{},
		deliveriesByTenant: map[string][]string{},
		now:                time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateRun(ctx context.Context, run model.Run, in model.RunInput) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now().UTC()
	}
	run.SegmentCount = len(in.Segments)
	run.RouteCount = len(in.Routes)
	r := run
	m.runs[run.ID] = &r
	m.inputs[run.ID] = in
	m.byTen[run.TenantID] = append(m.byTen[run.TenantID], run.ID)
	return run, nil
}

func (m *Memory) lookup(tenantID, id string) (*model.Run, error) {
	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRun(ctx context.Context, tenantID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(tenantID, id)
	if err != nil {
		return model.Run{}, err
	}
	return *r, nil
}

func (m *Memory) ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Run{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		r := m.runs[ids[i]]
		if status == "" || string(r.Status) == status {
			out = append(out, *r)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) GetRunInput(ctx context.Context, tenantID, id string) (model.RunInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(tenantID, id); err != nil {
		return model.RunInput{}, err
	}
	return m.inputs[id], nil
}

func (m *Memory) UpdateRunStatus(ctx context.Context, tenantID, id string, status model.RunStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return ErrConflict
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	t := at.UTC()
	switch {
	case status == model.RunRunning:
		r.StartedAt = &t
	case status.Terminal():
		r.FinishedAt = &t
	}
	return nil
}

func (m *Memory) SaveRunProgress(ctx context.Context, tenantID, id string, p opt.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	r.Progress = &p
	return nil
}

func (m *Memory) SaveRunResult(ctx context.Context, tenantID, id string, res model.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	r.Result = &res
	return nil
}

func (m *Memory) SaveRunSnapshots(ctx context.Context, tenantID, runID string, snaps []opt.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(tenantID, runID); err != nil {
		return err
	}
	m.snaps[runID] = append(m.snaps[runID], snaps...)
	return nil
}

func (m *Memory) ListRunSnapshots(ctx context.Context, tenantID, runID string) ([]opt.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(tenantID, runID); err != nil {
		return nil, err
	}
	return append([]opt.Snapshot{}, m.snaps[runID]...), nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context, tenantID string) (*opt.Overrides, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.optCfg[tenantID]; ok {
		c := *cfg
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg *opt.Overrides) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg == nil {
		delete(m.optCfg, tenantID)
		return nil
	}
	c := *cfg
	m.optCfg[tenantID] = &c
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &WebhookDelivery{
		ID: id, TenantID: tenantID, RunID: runID, EventType: eventType, URL: url, Secret: secret,
		Payload: payload, Status: DeliveryPending, NextAttemptAt: m.now(),
	}
	m.deliveryOrder = append(m.deliveryOrder, id)
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(1 * time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, id)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.deliveriesByTenant[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []WebhookDelivery{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		d := m.deliveries[ids[i]]
		if status == "" || d.Status == status {
			out = append(out, *d)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}
