package store

import (
	"context"
	"errors"
	"time"

	"catenary/internal/model"
	"catenary/internal/opt"
)

// Store is the persistence interface used by the API server and job runner.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.Run, in model.RunInput) (model.Run, error)
	GetRun(ctx context.Context, tenantID, id string) (model.Run, error)
	ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error)
	GetRunInput(ctx context.Context, tenantID, id string) (model.RunInput, error)
	UpdateRunStatus(ctx context.Context, tenantID, id string, status model.RunStatus, errMsg string, at time.Time) error
	SaveRunProgress(ctx context.Context, tenantID, id string, p opt.Progress) error
	SaveRunResult(ctx context.Context, tenantID, id string, res model.RunResult) error

	// Progress snapshots
	SaveRunSnapshots(ctx context.Context, tenantID, runID string, snaps []opt.Snapshot) error
	ListRunSnapshots(ctx context.Context, tenantID, runID string) ([]opt.Snapshot, error)

	// Optimizer config per tenant
	GetOptimizerConfig(ctx context.Context, tenantID string) (*opt.Overrides, error)
	SaveOptimizerConfig(ctx context.Context, tenantID string, cfg *opt.Overrides) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, runID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]WebhookDelivery, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a run transition is not allowed from its
// current status.
var ErrConflict = errors.New("conflict")
