// Package model holds the request and response shapes shared by the API,
// the job runner and the stores.
package model

import (
	"time"

	"catenary/internal/network"
	"catenary/internal/opt"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Segment references in a request's routes are indices by default; with
// SegmentRefs set to "id" they are segment IDs.
const (
	RefsIndex = "index"
	RefsID    = "id"
)

type OptimizeRequest struct {
	TenantID       string            `json:"tenantId,omitempty"`
	Name           string            `json:"name,omitempty"`
	Segments       []network.Segment `json:"segments"`
	Routes         []network.Route   `json:"routes"`
	SegmentRefs    string            `json:"segmentRefs,omitempty"`
	Preset         string            `json:"preset,omitempty"`
	Params         *opt.Overrides    `json:"params,omitempty"`
	CallbackURL    string            `json:"callbackUrl,omitempty"`
	CallbackSecret string            `json:"callbackSecret,omitempty"`
}

// RunInput is the network a run was submitted with, routes in index form.
type RunInput struct {
	Segments []network.Segment `json:"segments"`
	Routes   []network.Route   `json:"routes"`
}

type Run struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	Name           string        `json:"name,omitempty"`
	Status         RunStatus     `json:"status"`
	Preset         string        `json:"preset,omitempty"`
	Config         opt.Config    `json:"config"`
	SegmentCount   int           `json:"segmentCount"`
	RouteCount     int           `json:"routeCount"`
	CallbackURL    string        `json:"callbackUrl,omitempty"`
	CallbackSecret string        `json:"-"`
	Progress       *opt.Progress `json:"progress,omitempty"`
	Result         *RunResult    `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	FinishedAt     *time.Time    `json:"finishedAt,omitempty"`
}

type RunResult struct {
	Cost        float64      `json:"cost"`
	TotalLength float64      `json:"totalLength"`
	Status      opt.Status   `json:"status"`
	Reason      opt.Reason   `json:"reason"`
	Iterations  int          `json:"iterations"`
	ElapsedMs   int64        `json:"elapsedMs"`
	Wired       []int        `json:"wired"`     // segment IDs
	Mandatory   []int        `json:"mandatory"` // segment IDs
	Solution    opt.Solution `json:"solution"`
	Metrics     opt.Metrics  `json:"metrics"`
}

// Event types published on a run's channel.
const (
	EventProgress = "run.progress"
	EventStatus   = "run.status"
	EventDone     = "run.completed"
)

type RunEvent struct {
	Type     string        `json:"type"`
	RunID    string        `json:"runId"`
	TenantID string        `json:"tenantId,omitempty"`
	Status   RunStatus     `json:"status,omitempty"`
	Progress *opt.Progress `json:"progress,omitempty"`
	Result   *RunResult    `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}
