package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"catenary/internal/model"
	"catenary/internal/network"
	"catenary/internal/opt"
)

func sampleInput() model.RunInput {
	return model.RunInput{
		Segments: []network.Segment{{ID: 1, Length: 100}, {ID: 2, Length: 50}},
		Routes:   []network.Route{{ID: 1, Segments: []int{0, 1}}},
	}
}

func TestMemoryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	run, err := m.CreateRun(ctx, model.Run{TenantID: "t1", Name: "demo"}, sampleInput())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" || run.Status != model.RunQueued || run.SegmentCount != 2 || run.RouteCount != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, err := m.GetRun(ctx, "other", run.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant get should be not found, got %v", err)
	}
	if err := m.UpdateRunStatus(ctx, "t1", run.ID, model.RunRunning, "", time.Now()); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := m.SaveRunProgress(ctx, "t1", run.ID, opt.Progress{Iteration: 3, BestCost: 42}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.SaveRunResult(ctx, "t1", run.ID, model.RunResult{Cost: 42}); err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := m.UpdateRunStatus(ctx, "t1", run.ID, model.RunSucceeded, "", time.Now()); err != nil {
		t.Fatalf("succeeded: %v", err)
	}
	if err := m.UpdateRunStatus(ctx, "t1", run.ID, model.RunCancelled, "", time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("terminal transition should conflict, got %v", err)
	}
	got, _ := m.GetRun(ctx, "t1", run.ID)
	if got.StartedAt == nil || got.FinishedAt == nil || got.Result == nil || got.Progress.Iteration != 3 {
		t.Fatalf("unexpected stored run: %+v", got)
	}
	in, err := m.GetRunInput(ctx, "t1", run.ID)
	if err != nil || len(in.Routes) != 1 {
		t.Fatalf("GetRunInput: %v %+v", err, in)
	}
}

func TestMemoryListRunsPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		if _, err := m.CreateRun(ctx, model.Run{TenantID: "t1"}, sampleInput()); err != nil {
			t.Fatal(err)
		}
	}
	page, next, _ := m.ListRuns(ctx, "t1", "", "", 2)
	if len(page) != 2 || next == "" {
		t.Fatalf("first page: %d items next=%q", len(page), next)
	}
	seen := len(page)
	for next != "" {
		page, next, _ = m.ListRuns(ctx, "t1", "", next, 2)
		seen += len(page)
	}
	if seen != 5 {
		t.Fatalf("want 5 runs across pages, got %d", seen)
	}
	if items, _, _ := m.ListRuns(ctx, "t1", string(model.RunFailed), "", 10); len(items) != 0 {
		t.Fatalf("status filter leaked %d runs", len(items))
	}
}

func TestMemoryOptimizerConfig(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if cfg, err := m.GetOptimizerConfig(ctx, "t1"); err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %+v %v", cfg, err)
	}
	ants := 9
	if err := m.SaveOptimizerConfig(ctx, "t1", &opt.Overrides{Ants: &ants}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := m.GetOptimizerConfig(ctx, "t1")
	if cfg == nil || cfg.Ants == nil || *cfg.Ants != 9 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestMemoryWebhookQueue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, _ := m.EnqueueWebhook(ctx, "t1", "run1", "run.completed", "http://example", "s", []byte(`{}`))
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id || due[0].RunID != "run1" {
		t.Fatalf("unexpected due: %+v", due)
	}
	later := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 3); err != nil {
		t.Fatal(err)
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("retry scheduled in the future should not be due")
	}
	if err := m.RetryWebhookDelivery(ctx, "t1", id); err != nil {
		t.Fatal(err)
	}
	if err := m.FailWebhookDelivery(ctx, id, "gave up", 500, 3); err != nil {
		t.Fatal(err)
	}
	items, _, _ := m.ListWebhookDeliveries(ctx, "t1", DeliveryFailed, "", 10)
	if len(items) != 1 || items[0].Attempts != 2 || items[0].LastError != "gave up" {
		t.Fatalf("unexpected deliveries: %+v", items)
	}
	if err := m.RetryWebhookDelivery(ctx, "t2", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant retry should be not found, got %v", err)
	}
}
