package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"catenary/internal/auth"
	"catenary/internal/config"
	"catenary/internal/events"
	"catenary/internal/jobs"
	"catenary/internal/model"
	"catenary/internal/store"
)

type testEnv struct {
	srv    *Server
	store  *store.Memory
	runner *jobs.Runner
	h      http.Handler
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateRPS = 0
	if mutate != nil {
		mutate(&cfg)
	}
	st := store.NewMemory()
	b := events.NewMemory()
	runner := jobs.New(st, b, nil, jobs.Options{Workers: 1, QueueSize: 8})
	runner.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})
	s := NewServer(cfg, st, b, runner, nil)
	return &testEnv{srv: s, store: st, runner: runner, h: s.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_test")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

// corridor is one route over three 10 km segments referenced by ID.
func corridor(iterations int) map[string]any {
	return map[string]any{
		"name": "corridor",
		"segments": []map[string]any{
			{"id": 101, "length": 10000, "node1": 1, "node2": 2},
			{"id": 102, "length": 10000, "node1": 2, "node2": 3},
			{"id": 103, "length": 10000, "node1": 3, "node2": 4},
		},
		"routes":      []map[string]any{{"id": 1, "segments": []int{101, 102, 103}}},
		"segmentRefs": "id",
		"params":      map[string]any{"iterations": iterations, "ants": 4},
	}
}

func (e *testEnv) submit(t *testing.T, body any) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/runs", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.RunID == "" {
		t.Fatal("missing runId")
	}
	return out.RunID
}

func (e *testEnv) waitRun(t *testing.T, id string) model.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rr := e.do(t, http.MethodGet, "/v1/runs/"+id, nil, nil)
		if rr.Code != 200 {
			t.Fatalf("get run: %d", rr.Code)
		}
		var run model.Run
		if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
			t.Fatal(err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return model.Run{}
}

func TestHealthReady(t *testing.T) {
	e := newTestEnv(t, nil)
	if rr := e.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/readyz", nil, nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/metrics", nil, nil); rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: got %d", rr.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.submit(t, corridor(15))
	run := e.waitRun(t, id)
	if run.Status != model.RunSucceeded {
		t.Fatalf("status %s: %s", run.Status, run.Error)
	}
	if run.Result == nil || run.Result.Cost <= 0 || run.Result.Cost >= 30000 {
		t.Fatalf("result: %+v", run.Result)
	}
	if run.Config.Iterations != 15 || run.Config.Ants != 4 {
		t.Fatalf("request params not applied: %+v", run.Config)
	}

	rr := e.do(t, http.MethodGet, "/v1/runs/"+id+"/report", nil, nil)
	if rr.Code != 200 {
		t.Fatalf("report: %d %s", rr.Code, rr.Body.String())
	}
	var sum struct {
		Feasible    bool    `json:"feasible"`
		WiredLength float64 `json:"wiredLength"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &sum)
	if !sum.Feasible || sum.WiredLength != run.Result.Cost {
		t.Fatalf("report mismatch: %+v vs cost %v", sum, run.Result.Cost)
	}

	rr = e.do(t, http.MethodGet, "/v1/runs?status=succeeded", nil, nil)
	var page struct {
		Items []model.Run `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &page)
	if rr.Code != 200 || len(page.Items) != 1 {
		t.Fatalf("list: %d items=%d", rr.Code, len(page.Items))
	}

	if rr := e.do(t, http.MethodPost, "/v1/runs/"+id+"/cancel", nil, nil); rr.Code != http.StatusConflict {
		t.Fatalf("cancel finished run: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/runs/"+id, nil, map[string]string{"X-Tenant-Id": "other"}); rr.Code != 404 {
		t.Fatalf("cross-tenant read: %d", rr.Code)
	}
}

func TestCreateRunValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	bad := map[string]map[string]any{
		"no segments":  {"segments": []any{}, "routes": []any{map[string]any{"segments": []int{0}}}},
		"bad refs":     {"segments": []any{map[string]any{"id": 1, "length": 5}}, "routes": []any{map[string]any{"segments": []int{0}}}, "segmentRefs": "name"},
		"bad index":    {"segments": []any{map[string]any{"id": 1, "length": 5}}, "routes": []any{map[string]any{"segments": []int{3}}}},
		"bad length":   {"segments": []any{map[string]any{"id": 1, "length": -5}}, "routes": []any{map[string]any{"segments": []int{0}}}},
		"bad preset":   {"segments": []any{map[string]any{"id": 1, "length": 5}}, "routes": []any{map[string]any{"segments": []int{0}}}, "preset": "Q"},
		"bad params":   {"segments": []any{map[string]any{"id": 1, "length": 5}}, "routes": []any{map[string]any{"segments": []int{0}}}, "params": map[string]any{"rho": 2}},
		"bad callback": {"segments": []any{map[string]any{"id": 1, "length": 5}}, "routes": []any{map[string]any{"segments": []int{0}}}, "callbackUrl": "ftp://x"},
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			if rr := e.do(t, http.MethodPost, "/v1/runs", body, nil); rr.Code != http.StatusBadRequest {
				t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateRunOtherTenantNeedsAdmin(t *testing.T) {
	e := newTestEnv(t, nil)
	body := corridor(5)
	body["tenantId"] = "someone_else"
	if rr := e.do(t, http.MethodPost, "/v1/runs", body, map[string]string{"X-Role": "user"}); rr.Code != http.StatusForbidden {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestPresetAndTenantConfig(t *testing.T) {
	e := newTestEnv(t, nil)
	put := map[string]any{"config": map[string]any{"ants": 3, "iterations": 7}}
	if rr := e.do(t, http.MethodPut, "/v1/admin/optimizer/config", put, nil); rr.Code != 200 {
		t.Fatalf("put config: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPut, "/v1/admin/optimizer/config", put, map[string]string{"X-Role": "user"}); rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin put: %d", rr.Code)
	}
	rr := e.do(t, http.MethodGet, "/v1/optimizer/config", nil, nil)
	var got struct {
		Effective struct {
			Ants int `json:"ants"`
		} `json:"effective"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Effective.Ants != 3 {
		t.Fatalf("effective ants = %d", got.Effective.Ants)
	}

	body := corridor(0)
	delete(body, "params")
	body["preset"] = "z"
	id := e.submit(t, body)
	run := e.waitRun(t, id)
	if run.Config.BatteryCapacity != 30 || run.Config.Ants != 3 || run.Config.Iterations != 7 || run.Preset != "Z" {
		t.Fatalf("layered config wrong: preset=%s %+v", run.Preset, run.Config)
	}

	if rr := e.do(t, http.MethodGet, "/v1/optimizer/presets", nil, nil); rr.Code != 200 || !strings.Contains(rr.Body.String(), `"L"`) {
		t.Fatalf("presets: %d", rr.Code)
	}
}

func TestCancelRunningRun(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.submit(t, corridor(1_000_000))
	deadline := time.Now().Add(10 * time.Second)
	for {
		run, _ := e.store.GetRun(context.Background(), "t_test", id)
		if run.Progress != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reported progress")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rr := e.do(t, http.MethodPost, "/v1/runs/"+id+"/cancel", nil, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}
	run := e.waitRun(t, id)
	if run.Status != model.RunCancelled || run.Result == nil {
		t.Fatalf("got %s result=%v", run.Status, run.Result)
	}
	if rr := e.do(t, http.MethodGet, "/v1/runs/"+id+"/report", nil, nil); rr.Code != 200 {
		t.Fatalf("report of cancelled run: %d", rr.Code)
	}
}

func TestAuthHMAC(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Server.AuthMode = "hmac"
		c.Server.AuthSecret = "k"
	})
	if rr := e.do(t, http.MethodGet, "/v1/runs", nil, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rr.Code)
	}
	tok, _ := auth.Sign([]byte("k"), map[string]any{"tenant": "t_test", "role": "admin"})
	if rr := e.do(t, http.MethodGet, "/v1/runs", nil, map[string]string{"Authorization": "Bearer " + tok}); rr.Code != 200 {
		t.Fatalf("with token: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/runs", nil, map[string]string{"Authorization": "Bearer nope"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Server.RateRPS = 0.001
		c.Server.RateBurst = 2
	})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, e.do(t, http.MethodGet, "/v1/runs", nil, nil).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	if rr := e.do(t, http.MethodGet, "/healthz", nil, nil); rr.Code != 200 {
		t.Fatalf("health should be exempt: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/v1/runs", nil, map[string]string{"X-Tenant-Id": "t_other"}); rr.Code != 200 {
		t.Fatalf("buckets are per tenant: %d", rr.Code)
	}
}

func TestWebhookDeliveriesAdmin(t *testing.T) {
	e := newTestEnv(t, nil)
	id, err := e.store.EnqueueWebhook(context.Background(), "t_test", "r1", model.EventDone, "http://example.invalid", "", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	rr := e.do(t, http.MethodGet, "/v1/admin/webhook-deliveries", nil, nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), id) {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", nil, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("retry: %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/missing/retry", nil, nil); rr.Code != 404 {
		t.Fatalf("retry missing: %d", rr.Code)
	}
}

func TestEventStreamOfFinishedRun(t *testing.T) {
	e := newTestEnv(t, nil)
	id := e.submit(t, corridor(5))
	e.waitRun(t, id)

	ts := httptest.NewServer(e.h)
	defer ts.Close()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/runs/"+id+"/events", nil)
	req.Header.Set("X-Tenant-Id", "t_test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	if !sc.Scan() || sc.Text() != "event: "+model.EventDone {
		t.Fatalf("first line %q", sc.Text())
	}
}

func TestRunWebsocket(t *testing.T) {
	e := newTestEnv(t, nil)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	id := e.submit(t, corridor(1_000_000))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Tenant-Id": []string{"t_test"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first model.RunEvent
	if err := conn.ReadJSON(&first); err != nil || first.RunID != id {
		t.Fatalf("first event %+v, %v", first, err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "cancel"}); err != nil {
		t.Fatal(err)
	}
	for {
		var ev model.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("stream ended before completion: %v", err)
		}
		if ev.Type == model.EventDone {
			if ev.Status != model.RunCancelled {
				t.Fatalf("done status %s", ev.Status)
			}
			return
		}
	}
}

func TestOpenAPIJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodGet, "/openapi.json", nil, nil)
	var doc map[string]any
	if rr.Code != 200 || json.Unmarshal(rr.Body.Bytes(), &doc) != nil {
		t.Fatalf("openapi.json: %d", rr.Code)
	}
	if _, ok := doc["paths"].(map[string]any)["/v1/runs"]; !ok {
		t.Fatal("paths missing /v1/runs")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/runs":                             "/v1/runs",
		"/v1/runs/abc":                         "/v1/runs/{id}",
		"/v1/runs/abc/report":                  "/v1/runs/{id}/report",
		"/v1/admin/webhook-deliveries/x/retry": "/v1/admin/webhook-deliveries/{id}/retry",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
