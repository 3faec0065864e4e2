// Package main runs a demo WebSocket client that submits a small network and
// prints the run's progress until it completes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/websocket"

	"catenary/internal/logging"
	"catenary/internal/model"
	"catenary/internal/network"
)

// demoNetwork is one line of twelve segments; each route runs out to the
// terminus from a different start and back again.
func demoNetwork() model.OptimizeRequest {
	var segs []network.Segment
	for i := 0; i < 12; i++ {
		segs = append(segs, network.Segment{ID: 100 + i, Length: 1500 + float64(i%4)*400, Node1: i, Node2: i + 1})
	}
	var routes []network.Route
	for r := 0; r < 4; r++ {
		var path []int
		for i := r; i < 12; i++ {
			path = append(path, i)
		}
		for i := 11; i >= r; i-- {
			path = append(path, i)
		}
		routes = append(routes, network.Route{ID: r + 1, Segments: path})
	}
	return model.OptimizeRequest{Name: "ws demo", Segments: segs, Routes: routes}
}

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	body, _ := json.Marshal(demoNetwork())
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error(ctx, "submit", logging.Err(err))
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	var created struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.RunID == "" {
		log.Error(ctx, "no run id returned", logging.Int("status", resp.StatusCode))
		os.Exit(1)
	}
	log.Info(ctx, "run submitted", logging.String("run_id", created.RunID))

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/" + created.RunID + "/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Error(ctx, "dial", logging.Err(err))
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	for {
		var ev model.RunEvent
		if err := c.ReadJSON(&ev); err != nil {
			log.Warn(ctx, "read", logging.Err(err))
			return
		}
		switch {
		case ev.Progress != nil:
			log.Info(ctx, ev.Type, logging.Int("iteration", ev.Progress.Iteration), logging.Float("best", ev.Progress.BestCost))
		case ev.Result != nil:
			log.Info(ctx, ev.Type, logging.String("status", string(ev.Status)), logging.Float("cost", ev.Result.Cost), logging.Any("wired", ev.Result.Wired))
		default:
			log.Info(ctx, ev.Type, logging.String("status", string(ev.Status)))
		}
		if ev.Type == model.EventDone {
			return
		}
	}
}
