package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"catenary/internal/logging"
	"catenary/internal/metrics"
	"catenary/internal/store"
)

// Worker polls the store for due deliveries and posts them.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
	Log         logging.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewWorker(s store.Store, maxAttempts int, interval time.Duration, log logging.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    interval,
		BatchSize:   50,
		Log:         log,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Close stops the poll loop and waits for the current batch to finish.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
	})
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
	if err != nil {
		w.Log.Warn(ctx, "fetch webhook deliveries", logging.Err(err))
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			_ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		req.Header.Set("X-Delivery-Attempt", strconv.Itoa(it.Attempts+1))
		if it.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success {
			if err != nil {
				lastErr = err.Error()
			} else {
				lastErr = "status " + strconv.Itoa(code)
			}
		}
		outcome := store.DeliveryDelivered
		switch {
		case !success && it.Attempts+1 >= w.MaxAttempts:
			outcome = store.DeliveryFailed
			_ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
			w.Log.Warn(ctx, "webhook delivery failed permanently",
				logging.String("delivery_id", it.ID), logging.String("url", it.URL), logging.Int("code", code))
		default:
			if !success {
				outcome = store.DeliveryRetry
			}
			_ = w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, outcome).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, outcome).Observe(float64(latency))
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
