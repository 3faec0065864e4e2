package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"catenary/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Envelope is the JSON body posted to callback URLs.
type Envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	RunID    string `json:"runId,omitempty"`
	TS       string `json:"ts"`
	Data     any    `json:"data"`
}

// Emit enqueues one delivery of data to url. An empty url is a no-op.
func (p *Publisher) Emit(ctx context.Context, tenantID, runID, eventType, url, secret string, data any) (string, error) {
	if url == "" {
		return "", nil
	}
	body, err := json.Marshal(Envelope{
		ID:       "evt_" + uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		RunID:    runID,
		TS:       time.Now().UTC().Format(time.RFC3339),
		Data:     data,
	})
	if err != nil {
		return "", err
	}
	return p.Store.EnqueueWebhook(ctx, tenantID, runID, eventType, url, secret, body)
}
