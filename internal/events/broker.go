// Package events fans run progress out to stream subscribers, in process or
// over Redis pub/sub.
package events

import (
	"context"
	"sync"

	"catenary/internal/model"
)

// Broker delivers run events to subscribers of a run ID. Publish never
// blocks; a subscriber that falls behind misses events.
type Broker interface {
	Subscribe(ctx context.Context, runID string) (<-chan model.RunEvent, func())
	Publish(ctx context.Context, runID string, ev model.RunEvent)
}

// Memory is the in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan model.RunEvent]struct{} // runID -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan model.RunEvent]struct{}{}}
}

// Subscribe returns the event channel and the function that releases it.
func (b *Memory) Subscribe(ctx context.Context, runID string) (<-chan model.RunEvent, func()) {
	ch := make(chan model.RunEvent, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan model.RunEvent]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[runID]; m != nil {
				delete(m, ch)
				if len(m) == 0 {
					delete(b.subs, runID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Memory) Publish(ctx context.Context, runID string, ev model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports how many channels listen on runID.
func (b *Memory) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
