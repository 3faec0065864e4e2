package events

import (
	"context"
	"testing"
	"time"

	"catenary/internal/model"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, "r1")
	other, cancelOther := b.Subscribe(ctx, "r2")
	defer cancelOther()

	b.Publish(ctx, "r1", model.RunEvent{Type: model.EventProgress, RunID: "r1"})

	select {
	case got := <-ch:
		if got.Type != model.EventProgress || got.RunID != "r1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case ev := <-other:
		t.Fatalf("event leaked to another run: %+v", ev)
	default:
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	if n := b.Subscribers("r1"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	// publishing to a run without subscribers is a no-op
	b.Publish(ctx, "r1", model.RunEvent{Type: model.EventDone})
}

func TestMemoryPublishDropsWhenFull(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	ch, cancel := b.Subscribe(ctx, "r1")
	defer cancel()
	for i := 0; i < 100; i++ {
		b.Publish(ctx, "r1", model.RunEvent{Type: model.EventProgress})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffered %d events, want %d", len(ch), cap(ch))
	}
}

func TestChannelName(t *testing.T) {
	if got := channelName("abc"); got != "run:abc" {
		t.Fatalf("channelName = %q", got)
	}
}
