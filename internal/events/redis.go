package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"catenary/internal/logging"
	"catenary/internal/model"
)

// Redis implements Broker over Redis pub/sub so every API replica sees the
// progress of runs executed by any worker.
type Redis struct {
	rdb *redis.Client
	log logging.Logger
}

func NewRedis(url string, log logging.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Redis{rdb: redis.NewClient(opt), log: log}, nil
}

func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Close() error { return b.rdb.Close() }

func (b *Redis) Subscribe(ctx context.Context, runID string) (<-chan model.RunEvent, func()) {
	ch := make(chan model.RunEvent, 16)
	ps := b.rdb.Subscribe(ctx, channelName(runID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn(ctx, "redis subscribe failed", logging.String("run_id", runID), logging.Err(err))
	}
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var ev model.RunEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()
	var once sync.Once
	return ch, func() { once.Do(func() { _ = ps.Close() }) }
}

func (b *Redis) Publish(ctx context.Context, runID string, ev model.RunEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, channelName(runID), data).Err(); err != nil {
		b.log.Warn(ctx, "redis publish failed", logging.String("run_id", runID), logging.Err(err))
	}
}

func channelName(runID string) string { return "run:" + runID }
