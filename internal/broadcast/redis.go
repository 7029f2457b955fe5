package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying changes
const Channel = "osmcache:changes"

// RedisBus fans changes out across processes through Redis pub/sub
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	subs   subscribers
	logger *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRedisBus connects to redisURL and starts receiving changes
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBusWithClient(ctx, client)
}

// NewRedisBusWithClient creates a bus from an existing Redis client. It
// returns once the subscription is confirmed so no later publish is missed.
func NewRedisBusWithClient(ctx context.Context, client *redis.Client) (*RedisBus, error) {
	ps := client.Subscribe(ctx, Channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}

	b := &RedisBus{
		client: client,
		pubsub: ps,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.receive()
	return b, nil
}

func (b *RedisBus) receive() {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.logger.Warn("Dropping malformed change notification", "error", err)
				continue
			}
			b.subs.deliver(c)
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := b.client.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(fn func(Change)) func() {
	return b.subs.add(fn)
}

// Close stops receiving and closes the Redis connection
func (b *RedisBus) Close() error {
	close(b.done)
	err := b.pubsub.Close()
	b.wg.Wait()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
