package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Broker backed by Redis pub/sub, for sessions spread across
// hosts. Topics are namespaced with Prefix.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	cancel map[*redis.PubSub]context.CancelFunc
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{
		client: client,
		prefix: prefix,
		cancel: make(map[*redis.PubSub]context.CancelFunc),
	}, nil
}

// Publish sends payload to every subscriber of topic on any host.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a goroutine that feeds topic's messages to h.
func (r *Redis) Subscribe(topic string, h Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, r.prefix+topic)

	r.mu.Lock()
	r.cancel[pubsub] = cancel
	r.mu.Unlock()

	// Wait for the subscription to be confirmed so a publish that follows
	// Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Warn("redis subscribe", "topic", topic, "error", err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.cancel, pubsub)
			r.mu.Unlock()
			cancel()
			if err := pubsub.Close(); err != nil {
				slog.Debug("redis unsubscribe", "topic", topic, "error", err)
			}
		})
	}
}

// Close ends every subscription and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.cancel
	r.cancel = make(map[*redis.PubSub]context.CancelFunc)
	r.mu.Unlock()

	for ps, cancel := range subs {
		cancel()
		ps.Close()
	}
	return r.client.Close()
}
