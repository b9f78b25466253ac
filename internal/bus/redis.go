package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/go-redis/redis/v8"
)

// RedisBus replicates update and awareness deltas over Redis pub/sub, one
// channel per session.
type RedisBus struct {
	client    *redis.Client
	replicaID string
	handler   Handler

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and returns a bus identified by replicaID.
func NewRedisBus(cfg RedisConfig, replicaID string, handler Handler) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:    client,
		replicaID: replicaID,
		handler:   handler,
		subs:      make(map[string]*redis.PubSub),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func channelFor(sessionID string) string {
	return "collab:" + sessionID
}

// Publish sends a message on the session's channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	msg.Origin = b.replicaID
	data, err := json.Marshal(msg)
	if err != nil {
		return &domain.ReplicationError{Op: "Publish", Err: err}
	}
	if err := b.client.Publish(ctx, channelFor(msg.SessionID), data).Err(); err != nil {
		return &domain.ReplicationError{Op: "Publish", Err: err}
	}
	return nil
}

// Subscribe starts delivering the session's messages to the handler. No-op
// if already subscribed.
func (b *RedisBus) Subscribe(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sessionID]; ok {
		return nil
	}

	pubsub := b.client.Subscribe(b.ctx, channelFor(sessionID))
	if _, err := pubsub.Receive(b.ctx); err != nil {
		_ = pubsub.Close()
		return &domain.ReplicationError{Op: "Subscribe", Err: err}
	}
	b.subs[sessionID] = pubsub

	b.wg.Add(1)
	go b.receiveLoop(sessionID, pubsub)
	return nil
}

func (b *RedisBus) receiveLoop(sessionID string, pubsub *redis.PubSub) {
	defer b.wg.Done()
	ch := pubsub.Channel()
	for raw := range ch {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			slog.Warn("Dropping malformed bus message", "session_id", sessionID, "error", err)
			continue
		}
		// Self-echo suppression.
		if msg.Origin == b.replicaID {
			continue
		}
		b.handler(msg)
	}
}

// Unsubscribe stops delivery for the session.
func (b *RedisBus) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pubsub, ok := b.subs[sessionID]
	if !ok {
		return
	}
	delete(b.subs, sessionID)
	if err := pubsub.Close(); err != nil {
		slog.Warn("Failed to close subscription", "session_id", sessionID, "error", err)
	}
}

// Close stops all subscriptions and the Redis client.
func (b *RedisBus) Close() error {
	b.cancel()

	b.mu.Lock()
	for sessionID, pubsub := range b.subs {
		if err := pubsub.Close(); err != nil {
			slog.Warn("Failed to close subscription", "session_id", sessionID, "error", err)
		}
	}
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}
