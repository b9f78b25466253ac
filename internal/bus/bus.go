// Package bus provides the replication transport carrying document update
// and awareness deltas between replicas.
package bus

import "context"

// Kind distinguishes replicated payload types.
type Kind string

const (
	KindUpdate    Kind = "update"
	KindAwareness Kind = "awareness"
)

// Message is a transient replicated payload, keyed per session. Delivery is
// at-least-once at best and never persisted by the bus itself: a replica
// that suspects it missed updates recovers from the latest snapshot rather
// than delta replay.
type Message struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
	Kind      Kind   `json:"kind"`
	Payload   []byte `json:"payload"`
	Origin    string `json:"origin"`
}

// Handler receives messages published by other replicas. Messages whose
// origin matches the local replica are suppressed before the handler runs.
type Handler func(Message)

// Bus is the publish/subscribe transport between replicas.
type Bus interface {
	// Publish sends a message on the session's channel, fire-and-forget.
	Publish(ctx context.Context, msg Message) error

	// Subscribe starts delivering the session's messages to the handler.
	Subscribe(sessionID string) error

	// Unsubscribe stops delivery for the session.
	Unsubscribe(sessionID string)

	// Close stops all subscriptions.
	Close() error
}
