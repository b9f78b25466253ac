package bus

import (
	"context"
	"sync"
)

// Broker is an in-process message broker backing single-replica deployments
// (no Redis configured) and tests. Semantics match RedisBus: per-session
// channels, fire-and-forget delivery, self-echo suppression on receipt.
type Broker struct {
	mu    sync.RWMutex
	buses []*memoryBus
}

// NewBroker creates an in-process broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Attach returns a Bus for one replica, delivering subscribed sessions'
// messages to handler.
func (br *Broker) Attach(replicaID string, handler Handler) Bus {
	b := &memoryBus{
		broker:    br,
		replicaID: replicaID,
		handler:   handler,
		subs:      make(map[string]struct{}),
	}
	br.mu.Lock()
	br.buses = append(br.buses, b)
	br.mu.Unlock()
	return b
}

func (br *Broker) dispatch(msg Message) {
	br.mu.RLock()
	buses := make([]*memoryBus, len(br.buses))
	copy(buses, br.buses)
	br.mu.RUnlock()

	for _, b := range buses {
		b.deliver(msg)
	}
}

type memoryBus struct {
	broker    *Broker
	replicaID string
	handler   Handler

	mu     sync.Mutex
	subs   map[string]struct{}
	closed bool
}

func (b *memoryBus) Publish(_ context.Context, msg Message) error {
	msg.Origin = b.replicaID
	b.broker.dispatch(msg)
	return nil
}

func (b *memoryBus) deliver(msg Message) {
	b.mu.Lock()
	_, subscribed := b.subs[msg.SessionID]
	closed := b.closed
	b.mu.Unlock()

	if closed || !subscribed || msg.Origin == b.replicaID {
		return
	}
	b.handler(msg)
}

func (b *memoryBus) Subscribe(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sessionID] = struct{}{}
	return nil
}

func (b *memoryBus) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sessionID)
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]struct{})
	return nil
}
