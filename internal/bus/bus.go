// Package bus carries broadcasts between sessions that share a topic, within
// one process, across worker processes, or across hosts through Redis.
package bus

import (
	"context"
	"sync"
)

// Handler receives a payload published on a subscribed topic. Handlers run
// on the publisher's goroutine (Memory) or the subscription goroutine (Redis)
// and must not block.
type Handler func(payload []byte)

// Broker is the publish/subscribe contract used by session code.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) (unsubscribe func())
	Close() error
}

// Memory is an in-process Broker. When Forward is set, every local publish
// is also handed to it so another process can redeliver it.
type Memory struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[string]map[uint64]Handler
	forward func(topic string, payload []byte)
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]Handler)}
}

// SetForward installs the hook called for every Publish.
func (m *Memory) SetForward(fn func(topic string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forward = fn
}

// Publish delivers payload to local subscribers and the forward hook.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.Deliver(topic, payload)

	m.mu.RLock()
	forward := m.forward
	m.mu.RUnlock()
	if forward != nil {
		forward(topic, payload)
	}
	return nil
}

// Deliver hands payload to local subscribers only.
func (m *Memory) Deliver(topic string, payload []byte) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.subs[topic]))
	for _, h := range m.subs[topic] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// Subscribe registers h for topic.
func (m *Memory) Subscribe(topic string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]Handler)
	}
	m.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[topic], id)
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
		})
	}
}

// Subscribers returns the number of handlers registered for topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

// Close drops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]map[uint64]Handler)
	return nil
}
