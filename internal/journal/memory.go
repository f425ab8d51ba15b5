package journal

import (
	"context"
	"slices"
	"sync"
)

// MemoryBackend keeps archives in memory. FailNext makes the next Append or
// Truncate fail, for exercising retry paths.
type MemoryBackend struct {
	mu       sync.Mutex
	docs     map[string][]byte
	failNext error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

// FailNext arranges for the next write to return err.
func (m *MemoryBackend) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryBackend) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemoryBackend) Append(_ context.Context, sessionID string, fragment []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.docs[sessionID] = append(m.docs[sessionID], fragment...)
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(doc), nil
}

func (m *MemoryBackend) Truncate(_ context.Context, sessionID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if doc := m.docs[sessionID]; int64(len(doc)) > size {
		m.docs[sessionID] = doc[:size]
	}
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, sessionID)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
