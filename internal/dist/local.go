package dist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
)

// LocalHost runs sessions as goroutines of the current process.
type LocalHost struct {
	apps   *session.Registry
	opts   options
	worker int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*localSession
	closed   bool
}

// localSession remembers whether it ended by suspension.
type localSession struct {
	*session.Session
	archived  bool
	suspended atomic.Bool
}

func (ls *localSession) Suspend(ctx context.Context) error {
	ls.suspended.Store(true)
	err := ls.Session.Suspend(ctx)
	if err != nil && !session.IsDisconnected(err) {
		ls.suspended.Store(false)
	}
	return err
}

// NewLocalHost creates a host resolving apps from apps.
func NewLocalHost(apps *session.Registry, opts ...Option) *LocalHost {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalHost{
		apps:     apps,
		opts:     buildOptions(opts),
		worker:   -1,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*localSession),
	}
}

// Open implements Host.
func (h *LocalHost) Open(ctx context.Context, spec Spec, collab session.Collaborator) (Handle, error) {
	app, err := h.apps.Lookup(spec.App)
	if err != nil {
		return nil, err
	}

	sopts := []session.Option{
		session.WithLogger(h.opts.log),
		session.WithSuppressStacks(spec.SuppressStacks),
	}
	if h.opts.broker != nil {
		sopts = append(sopts, session.WithBroker(h.opts.broker))
	}
	if spec.Archive {
		if h.opts.archive == nil {
			return nil, &session.CoordinationError{
				Code:      session.CodeNoArchive,
				Message:   "host has no archive backend",
				SessionID: spec.ID,
			}
		}
		sopts = append(sopts, session.WithArchive(h.opts.archive))
	}
	if spec.Prerender {
		sopts = append(sopts, session.WithPrerender())
	}
	if spec.Disconnected {
		sopts = append(sopts, session.WithPeerConnected(false))
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	if _, exists := h.sessions[spec.ID]; exists {
		h.mu.Unlock()
		return nil, ErrSessionExists
	}
	ls := &localSession{
		Session:  session.New(spec.ID, app, collab, sopts...),
		archived: spec.Archive,
	}
	h.sessions[spec.ID] = ls
	h.wg.Add(1)
	h.mu.Unlock()

	h.opts.record(store.SessionRecord{ID: spec.ID, App: spec.App, Worker: h.worker, Status: store.StatusActive})
	go h.run(ls)
	return ls, nil
}

func (h *LocalHost) run(ls *localSession) {
	defer h.wg.Done()

	err := ls.Run(h.ctx)

	h.mu.Lock()
	delete(h.sessions, ls.ID())
	h.mu.Unlock()

	status := store.StatusDestroyed
	if ls.suspended.Load() {
		status = store.StatusSuspended
	}
	h.opts.setStatus(ls.ID(), status)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.opts.log.Warn("session loop ended", "session_id", ls.ID(), "error", err)
	}
}

// Lookup implements Host.
func (h *LocalHost) Lookup(id string) (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[id]
	if !ok {
		return nil, false
	}
	return ls, true
}

// Len returns the number of open sessions.
func (h *LocalHost) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close implements Host. It is safe to call more than once.
func (h *LocalHost) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*localSession, 0, len(h.sessions))
	for _, ls := range h.sessions {
		open = append(open, ls)
	}
	h.mu.Unlock()

	for _, ls := range open {
		var err error
		if ls.archived {
			err = ls.Suspend(ctx)
		} else {
			err = ls.Destroy(ctx)
		}
		if err != nil {
			h.opts.log.Warn("failed to close session", "session_id", ls.ID(), "error", err)
		}
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Host = (*LocalHost)(nil)
