package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
)

// Dialer connects to worker number index, starting it if needed.
type Dialer func(ctx context.Context, index int) (io.ReadWriteCloser, error)

// Pool hosts sessions on a fixed number of workers. Sessions are placed
// round-robin and never move. A worker whose stream ends takes its
// sessions with it and is started again with backoff.
type Pool struct {
	dial Dialer
	size int
	opts options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers []*workerConn // nil while being respawned
	next    int
	proxies map[string]*proxy
	closed  bool
}

type workerConn struct {
	index int
	ep    *Endpoint
}

// NewPool dials size workers. If any dial fails, the workers already
// started are closed and the error is returned.
func NewPool(ctx context.Context, size int, dial Dialer, opts ...Option) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	pctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dial:    dial,
		size:    size,
		opts:    buildOptions(opts),
		ctx:     pctx,
		cancel:  cancel,
		workers: make([]*workerConn, size),
		proxies: make(map[string]*proxy),
	}
	for i := range size {
		w, err := p.connect(ctx, i)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		p.mu.Lock()
		p.workers[i] = w
		p.mu.Unlock()
	}
	p.opts.log.Info("worker pool started", "workers", size)
	return p, nil
}

func (p *Pool) connect(ctx context.Context, index int) (*workerConn, error) {
	rwc, err := p.dial(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("dial worker %d: %w", index, err)
	}
	w := &workerConn{index: index}
	w.ep = NewEndpoint(rwc, p.handler(w), p.opts.log.With("worker", index))
	p.wg.Add(1)
	go p.serve(w)
	return w, nil
}

func (p *Pool) serve(w *workerConn) {
	defer p.wg.Done()
	if err := w.ep.Serve(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.opts.log.Warn("worker stream failed", "worker", w.index, "error", err)
	}
	p.lost(w)
}

// lost ends every session of w and schedules a replacement.
func (p *Pool) lost(w *workerConn) {
	p.mu.Lock()
	if p.workers[w.index] == w {
		p.workers[w.index] = nil
	}
	var orphans []*proxy
	for id, px := range p.proxies {
		if px.worker == w {
			orphans = append(orphans, px)
			delete(p.proxies, id)
		}
	}
	closed := p.closed
	p.mu.Unlock()

	for _, px := range orphans {
		px.finish(true)
	}
	if closed {
		return
	}

	p.opts.log.Warn("worker lost", "worker", w.index, "sessions", len(orphans))
	p.wg.Add(1)
	go p.respawn(w.index)
}

func (p *Pool) respawn(index int) {
	defer p.wg.Done()

	policy := backoff.WithContext(p.opts.backoff(), p.ctx)
	err := backoff.Retry(func() error {
		w, err := p.connect(p.ctx, index)
		if err != nil {
			p.opts.log.Warn("worker respawn failed", "worker", index, "error", err)
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			w.ep.Close()
			return nil
		}
		p.workers[index] = w
		p.opts.log.Info("worker respawned", "worker", index)
		return nil
	}, policy)
	if err != nil {
		p.opts.log.Error("giving up on worker", "worker", index, "error", err)
	}
}

// handler serves the requests a worker sends to the parent.
func (p *Pool) handler(w *workerConn) Handler {
	return func(ctx context.Context, c *Call) (any, error) {
		if c.Method == methodPublish {
			return nil, p.forward(w, c)
		}

		p.mu.Lock()
		px := p.proxies[c.Session]
		p.mu.Unlock()
		if px == nil || px.worker != w {
			return nil, ErrSessionNotFound
		}

		switch c.Method {
		case methodSendEvent:
			var ev protocol.Event
			if err := c.Arg(0, &ev); err != nil {
				return nil, err
			}
			px.collab.SendEvent(ev)
		case methodSync:
			px.collab.ScheduleSynchronize()
		case methodReload:
			var from int64
			if err := c.Arg(0, &from); err != nil {
				return nil, err
			}
			if r, ok := px.collab.(session.Reloader); ok {
				r.Reload(from)
			}
		case methodDestroyed:
			p.mu.Lock()
			if p.proxies[px.id] == px {
				delete(p.proxies, px.id)
			}
			p.mu.Unlock()
			px.finish(false)
		case methodBaseURL:
			return px.collab.BaseURL(), nil
		case methodCookie:
			return px.collab.CookieHeader(), nil
		default:
			return nil, fmt.Errorf("unknown method %q", c.Method)
		}
		return nil, nil
	}
}

// forward relays a broadcast from one worker to all the others.
func (p *Pool) forward(from *workerConn, c *Call) error {
	var topic string
	var payload []byte
	if err := c.Arg(0, &topic); err != nil {
		return err
	}
	if err := c.Arg(1, &payload); err != nil {
		return err
	}

	p.mu.Lock()
	targets := make([]*workerConn, 0, p.size)
	for _, w := range p.workers {
		if w != nil && w != from {
			targets = append(targets, w)
		}
	}
	p.mu.Unlock()

	for _, w := range targets {
		if err := w.ep.Notify("", methodDeliver, topic, payload); err != nil {
			p.opts.log.Debug("broadcast not delivered", "worker", w.index, "topic", topic, "error", err)
		}
	}
	return nil
}

// Open implements Host.
func (p *Pool) Open(ctx context.Context, spec Spec, collab session.Collaborator) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrHostClosed
	}
	if _, exists := p.proxies[spec.ID]; exists {
		p.mu.Unlock()
		return nil, ErrSessionExists
	}
	w := p.pick()
	if w == nil {
		p.mu.Unlock()
		return nil, ErrWorkerGone
	}
	px := &proxy{
		id:     spec.ID,
		pool:   p,
		worker: w,
		collab: collab,
		done:   make(chan struct{}),
	}
	p.proxies[spec.ID] = px
	p.mu.Unlock()

	if err := w.ep.Invoke(ctx, spec.ID, methodOpen, nil, spec); err != nil {
		p.mu.Lock()
		if p.proxies[spec.ID] == px {
			delete(p.proxies, spec.ID)
		}
		p.mu.Unlock()
		return nil, err
	}

	p.opts.record(store.SessionRecord{ID: spec.ID, App: spec.App, Worker: w.index, Status: store.StatusActive})
	p.opts.log.Debug("session placed", "session_id", spec.ID, "worker", w.index)
	return px, nil
}

// pick returns the next live worker in rotation. Caller holds p.mu.
func (p *Pool) pick() *workerConn {
	for range p.size {
		w := p.workers[p.next]
		p.next = (p.next + 1) % p.size
		if w != nil {
			return w
		}
	}
	return nil
}

// Lookup implements Host.
func (p *Pool) Lookup(id string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return nil, false
	}
	return px, true
}

// WorkerOf returns the worker index hosting id.
func (p *Pool) WorkerOf(id string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return 0, false
	}
	return px.worker.index, true
}

// Close implements Host. Each worker closes its own sessions before its
// stream is shut.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := make([]*workerConn, 0, p.size)
	for _, w := range p.workers {
		if w != nil {
			live = append(live, w)
		}
	}
	p.mu.Unlock()

	for _, w := range live {
		if err := w.ep.Invoke(ctx, "", methodShutdown, nil); err != nil && !IsWorkerGone(err) {
			p.opts.log.Warn("worker shutdown failed", "worker", w.index, "error", err)
		}
		w.ep.Close()
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// proxy is the parent's view of a session running in a worker.
type proxy struct {
	id     string
	pool   *Pool
	worker *workerConn
	collab session.Collaborator

	suspended atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// finish runs once, when the worker reports the session destroyed or the
// worker is lost.
func (px *proxy) finish(lost bool) {
	px.once.Do(func() {
		px.collab.SessionWasDestroyed()
		close(px.done)
		status := store.StatusDestroyed
		if px.suspended.Load() && !lost {
			status = store.StatusSuspended
		}
		px.pool.opts.setStatus(px.id, status)
	})
}

func (px *proxy) invoke(ctx context.Context, method string, out any, args ...any) error {
	select {
	case <-px.done:
		return session.ErrDisconnected
	default:
	}
	err := px.worker.ep.Invoke(ctx, px.id, method, out, args...)
	if IsWorkerGone(err) {
		return fmt.Errorf("session %s: %w", px.id, session.ErrDisconnected)
	}
	return err
}

// ending treats a session that is already gone as successfully ended.
func ending(err error) error {
	if session.IsDisconnected(err) || IsSessionNotFound(err) {
		return nil
	}
	return err
}

func (px *proxy) ID() string            { return px.id }
func (px *proxy) Done() <-chan struct{} { return px.done }

func (px *proxy) Start(ctx context.Context) error {
	return px.invoke(ctx, methodStart, nil)
}

func (px *proxy) Unarchive(ctx context.Context) error {
	return px.invoke(ctx, methodUnarchive, nil)
}

func (px *proxy) Receive(ctx context.Context, msg protocol.Message) error {
	return px.invoke(ctx, methodReceive, nil, msg, msg.NoJavaScript)
}

func (px *proxy) ArchiveEvents(ctx context.Context, includeTrailer bool) error {
	return px.invoke(ctx, methodArchive, nil, includeTrailer)
}

func (px *proxy) Suspend(ctx context.Context) error {
	px.suspended.Store(true)
	err := ending(px.invoke(ctx, methodSuspend, nil))
	if err != nil {
		px.suspended.Store(false)
	}
	return err
}

func (px *proxy) Destroy(ctx context.Context) error {
	return ending(px.invoke(ctx, methodDestroy, nil))
}

func (px *proxy) DestroyIfExhausted(ctx context.Context) (bool, error) {
	var destroyed bool
	err := px.invoke(ctx, methodExhausted, &destroyed)
	if ending(err) == nil && err != nil {
		return true, nil
	}
	return destroyed, err
}

func (px *proxy) PrerenderEvents(ctx context.Context) ([]protocol.Event, error) {
	var evs []protocol.Event
	err := px.invoke(ctx, methodPrerender, &evs)
	return evs, err
}

var (
	_ Host   = (*Pool)(nil)
	_ Handle = (*proxy)(nil)
)
