package dist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/protocol"
)

// Handler serves requests arriving on an Endpoint.
type Handler func(ctx context.Context, c *Call) (any, error)

// Endpoint is one end of a worker stream. It correlates outgoing requests
// with their replies and hands incoming requests to its Handler.
//
// Thread-safety: Invoke, Notify and Close are safe for concurrent use.
// Serve must be called once.
type Endpoint struct {
	rwc     io.ReadWriteCloser
	handler Handler
	log     *slog.Logger

	writeMu sync.Mutex

	corr    atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *protocol.Event
	closed  bool
	done    chan struct{}

	closing atomic.Bool
}

// NewEndpoint wraps rwc. Nothing is read until Serve is called.
func NewEndpoint(rwc io.ReadWriteCloser, handler Handler, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	return &Endpoint{
		rwc:     rwc,
		handler: handler,
		log:     log,
		pending: make(map[int64]chan *protocol.Event),
		done:    make(chan struct{}),
	}
}

// Serve reads frames until the stream ends or ctx is cancelled. When it
// returns the stream is closed and pending invocations fail with
// ErrWorkerGone.
func (e *Endpoint) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.shutdown()
	stop := context.AfterFunc(ctx, func() { e.rwc.Close() })
	defer stop()

	r := bufio.NewReader(e.rwc)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			e.dispatch(ctx, line)
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF), e.closing.Load():
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, line []byte) {
	c, rep, err := parseFrame(line)
	if err != nil {
		e.log.Warn("dropping malformed frame", "error", err)
		return
	}

	if rep != nil {
		e.mu.Lock()
		ch, ok := e.pending[rep.Channel]
		delete(e.pending, rep.Channel)
		e.mu.Unlock()
		if !ok {
			e.log.Debug("dropping reply for unknown call", "corr", rep.Channel)
			return
		}
		ch <- rep
		return
	}

	if c.corr == 0 {
		if _, err := e.serve(ctx, c); err != nil {
			e.log.Warn("notification failed",
				"method", c.Method,
				"session_id", c.Session,
				"error", err,
			)
		}
		return
	}

	go func() {
		result, err := e.serve(ctx, c)
		if werr := e.write(reply(c.corr, result, err)); werr != nil {
			e.log.Debug("reply not delivered", "method", c.Method, "error", werr)
		}
	}()
}

func (e *Endpoint) serve(ctx context.Context, c *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", c.Method, r)
		}
	}()
	return e.handler(ctx, c)
}

func (e *Endpoint) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.rwc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Invoke sends a request and waits for its reply, decoding the result into
// out (which may be nil).
func (e *Endpoint) Invoke(ctx context.Context, sessionID, method string, out any, args ...any) error {
	corr := e.corr.Add(1)
	c, err := newCall(sessionID, method, corr, args)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Event, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrWorkerGone
	}
	e.pending[corr] = ch
	e.mu.Unlock()

	if err := e.write(c); err != nil {
		e.forget(corr)
		e.log.Debug("request not delivered", "method", method, "error", err)
		return ErrWorkerGone
	}

	select {
	case rep := <-ch:
		if rep == nil {
			return ErrWorkerGone
		}
		return readReply(rep, out)
	case <-ctx.Done():
		e.forget(corr)
		return ctx.Err()
	}
}

// Notify sends a request that gets no reply.
func (e *Endpoint) Notify(sessionID, method string, args ...any) error {
	if e.isClosed() {
		return ErrWorkerGone
	}
	c, err := newCall(sessionID, method, 0, args)
	if err != nil {
		return err
	}
	if err := e.write(c); err != nil {
		return ErrWorkerGone
	}
	return nil
}

func (e *Endpoint) forget(corr int64) {
	e.mu.Lock()
	delete(e.pending, corr)
	e.mu.Unlock()
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close closes the stream. Serve returns once it notices.
func (e *Endpoint) Close() error {
	e.closing.Store(true)
	return e.rwc.Close()
}

// Done is closed when Serve has returned.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for corr, ch := range e.pending {
		close(ch)
		delete(e.pending, corr)
	}
	e.mu.Unlock()
	e.rwc.Close()
	close(e.done)
}
