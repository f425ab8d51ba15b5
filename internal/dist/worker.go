package dist

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
)

const (
	// collabTimeout bounds collaborator queries sent to the parent.
	collabTimeout = 5 * time.Second

	// shutdownTimeout bounds how long a worker spends closing its sessions
	// once its stream ends.
	shutdownTimeout = 15 * time.Second
)

// Worker serves the sessions a parent Pool assigns to it, over one stream.
type Worker struct {
	host   *LocalHost
	broker *bus.Memory
	ep     *Endpoint
	log    *slog.Logger
}

// NewWorker creates a worker talking to its parent over rwc.
func NewWorker(apps *session.Registry, rwc io.ReadWriteCloser, opts ...Option) *Worker {
	o := buildOptions(opts)
	w := &Worker{
		broker: bus.NewMemory(),
		log:    o.log.With("pid", os.Getpid()),
	}
	hostOpts := append(append([]Option(nil), opts...), WithBroker(w.broker), WithIndex(nil))
	w.host = NewLocalHost(apps, hostOpts...)
	w.ep = NewEndpoint(rwc, w.handle, w.log)
	w.broker.SetForward(func(topic string, payload []byte) {
		if err := w.ep.Notify("", methodPublish, topic, payload); err != nil {
			w.log.Debug("broadcast not forwarded", "topic", topic, "error", err)
		}
	})
	return w
}

// Serve handles the parent's requests until the stream ends, then closes
// every remaining session.
func (w *Worker) Serve(ctx context.Context) error {
	w.log.Info("worker serving")
	err := w.ep.Serve(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := w.host.Close(closeCtx); cerr != nil {
		w.log.Warn("worker shutdown incomplete", "error", cerr)
	}
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) handle(ctx context.Context, c *Call) (any, error) {
	switch c.Method {
	case methodOpen:
		var spec Spec
		if err := c.Arg(0, &spec); err != nil {
			return nil, err
		}
		collab := &remoteCollab{ep: w.ep, id: spec.ID, log: w.log}
		_, err := w.host.Open(ctx, spec, collab)
		return nil, err
	case methodDeliver:
		var topic string
		var payload []byte
		if err := c.Arg(0, &topic); err != nil {
			return nil, err
		}
		if err := c.Arg(1, &payload); err != nil {
			return nil, err
		}
		w.broker.Deliver(topic, payload)
		return nil, nil
	case methodShutdown:
		return nil, w.host.Close(ctx)
	}

	h, ok := w.host.Lookup(c.Session)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return serveHandle(ctx, h, c)
}

// serveHandle applies a session method call to h.
func serveHandle(ctx context.Context, h Handle, c *Call) (any, error) {
	switch c.Method {
	case methodStart:
		return nil, h.Start(ctx)
	case methodUnarchive:
		return nil, h.Unarchive(ctx)
	case methodReceive:
		var msg protocol.Message
		if err := c.Arg(0, &msg); err != nil {
			return nil, err
		}
		if len(c.Args) > 1 {
			if err := c.Arg(1, &msg.NoJavaScript); err != nil {
				return nil, err
			}
		}
		return nil, h.Receive(ctx, msg)
	case methodArchive:
		var trailer bool
		if err := c.Arg(0, &trailer); err != nil {
			return nil, err
		}
		return nil, h.ArchiveEvents(ctx, trailer)
	case methodSuspend:
		return nil, h.Suspend(ctx)
	case methodDestroy:
		return nil, h.Destroy(ctx)
	case methodExhausted:
		return h.DestroyIfExhausted(ctx)
	case methodPrerender:
		return h.PrerenderEvents(ctx)
	}
	return nil, fmt.Errorf("unknown method %q", c.Method)
}

// remoteCollab is the collaborator of a worker session. Every call is
// relayed to the parent, which owns the real collaborator.
type remoteCollab struct {
	ep  *Endpoint
	id  string
	log *slog.Logger
}

func (r *remoteCollab) notify(method string, args ...any) {
	if err := r.ep.Notify(r.id, method, args...); err != nil {
		r.log.Debug("collaborator call dropped", "session_id", r.id, "method", method, "error", err)
	}
}

func (r *remoteCollab) ask(method string) string {
	ctx, cancel := context.WithTimeout(context.Background(), collabTimeout)
	defer cancel()
	var out string
	if err := r.ep.Invoke(ctx, r.id, method, &out); err != nil {
		r.log.Warn("collaborator query failed", "session_id", r.id, "method", method, "error", err)
		return ""
	}
	return out
}

func (r *remoteCollab) SendEvent(ev protocol.Event) { r.notify(methodSendEvent, ev) }
func (r *remoteCollab) ScheduleSynchronize()        { r.notify(methodSync) }
func (r *remoteCollab) SessionWasDestroyed()        { r.notify(methodDestroyed) }
func (r *remoteCollab) Reload(from int64)           { r.notify(methodReload, from) }
func (r *remoteCollab) BaseURL() string             { return r.ask(methodBaseURL) }
func (r *remoteCollab) CookieHeader() string        { return r.ask(methodCookie) }

var (
	_ session.Collaborator = (*remoteCollab)(nil)
	_ session.Reloader     = (*remoteCollab)(nil)
)
