package dist

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
)

// indexTimeout bounds session index writes made off the request path.
const indexTimeout = 5 * time.Second

// Spec describes a session to open.
type Spec struct {
	ID             string `json:"id"`
	App            string `json:"app"`
	Archive        bool   `json:"archive,omitempty"`
	SuppressStacks bool   `json:"suppressStacks,omitempty"`
	Prerender      bool   `json:"prerender,omitempty"`
	Disconnected   bool   `json:"disconnected,omitempty"`
}

// Handle is a session as seen by its host's users. *session.Session
// satisfies it for local sessions; worker sessions are proxies.
type Handle interface {
	ID() string
	Done() <-chan struct{}
	Start(ctx context.Context) error
	Unarchive(ctx context.Context) error
	Receive(ctx context.Context, msg protocol.Message) error
	ArchiveEvents(ctx context.Context, includeTrailer bool) error
	Suspend(ctx context.Context) error
	Destroy(ctx context.Context) error
	DestroyIfExhausted(ctx context.Context) (bool, error)
	PrerenderEvents(ctx context.Context) ([]protocol.Event, error)
}

// Host runs sessions.
type Host interface {
	// Open creates a session running spec.App and talking to collab. The
	// session does nothing until Start or Unarchive is called.
	Open(ctx context.Context, spec Spec, collab session.Collaborator) (Handle, error)
	// Lookup finds an open session.
	Lookup(id string) (Handle, bool)
	// Close suspends archived sessions, destroys the rest and releases the
	// host.
	Close(ctx context.Context) error
}

// Index records session lifecycles. *store.Store implements it.
type Index interface {
	PutSession(ctx context.Context, rec store.SessionRecord) error
	SetSessionStatus(ctx context.Context, id string, status store.Status) error
}

// Option configures a LocalHost, Worker or Pool.
type Option func(*options)

type options struct {
	archive journal.Backend
	broker  bus.Broker
	index   Index
	log     *slog.Logger
	backoff func() backoff.BackOff
}

func buildOptions(opts []Option) options {
	o := options{
		log: slog.Default(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithArchive journals sessions opened with Spec.Archive to backend.
func WithArchive(backend journal.Backend) Option {
	return func(o *options) { o.archive = backend }
}

// WithBroker hands b to session code. Workers always use their own
// in-process broker bridged through the parent.
func WithBroker(b bus.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithIndex records every session's lifecycle in idx.
func WithIndex(idx Index) Option {
	return func(o *options) { o.index = idx }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRespawnBackoff sets the policy used to restart lost workers.
func WithRespawnBackoff(fn func() backoff.BackOff) Option {
	return func(o *options) { o.backoff = fn }
}

func (o *options) record(rec store.SessionRecord) {
	if o.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	if err := o.index.PutSession(ctx, rec); err != nil {
		o.log.Warn("failed to index session", "session_id", rec.ID, "error", err)
	}
}

func (o *options) setStatus(id string, status store.Status) {
	if o.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()
	if err := o.index.SetSessionStatus(ctx, id, status); err != nil {
		o.log.Warn("failed to update session index", "session_id", id, "status", status, "error", err)
	}
}
