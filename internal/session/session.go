package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/channel"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
)

// maxReorderWindow bounds how many out-of-order peer messages are buffered
// while waiting for a gap to fill.
const maxReorderWindow = 256

// archiveTimeout bounds the final archive write when a session ends.
const archiveTimeout = 10 * time.Second

// Session is one coordinated session. Create it with New, drive it with Run,
// and begin execution with Start or Unarchive.
type Session struct {
	id     string
	app    App
	collab Collaborator
	log    *slog.Logger

	reg   *channel.Registry
	inbox *inbox

	microMu sync.Mutex
	micro   []func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	journal        *journal.Journal
	broker         bus.Broker
	diagnostics    func(Diagnostic)
	observer       func(protocol.Event)
	suppressStacks bool
	prerender      bool

	// Loop-owned state. Only the loop or the strand holding the turn may
	// touch these.
	current              *strand
	started              bool
	dead                 bool
	connected            bool
	noJavaScript         bool
	insideCallback       bool
	inBatch              bool
	hadOpenServerChannel bool
	openServerChannels   int
	currentEvents        []protocol.Event
	needsSync            bool
	nextMessageID        int64
	adoptMessageID       bool
	reorder              map[int64]protocol.Message
	bootstrapping        bool
	replay               *journal.Index
	echo                 map[string]int
	matched              map[string]int
	deferred             []journal.Entry
	prerenderEvents      []protocol.Event
}

// Option configures a Session.
type Option func(*Session)

// WithArchive journals the session to backend.
func WithArchive(backend journal.Backend) Option {
	return func(s *Session) {
		if backend != nil {
			s.journal = journal.New(s.id, backend)
		}
	}
}

// WithBroker makes b available to session code through Context.Broker.
func WithBroker(b bus.Broker) Option {
	return func(s *Session) { s.broker = b }
}

// WithSuppressStacks strips stack traces from error events sent to the peer.
func WithSuppressStacks(suppress bool) Option {
	return func(s *Session) { s.suppressStacks = suppress }
}

// WithPrerender runs the initial portion of the app outside dispatch
// context, so server promises resolve directly as for a prerendered page.
func WithPrerender() Option {
	return func(s *Session) { s.prerender = true }
}

// WithPeerConnected sets whether a peer is initially reachable. The default
// is true; messages with the close flag clear it.
func WithPeerConnected(connected bool) Option {
	return func(s *Session) { s.connected = connected }
}

// WithDiagnostics installs a hook for divergence and validation notices.
// The hook runs on the session loop and must not block.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(s *Session) { s.diagnostics = fn }
}

// WithEventObserver calls fn with every event the session produces, in
// order. While resuming, archived server events are observed as they are
// replayed and only new events are observed from the session code.
func WithEventObserver(fn func(protocol.Event)) Option {
	return func(s *Session) { s.observer = fn }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l.With("session_id", s.id) }
}

// New creates a session running app and talking to collab.
func New(id string, app App, collab Collaborator, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		app:       app,
		collab:    collab,
		log:       slog.Default().With("session_id", id),
		reg:       channel.NewRegistry(),
		inbox:     newInbox(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		connected: true,
		reorder:   make(map[int64]protocol.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed when the session has been destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run is the session loop. It returns once the session is destroyed or ctx
// is cancelled; cancellation destroys the session.
//
// Must be called from exactly one goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	for {
		if it, ok := s.inbox.TryDequeue(); ok {
			s.handle(it)
			s.synchronize()
			if s.dead {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.teardown(false)
			return ctx.Err()
		case <-s.inbox.Wait():
			if s.inbox.Closed() && s.inbox.Len() == 0 {
				return nil
			}
		}
	}
}

func (s *Session) shutdown() {
	for _, it := range s.inbox.Close() {
		if it.reply != nil {
			it.reply <- ErrDisconnected
		}
	}
	s.cancel()
}

func (s *Session) handle(it item) {
	switch {
	case it.msg != nil:
		s.receive(*it.msg)
	case it.task != nil:
		it.task()
	}
}

// synchronize runs after every inbox item: pending closes are applied, the
// collaborator is asked to flush, and an exhausted session is destroyed.
func (s *Session) synchronize() {
	s.drainMicrotasks()
	if s.needsSync && !s.dead {
		s.needsSync = false
		s.collab.ScheduleSynchronize()
	}
	s.destroyIfExhausted()
}

// post queues fn to run on the loop. Returns false once the session is gone.
func (s *Session) post(fn func()) bool {
	return s.inbox.Enqueue(item{task: fn})
}

// postMicro queues fn to run at the next yield point: between two events of
// a batch or after the current inbox item.
func (s *Session) postMicro(fn func()) {
	s.microMu.Lock()
	s.micro = append(s.micro, fn)
	s.microMu.Unlock()
	s.inbox.Enqueue(item{})
}

func (s *Session) drainMicrotasks() {
	for {
		s.microMu.Lock()
		tasks := s.micro
		s.micro = nil
		s.microMu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !s.inbox.Enqueue(item{task: func() { reply <- fn() }, reply: reply}) {
		return ErrDisconnected
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every item queued before it has been processed.
func (s *Session) Sync(ctx context.Context) error {
	return s.call(ctx, func() error { return nil })
}

// Start runs the app on the main strand.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.started {
			return &CoordinationError{Code: CodeAlreadyStarted, Message: "session already started", SessionID: s.id}
		}
		s.start()
		return nil
	})
}

func (s *Session) start() {
	s.started = true
	s.insideCallback = !s.prerender
	s.log.Debug("session starting", "prerender", s.prerender)
	s.spawn("app", func(c *Context) {
		if err := s.app.Run(c); err != nil && !IsDisconnected(err) {
			s.log.Warn("app returned error", "error", err)
		}
	})
	s.insideCallback = true
}

// Receive queues a peer message. Messages are applied in messageID order;
// duplicates are dropped.
func (s *Session) Receive(_ context.Context, msg protocol.Message) error {
	if !s.inbox.Enqueue(item{msg: &msg}) {
		return ErrDisconnected
	}
	return nil
}

func (s *Session) receive(msg protocol.Message) {
	if s.dead {
		return
	}
	if s.adoptMessageID {
		// Resumed from a partial archive, which does not know the peer's
		// position.
		s.adoptMessageID = false
		s.nextMessageID = msg.MessageID
	}
	switch {
	case msg.MessageID < s.nextMessageID:
		s.log.Debug("dropping duplicate message", "message_id", msg.MessageID)
		return
	case msg.MessageID > s.nextMessageID:
		if len(s.reorder) >= maxReorderWindow {
			s.fault(fmt.Errorf("reorder window full waiting for message %d", s.nextMessageID))
			return
		}
		s.reorder[msg.MessageID] = msg
		return
	}

	s.applyNext(msg)
	for !s.dead {
		next, ok := s.reorder[s.nextMessageID]
		if !ok {
			break
		}
		delete(s.reorder, s.nextMessageID)
		s.applyNext(next)
	}
}

func (s *Session) applyNext(msg protocol.Message) {
	s.nextMessageID++
	if s.journal != nil {
		s.journal.SetNextMessage(s.nextMessageID)
	}
	s.apply(msg)
}

func (s *Session) apply(msg protocol.Message) {
	if !msg.Close {
		s.connected = true
	}
	s.noJavaScript = msg.NoJavaScript
	s.processEvents(msg.Events, msg.NoJavaScript)
	if msg.Reload != nil {
		if r, ok := s.collab.(Reloader); ok {
			r.Reload(*msg.Reload)
		}
	}
	if msg.Close {
		s.connected = false
	}
	if msg.Destroy {
		s.teardown(false)
	}
}

// ProcessEvents dispatches a batch of peer events as if received in one
// message.
func (s *Session) ProcessEvents(ctx context.Context, events []protocol.Event, noJavaScript bool) error {
	return s.call(ctx, func() error {
		s.processEvents(events, noJavaScript)
		return nil
	})
}

func (s *Session) processEvents(events []protocol.Event, noJavaScript bool) {
	if len(events) == 0 || s.dead {
		return
	}
	open := noJavaScript || s.openServerChannels > 0
	s.record(journal.MarkerEntry(open))
	s.record(journal.EventEntries(events)...)
	s.runBatch(events, open)
}

// runBatch dispatches events one at a time, applying pending closes and
// yielding between consecutive events.
func (s *Session) runBatch(events []protocol.Event, open bool) {
	s.hadOpenServerChannel = open
	s.inBatch = true
	s.currentEvents = events
	defer func() {
		s.inBatch = false
		s.currentEvents = nil
	}()

	for i, ev := range events {
		if s.dead {
			return
		}
		if ev.Channel > 0 {
			s.fault(fmt.Errorf("peer sent event for server channel %d", ev.Channel))
			continue
		}
		if !s.reg.Dispatch(ev) {
			s.log.Debug("dropping event for unknown channel", "channel", ev.Channel)
		}
		s.drainMicrotasks()
		if i < len(events)-1 {
			runtime.Gosched()
		}
	}
}

// emit records ev and hands it to the collaborator and reports whether it
// did. While resuming, events already in the archive have reached the peer
// before and are skipped; the replay loop then leaves their archived copy
// undispatched, since the caller dispatches it.
func (s *Session) emit(ev protocol.Event) bool {
	if s.dead {
		return false
	}
	if s.bootstrapping {
		key := ev.String()
		if s.echo[key] > 0 {
			s.echo[key]--
			s.matched[key]++
			return false
		}
	}
	s.record(journal.EventEntry(ev))
	s.observe(ev)
	s.collab.SendEvent(ev)
	s.needsSync = true
	return true
}

func (s *Session) observe(ev protocol.Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

func (s *Session) record(entries ...journal.Entry) {
	if s.journal == nil || s.dead {
		return
	}
	if s.bootstrapping {
		s.deferred = append(s.deferred, entries...)
		return
	}
	s.journal.Record(entries...)
}

// archived returns the archived event for channel while replaying.
func (s *Session) archived(channel int64) (protocol.Event, bool) {
	if !s.bootstrapping || s.replay == nil {
		return protocol.Event{}, false
	}
	return s.replay.Lookup(channel)
}

// ArchiveEvents writes the journal entries recorded so far. With
// includeTrailer the archive is sealed with the set of open local channels.
func (s *Session) ArchiveEvents(ctx context.Context, includeTrailer bool) error {
	if s.journal == nil {
		return &CoordinationError{Code: CodeNoArchive, Message: "session has no archive backend", SessionID: s.id}
	}
	var channels []int64
	if includeTrailer {
		if err := s.call(ctx, func() error {
			channels = s.reg.LocalIDs()
			return nil
		}); err != nil {
			return err
		}
	}
	return s.journal.Flush(ctx, includeTrailer, channels)
}

// Unarchive resumes the session from its archive: the app is started again
// and the archived events are replayed before any new input is processed.
func (s *Session) Unarchive(ctx context.Context) error {
	if s.journal == nil {
		return &CoordinationError{Code: CodeNoArchive, Message: "session has no archive backend", SessionID: s.id}
	}
	a, err := s.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load archive %s: %w", s.id, err)
	}
	return s.call(ctx, func() error {
		if s.started {
			return &CoordinationError{Code: CodeAlreadyStarted, Message: "session already started", SessionID: s.id}
		}
		s.replayArchive(a)
		return nil
	})
}

func (s *Session) replayArchive(a *journal.Archive) {
	s.bootstrapping = true
	s.replay = a.Index()
	s.echo = make(map[string]int)
	s.matched = make(map[string]int)
	for _, e := range a.Entries {
		if !e.Marker && e.Event.Channel > 0 {
			s.echo[e.Event.String()]++
		}
	}
	s.prerender = false
	s.start()

	open := false
	entries := a.Entries
	for i := 0; i < len(entries) && !s.dead; {
		e := entries[i]
		switch {
		case e.Marker:
			open = e.Open
			i++
		case e.Event.Channel < 0:
			j := i
			for j < len(entries) && !entries[j].Marker && entries[j].Event.Channel < 0 {
				j++
			}
			batch := make([]protocol.Event, 0, j-i)
			for _, x := range entries[i:j] {
				batch = append(batch, x.Event)
			}
			s.runBatch(batch, open)
			i = j
		default:
			// Pending sends go first so they meet their archived copy.
			s.drainMicrotasks()
			key := e.Event.String()
			s.observe(e.Event)
			if s.matched[key] > 0 {
				s.matched[key]--
			} else {
				if s.echo[key] > 0 {
					s.echo[key]--
				}
				s.reg.Dispatch(e.Event)
				s.drainMicrotasks()
			}
			i++
		}
	}

	s.bootstrapping = false
	s.replay = nil
	s.echo = nil
	s.matched = nil
	s.adoptMessageID = !a.Full
	s.nextMessageID = a.NextMessage
	if s.journal != nil {
		s.journal.Resume(a)
		s.journal.Record(s.deferred...)
	}
	s.deferred = nil
	s.log.Info("session resumed", "entries", len(entries), "full", a.Full)
}

// Suspend seals the archive with the currently open channels and tears the
// session down. The session can later be resumed with Unarchive.
func (s *Session) Suspend(ctx context.Context) error {
	if s.journal == nil {
		return &CoordinationError{Code: CodeNoArchive, Message: "session has no archive backend", SessionID: s.id}
	}
	err := s.call(ctx, func() error {
		s.teardown(true)
		return nil
	})
	if IsDisconnected(err) {
		return nil
	}
	return err
}

// Destroy ends the session and seals its archive with an empty open-channel
// set. Every pending promise settles with ErrDisconnected. Destroying twice
// is a no-op.
func (s *Session) Destroy(ctx context.Context) error {
	err := s.call(ctx, func() error {
		s.teardown(false)
		return nil
	})
	if IsDisconnected(err) {
		return nil
	}
	return err
}

// DestroyIfExhausted destroys the session when no channel is open on either
// side. It reports whether the session is destroyed.
func (s *Session) DestroyIfExhausted(ctx context.Context) (bool, error) {
	var destroyed bool
	err := s.call(ctx, func() error {
		destroyed = s.destroyIfExhausted()
		return nil
	})
	if IsDisconnected(err) {
		return true, nil
	}
	return destroyed, err
}

func (s *Session) destroyIfExhausted() bool {
	if s.dead {
		return true
	}
	if !s.started || s.bootstrapping || !s.reg.Exhausted() {
		return false
	}
	s.log.Debug("session exhausted")
	s.teardown(false)
	return true
}

// teardown ends the session exactly once and writes the final archive
// trailer. A suspended session keeps its open channels in the trailer so a
// resume can resurrect them; a destroyed one records none.
func (s *Session) teardown(suspend bool) {
	if s.dead {
		return
	}

	if s.journal != nil {
		var open []int64
		if suspend {
			open = s.reg.LocalIDs()
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := s.journal.Flush(ctx, true, open)
		cancel()
		if err != nil {
			s.log.Error("failed to seal archive", "suspend", suspend, "error", err)
		}
	}

	s.dead = true
	s.reg.Drain()
	s.drainMicrotasks()
	s.cancel()

	if s.needsSync {
		s.needsSync = false
		s.collab.ScheduleSynchronize()
	}
	s.collab.SessionWasDestroyed()
	close(s.done)
	s.inbox.Enqueue(item{})
	s.log.Info("session destroyed", "suspended", suspend)
}

func (s *Session) fault(err error) {
	ce := &CoordinationError{Code: CodeSchedulerFault, Message: err.Error(), SessionID: s.id}
	s.diagnose(Diagnostic{Kind: SchedulerFault, Message: err.Error()})
	ReportError(ce)
}

func (s *Session) diagnose(d Diagnostic) {
	d.SessionID = s.id
	if s.diagnostics != nil {
		s.diagnostics(d)
	}
}

// PrerenderEvents returns the events of promises created with
// IncludedInPrerender, for embedding in an initial page.
func (s *Session) PrerenderEvents(ctx context.Context) ([]protocol.Event, error) {
	var out []protocol.Event
	err := s.call(ctx, func() error {
		out = append(out, s.prerenderEvents...)
		return nil
	})
	return out, err
}
