package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/testutil"
)

// SessionID is the ID every scenario session runs under.
const SessionID = "scenario"

// Harness plays one scenario against a session. A resume replaces the
// current incarnation with a new session reading the same archive.
type Harness struct {
	scenario *Scenario
	app      session.App
	archive  *journal.MemoryBackend
	broker   *bus.Memory
	logger   *slog.Logger

	cur    *incarnation
	nextID int64
}

type incarnation struct {
	s      *session.Session
	rec    *testutil.Recorder
	cancel context.CancelFunc
	errc   chan error
	seen   int
}

// Run executes a scenario against the app it names in registry.
//
// Execution flow:
// 1. Start the session, with a fresh in-memory archive if asked for
// 2. Execute each step, waiting for its expected events
// 3. Record the final session and archive state
// 4. Evaluate assertions
//
// The returned error reports a harness failure; scenario failures are
// recorded in the Result.
func Run(ctx context.Context, registry *session.Registry, scenario *Scenario) (*Result, error) {
	app, err := registry.Lookup(scenario.App)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		app:      app,
		broker:   bus.NewMemory(),
		logger:   slog.New(slog.DiscardHandler),
	}
	defer h.broker.Close()
	if scenario.Archive {
		h.archive = journal.NewMemoryBackend()
	}
	defer h.stop()

	result := NewResult()
	if err := h.launch(ctx, false); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result.State = h.state()
	if h.archive != nil {
		state, err := h.archiveState(ctx)
		if err != nil {
			return nil, err
		}
		result.Archive = state
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// launch starts a new incarnation, from the archive when resuming.
func (h *Harness) launch(ctx context.Context, resume bool) error {
	rec := testutil.NewRecorder()
	opts := []session.Option{
		session.WithLogger(h.logger),
		session.WithBroker(h.broker),
	}
	if h.archive != nil {
		opts = append(opts, session.WithArchive(h.archive))
	}
	s := session.New(SessionID, h.app, rec, opts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inc := &incarnation{s: s, rec: rec, cancel: cancel, errc: make(chan error, 1)}
	go func() { inc.errc <- s.Run(runCtx) }()
	h.cur = inc

	if resume {
		return s.Unarchive(ctx)
	}
	return s.Start(ctx)
}

// stop ends the current incarnation.
func (h *Harness) stop() {
	if h.cur == nil {
		return
	}
	h.cur.cancel()
	<-h.cur.errc
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	s := h.cur.s
	switch {
	case len(step.Send) > 0:
		msg := protocol.Message{MessageID: h.nextID, NoJavaScript: h.scenario.NoScript}
		for _, raw := range step.Send {
			ev, err := parseEvent(raw)
			if err != nil {
				return err
			}
			msg.Events = append(msg.Events, ev)
		}
		h.deliver(ctx, i, msg, result)

	case step.Close:
		h.deliver(ctx, i, protocol.Message{MessageID: h.nextID, Close: true}, result)

	case step.Destroy:
		h.deliver(ctx, i, protocol.Message{MessageID: h.nextID, Destroy: true}, result)
		if !h.waitDone() {
			result.AddError(fmt.Sprintf("step %d: session not destroyed within %s", i, h.scenario.timeout()))
		}

	case step.Checkpoint:
		if err := s.ArchiveEvents(ctx, false); err != nil {
			if !session.IsDisconnected(err) {
				return err
			}
			result.AddError(fmt.Sprintf("step %d: checkpoint after session ended", i))
		}

	case step.Suspend:
		if err := s.Suspend(ctx); err != nil {
			return err
		}
		if !h.waitDone() {
			result.AddError(fmt.Sprintf("step %d: session not suspended within %s", i, h.scenario.timeout()))
		}

	case step.Resume:
		if h.state() == StateAlive {
			result.AddError(fmt.Sprintf("step %d: resume while the session is still running", i))
			return nil
		}
		h.collect(i, result)
		h.stop()
		if err := h.launch(ctx, true); err != nil {
			result.AddError(fmt.Sprintf("step %d: resume failed: %v", i, err))
			return nil
		}
	}

	h.expect(ctx, i, step.Expect, result)
	return nil
}

// deliver sends msg and advances the message ID.
func (h *Harness) deliver(ctx context.Context, i int, msg protocol.Message, result *Result) {
	h.nextID++
	if err := h.cur.s.Receive(ctx, msg); err != nil {
		result.AddError(fmt.Sprintf("step %d: session already ended", i))
	}
}

// expect waits for the events a step must produce, then records everything
// the step produced in the trace.
func (h *Harness) expect(ctx context.Context, i int, want []string, result *Result) {
	inc := h.cur
	if len(want) > 0 {
		evs, ok := inc.rec.WaitForEvents(inc.seen+len(want), h.scenario.timeout())
		got := wire(evs[inc.seen:])
		if !ok {
			result.AddError(fmt.Sprintf("step %d: expected events %v, got %v before timeout", i, canonical(want), got))
		} else if !slices.Equal(got[:len(want)], canonical(want)) {
			result.AddError(fmt.Sprintf("step %d: expected events %v, got %v", i, canonical(want), got[:len(want)]))
		}
	}
	// Anything the step's message caused on the loop, including the
	// session ending, is done once a later item has run.
	if err := inc.s.Sync(ctx); err != nil && !session.IsDisconnected(err) {
		h.logger.Debug("sync failed", "step", i, "error", err)
	}
	h.collect(i, result)
}

// collect moves newly recorded events into the trace.
func (h *Harness) collect(i int, result *Result) {
	inc := h.cur
	evs := inc.rec.Events()
	for _, ev := range evs[inc.seen:] {
		result.AddTrace(i, ev.String())
	}
	inc.seen = len(evs)
}

func (h *Harness) waitDone() bool {
	select {
	case <-h.cur.s.Done():
		return true
	case <-time.After(h.scenario.timeout()):
		return false
	}
}

func (h *Harness) state() string {
	select {
	case <-h.cur.s.Done():
		return StateDestroyed
	default:
		return StateAlive
	}
}

func (h *Harness) archiveState(ctx context.Context) (string, error) {
	data, err := h.archive.Load(ctx, SessionID)
	if errors.Is(err, journal.ErrNotFound) {
		return ArchiveNone, nil
	}
	if err != nil {
		return "", err
	}
	a, err := journal.Parse(data)
	if errors.Is(err, journal.ErrNotFound) {
		return ArchiveNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("parse archive: %w", err)
	}
	if a.Full {
		return ArchiveFull, nil
	}
	return ArchivePartial, nil
}

func wire(evs []protocol.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.String()
	}
	return out
}

// canonical respells events given in wire form the way the session
// writes them. Entries that do not parse are kept as written.
func canonical(raw []string) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		ev, err := parseEvent(r)
		if err != nil {
			out[i] = r
			continue
		}
		out[i] = ev.String()
	}
	return out
}
