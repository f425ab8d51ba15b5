// Package transport connects sessions to peers over HTTP: long-polled
// message exchange and a websocket stream, both fed by a per-session
// Outbox.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
)

// DefaultPollTimeout is how long a poll waits for outbound messages before
// answering with none.
const DefaultPollTimeout = 30 * time.Second

// Outbox is the collaborator of one session. Events queue until the session
// asks for a synchronize, which seals them into a numbered message. Sealed
// messages are kept until the peer acknowledges them, so a reconnecting
// peer can ask for them again.
//
// Thread-safety: All methods are safe for concurrent use.
type Outbox struct {
	mu        sync.Mutex
	pending   []protocol.Event
	sealed    []protocol.Message
	nextID    int64
	cursor    int64
	destroyed bool
	changed   chan struct{}

	baseURL string
	cookie  string
}

// NewOutbox creates an outbox for a session created by a request to
// baseURL carrying cookie.
func NewOutbox(baseURL, cookie string) *Outbox {
	return &Outbox{
		changed: make(chan struct{}),
		baseURL: baseURL,
		cookie:  cookie,
	}
}

// notify wakes every waiter. Caller holds o.mu.
func (o *Outbox) notify() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// seal turns pending events into the next message. Caller holds o.mu.
func (o *Outbox) seal(destroy bool) {
	if len(o.pending) == 0 && !destroy {
		return
	}
	o.sealed = append(o.sealed, protocol.Message{
		Events:    o.pending,
		MessageID: o.nextID,
		Destroy:   destroy,
	})
	o.nextID++
	o.pending = nil
	o.notify()
}

// SendEvent queues ev for the next message.
func (o *Outbox) SendEvent(ev protocol.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.pending = append(o.pending, ev)
}

// ScheduleSynchronize seals the queued events.
func (o *Outbox) ScheduleSynchronize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.seal(false)
}

// SessionWasDestroyed seals a final message carrying the destroy flag.
func (o *Outbox) SessionWasDestroyed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.seal(true)
	o.destroyed = true
}

// Reload rewinds delivery so unacknowledged messages from the given ID on
// are handed out again.
func (o *Outbox) Reload(from int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if from < o.cursor {
		o.cursor = from
		o.notify()
	}
}

// SetRequest records the origin of the latest peer request.
func (o *Outbox) SetRequest(baseURL, cookie string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.baseURL = baseURL
	o.cookie = cookie
}

func (o *Outbox) BaseURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseURL
}

func (o *Outbox) CookieHeader() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cookie
}

// Ack drops every message up to and including id.
func (o *Outbox) Ack(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := 0
	for i < len(o.sealed) && o.sealed[i].MessageID <= id {
		i++
	}
	o.sealed = o.sealed[i:]
	if o.cursor <= id {
		o.cursor = id + 1
	}
}

// Next waits up to timeout for messages not yet handed out and returns
// them. It returns no messages and no error on timeout, and
// session.ErrDisconnected once the final message has been handed out.
func (o *Outbox) Next(ctx context.Context, timeout time.Duration) ([]protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		o.mu.Lock()
		var out []protocol.Message
		for _, m := range o.sealed {
			if m.MessageID >= o.cursor {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			o.cursor = out[len(out)-1].MessageID + 1
		}
		finished := o.destroyed && len(out) == 0 && o.cursor >= o.nextID
		changed := o.changed
		o.mu.Unlock()

		switch {
		case len(out) > 0:
			return out, nil
		case finished:
			return nil, session.ErrDisconnected
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Finished reports whether the final message has been handed out.
func (o *Outbox) Finished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed && o.cursor >= o.nextID
}

var (
	_ session.Collaborator = (*Outbox)(nil)
	_ session.Reloader     = (*Outbox)(nil)
)
