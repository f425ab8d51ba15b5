package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/validate"
)

// Ask produces the value of a server promise. It runs on its own goroutine,
// off the session turn, and should honour ctx.
type Ask func(ctx context.Context) (any, error)

// Fallback produces a client promise value when no peer can answer.
type Fallback func() (any, error)

// Callback receives the values delivered on a channel. Each invocation runs
// on its own strand and may use c like the app's main strand does.
type Callback func(c *Context, v any)

// Send delivers v on a server channel. It is safe for concurrent use and
// fails synchronously when v cannot round-trip.
type Send func(v any) error

// PrimitiveOption configures a server promise or channel.
type PrimitiveOption func(*primitiveOptions)

type primitiveOptions struct {
	prerender bool
}

// IncludedInPrerender adds the primitive's events to PrerenderEvents.
func IncludedInPrerender() PrimitiveOption {
	return func(o *primitiveOptions) { o.prerender = true }
}

var errOutsideStrand = errors.New("session primitive used outside session code")

// strand is a goroutine running session code. It runs only between a
// resume and the matching park, so strands never overlap with each other or
// with the loop.
type strand struct {
	name string
	wake chan chan struct{}
	back chan struct{}
}

// spawn starts fn on a new strand and runs it until it first parks or
// returns.
func (s *Session) spawn(name string, fn func(c *Context)) {
	st := &strand{name: name, wake: make(chan chan struct{})}
	go func() {
		st.back = <-st.wake
		defer func() {
			if r := recover(); r != nil {
				s.fault(fmt.Errorf("%s panicked: %v", name, r))
			}
			st.back <- struct{}{}
		}()
		fn(&Context{s: s})
	}()
	s.resume(st)
}

// resume hands the turn to st and waits until it parks or finishes.
func (s *Session) resume(st *strand) {
	prev := s.current
	s.current = st
	back := make(chan struct{})
	st.wake <- back
	<-back
	s.current = prev
}

// park gives the turn back to whoever resumed st and waits for the next
// resume.
func (st *strand) park() {
	st.back <- struct{}{}
	st.back = <-st.wake
}

// Context is handed to session code. Its methods must only be called from
// session code: the app's Run, a Callback, onOpen or onClose.
type Context struct {
	s *Session
}

// SessionID returns the session identifier.
func (c *Context) SessionID() string { return c.s.id }

// Context is cancelled when the session ends.
func (c *Context) Context() context.Context { return c.s.ctx }

// Broker returns the session's broadcast broker, or nil.
func (c *Context) Broker() bus.Broker { return c.s.broker }

// BaseURL returns the base URL of the request that created the session.
func (c *Context) BaseURL() string { return c.s.collab.BaseURL() }

// CookieHeader returns the cookies of the request that created the session.
func (c *Context) CookieHeader() string { return c.s.collab.CookieHeader() }

// Destroy ends the session from inside session code.
func (c *Context) Destroy() {
	c.s.teardown(false)
}

// Go runs fn on a new strand once the current turn ends. It reports false
// when the session is already gone.
func (c *Context) Go(fn func(c *Context)) bool {
	s := c.s
	return s.post(func() {
		if !s.dead {
			s.spawn("go", fn)
		}
	})
}

// ServerPromise runs ask and returns its outcome as the peer will observe
// it. Outside dispatch context ask runs inline and no channel is used.
func (c *Context) ServerPromise(ask Ask, opts ...PrimitiveOption) (any, error) {
	s := c.s
	if s.dead {
		return nil, ErrDisconnected
	}
	st := s.current
	if st == nil {
		return nil, errOutsideStrand
	}
	var po primitiveOptions
	for _, opt := range opts {
		opt(&po)
	}

	if !s.insideCallback && !po.prerender {
		v, err := runAsk(s.ctx, ask)
		if err != nil {
			return nil, err
		}
		return roundTrip(v)
	}

	var (
		result   *protocol.Event
		localErr error
		id       int64
	)
	id = s.reg.OpenLocal(func(ev *protocol.Event) {
		s.reg.CloseLocal(id)
		result = ev
		s.resume(st)
	})

	if _, ok := s.archived(id); !ok {
		ctx := s.ctx
		go func() {
			v, err := runAsk(ctx, ask)
			s.post(func() {
				if s.dead {
					return
				}
				ev, encErr := s.outcome(id, v, err)
				localErr = encErr
				s.emit(ev)
				if po.prerender {
					s.prerenderEvents = append(s.prerenderEvents, ev)
				}
				s.reg.Dispatch(ev)
			})
		}()
	}

	st.park()
	if result == nil {
		return nil, ErrDisconnected
	}
	if localErr != nil {
		return nil, localErr
	}
	return protocol.Decode(result)
}

// outcome encodes the result of an ask. A value that cannot round-trip is
// reported to the peer as an error event and returned to the caller.
func (s *Session) outcome(id int64, v any, err error) (protocol.Event, error) {
	if err != nil {
		return protocol.EncodeError(id, err, s.suppressStacks), nil
	}
	ev, encErr := protocol.Encode(id, v)
	if encErr != nil {
		return protocol.EncodeError(id, encErr, s.suppressStacks), encErr
	}
	return ev, nil
}

func runAsk(ctx context.Context, ask Ask) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ask panicked: %v", r)
		}
	}()
	return ask(ctx)
}

func roundTrip(v any) (any, error) {
	ev, err := protocol.Encode(0, v)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(&ev)
}

type channelKind int

const (
	serverChannel channelKind = iota
	clientChannel
)

// Channel is an open server or client channel.
type Channel struct {
	s       *Session
	kind    channelKind
	id      int64
	onClose func()
	opts    primitiveOptions
}

// ID returns the wire ID: positive for server channels, negative for client
// channels. A channel created after the session ended has ID 0.
func (ch *Channel) ID() int64 { return ch.id }

// Close closes the channel at the next yield point. Safe from any goroutine
// and idempotent.
func (ch *Channel) Close() {
	if ch.id == 0 {
		return
	}
	ch.s.postMicro(ch.closeNow)
}

func (ch *Channel) closeNow() {
	s := ch.s
	switch ch.kind {
	case serverChannel:
		if s.reg.CloseLocal(ch.id) {
			s.emit(protocol.Event{Channel: ch.id})
			ch.closed()
		}
	case clientChannel:
		if s.reg.CloseRemote(-ch.id) {
			s.emit(protocol.Event{Channel: ch.id})
		}
	}
}

// closed finishes a server channel that is already out of the registry.
func (ch *Channel) closed() {
	s := ch.s
	s.openServerChannels--
	if ch.onClose != nil {
		s.spawn("onClose", func(*Context) { ch.onClose() })
	}
}

func (ch *Channel) send(v any) error {
	s := ch.s
	ev, err := protocol.Encode(ch.id, v)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil || s.inbox.Closed() {
		return ErrDisconnected
	}
	// Sends run at the next yield point so that a send made while replaying
	// an archived batch meets its archived echo.
	s.postMicro(func() {
		if s.dead || !s.reg.LocalOpen(ch.id) {
			return
		}
		if s.emit(ev) && ch.opts.prerender {
			s.prerenderEvents = append(s.prerenderEvents, ev)
		}
		s.reg.Dispatch(ev)
	})
	return nil
}

// ServerChannel opens a channel whose events originate here. onOpen
// receives the Send function; each send reaches the peer and invokes
// callback locally. onClose runs once the channel closes, including when
// the session ends. onOpen must not block.
//
// When a session is resumed, onOpen runs only for channels that were still
// open when it was suspended.
func (c *Context) ServerChannel(callback Callback, onOpen func(Send), onClose func(), opts ...PrimitiveOption) *Channel {
	s := c.s
	ch := &Channel{s: s, kind: serverChannel, onClose: onClose}
	for _, opt := range opts {
		opt(&ch.opts)
	}
	if s.dead {
		return ch
	}

	ch.id = s.reg.OpenLocal(func(ev *protocol.Event) {
		switch {
		case ev == nil:
			ch.closed()
		case ev.IsClose():
			if s.reg.CloseLocal(ch.id) {
				ch.closed()
			}
		default:
			v, err := protocol.Decode(ev)
			if err != nil {
				s.log.Warn("dropping error event on server channel", "channel", ev.Channel, "error", err)
				return
			}
			if callback != nil {
				s.spawn("callback", func(c *Context) { callback(c, v) })
			}
		}
	})
	s.openServerChannels++

	if onOpen != nil && (!s.bootstrapping || s.replay.WasOpen(ch.id)) {
		onOpen(ch.send)
	}
	return ch
}

// ClientPromise waits for the peer to supply a value and checks it with
// validator. Without a peer, fallback supplies the value instead and it is
// forwarded to the peer as its own answer; with neither, ErrDisconnected.
func (c *Context) ClientPromise(fallback Fallback, validator validate.Func) (any, error) {
	s := c.s
	if s.dead {
		return nil, ErrDisconnected
	}
	st := s.current
	if st == nil {
		return nil, errOutsideStrand
	}

	var (
		result *protocol.Event
		id     int64
	)
	id = s.reg.OpenRemote(func(ev *protocol.Event) {
		s.reg.CloseRemote(id)
		result = ev
		s.resume(st)
	})

	if !s.bootstrapping && (!s.connected || s.noJavaScript) {
		if fallback == nil {
			s.reg.CloseRemote(id)
			return nil, ErrDisconnected
		}
		ev, err := s.fallbackEvent(-id, fallback)
		if err != nil {
			s.reg.CloseRemote(id)
			return nil, err
		}
		s.collab.SendEvent(ev)
		s.needsSync = true
		s.post(func() { s.processEvents([]protocol.Event{ev}, true) })
	}

	st.park()
	if result == nil {
		return nil, ErrDisconnected
	}
	v, err := protocol.Decode(result)
	if err != nil {
		return nil, err
	}
	if verr := validate.Check(validator, v); verr != nil {
		s.rejected(-id, verr)
		return nil, &ValidationError{Channel: -id, Err: verr}
	}
	return v, nil
}

func (s *Session) fallbackEvent(channel int64, fallback Fallback) (ev protocol.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = protocol.EncodeError(channel, fmt.Errorf("fallback panicked: %v", r), s.suppressStacks)
			err = nil
		}
	}()
	v, ferr := fallback()
	if ferr != nil {
		return protocol.EncodeError(channel, ferr, s.suppressStacks), nil
	}
	return protocol.Encode(channel, v)
}

func (s *Session) rejected(channel int64, err error) {
	s.log.Warn("peer payload rejected", "channel", channel, "error", err)
	s.diagnose(Diagnostic{Kind: ValidationFailure, Channel: channel, Message: err.Error()})
}

// ClientChannel opens a channel whose events originate on the peer. Every
// valid value invokes callback; an event without payload closes the
// channel, as does a value that fails validator.
func (c *Context) ClientChannel(callback Callback, validator validate.Func) *Channel {
	s := c.s
	ch := &Channel{s: s, kind: clientChannel}
	if s.dead {
		return ch
	}

	var id int64
	id = s.reg.OpenRemote(func(ev *protocol.Event) {
		if ev == nil {
			return
		}
		if ev.IsClose() {
			s.reg.CloseRemote(id)
			return
		}
		v, err := protocol.Decode(ev)
		if err == nil {
			err = validate.Check(validator, v)
		}
		if err != nil {
			s.rejected(-id, err)
			ch.closeNow()
			return
		}
		if callback != nil {
			s.spawn("callback", func(c *Context) { callback(c, v) })
		}
	})
	ch.id = -id
	return ch
}

// CoordinateValue agrees on a nondeterministic value with the peer. While
// handling a peer batch with no server channel open, the peer is
// authoritative and its value is expected in the batch; otherwise the
// server generates the value and pushes it.
func (c *Context) CoordinateValue(generator func() any, validator validate.Func) (any, error) {
	s := c.s
	if !s.insideCallback || s.dead {
		return roundTrip(generator())
	}

	if s.inBatch && !s.hadOpenServerChannel {
		id := -s.reg.NextRemoteID()
		ev, found := s.batchEvent(id)
		if !found {
			ev, found = s.archived(id)
		}
		if found {
			v, err := protocol.Decode(&ev)
			if err == nil {
				err = validate.Check(validator, v)
			}
			if err == nil {
				return v, nil
			}
			s.rejected(id, err)
		}

		msg := fmt.Sprintf("peer did not supply a coordinated value on channel %d", id)
		s.log.Warn("coordinated value diverged", "channel", id)
		s.diagnose(Diagnostic{Kind: DivergenceWarning, Channel: id, Message: msg})

		local, err := protocol.Encode(id, generator())
		if err != nil {
			return nil, err
		}
		s.record(journal.EventEntry(local))
		return protocol.Decode(&local)
	}

	id := s.reg.NextLocalID()
	if ev, ok := s.archived(id); ok {
		return protocol.Decode(&ev)
	}
	ev, err := protocol.Encode(id, generator())
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return protocol.Decode(&ev)
}

func (s *Session) batchEvent(channel int64) (protocol.Event, bool) {
	for _, ev := range s.currentEvents {
		if ev.Channel == channel {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

// Now returns the current time as agreed with the peer, to millisecond
// precision.
func (c *Context) Now() (time.Time, error) {
	v, err := c.CoordinateValue(func() any {
		return float64(time.Now().UnixMilli())
	}, validate.Number())
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v.(float64))), nil
}

// Random returns a number in [0, 1) agreed with the peer.
func (c *Context) Random() (float64, error) {
	v, err := c.CoordinateValue(func() any {
		return rand.Float64()
	}, validate.Range(0, 1))
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}
