// Package channel tracks the open channels of one session.
//
// Local channels (positive IDs) are those whose events originate on the
// server: server promises, server channels and server-generated coordinated
// values. Remote channels (negative on the wire, stored here by magnitude)
// are those whose events originate on the peer.
//
// A Registry is not safe for concurrent use. It is owned by the session loop.
package channel

import (
	"slices"

	"github.com/roach88/lockstep/internal/protocol"
)

// Continuation receives the events dispatched to a channel. A nil event means
// the channel was torn down without an answer.
type Continuation func(ev *protocol.Event)

// Registry holds both ID counters and the continuations of open channels.
type Registry struct {
	localCounter  int64
	remoteCounter int64

	local  map[int64]Continuation
	remote map[int64]Continuation
}

// NewRegistry creates an empty registry. Both counters start at zero, so the
// first allocated ID on each side is 1.
func NewRegistry() *Registry {
	return &Registry{
		local:  make(map[int64]Continuation),
		remote: make(map[int64]Continuation),
	}
}

// NextLocalID allocates a local ID without opening a channel.
func (r *Registry) NextLocalID() int64 {
	r.localCounter++
	return r.localCounter
}

// NextRemoteID allocates a remote ID without opening a channel.
func (r *Registry) NextRemoteID() int64 {
	r.remoteCounter++
	return r.remoteCounter
}

// PeekLocalID returns the ID the next local allocation will receive.
func (r *Registry) PeekLocalID() int64 { return r.localCounter + 1 }

// PeekRemoteID returns the ID the next remote allocation will receive.
func (r *Registry) PeekRemoteID() int64 { return r.remoteCounter + 1 }

// OpenLocal allocates a local ID and registers c under it.
func (r *Registry) OpenLocal(c Continuation) int64 {
	id := r.NextLocalID()
	r.local[id] = c
	return id
}

// OpenRemote allocates a remote ID and registers c under it. The peer uses
// -id on the wire.
func (r *Registry) OpenRemote(c Continuation) int64 {
	id := r.NextRemoteID()
	r.remote[id] = c
	return id
}

// CloseLocal unregisters a local channel. It reports whether it was open.
func (r *Registry) CloseLocal(id int64) bool {
	if _, ok := r.local[id]; !ok {
		return false
	}
	delete(r.local, id)
	return true
}

// CloseRemote unregisters a remote channel. It reports whether it was open.
func (r *Registry) CloseRemote(id int64) bool {
	if _, ok := r.remote[id]; !ok {
		return false
	}
	delete(r.remote, id)
	return true
}

// Dispatch routes ev to the continuation registered for its channel. Events
// for unknown or closed channels are dropped and Dispatch reports false.
func (r *Registry) Dispatch(ev protocol.Event) bool {
	var c Continuation
	switch {
	case ev.Channel > 0:
		c = r.local[ev.Channel]
	case ev.Channel < 0:
		c = r.remote[-ev.Channel]
	}
	if c == nil {
		return false
	}
	c(&ev)
	return true
}

// LocalOpen reports whether local channel id is open.
func (r *Registry) LocalOpen(id int64) bool {
	_, ok := r.local[id]
	return ok
}

// LocalCount returns the number of open local channels.
func (r *Registry) LocalCount() int { return len(r.local) }

// PendingCount returns the number of open remote channels.
func (r *Registry) PendingCount() int { return len(r.remote) }

// Exhausted reports whether no channel is open on either side.
func (r *Registry) Exhausted() bool {
	return len(r.local) == 0 && len(r.remote) == 0
}

// LocalIDs returns the open local IDs in ascending order.
func (r *Registry) LocalIDs() []int64 {
	ids := make([]int64, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Drain unregisters every channel and then invokes each continuation with a
// nil event: local channels first, then remote, each in ascending ID order.
func (r *Registry) Drain() {
	local, remote := r.local, r.remote
	r.local = make(map[int64]Continuation)
	r.remote = make(map[int64]Continuation)

	for _, id := range sortedKeys(local) {
		local[id](nil)
	}
	for _, id := range sortedKeys(remote) {
		remote[id](nil)
	}
}

func sortedKeys(m map[int64]Continuation) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
