package session

import "github.com/roach88/lockstep/internal/protocol"

// Collaborator is the host-side object a session talks to. Implementations
// deliver outbound events to the peer and must be safe for concurrent use.
type Collaborator interface {
	// SendEvent queues ev for the peer.
	SendEvent(ev protocol.Event)
	// ScheduleSynchronize asks for queued events to be flushed to the peer.
	ScheduleSynchronize()
	// SessionWasDestroyed is called exactly once when the session ends.
	SessionWasDestroyed()
	// BaseURL and CookieHeader describe the originating request.
	BaseURL() string
	CookieHeader() string
}

// Reloader is implemented by collaborators that can redeliver outbound
// messages after a peer reconnects.
type Reloader interface {
	Reload(fromMessageID int64)
}

// Nobody is a Collaborator with no peer. Sessions replayed offline use it.
type Nobody struct{}

func (Nobody) SendEvent(protocol.Event) {}
func (Nobody) ScheduleSynchronize()     {}
func (Nobody) SessionWasDestroyed()     {}
func (Nobody) BaseURL() string          { return "" }
func (Nobody) CookieHeader() string     { return "" }
