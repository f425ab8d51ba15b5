package dist

import (
	"errors"

	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
)

// hostError is a sentinel that keeps its identity across a worker stream.
type hostError struct {
	typ string
	msg string
}

func (e *hostError) Error() string     { return e.msg }
func (e *hostError) ErrorType() string { return e.typ }

var (
	// ErrSessionNotFound is returned for calls naming a session the host
	// does not run.
	ErrSessionNotFound error = &hostError{"SessionNotFoundError", "session not found"}

	// ErrSessionExists is returned when opening an ID that is already open.
	ErrSessionExists error = &hostError{"SessionExistsError", "session already open"}

	// ErrWorkerGone is returned for calls on a worker whose stream ended.
	ErrWorkerGone error = &hostError{"WorkerGoneError", "worker connection lost"}

	// ErrHostClosed is returned by Open after Close.
	ErrHostClosed error = &hostError{"HostClosedError", "host closed"}
)

var sentinels = []error{ErrSessionNotFound, ErrSessionExists, ErrWorkerGone, ErrHostClosed}

func init() {
	for _, err := range sentinels {
		protocol.RegisterErrorType(protocol.TypeName(err))
	}
}

// localError maps an error decoded from a reply back to the value the
// remote side returned, where that value has a local identity.
func localError(err error) error {
	var re *protocol.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	switch re.Type {
	case "DisconnectedError":
		return session.ErrDisconnected
	case "CoordinationError":
		ce := &session.CoordinationError{Message: re.Message}
		if code, ok := re.Fields["code"].(string); ok {
			ce.Code = session.ErrorCode(code)
		}
		if detail, ok := re.Fields["detail"].(string); ok {
			ce.Message = detail
		}
		if id, ok := re.Fields["session"].(string); ok {
			ce.SessionID = id
		}
		if ch, ok := re.Fields["channel"].(float64); ok {
			ce.Channel = int64(ch)
		}
		return ce
	}
	for _, s := range sentinels {
		if protocol.TypeName(s) == re.Type {
			return s
		}
	}
	return err
}

// IsSessionNotFound reports whether err means the host has no such session.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsWorkerGone reports whether err came from a lost worker.
func IsWorkerGone(err error) bool {
	return errors.Is(err, ErrWorkerGone)
}
