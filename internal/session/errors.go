package session

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/protocol"
)

// ErrDisconnected is returned by primitives once the session is destroyed or
// when a peer answer is needed but the peer is unreachable.
var ErrDisconnected = protocol.ErrDisconnected

// ErrorCode categorizes coordination errors.
type ErrorCode string

const (
	// CodeSchedulerFault marks an internal invariant violation. It is
	// reported and the session keeps running.
	CodeSchedulerFault ErrorCode = "SCHEDULER_FAULT"

	// CodeUnknownApp marks a session created for an unregistered app.
	CodeUnknownApp ErrorCode = "UNKNOWN_APP"

	// CodeAlreadyStarted marks a Start or Unarchive on a running session.
	CodeAlreadyStarted ErrorCode = "ALREADY_STARTED"

	// CodeNoArchive marks an archive operation on a session without a
	// journal backend.
	CodeNoArchive ErrorCode = "NO_ARCHIVE"
)

// CoordinationError reports a failure of the engine itself rather than of
// session code.
type CoordinationError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Channel   int64
}

func (e *CoordinationError) Error() string {
	switch {
	case e.SessionID != "" && e.Channel != 0:
		return fmt.Sprintf("%s: %s (session=%s, channel=%d)", e.Code, e.Message, e.SessionID, e.Channel)
	case e.SessionID != "":
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorFields lets the error survive being encoded as an error event.
func (e *CoordinationError) ErrorFields() map[string]any {
	fields := map[string]any{"code": string(e.Code), "detail": e.Message}
	if e.SessionID != "" {
		fields["session"] = e.SessionID
	}
	if e.Channel != 0 {
		fields["channel"] = e.Channel
	}
	return fields
}

// ValidationError reports a peer-supplied payload rejected by its validator.
type ValidationError struct {
	Channel int64
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("channel %d: invalid payload: %v", e.Channel, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsDisconnected reports whether err means the session or peer is gone.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// IsValidationError reports whether err is a rejected peer payload.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnknownApp reports whether err came from resolving an unregistered app.
func IsUnknownApp(err error) bool {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Code == CodeUnknownApp
	}
	return false
}
