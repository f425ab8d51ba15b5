package protocol

import (
	"strings"

	"github.com/roach88/lockstep/internal/canon"
)

// Encode builds the event for delivering v on channel. canon.Undefined
// yields an event with no payload. Values that cannot round-trip return a
// *canon.RoundTripError.
func Encode(channel int64, v any) (Event, error) {
	if canon.IsUndefined(v) {
		return Event{Channel: channel}, nil
	}
	payload, err := canon.Canonicalize(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Channel: channel, Payload: payload, HasPayload: true}, nil
}

// EncodeError builds the error event for raised on channel. Errors become an
// object carrying at least "message" plus a type tag; a *ThrownValue (or any
// non-error value) keeps its raw payload under tag 1. When suppressStacks is
// set, any "stack" field is stripped.
func EncodeError(channel int64, raised any, suppressStacks bool) Event {
	ev := Event{Channel: channel, Failed: true}

	var thrown *ThrownValue
	switch r := raised.(type) {
	case *ThrownValue:
		thrown = r
	case error:
		ev.ErrorType = TypeName(r)
		ev.Payload = errorPayload(r, suppressStacks)
		return ev
	default:
		thrown = &ThrownValue{Value: r}
	}

	payload, err := canon.Canonicalize(thrown.Value)
	if err != nil || canon.IsUndefined(payload) {
		ev.ErrorType = "Error"
		ev.Payload = map[string]any{"message": thrown.Error()}
		return ev
	}
	ev.Payload = payload
	return ev
}

// Decode interprets ev from the receiving side. A nil event means the
// channel was torn down and decodes as ErrDisconnected. Error events tagged
// with an "...Error" type name decode as a *RemoteError; any other marker
// decodes as a *ThrownValue carrying the raw payload. An event without
// payload decodes as nil.
func Decode(ev *Event) (any, error) {
	if ev == nil {
		return nil, ErrDisconnected
	}
	if ev.Failed {
		payload, _ := canon.Canonicalize(ev.Payload)
		if !strings.HasSuffix(ev.ErrorType, "Error") {
			return nil, &ThrownValue{Value: payload}
		}
		return nil, newRemoteError(ev.ErrorType, payload)
	}
	if !ev.HasPayload {
		return nil, nil
	}
	return canon.Canonicalize(ev.Payload)
}
