package protocol

import (
	"fmt"
	"maps"
	"reflect"
	"strings"
	"sync"

	"github.com/roach88/lockstep/internal/canon"
)

// DisconnectedError is returned for any operation whose counterpart can no
// longer answer: a destroyed session, a missing peer, a dead worker.
type DisconnectedError struct{}

func (*DisconnectedError) Error() string { return "session disconnected" }

// ErrDisconnected is the shared DisconnectedError value.
var ErrDisconnected error = &DisconnectedError{}

// RemoteError is an error reconstructed from an error event.
//
// Type is the reconstructed type name. When the sender used a name this
// side does not know, Type is "Error" and Name keeps the original.
type RemoteError struct {
	Type    string
	Name    string
	Message string
	Fields  map[string]any
}

func (e *RemoteError) Error() string {
	name := e.Name
	if name == "" {
		name = e.Type
	}
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

// Is matches templates such as RangeError (same Type, no message) and the
// disconnected sentinel.
func (e *RemoteError) Is(target error) bool {
	if target == ErrDisconnected {
		return e.Type == "DisconnectedError"
	}
	t, ok := target.(*RemoteError)
	return ok && t.Message == "" && t.Type == e.Type
}

func (e *RemoteError) tag() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Type
}

// Templates for errors.Is against reconstructed standard error types.
var (
	GenericError   = &RemoteError{Type: "Error"}
	RangeError     = &RemoteError{Type: "RangeError"}
	TypeError      = &RemoteError{Type: "TypeError"}
	ReferenceError = &RemoteError{Type: "ReferenceError"}
	SyntaxError    = &RemoteError{Type: "SyntaxError"}
)

// ThrownValue carries a non-error value that was raised in place of an error.
type ThrownValue struct {
	Value any
}

func (t *ThrownValue) Error() string {
	data, err := canon.Marshal(t.Value)
	if err != nil {
		return "thrown value"
	}
	return "thrown value: " + string(data)
}

var (
	typesMu    sync.RWMutex
	errorTypes = map[string]bool{
		"Error":             true,
		"EvalError":         true,
		"RangeError":        true,
		"ReferenceError":    true,
		"SyntaxError":       true,
		"TypeError":         true,
		"URIError":          true,
		"AggregateError":    true,
		"DisconnectedError": true,
		"RoundTripError":    true,
		"ValidationError":   true,
		"CoordinationError": true,
	}
)

// RegisterErrorType adds name to the set of error types reconstructed by
// name rather than collapsed to "Error".
func RegisterErrorType(name string) {
	typesMu.Lock()
	defer typesMu.Unlock()
	errorTypes[name] = true
}

func knownErrorType(name string) bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	return errorTypes[name]
}

// ErrorTyper lets an error choose its wire type name.
type ErrorTyper interface {
	ErrorType() string
}

// ErrorFielder lets an error contribute extra fields to its payload.
type ErrorFielder interface {
	ErrorFields() map[string]any
}

// StackTracer lets an error contribute a stack trace.
type StackTracer interface {
	StackTrace() string
}

// TypeName returns the wire type tag for err: the name chosen via
// ErrorTyper, or the exported concrete type name when it ends in "Error".
// Every other error is tagged with the generic "Error".
func TypeName(err error) string {
	switch e := err.(type) {
	case *RemoteError:
		return e.tag()
	case ErrorTyper:
		return e.ErrorType()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if len(name) > 0 && strings.HasSuffix(name, "Error") && name[0] >= 'A' && name[0] <= 'Z' {
		return name
	}
	return "Error"
}

func errorPayload(err error, suppressStacks bool) any {
	fields := map[string]any{}
	if remote, ok := err.(*RemoteError); ok {
		maps.Copy(fields, remote.Fields)
	}
	if f, ok := err.(ErrorFielder); ok {
		maps.Copy(fields, f.ErrorFields())
	}
	if st, ok := err.(StackTracer); ok {
		fields["stack"] = st.StackTrace()
	}
	if suppressStacks {
		delete(fields, "stack")
	}
	fields["message"] = errorMessage(err)

	payload, cerr := canon.Canonicalize(fields)
	if cerr != nil {
		return map[string]any{"message": fields["message"]}
	}
	return payload
}

func errorMessage(err error) string {
	if r, ok := err.(*RemoteError); ok {
		return r.Message
	}
	return err.Error()
}

func newRemoteError(tag string, payload any) *RemoteError {
	out := &RemoteError{Type: tag}
	if !knownErrorType(tag) {
		out.Type = "Error"
		out.Name = tag
	}
	if obj, ok := payload.(map[string]any); ok {
		if msg, ok := obj["message"].(string); ok {
			out.Message = msg
		}
		rest := maps.Clone(obj)
		delete(rest, "message")
		if len(rest) > 0 {
			out.Fields = rest
		}
	} else if payload != nil {
		out.Message = fmt.Sprint(payload)
	}
	return out
}
