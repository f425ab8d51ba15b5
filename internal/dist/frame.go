package dist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/canon"
	"github.com/roach88/lockstep/internal/protocol"
)

// Methods the parent calls on a worker.
const (
	methodOpen      = "open"
	methodStart     = "start"
	methodUnarchive = "unarchive"
	methodReceive   = "receive"
	methodArchive   = "archive"
	methodSuspend   = "suspend"
	methodDestroy   = "destroy"
	methodExhausted = "destroyIfExhausted"
	methodPrerender = "prerenderEvents"
	methodDeliver   = "deliver"
	methodShutdown  = "shutdown"
)

// Methods a worker calls on its parent.
const (
	methodSendEvent = "sendEvent"
	methodSync      = "scheduleSynchronize"
	methodDestroyed = "sessionWasDestroyed"
	methodReload    = "reload"
	methodBaseURL   = "baseURL"
	methodCookie    = "cookieHeader"
	methodPublish   = "publish"
)

// Call is a request read from or written to a worker stream.
type Call struct {
	Session string
	Method  string
	Args    []json.RawMessage

	corr int64
}

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return fmt.Errorf("%s: missing argument %d", c.Method, i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.Method, i, err)
	}
	return nil
}

// MarshalJSON writes [session, method, corr, args...].
func (c *Call) MarshalJSON() ([]byte, error) {
	parts := make([]any, 0, 3+len(c.Args))
	parts = append(parts, c.Session, c.Method, c.corr)
	for _, a := range c.Args {
		parts = append(parts, a)
	}
	return json.Marshal(parts)
}

func newCall(sessionID, method string, corr int64, args []any) (*Call, error) {
	c := &Call{Session: sessionID, Method: method, corr: corr}
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%s: encode argument %d: %w", method, i, err)
		}
		c.Args = append(c.Args, data)
	}
	return c, nil
}

// parseFrame decodes one line. A frame whose first element is a string is
// a call; anything else is a reply.
func parseFrame(line []byte) (*Call, *protocol.Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return nil, nil, fmt.Errorf("frame: %w", err)
	}
	if len(parts) == 0 {
		return nil, nil, errors.New("frame: empty")
	}

	if head := bytes.TrimSpace(parts[0]); len(head) == 0 || head[0] != '"' {
		var ev protocol.Event
		if err := ev.UnmarshalJSON(line); err != nil {
			return nil, nil, fmt.Errorf("reply frame: %w", err)
		}
		return nil, &ev, nil
	}

	if len(parts) < 3 {
		return nil, nil, fmt.Errorf("call frame: expected at least 3 elements, got %d", len(parts))
	}
	c := &Call{Args: parts[3:]}
	if err := json.Unmarshal(parts[0], &c.Session); err != nil {
		return nil, nil, fmt.Errorf("call frame session: %w", err)
	}
	if err := json.Unmarshal(parts[1], &c.Method); err != nil {
		return nil, nil, fmt.Errorf("call frame method: %w", err)
	}
	if err := json.Unmarshal(parts[2], &c.corr); err != nil {
		return nil, nil, fmt.Errorf("call frame corr: %w", err)
	}
	return c, nil, nil
}

// reply builds the reply event for a served call.
func reply(corr int64, result any, err error) protocol.Event {
	if err != nil {
		return protocol.EncodeError(corr, err, false)
	}
	if result == nil {
		return protocol.Event{Channel: corr}
	}
	ev, err := protocol.Encode(corr, result)
	if err != nil {
		return protocol.EncodeError(corr, err, false)
	}
	return ev
}

// readReply decodes ev into out, which may be nil.
func readReply(ev *protocol.Event, out any) error {
	v, err := protocol.Decode(ev)
	if err != nil {
		return localError(err)
	}
	if out == nil || v == nil {
		return nil
	}
	data, err := canon.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
