// Package protocol defines the wire shapes exchanged between the two ends
// of a session: events, the message envelope that batches them, and the
// encoding of values and errors into event payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/lockstep/internal/canon"
)

// Event is the unit of communication on a channel. It serializes as a JSON
// tuple: [channel] signals an absent payload (a close on client channels),
// [channel, payload] carries a value, and [channel, payload, tag] carries an
// error. Positive channel IDs belong to the server side, negative IDs to the
// peer.
type Event struct {
	Channel int64
	Payload any
	// HasPayload distinguishes [channel, null] from [channel]. It is unset
	// on error events, whose payload is always present.
	HasPayload bool

	// Failed marks an error event. An empty ErrorType with Failed set means
	// the payload is a thrown non-error value (tag 1 on the wire).
	Failed    bool
	ErrorType string
}

// IsError reports whether the event carries an error.
func (e Event) IsError() bool { return e.Failed }

// IsClose reports whether the event carries no payload at all.
func (e Event) IsClose() bool { return !e.HasPayload && !e.Failed }

// Negated returns a copy of e addressed to the opposite side's channel
// numbering.
func (e Event) Negated() Event {
	e.Channel = -e.Channel
	return e
}

func (e Event) String() string {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("[%d <%v>]", e.Channel, err)
	}
	return string(data)
}

// MarshalJSON writes the tuple form. Payloads are written as canonical JSON.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatInt(e.Channel, 10))
	if e.HasPayload || e.Failed {
		payload, err := canon.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Channel, err)
		}
		buf.WriteByte(',')
		buf.Write(payload)
	}
	if e.Failed {
		buf.WriteByte(',')
		if e.ErrorType == "" {
			buf.WriteByte('1')
		} else {
			tag, _ := canon.Marshal(e.ErrorType)
			buf.Write(tag)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses the tuple form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	if len(parts) < 1 || len(parts) > 3 {
		return fmt.Errorf("event: expected 1 to 3 elements, got %d", len(parts))
	}

	id, err := parseChannelID(parts[0])
	if err != nil {
		return err
	}
	out := Event{Channel: id}

	if len(parts) >= 2 {
		payload, err := canon.Parse(parts[1])
		if err != nil {
			return fmt.Errorf("event %d payload: %w", id, err)
		}
		out.Payload = payload
		out.HasPayload = true
	}
	if len(parts) == 3 {
		out.Failed = true
		out.HasPayload = false
		switch tag := bytes.TrimSpace(parts[2]); {
		case string(tag) == "1":
		case len(tag) > 0 && tag[0] == '"':
			if err := json.Unmarshal(tag, &out.ErrorType); err != nil {
				return fmt.Errorf("event %d error tag: %w", id, err)
			}
			if out.ErrorType == "" {
				return fmt.Errorf("event %d: empty error tag", id)
			}
		default:
			return fmt.Errorf("event %d: error tag must be 1 or a type name, got %s", id, tag)
		}
	}

	*e = out
	return nil
}

func parseChannelID(raw json.RawMessage) (int64, error) {
	id, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event: channel id must be an integer, got %s", raw)
	}
	if id == 0 {
		return 0, fmt.Errorf("event: channel id must be non-zero")
	}
	return id, nil
}
