package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message is the envelope exchanged between the two ends of a session.
//
// A message carrying only events serializes compactly as a bare JSON array
// of the events followed by the message ID, e.g. [[1,"x"],[-2],7]. Any flag
// or identifier forces the keyed object form.
type Message struct {
	Events    []Event
	MessageID int64
	Close     bool
	Destroy   bool
	Reload    *int64
	SessionID string
	ClientID  string

	// NoJavaScript marks a peer that cannot run session code (a plain form
	// post). It is set by transports and never serialized.
	NoJavaScript bool
}

// Compact reports whether m uses the bare array form.
func (m Message) Compact() bool {
	return len(m.Events) > 0 && !m.Close && !m.Destroy && m.Reload == nil &&
		m.SessionID == "" && m.ClientID == ""
}

func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if m.Compact() {
		buf.WriteByte('[')
		for _, ev := range m.Events {
			data, err := ev.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.FormatInt(m.MessageID, 10))
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}

	// Keys in canonical order.
	buf.WriteByte('{')
	if m.ClientID != "" {
		field(&buf, "clientID", strconv.Quote(m.ClientID))
	}
	if m.Close {
		field(&buf, "close", "true")
	}
	if m.Destroy {
		field(&buf, "destroy", "true")
	}
	if len(m.Events) > 0 {
		var events bytes.Buffer
		events.WriteByte('[')
		for i, ev := range m.Events {
			if i > 0 {
				events.WriteByte(',')
			}
			data, err := ev.MarshalJSON()
			if err != nil {
				return nil, err
			}
			events.Write(data)
		}
		events.WriteByte(']')
		field(&buf, "events", events.String())
	}
	field(&buf, "messageID", strconv.FormatInt(m.MessageID, 10))
	if m.Reload != nil {
		field(&buf, "reload", strconv.FormatInt(*m.Reload, 10))
	}
	if m.SessionID != "" {
		field(&buf, "sessionID", strconv.Quote(m.SessionID))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func field(buf *bytes.Buffer, key, value string) {
	if buf.Len() > 1 {
		buf.WriteByte(',')
	}
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	buf.WriteString(value)
}

type keyedMessage struct {
	Events    []Event `json:"events"`
	MessageID int64   `json:"messageID"`
	Close     bool    `json:"close"`
	Destroy   bool    `json:"destroy"`
	Reload    *int64  `json:"reload"`
	SessionID string  `json:"sessionID"`
	ClientID  string  `json:"clientID"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("message: %w", err)
		}
		if len(parts) < 2 {
			return fmt.Errorf("message: compact form needs at least one event and an id")
		}
		id, err := strconv.ParseInt(string(bytes.TrimSpace(parts[len(parts)-1])), 10, 64)
		if err != nil {
			return fmt.Errorf("message: trailing element must be the message id")
		}
		events := make([]Event, len(parts)-1)
		for i, raw := range parts[:len(parts)-1] {
			if err := events[i].UnmarshalJSON(raw); err != nil {
				return fmt.Errorf("message event %d: %w", i, err)
			}
		}
		*m = Message{Events: events, MessageID: id}
		return nil
	}

	var k keyedMessage
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	*m = Message{
		Events:    k.Events,
		MessageID: k.MessageID,
		Close:     k.Close,
		Destroy:   k.Destroy,
		Reload:    k.Reload,
		SessionID: k.SessionID,
		ClientID:  k.ClientID,
	}
	return nil
}

// ParseMessage decodes a message in either form.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	err := m.UnmarshalJSON(data)
	return m, err
}
