// Package apps holds the session apps served by the lockstep binary.
package apps

import (
	"log/slog"

	"github.com/roach88/lockstep/internal/canon"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/validate"
)

// ChatTopic is the broker topic shared by every chat session.
const ChatTopic = "chat"

// chatPost is the shape of a message posted by a chat peer.
var chatPost = validate.MustSchema(`
import "strings"

#Payload: {
	author: string & strings.MinRunes(1) & strings.MaxRunes(40)
	text:   string & strings.MinRunes(1) & strings.MaxRunes(500)
}`)

// Registry returns a registry with every built-in app.
func Registry() *session.Registry {
	r := session.NewRegistry()
	r.MustRegister("counter", session.AppFunc(Counter))
	r.MustRegister("chat", session.AppFunc(Chat))
	return r
}

// Counter keeps a running total. The peer sends integer increments on a
// client channel and every new total is pushed back on a server channel.
func Counter(c *session.Context) error {
	var (
		total float64
		send  session.Send
	)
	c.ServerChannel(nil, func(s session.Send) { send = s }, nil)
	c.ClientChannel(func(_ *session.Context, v any) {
		total += v.(float64)
		if send != nil {
			_ = send(total)
		}
	}, validate.Integer())
	return nil
}

// Chat relays posts between every session subscribed to ChatTopic. Posts
// from the peer are published on the broker, and everything published
// there, this session's posts included, is sent back to the peer.
func Chat(c *session.Context) error {
	broker := c.Broker()
	var unsubscribe func()
	c.ServerChannel(nil, func(send session.Send) {
		if broker == nil {
			return
		}
		unsubscribe = broker.Subscribe(ChatTopic, func(payload []byte) {
			v, err := canon.Parse(payload)
			if err != nil {
				slog.Warn("dropping malformed chat post", "session_id", c.SessionID(), "error", err)
				return
			}
			_ = send(v)
		})
	}, func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	})

	c.ClientChannel(func(c *session.Context, v any) {
		if broker == nil {
			return
		}
		payload, err := canon.Marshal(v)
		if err != nil {
			slog.Warn("chat post not publishable", "session_id", c.SessionID(), "error", err)
			return
		}
		if err := broker.Publish(c.Context(), ChatTopic, payload); err != nil {
			slog.Warn("failed to publish chat post", "session_id", c.SessionID(), "error", err)
		}
	}, chatPost)
	return nil
}
