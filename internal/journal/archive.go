package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/protocol"
)

const (
	header      = `{"events":[`
	trailerMark = `],"channels":`
)

// ErrNotFound is returned by backends when a session has no archive.
var ErrNotFound = errors.New("archive not found")

// Archive is a parsed archive document.
type Archive struct {
	Entries []Entry

	// Channels lists the local channels open when the archive was sealed.
	// It is nil for partial archives.
	Channels []int64

	// Full reports whether the archive carries its trailer.
	Full bool

	// NextMessage is the peer messageID the session expected next when the
	// archive was sealed. It is zero for partial archives.
	NextMessage int64

	// Size is the byte length of the document. BodyEnd is the offset where
	// the trailer starts (equal to Size for partial archives).
	Size    int64
	BodyEnd int64
}

// Parse decodes a full or partial archive document.
func Parse(data []byte) (*Archive, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNotFound
	}
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, fmt.Errorf("archive: missing %s header", header)
	}

	a := &Archive{Size: int64(len(data))}
	doc := data
	if i := bytes.LastIndex(data, []byte(trailerMark)); i >= 0 && bytes.HasSuffix(bytes.TrimSpace(data), []byte("}")) {
		a.Full = true
		a.BodyEnd = int64(i)
	} else {
		a.BodyEnd = a.Size
		doc = append(append([]byte{}, data...), "]}"...)
	}

	var raw struct {
		Events   []Entry `json:"events"`
		Channels []int64 `json:"channels"`
		Next     int64   `json:"next"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	a.Entries = raw.Events
	if a.Full {
		a.Channels = raw.Channels
		if a.Channels == nil {
			a.Channels = []int64{}
		}
		a.NextMessage = raw.Next
	}
	return a, nil
}

// Events returns the archived events in order, without markers.
func (a *Archive) Events() []protocol.Event {
	out := make([]protocol.Event, 0, len(a.Entries))
	for _, e := range a.Entries {
		if !e.Marker {
			out = append(out, e.Event)
		}
	}
	return out
}

// Index answers the replay lookups a resuming session needs.
type Index struct {
	first map[int64]protocol.Event
	open  map[int64]bool
	all   bool
}

// Index builds the lookup structure for a.
func (a *Archive) Index() *Index {
	x := &Index{first: make(map[int64]protocol.Event), all: !a.Full}
	for _, e := range a.Entries {
		if e.Marker {
			continue
		}
		if _, seen := x.first[e.Event.Channel]; !seen {
			x.first[e.Event.Channel] = e.Event
		}
	}
	if a.Full {
		x.open = make(map[int64]bool, len(a.Channels))
		for _, id := range a.Channels {
			x.open[id] = true
		}
	}
	return x
}

// Lookup returns the first archived event on channel (signed wire ID).
func (x *Index) Lookup(channel int64) (protocol.Event, bool) {
	ev, ok := x.first[channel]
	return ev, ok
}

// WasOpen reports whether local channel id was open when the archive was
// sealed. Every channel counts as open in a partial archive.
func (x *Index) WasOpen(id int64) bool {
	return x.all || x.open[id]
}
