// Package journal records the event history of a session so that it can be
// suspended and later resumed by replay.
//
// An archive is a JSON document built by appending fragments:
//
//	{"events":[ entry, entry, ... ],"channels":[ id, ... ]}
//
// Each entry is either an event tuple or a bare boolean marking whether a
// server-originated channel was open when the following batch of peer events
// was processed. The trailing "channels" member lists the local channels
// open at the time the archive was sealed. A document without the trailer is
// a partial archive; it is completed by appending "]}" before parsing.
package journal

import (
	"bytes"
	"fmt"

	"github.com/roach88/lockstep/internal/protocol"
)

// Entry is one element of the archived "events" array.
type Entry struct {
	Marker bool
	Open   bool
	Event  protocol.Event
}

// MarkerEntry builds an openness marker.
func MarkerEntry(open bool) Entry {
	return Entry{Marker: true, Open: open}
}

// EventEntry wraps an event.
func EventEntry(ev protocol.Event) Entry {
	return Entry{Event: ev}
}

// EventEntries wraps each event in evs.
func EventEntries(evs []protocol.Event) []Entry {
	out := make([]Entry, len(evs))
	for i, ev := range evs {
		out[i] = EventEntry(ev)
	}
	return out
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Marker {
		if e.Open {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	}
	return e.Event.MarshalJSON()
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true":
		*e = MarkerEntry(true)
		return nil
	case "false":
		*e = MarkerEntry(false)
		return nil
	}
	if len(data) == 0 || data[0] != '[' {
		return fmt.Errorf("journal entry must be a boolean or an event, got %.20s", data)
	}
	var ev protocol.Event
	if err := ev.UnmarshalJSON(data); err != nil {
		return err
	}
	*e = EventEntry(ev)
	return nil
}
