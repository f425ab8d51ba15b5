package journal

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Backend stores archive documents as a sequence of appended byte fragments.
type Backend interface {
	// Append adds fragment to the end of the session's document.
	Append(ctx context.Context, sessionID string, fragment []byte) error
	// Load returns the whole document, or ErrNotFound.
	Load(ctx context.Context, sessionID string) ([]byte, error)
	// Truncate cuts the document to size bytes.
	Truncate(ctx context.Context, sessionID string, size int64) error
	// Remove deletes the document. Removing a missing document is not an error.
	Remove(ctx context.Context, sessionID string) error
}

// Lister is implemented by backends that can enumerate stored sessions.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Journal accumulates the entries of one session and writes them to a
// Backend on Flush. Record may be called concurrently with Flush; only one
// Flush runs at a time.
type Journal struct {
	sessionID string
	backend   Backend

	mu      sync.Mutex
	pending []Entry
	next    int64 // next peer messageID, written in the trailer

	flushMu sync.Mutex
	started bool  // header written
	count   int   // entries written
	written int64 // bytes written
	bodyEnd int64 // offset where the trailer starts
	sealed  bool  // trailer written
}

// New creates a journal for sessionID writing to backend.
func New(sessionID string, backend Backend) *Journal {
	return &Journal{sessionID: sessionID, backend: backend}
}

// SessionID returns the session this journal belongs to.
func (j *Journal) SessionID() string { return j.sessionID }

// Record queues entries for the next Flush.
func (j *Journal) Record(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = append(j.pending, entries...)
}

// SetNextMessage records the messageID the session expects next from its
// peer. The value is written with the next trailer.
func (j *Journal) SetNextMessage(id int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next = id
}

// Pending returns the number of entries not yet written.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Load reads and parses this session's archive.
func (j *Journal) Load(ctx context.Context) (*Archive, error) {
	data, err := j.backend.Load(ctx, j.sessionID)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Resume continues writing after the content of a. A sealed archive has its
// trailer removed by the next Flush.
func (j *Journal) Resume(a *Archive) {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()
	j.started = true
	j.count = len(a.Entries)
	j.written = a.Size
	j.bodyEnd = a.BodyEnd
	j.sealed = a.Full

	j.mu.Lock()
	j.next = a.NextMessage
	j.mu.Unlock()
}

// Flush writes the entries recorded since the last successful Flush. When
// seal is set the trailer listing channels is written as well. On failure
// the unwritten entries are kept for the next attempt.
func (j *Journal) Flush(ctx context.Context, seal bool, channels []int64) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	delta := j.pending
	j.pending = nil
	next := j.next
	j.mu.Unlock()

	if len(delta) == 0 && !seal {
		return nil
	}

	restore := func() {
		j.mu.Lock()
		j.pending = append(delta, j.pending...)
		j.mu.Unlock()
	}

	if j.sealed {
		if err := j.backend.Truncate(ctx, j.sessionID, j.bodyEnd); err != nil {
			restore()
			return fmt.Errorf("reopen archive %s: %w", j.sessionID, err)
		}
		j.sealed = false
		j.written = j.bodyEnd
	}

	var buf bytes.Buffer
	if !j.started {
		buf.WriteString(header)
	}
	for i, e := range delta {
		if j.count+i > 0 {
			buf.WriteByte(',')
		}
		data, err := e.MarshalJSON()
		if err != nil {
			restore()
			return fmt.Errorf("archive %s: %w", j.sessionID, err)
		}
		buf.Write(data)
	}
	body := int64(buf.Len())
	if seal {
		buf.WriteString(trailerMark)
		buf.WriteByte('[')
		for i, id := range channels {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.FormatInt(id, 10))
		}
		buf.WriteByte(']')
		if next > 0 {
			buf.WriteString(`,"next":`)
			buf.WriteString(strconv.FormatInt(next, 10))
		}
		buf.WriteByte('}')
	}

	if err := j.backend.Append(ctx, j.sessionID, buf.Bytes()); err != nil {
		restore()
		return fmt.Errorf("archive %s: %w", j.sessionID, err)
	}

	j.started = true
	j.count += len(delta)
	j.bodyEnd = j.written + body
	j.written += int64(buf.Len())
	j.sealed = seal
	return nil
}
