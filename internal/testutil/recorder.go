// Package testutil provides helpers shared by session tests.
package testutil

import (
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/protocol"
)

// Recorder is a session collaborator that records everything the session
// hands it.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu        sync.Mutex
	events    []protocol.Event
	syncs     int
	reloads   []int64
	destroyed int
	changed   chan struct{}
	done      chan struct{}

	URL     string
	Cookies string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (r *Recorder) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// SendEvent records ev.
func (r *Recorder) SendEvent(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify()
}

// ScheduleSynchronize counts the request.
func (r *Recorder) ScheduleSynchronize() {
	r.mu.Lock()
	r.syncs++
	r.mu.Unlock()
	r.notify()
}

// SessionWasDestroyed counts the call and closes Destroyed on the first.
func (r *Recorder) SessionWasDestroyed() {
	r.mu.Lock()
	r.destroyed++
	first := r.destroyed == 1
	r.mu.Unlock()
	if first {
		close(r.done)
	}
	r.notify()
}

// Reload records a resend request.
func (r *Recorder) Reload(from int64) {
	r.mu.Lock()
	r.reloads = append(r.reloads, from)
	r.mu.Unlock()
}

func (r *Recorder) BaseURL() string      { return r.URL }
func (r *Recorder) CookieHeader() string { return r.Cookies }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// Wire returns the recorded events in wire form.
func (r *Recorder) Wire() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.String()
	}
	return out
}

// Syncs returns how many times ScheduleSynchronize was called.
func (r *Recorder) Syncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncs
}

// Reloads returns the recorded Reload arguments.
func (r *Recorder) Reloads() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.reloads...)
}

// DestroyCount returns how many times SessionWasDestroyed was called.
func (r *Recorder) DestroyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Destroyed is closed on the first SessionWasDestroyed.
func (r *Recorder) Destroyed() <-chan struct{} { return r.done }

// WaitForEvents waits until at least n events are recorded and returns
// them. It reports false on timeout.
func (r *Recorder) WaitForEvents(n int, timeout time.Duration) ([]protocol.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if evs := r.Events(); len(evs) >= n {
			return evs, true
		}
		select {
		case <-r.changed:
		case <-deadline.C:
			return r.Events(), false
		}
	}
}
