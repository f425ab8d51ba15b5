package harness

// TraceEvent is one server event observed during a scenario.
type TraceEvent struct {
	Step  int    `json:"step"`  // index of the step that produced it
	Event string `json:"event"` // wire form
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the server events in the order the peer saw them.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is StateAlive or StateDestroyed.
	State string `json:"state"`

	// Archive is one of the Archive* states, empty without an archive.
	Archive string `json:"archive,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event produced by step.
func (r *Result) AddTrace(step int, event string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Event: event})
}

// Events returns the wire form of every traced event.
func (r *Result) Events() []string {
	out := make([]string, len(r.Trace))
	for i, te := range r.Trace {
		out[i] = te.Event
	}
	return out
}
