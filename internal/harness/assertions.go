package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, te := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d: %s\n", i+1, te.Step, te.Event)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertEventContains:
		return assertEventContains(result.Trace, a)
	case AssertEventOrder:
		return assertEventOrder(result.Trace, a)
	case AssertEventCount:
		return assertEventCount(result.Trace, a)
	case AssertSessionState:
		if result.State != a.State {
			return &AssertionError{Type: a.Type, Expected: "session " + a.State, Actual: "session " + result.State}
		}
	case AssertArchiveState:
		if result.Archive != a.State {
			return &AssertionError{Type: a.Type, Expected: "archive " + a.State, Actual: "archive " + result.Archive}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// assertEventContains checks the trace holds the event.
func assertEventContains(trace []TraceEvent, a Assertion) error {
	want := canonical([]string{a.Event})[0]
	for _, te := range trace {
		if te.Event == want {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEventContains,
		Expected: fmt.Sprintf("event %s", want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertEventOrder checks the events occur in the given order. Other events
// may come between them, and each expected event matches a later trace
// entry than the one before it.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	want := canonical(a.Events)
	pos := 0
	for i, ev := range want {
		found := false
		for ; pos < len(trace); pos++ {
			if trace[pos].Event == ev {
				found = true
				pos++
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("events in order: %v", want),
				Actual:   fmt.Sprintf("%s (position %d) not found after %v", ev, i+1, want[:i]),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertEventCount checks how often an event, or any event on a channel,
// occurs.
func assertEventCount(trace []TraceEvent, a Assertion) error {
	var (
		count int
		what  string
	)
	if a.Event != "" {
		want := canonical([]string{a.Event})[0]
		what = want
		for _, te := range trace {
			if te.Event == want {
				count++
			}
		}
	} else {
		what = fmt.Sprintf("events on channel %d", a.Channel)
		for _, te := range trace {
			ev, err := parseEvent(te.Event)
			if err == nil && ev.Channel == a.Channel {
				count++
			}
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}
