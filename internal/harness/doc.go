// Package harness runs scripted peer conversations against session apps.
//
// A scenario plays the peer's side of a session: it sends events, suspends
// and resumes the session, and checks what the app sent back. Each run
// produces a trace of every server event, which can be compared against a
// golden file.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: counter_total
//	description: "Increments accumulate into a running total"
//	app: counter
//	archive: true
//	steps:
//	  - send: ["[-1,2]"]
//	    expect: ["[1,2]"]
//	  - suspend: true
//	  - resume: true
//	  - send: ["[-1,3]"]
//	    expect: ["[1,5]"]
//	assertions:
//	  - type: event_order
//	    events: ["[1,2]", "[1,5]"]
//	  - type: session_state
//	    state: alive
//
// Events are written in their wire form. Each send step becomes one peer
// message; message IDs are assigned in order, continuing across a resume.
//
// # Steps
//
// A step does exactly one of send, close, destroy, suspend, resume or
// checkpoint. Expect lists the events the step must produce, in order, and
// waits for them up to the scenario timeout.
//
// # Assertion Types
//
//   - event_contains: the trace contains the event
//   - event_order: the events appear in the trace in this order
//   - event_count: the event, or every event on channel, appears count times
//   - session_state: the session ended "alive" or "destroyed"
//   - archive_state: the archive is "none", "partial" or "full"
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/counter.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, apps.Registry(), scenario)
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
