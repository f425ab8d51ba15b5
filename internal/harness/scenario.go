package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/protocol"
)

// DefaultTimeout bounds how long a step waits for its expected events.
const DefaultTimeout = 5 * time.Second

// Scenario is a scripted peer conversation with one session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// App is the registered app the session runs.
	App string `yaml:"app"`

	// Archive gives the session an in-memory archive. Required for
	// suspend and resume steps and for archive_state assertions.
	Archive bool `yaml:"archive,omitempty"`

	// NoScript marks every peer message as coming from a peer that cannot
	// run session code.
	NoScript bool `yaml:"noscript,omitempty"`

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one peer action.
type Step struct {
	// Send lists events, in wire form, delivered as one message.
	Send []string `yaml:"send,omitempty"`

	// Close sends a message telling the session the peer went away.
	Close bool `yaml:"close,omitempty"`

	// Destroy sends a message asking the session to end.
	Destroy bool `yaml:"destroy,omitempty"`

	// Suspend seals the archive and ends the session.
	Suspend bool `yaml:"suspend,omitempty"`

	// Resume starts a new session from the archive.
	Resume bool `yaml:"resume,omitempty"`

	// Checkpoint writes the journal to the archive without sealing it.
	Checkpoint bool `yaml:"checkpoint,omitempty"`

	// Expect lists, in wire form, the events this step must produce.
	Expect []string `yaml:"expect,omitempty"`
}

// Assertion validates the trace or the final session state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the wire form matched by event_contains and event_count.
	Event string `yaml:"event,omitempty"`

	// Events is the expected order for event_order.
	Events []string `yaml:"events,omitempty"`

	// Channel selects events for event_count when Event is empty.
	Channel int64 `yaml:"channel,omitempty"`

	// Count is the expected number of occurrences for event_count.
	Count int `yaml:"count"`

	// State is the expected state for session_state and archive_state.
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertEventContains = "event_contains"
	AssertEventOrder    = "event_order"
	AssertEventCount    = "event_count"
	AssertSessionState  = "session_state"
	AssertArchiveState  = "archive_state"
)

// Session and archive states.
const (
	StateAlive     = "alive"
	StateDestroyed = "destroyed"

	ArchiveNone    = "none"
	ArchivePartial = "partial"
	ArchiveFull    = "full"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func (s *Scenario) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.App == "" {
		return fmt.Errorf("app is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, s.Archive); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s.Archive); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, archive bool) error {
	actions := 0
	for _, set := range []bool{len(step.Send) > 0, step.Close, step.Destroy, step.Suspend, step.Resume, step.Checkpoint} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one of send, close, destroy, suspend, resume or checkpoint is required", index)
	}
	if (step.Suspend || step.Resume || step.Checkpoint) && !archive {
		return fmt.Errorf("steps[%d]: suspend, resume and checkpoint need archive: true", index)
	}
	for j, raw := range step.Send {
		if _, err := parseEvent(raw); err != nil {
			return fmt.Errorf("steps[%d].send[%d]: %w", index, j, err)
		}
	}
	for j, raw := range step.Expect {
		if _, err := parseEvent(raw); err != nil {
			return fmt.Errorf("steps[%d].expect[%d]: %w", index, j, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, archive bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_contains", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" && a.Channel == 0 {
			return fmt.Errorf("assertions[%d]: event or channel is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertSessionState:
		if a.State != StateAlive && a.State != StateDestroyed {
			return fmt.Errorf("assertions[%d]: state must be %q or %q", index, StateAlive, StateDestroyed)
		}
	case AssertArchiveState:
		if !archive {
			return fmt.Errorf("assertions[%d]: archive_state needs archive: true", index)
		}
		switch a.State {
		case ArchiveNone, ArchivePartial, ArchiveFull:
		default:
			return fmt.Errorf("assertions[%d]: state must be %q, %q or %q", index, ArchiveNone, ArchivePartial, ArchiveFull)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseEvent reads an event in wire form.
func parseEvent(raw string) (protocol.Event, error) {
	var ev protocol.Event
	if err := ev.UnmarshalJSON([]byte(raw)); err != nil {
		return protocol.Event{}, err
	}
	return ev, nil
}
