package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lockstep/internal/session"
)

// Snapshot renders the trace of a run for golden comparison: a header line
// naming the scenario, one line per event, then the final states.
func Snapshot(name string, result *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "# %s\n", name)
	for _, te := range result.Trace {
		fmt.Fprintf(&buf, "%d %s\n", te.Step, te.Event)
	}
	fmt.Fprintf(&buf, "state: %s\n", result.State)
	if result.Archive != "" {
		fmt.Fprintf(&buf, "archive: %s\n", result.Archive)
	}
	return []byte(buf.String())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, registry *session.Registry, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), registry, scenario)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Snapshot(scenario.Name, result))
	return result, nil
}
