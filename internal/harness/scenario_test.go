package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_resume.yaml")
	require.NoError(t, err)

	assert.Equal(t, "counter_resume", s.Name)
	assert.Equal(t, "counter", s.App)
	assert.True(t, s.Archive)
	require.Len(t, s.Steps, 5)
	assert.Equal(t, []string{"[-1,2]"}, s.Steps[0].Send)
	assert.True(t, s.Steps[1].Suspend)
	assert.True(t, s.Steps[2].Resume)
	require.Len(t, s.Assertions, 4)
	assert.Equal(t, AssertArchiveState, s.Assertions[3].Type)
	assert.Equal(t, DefaultTimeout, s.timeout())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: quick
description: "d"
app: counter
timeout: 250ms
steps:
  - close: true
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.timeout())
	assert.Empty(t, s.Assertions)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true}]\nassertion: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			yaml:    "description: d\napp: counter\nsteps: [{close: true}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: a\napp: counter\nsteps: [{close: true}]\n",
			wantErr: "description is required",
		},
		{
			name:    "missing app",
			yaml:    "name: a\ndescription: d\nsteps: [{close: true}]\n",
			wantErr: "app is required",
		},
		{
			name:    "no steps",
			yaml:    "name: a\ndescription: d\napp: counter\n",
			wantErr: "steps list is required",
		},
		{
			name:    "empty step",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{expect: ['[1]']}]\n",
			wantErr: "steps[0]: exactly one of",
		},
		{
			name:    "two actions",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true, destroy: true}]\n",
			wantErr: "steps[0]: exactly one of",
		},
		{
			name:    "suspend without archive",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{suspend: true}]\n",
			wantErr: "need archive: true",
		},
		{
			name:    "malformed event",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{send: ['[1,2,3,4]']}]\n",
			wantErr: "steps[0].send[0]",
		},
		{
			name:    "malformed expect",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true, expect: ['nope']}]\n",
			wantErr: "steps[0].expect[0]",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true}]\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "event_count without target",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true}]\nassertions: [{type: event_count, count: 1}]\n",
			wantErr: "event or channel is required",
		},
		{
			name:    "bad session state",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true}]\nassertions: [{type: session_state, state: gone}]\n",
			wantErr: "assertions[0]: state must be",
		},
		{
			name:    "archive_state without archive",
			yaml:    "name: a\ndescription: d\napp: counter\nsteps: [{close: true}]\nassertions: [{type: archive_state, state: full}]\n",
			wantErr: "archive_state needs archive: true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
