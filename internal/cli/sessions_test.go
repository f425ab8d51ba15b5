package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/store"
)

func indexFixture(t *testing.T, recs ...store.SessionRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, st.PutSession(context.Background(), rec))
	}
	require.NoError(t, st.Close())
	return writeConfig(t, fmt.Sprintf("index: %s\n", path))
}

func TestSessionsList(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cfgPath := indexFixture(t,
		store.SessionRecord{ID: "a", App: "counter", Worker: -1, Status: store.StatusActive, CreatedAt: base},
		store.SessionRecord{ID: "b", App: "chat", Worker: 1, Status: store.StatusSuspended, CreatedAt: base.Add(time.Second)},
	)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "sessions", "list")
	require.NoError(t, err)
	var resp struct {
		Status string        `json:"status"`
		Data   []SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "a", resp.Data[0].ID)
	assert.Equal(t, -1, resp.Data[0].Worker)
	assert.Equal(t, "b", resp.Data[1].ID)
	assert.Equal(t, "suspended", resp.Data[1].Status)

	out, err = execute(t, "--config", cfgPath, "sessions", "list", "--status", "suspended")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "chat")
	assert.NotContains(t, out, "counter")
}

func TestSessionsListText(t *testing.T) {
	cfgPath := indexFixture(t,
		store.SessionRecord{ID: "a", App: "counter", Worker: -1, Status: store.StatusActive},
	)

	out, err := execute(t, "--config", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "local")

	out, err = execute(t, "--config", cfgPath, "sessions", "list", "--status", "destroyed")
	require.NoError(t, err)
	assert.Equal(t, "No sessions found.\n", out)
}

func TestSessionsListErrors(t *testing.T) {
	_, err := execute(t, "sessions", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no session index configured")

	cfgPath := indexFixture(t)
	_, err = execute(t, "--config", cfgPath, "sessions", "list", "--status", "gone")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
