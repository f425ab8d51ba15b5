package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/apps"
	"github.com/roach88/lockstep/internal/journal"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/testutil"
)

// suspendCounter runs a counter session that receives the given increments
// and suspends it into backend.
func suspendCounter(t *testing.T, backend journal.Backend, id string, increments ...float64) {
	t.Helper()
	app, err := apps.Registry().Lookup("counter")
	require.NoError(t, err)

	rec := testutil.NewRecorder()
	s := session.New(id, app, rec, session.WithArchive(backend))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.NoError(t, s.Start(ctx))
	for i, n := range increments {
		require.NoError(t, s.Receive(ctx, protocol.Message{
			MessageID: int64(i),
			Events:    []protocol.Event{{Channel: -1, Payload: n, HasPayload: true}},
		}))
	}
	_, ok := rec.WaitForEvents(len(increments), 5*time.Second)
	require.True(t, ok)
	require.NoError(t, s.Suspend(ctx))
	cancel()
	<-errc
}

func archiveFixture(t *testing.T) (cfgPath string, backend *journal.FileBackend) {
	t.Helper()
	dir := t.TempDir()
	backend, err := journal.NewFileBackend(dir)
	require.NoError(t, err)
	cfgPath = writeConfig(t, fmt.Sprintf("archive:\n  backend: file\n  dir: %s\n", dir))
	return cfgPath, backend
}

func TestArchiveList(t *testing.T) {
	cfgPath, backend := archiveFixture(t)

	out, err := execute(t, "--config", cfgPath, "archive", "list")
	require.NoError(t, err)
	assert.Equal(t, "No archives found.\n", out)

	suspendCounter(t, backend, "s-2", 1)
	suspendCounter(t, backend, "s-1", 1)

	out, err = execute(t, "--config", cfgPath, "--format", "json", "archive", "list")
	require.NoError(t, err)
	var resp struct {
		Status string   `json:"status"`
		Data   []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"s-1", "s-2"}, resp.Data)
}

func TestArchiveWithoutBackend(t *testing.T) {
	_, err := execute(t, "archive", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no archive backend configured")
}

func TestArchiveInspect(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	suspendCounter(t, backend, "s-1", 2, 3)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "archive", "inspect", "s-1")
	require.NoError(t, err)
	var resp struct {
		Data ArchiveSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "s-1", resp.Data.Session)
	assert.True(t, resp.Data.Full)
	assert.Equal(t, []string{"[-1,2]", "[1,2]", "[-1,3]", "[1,5]"}, resp.Data.Events)
	assert.Len(t, resp.Data.Fingerprint, 64)

	out, err = execute(t, "--config", cfgPath, "archive", "inspect", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s-1 (sealed")
	assert.Contains(t, out, "  [1,5]\n")
	assert.Contains(t, out, "Fingerprint: "+resp.Data.Fingerprint)
}

func TestArchiveInspectMissing(t *testing.T) {
	cfgPath, _ := archiveFixture(t)

	_, err := execute(t, "--config", cfgPath, "archive", "inspect", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestArchiveVerify(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	suspendCounter(t, backend, "s-1", 2, 3)
	before, err := backend.Load(context.Background(), "s-1")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "archive", "verify", "--app", "counter", "s-1")
	require.NoError(t, err)
	var resp struct {
		Data VerifyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Deterministic)
	assert.Equal(t, resp.Data.ArchivedEvents, resp.Data.ReplayedEvents)
	assert.Empty(t, resp.Data.Diagnostics)

	after, err := backend.Load(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "verify must not touch the stored archive")

	_, err = execute(t, "--config", cfgPath, "archive", "verify", "--app", "counter", "--expect", resp.Data.ArchiveFingerprint, "s-1")
	require.NoError(t, err)
}

func TestArchiveVerifyDetectsDivergence(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	ctx := context.Background()
	suspendCounter(t, backend, "s-1", 2, 3)

	data, err := backend.Load(ctx, "s-1")
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("[1,5]"), []byte("[1,6]"), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, backend.Remove(ctx, "s-1"))
	require.NoError(t, backend.Append(ctx, "s-1", tampered))

	out, err := execute(t, "--config", cfgPath, "archive", "verify", "--app", "counter", "s-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Replay DIVERGED")
}

func TestArchiveVerifyExpectMismatch(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	suspendCounter(t, backend, "s-1", 1)

	out, err := execute(t, "--config", cfgPath, "archive", "verify", "--app", "counter", "--expect", "deadbeef", "s-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "archive fingerprint differs from --expect")
}

func TestArchiveVerifyUnknownApp(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	suspendCounter(t, backend, "s-1", 1)

	_, err := execute(t, "--config", cfgPath, "archive", "verify", "--app", "nope", "s-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestArchivePurge(t *testing.T) {
	cfgPath, backend := archiveFixture(t)
	suspendCounter(t, backend, "s-1", 1)
	suspendCounter(t, backend, "s-2", 2)

	out, err := execute(t, "--config", cfgPath, "archive", "purge", "s-1", "missing")
	require.NoError(t, err)
	assert.Equal(t, "Purged s-1\nPurged missing\n", out)

	_, err = backend.Load(context.Background(), "s-1")
	assert.ErrorIs(t, err, journal.ErrNotFound)
	ids, err := backend.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s-2"}, ids)

	_, err = execute(t, "--config", cfgPath, "archive", "purge")
	require.Error(t, err)
}
