package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/journal"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv("LOCKSTEP_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOCKSTEP_POSTGRES_DSN not set")
	}
	b, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBackend_AppendTruncateLoad(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = b.Remove(context.Background(), id) })

	_, err := b.Load(ctx, id)
	assert.ErrorIs(t, err, journal.ErrNotFound)

	require.NoError(t, b.Append(ctx, id, []byte("0123")))
	require.NoError(t, b.Append(ctx, id, []byte("4567")))
	require.NoError(t, b.Truncate(ctx, id, 6))
	require.NoError(t, b.Append(ctx, id, []byte("xy")))

	data, err := b.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "012345xy", string(data))

	ids, err := b.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	require.NoError(t, b.Remove(ctx, id))
	_, err = b.Load(ctx, id)
	assert.ErrorIs(t, err, journal.ErrNotFound)
}
