package dist

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
)

// pipeWorkers runs in-process Workers behind net.Pipe connections.
type pipeWorkers struct {
	apps *session.Registry

	mu       sync.Mutex
	children map[int]net.Conn
	dials    map[int]int
	fail     error
}

func newPipeWorkers() *pipeWorkers {
	return &pipeWorkers{
		apps:     testApps(),
		children: make(map[int]net.Conn),
		dials:    make(map[int]int),
	}
}

func (d *pipeWorkers) dial(_ context.Context, index int) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	parent, child := net.Pipe()
	d.children[index] = child
	d.dials[index]++
	go NewWorker(d.apps, child).Serve(context.Background())
	return parent, nil
}

// kill drops the worker's end of the stream, as if the process died.
func (d *pipeWorkers) kill(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[index].Close()
}

func (d *pipeWorkers) dialCount(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[index]
}

func fastRespawn() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func newTestPool(t *testing.T, size int, opts ...Option) (*Pool, *pipeWorkers) {
	t.Helper()
	workers := newPipeWorkers()
	opts = append(opts, WithRespawnBackoff(fastRespawn))
	p, err := NewPool(context.Background(), size, workers.dial, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		p.Close(ctx)
	})
	return p, workers
}

func TestPool_PlacesSessionsRoundRobin(t *testing.T) {
	idx := openIndex(t)
	p, _ := newTestPool(t, 2, WithIndex(idx))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Open(ctx, Spec{ID: id, App: "ping"}, testutil.NewRecorder())
		require.NoError(t, err)
	}
	for id, want := range map[string]int{"a": 0, "b": 1, "c": 0} {
		got, ok := p.WorkerOf(id)
		require.True(t, ok)
		assert.Equal(t, want, got, id)

		rec, err := idx.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Worker, id)
	}
}

func TestPool_RelaysCollaboratorCalls(t *testing.T) {
	idx := openIndex(t)
	p, _ := newTestPool(t, 2, WithIndex(idx))
	ctx := context.Background()

	rec := testutil.NewRecorder()
	h, err := p.Open(ctx, Spec{ID: "s1", App: "ping"}, rec)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))

	_, ok := rec.WaitForEvents(1, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, []string{`[1,"pong"]`}, rec.Wire())

	require.NoError(t, h.Receive(ctx, peer(0, value(-1, "hi"))))
	waitDone(t, h)
	assert.Equal(t, 1, rec.DestroyCount())
	assert.GreaterOrEqual(t, rec.Syncs(), 1)
	waitStatus(t, idx, "s1", store.StatusDestroyed)

	_, ok = p.Lookup("s1")
	assert.False(t, ok)
	assert.True(t, session.IsDisconnected(h.Start(ctx)))
	assert.NoError(t, h.Destroy(ctx))
}

func TestPool_CollaboratorQueriesReachParent(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	rec := testutil.NewRecorder()
	rec.URL = "https://example.test/app"
	h, err := p.Open(ctx, Spec{ID: "s1", App: "url"}, rec)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))

	waitDone(t, h)
	assert.Equal(t, []string{`[1,"https://example.test/app"]`}, rec.Wire())
}

func TestPool_ErrorsCrossTheStream(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	_, err := p.Open(ctx, Spec{ID: "s1", App: "nope"}, testutil.NewRecorder())
	assert.True(t, session.IsUnknownApp(err))
	_, ok := p.Lookup("s1")
	assert.False(t, ok)

	h, err := p.Open(ctx, Spec{ID: "s1", App: "ping"}, testutil.NewRecorder())
	require.NoError(t, err)
	_, err = p.Open(ctx, Spec{ID: "s1", App: "ping"}, testutil.NewRecorder())
	assert.ErrorIs(t, err, ErrSessionExists)

	require.NoError(t, h.Start(ctx))
	var ce *session.CoordinationError
	require.ErrorAs(t, h.Start(ctx), &ce)
	assert.Equal(t, session.CodeAlreadyStarted, ce.Code)

	require.ErrorAs(t, h.ArchiveEvents(ctx, true), &ce)
	assert.Equal(t, session.CodeNoArchive, ce.Code)
}

func TestPool_ForwardsBroadcastsBetweenWorkers(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	subRec := testutil.NewRecorder()
	sub, err := p.Open(ctx, Spec{ID: "sub", App: "sub"}, subRec)
	require.NoError(t, err)
	require.NoError(t, sub.Start(ctx))

	pub, err := p.Open(ctx, Spec{ID: "pub", App: "pub"}, testutil.NewRecorder())
	require.NoError(t, err)
	w1, _ := p.WorkerOf("sub")
	w2, _ := p.WorkerOf("pub")
	require.NotEqual(t, w1, w2)
	require.NoError(t, pub.Start(ctx))

	_, ok := subRec.WaitForEvents(1, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, []string{`[1,"hello"]`}, subRec.Wire())
}

func TestPool_LostWorkerEndsItsSessionsAndIsRespawned(t *testing.T) {
	idx := openIndex(t)
	p, workers := newTestPool(t, 2, WithIndex(idx))
	ctx := context.Background()

	lostRec := testutil.NewRecorder()
	lost, err := p.Open(ctx, Spec{ID: "lost", App: "ping"}, lostRec)
	require.NoError(t, err)
	require.NoError(t, lost.Start(ctx))
	keptRec := testutil.NewRecorder()
	kept, err := p.Open(ctx, Spec{ID: "kept", App: "ping"}, keptRec)
	require.NoError(t, err)
	require.NoError(t, kept.Start(ctx))

	workers.kill(0)
	waitDone(t, lost)
	assert.Equal(t, 1, lostRec.DestroyCount())
	waitStatus(t, idx, "lost", store.StatusDestroyed)
	assert.True(t, session.IsDisconnected(lost.Receive(ctx, peer(0, value(-1, "late")))))

	require.Eventually(t, func() bool { return workers.dialCount(0) == 2 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.workers[0] != nil
	}, waitTimeout, 5*time.Millisecond)

	select {
	case <-kept.Done():
		t.Fatal("session on the surviving worker was destroyed")
	default:
	}

	again, err := p.Open(ctx, Spec{ID: "again", App: "ping"}, testutil.NewRecorder())
	require.NoError(t, err)
	require.NoError(t, again.Start(ctx))
}

func TestPool_CloseEndsSessions(t *testing.T) {
	workers := newPipeWorkers()
	p, err := NewPool(context.Background(), 2, workers.dial, WithRespawnBackoff(fastRespawn))
	require.NoError(t, err)
	ctx := context.Background()

	recs := make([]*testutil.Recorder, 3)
	for i := range recs {
		recs[i] = testutil.NewRecorder()
		h, err := p.Open(ctx, Spec{ID: string(rune('a' + i)), App: "ping"}, recs[i])
		require.NoError(t, err)
		require.NoError(t, h.Start(ctx))
	}

	require.NoError(t, p.Close(ctx))
	for _, rec := range recs {
		assert.Equal(t, 1, rec.DestroyCount())
	}
	assert.Equal(t, 1, workers.dialCount(0))
	assert.Equal(t, 1, workers.dialCount(1))

	_, err = p.Open(ctx, Spec{ID: "late", App: "ping"}, testutil.NewRecorder())
	assert.ErrorIs(t, err, ErrHostClosed)
}

func TestNewPool_DialFailure(t *testing.T) {
	workers := newPipeWorkers()
	workers.fail = errors.New("no such program")

	_, err := NewPool(context.Background(), 2, workers.dial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial worker 0")

	_, err = NewPool(context.Background(), 0, workers.dial)
	assert.Error(t, err)
}
