package apps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/bus"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/session"
	"github.com/roach88/lockstep/internal/testutil"
)

const waitTimeout = 5 * time.Second

func run(t *testing.T, id, name string, opts ...session.Option) (*session.Session, *testutil.Recorder) {
	t.Helper()
	app, err := Registry().Lookup(name)
	require.NoError(t, err)

	rec := testutil.NewRecorder()
	s := session.New(id, app, rec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	require.NoError(t, s.Start(ctx))
	return s, rec
}

func post(id int64, channel int64, v any) protocol.Message {
	return protocol.Message{
		MessageID: id,
		Events:    []protocol.Event{{Channel: channel, Payload: v, HasPayload: true}},
	}
}

func TestRegistry(t *testing.T) {
	assert.ElementsMatch(t, []string{"counter", "chat"}, Registry().Names())
}

func TestCounter_PushesRunningTotal(t *testing.T) {
	s, rec := run(t, "c1", "counter")
	ctx := context.Background()

	require.NoError(t, s.Receive(ctx, post(0, -1, 2.0)))
	require.NoError(t, s.Receive(ctx, post(1, -1, 3.0)))

	evs, ok := rec.WaitForEvents(2, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "[1,2]", evs[0].String())
	assert.Equal(t, "[1,5]", evs[1].String())
}

func TestCounter_RejectsFractions(t *testing.T) {
	s, rec := run(t, "c1", "counter")
	ctx := context.Background()

	require.NoError(t, s.Receive(ctx, post(0, -1, 1.5)))
	evs, ok := rec.WaitForEvents(1, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "[-1]", evs[0].String(), "an invalid increment closes the client channel")

	select {
	case <-s.Done():
		t.Fatal("the total channel keeps the session alive")
	default:
	}
}

func TestChat_RelaysPostsBetweenSessions(t *testing.T) {
	broker := bus.NewMemory()
	ann, annRec := run(t, "ann", "chat", session.WithBroker(broker))
	_, bobRec := run(t, "bob", "chat", session.WithBroker(broker))
	require.Eventually(t, func() bool { return broker.Subscribers(ChatTopic) == 2 }, waitTimeout, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ann.Receive(ctx, post(0, -1, map[string]any{"author": "ann", "text": "hi"})))

	want := `[1,{"author":"ann","text":"hi"}]`
	for _, rec := range []*testutil.Recorder{annRec, bobRec} {
		evs, ok := rec.WaitForEvents(1, waitTimeout)
		require.True(t, ok)
		assert.Equal(t, want, evs[0].String())
	}
}

func TestChat_RejectsInvalidPosts(t *testing.T) {
	broker := bus.NewMemory()
	ann, annRec := run(t, "ann", "chat", session.WithBroker(broker))
	_, bobRec := run(t, "bob", "chat", session.WithBroker(broker))
	require.Eventually(t, func() bool { return broker.Subscribers(ChatTopic) == 2 }, waitTimeout, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ann.Receive(ctx, post(0, -1, map[string]any{"author": "", "text": "hi"})))

	evs, ok := annRec.WaitForEvents(1, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "[-1]", evs[0].String())
	assert.Empty(t, bobRec.Events())
}

func TestChat_UnsubscribesOnDestroy(t *testing.T) {
	broker := bus.NewMemory()
	s, _ := run(t, "ann", "chat", session.WithBroker(broker))
	require.Eventually(t, func() bool { return broker.Subscribers(ChatTopic) == 1 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, s.Destroy(context.Background()))
	require.Eventually(t, func() bool { return broker.Subscribers(ChatTopic) == 0 }, waitTimeout, 5*time.Millisecond)
}
