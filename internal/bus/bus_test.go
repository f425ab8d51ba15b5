package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	var got []string
	unsub := m.Subscribe("room", func(p []byte) { got = append(got, string(p)) })

	require.NoError(t, m.Publish(context.Background(), "room", []byte("a")))
	require.NoError(t, m.Publish(context.Background(), "other", []byte("b")))
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, m.Subscribers("room"))

	unsub()
	unsub()
	require.NoError(t, m.Publish(context.Background(), "room", []byte("c")))
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, m.Subscribers("room"))
}

func TestMemoryForwardOnlyOnPublish(t *testing.T) {
	m := NewMemory()
	var forwarded []string
	m.SetForward(func(topic string, p []byte) { forwarded = append(forwarded, topic+":"+string(p)) })

	var delivered int
	m.Subscribe("t", func([]byte) { delivered++ })

	require.NoError(t, m.Publish(context.Background(), "t", []byte("x")))
	m.Deliver("t", []byte("y"))

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"t:x"}, forwarded)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory()
	m.Subscribe("t", func([]byte) { t.Fatal("delivered after close") })
	require.NoError(t, m.Close())
	m.Deliver("t", []byte("x"))
}

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("LOCKSTEP_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOCKSTEP_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := NewRedis(ctx, addr, "lockstep-test:")
	require.NoError(t, err)
	defer r.Close()

	var mu sync.Mutex
	got := make(chan string, 1)
	unsub := r.Subscribe("room", func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		got <- string(p)
	})
	defer unsub()

	require.NoError(t, r.Publish(ctx, "room", []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis message")
	}
}
