package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/protocol"
)

func TestRecorder_RecordsInOrder(t *testing.T) {
	r := NewRecorder()
	r.SendEvent(protocol.Event{Channel: 1, Payload: "a", HasPayload: true})
	r.SendEvent(protocol.Event{Channel: -2})
	r.ScheduleSynchronize()

	assert.Equal(t, []string{`[1,"a"]`, `[-2]`}, r.Wire())
	assert.Equal(t, 1, r.Syncs())
}

func TestRecorder_DestroyedClosesOnce(t *testing.T) {
	r := NewRecorder()
	r.SessionWasDestroyed()
	r.SessionWasDestroyed()

	select {
	case <-r.Destroyed():
	default:
		t.Fatal("Destroyed not closed")
	}
	assert.Equal(t, 2, r.DestroyCount())
}

func TestRecorder_WaitForEvents(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 3; i++ {
			r.SendEvent(protocol.Event{Channel: i})
		}
	}()

	evs, ok := r.WaitForEvents(3, 5*time.Second)
	require.True(t, ok)
	assert.Len(t, evs, 3)
	wg.Wait()

	_, ok = r.WaitForEvents(4, 10*time.Millisecond)
	assert.False(t, ok)
}
