package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanoutAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeJobStatus, Data: JobStatusChanged{JobID: 1, To: "running"}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeJobStatus, e.Type)
			assert.False(t, e.Time.IsZero())
			d, ok := e.Data.(JobStatusChanged)
			require.True(t, ok)
			assert.Equal(t, int64(1), d.JobID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeMessageSent})
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	e := <-ch
	assert.Equal(t, "a", e.Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_TypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	sessions, unsub := b.Subscribe(4, TypeSessionLost, TypeSessionRestored)
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeMessageSent})
	b.Publish(Event{Type: TypeSessionLost, Data: SessionChange{Jobs: []int64{3}}})

	e := <-sessions
	assert.Equal(t, TypeSessionLost, e.Type)
	assert.Len(t, sessions, 0)
	assert.Len(t, all, 2)
	assert.Zero(t, b.Dropped())
}

func TestBus_ConcurrentUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, unsub := b.Subscribe(1)
				b.Publish(Event{Type: TypeMessageSent})
				unsub()
			}
		}()
	}
	for j := 0; j < 500; j++ {
		b.Publish(Event{Type: TypeJobStatus})
	}
	wg.Wait()
}

func TestNop(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: "x"})
	assert.Zero(t, b.Dropped())
	ch, unsub := b.Subscribe(1)
	defer unsub()
	_, open := <-ch
	assert.False(t, open)
}
