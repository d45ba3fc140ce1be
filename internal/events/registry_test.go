package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pull(t *testing.T, q *Queue) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.Pull(ctx)
	require.NoError(t, err)
	return e
}

func TestNilRegistryPublish(t *testing.T) {
	var r *Registry
	assert.False(t, r.Publish("c1", Message(TypeSystem, "hi")))
	assert.Zero(t, r.Count())
}

func TestOpen_Idempotent(t *testing.T) {
	r := quietRegistry()
	q1 := r.Open("c1")
	q2 := r.Open("c1")
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, r.Count())
}

func TestPublish_FIFO(t *testing.T) {
	r := quietRegistry()
	q := r.Open("c1")

	for i := 0; i < 100; i++ {
		require.True(t, r.Publish("c1", Message(TypeSystem, fmt.Sprint(i))))
	}
	assert.Equal(t, 100, r.Len("c1"))

	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprint(i), pull(t, q).Payload["message"])
	}
	assert.Zero(t, q.Len())
}

func TestPublish_NoQueueDroppedAndLogged(t *testing.T) {
	var logs bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&logs, nil)))

	var gotQueued *bool
	r.OnPublish = func(_ Event, queued bool) { gotQueued = &queued }

	assert.NotPanics(t, func() {
		assert.False(t, r.Publish("ghost", Message(TypeResponse, "late")))
	})
	assert.Contains(t, logs.String(), "event dropped")
	assert.Contains(t, logs.String(), "client_id=ghost")
	require.NotNil(t, gotQueued)
	assert.False(t, *gotQueued)
	assert.Zero(t, r.Count(), "publish never creates a queue")
}

func TestClose_DiscardsAndWakesConsumer(t *testing.T) {
	r := quietRegistry()
	q := r.Open("c1")
	r.Publish("c1", Message(TypeSystem, "pending"))

	errc := make(chan error, 1)
	go func() {
		// Drain the one queued event, then block.
		if _, err := q.Pull(context.Background()); err != nil {
			errc <- err
			return
		}
		_, err := q.Pull(context.Background())
		errc <- err
	}()

	// Give the consumer time to block on the empty queue.
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	r.Close("c1")

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
	assert.False(t, r.Publish("c1", Message(TypeSystem, "after close")))
	assert.Zero(t, r.Count())
}

func TestClose_UndeliveredNotReplayed(t *testing.T) {
	r := quietRegistry()
	r.Open("c1")
	r.Publish("c1", Message(TypeSystem, "lost"))
	r.Close("c1")

	q := r.Open("c1")
	assert.Zero(t, q.Len())
}

func TestCloseQueue_KeepsNewerQueue(t *testing.T) {
	r := quietRegistry()
	old := r.Open("c1")
	r.Close("c1")
	newer := r.Open("c1")

	assert.False(t, r.CloseQueue("c1", old))
	got, ok := r.Queue("c1")
	require.True(t, ok)
	assert.Same(t, newer, got)

	assert.True(t, r.CloseQueue("c1", newer))
	_, ok = r.Queue("c1")
	assert.False(t, ok)
}

func TestPull_ContextCancel(t *testing.T) {
	q := quietRegistry().Open("c1")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := q.Pull(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQueueDone(t *testing.T) {
	r := quietRegistry()
	q := r.Open("c1")
	select {
	case <-q.Done():
		t.Fatal("done before close")
	default:
	}
	r.Close("c1")
	<-q.Done()
}

func TestConcurrentPublishers(t *testing.T) {
	r := quietRegistry()
	q := r.Open("c1")
	const publishers, per = 8, 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				r.Publish("c1", Event{Type: TypeSystem, Payload: map[string]any{"p": p, "i": i}})
			}
		}(p)
	}

	last := make(map[int]int)
	for n := 0; n < publishers*per; n++ {
		e := pull(t, q)
		p, i := e.Payload["p"].(int), e.Payload["i"].(int)
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev, "per-publisher order preserved")
		}
		last[p] = i
	}
	wg.Wait()
	assert.Zero(t, q.Len())
}

func TestMessage(t *testing.T) {
	e := Message(TypeError, "Processing error: internal")
	assert.Equal(t, TypeError, e.Type)
	assert.Equal(t, map[string]any{"message": "Processing error: internal"}, e.Payload)
}
