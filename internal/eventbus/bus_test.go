package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToEverySubscriberExactlyOnce(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(ImageApproved, func(ctx context.Context, p Payload) error {
			defer wg.Done()
			mu.Lock()
			seen[i]++
			mu.Unlock()
			return nil
		})
	}

	bus.Emit(ImageApproved, Payload{"generation_id": "g1"})

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	for i, count := range seen {
		assert.Equalf(t, 1, count, "subscriber %d delivered %d times, want exactly 1", i, count)
	}
}

func TestEmitHandlerErrorIsCountedNotPropagated(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	bus.Subscribe(ImageRejected, func(ctx context.Context, p Payload) error {
		defer close(done)
		return errors.New("boom")
	})

	bus.Emit(ImageRejected, Payload{})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	// errorsTotal is incremented asynchronously by invoke after the handler
	// returns; poll briefly rather than racing on the exact moment.
	require.Eventually(t, func() bool {
		return bus.Stats().ErrorsTotal == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEmitHandlerPanicIsRecovered(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	bus.Subscribe(TrainingComplete, func(ctx context.Context, p Payload) error {
		defer close(done)
		panic("unexpected")
	})

	assert.NotPanics(t, func() {
		bus.Emit(TrainingComplete, Payload{})
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	require.Eventually(t, func() bool {
		return bus.Stats().ErrorsTotal == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStatsReportsHandlerCountsPerEvent(t *testing.T) {
	bus := New()
	bus.Subscribe(ImageApproved, func(ctx context.Context, p Payload) error { return nil })
	bus.Subscribe(ImageApproved, func(ctx context.Context, p Payload) error { return nil })
	bus.Subscribe(SceneReady, func(ctx context.Context, p Payload) error { return nil })

	stats := bus.Stats()
	assert.Equal(t, 2, stats.HandlersPerEvent[ImageApproved])
	assert.Equal(t, 1, stats.HandlersPerEvent[SceneReady])
	assert.Equal(t, 0, stats.HandlersPerEvent[EpisodePublished])
}

func TestSubscribersRegisteredAfterEmitDoNotSeeThatEmit(t *testing.T) {
	bus := New()
	var calls int
	var mu sync.Mutex

	bus.Emit(ImageApproved, Payload{"x": 1})
	time.Sleep(20 * time.Millisecond) // let the (handler-less) emit settle

	bus.Subscribe(ImageApproved, func(ctx context.Context, p Payload) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}
