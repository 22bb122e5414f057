package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestScheduler_TriggersImmediately(t *testing.T) {
	h := newHarness(t, 120, false, nil)

	s, err := NewScheduler(h.controller, time.Hour, nil)
	require.NoError(t, err)
	assert.True(t, s.NextRun().IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.suggestions.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SetInterval(2*time.Hour))

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, h.suggestions.count())
}

func TestBus_DeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	var mu sync.Mutex
	var kinds []EventKind
	bus.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	}))
	bus.Subscribe(ObserverFunc(func(Event) { panic("observer bug") }))

	// queued before the dispatcher starts
	bus.Publish(Event{Kind: EventSuggestion})
	bus.Publish(Event{Kind: EventEnacted})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bus.Run(ctx) }()

	bus.Publish(Event{Kind: EventFailed})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	<-bus.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventSuggestion, EventEnacted, EventFailed}, kinds)
}

func TestBus_RunAgainAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	got := make(chan EventKind, 4)
	bus.Subscribe(ObserverFunc(func(e Event) { got <- e.Kind }))

	for _, kind := range []EventKind{EventSuggestion, EventFailed} {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- bus.Run(ctx) }()

		bus.Publish(Event{Kind: kind})
		select {
		case k := <-got:
			assert.Equal(t, kind, k)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s not delivered", kind)
		}

		done := bus.Done()
		cancel()
		require.NoError(t, <-errCh)
		<-done
	}

	// published between runs, delivered by the next one
	bus.Publish(Event{Kind: EventEnacted})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bus.Run(ctx) }()
	select {
	case k := <-got:
		assert.Equal(t, EventEnacted, k)
	case <-time.After(5 * time.Second):
		t.Fatal("queued event not delivered")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestFault_Error(t *testing.T) {
	f := dataFault("latest reading is 15m0s old", ErrStaleGlucose)
	assert.Equal(t, "data fault: latest reading is 15m0s old: glucose data is stale", f.Error())
	assert.ErrorIs(t, f, ErrStaleGlucose)
	assert.Equal(t, "data", outcomeLabel(f))
	assert.Equal(t, "success", outcomeLabel(nil))
}
