package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// EventKind names a loop notification
type EventKind string

const (
	// EventSuggestion fires after a new suggestion is persisted
	EventSuggestion EventKind = "suggestion"
	// EventEnacted fires after the suggestion is stamped with a successful enactment
	EventEnacted EventKind = "enacted"
	// EventFailed fires when an attempt ends with an error
	EventFailed EventKind = "failed"
)

// Event is delivered to every observer. Suggestion is a copy and may be nil
// for EventFailed.
type Event struct {
	Kind       EventKind
	Suggestion *models.Suggestion
	Err        error
	At         time.Time
}

// Observer receives loop events on the bus goroutine
type Observer interface {
	OnLoopEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnLoopEvent(e Event) { f(e) }

// Bus delivers events to observers in publish order on a single goroutine
type Bus struct {
	mu        sync.Mutex
	observers []Observer
	queue     []Event
	wake      chan struct{}
	doneCh    chan struct{}
	running   bool
	log       *zap.Logger
}

// NewBus creates an idle bus. Events published before Run are queued.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		wake:   make(chan struct{}, 1),
		doneCh: make(chan struct{}),
		log:    log,
	}
}

// Subscribe registers an observer
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish queues an event without blocking
func (b *Bus) Publish(e Event) {
	if e.Suggestion != nil {
		c := *e.Suggestion
		e.Suggestion = &c
	}
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done, then delivers what is still queued. A
// bus can be run again after Run returns; a call made while another Run is
// active returns nil at once and leaves delivery to the active one.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	select {
	case <-b.doneCh:
		b.doneCh = make(chan struct{})
	default:
	}
	done := b.doneCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		close(done)
		b.mu.Unlock()
	}()

	// events queued while no Run was active
	b.drain()
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case <-b.wake:
			b.drain()
		}
	}
}

// Done is closed when the current or most recent Run returns
func (b *Bus) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doneCh
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		observers := append([]Observer(nil), b.observers...)
		b.mu.Unlock()

		for _, e := range batch {
			for _, o := range observers {
				b.deliver(o, e)
			}
		}
	}
}

func (b *Bus) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("observer panicked", zap.String("event", string(e.Kind)), zap.Any("panic", r))
		}
	}()
	o.OnLoopEvent(e)
}
