package events

import (
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// Level is the severity of an emitted event
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelError    Level = "ERROR"
	LevelWarning  Level = "WARNING"
	LevelInfo     Level = "INFO"
	LevelDebug    Level = "DEBUG"
)

// Phase marks where in an action's execution the event was emitted
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
	PhaseError Phase = "error"
)

// Event records one action transition for out-of-band observers
type Event struct {
	Level     Level
	ActionID  string
	Verb      types.Verb
	Target    string
	Phase     Phase
	Reason    string
	Timestamp time.Time
}

// Sink receives action transition events. Health-manager and notification
// back-ends subscribe through a Broker; they are not part of the core.
type Sink interface {
	Emit(level Level, action *types.Action, phase Phase, reason string)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Publishing never blocks the
// engine: a subscriber with a full buffer misses the event.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Emit implements Sink
func (b *Broker) Emit(level Level, action *types.Action, phase Phase, reason string) {
	e := &Event{
		Level:     level,
		ActionID:  action.ID,
		Verb:      action.Verb,
		Target:    action.Target,
		Phase:     phase,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	default:
		// broker backlogged; events are advisory
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard is a Sink that drops everything; useful in tests
type Discard struct{}

func (Discard) Emit(Level, *types.Action, Phase, string) {}
