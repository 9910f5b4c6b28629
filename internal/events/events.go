// Package events provides the typed broadcast channels the source's
// event-emitter fan-out maps onto: change, step-completed, step-error,
// apply-target-state-end and shutdown (spec §9).
package events

import (
	"sync"
	"time"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Kind names one of the five event channels.
type Kind string

const (
	KindChange              Kind = "change"
	KindStepCompleted       Kind = "step-completed"
	KindStepError           Kind = "step-error"
	KindApplyTargetStateEnd Kind = "apply-target-state-end"
	KindShutdown            Kind = "shutdown"
)

// Event is the payload broadcast on a subscriber channel.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Populated depending on Kind.
	StepResult *types.StepResult // step-completed, step-error
	ApplyErr   error             // apply-target-state-end
	Fields     map[string]any    // change (report fields), shutdown (reason)
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans a single publish out to every active subscriber without
// blocking the publisher on a slow reader.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker creates an empty event broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[Subscriber]bool)}
}

// Subscribe creates a new subscription and returns its channel. The
// channel is buffered so a burst of step events does not stall
// Publish; while a caller's buffer is full, newly published events are
// dropped for that caller rather than blocking the reconciliation path.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans the event out to every current subscriber. A subscriber
// whose buffer is full drops the event rather than stalling the
// publisher.
func (b *Broker) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// PublishStepCompleted is a convenience wrapper for the executor's
// per-step success notifications.
func (b *Broker) PublishStepCompleted(res types.StepResult) {
	b.Publish(&Event{Kind: KindStepCompleted, Timestamp: time.Now(), StepResult: &res})
}

// PublishStepError is a convenience wrapper for the executor's
// per-step failure notifications.
func (b *Broker) PublishStepError(res types.StepResult) {
	b.Publish(&Event{Kind: KindStepError, Timestamp: time.Now(), StepResult: &res})
}

// PublishApplyEnd is emitted once per apply cycle by the Apply Loop.
func (b *Broker) PublishApplyEnd(err error) {
	b.Publish(&Event{Kind: KindApplyTargetStateEnd, Timestamp: time.Now(), ApplyErr: err})
}

// PublishChange notifies readers that the device's reported current
// state changed.
func (b *Broker) PublishChange(fields map[string]any) {
	b.Publish(&Event{Kind: KindChange, Timestamp: time.Now(), Fields: fields})
}

// PublishShutdown notifies readers the process is shutting down.
func (b *Broker) PublishShutdown(reason string) {
	b.Publish(&Event{Kind: KindShutdown, Timestamp: time.Now(), Fields: map[string]any{"reason": reason}})
}
