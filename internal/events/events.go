// Package events is the process-wide event bus the scheduling core
// publishes to. Consumers (metrics, audit logging, other subsystems) are
// outside the core; this package only distributes, it never interprets.
//
// Adapted from the broker in the teacher's pkg/events package: Publish fans
// each event out directly to per-subscriber buffered channels, and an event
// is dropped for a subscriber whose buffer is full rather than blocking the
// publisher.
package events

import (
	"sync"
	"time"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	DeploymentStarted     Kind = "deployment.started"
	DeploymentStepInfo    Kind = "deployment.step_info"
	DeploymentStepSuccess Kind = "deployment.step_success"
	DeploymentStepFailure Kind = "deployment.step_failure"
	DeploymentStatus      Kind = "deployment.status"
	DeploymentSuccess     Kind = "deployment.success"
	DeploymentFailed      Kind = "deployment.failed"
	AppTerminated         Kind = "app.terminated"
	UpgradeEvent          Kind = "upgrade"
)

// Event is one occurrence published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	PlanId    string
	RunSpecId orch.RunSpecId
	StepIndex int
	Reason    string
	Message   string
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus distributes events to every current subscriber. Publish never blocks
// on a slow subscriber: if its buffer is full the event is dropped for that
// subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish fans an event out to every current subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// subscriber buffer full; drop rather than block the core
		}
	}
}
