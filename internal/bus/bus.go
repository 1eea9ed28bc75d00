// Package bus delivers post-commit change events to project subscribers.
//
// Delivery is at-most-once, FIFO per project for a given subscriber, with no
// backlog replay. A slow subscriber never blocks a publisher: each subscriber
// has a bounded buffer and the oldest event is dropped on overflow.
package bus

import (
	"encoding/json"
	"sync"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Entity string

const (
	EntityProject    Entity = "project"
	EntityMembership Entity = "membership"
)

// Event is one committed change to a project or one of its memberships.
// Payload carries the new row image (or the last image, for deletes).
type Event struct {
	ProjectID string          `json:"projectId"`
	Entity    Entity          `json:"entity"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher accepts committed change events.
type Publisher interface {
	Publish(event Event)
}

// Subscriber opens per-project event streams.
type Subscriber interface {
	Subscribe(projectID string) (<-chan Event, func())
}

const subscriberBuffer = 64

type subscription struct {
	ch chan Event
}

// Bus is the in-process fan-out implementation.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscription
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

// Publish fans the event out to every subscriber of its project. Sends never
// block; on a full buffer the oldest buffered event is discarded first.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[event.ProjectID] {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Subscribe opens a stream of events for one project. Events published
// before the call are not replayed. The returned func releases the
// subscription and is safe to call more than once.
func (b *Bus) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[int]*subscription)
	}
	id := b.next
	b.next++
	b.subs[projectID][id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[projectID], id)
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// SubscriberCount reports the number of open subscriptions for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}
