// Package events implements the bounded multi-subscriber fan-out
// named in spec 4.7. It generalizes the channel-of-events shape the
// teacher used for its etcd Watch (pkg/store.JobEvent / WatchJobs)
// into a general-purpose publish/subscribe bus so the core never
// blocks on a slow subscriber.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"nimbus/pkg/model"
)

type Type string

const (
	NodeRegistered    Type = "node_registered"
	NodeUnregistered  Type = "node_unregistered"
	NodeStatusChanged Type = "node_status_changed"
	NodeOffline       Type = "node_offline"
	TaskSubmitted     Type = "task_submitted"
	TaskScheduled     Type = "task_scheduled"
	TaskCompleted     Type = "task_completed"
	TaskFailed        Type = "task_failed"
	TaskCancelled     Type = "task_cancelled"
)

// Event is one lifecycle or topology record flowing through the bus.
type Event struct {
	Type   Type
	At     time.Time
	NodeID string
	Node   *model.Node
	Task   *model.Task
	Detail string
}

// DropPolicy decides what happens when a subscriber's channel is full.
type DropPolicy int

const (
	// DropOldest discards the subscriber's oldest buffered event to
	// make room for the new one.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming event, leaving the backlog
	// untouched.
	DropNewest
	// Coalesce discards the whole buffered backlog and keeps only the
	// incoming event, collapsing bursts into "at least one more event
	// happened".
	Coalesce
)

const defaultBuffer = 64

// Bus is a bounded fan-out publisher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *zap.Logger
}

type subscription struct {
	ch     chan Event
	policy DropPolicy
}

func New(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[int]*subscription), logger: logger}
}

// Subscribe registers a new receiver with the given drop policy and
// buffer depth (defaultBuffer if buffer <= 0). Call the returned
// cancel func to unsubscribe.
func (b *Bus) Subscribe(policy DropPolicy, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscription{ch: make(chan Event, buffer), policy: policy}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish fans an event out to every subscriber without blocking the
// caller. Per-publisher order is preserved because Publish holds a
// read lock and iterates subscribers serially; across different
// goroutines calling Publish concurrently, events may interleave, as
// spec 5 allows.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}

	switch sub.policy {
	case DropNewest:
		if b.logger != nil {
			b.logger.Warn("event bus subscriber full, dropping new event", zap.String("type", string(evt.Type)))
		}
	case Coalesce:
		// Drain the entire backlog, not just the oldest slot, so a
		// slow subscriber wakes up to exactly the latest event rather
		// than a stale queue with one old entry rotated out.
		for {
			select {
			case <-sub.ch:
				continue
			default:
			}
			break
		}
		select {
		case sub.ch <- evt:
		default:
		}
	default: // DropOldest
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}
