// Package eventbus implements the in-process fanout of detection events
// (C5): bounded per-subscriber queues, coalesce-or-drop on overflow, and
// publish that never blocks the ingest/pattern path.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/Dicklesworthstone/frankenterm/internal/pattern"
)

const defaultQueueDepth = 256

// Event is one fanned-out detection, enriched with the pane it came from and
// the storage-assigned id of the detection_events row it was persisted as
// (populated by the watcher at publish time, since only it knows the id the
// write path returned).
type Event struct {
	PaneID  int64
	EventID int64
	pattern.DetectionEvent
}

// Filter narrows which events a subscription receives. A zero-value Filter
// matches everything.
type Filter struct {
	PaneID *int64
	RuleID *string
}

func (f Filter) match(e Event) bool {
	if f.PaneID != nil && *f.PaneID != e.PaneID {
		return false
	}
	if f.RuleID != nil && *f.RuleID != e.RuleID {
		return false
	}
	return true
}

// OverflowPolicy selects what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropNewest discards the incoming event, keeping everything already
	// queued (default: a slow subscriber misses only the newest events).
	DropNewest OverflowPolicy = iota
	// CoalesceOldest drops the oldest queued event to make room, so the
	// subscriber's queue always holds the most recent events available.
	CoalesceOldest
)

// Subscription is a bounded, filtered event channel. Unsubscribe releases
// it safely even if a publish is in flight: removal takes the bus's write
// lock, which waits for Publish calls holding the read lock, and only then
// closes the channel.
type Subscription struct {
	id       uint64
	filter   Filter
	policy   OverflowPolicy
	ch       chan Event
	dropped  atomic.Int64
	closed   atomic.Bool
	bus      *Bus
}

// Events returns the channel to range over. It is closed when the
// subscription is unsubscribed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the count of events dropped for this subscription due to
// queue overflow, for export as a metric.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription. Safe to call concurrently with
// publish and safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus fans out published events to every matching, still-live subscription.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscription with the given filter and
// overflow policy (chosen at subscribe time, per §4.5).
func (b *Bus) Subscribe(filter Filter, policy OverflowPolicy) *Subscription {
	return b.SubscribeDepth(filter, policy, defaultQueueDepth)
}

func (b *Bus) SubscribeDepth(filter Filter, policy OverflowPolicy, depth int) *Subscription {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		policy: policy,
		ch:     make(chan Event, depth),
		bus:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok && !sub.closed.Swap(true) {
		close(sub.ch)
	}
}

// Publish routes event to every matching subscription without blocking.
// Publish itself never blocks the caller (the ingest/pattern path): full
// queues are resolved per-subscription according to its overflow policy.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed.Load() || !sub.filter.match(e) {
			continue
		}
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}

	switch sub.policy {
	case CoalesceOldest:
		// Drop the oldest queued event to make room for this one.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	default: // DropNewest
		sub.dropped.Add(1)
	}
}

// Len reports the number of live subscriptions, for diagnostics.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
