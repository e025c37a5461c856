// Package eventbus implements the Event Bus & Remap (spec.md §4.8, C8):
// the shared event producer that co-located Agent Pipes subscribe to when
// they share a (source, sender) pair, plus the hot-split semantics that
// move subscribers to a fresh bus. ShouldSplit reports only the
// subscriber-count trigger; position divergence is not measured here, and
// Split runs whenever a caller invokes it. Grounded in shape on the
// teacher's internal/cache ring-buffer/eviction idiom, adapted from a
// byte-buffer cache to a positioned event log fanning out to per-pipe_id
// channels.
package eventbus

import "sync"

// DefaultCapacity is the retained-window size (in event positions) a Bus
// keeps before it must evict its oldest entry.
const DefaultCapacity = 4096

// DefaultSplitThreshold is the subscriber count spec.md §4.8 says "may
// split" past.
const DefaultSplitThreshold = 8

// Row is the minimal payload a Bus fans out: a position (the producer's
// monotonic logical-clock index, spec.md §3 "index") plus an opaque
// payload the caller interprets (typically a wire.Row).
type Row struct {
	Position int64
	Payload  any
}

// Subscriber is one pipe's view onto a Bus: a bounded channel fed by
// Publish, plus the lowest position it still needs (its low-water mark).
// A pipe updates RequiredPosition as it consumes; the Bus reads it only at
// split time to decide whether the pipe loses position.
type Subscriber struct {
	PipeID string
	C      chan Row

	mu               sync.Mutex
	requiredPosition int64
}

// SetRequiredPosition records the lowest position this subscriber still
// needs (not yet durably delivered downstream).
func (s *Subscriber) SetRequiredPosition(pos int64) {
	s.mu.Lock()
	s.requiredPosition = pos
	s.mu.Unlock()
}

// RequiredPosition returns the subscriber's current low-water mark.
func (s *Subscriber) RequiredPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requiredPosition
}

// Bus is one shared event producer: one source iterator's output,
// multiplexed to N subscribers keyed by pipe_id (spec.md §4.8).
type Bus struct {
	mu       sync.Mutex
	id       string
	capacity int

	oldestPosition int64
	nextPosition   int64

	subscribers map[string]*Subscriber
}

// Option configures a new Bus.
type Option func(*Bus)

func WithCapacity(n int) Option { return func(b *Bus) { b.capacity = n } }

// New creates an empty Bus identified by id.
func New(id string, opts ...Option) *Bus {
	b := &Bus{id: id, capacity: DefaultCapacity, subscribers: make(map[string]*Subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the bus's identifier.
func (b *Bus) ID() string { return b.id }

// Subscribe registers pipeID on this bus and returns its Subscriber. A
// pipe already subscribed gets its existing Subscriber back unchanged.
func (b *Bus) Subscribe(pipeID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[pipeID]; ok {
		return sub
	}
	sub := &Subscriber{PipeID: pipeID, C: make(chan Row, b.capacity), requiredPosition: b.nextPosition}
	b.subscribers[pipeID] = sub
	return sub
}

// Unsubscribe removes pipeID from this bus.
func (b *Bus) Unsubscribe(pipeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, pipeID)
}

// SubscriberCount reports the number of pipes currently fed by this bus.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// RetainedRange returns [oldest, next) positions this bus can still serve.
func (b *Bus) RetainedRange() (oldest, next int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldestPosition, b.nextPosition
}

// Publish fans payload out to every current subscriber at the next
// position, evicting the oldest retained position once capacity is
// exceeded. A subscriber whose channel is full is best-effort dropped
// (slow consumer falls behind; it will need a resnapshot if it falls
// outside the retained range at the next Split).
func (b *Bus) Publish(payload any) int64 {
	b.mu.Lock()
	pos := b.nextPosition
	b.nextPosition++
	if b.nextPosition-b.oldestPosition > int64(b.capacity) {
		b.oldestPosition = b.nextPosition - int64(b.capacity)
	}
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	row := Row{Position: pos, Payload: payload}
	for _, s := range subs {
		select {
		case s.C <- row:
		default:
		}
	}
	return pos
}

// ShouldSplit reports whether this bus has crossed the subscriber-count
// threshold spec.md §4.8 names as a split trigger.
func (b *Bus) ShouldSplit(threshold int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers) > threshold
}

// RemapDecision is what a pipe needs from a Split: the new bus to read
// from, and whether its required position fell outside the new bus's
// retained window (spec.md §4.8 "needed_position_lost").
type RemapDecision struct {
	NewBus             *Bus
	NeededPositionLost bool
}

// Split carves a new Bus that starts with this bus's current retained
// range [oldest, next), migrates every subscriber onto it, and reports
// per-pipe whether the migration lost position (required position below
// that range's oldest entry). The original bus keeps its retained range
// and position counters for any caller still holding a direct reference
// to it; its subscriber set is cleared, but later Subscribe calls on it
// are not refused.
func (b *Bus) Split() map[string]RemapDecision {
	b.mu.Lock()
	newBus := New(b.id+"-split", WithCapacity(b.capacity))
	newBus.oldestPosition = b.oldestPosition
	newBus.nextPosition = b.nextPosition

	decisions := make(map[string]RemapDecision, len(b.subscribers))
	for pipeID, sub := range b.subscribers {
		lost := sub.RequiredPosition() < newBus.oldestPosition
		newSub := newBus.Subscribe(pipeID)
		decisions[pipeID] = RemapDecision{NewBus: newBus, NeededPositionLost: lost}
		_ = newSub
	}
	// The original bus no longer fans out to pipes that have migrated;
	// clear its subscriber set so it stops doing wasted fanout work.
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	return decisions
}
