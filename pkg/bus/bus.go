// Package bus broadcasts snapshots to observers with most-recent-wins delivery.
//
// A Topic holds only the latest value. Publish never blocks; a slow
// subscriber misses intermediate values but its next read always returns
// the newest one.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned by Next after Unsubscribe or Close.
var ErrClosed = errors.New("subscription closed")

// Stats are topic counters. Dropped counts values a subscriber never saw
// because a newer one replaced them.
type Stats struct {
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// Topic is a single-writer, multi-reader latest-value broadcaster.
type Topic[T any] struct {
	mu     sync.RWMutex
	latest T
	seq    uint64
	subs   map[uuid.UUID]*Subscription[T]
	closed bool

	dropped atomic.Uint64 // from removed subscriptions
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uuid.UUID]*Subscription[T])}
}

// Publish replaces the latest value and wakes every subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.latest = v
	t.seq++

	for _, s := range t.subs {
		select {
		case s.ready <- struct{}{}:
		default:
			s.dropped.Add(1)
		}
	}
}

// Latest returns the newest value and its sequence number. ok is false before the first Publish.
func (t *Topic[T]) Latest() (v T, seq uint64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.seq, t.seq > 0
}

// Subscribe registers a new observer. A value published before the call is
// delivered by the first Next.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		ID:    uuid.New(),
		topic: t,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(s.done)
		return s
	}
	t.subs[s.ID] = s
	return s
}

// Close ends every subscription. Later publishes are ignored.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, s := range t.subs {
		s.close()
		t.dropped.Add(s.dropped.Load())
		delete(t.subs, id)
	}
}

// Stats returns a snapshot of the counters.
func (t *Topic[T]) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{Published: t.seq, Subscribers: len(t.subs), Dropped: t.dropped.Load()}
	for _, s := range t.subs {
		st.Dropped += s.dropped.Load()
	}
	return st
}

func (t *Topic[T]) remove(s *Subscription[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[s.ID]; !ok {
		return
	}
	delete(t.subs, s.ID)
	t.dropped.Add(s.dropped.Load())
	s.close()
}

func (t *Topic[T]) since(seen uint64) (T, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.seq > seen {
		return t.latest, t.seq, true
	}
	var zero T
	return zero, seen, false
}

// Subscription is one observer of a Topic. Next must not be called concurrently.
type Subscription[T any] struct {
	ID uuid.UUID

	topic   *Topic[T]
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	seen    uint64
	dropped atomic.Uint64
}

// Next blocks until a value newer than the last one returned is available.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-s.done:
			return zero, ErrClosed
		default:
		}

		if v, seq, ok := s.topic.since(s.seen); ok {
			s.seen = seq
			return v, nil
		}

		select {
		case <-s.ready:
		case <-s.done:
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Dropped returns how many values this subscriber missed.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and unblocks Next.
func (s *Subscription[T]) Unsubscribe() {
	s.topic.remove(s)
}

func (s *Subscription[T]) close() {
	s.once.Do(func() { close(s.done) })
}
