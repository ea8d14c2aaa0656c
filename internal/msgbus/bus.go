// Package msgbus provides the process-wide broadcast channel the ceremony
// protocol runs over. The surrounding platform offers a single message bus
// shared by every context; this models it as one publisher fan-out with a
// per-subscriber predicate, so each session sees only its own traffic.
package msgbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. One
// conversation is in flight per session at a time, so a small buffer is
// enough to absorb announcement bursts.
const subscriberBufferSize = 16

type subscriber[T any] struct {
	ch     chan T
	filter func(T) bool
}

// Bus is an in-memory broadcast channel with filtered subscriptions.
// Publish delivers to every subscriber whose predicate accepts the message;
// everything else is silently skipped, which is how per-session isolation
// is enforced.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber[T]
	closed bool
	log    *slog.Logger
}

// New creates a bus. Pass nil for a default logger.
func New[T any](log *slog.Logger) *Bus[T] {
	if log == nil {
		log = slog.Default()
	}

	return &Bus[T]{
		subs: make(map[string]*subscriber[T]),
		log:  log.With("component", "msgbus"),
	}
}

// Subscribe registers a filtered subscription. Messages failing the
// predicate are never queued for this subscriber. The returned cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
//
// A nil filter receives everything.
func (b *Bus[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	subID := uuid.NewString()
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		close(ch)

		return ch, func() {}
	}

	b.subs[subID] = &subscriber[T]{ch: ch, filter: filter}
	b.mu.Unlock()

	b.log.Debug("subscriber added", "sub_id", subID)

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			b.unsubscribe(subID)
		})
	}

	return ch, cancel
}

// Publish delivers msg to every subscriber whose filter accepts it.
// Non-blocking: the message is dropped for a subscriber whose channel is
// full.
//
// The read lock is held across the sends. They never block, and a channel
// is only ever closed under the write lock, so a concurrent unsubscribe can
// never close a channel mid-send.
func (b *Bus[T]) Publish(msg T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}

		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("dropped message for slow subscriber")
		}
	}
}

// unsubscribe removes a subscription and closes its channel.
func (b *Bus[T]) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}

	delete(b.subs, subID)
	close(sub.ch)

	b.log.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes every subscriber channel. Subsequent
// Subscribe calls return an already-closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for subID, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, subID)
	}

	b.log.Debug("bus closed")
}
