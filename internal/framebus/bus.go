// Package framebus provides non-blocking frame distribution to multiple
// consumers.
//
// Core philosophy: "Drop frames, never queue. Latency > Completeness."
// A consumer that cannot keep up loses frames; it never slows the others.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gary-y/safestream/internal/types"
)

var (
	// ErrBusClosed is returned when operating on a closed bus
	ErrBusClosed = errors.New("framebus: bus closed")
	// ErrSubscriberExists is returned on duplicate subscriber IDs
	ErrSubscriberExists = errors.New("framebus: subscriber already exists")
)

// SubscriberStats tracks per-consumer distribution metrics
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64
}

type subscriber struct {
	id        string
	ch        chan types.Frame
	delivered uint64
	dropped   uint64
}

// Bus distributes frames to subscribers with a drop-new policy: a full
// subscriber buffer drops the incoming frame for that subscriber only.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a consumer and returns its frame channel. The
// channel is closed when the bus closes or the consumer unsubscribes.
func (b *Bus) Subscribe(id string, buffer int) (<-chan types.Frame, error) {
	if buffer <= 0 {
		buffer = 4
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{id: id, ch: make(chan types.Frame, buffer)}
	b.subscribers[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a consumer and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish distributes one frame to every subscriber, non-blocking
func (b *Bus) Publish(frame types.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- frame:
			atomic.AddUint64(&sub.delivered, 1)
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// Stats returns a snapshot of per-subscriber metrics
func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]SubscriberStats, len(b.subscribers))
	for id, sub := range b.subscribers {
		out[id] = SubscriberStats{
			Delivered: atomic.LoadUint64(&sub.delivered),
			Dropped:   atomic.LoadUint64(&sub.dropped),
		}
	}
	return out
}

// Published returns the total number of frames published
func (b *Bus) Published() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts the bus and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
