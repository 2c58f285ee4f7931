package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans payloads out to per-event subscriber channels. Delivery is best
// effort: a subscriber that cannot drain its buffer loses the payload
// instead of stalling the publisher, and every loss is counted so the
// health surface can report backpressure.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a buffered listener for one event. The returned
// function removes the subscription and closes the channel; it is safe to
// call once only.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish delivers to every subscriber whose buffer has room. Publishers
// sit on the order-event hot path and must never block on a slow reader.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total payloads discarded because a subscriber buffer
// was full. A growing value means some consumer needs a bigger buffer or a
// faster drain.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
