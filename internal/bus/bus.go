// Package bus fans structured events out to independent consumers: the
// operator UI feed, the audio cues, and the audit log. Delivery is
// non-blocking with a drop-oldest policy per subscriber, so a stalled
// consumer costs telemetry, never gate latency.
package bus

import (
	"log"
	"sync"

	"github.com/garasindo/exitgate/internal/exitgate/types"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

type subscriber struct {
	name string
	ch   chan types.Event
}

type Bus struct {
	logger *log.Logger

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

func New(logger *log.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a named consumer. buffer <= 0 uses DefaultBuffer.
// The channel closes when the bus closes.
func (b *Bus) Subscribe(name string, buffer int) <-chan types.Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{name: name, ch: make(chan types.Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers ev to every subscriber. When a subscriber's buffer
// is full, its oldest pending event is dropped to make room. Delivery
// happens under the mutex: every send is non-blocking, and Close closes
// channels under the same lock, so a send can never race a close.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
			b.logger.Printf("bus: subscriber %s lagging, dropped oldest event", sub.name)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close ends delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
