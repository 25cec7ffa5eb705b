package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
)

const defaultSubscriberBuffer = 256

// Broadcaster is the completion stream the API layer subscribes to. Slow
// subscribers lose events rather than stalling the hub.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]chan notify.Event
	next    uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewBroadcaster builds a Broadcaster whose subscriptions buffer up to
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[uint64]chan notify.Event), buffer: buffer}
}

// Subscribe returns a channel of future events and a cancel func. The channel
// is closed by cancel or when the broadcaster closes.
func (b *Broadcaster) Subscribe() (<-chan notify.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan notify.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Dropped reports events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Consume delivers the batch to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, ch := range b.subs {
			select {
			case ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
