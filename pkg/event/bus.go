package event

import (
	"context"
	"io"
	"sync"

	"github.com/armon/circbuf"
)

// subscriberChanCapacity bounds how far a slow subscriber can lag before
// its own channel starts dropping, mirroring the fixed channel capacity
// direktiv-vorteil/pkg/virtualizers/logging.Logger gives each
// Subscription.
const subscriberChanCapacity = 64

// Bus is the event stream's single in-process hub: a bounded ring of the
// most recent events (open/read/close subscriber API per spec.md §6.4),
// plus a textual trail mirror for operators tailing logs directly,
// grounded the same way direktiv-vorteil's Logger mirrors writes into a
// circbuf.Buffer for late subscribers to see recent history immediately.
type Bus struct {
	mu      sync.Mutex
	closed  bool
	cap     int
	ring    []Event
	head    int
	count   int
	dropped uint64

	subs map[*Subscription]bool
	log  *circbuf.Buffer
}

// NewBus creates a bus holding up to capacity events in its ring and
// logByteCapacity bytes of rendered history in its text trail.
func NewBus(capacity int, logByteCapacity int64) *Bus {
	b := &Bus{
		cap:  capacity,
		ring: make([]Event, capacity),
		subs: make(map[*Subscription]bool),
	}
	b.log, _ = circbuf.NewBuffer(logByteCapacity)
	return b
}

// Emit records ev in the ring (evicting the oldest entry and bumping the
// drop counter if the bus is full) and fans it out to every open
// subscriber; a subscriber whose own channel is full drops the event
// rather than blocking the emitter, the same non-blocking send
// direktiv-vorteil's Logger.Write uses.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.count == b.cap {
		b.head = (b.head + 1) % b.cap
		b.dropped++
	} else {
		b.count++
	}
	idx := (b.head + b.count - 1) % b.cap
	b.ring[idx] = ev

	b.log.Write([]byte(ev.String() + "\n"))

	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// Dropped returns how many ring entries have been evicted by overflow
// since the bus was created.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Recent returns up to n of the most recently emitted events, oldest
// first, without consuming them — what a freshly-opened Subscription's
// Inbox is seeded with below.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.count {
		n = b.count
	}
	out := make([]Event, n)
	start := b.head + b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(start+i)%b.cap]
	}
	return out
}

// LogTrail returns the rendered text history currently held in the
// circbuf mirror.
func (b *Bus) LogTrail() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.log.Bytes()...)
}

// Close shuts down the bus and every open subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for len(b.subs) > 0 {
		var s *Subscription
		for k := range b.subs {
			s = k
			break
		}
		b.closeLocked(s)
	}
	b.closed = true
	return nil
}

// Subscription is one subscriber's live handle on the bus: open, read
// (blocking), close (spec.md §6.4).
type Subscription struct {
	bus     *Bus
	ch      chan Event
	mu      sync.Mutex
	dropped uint64
}

// Open registers a new subscriber, seeded with the ring's current
// contents so a late subscriber sees recent history immediately.
func (b *Bus) Open() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{bus: b, ch: make(chan Event, subscriberChanCapacity)}
	b.subs[s] = true

	start := b.head
	for i := 0; i < b.count; i++ {
		select {
		case s.ch <- b.ring[(start+i)%b.cap]:
		default:
			s.dropped++
		}
	}

	if b.closed {
		close(s.ch)
	}
	return s
}

func (b *Bus) closeLocked(s *Subscription) {
	delete(b.subs, s)
	close(s.ch)
}

// Read blocks until an event arrives, the subscription is closed, or ctx
// is cancelled.
func (s *Subscription) Read(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Dropped returns how many events this subscriber's own channel has
// discarded because it fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes, draining and closing the channel so a concurrent
// Read returns io.EOF instead of blocking forever.
func (s *Subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return nil
	}
	if _, ok := s.bus.subs[s]; !ok {
		return nil
	}
	s.bus.closeLocked(s)
	return nil
}
