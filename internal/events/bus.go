package events

import (
	"sync"
)

// Bus fans events out to every live subscription. Each subscription buffers
// independently and without bound, so one stalled listener never blocks the
// publisher or its peers; the tradeoff is that a listener that never drains
// grows its queue until it unsubscribes. Publish order is preserved per
// subscription.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers the event to every current subscription. Listeners that
// subscribe after Publish returns do not see the event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.enqueue(ev)
	}
}

// Subscribe registers a new listener that sees every event published from
// this point on. The caller must eventually call Unsubscribe to release it.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe stops delivery to sub and releases its queue. Events already
// queued but not yet received are dropped. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Subscription is one listener's ordered view of the event stream.
type Subscription struct {
	mu    sync.Mutex
	queue []Event

	wake chan struct{}
	out  chan Event
	done chan struct{}
}

// Events returns the channel events are received on. The channel is closed
// after Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the unbounded queue to the receive channel. Only
// pump sends on out, so it alone may close it.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
