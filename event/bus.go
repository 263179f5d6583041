// Package event fans the session's ordered event feed out to subscribers.
// Publishing never blocks: each subscriber owns a bounded queue, and when a
// slow consumer overflows it the oldest events are dropped and accounted for
// in a Dropped signal delivered before the next event.
package event

import (
	"sync"

	"mcudbg/api"
)

const DefaultQueue = 256

type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

func (b *Bus) Subscribe(queue int) *Subscriber {
	if queue <= 0 {
		queue = DefaultQueue
	}
	s := &Subscriber{
		bus:    b,
		limit:  queue,
		notify: make(chan struct{}, 1),
		out:    make(chan api.Event),
		done:   make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish enqueues ev for every subscriber and returns immediately.
func (b *Bus) Publish(ev api.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.enqueue(ev)
	}
}

func (b *Bus) remove(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type Subscriber struct {
	bus   *Bus
	limit int

	mu      sync.Mutex
	queue   []api.Event
	dropped uint64
	closed  bool

	notify chan struct{}
	out    chan api.Event
	done   chan struct{}
}

// Events yields the subscriber's feed in publish order. The channel closes
// after Close.
func (s *Subscriber) Events() <-chan api.Event { return s.out }

func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.remove(s)
	close(s.done)
}

func (s *Subscriber) enqueue(ev api.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) next() (api.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		return api.Event{Name: api.EventDropped, Dropped: &api.DroppedEvent{Count: n}}, true
	}
	if len(s.queue) == 0 {
		return api.Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
