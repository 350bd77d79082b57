// Observation bus.
//
// Subscribers receive the change events of one datastore as an async
// sequence. Events buffer unboundedly per subscriber and are delivered
// strictly after the producing transaction's commit; within one
// transaction events keep transaction order, across transactions they
// keep commit order.
package quire

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind classifies a change event.
type EventKind int

const (
	Created EventKind = iota
	Updated
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "deleted"
	}
}

// Event describes one committed change to a datastore entry.
type Event struct {
	Datastore string
	Kind      EventKind
	ID        Key
	Before    []byte // instance bytes before the change; nil on create
	After     []byte // instance bytes after the change; nil on delete
}

// Subscription is one subscriber's event stream. Events() yields in
// delivery order; Cancel stops delivery and closes the channel.
type Subscription struct {
	id  string
	ds  string
	bus *observerBus

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	out    chan Event
}

// Events returns the delivery channel. It is closed by Cancel or when
// the persistence closes.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Cancel detaches the subscription and closes its channel once the
// buffered backlog drains.
func (s *Subscription) Cancel() {
	s.bus.cancel(s)
}

func (s *Subscription) push(events []Event) {
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the out channel. Runs in its own
// goroutine per subscription; the unbounded queue decouples slow
// consumers from writers.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, e := range batch {
			s.out <- e
		}
		if closed {
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, e := range rest {
				s.out <- e
			}
			close(s.out)
			return
		}
		<-s.wake
	}
}

// observerBus routes committed events to per-datastore subscribers.
type observerBus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	done bool
}

func newObserverBus() *observerBus {
	return &observerBus{subs: make(map[string][]*Subscription)}
}

func (b *observerBus) subscribe(ds string) *Subscription {
	s := &Subscription{
		id:   uuid.NewString(),
		ds:   ds,
		bus:  b,
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[ds] = append(b.subs[ds], s)
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *observerBus) cancel(s *Subscription) {
	b.mu.Lock()
	list := b.subs[s.ds]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.ds] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	s.finish()
}

// publish delivers one transaction's events. Called with the writer
// queue held, so calls arrive in commit order.
func (b *observerBus) publish(events []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	byDS := make(map[string][]Event)
	for _, e := range events {
		byDS[e.Datastore] = append(byDS[e.Datastore], e)
	}
	for ds, batch := range byDS {
		for _, s := range b.subs[ds] {
			s.push(batch)
		}
	}
}

func (b *observerBus) close() {
	b.mu.Lock()
	b.done = true
	all := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	for _, list := range all {
		for _, s := range list {
			s.finish()
		}
	}
}
