// Package notify implements per-key change broadcasting.
//
// Each watched key has a topic; each subscriber on a topic owns a delivery
// channel fed by its own pump goroutine from an unbounded queue, so a slow
// consumer delays only itself and never blocks the publisher or its
// siblings. Events for one subscriber arrive in publish order.
package notify

import (
	"log/slog"
	"sync"
)

// Event is one change notification for a key.
type Event struct {
	// Key is the key that changed.
	Key string

	// Payload is the serialized new value. Nil when Deleted is set.
	Payload []byte

	// Deleted marks removal: explicit delete, expiry eviction, or a clear.
	Deleted bool
}

// Subscription is one watcher's handle on a key's change feed.
type Subscription struct {
	// C delivers events in publish order until Cancel or engine shutdown.
	C <-chan Event

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call repeatedly.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Notifier fans change events out to per-key subscribers.
type Notifier struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	logger *slog.Logger
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	out     chan Event
	done    chan struct{}
	stopped bool
}

// New returns a Notifier with no topics.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		topics: make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a watcher on a key and starts its delivery pump.
func (n *Notifier) Subscribe(key string) *Subscription {
	sub := &subscriber{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		// Post-shutdown subscriptions get an already-closed channel.
		close(sub.out)
		return &Subscription{C: sub.out, cancel: func() {}}
	}
	topic, ok := n.topics[key]
	if !ok {
		topic = make(map[*subscriber]struct{})
		n.topics[key] = topic
	}
	topic[sub] = struct{}{}
	n.mu.Unlock()

	go sub.pump()

	n.logger.Debug("watch registered", "key", key)

	return &Subscription{
		C: sub.out,
		cancel: func() {
			n.detach(key, sub)
			sub.stop()
		},
	}
}

// Publish enqueues an event for every subscriber of the key. It never
// blocks on consumers.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	topic := n.topics[ev.Key]
	subs := make([]*subscriber, 0, len(topic))
	for s := range topic {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// PublishDeleted is shorthand for publishing a deletion event.
func (n *Notifier) PublishDeleted(key string) {
	n.Publish(Event{Key: key, Deleted: true})
}

// Watched returns the keys that currently have at least one subscriber.
func (n *Notifier) Watched() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys := make([]string, 0, len(n.topics))
	for k := range n.topics {
		keys = append(keys, k)
	}
	return keys
}

// Close cancels every subscription and closes all delivery channels.
// Pending queued events are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	topics := n.topics
	n.topics = make(map[string]map[*subscriber]struct{})
	n.mu.Unlock()

	count := 0
	for _, topic := range topics {
		for s := range topic {
			s.stop()
			count++
		}
	}
	if count > 0 {
		n.logger.Debug("all watches cancelled", "count", count)
	}
}

// detach removes a subscriber from its topic, dropping the topic when it
// becomes empty.
func (n *Notifier) detach(key string, sub *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	topic, ok := n.topics[key]
	if !ok {
		return
	}
	delete(topic, sub)
	if len(topic) == 0 {
		delete(n.topics, key)
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	s.cond.Signal()
}

// pump moves events from the queue onto the delivery channel, preserving
// order, until the subscriber is stopped.
func (s *subscriber) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
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
