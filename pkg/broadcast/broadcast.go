// Package broadcast fans state-change events out to independent
// subscribers over per-subscriber bounded queues. The producer never
// blocks: lossy subscribers drop their oldest event on overflow, strict
// subscribers are disconnected instead.
package broadcast

import (
	"sync"

	"overseer/pkg/logx"
	"overseer/pkg/proto"
)

// Policy selects the overflow behavior of one subscription.
type Policy int

const (
	// DropOldest discards the oldest queued event to admit the new one.
	// Visualization subscribers use this: they only need a recent view.
	DropOldest Policy = iota
	// Disconnect closes the subscription on overflow. Subscribers that
	// must not miss events use this and resubscribe after a stall.
	Disconnect
)

// DefaultQueueSize bounds each subscriber queue.
const DefaultQueueSize = 256

// Subscription is one subscriber's receive side.
type Subscription struct {
	name   string
	ch     chan proto.Event
	policy Policy

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Events returns the receive channel. It closes when the subscription is
// cancelled or disconnected for falling behind.
func (s *Subscription) Events() <-chan proto.Event {
	return s.ch
}

// Name returns the subscriber label.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster is the fan-out hub. Publish delivers to every live
// subscription at least once from its subscription point onward.
type Broadcaster struct {
	logger *logx.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New builds an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		logger: logx.NewLogger("broadcast"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a named subscriber with the given queue bound and
// overflow policy. A second subscription under the same name replaces the
// first, closing it.
func (b *Broadcaster) Subscribe(name string, queueSize int, policy Policy) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscription{
		name:   name,
		ch:     make(chan proto.Event, queueSize),
		policy: policy,
	}

	b.mu.Lock()
	if prev, ok := b.subs[name]; ok {
		prev.mu.Lock()
		prev.closeLocked()
		prev.mu.Unlock()
	}
	b.subs[name] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broadcaster) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if ok {
		sub.mu.Lock()
		sub.closeLocked()
		sub.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber without blocking the
// caller. Overflow handling follows each subscription's policy.
func (b *Broadcaster) Publish(ev proto.Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Broadcaster) deliver(sub *Subscription, ev proto.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}

	select {
	case sub.ch <- ev:
		sub.mu.Unlock()
		return
	default:
	}

	disconnected := false
	switch sub.policy {
	case DropOldest:
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	case Disconnect:
		b.logger.Warn("subscriber %s fell behind, disconnecting", sub.name)
		sub.closeLocked()
		disconnected = true
	}
	sub.mu.Unlock()

	if disconnected {
		b.mu.Lock()
		if b.subs[sub.name] == sub {
			delete(b.subs, sub.name)
		}
		b.mu.Unlock()
	}
}

// SubscriberCount reports how many subscriptions are live.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.closeLocked()
		sub.mu.Unlock()
	}
}
