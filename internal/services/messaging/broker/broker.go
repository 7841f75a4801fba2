// Package broker fans live messages out to in-process subscribers.
//
// Delivery is best effort: each subscription owns a small buffered channel
// and a slow consumer loses its oldest buffered messages instead of stalling
// the publisher. Subscribers that need a complete record read it back from
// storage.
package broker

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
)

// DefaultBufferSize is the per-subscription channel capacity used when the
// subscriber does not ask for another one.
const DefaultBufferSize = 16

// Broker routes published messages to every live subscription of the same
// scope. The broker mutex only guards the scope lookup table; each scope
// owns its own registry and mutex so publish, subscribe, and unsubscribe on
// unrelated scopes never contend. The zero value is not usable; call New.
type Broker struct {
	mu     sync.Mutex
	closed bool
	scopes map[string]*scopeRegistry

	publishedTotal prometheus.Counter
	deliveredTotal prometheus.Counter
	droppedTotal   prometheus.Counter
}

// scopeRegistry holds one scope's live subscriptions. Sends and channel
// closes both run under its mutex, so a publish can never race a close.
type scopeRegistry struct {
	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// New returns a Broker with its counters registered on reg. A nil reg skips
// metric registration.
func New(reg prometheus.Registerer) *Broker {
	b := &Broker{
		scopes: make(map[string]*scopeRegistry),
		publishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_broker_published_total",
			Help: "Messages published to the broker.",
		}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_broker_delivered_total",
			Help: "Messages delivered into subscription buffers.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_broker_dropped_total",
			Help: "Messages dropped from full subscription buffers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.publishedTotal, b.deliveredTotal, b.droppedTotal)
	}
	return b
}

// Subscription is one subscriber's handle on a scope's live feed.
type Subscription struct {
	registry     *scopeRegistry
	scopeKey     string
	subscriberID string
	ch           chan domain.Message
	dropped      atomic.Uint64
	closeOnce    sync.Once
}

// registry returns the scope's registry, creating it on first use.
// Registries live for the broker's lifetime, like the rooms of a chat hub.
func (b *Broker) registry(scopeKey string) (*scopeRegistry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	reg, ok := b.scopes[scopeKey]
	if !ok {
		reg = &scopeRegistry{subs: make(map[*Subscription]struct{})}
		b.scopes[scopeKey] = reg
	}
	return reg, true
}

// Subscribe registers a new subscription for scope. bufferSize values below
// one fall back to DefaultBufferSize.
func (b *Broker) Subscribe(scope domain.ScopeKey, subscriberID string, bufferSize int) *Subscription {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	sub := &Subscription{
		scopeKey:     scope.String(),
		subscriberID: strings.TrimSpace(subscriberID),
		ch:           make(chan domain.Message, bufferSize),
	}

	reg, ok := b.registry(sub.scopeKey)
	if !ok {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	sub.registry = reg
	reg.subs[sub] = struct{}{}
	return sub
}

// Publish delivers msg to every subscription of its scope without blocking.
// When a subscription's buffer is full the oldest buffered message makes way
// for the new one and the drop is counted.
func (b *Broker) Publish(msg domain.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.publishedTotal.Inc()
	reg := b.scopes[msg.Scope.String()]
	b.mu.Unlock()
	if reg == nil {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return
	}
	for sub := range reg.subs {
		select {
		case sub.ch <- msg:
			b.deliveredTotal.Inc()
			continue
		default:
		}
		// Buffer full. The subscriber may drain concurrently, so both the
		// eviction and the retry stay non-blocking.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.droppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- msg:
			b.deliveredTotal.Inc()
		default:
			sub.dropped.Add(1)
			b.droppedTotal.Inc()
		}
	}
}

// SubscriberCount reports the live subscriptions for scope.
func (b *Broker) SubscriberCount(scope domain.ScopeKey) int {
	b.mu.Lock()
	reg := b.scopes[scope.String()]
	b.mu.Unlock()
	if reg == nil {
		return 0
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.subs)
}

// Close shuts the broker down and closes every live subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	registries := make([]*scopeRegistry, 0, len(b.scopes))
	for scopeKey, reg := range b.scopes {
		registries = append(registries, reg)
		delete(b.scopes, scopeKey)
	}
	b.mu.Unlock()

	for _, reg := range registries {
		reg.mu.Lock()
		reg.closed = true
		for sub := range reg.subs {
			sub.closeOnce.Do(func() { close(sub.ch) })
			delete(reg.subs, sub)
		}
		reg.mu.Unlock()
	}
}

// Messages is the subscription's receive channel. It closes when the
// subscription or the broker closes.
func (s *Subscription) Messages() <-chan domain.Message {
	return s.ch
}

// SubscriberID returns the identifier the subscription was registered with.
func (s *Subscription) SubscriberID() string {
	return s.subscriberID
}

// Dropped reports how many messages this subscription lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel. Calling it more
// than once is safe.
func (s *Subscription) Close() {
	if s.registry == nil {
		s.closeOnce.Do(func() { close(s.ch) })
		return
	}
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	delete(s.registry.subs, s)
	s.closeOnce.Do(func() { close(s.ch) })
}
