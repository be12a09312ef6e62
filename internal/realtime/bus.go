package realtime

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// Subscriber is the subscribe half of the Manager.
type Subscriber interface {
	Subscribe(event string, h Handler) *Subscription
}

// Bus is a topic-keyed publish/subscribe registry. Handlers run
// synchronously on the publishing goroutine in subscription order.
type Bus struct {
	mu    sync.RWMutex
	next  uint64
	subs  map[string]map[uint64]func(any)
	order map[string][]uint64
}

func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string]map[uint64]func(any)),
		order: make(map[string][]uint64),
	}
}

// Subscription is the handle returned by every subscribe call.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes this subscriber only. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.topic, s.id) })
}

func (b *Bus) subscribe(topic string, fn func(any)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(any))
	}
	b.subs[topic][id] = fn
	b.order[topic] = append(b.order[topic], id)
	return &Subscription{bus: b, topic: topic, id: id}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	ids := b.order[topic]
	for i, v := range ids {
		if v == id {
			b.order[topic] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
		delete(b.order, topic)
	}
}

func (b *Bus) Publish(topic string, v any) {
	b.mu.RLock()
	ids := b.order[topic]
	fns := make([]func(any), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[topic][id])
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Subscribe registers h for an inbound event name.
func (b *Bus) Subscribe(event string, h Handler) *Subscription {
	return b.subscribe(event, func(v any) {
		raw, _ := v.(json.RawMessage)
		h(raw)
	})
}

// Count returns the number of live subscribers for topic.
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// On subscribes fn to event, decoding each payload into T. Payloads that do
// not decode are dropped.
func On[T any](s Subscriber, event string, fn func(T)) *Subscription {
	return s.Subscribe(event, func(raw json.RawMessage) {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return
			}
		}
		fn(v)
	})
}
