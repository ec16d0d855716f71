// Package events carries job lifecycle notifications from the scheduler to
// observers such as the terminal monitor.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// finalWait bounds how long Publish waits on a full subscriber for the
// event that ends a run. Every other event is dropped immediately.
const finalWait = time.Second

type subscriber struct {
	topic string // empty matches every topic
	ch    chan Event
}

func (s subscriber) wants(e Event) bool {
	return s.topic == "" || s.topic == e.Topic()
}

// EventBus fans events out to buffered subscriber channels. Publishers are
// never stalled by slow observers.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus returns an open bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events whose Topic is topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel receiving every event.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{topic: topic, ch: ch})
	return ch
}

// Publish hands event to every interested subscriber. A subscriber whose
// buffer is full misses the event and the drop is counted; RunFinishedEvent
// alone is waited on for up to a second. Publishing on a nil or closed bus
// does nothing.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	_, final := event.(RunFinishedEvent)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(event) {
			continue
		}
		if !deliver(s.ch, event, final) {
			b.dropped.Add(1)
		}
	}
}

func deliver(ch chan Event, event Event, wait bool) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	if !wait {
		return false
	}
	timer := time.NewTimer(finalWait)
	defer timer.Stop()
	select {
	case ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel. Calling Close again is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
