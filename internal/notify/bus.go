// Package notify publishes record changes to in-process subscribers.
package notify

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// RecordType names the kind of persisted record a change refers to.
type RecordType string

const (
	RecordPresence  RecordType = "presence"
	RecordBlock     RecordType = "block"
	RecordChallenge RecordType = "challenge"
	RecordSession   RecordType = "duel_session"
)

// Op is the kind of mutation.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Change describes a mutation of one record. Subscribers re-fetch the record
// rather than trusting Payload for anything beyond display.
type Change struct {
	RecordType   RecordType `json:"record_type"`
	Op           Op         `json:"op"`
	ID           string     `json:"id"`
	ScopeID      string     `json:"scope_id,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	At           time.Time  `json:"at"`
	Payload      any        `json:"payload,omitempty"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	ScopeID       string
	ParticipantID string
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	if f.ScopeID != "" && c.ScopeID != f.ScopeID {
		return false
	}
	if f.ParticipantID != "" && !slices.Contains(c.Participants, f.ParticipantID) {
		return false
	}
	return true
}

// Handler receives a change.
type Handler func(Change)

// Publisher is the write side of the notifier.
type Publisher interface {
	Publish(Change)
}

// Subscriber is the read side of the notifier.
type Subscriber interface {
	Subscribe(recordType RecordType, filter Filter, handler Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus is a synchronous pub-sub notifier.
type Bus struct {
	mu     sync.RWMutex
	subs   map[RecordType][]subscription
	nextID atomic.Uint64
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[RecordType][]subscription)}
}

// Subscribe registers handler for changes of recordType matching filter.
// The returned function removes the subscription and is safe to call twice.
func (b *Bus) Subscribe(recordType RecordType, filter Filter, handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[recordType] = append(b.subs[recordType], subscription{id: id, filter: filter, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(recordType, id) })
	}
}

func (b *Bus) remove(recordType RecordType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[recordType] = slices.DeleteFunc(b.subs[recordType], func(s subscription) bool {
		return s.id == id
	})
}

// Publish dispatches c to every matching handler in registration order.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}

	b.mu.RLock()
	subs := slices.Clone(b.subs[c.RecordType])
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter.Matches(c) {
			safeCall(s.handler, c)
		}
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func safeCall(handler Handler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Change handler panicked",
				"record_type", c.RecordType,
				"id", c.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(c)
}

// Nop discards every change.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Change) {}
