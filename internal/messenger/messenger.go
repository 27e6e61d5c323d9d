// Package messenger implements the process-wide typed pub/sub described in
// spec.md §4.1: state topics that cache and dedupe their last payload, and
// event topics that always fan out. Grounded on the teacher's
// ProviderRegistry (src/chainadapter/provider/registry.go), whose
// double-checked-locking cache pattern is generalized here from "one cached
// provider instance per key" to "one cached snapshot per topic".
package messenger

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives a published payload. Handlers that panic are recovered
// and logged; delivery continues to the remaining subscribers.
type Handler func(payload any)

// EqualFunc compares two payloads of a state topic for the purpose of
// publication deduplication.
type EqualFunc func(prev, next any) bool

type subscription struct {
	id      uint64
	handler Handler
}

type topic struct {
	isState bool
	equal   EqualFunc
	hasSnap bool
	snap    any
	subs    []subscription
}

// Unsubscribe removes a previously registered handler. Safe to call more
// than once; subsequent calls are no-ops.
type Unsubscribe func()

// Messenger is the single process-wide pub/sub hub. Zero value is not
// usable; construct with New.
type Messenger struct {
	log *zap.Logger

	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
}

// New builds a Messenger. log may be obs.NewNop() if the caller doesn't
// want messenger-level diagnostics.
func New(log *zap.Logger) *Messenger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Messenger{log: log, topics: make(map[string]*topic)}
}

// DeclareStateTopic registers name as a state topic with the given equality
// function, used to dedupe republications. Safe to call multiple times with
// the same name; subsequent calls are no-ops once a snapshot exists.
func (m *Messenger) DeclareStateTopic(name string, equal EqualFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equal == nil {
		equal = func(a, b any) bool { return false }
	}
	if t, ok := m.topics[name]; ok {
		if !t.hasSnap {
			t.isState = true
			t.equal = equal
		}
		return
	}
	m.topics[name] = &topic{isState: true, equal: equal}
}

func (m *Messenger) getOrCreateEventTopic(name string) *topic {
	t, ok := m.topics[name]
	if !ok {
		t = &topic{isState: false}
		m.topics[name] = t
	}
	return t
}

// Publish delivers payload to name's current subscribers. For a state
// topic, if equal(lastSnapshot, payload) holds, the publication is dropped
// and no handler is invoked. Delivery uses a snapshot of the subscriber
// list taken under the lock, then invoked without it — a subscription or
// unsubscription made during fan-out does not affect the current
// publication (spec.md §4.1 re-entrancy rule).
func (m *Messenger) Publish(name string, payload any) {
	m.mu.Lock()
	t, ok := m.topics[name]
	if !ok {
		t = m.getOrCreateEventTopic(name)
	}
	if t.isState {
		if t.hasSnap && t.equal(t.snap, payload) {
			m.mu.Unlock()
			return
		}
		t.snap = payload
		t.hasSnap = true
	}
	subs := make([]subscription, len(t.subs))
	copy(subs, t.subs)
	m.mu.Unlock()

	for _, s := range subs {
		m.invoke(name, s.handler, payload)
	}
}

func (m *Messenger) invoke(topicName string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("messenger handler panicked",
				zap.String("topic", topicName),
				zap.Any("recovered", r))
		}
	}()
	h(payload)
}

// Subscribe registers handler on name and returns an Unsubscribe handle. If
// name is a state topic with an existing snapshot, handler is invoked
// immediately (outside the lock) with that snapshot before Subscribe
// returns.
func (m *Messenger) Subscribe(name string, handler Handler) Unsubscribe {
	m.mu.Lock()
	t := m.getOrCreateEventTopic(name)
	m.nextID++
	id := m.nextID
	t.subs = append(t.subs, subscription{id: id, handler: handler})
	replay := t.isState && t.hasSnap
	snap := t.snap
	m.mu.Unlock()

	if replay {
		m.invoke(name, handler, snap)
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t, ok := m.topics[name]
		if !ok {
			return
		}
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
	}
}

// Snapshot returns the last published payload of a state topic and whether
// one exists yet.
func (m *Messenger) Snapshot(name string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok || !t.isState {
		return nil, false
	}
	return t.snap, t.hasSnap
}
