// Package attention implements the deduplicated "UI needs to surface this"
// queue (spec.md §3 "Attention request", §2). Grounded on
// internal/services/ratelimit/limiter.go's sliding-window bookkeeping
// (map + mutex + time-based eviction), generalized here from per-key
// attempt counters to per-key single-entry TTL dedup.
package attention

import (
	"sync"
	"time"

	"github.com/shieldkey/walletcore/internal/messenger"
)

// TopicChanged is a state topic caching the current queue snapshot.
const TopicChanged = "attention:changed"

// Request is one attention entry (spec.md §3).
type Request struct {
	Reason      string
	Origin      string
	Method      string
	ChainRef    string
	Namespace   string
	RequestedAt time.Time
	ExpiresAt   time.Time
}

// key is the deduplication key: the first five fields of Request.
type key struct {
	reason, origin, method, chainRef, namespace string
}

func keyOf(reason, origin, method, chainRef, namespace string) key {
	return key{reason, origin, method, chainRef, namespace}
}

// Clock abstracts time for deterministic tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Queue is the attention-request controller.
type Queue struct {
	msgr  *messenger.Messenger
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[key]Request
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(q *Queue) { q.clock = c } }

// WithTTL overrides the default 2-minute dedup window.
func WithTTL(d time.Duration) Option { return func(q *Queue) { q.ttl = d } }

// New constructs a Queue and declares its state topic.
func New(msgr *messenger.Messenger, opts ...Option) *Queue {
	q := &Queue{
		msgr:    msgr,
		clock:   realClock{},
		ttl:     2 * time.Minute,
		entries: make(map[key]Request),
	}
	for _, opt := range opts {
		opt(q)
	}
	msgr.DeclareStateTopic(TopicChanged, func(a, b any) bool {
		sa, sb := a.([]Request), b.([]Request)
		if len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if sa[i] != (sb[i]) {
				return false
			}
		}
		return true
	})
	return q
}

// Push adds a request unless an equivalent (by dedup key) one is already
// queued and not yet expired, in which case it is dropped (spec.md §3:
// "requests within the TTL of an existing entry are dropped").
func (q *Queue) Push(reason, origin, method, chainRef, namespace string) {
	now := q.clock.Now()
	k := keyOf(reason, origin, method, chainRef, namespace)

	q.mu.Lock()
	q.evictExpiredLocked(now)
	if existing, ok := q.entries[k]; ok && now.Before(existing.ExpiresAt) {
		q.mu.Unlock()
		return
	}
	req := Request{
		Reason: reason, Origin: origin, Method: method, ChainRef: chainRef, Namespace: namespace,
		RequestedAt: now, ExpiresAt: now.Add(q.ttl),
	}
	q.entries[k] = req
	q.mu.Unlock()

	q.publish()
}

// Clear removes a request once the UI has surfaced and handled it.
func (q *Queue) Clear(reason, origin, method, chainRef, namespace string) {
	k := keyOf(reason, origin, method, chainRef, namespace)
	q.mu.Lock()
	delete(q.entries, k)
	q.mu.Unlock()
	q.publish()
}

// Snapshot returns every non-expired request.
func (q *Queue) Snapshot() []Request {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	out := make([]Request, 0, len(q.entries))
	for _, r := range q.entries {
		out = append(out, r)
	}
	return out
}

// evictExpiredLocked must be called with q.mu held.
func (q *Queue) evictExpiredLocked(now time.Time) {
	for k, r := range q.entries {
		if !now.Before(r.ExpiresAt) {
			delete(q.entries, k)
		}
	}
}

func (q *Queue) publish() {
	q.msgr.Publish(TopicChanged, q.Snapshot())
}
