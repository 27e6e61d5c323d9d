// Package approval implements the pending-approval rendezvous queue
// (spec.md §4.4). Each task is a future: requestApproval inserts it and
// blocks the caller goroutine on a channel until the UI resolves, rejects,
// or a timer/session-loss signal expires it. The sliding-window bookkeeping
// style (map + mutex + time-based eviction) is grounded on
// internal/services/ratelimit/limiter.go, generalized from attempt
// counters to one-shot task resolution.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// Type enumerates the approval task kinds (spec.md §3).
type Type string

const (
	TypeRequestAccounts    Type = "request-accounts"
	TypeRequestPermissions Type = "request-permissions"
	TypeSignMessage        Type = "sign-message"
	TypeSignTypedData      Type = "sign-typed-data"
	TypeSendTransaction    Type = "send-transaction"
	TypeAddChain           Type = "add-chain"
	TypeSwitchChain        Type = "switch-chain"
)

const defaultTTL = 10 * time.Minute

// Topics, per spec.md §4.4.
const (
	TopicRequested = "approval:requested"
	TopicFinished  = "approval:finished"
)

// RequestedEvent is published on TopicRequested.
type RequestedEvent struct {
	Task           Task
	RequestContext RequestContext
}

// Disposition is the terminal outcome of a task.
type Disposition string

const (
	DispositionApproved Disposition = "approved"
	DispositionRejected Disposition = "rejected"
	DispositionExpired  Disposition = "expired"
)

// FinishedEvent is published on TopicFinished.
type FinishedEvent struct {
	ID          string
	Disposition Disposition
	Value       any
	Err         error
	Reason      string // set when Disposition == expired: "timeout" | "session_lost" | "caller_cancelled"
}

// RequestContext identifies the originating session, used for
// expirePendingByRequestContext (spec.md §4.4, §5 "session loss").
type RequestContext struct {
	PortID    string
	SessionID string
}

// Task is one pending approval (spec.md §3).
type Task struct {
	ID        string
	Type      Type
	Origin    string
	Namespace string
	ChainRef  string
	Payload   any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Executor runs inside the controller atomically with finalization
// (spec.md §4.4: "so that side-effects like granting a permission or
// committing a transaction happen atomically with finalization").
type Executor func(ctx context.Context) (any, error)

// Result is delivered to the caller blocked in requestApproval.
type Result struct {
	Value any
	Err   error
}

// pending bundles one in-flight task with its rendezvous channel and timer.
type pending struct {
	task           Task
	requestContext RequestContext
	resultCh       chan Result
	timer          *time.Timer
	once           sync.Once
}

// Clock abstracts time for deterministic TTL tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}

// Queue is the approval controller.
type Queue struct {
	msgr  *messenger.Messenger
	store storage.ApprovalStore
	log   *zap.Logger
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	pendingByID map[string]*pending
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(q *Queue) { q.clock = c } }

// WithTTL overrides the default 10-minute expiry.
func WithTTL(d time.Duration) Option { return func(q *Queue) { q.ttl = d } }

// New constructs a Queue.
func New(msgr *messenger.Messenger, store storage.ApprovalStore, log *zap.Logger, opts ...Option) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		msgr:        msgr,
		store:       store,
		log:         log,
		clock:       realClock{},
		ttl:         defaultTTL,
		pendingByID: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestApproval inserts a new task of typ and blocks the calling
// goroutine on ctx or the eventual resolve/reject/expiry (spec.md §4.4).
func (q *Queue) RequestApproval(ctx context.Context, typ Type, origin, namespace, chainRef string, payload any, reqCtx RequestContext) (any, error) {
	now := q.clock.Now()
	task := Task{
		ID:        uuid.NewString(),
		Type:      typ,
		Origin:    origin,
		Namespace: namespace,
		ChainRef:  chainRef,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(q.ttl),
	}

	p := &pending{task: task, requestContext: reqCtx, resultCh: make(chan Result, 1)}
	q.mu.Lock()
	q.pendingByID[task.ID] = p
	q.mu.Unlock()

	p.timer = q.clock.AfterFunc(q.ttl, func() {
		q.finalize(task.ID, DispositionExpired, nil, werrors.New(werrors.ReasonApprovalExpiredTimeout, "approval timed out"), "timeout")
	})

	if q.store != nil {
		_ = q.store.Put(ctx, &storage.ApprovalRecord{ID: task.ID, Type: string(typ), Origin: origin, CreatedAt: now, ExpiresAt: task.ExpiresAt})
	}

	q.msgr.Publish(TopicRequested, RequestedEvent{Task: task, RequestContext: reqCtx})

	select {
	case res := <-p.resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		q.finalize(task.ID, DispositionExpired, nil, werrors.Wrap(werrors.ReasonApprovalExpiredInternal, "caller context cancelled", ctx.Err()), "caller_cancelled")
		return nil, ctx.Err()
	}
}

// Resolve runs exec and delivers its result to the blocked caller,
// returning false if id is no longer pending (spec.md §4.4 idempotence).
func (q *Queue) Resolve(ctx context.Context, id string, exec Executor) (bool, error) {
	q.mu.Lock()
	p, ok := q.pendingByID[id]
	q.mu.Unlock()
	if !ok {
		return false, nil
	}

	value, err := exec(ctx)
	if err != nil {
		q.finalize(id, DispositionRejected, nil, err, "")
		return true, err
	}
	q.finalize(id, DispositionApproved, value, nil, "")
	return true, nil
}

// Reject rejects id with err, returning false if it is no longer pending.
func (q *Queue) Reject(id string, err error) bool {
	return q.finalize(id, DispositionRejected, nil, err, "")
}

// ExpirePendingByRequestContext finalizes every task whose RequestContext
// matches rc as expired(session_lost), without running executors
// (spec.md §5 "session loss").
func (q *Queue) ExpirePendingByRequestContext(rc RequestContext) int {
	q.mu.Lock()
	var ids []string
	for id, p := range q.pendingByID {
		if p.requestContext == rc {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	count := 0
	for _, id := range ids {
		if q.finalize(id, DispositionExpired, nil, werrors.New(werrors.ReasonApprovalExpiredSessionLost, "originating session was lost"), "session_lost") {
			count++
		}
	}
	return count
}

// finalize resolves p's channel exactly once, removes it from the pending
// map, and publishes TopicFinished. Returns false if id was already gone.
func (q *Queue) finalize(id string, disp Disposition, value any, err error, reason string) bool {
	q.mu.Lock()
	p, ok := q.pendingByID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.pendingByID, id)
	q.mu.Unlock()

	p.timer.Stop()
	p.once.Do(func() {
		p.resultCh <- Result{Value: value, Err: err}
	})

	if q.store != nil {
		_ = q.store.Delete(context.Background(), id)
	}

	q.msgr.Publish(TopicFinished, FinishedEvent{ID: id, Disposition: disp, Value: value, Err: err, Reason: reason})
	return true
}

// Pending returns every currently pending task in insertion order
// (spec.md §4.4: "the pending list preserves insertion order").
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.pendingByID))
	for _, p := range q.pendingByID {
		out = append(out, p.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
