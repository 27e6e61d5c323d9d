// Package txn implements the transaction state machine (spec.md §4.5):
// submit → approve/reject → sign → broadcast → receipt-tracked terminal
// state. State transitions are CAS-guarded through
// storage.TransactionStore.UpdateIfStatus, grounded on
// src/chainadapter/storage/store.go's TransactionStateStore pattern of a
// status-qualified compare-and-swap write. The receipt tracker's
// exponential backoff is grounded on the retry shape used throughout
// src/chainadapter/ethereum/adapter.go's broadcast-then-poll flow,
// implemented here with github.com/cenkalti/backoff/v4 instead of a
// hand-rolled sleep loop.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/obs"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/werrors"
)

const (
	receiptInitialDelay = 3 * time.Second
	receiptMaxDelay     = 30 * time.Second
	receiptMaxAttempts  = 20
)

// TopicChanged is an event topic published on every status transition.
const TopicChanged = "txn:changed"

// ChangedEvent is published on TopicChanged.
type ChangedEvent struct {
	ID     string
	Status Status
}

// Controller is the transaction lifecycle controller.
type Controller struct {
	store      storage.TransactionStore
	rpc        RPCClient
	keys       *keyring.Service
	perms      *permission.Service
	approvals  *approval.Queue
	msgr       *messenger.Messenger
	log        *zap.Logger

	mu       sync.Mutex
	trackers map[string]context.CancelFunc // txn id -> cancel of its receipt-tracking goroutine
	wakeup   <-chan struct{}               // optional: fires on a new block head, skips the remaining backoff wait
	metrics  *obs.Metrics
}

// SetMetrics wires an optional Prometheus counter set; a nil Metrics (the
// default) makes every recording call a no-op.
func (c *Controller) SetMetrics(m *obs.Metrics) {
	c.metrics = m
}

// SetHeadWakeup wires an optional signal the receipt tracker selects on
// alongside its backoff timer: a message on ch short-circuits the current
// wait and triggers an immediate receipt poll. Intended to be fed by an
// eip155.SubscriptionClient's "newHeads" notification channel, translated
// to an empty struct per head by the caller; a nil channel (the default)
// falls back to pure backoff-interval polling.
func (c *Controller) SetHeadWakeup(ch <-chan struct{}) {
	c.mu.Lock()
	c.wakeup = ch
	c.mu.Unlock()
}

// New constructs a Controller.
func New(store storage.TransactionStore, rpc RPCClient, keys *keyring.Service, perms *permission.Service, approvals *approval.Queue, msgr *messenger.Messenger, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store: store, rpc: rpc, keys: keys, perms: perms, approvals: approvals, msgr: msgr, log: log,
		trackers: make(map[string]context.CancelFunc),
	}
}

// ResumeAfterRestart implements spec.md §4.5 "Cold-start resume": restarts
// receipt tracking for every broadcast transaction, and fails every
// pending one as session_restart (it outlived the vault session that
// requested it).
func (c *Controller) ResumeAfterRestart(ctx context.Context) error {
	broadcast, err := c.store.GetByStatus(ctx, string(StatusBroadcast))
	if err != nil {
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "list broadcast transactions", err)
	}
	for _, rec := range broadcast {
		c.startReceiptTracker(rec.ID, rec.ChainRef, rec.Hash, rec.FromAccountID, rec.Nonce)
	}

	pending, err := c.store.GetByStatus(ctx, string(StatusPending))
	if err != nil {
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "list pending transactions", err)
	}
	for _, rec := range pending {
		_, _, _ = c.store.UpdateIfStatus(ctx, rec.ID, string(StatusPending), func(r *storage.TransactionRecord) {
			r.Status = string(StatusFailed)
			r.ErrorJSON = []byte(`{"reason":"session_restart"}`)
		})
		c.publish(rec.ID, StatusFailed)
	}
	return nil
}

// RequestTransactionApproval is spec.md §4.5's Submit flow, steps 1-4: it
// validates ownership/capability, builds a draft preview, records a
// pending transaction, and blocks on the approval rendezvous.
func (c *Controller) RequestTransactionApproval(ctx context.Context, origin, namespace string, ref chainref.ChainRef, req Request, reqCtx approval.RequestContext) (*Record, error) {
	canonicalFrom, err := chainref.CanonicalizeAddress(namespace, req.From)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainInvalidAddress, "invalid from address", err)
	}
	if !c.perms.HasCapability(origin, namespace, ref, permission.CapabilitySendTransaction) {
		return nil, werrors.New(werrors.ReasonPermissionLacksCapability, "origin lacks send-transaction capability for this chain")
	}
	// A from address the active keyring doesn't own surfaces the same
	// lacks-capability reason as a missing grant: authorization, not
	// account existence, is the user-visible cause (spec.md §8).
	if _, err := c.keys.SignerFor(canonicalFrom); err != nil {
		return nil, werrors.New(werrors.ReasonPermissionLacksCapability, "origin lacks send-transaction capability for this chain")
	}

	preview, err := c.buildPreview(ctx, ref, req, canonicalFrom)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now()
	accountID := chainref.AccountID(ref, canonicalFrom)
	rec := &storage.TransactionRecord{
		ID: id, Namespace: namespace, ChainRef: ref.String(), Origin: origin, FromAccountID: accountID,
		Status: string(StatusPending), Warnings: preview.Warnings, Issues: preview.Issues,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, werrors.Wrap(werrors.ReasonTxResolutionFailed, "persist pending transaction", err)
	}
	c.publish(id, StatusPending)

	_, err = c.approvals.RequestApproval(ctx, approval.TypeSendTransaction, origin, namespace, ref.String(), preview, reqCtx)
	if err != nil {
		_, _, _ = c.store.UpdateIfStatus(ctx, id, string(StatusPending), func(r *storage.TransactionRecord) {
			r.Status = string(StatusFailed)
			r.UserRejected = true
		})
		c.publish(id, StatusFailed)
		return nil, err
	}

	updated, ok, err := c.store.UpdateIfStatus(ctx, id, string(StatusPending), func(r *storage.TransactionRecord) {
		r.Status = string(StatusApproved)
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonTxResolutionFailed, "transition pending->approved", err)
	}
	if !ok {
		return nil, werrors.New(werrors.ReasonTxResolutionFailed, "transaction was concurrently modified")
	}
	c.publish(id, StatusApproved)

	if err := c.signAndBroadcast(ctx, updated, ref, canonicalFrom, preview); err != nil {
		return nil, err
	}

	final, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonTxResolutionFailed, "reload transaction", err)
	}
	return toRecord(final), nil
}

func (c *Controller) buildPreview(ctx context.Context, ref chainref.ChainRef, req Request, canonicalFrom string) (Preview, error) {
	p := Preview{From: canonicalFrom, ValueWei: req.ValueWei, Data: req.Data}
	if req.To != "" {
		to, err := chainref.CanonicalizeAddress(chainref.NamespaceEIP155, req.To)
		if err != nil {
			p.Issues = append(p.Issues, "to address failed canonicalization")
		} else {
			p.To = to
		}
	}
	if req.Nonce != nil {
		p.Nonce = *req.Nonce
	} else {
		n, err := c.rpc.PendingNonce(ctx, ref.String(), canonicalFrom)
		if err != nil {
			p.Warnings = append(p.Warnings, "could not resolve nonce: "+err.Error())
		} else {
			p.Nonce = n
		}
	}
	if req.GasLimit != nil {
		p.GasLimit = *req.GasLimit
	} else {
		g, err := c.rpc.EstimateGas(ctx, ref.String(), req)
		if err != nil {
			p.Warnings = append(p.Warnings, "could not estimate gas: "+err.Error())
		} else {
			p.GasLimit = g
		}
	}
	tipCap, feeCap, err := c.rpc.SuggestFees(ctx, ref.String())
	if err != nil {
		p.Warnings = append(p.Warnings, "could not resolve fee suggestion: "+err.Error())
	} else {
		p.GasTipCap, p.GasFeeCap = tipCap, feeCap
	}
	return p, nil
}

func (c *Controller) signAndBroadcast(ctx context.Context, rec *storage.TransactionRecord, ref chainref.ChainRef, canonicalFrom string, preview Preview) error {
	signer, err := c.keys.SignerFor(canonicalFrom)
	if err != nil {
		return werrors.New(werrors.ReasonKeyringAccountNotFound, "signer no longer available")
	}

	signedRaw, err := c.signTransaction(signer, ref, preview)
	c.metrics.RecordTxOperation("sign", err == nil)
	if err != nil {
		_, _, _ = c.store.UpdateIfStatus(ctx, rec.ID, string(StatusApproved), func(r *storage.TransactionRecord) {
			r.Status = string(StatusFailed)
			r.ErrorJSON = []byte(fmt.Sprintf(`{"reason":%q}`, err.Error()))
		})
		c.publish(rec.ID, StatusFailed)
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "sign transaction", err)
	}

	if _, _, err := c.store.UpdateIfStatus(ctx, rec.ID, string(StatusApproved), func(r *storage.TransactionRecord) {
		r.Status = string(StatusSigned)
	}); err != nil {
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "transition approved->signed", err)
	}
	c.publish(rec.ID, StatusSigned)

	hash, err := c.rpc.Broadcast(ctx, ref.String(), signedRaw)
	c.metrics.RecordTxOperation("broadcast", err == nil)
	if err != nil {
		_, _, _ = c.store.UpdateIfStatus(ctx, rec.ID, string(StatusSigned), func(r *storage.TransactionRecord) {
			r.Status = string(StatusFailed)
			r.ErrorJSON = []byte(fmt.Sprintf(`{"reason":%q}`, err.Error()))
		})
		c.publish(rec.ID, StatusFailed)
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "broadcast transaction", err)
	}
	if dup, err := c.store.FindByChainRefAndHash(ctx, ref.String(), hash); err == nil && dup != nil && dup.ID != rec.ID {
		_, _, _ = c.store.UpdateIfStatus(ctx, rec.ID, string(StatusSigned), func(r *storage.TransactionRecord) {
			r.Status = string(StatusFailed)
			r.ErrorJSON = []byte(`{"reason":"duplicate_hash"}`)
		})
		c.publish(rec.ID, StatusFailed)
		return werrors.New(werrors.ReasonTxResolutionFailed, "duplicate transaction hash")
	}

	if _, _, err := c.store.UpdateIfStatus(ctx, rec.ID, string(StatusSigned), func(r *storage.TransactionRecord) {
		r.Status = string(StatusBroadcast)
		r.Hash = hash
		r.Nonce = preview.Nonce
	}); err != nil {
		return werrors.Wrap(werrors.ReasonTxResolutionFailed, "transition signed->broadcast", err)
	}
	c.publish(rec.ID, StatusBroadcast)

	c.startReceiptTracker(rec.ID, ref.String(), hash, rec.FromAccountID, preview.Nonce)
	return nil
}

// signTransaction delegates to the RPCClient's BuildAndSign, which owns
// assembling the namespace-native transaction from preview and signing it
// through the keyring's go-ethereum-typed signer.
func (c *Controller) signTransaction(signer keyring.Signer, ref chainref.ChainRef, preview Preview) ([]byte, error) {
	return c.rpc.BuildAndSign(context.Background(), ref.String(), preview, signer)
}

// startReceiptTracker runs the exponential-backoff receipt poll for txID
// in its own goroutine (spec.md §4.5 "Receipt tracker").
func (c *Controller) startReceiptTracker(txID, chainRef, hash, fromAccountID string, originalNonce uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.trackers[txID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.trackers, txID)
			c.mu.Unlock()
			cancel()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = receiptInitialDelay
		b.Multiplier = 2
		b.MaxInterval = receiptMaxDelay
		b.MaxElapsedTime = 0 // attempts are capped by count, not elapsed time

		fromAddress := accountIDAddress(fromAccountID)
		for attempt := 0; attempt < receiptMaxAttempts; attempt++ {
			c.mu.Lock()
			wakeup := c.wakeup
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-wakeup:
			case <-time.After(b.NextBackOff()):
			}

			outcome, err := c.rpc.Receipt(ctx, chainRef, hash)
			if err != nil {
				c.log.Warn("txn: receipt poll failed", zap.String("id", txID), zap.Error(err))
				continue
			}
			if outcome.Found {
				if outcome.TransactionHash != "" && outcome.TransactionHash != hash {
					c.log.Error("txn: receipt hash mismatch, treating as internal error", zap.String("id", txID))
					continue // state remains broadcast; tracking continues (spec.md integrity rule)
				}
				if outcome.Success {
					c.finishTracker(ctx, txID, StatusBroadcast, StatusConfirmed, outcome.ReceiptJSON, nil)
				} else {
					c.finishTracker(ctx, txID, StatusBroadcast, StatusFailed, outcome.ReceiptJSON, nil)
				}
				return
			}

			confirmedNonce, err := c.rpc.ConfirmedNonce(ctx, chainRef, fromAddress)
			if err == nil && confirmedNonce > originalNonce {
				c.finishTracker(ctx, txID, StatusBroadcast, StatusReplaced, nil, nil)
				return
			}
		}

		c.finishTracker(ctx, txID, StatusBroadcast, StatusFailed, nil, werrors.New(werrors.ReasonTxReceiptTimeout, "receipt tracking exhausted retries"))
	}()
}

func (c *Controller) finishTracker(ctx context.Context, txID string, from, to Status, receiptJSON []byte, failErr error) {
	_, _, err := c.store.UpdateIfStatus(ctx, txID, string(from), func(r *storage.TransactionRecord) {
		r.Status = string(to)
		if receiptJSON != nil {
			r.ReceiptJSON = receiptJSON
		}
		if failErr != nil {
			r.ErrorJSON = []byte(fmt.Sprintf(`{"reason":%q}`, failErr.Error()))
		}
	})
	if err != nil {
		c.log.Error("txn: failed to persist terminal transition", zap.String("id", txID), zap.Error(err))
		return
	}
	c.metrics.RecordTxOperation("receipt", to == StatusConfirmed)
	c.publish(txID, to)
}

func (c *Controller) publish(id string, status Status) {
	c.msgr.Publish(TopicChanged, ChangedEvent{ID: id, Status: status})
}

// Destroy cancels every in-flight receipt tracker (spec.md §5
// "process teardown calls destroy() on each controller").
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.trackers {
		cancel()
		delete(c.trackers, id)
	}
}

// Recent returns every known transaction record, newest first, for the UI
// bridge's snapshot (spec.md §6).
func (c *Controller) Recent(ctx context.Context) ([]*Record, error) {
	recs, err := c.store.GetAll(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonTxResolutionFailed, "list transactions", err)
	}
	out := make([]*Record, len(recs))
	for i, r := range recs {
		out[i] = toRecord(r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func toRecord(r *storage.TransactionRecord) *Record {
	return &Record{
		ID: r.ID, Namespace: r.Namespace, ChainRef: r.ChainRef, Origin: r.Origin,
		FromAccountID: r.FromAccountID, Status: Status(r.Status), Hash: r.Hash,
		UserRejected: r.UserRejected, Warnings: r.Warnings, Issues: r.Issues,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// accountIDAddress extracts the canonical address suffix of an account id
// of the form "<chainRef>:<address>".
func accountIDAddress(accountID string) string {
	for i := len(accountID) - 1; i >= 0; i-- {
		if accountID[i] == ':' {
			return accountID[i+1:]
		}
	}
	return accountID
}
