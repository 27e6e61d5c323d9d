package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// memTxStore is an in-memory TransactionStore with real CAS semantics.
type memTxStore struct {
	mu   sync.Mutex
	recs map[string]*storage.TransactionRecord
}

func newMemTxStore() *memTxStore { return &memTxStore{recs: make(map[string]*storage.TransactionRecord)} }

func (s *memTxStore) Get(ctx context.Context, id string) (*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id], nil
}
func (s *memTxStore) GetAll(ctx context.Context) ([]*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.TransactionRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}
func (s *memTxStore) GetByStatus(ctx context.Context, status string) ([]*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.TransactionRecord
	for _, r := range s.recs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *memTxStore) FindByChainRefAndHash(ctx context.Context, chainRef, hash string) (*storage.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ChainRef == chainRef && r.Hash == hash && hash != "" {
			return r, nil
		}
	}
	return nil, nil
}
func (s *memTxStore) Put(ctx context.Context, rec *storage.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}
func (s *memTxStore) UpdateIfStatus(ctx context.Context, id, expectedStatus string, mutate func(*storage.TransactionRecord)) (*storage.TransactionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Status != expectedStatus {
		return nil, false, nil
	}
	cp := *rec
	mutate(&cp)
	cp.UpdatedAt = time.Now()
	s.recs[id] = &cp
	out := cp
	return &out, true, nil
}

// fakeRPC implements RPCClient for deterministic tests.
type fakeRPC struct {
	mu           sync.Mutex
	broadcastHash string
	receiptAfter int // Receipt() call number on which Found is first returned
	receiptCalls int
	success      bool
}

func (f *fakeRPC) PendingNonce(ctx context.Context, chainRef, address string) (uint64, error) { return 0, nil }
func (f *fakeRPC) SuggestFees(ctx context.Context, chainRef string) (string, string, error) {
	return "1000000000", "2000000000", nil
}
func (f *fakeRPC) EstimateGas(ctx context.Context, chainRef string, req Request) (uint64, error) {
	return 21000, nil
}
func (f *fakeRPC) Broadcast(ctx context.Context, chainRef string, signedTxRaw []byte) (string, error) {
	return f.broadcastHash, nil
}
func (f *fakeRPC) Receipt(ctx context.Context, chainRef, hash string) (ReceiptOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptCalls < f.receiptAfter {
		return ReceiptOutcome{Found: false}, nil
	}
	return ReceiptOutcome{Found: true, Success: f.success, TransactionHash: hash}, nil
}
func (f *fakeRPC) ConfirmedNonce(ctx context.Context, chainRef, address string) (uint64, error) {
	return 0, nil
}
func (f *fakeRPC) BuildAndSign(ctx context.Context, chainRef string, preview Preview, signer keyring.Signer) ([]byte, error) {
	sig, err := signer.SignMessage([]byte("fake-tx-" + preview.From))
	if err != nil {
		return nil, err
	}
	return sig, nil
}

type memVaultStore struct {
	mu   sync.Mutex
	snap *storage.VaultMetaSnapshot
}

func (m *memVaultStore) Load(ctx context.Context) (*storage.VaultMetaSnapshot, error) { return m.snap, nil }
func (m *memVaultStore) Save(ctx context.Context, snap *storage.VaultMetaSnapshot) error {
	m.snap = snap
	return nil
}
func (m *memVaultStore) Clear(ctx context.Context) error { m.snap = nil; return nil }

const testPassword = "Hunter2!Strong"
const testMnemonic = "test test test test test test test test test test test junk"

func newHarness(t *testing.T, rpc *fakeRPC) (*Controller, *keyring.Service, *vault.Vault, *permission.Service, *approval.Queue, string) {
	t.Helper()
	ctx := context.Background()
	msgr := messenger.New(nil)
	v := vault.New(&memVaultStore{}, msgr, nil)
	require.NoError(t, v.Init(ctx, testPassword))
	require.NoError(t, v.Unlock(ctx, testPassword))

	keys := keyring.New(v, msgr, nil, nil, nil)
	_, acct, err := keys.ImportHD(ctx, "eip155", testMnemonic, "")
	require.NoError(t, err)

	permStore := newMemPermStore()
	perms, err := permission.New(ctx, permStore, msgr, nil)
	require.NoError(t, err)
	ref := chainref.EIP155ChainRef(1)
	require.NoError(t, perms.Grant(ctx, "https://dapp.example", "eip155", ref, permission.CapabilitySendTransaction))

	approvals := approval.New(msgr, nil, nil)
	store := newMemTxStore()
	ctrl := New(store, rpc, keys, perms, approvals, msgr, nil)
	return ctrl, keys, v, perms, approvals, acct.Address
}

type memPermStore struct {
	mu   sync.Mutex
	recs map[string]*storage.PermissionRecord
}

func newMemPermStore() *memPermStore { return &memPermStore{recs: make(map[string]*storage.PermissionRecord)} }
func (s *memPermStore) Get(ctx context.Context, origin, namespace string) (*storage.PermissionRecord, error) {
	return s.recs[origin+"|"+namespace], nil
}
func (s *memPermStore) GetAll(ctx context.Context) ([]*storage.PermissionRecord, error) {
	out := make([]*storage.PermissionRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}
func (s *memPermStore) Put(ctx context.Context, rec *storage.PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Origin+"|"+rec.Namespace] = rec
	return nil
}
func (s *memPermStore) Delete(ctx context.Context, origin, namespace string) error {
	delete(s.recs, origin+"|"+namespace)
	return nil
}
func (s *memPermStore) Clear(ctx context.Context) error { s.recs = make(map[string]*storage.PermissionRecord); return nil }

func TestSubmitRejectsUnownedFromAddress(t *testing.T) {
	rpc := &fakeRPC{broadcastHash: "0xhash1", receiptAfter: 1, success: true}
	ctrl, _, _, _, _, _ := newHarness(t, rpc)
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)

	_, err := ctrl.RequestTransactionApproval(ctx, "https://dapp.example", "eip155", ref,
		Request{From: "0x0000000000000000000000000000000000dEaD", To: "0x0000000000000000000000000000000000bEEF"},
		approval.RequestContext{})
	require.Error(t, err)
	require.Equal(t, werrors.ReasonPermissionLacksCapability, werrors.ReasonOf(err))
}

func TestSubmitRejectsWithoutSendTransactionCapability(t *testing.T) {
	rpc := &fakeRPC{broadcastHash: "0xhash2", receiptAfter: 1, success: true}
	ctrl, _, _, perms, _, fromAddr := newHarness(t, rpc)
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)
	require.NoError(t, perms.Revoke(ctx, "https://dapp.example", "eip155"))

	_, err := ctrl.RequestTransactionApproval(ctx, "https://dapp.example", "eip155", ref,
		Request{From: fromAddr, To: "0x0000000000000000000000000000000000bEEF"},
		approval.RequestContext{})
	require.Error(t, err)
}

func TestFullApprovalFlowReachesConfirmed(t *testing.T) {
	rpc := &fakeRPC{broadcastHash: "0xhash3", receiptAfter: 1, success: true}
	ctrl, _, _, _, approvals, fromAddr := newHarness(t, rpc)
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)

	resultCh := make(chan *Record, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := ctrl.RequestTransactionApproval(ctx, "https://dapp.example", "eip155", ref,
			Request{From: fromAddr, To: "0x0000000000000000000000000000000000bEEF", ValueWei: "1000"},
			approval.RequestContext{})
		resultCh <- rec
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(approvals.Pending()) == 1 }, time.Second, time.Millisecond)
	task := approvals.Pending()[0]
	ok, err := approvals.Resolve(ctx, task.ID, func(ctx context.Context) (any, error) { return true, nil })
	require.True(t, ok)
	require.NoError(t, err)

	rec := <-resultCh
	require.NoError(t, <-errCh)
	require.Equal(t, StatusBroadcast, rec.Status)
	require.Equal(t, "0xhash3", rec.Hash)

	require.Eventually(t, func() bool {
		cur, _ := ctrl.store.Get(ctx, rec.ID)
		return cur != nil && cur.Status == string(StatusConfirmed)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectionFailsTransactionWithUserRejected(t *testing.T) {
	rpc := &fakeRPC{broadcastHash: "0xhash4", receiptAfter: 1, success: true}
	ctrl, _, _, _, approvals, fromAddr := newHarness(t, rpc)
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)

	resultCh := make(chan *Record, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := ctrl.RequestTransactionApproval(ctx, "https://dapp.example", "eip155", ref,
			Request{From: fromAddr, To: "0x0000000000000000000000000000000000bEEF"},
			approval.RequestContext{})
		resultCh <- rec
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(approvals.Pending()) == 1 }, time.Second, time.Millisecond)
	task := approvals.Pending()[0]
	require.True(t, approvals.Reject(task.ID, errDeclined))

	require.Error(t, <-errCh)
	require.Nil(t, <-resultCh)
}

func TestResumeAfterRestartFailsStalePendingAsSessionRestart(t *testing.T) {
	rpc := &fakeRPC{}
	ctrl, _, _, _, _, _ := newHarness(t, rpc)
	ctx := context.Background()

	stale := &storage.TransactionRecord{ID: "stale-1", Status: string(StatusPending), ChainRef: "eip155:1"}
	require.NoError(t, ctrl.store.Put(ctx, stale))

	require.NoError(t, ctrl.ResumeAfterRestart(ctx))

	got, err := ctrl.store.Get(ctx, "stale-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusFailed), got.Status)
}

func TestHeadWakeupShortCircuitsReceiptBackoff(t *testing.T) {
	rpc := &fakeRPC{broadcastHash: "0xhash-wakeup", receiptAfter: 2, success: true}
	ctrl, _, _, _, approvals, fromAddr := newHarness(t, rpc)
	ctx := context.Background()
	ref := chainref.EIP155ChainRef(1)

	wakeup := make(chan struct{}, 1)
	ctrl.SetHeadWakeup(wakeup)

	resultCh := make(chan *Record, 1)
	go func() {
		rec, err := ctrl.RequestTransactionApproval(ctx, "https://dapp.example", "eip155", ref,
			Request{From: fromAddr, To: "0x0000000000000000000000000000000000bEEF", ValueWei: "1000"},
			approval.RequestContext{})
		require.NoError(t, err)
		resultCh <- rec
	}()

	require.Eventually(t, func() bool { return len(approvals.Pending()) == 1 }, time.Second, time.Millisecond)
	task := approvals.Pending()[0]
	_, err := approvals.Resolve(ctx, task.ID, func(ctx context.Context) (any, error) { return true, nil })
	require.NoError(t, err)
	<-resultCh

	wakeup <- struct{}{}
	wakeup <- struct{}{}

	require.Eventually(t, func() bool {
		recs, _ := ctrl.store.GetAll(ctx)
		for _, r := range recs {
			if r.Hash == "0xhash-wakeup" && r.Status == string(StatusConfirmed) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

var errDeclined = declinedError{}

type declinedError struct{}

func (declinedError) Error() string { return "user declined" }
