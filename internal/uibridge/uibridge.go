// Package uibridge implements the UI bridge protocol (spec.md §6): a
// denormalized Snapshot covering chain, networks,
// accounts, session, pending approvals, attention queue, permissions,
// vault-initialized, and HD-backup warnings, republished on the
// "ui:snapshotChanged" state topic whenever any wired controller changes.
// Grounded on internal/messenger's subscribe/publish idiom (itself
// generalized from the teacher's ProviderRegistry caching pattern),
// composing the per-controller signals already published by vault,
// keyring, permission, network, approval, attention, and txn into the
// single aggregate view spec.md §6 names. Also exposes the UI-driven
// operations (unlock/lock, wallet creation, network switch/add, approval
// resolution) that the rendered UI calls directly, bypassing
// internal/rpcengine's dapp-facing approval and permission guards per
// spec.md §4.6 ("the UI acts as the user").
package uibridge

import (
	"context"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/attention"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// TopicSnapshotChanged is the state topic the UI subscribes to for the
// full denormalized view (spec.md §6 "ui:snapshotChanged").
const TopicSnapshotChanged = "ui:snapshotChanged"

// ChainInfo is one entry of Snapshot.Networks.
type ChainInfo struct {
	ChainRef          string
	ChainIDHex        string
	ChainName         string
	NativeCurrency    chainref.NativeCurrency
	RPCURLs           []string
	BlockExplorerURLs []string
}

// AccountInfo is one entry of Snapshot.Accounts.
type AccountInfo struct {
	AccountID string
	ChainRef  string
	Address   string
	KeyringID string
	Index     int
}

// PermissionInfo is one entry of Snapshot.Permissions.
type PermissionInfo struct {
	Origin    string
	Namespace string
	Grants    map[string][]string
}

// BackupWarning flags an HD keyring the user has not confirmed backing up.
type BackupWarning struct {
	KeyringID string
	Namespace string
}

// Snapshot is the full denormalized view spec.md §6 names.
type Snapshot struct {
	ActiveChainRef string
	Networks       []ChainInfo

	Accounts      []AccountInfo
	ActiveAccount string // canonical address, "" if none

	IsUnlocked         bool
	AutoLockDurationMs int64
	NextAutoLockAt     *time.Time

	PendingApprovals    []approval.Task
	Attention           []attention.Request
	Permissions         []PermissionInfo
	VaultInitialized    bool
	BackupWarnings      []BackupWarning
	PendingTransactions []*txn.Record
}

// Bridge computes and republishes Snapshot whenever any wired controller
// changes, and exposes the UI's own operations.
type Bridge struct {
	vault     *vault.Vault
	keys      *keyring.Service
	perms     *permission.Service
	net       *network.Service
	txns      *txn.Controller
	approvals *approval.Queue
	attn      *attention.Queue
	msgr      *messenger.Messenger
	log       *zap.Logger

	unsubs []messenger.Unsubscribe
}

// New constructs a Bridge and subscribes it to every topic that can change
// the snapshot. A subscribed state topic that already holds a snapshot
// replays immediately, which computes and publishes an initial Snapshot
// synchronously; vault's session topic holds one only after the vault has
// published a session change (unlock, lock, auto-lock update). Without
// such a replay nothing is published until the first change, and
// Snapshot computes one on demand.
func New(v *vault.Vault, keys *keyring.Service, perms *permission.Service, net *network.Service, txns *txn.Controller, approvals *approval.Queue, attn *attention.Queue, msgr *messenger.Messenger, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	msgr.DeclareStateTopic(TopicSnapshotChanged, func(a, b any) bool {
		return reflect.DeepEqual(a, b)
	})
	b := &Bridge{
		vault: v, keys: keys, perms: perms, net: net, txns: txns,
		approvals: approvals, attn: attn, msgr: msgr, log: log,
	}
	for _, topic := range []string{
		vault.TopicSession, vault.TopicLocked, vault.TopicUnlocked,
		keyring.TopicAccountsChanged,
		permission.TopicChanged, network.TopicChainChanged,
		approval.TopicRequested, approval.TopicFinished,
		attention.TopicChanged, txn.TopicChanged,
	} {
		b.unsubs = append(b.unsubs, msgr.Subscribe(topic, func(any) { b.Refresh(context.Background()) }))
	}
	return b
}

// Destroy unsubscribes the bridge from every topic (spec.md §5 "process
// teardown calls destroy() on each controller").
func (b *Bridge) Destroy() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// Refresh recomputes the snapshot and publishes it. Computation errors are
// logged and swallowed rather than propagated (spec.md §7: "background-
// timer exceptions are logged and never propagate" — the same discipline
// applies to this event-driven recompute, since no caller is waiting on
// it synchronously).
func (b *Bridge) Refresh(ctx context.Context) {
	snap, err := b.Compute(ctx)
	if err != nil {
		b.log.Error("uibridge: failed to compute snapshot", zap.Error(err))
		return
	}
	b.msgr.Publish(TopicSnapshotChanged, snap)
}

// Snapshot returns the most recently published snapshot, computing one on
// the spot if none has been published yet.
func (b *Bridge) Snapshot(ctx context.Context) (Snapshot, error) {
	if raw, ok := b.msgr.Snapshot(TopicSnapshotChanged); ok {
		return raw.(Snapshot), nil
	}
	return b.Compute(ctx)
}

// Compute assembles Snapshot from every wired controller's current state.
func (b *Bridge) Compute(ctx context.Context) (Snapshot, error) {
	activeRef := b.net.ActiveChain()

	entries, err := b.net.KnownChainEntries(ctx)
	if err != nil {
		return Snapshot{}, werrors.Wrap(werrors.ReasonChainUnknown, "load known chains", err)
	}
	networks := make([]ChainInfo, len(entries))
	for i, e := range entries {
		networks[i] = ChainInfo{
			ChainRef: e.ChainRef.String(), ChainIDHex: e.ChainIDHex, ChainName: e.ChainName,
			NativeCurrency: e.NativeCurrency, RPCURLs: e.RPCURLs, BlockExplorerURLs: e.BlockExplorerURLs,
		}
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].ChainRef < networks[j].ChainRef })

	owned := b.keys.Accounts()
	accounts := make([]AccountInfo, len(owned))
	for i, a := range owned {
		accounts[i] = AccountInfo{AccountID: a.AccountID, ChainRef: a.ChainRef, Address: a.Address, KeyringID: a.KeyringID, Index: a.Index}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	var activeAccount string
	if len(accounts) > 0 {
		activeAccount = accounts[0].Address
	}

	session := vault.SessionSnapshot{IsUnlocked: b.vault.IsUnlocked()}
	if raw, ok := b.msgr.Snapshot(vault.TopicSession); ok {
		if s, ok := raw.(vault.SessionSnapshot); ok {
			session = s
		}
	}

	permRecs := b.perms.Snapshot()
	permissions := make([]PermissionInfo, len(permRecs))
	for i, r := range permRecs {
		permissions[i] = PermissionInfo{Origin: r.Origin, Namespace: r.Namespace, Grants: r.Grants}
	}
	sort.Slice(permissions, func(i, j int) bool {
		if permissions[i].Origin != permissions[j].Origin {
			return permissions[i].Origin < permissions[j].Origin
		}
		return permissions[i].Namespace < permissions[j].Namespace
	})

	metas, err := b.keys.KeyringMetas(ctx)
	if err != nil {
		return Snapshot{}, werrors.Wrap(werrors.ReasonKeyringPersistFailed, "load keyring metadata", err)
	}
	var warnings []BackupWarning
	for _, m := range metas {
		if m.Kind == string(keyring.KindHD) && !m.BackedUp {
			warnings = append(warnings, BackupWarning{KeyringID: m.ID, Namespace: m.Namespace})
		}
	}

	pendingTxns, err := b.txns.Recent(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		ActiveChainRef:      activeRef,
		Networks:            networks,
		Accounts:            accounts,
		ActiveAccount:       activeAccount,
		IsUnlocked:          session.IsUnlocked,
		AutoLockDurationMs:  session.AutoLockDurationMs,
		NextAutoLockAt:      session.NextAutoLockAt,
		PendingApprovals:    b.approvals.Pending(),
		Attention:           b.attn.Snapshot(),
		Permissions:         permissions,
		VaultInitialized:    b.vault.IsInitialized(),
		BackupWarnings:      warnings,
		PendingTransactions: pendingTxns,
	}, nil
}

// InitVault provisions a fresh vault under password.
func (b *Bridge) InitVault(ctx context.Context, password string) error {
	return b.vault.Init(ctx, password)
}

// Unlock unlocks the vault under password.
func (b *Bridge) Unlock(ctx context.Context, password string) error {
	return b.vault.Unlock(ctx, password)
}

// Lock locks the vault immediately, as a user-initiated action.
func (b *Bridge) Lock(reason string) {
	b.vault.Lock(reason)
}

// SetAutoLockDuration clamps and applies a new auto-lock timeout.
func (b *Bridge) SetAutoLockDuration(ctx context.Context, ms int64) int64 {
	return b.vault.SetAutoLockDuration(ctx, ms)
}

// CreateHDWallet generates a fresh mnemonic and derives its first account.
func (b *Bridge) CreateHDWallet(ctx context.Context, namespace string) (keyring.Meta, keyring.Account, error) {
	return b.keys.CreateHD(ctx, namespace)
}

// ImportHDWallet imports a caller-supplied mnemonic as a new HD keyring.
func (b *Bridge) ImportHDWallet(ctx context.Context, namespace, mnemonic, bip39Passphrase string) (keyring.Meta, keyring.Account, error) {
	return b.keys.ImportHD(ctx, namespace, mnemonic, bip39Passphrase)
}

// ImportPrivateKey imports a raw secp256k1 key as a single-account keyring.
func (b *Bridge) ImportPrivateKey(ctx context.Context, namespace string, privKeyBytes []byte) (keyring.Meta, keyring.Account, error) {
	return b.keys.ImportPrivateKey(ctx, namespace, privKeyBytes)
}

// DeriveNextAccount derives the next sequential index on an HD keyring.
func (b *Bridge) DeriveNextAccount(ctx context.Context, keyringID string) (keyring.Account, error) {
	return b.keys.DeriveNextAccount(ctx, keyringID)
}

// ExportMnemonic returns the plaintext mnemonic for an HD keyring after
// re-verifying password.
func (b *Bridge) ExportMnemonic(ctx context.Context, keyringID, password string) (string, error) {
	return b.keys.ExportMnemonic(ctx, keyringID, password)
}

// ExportPrivateKey returns the hex-encoded private key backing address
// after re-verifying password.
func (b *Bridge) ExportPrivateKey(ctx context.Context, address, password string) (string, error) {
	return b.keys.ExportPrivateKey(ctx, address, password)
}

// SwitchChain switches the active chain directly, with no approval
// round-trip: this is the UI's own "switch network" action, as distinct
// from wallet_switchEthereumChain, which is dapp-initiated and gated by
// internal/rpcengine's approval flow.
func (b *Bridge) SwitchChain(ctx context.Context, ref chainref.ChainRef) error {
	return b.net.SwitchActive(ctx, ref)
}

// AddNetwork validates input, registers it in the chain registry, and
// configures its RPC endpoint pool — the UI-driven "add network" settings
// flow, with no approval round-trip, as distinct from the dapp-initiated
// wallet_addEthereumChain handled by internal/rpcengine.
func (b *Bridge) AddNetwork(ctx context.Context, input chainref.ChainMetadataInput) (chainref.ChainRegistryEntry, error) {
	entry, err := chainref.NormalizeChainMetadata(input)
	if err != nil {
		return chainref.ChainRegistryEntry{}, werrors.Wrap(werrors.ReasonRPCInvalidParams, "invalid chain metadata", err)
	}
	endpoints := make([]network.Endpoint, len(entry.RPCURLs))
	for i, u := range entry.RPCURLs {
		endpoints[i] = network.Endpoint{URL: u}
	}
	if err := b.net.ConfigurePool(ctx, entry.ChainRef, network.StrategyFailover, endpoints); err != nil {
		return chainref.ChainRegistryEntry{}, err
	}
	if err := b.net.RegisterChain(ctx, entry); err != nil {
		return chainref.ChainRegistryEntry{}, err
	}
	b.Refresh(ctx)
	return entry, nil
}

// ApproveRequest resolves a pending approval task with a no-op executor.
// Every task in this module originates from an internal/rpcengine handler
// blocked on RequestApproval; that handler performs the actual domain
// mutation itself as a continuation once it unblocks, so the UI bridge
// never runs the mutation through Resolve's Executor (see DESIGN.md's
// open question on the executor-vs-continuation pattern).
func (b *Bridge) ApproveRequest(ctx context.Context, id string) (bool, error) {
	return b.approvals.Resolve(ctx, id, func(context.Context) (any, error) { return nil, nil })
}

// RejectRequest rejects a pending approval task with a user-facing
// approval-rejected error (spec.md §7: RPC reason "approval-rejected",
// JSON-RPC code 4001).
func (b *Bridge) RejectRequest(id string) bool {
	return b.approvals.Reject(id, werrors.New(werrors.ReasonRPCApprovalRejected, "user rejected the request"))
}

// ClearAttention dismisses an attention-queue entry once the UI has
// surfaced and handled it.
func (b *Bridge) ClearAttention(reason, origin, method, chainRef, namespace string) {
	b.attn.Clear(reason, origin, method, chainRef, namespace)
}

// ExpireSession finalizes every approval task belonging to a lost web
// session as expired(session_lost) (spec.md §5 "session loss").
func (b *Bridge) ExpireSession(rc approval.RequestContext) int {
	return b.approvals.ExpirePendingByRequestContext(rc)
}
