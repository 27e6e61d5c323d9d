// Package permission implements the per-origin capability grant store
// (spec.md §3 "Permission record", §4's permission-guard). Grounded on the
// teacher's composite-key registry pattern
// (internal/services/coinregistry/registry.go: map[string]*Entry behind a
// single RWMutex), generalized from coin symbol to (origin, namespace).
package permission

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// Capability is one of the fixed permission symbols (spec.md §3).
type Capability string

const (
	CapabilityBasic           Capability = "basic"
	CapabilityAccounts        Capability = "accounts"
	CapabilitySign            Capability = "sign"
	CapabilitySendTransaction Capability = "send-transaction"
)

// TopicChanged is an event topic published whenever a grant set changes for
// an (origin, namespace), carrying ChangedEvent.
const TopicChanged = "permission:changed"

// ChangedEvent is published on TopicChanged.
type ChangedEvent struct {
	Origin    string
	Namespace string
}

// key identifies one permission record.
type key struct {
	origin    string
	namespace string
}

// Service tracks per-origin capability grants in memory, backed by
// PermissionStore for persistence across restarts.
type Service struct {
	store storage.PermissionStore
	msgr  *messenger.Messenger
	log   *zap.Logger

	mu      sync.RWMutex
	records map[key]map[string]map[Capability]struct{} // (origin,namespace) -> chainRef -> capability set
}

// New constructs a Service and hydrates it from store.
func New(ctx context.Context, store storage.PermissionStore, msgr *messenger.Messenger, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:   store,
		msgr:    msgr,
		log:     log,
		records: make(map[key]map[string]map[Capability]struct{}),
	}
	recs, err := store.GetAll(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonPermissionNotConnected, "load persisted permissions", err)
	}
	for _, rec := range recs {
		k := key{origin: rec.Origin, namespace: rec.Namespace}
		byChain := make(map[string]map[Capability]struct{}, len(rec.Grants))
		for chainRef, caps := range rec.Grants {
			set := make(map[Capability]struct{}, len(caps))
			for _, c := range caps {
				set[Capability(c)] = struct{}{}
			}
			byChain[chainRef] = set
		}
		s.records[k] = byChain
	}
	return s, nil
}

// Grant monotonically extends the capability set for (origin, namespace,
// chainRef) — granting never removes an existing capability (spec.md §3
// invariant).
func (s *Service) Grant(ctx context.Context, origin, namespace string, ref chainref.ChainRef, caps ...Capability) error {
	s.mu.Lock()
	k := key{origin: origin, namespace: namespace}
	byChain, ok := s.records[k]
	if !ok {
		byChain = make(map[string]map[Capability]struct{})
		s.records[k] = byChain
	}
	set, ok := byChain[ref.String()]
	if !ok {
		set = make(map[Capability]struct{})
		byChain[ref.String()] = set
	}
	for _, c := range caps {
		set[c] = struct{}{}
	}
	s.mu.Unlock()

	if err := s.persist(ctx, k); err != nil {
		return err
	}
	s.msgr.Publish(TopicChanged, ChangedEvent{Origin: origin, Namespace: namespace})
	return nil
}

// HasCapability reports whether origin holds cap for (namespace, chainRef).
func (s *Service) HasCapability(origin, namespace string, ref chainref.ChainRef, cap Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byChain, ok := s.records[key{origin: origin, namespace: namespace}]
	if !ok {
		return false
	}
	set, ok := byChain[ref.String()]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}

// IsConnected reports whether origin holds any grant at all for
// (namespace, chainRef) — the "connected" permissionCheck level (spec.md
// §4's permission-guard).
func (s *Service) IsConnected(origin, namespace string, ref chainref.ChainRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byChain, ok := s.records[key{origin: origin, namespace: namespace}]
	if !ok {
		return false
	}
	set, ok := byChain[ref.String()]
	return ok && len(set) > 0
}

// GetPermittedAccounts returns the canonical addresses origin may observe
// for (namespace, chainRef) given accountsOwned — the full set of
// currently-unlocked accounts owned by the keyring. Spec.md §8 scenario 3:
// "permissions.getPermittedAccounts(origin, eip155:1) now returns the same
// canonical address" once the accounts capability has been granted.
func (s *Service) GetPermittedAccounts(origin, namespace string, ref chainref.ChainRef, accountsOwned []string) []string {
	if !s.HasCapability(origin, namespace, ref, CapabilityAccounts) {
		return nil
	}
	out := append([]string(nil), accountsOwned...)
	sort.Strings(out)
	return out
}

// Revoke clears every grant for (origin, namespace).
func (s *Service) Revoke(ctx context.Context, origin, namespace string) error {
	s.mu.Lock()
	k := key{origin: origin, namespace: namespace}
	delete(s.records, k)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, origin, namespace); err != nil {
		return werrors.Wrap(werrors.ReasonPermissionNotConnected, "delete persisted permission", err)
	}
	s.msgr.Publish(TopicChanged, ChangedEvent{Origin: origin, Namespace: namespace})
	return nil
}

// Snapshot returns every grant, for the UI bridge's snapshot computation.
func (s *Service) Snapshot() []storage.PermissionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.PermissionRecord, 0, len(s.records))
	for k, byChain := range s.records {
		grants := make(map[string][]string, len(byChain))
		for chainRef, set := range byChain {
			caps := make([]string, 0, len(set))
			for c := range set {
				caps = append(caps, string(c))
			}
			sort.Strings(caps)
			grants[chainRef] = caps
		}
		out = append(out, storage.PermissionRecord{Origin: k.origin, Namespace: k.namespace, Grants: grants})
	}
	return out
}

func (s *Service) persist(ctx context.Context, k key) error {
	s.mu.RLock()
	byChain := s.records[k]
	grants := make(map[string][]string, len(byChain))
	for chainRef, set := range byChain {
		caps := make([]string, 0, len(set))
		for c := range set {
			caps = append(caps, string(c))
		}
		sort.Strings(caps)
		grants[chainRef] = caps
	}
	s.mu.RUnlock()

	if err := s.store.Put(ctx, &storage.PermissionRecord{Origin: k.origin, Namespace: k.namespace, Grants: grants}); err != nil {
		return werrors.Wrap(werrors.ReasonPermissionNotConnected, "persist permission grant", err)
	}
	return nil
}
