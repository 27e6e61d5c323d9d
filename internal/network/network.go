// Package network implements the active-chain + known-chain registry and
// the per-chain RPC endpoint pool with health tracking (spec.md §4.7).
// Endpoint health and strategy rotation are grounded directly on
// src/chainadapter/rpc/health.go's SimpleHealthTracker circuit-breaker
// bookkeeping, generalized from a flat endpoint set to an ordered pool
// with round-robin/sticky/failover rotation strategies.
package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// Strategy selects how the active endpoint index rotates on failure.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin" // advance on every failure
	StrategySticky     Strategy = "sticky"      // advance only after a consecutive-failure threshold
	StrategyFailover    Strategy = "failover"    // strict order, never rotate back
)

const (
	defaultCooldown       = 10 * time.Second
	stickyFailureThreshold = 3
)

// TopicChainChanged is an event topic published when the active chain
// changes; the provider bridge forwards it to every web session.
const TopicChainChanged = "network:chainChanged"

// ChainChangedEvent is published on TopicChainChanged.
type ChainChangedEvent struct {
	ChainRef string
}

// Endpoint is one RPC endpoint in a chain's pool.
type Endpoint struct {
	URL    string
	Weight int
	Auth   string
}

// endpointHealth mirrors SimpleHealthTracker.EndpointHealth, scoped per
// endpoint URL within one chain's pool.
type endpointHealth struct {
	consecutiveFailures int
	consecutiveSuccesses int
	cooldownUntil       time.Time
	lastError           string
}

// pool is one chain's routing state.
type pool struct {
	strategy  Strategy
	endpoints []Endpoint
	health    map[string]*endpointHealth
	activeIdx int
}

// Outcome is reported by callers after attempting an RPC call.
type Outcome struct {
	Success bool
	Err     error
}

// Service tracks the active chain, the known chain registry, and every
// chain's RPC endpoint pool.
type Service struct {
	prefsStore storage.NetworkPreferencesStore
	rpcStore   storage.NetworkRPCPreferencesStore
	registry   storage.ChainRegistryStore
	msgr       *messenger.Messenger
	log        *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	activeRef  string
	pools      map[string]*pool // chainRef -> pool
}

// New constructs a Service and hydrates active chain + pools from storage.
func New(ctx context.Context, prefsStore storage.NetworkPreferencesStore, rpcStore storage.NetworkRPCPreferencesStore, registry storage.ChainRegistryStore, msgr *messenger.Messenger, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		prefsStore: prefsStore,
		rpcStore:   rpcStore,
		registry:   registry,
		msgr:       msgr,
		log:        log,
		now:        time.Now,
		pools:      make(map[string]*pool),
	}

	prefs, err := prefsStore.Load(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "load network preferences", err)
	}
	if prefs != nil {
		s.activeRef = prefs.ActiveChainRef
	}

	recs, err := rpcStore.GetAll(ctx)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "load rpc preferences", err)
	}
	for _, rec := range recs {
		eps := make([]Endpoint, len(rec.Endpoints))
		for i, u := range rec.Endpoints {
			eps[i] = Endpoint{URL: u}
		}
		s.pools[rec.ChainRef] = &pool{
			strategy:  Strategy(rec.Strategy),
			endpoints: eps,
			health:    make(map[string]*endpointHealth),
		}
	}
	return s, nil
}

// SwitchActive persists and publishes a new active chain (spec.md §4.7:
// "UI switches via ui.networks.switchActive(chainRef)").
func (s *Service) SwitchActive(ctx context.Context, ref chainref.ChainRef) error {
	s.mu.Lock()
	s.activeRef = ref.String()
	s.mu.Unlock()

	if err := s.prefsStore.Save(ctx, &storage.NetworkPreferences{ActiveChainRef: ref.String()}); err != nil {
		return werrors.Wrap(werrors.ReasonChainUnknown, "persist active chain", err)
	}
	s.msgr.Publish(TopicChainChanged, ChainChangedEvent{ChainRef: ref.String()})
	return nil
}

// ActiveChain returns the current active chainRef, or "" if none selected.
func (s *Service) ActiveChain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRef
}

// ConfigurePool registers/replaces chainRef's endpoint pool and strategy.
func (s *Service) ConfigurePool(ctx context.Context, ref chainref.ChainRef, strategy Strategy, endpoints []Endpoint) error {
	s.mu.Lock()
	s.pools[ref.String()] = &pool{strategy: strategy, endpoints: endpoints, health: make(map[string]*endpointHealth)}
	s.mu.Unlock()

	urls := make([]string, len(endpoints))
	for i, e := range endpoints {
		urls[i] = e.URL
	}
	if s.rpcStore == nil {
		return nil
	}
	return s.rpcStore.Put(ctx, &storage.NetworkRPCPreference{ChainRef: ref.String(), Strategy: string(strategy), Endpoints: urls})
}

// ActiveEndpoint returns the current best endpoint URL for chainRef, or
// ("", false) if the pool is empty.
func (s *Service) ActiveEndpoint(ref chainref.ChainRef) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[ref.String()]
	if !ok || len(p.endpoints) == 0 {
		return "", false
	}
	return p.endpoints[p.activeIdx%len(p.endpoints)].URL, true
}

// ReportOutcome updates health counters for endpoint within chainRef's
// pool and rotates the active index per the pool's strategy on failure
// (spec.md §4.7).
func (s *Service) ReportOutcome(ref chainref.ChainRef, endpointURL string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[ref.String()]
	if !ok {
		return
	}
	h, ok := p.health[endpointURL]
	if !ok {
		h = &endpointHealth{}
		p.health[endpointURL] = h
	}

	if outcome.Success {
		wasUnhealthy := h.consecutiveFailures > 0
		h.consecutiveFailures = 0
		h.consecutiveSuccesses++
		h.cooldownUntil = time.Time{}
		if wasUnhealthy {
			s.log.Info("network: endpoint recovered", zap.String("chainRef", ref.String()), zap.String("endpoint", endpointURL))
		}
		return
	}

	h.consecutiveSuccesses = 0
	h.consecutiveFailures++
	h.cooldownUntil = s.now().Add(defaultCooldown)
	if outcome.Err != nil {
		h.lastError = outcome.Err.Error()
	}
	s.rotateLocked(p)
}

// rotateLocked advances p.activeIdx per its strategy. Must hold s.mu.
func (s *Service) rotateLocked(p *pool) {
	if len(p.endpoints) < 2 {
		return
	}
	current := p.endpoints[p.activeIdx%len(p.endpoints)]
	h := p.health[current.URL]

	switch p.strategy {
	case StrategyFailover:
		// strict order: never rotate back to an earlier endpoint
		if p.activeIdx+1 < len(p.endpoints) {
			p.activeIdx++
		}
	case StrategySticky:
		if h != nil && h.consecutiveFailures >= stickyFailureThreshold {
			p.activeIdx = (p.activeIdx + 1) % len(p.endpoints)
		}
	default: // StrategyRoundRobin
		p.activeIdx = (p.activeIdx + 1) % len(p.endpoints)
	}
}

// IsHealthy reports whether endpointURL is outside its cooldown window.
func (s *Service) IsHealthy(ref chainref.ChainRef, endpointURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[ref.String()]
	if !ok {
		return true
	}
	h, ok := p.health[endpointURL]
	if !ok {
		return true
	}
	return !s.now().Before(h.cooldownUntil)
}

// KnownChains returns every chain registered in the chain registry port.
func (s *Service) KnownChains(ctx context.Context) ([]*storage.ChainRegistryRecord, error) {
	return s.registry.GetAll(ctx)
}

// RegisterChain persists entry in the chain registry port (spec.md §6
// "chain-registry" store), used by the UI-driven add-network flow. Unlike
// ConfigurePool, this only records display metadata; it does not touch the
// endpoint pool used for signing/broadcast.
func (s *Service) RegisterChain(ctx context.Context, entry chainref.ChainRegistryEntry) error {
	if s.registry == nil {
		return nil
	}
	metadata, err := entry.Encode()
	if err != nil {
		return werrors.Wrap(werrors.ReasonChainUnknown, "encode chain metadata", err)
	}
	rec := &storage.ChainRegistryRecord{
		ChainRef:      entry.ChainRef.String(),
		Namespace:     entry.Namespace,
		Metadata:      metadata,
		SchemaVersion: entry.SchemaVersion,
		UpdatedAt:     s.now(),
	}
	if err := s.registry.Put(ctx, rec); err != nil {
		return werrors.Wrap(werrors.ReasonChainUnknown, "persist chain registry entry", err)
	}
	return nil
}

// KnownChainEntries decodes every chain registry record into its typed
// form, dropping (and logging) any record that fails to decode rather than
// failing the whole call (spec.md §7).
func (s *Service) KnownChainEntries(ctx context.Context) ([]chainref.ChainRegistryEntry, error) {
	recs, err := s.KnownChains(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chainref.ChainRegistryEntry, 0, len(recs))
	for _, rec := range recs {
		entry, err := chainref.DecodeChainRegistryEntry(rec.Metadata)
		if err != nil {
			s.log.Warn("network: dropping corrupt chain registry entry", zap.String("chainRef", rec.ChainRef), zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
