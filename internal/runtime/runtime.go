// Package runtime assembles every controller into one process-lifetime
// object (spec.md §9's "no ambient globals" design note, and the
// GLOSSARY's "Global mutable state -> explicit runtime struct"). Grounded
// on cmd/arcsign/main.go's top-level wiring of services
// (wallet/address/crypto/hdkey/bip39service/coinregistry/storage) into one
// flow, generalized here from a function-local wiring block into a
// reusable, destroyable Runtime value so a host process (cmd/walletcored,
// or a test harness) can start and tear down a full wallet core without
// package-level state.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/attention"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/config"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/obs"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/providerbridge"
	"github.com/shieldkey/walletcore/internal/rpcclient/eip155"
	"github.com/shieldkey/walletcore/internal/rpcengine"
	"github.com/shieldkey/walletcore/internal/storage/filestore"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/uibridge"
	"github.com/shieldkey/walletcore/internal/vault"
)

// Runtime wires together every controller this core exposes, reading its
// data directory, approval TTL and RPC endpoint seed list from a
// config.RuntimeConfig. A zero Runtime is not usable; construct with New.
type Runtime struct {
	cfg config.RuntimeConfig
	log *zap.Logger

	Messenger *messenger.Messenger
	Vault     *vault.Vault
	Keyring   *keyring.Service
	Perms     *permission.Service
	Network   *network.Service
	Approvals *approval.Queue
	Attention *attention.Queue
	Txns      *txn.Controller
	RPC       *eip155.Client
	Engine    *rpcengine.Engine
	UIBridge  *uibridge.Bridge
	Provider  *providerbridge.Bridge
	Metrics   *obs.Metrics

	sub *eip155.SubscriptionClient
}

// New wires every controller from cfg. It does not read persisted state or
// start any background activity; call Start for that.
func New(cfg config.RuntimeConfig, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}

	msgr := messenger.New(log)

	vaultStore := filestore.NewVaultMetaStore(cfg.DataDir)
	keyringStore := filestore.NewKeyringMetaStore(cfg.DataDir)
	acctStore := filestore.NewAccountStore(cfg.DataDir)
	permStore := filestore.NewPermissionStore(cfg.DataDir)
	prefsStore := filestore.NewNetworkPreferencesStore(cfg.DataDir)
	rpcPrefsStore := filestore.NewNetworkRPCPreferencesStore(cfg.DataDir)
	registryStore := filestore.NewChainRegistryStore(cfg.DataDir)
	approvalStore := filestore.NewApprovalStore(cfg.DataDir)
	txnStore := filestore.NewTransactionStore(cfg.DataDir)

	audit, err := obs.NewAuditLog(filepath.Join(cfg.DataDir, "audit.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("runtime: open audit log: %w", err)
	}
	v := vault.New(vaultStore, msgr, log, vault.WithAuditLog(audit))

	ctx := context.Background()

	net, err := network.New(ctx, prefsStore, rpcPrefsStore, registryStore, msgr, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: construct network service: %w", err)
	}
	if err := seedConfiguredChains(ctx, net, cfg.RPCEndpoints); err != nil {
		return nil, fmt.Errorf("runtime: seed configured rpc endpoints: %w", err)
	}

	keys := keyring.New(v, msgr, keyringStore, acctStore, log)

	perms, err := permission.New(ctx, permStore, msgr, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: construct permission service: %w", err)
	}

	approvals := approval.New(msgr, approvalStore, log, approval.WithTTL(cfg.ApprovalTTL))
	attn := attention.New(msgr)

	rpc := eip155.NewClient(net, 15*time.Second, log)
	txns := txn.New(txnStore, rpc, keys, perms, approvals, msgr, log)

	engine := rpcengine.New(v, perms, net, keys, txns, approvals, attn, rpc, log)

	ui := uibridge.New(v, keys, perms, net, txns, approvals, attn, msgr, log)
	provider := providerbridge.New(engine, net, keys, v, msgr, log)

	metrics := obs.NewMetrics(prometheus.NewRegistry())
	engine.SetMetrics(metrics)
	txns.SetMetrics(metrics)

	return &Runtime{
		cfg: cfg, log: log,
		Messenger: msgr, Vault: v, Keyring: keys, Perms: perms, Network: net,
		Approvals: approvals, Attention: attn, Txns: txns, RPC: rpc, Engine: engine,
		UIBridge: ui, Provider: provider, Metrics: metrics,
	}, nil
}

// seedConfiguredChains registers an RPC endpoint pool for every chain id
// found in config.RuntimeConfig.RPCEndpoints (spec.md §4.7's "initial pool
// comes from configuration, not discovery").
func seedConfiguredChains(ctx context.Context, net *network.Service, endpoints map[string][]string) error {
	for chainID, urls := range endpoints {
		ref := chainref.ChainRef{Namespace: chainref.NamespaceEIP155, Reference: chainID}
		pool := make([]network.Endpoint, 0, len(urls))
		for _, url := range urls {
			pool = append(pool, network.Endpoint{URL: url, Weight: 1})
		}
		if err := net.ConfigurePool(ctx, ref, network.StrategyFailover, pool); err != nil {
			return fmt.Errorf("configure pool for %s: %w", ref, err)
		}
	}
	return nil
}

// Start restores persisted state and resumes background work: the vault's
// encrypted blob (so a correct password unlocks immediately), and every
// transaction left in-flight when the process last exited (spec.md §4.5
// "cold-start resume"). If wsURL is non-empty, Start also dials a
// newHeads subscription and wires it as the receipt tracker's wakeup
// signal, so confirmations land as soon as a block arrives instead of
// waiting out the next backoff interval.
func (r *Runtime) Start(ctx context.Context, wsURL string) error {
	if err := r.Vault.LoadPersisted(ctx); err != nil {
		return fmt.Errorf("runtime: load persisted vault state: %w", err)
	}
	if err := r.Txns.ResumeAfterRestart(ctx); err != nil {
		return fmt.Errorf("runtime: resume transactions after restart: %w", err)
	}

	if wsURL != "" {
		sub, err := eip155.DialSubscriptionClient(ctx, wsURL, r.log)
		if err != nil {
			r.log.Warn("runtime: newHeads subscription unavailable, falling back to pure backoff polling", zap.Error(err))
		} else {
			r.sub = sub
			heads, _, err := sub.Subscribe(ctx, "newHeads")
			if err != nil {
				r.log.Warn("runtime: subscribe to newHeads failed", zap.Error(err))
			} else {
				wakeup := make(chan struct{}, 1)
				r.Txns.SetHeadWakeup(wakeup)
				go forwardHeads(heads, wakeup)
			}
		}
	}

	return nil
}

// forwardHeads drains every newHeads notification into a non-blocking
// signal channel: the receipt tracker only cares that a new head arrived,
// never which one or how many, so a full buffer of one is sufficient and
// a slow consumer never blocks the subscription's read loop.
func forwardHeads(heads <-chan json.RawMessage, wakeup chan<- struct{}) {
	for range heads {
		select {
		case wakeup <- struct{}{}:
		default:
		}
	}
}

// Destroy tears down every controller's background goroutines and
// messenger subscriptions (spec.md §5 "process teardown"). Safe to call
// once after Start or New; not idempotent.
func (r *Runtime) Destroy() {
	if r.sub != nil {
		r.sub.Close()
	}
	r.Provider.Destroy()
	r.UIBridge.Destroy()
	r.Txns.Destroy()
}
