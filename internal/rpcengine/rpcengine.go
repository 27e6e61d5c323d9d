// Package rpcengine implements the five-stage middleware chain a web-origin
// JSON-RPC request traverses (spec.md §4.6): resolve-invocation →
// locked-guard → permission-guard → dispatch → passthrough. Grounded on the
// teacher's ChainAdapter contract (src/chainadapter/adapter.go) for the idea
// of a capability-checked, schema-validated operation table, generalized
// here from one adapter method per blockchain action to one middleware per
// pipeline stage.
package rpcengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/attention"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/obs"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// InternalOrigin identifies the UI's own requests, which bypass the
// locked-guard and permission-guard (spec.md §4.6: "the UI acts as the
// user and must be able to drive lock/unlock and onboarding even when
// untrusted callers cannot").
const InternalOrigin = "internal://ui"

// LockedPolicy governs how a method behaves while the vault is locked and
// the caller is not the internal UI origin.
type LockedPolicy int

const (
	// LockedDeny rejects with session-locked and enqueues an
	// unlock-required attention request. The default for any method with
	// a non-empty Capability.
	LockedDeny LockedPolicy = iota
	// LockedAllow passes the method through even while locked.
	LockedAllow
	// LockedResponse short-circuits with a fixed literal response.
	LockedResponse
)

// PermissionCheck selects what the permission-guard requires.
type PermissionCheck int

const (
	PermissionNone      PermissionCheck = iota // no check (public method)
	PermissionConnected                        // origin must hold any grant for (namespace, chainRef)
	PermissionScope                            // origin must hold MethodDef.Capability for (namespace, chainRef)
)

// Invocation is the resolved request context attached by resolve-invocation
// (spec.md §4.6 step 1, and the GLOSSARY's "Invocation").
type Invocation struct {
	Origin    string
	Method    string
	Params    json.RawMessage
	Namespace string
	ChainRef  string
}

// HandlerFunc implements one method's dispatch behavior.
type HandlerFunc func(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error)

// MethodDef is one row of the per-namespace method registry (spec.md §4.6).
type MethodDef struct {
	Capability      permission.Capability // "" means public, no capability required
	PermissionCheck PermissionCheck
	LockedPolicy    LockedPolicy
	LockedResponse  any // used only when LockedPolicy == LockedResponse
	Handler         HandlerFunc
}

// PassthroughClient is the namespace RPC surface the passthrough stage
// forwards unregistered read-only methods to.
type PassthroughClient interface {
	Call(ctx context.Context, chainRef, method string, params ...any) (json.RawMessage, error)
}

// Engine is the RPC middleware pipeline. One Engine serves every web
// session; per-session identity is carried by origin and
// approval.RequestContext alone.
type Engine struct {
	vault       *vault.Vault
	perms       *permission.Service
	net         *network.Service
	keys        *keyring.Service
	txns        *txn.Controller
	approvals   *approval.Queue
	attention   *attention.Queue
	passthrough PassthroughClient
	log         *zap.Logger
	metrics     *obs.Metrics

	methods              map[string]MethodDef
	readOnlyAllowlist    map[string]bool
	lockedPassthroughOK  map[string]bool
}

// SetMetrics wires an optional Prometheus counter/histogram set; a nil
// Metrics (the default) makes every recording call a no-op.
func (e *Engine) SetMetrics(m *obs.Metrics) {
	e.metrics = m
}

// New constructs an Engine with the eip155 method table installed (spec.md
// §4.6 "Eip155 method table").
func New(v *vault.Vault, perms *permission.Service, net *network.Service, keys *keyring.Service, txns *txn.Controller, approvals *approval.Queue, attn *attention.Queue, passthrough PassthroughClient, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		vault: v, perms: perms, net: net, keys: keys, txns: txns,
		approvals: approvals, attention: attn, passthrough: passthrough, log: log,
		methods:             make(map[string]MethodDef),
		readOnlyAllowlist:   make(map[string]bool),
		lockedPassthroughOK: make(map[string]bool),
	}
	registerEIP155MethodTable(e)
	return e
}

// Handle runs a JSON-RPC request through the full middleware chain.
func (e *Engine) Handle(ctx context.Context, origin, method string, params json.RawMessage, reqCtx approval.RequestContext) (result any, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordRPCCall(method, time.Since(start), err == nil) }()

	inv := e.resolveInvocation(origin, method, params)

	internal := origin == InternalOrigin
	if !internal {
		if resp, shortCircuited, guardErr := e.lockedGuard(inv); shortCircuited {
			result, err = resp, guardErr
			return
		}
		if guardErr := e.permissionGuard(inv); guardErr != nil {
			err = guardErr
			return
		}
	}

	def, known := e.methods[method]
	if known {
		result, err = def.Handler(ctx, e, inv, reqCtx)
		return
	}
	result, err = e.passthroughStage(ctx, inv)
	return
}

// resolveInvocation is middleware stage 1: it fills namespace/chainRef from
// the active chain when the request doesn't specify one.
func (e *Engine) resolveInvocation(origin, method string, params json.RawMessage) Invocation {
	ref := e.net.ActiveChain()
	namespace := chainref.NamespaceEIP155
	if ref != "" {
		if parsed, err := chainref.Parse(ref); err == nil {
			namespace = parsed.Namespace
		}
	}
	return Invocation{Origin: origin, Method: method, Params: params, Namespace: namespace, ChainRef: ref}
}

// lockedGuard is middleware stage 2. Returns (response, true, err) when the
// chain should short-circuit; (nil, false, nil) to continue the pipeline.
func (e *Engine) lockedGuard(inv Invocation) (any, bool, error) {
	if e.vault == nil || e.vault.IsUnlocked() {
		return nil, false, nil
	}

	def, known := e.methods[inv.Method]
	if !known {
		if e.readOnlyAllowlist[inv.Method] && e.lockedPassthroughOK[inv.Method] {
			return nil, false, nil
		}
		return nil, true, werrors.New(werrors.ReasonRPCMethodNotFound, "method not found")
	}
	switch def.LockedPolicy {
	case LockedAllow:
		return nil, false, nil
	case LockedResponse:
		return def.LockedResponse, true, nil
	default:
		if e.attention != nil {
			e.attention.Push("unlock-required", inv.Origin, inv.Method, inv.ChainRef, inv.Namespace)
		}
		return nil, true, werrors.New(werrors.ReasonVaultLocked, "session is locked")
	}
}

// permissionGuard is middleware stage 3.
func (e *Engine) permissionGuard(inv Invocation) error {
	def, known := e.methods[inv.Method]
	if !known {
		return nil // passthrough methods carry no permission requirement of their own
	}
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return werrors.Wrap(werrors.ReasonChainUnknown, "resolve invocation chain", err)
	}
	switch def.PermissionCheck {
	case PermissionConnected:
		if !e.perms.IsConnected(inv.Origin, inv.Namespace, ref) {
			return werrors.New(werrors.ReasonPermissionNotConnected, "origin is not connected for this chain")
		}
	case PermissionScope:
		if !e.perms.HasCapability(inv.Origin, inv.Namespace, ref, def.Capability) {
			return werrors.New(werrors.ReasonPermissionLacksCapability, "origin lacks required capability")
		}
	}
	return nil
}

// passthroughStage is middleware stage 5.
func (e *Engine) passthroughStage(ctx context.Context, inv Invocation) (any, error) {
	if !e.readOnlyAllowlist[inv.Method] {
		return nil, werrors.New(werrors.ReasonRPCMethodNotFound, fmt.Sprintf("method %q is not recognized", inv.Method))
	}
	var args []any
	if len(inv.Params) > 0 {
		if err := json.Unmarshal(inv.Params, &args); err != nil {
			return nil, werrors.Wrap(werrors.ReasonRPCInvalidParams, "decode passthrough params", err)
		}
	}
	return e.passthrough.Call(ctx, inv.ChainRef, inv.Method, args...)
}
