package rpcengine

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/permission"
	"github.com/shieldkey/walletcore/internal/txn"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// registerEIP155MethodTable installs spec.md §4.6's "Eip155 method table"
// and read-only passthrough allowlist.
func registerEIP155MethodTable(e *Engine) {
	e.methods["eth_chainId"] = MethodDef{
		LockedPolicy: LockedAllow,
		Handler:      handleChainID,
	}
	e.methods["eth_accounts"] = MethodDef{
		LockedPolicy:   LockedResponse,
		LockedResponse: []string{},
		Handler:        handleAccounts,
	}
	e.methods["eth_requestAccounts"] = MethodDef{
		Capability: permission.CapabilityAccounts,
		Handler:    handleRequestAccounts,
	}
	e.methods["wallet_switchEthereumChain"] = MethodDef{
		Capability: permission.CapabilityBasic,
		Handler:    handleSwitchChain,
	}
	e.methods["wallet_addEthereumChain"] = MethodDef{
		Capability: permission.CapabilityBasic,
		Handler:    handleAddChain,
	}
	e.methods["personal_sign"] = MethodDef{
		Capability:      permission.CapabilitySign,
		PermissionCheck: PermissionScope,
		Handler:         handlePersonalSign,
	}
	e.methods["eth_signTypedData_v4"] = MethodDef{
		Capability:      permission.CapabilitySign,
		PermissionCheck: PermissionScope,
		Handler:         handleSignTypedData,
	}
	e.methods["eth_sendTransaction"] = MethodDef{
		Capability:      permission.CapabilitySendTransaction,
		PermissionCheck: PermissionScope,
		Handler:         handleSendTransaction,
	}
	e.methods["wallet_getPermissions"] = MethodDef{
		LockedPolicy: LockedAllow,
		Handler:      handleGetPermissions,
	}
	e.methods["wallet_requestPermissions"] = MethodDef{
		Capability: permission.CapabilityBasic,
		Handler:    handleRequestPermissions,
	}

	for _, m := range []string{
		"eth_blockNumber", "eth_getBalance", "eth_getTransactionCount", "eth_gasPrice",
		"eth_getCode", "eth_call", "eth_getLogs", "eth_getBlockByHash", "eth_getBlockByNumber",
		"eth_getTransactionByHash", "eth_getTransactionByBlockHashAndIndex",
		"eth_getTransactionByBlockNumberAndIndex", "eth_getTransactionReceipt",
		"eth_feeHistory", "net_version", "web3_clientVersion",
	} {
		e.readOnlyAllowlist[m] = true
		e.lockedPassthroughOK[m] = true
	}
}

func handleChainID(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "resolve active chain", err)
	}
	chainID, ok := new(big.Int).SetString(ref.Reference, 10)
	if !ok {
		return nil, werrors.New(werrors.ReasonChainUnknown, "active chain reference is not numeric")
	}
	return "0x" + chainID.Text(16), nil
}

func handleAccounts(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "resolve active chain", err)
	}
	return e.perms.GetPermittedAccounts(inv.Origin, inv.Namespace, ref, ownedAddresses(e.keys)), nil
}

func handleRequestAccounts(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "resolve active chain", err)
	}
	if e.perms.HasCapability(inv.Origin, inv.Namespace, ref, permission.CapabilityAccounts) {
		return e.perms.GetPermittedAccounts(inv.Origin, inv.Namespace, ref, ownedAddresses(e.keys)), nil
	}

	if _, err := e.approvals.RequestApproval(ctx, approval.TypeRequestAccounts, inv.Origin, inv.Namespace, inv.ChainRef, nil, reqCtx); err != nil {
		return nil, err
	}
	if err := e.perms.Grant(ctx, inv.Origin, inv.Namespace, ref, permission.CapabilityBasic, permission.CapabilityAccounts); err != nil {
		return nil, err
	}
	return e.perms.GetPermittedAccounts(inv.Origin, inv.Namespace, ref, ownedAddresses(e.keys)), nil
}

func handleSwitchChain(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	var params struct {
		ChainID string `json:"chainId"`
	}
	if err := decodeFirstParam(inv.Params, &params); err != nil {
		return nil, err
	}
	chainID, ok := new(bigIntParser).parse(params.ChainID)
	if !ok {
		return nil, werrors.New(werrors.ReasonRPCInvalidParams, "invalid chainId")
	}
	ref := chainref.EIP155ChainRef(chainID.Uint64())

	if _, err := e.approvals.RequestApproval(ctx, approval.TypeSwitchChain, inv.Origin, inv.Namespace, ref.String(), params, reqCtx); err != nil {
		return nil, err
	}
	if err := e.net.SwitchActive(ctx, ref); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleAddChain(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	var params struct {
		ChainID        string   `json:"chainId"`
		ChainName      string   `json:"chainName"`
		NativeCurrency struct {
			Name     string `json:"name"`
			Symbol   string `json:"symbol"`
			Decimals int    `json:"decimals"`
		} `json:"nativeCurrency"`
		RPCUrls           []string `json:"rpcUrls"`
		BlockExplorerURLs []string `json:"blockExplorerUrls"`
	}
	if err := decodeFirstParam(inv.Params, &params); err != nil {
		return nil, err
	}
	entry, err := chainref.NormalizeChainMetadata(chainref.ChainMetadataInput{
		ChainIDHex: params.ChainID,
		ChainName:  params.ChainName,
		NativeCurrency: chainref.NativeCurrency{
			Name: params.NativeCurrency.Name, Symbol: params.NativeCurrency.Symbol, Decimals: params.NativeCurrency.Decimals,
		},
		RPCURLs:           params.RPCUrls,
		BlockExplorerURLs: params.BlockExplorerURLs,
	})
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInvalidParams, "invalid chain metadata", err)
	}

	if _, err := e.approvals.RequestApproval(ctx, approval.TypeAddChain, inv.Origin, inv.Namespace, entry.ChainRef.String(), params, reqCtx); err != nil {
		return nil, err
	}
	endpoints := make([]network.Endpoint, len(entry.RPCURLs))
	for i, u := range entry.RPCURLs {
		endpoints[i] = network.Endpoint{URL: u}
	}
	if err := e.net.ConfigurePool(ctx, entry.ChainRef, network.StrategyFailover, endpoints); err != nil {
		return nil, err
	}
	if err := e.net.RegisterChain(ctx, entry); err != nil {
		return nil, err
	}
	return nil, nil
}

func handlePersonalSign(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	var params []string
	if err := json.Unmarshal(inv.Params, &params); err != nil || len(params) < 2 {
		return nil, werrors.New(werrors.ReasonRPCInvalidParams, "personal_sign requires [message, address]")
	}
	message, address := params[0], params[1]

	canonical, err := chainref.CanonicalizeAddress(chainref.NamespaceEIP155, address)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainInvalidAddress, "invalid address", err)
	}

	if _, err := e.approvals.RequestApproval(ctx, approval.TypeSignMessage, inv.Origin, inv.Namespace, inv.ChainRef, message, reqCtx); err != nil {
		return nil, err
	}
	signer, err := e.keys.SignerFor(canonical)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignMessage([]byte(message))
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInternal, "sign message", err)
	}
	return "0x" + hexEncode(sig), nil
}

func handleSignTypedData(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	var params []string
	if err := json.Unmarshal(inv.Params, &params); err != nil || len(params) < 2 {
		return nil, werrors.New(werrors.ReasonRPCInvalidParams, "eth_signTypedData_v4 requires [address, typedData]")
	}
	address, typedDataJSON := params[0], params[1]

	canonical, err := chainref.CanonicalizeAddress(chainref.NamespaceEIP155, address)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainInvalidAddress, "invalid address", err)
	}
	digest, err := eip712Digest([]byte(typedDataJSON))
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInvalidParams, "hash typed data", err)
	}

	if _, err := e.approvals.RequestApproval(ctx, approval.TypeSignTypedData, inv.Origin, inv.Namespace, inv.ChainRef, typedDataJSON, reqCtx); err != nil {
		return nil, err
	}
	signer, err := e.keys.SignerFor(canonical)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignTypedDataHash(digest)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInternal, "sign typed data", err)
	}
	return "0x" + hexEncode(sig), nil
}

func handleSendTransaction(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	var params []txn.Request
	if err := json.Unmarshal(inv.Params, &params); err != nil || len(params) < 1 {
		return nil, werrors.New(werrors.ReasonRPCInvalidParams, "eth_sendTransaction requires [txRequest]")
	}
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "resolve active chain", err)
	}

	rec, err := e.txns.RequestTransactionApproval(ctx, inv.Origin, inv.Namespace, ref, params[0], reqCtx)
	if err != nil {
		return nil, err
	}
	return rec.Hash, nil
}

func handleGetPermissions(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	out := make([]storagePermissionView, 0)
	for _, rec := range e.perms.Snapshot() {
		if rec.Origin == inv.Origin {
			out = append(out, storagePermissionView{Namespace: rec.Namespace, Grants: rec.Grants})
		}
	}
	return out, nil
}

func handleRequestPermissions(ctx context.Context, e *Engine, inv Invocation, reqCtx approval.RequestContext) (any, error) {
	ref, err := chainref.Parse(inv.ChainRef)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonChainUnknown, "resolve active chain", err)
	}
	if _, err := e.approvals.RequestApproval(ctx, approval.TypeRequestPermissions, inv.Origin, inv.Namespace, inv.ChainRef, inv.Params, reqCtx); err != nil {
		return nil, err
	}
	if err := e.perms.Grant(ctx, inv.Origin, inv.Namespace, ref, permission.CapabilityBasic); err != nil {
		return nil, err
	}
	return handleGetPermissions(ctx, e, inv, reqCtx)
}

type storagePermissionView struct {
	Namespace string              `json:"namespace"`
	Grants    map[string][]string `json:"grants"`
}

func ownedAddresses(keys *keyring.Service) []string {
	accounts := keys.Accounts()
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Address
	}
	return out
}

func decodeFirstParam(raw json.RawMessage, out any) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 {
		return werrors.New(werrors.ReasonRPCInvalidParams, "expected a single-element params array")
	}
	if err := json.Unmarshal(arr[0], out); err != nil {
		return werrors.Wrap(werrors.ReasonRPCInvalidParams, "decode params", err)
	}
	return nil
}
