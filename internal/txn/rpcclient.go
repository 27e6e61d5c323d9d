package txn

import (
	"context"

	"github.com/shieldkey/walletcore/internal/keyring"
)

// RPCClient is the namespace RPC surface the transaction controller needs.
// internal/rpcclient/eip155 provides the concrete implementation; this
// package depends only on the interface so it can be tested with a fake.
type RPCClient interface {
	PendingNonce(ctx context.Context, chainRef, address string) (uint64, error)
	SuggestFees(ctx context.Context, chainRef string) (gasTipCap, gasFeeCap string, err error)
	EstimateGas(ctx context.Context, chainRef string, req Request) (uint64, error)
	Broadcast(ctx context.Context, chainRef string, signedTxRaw []byte) (hash string, err error)
	Receipt(ctx context.Context, chainRef, hash string) (ReceiptOutcome, error)
	// ConfirmedNonce returns the sender's latest confirmed nonce, used for
	// replacement detection (spec.md §4.5 receipt tracker step b).
	ConfirmedNonce(ctx context.Context, chainRef, address string) (uint64, error)
	// BuildAndSign assembles the namespace-native transaction from preview
	// and signs it via signer, returning the wire-ready raw bytes.
	BuildAndSign(ctx context.Context, chainRef string, preview Preview, signer keyring.Signer) ([]byte, error)
}
