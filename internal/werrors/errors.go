// Package werrors implements the single domain error type shared by every
// controller in the wallet core, grouped by the reason taxonomy the core
// exposes at its boundaries (storage, RPC, approvals, transactions).
package werrors

import "fmt"

// Reason is a machine-readable error identifier, grouped by the component
// that raises it. Reasons cross the RPC boundary serialized into JSON-RPC
// error objects (see internal/rpcengine).
type Reason string

const (
	// Vault
	ReasonVaultNotInitialized    Reason = "vault/not-initialized"
	ReasonVaultAlreadyInit       Reason = "vault/already-initialized"
	ReasonVaultLocked            Reason = "vault/locked"
	ReasonVaultInvalidPassword   Reason = "vault/invalid-password"
	ReasonVaultCorruptCiphertext Reason = "vault/corrupt-ciphertext"
	ReasonVaultRateLimited       Reason = "vault/rate-limited"
	ReasonVaultWeakPassword      Reason = "vault/weak-password"

	// Keyring
	ReasonKeyringNotInitialized Reason = "keyring/not-initialized"
	ReasonKeyringInvalidMnemonic Reason = "keyring/invalid-mnemonic"
	ReasonKeyringInvalidPrivateKey Reason = "keyring/invalid-private-key"
	ReasonKeyringAccountNotFound Reason = "keyring/account-not-found"
	ReasonKeyringDuplicateAccount Reason = "keyring/duplicate-account"
	ReasonKeyringSecretUnavailable Reason = "keyring/secret-unavailable"
	ReasonKeyringIndexOutOfRange Reason = "keyring/index-out-of-range"
	ReasonKeyringInvalidAddress Reason = "keyring/invalid-address"
	ReasonKeyringDerivationFailed Reason = "keyring/derivation-failed"
	ReasonKeyringPersistFailed Reason = "keyring/persist-failed"
	ReasonKeyringNotFound Reason = "keyring/not-found"
	ReasonKeyringWrongKind Reason = "keyring/wrong-kind"

	// Permission
	ReasonPermissionLacksCapability Reason = "permission/lacks-capability"
	ReasonPermissionNotConnected    Reason = "permission/not-connected"

	// Chain
	ReasonChainInvalidAddress Reason = "chain/invalid-address"
	ReasonChainNotCompatible  Reason = "chain/not-compatible"
	ReasonChainUnknown        Reason = "chain/unknown-chain"

	// RPC
	ReasonRPCInvalidRequest  Reason = "rpc/invalid-request"
	ReasonRPCInvalidParams   Reason = "rpc/invalid-params"
	ReasonRPCMethodNotFound  Reason = "rpc/method-not-found"
	ReasonRPCInternal        Reason = "rpc/internal"
	ReasonRPCSessionLocked   Reason = "rpc/session-locked"
	ReasonRPCApprovalRejected Reason = "rpc/approval-rejected" // -> JSON-RPC 4001

	// Approval
	ReasonApprovalRejected Reason = "approval/rejected"
	ReasonApprovalExpiredTimeout     Reason = "approval/expired-timeout"
	ReasonApprovalExpiredSessionLost Reason = "approval/expired-session-lost"
	ReasonApprovalExpiredInternal    Reason = "approval/expired-internal-error"

	// Transaction
	ReasonTxResolutionFailed Reason = "transaction/resolution-failed"
	ReasonTxReplaced         Reason = "transaction/replaced"
	ReasonTxReceiptTimeout   Reason = "transaction/receipt-timeout"
)

// JSONRPCApprovalRejectedCode is the wire code carried by ReasonRPCApprovalRejected.
const JSONRPCApprovalRejectedCode = 4001

// Error is the single domain error type the controllers return for the
// reasons above. Storage backends, the eip155 RPC transport, the runtime
// wiring and a few vault I/O paths return plain wrapped errors instead.
type Error struct {
	Reason  Reason
	Message string
	Data    any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(reason Reason, message string, cause error) *Error {
	return &Error{Reason: reason, Message: message, Cause: cause}
}

// WithData attaches structured data (e.g. a transaction record) to the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Is reports whether err is a *Error with the given reason.
func Is(err error, reason Reason) bool {
	we, ok := err.(*Error)
	if !ok {
		return false
	}
	return we.Reason == reason
}

// ReasonOf extracts the Reason from err, or "" if err is not a *Error.
func ReasonOf(err error) Reason {
	we, ok := err.(*Error)
	if !ok {
		return ""
	}
	return we.Reason
}
