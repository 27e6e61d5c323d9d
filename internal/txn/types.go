package txn

import "time"

// Status is one node of the transaction state machine (spec.md §4.5).
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSigned    Status = "signed"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReplaced  Status = "replaced"
)

// Request is the caller-supplied transaction intent before any field
// resolution (spec.md §4.5 step 1-2).
type Request struct {
	From     string
	To       string
	ValueWei string
	Data     []byte
	Nonce    *uint64 // nil => resolve via RPC
	GasLimit *uint64
	GasPrice *string // legacy
	GasTipCap *string // EIP-1559
	GasFeeCap *string
}

// Preview is the resolved draft shown to the user for approval (spec.md
// §4.5 step 2).
type Preview struct {
	From      string
	To        string
	ValueWei  string
	Data      []byte
	Nonce     uint64
	GasLimit  uint64
	GasTipCap string
	GasFeeCap string
	Warnings  []string
	Issues    []string
}

// ReceiptOutcome is what the namespace RPC client reports for a queried
// transaction hash.
type ReceiptOutcome struct {
	Found           bool
	Success         bool
	TransactionHash string // must echo the queried hash (spec.md "receipt-hash integrity")
	ReceiptJSON     []byte
}

// Record is the in-memory/public projection of a transaction (spec.md §3).
type Record struct {
	ID            string
	Namespace     string
	ChainRef      string
	Origin        string
	FromAccountID string
	Status        Status
	Hash          string
	UserRejected  bool
	Warnings      []string
	Issues        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
