// Package storage declares the abstract record-store ports every
// controller persists through (spec.md §6). Concrete backends (file-based
// reference implementations live in internal/storage/filestore) implement
// these interfaces; the controllers in this module depend only on the
// interfaces, never a concrete store.
//
// Grounded on the teacher's storage abstractions: the CRUD-by-primary-key
// shape of src/chainadapter/storage/store.go's TransactionStateStore, and
// the atomic-write discipline of internal/services/storage/file.go.
package storage

import (
	"context"
	"time"
)

// VaultMetaPayload is the non-secret portion of vault metadata persisted
// alongside the ciphertext (spec.md §6).
type VaultMetaPayload struct {
	CiphertextVersion    int
	CiphertextAlgorithm  string
	CiphertextSalt       []byte
	CiphertextIterations int
	CiphertextIV         []byte
	CiphertextCipher     []byte
	CiphertextCreatedAt  time.Time
	HasCiphertext        bool
	AutoLockDurationMs   int64
	InitializedAt        time.Time
}

// VaultMetaSnapshot is the full persisted record (spec.md §6).
type VaultMetaSnapshot struct {
	Version   int
	UpdatedAt time.Time
	Payload   VaultMetaPayload
}

// VaultMetaStore persists the vault's ciphertext and settings.
type VaultMetaStore interface {
	Load(ctx context.Context) (*VaultMetaSnapshot, error)
	Save(ctx context.Context, snap *VaultMetaSnapshot) error
	Clear(ctx context.Context) error
}

// KeyringMetaRecord is the non-secret metadata about a keyring: its alias,
// creation time, and whether the user has confirmed a backup. Survives
// vault lock (spec.md §4.3).
type KeyringMetaRecord struct {
	ID         string
	Kind       string // "hd" | "private-key"
	Namespace  string
	Alias      string
	CreatedAt  time.Time
	BackedUp   bool
}

// KeyringMetaStore persists KeyringMetaRecord by ID.
type KeyringMetaStore interface {
	Get(ctx context.Context, id string) (*KeyringMetaRecord, error)
	GetAll(ctx context.Context) ([]*KeyringMetaRecord, error)
	Put(ctx context.Context, rec *KeyringMetaRecord) error
	Delete(ctx context.Context, id string) error
}

// AccountRecord is the persisted, non-secret projection of an account
// (spec.md §3).
type AccountRecord struct {
	AccountID string
	ChainRef  string
	Address   string
	KeyringID string
	Index     int // derivation index for hd keyrings, 0 for private-key
}

// AccountStore persists AccountRecord by account id.
type AccountStore interface {
	Get(ctx context.Context, accountID string) (*AccountRecord, error)
	GetAll(ctx context.Context) ([]*AccountRecord, error)
	Put(ctx context.Context, rec *AccountRecord) error
	Delete(ctx context.Context, accountID string) error
}

// PermissionRecord is the persisted permission grant set keyed by
// (origin, namespace) (spec.md §3).
type PermissionRecord struct {
	Origin    string
	Namespace string
	Grants    map[string][]string // chainRef -> capabilities
}

// PermissionStore persists PermissionRecord by (origin, namespace).
type PermissionStore interface {
	Get(ctx context.Context, origin, namespace string) (*PermissionRecord, error)
	GetAll(ctx context.Context) ([]*PermissionRecord, error)
	Put(ctx context.Context, rec *PermissionRecord) error
	Delete(ctx context.Context, origin, namespace string) error
	Clear(ctx context.Context) error
}

// ChainRegistryRecord is the persisted form of chainref.ChainRegistryEntry.
type ChainRegistryRecord struct {
	ChainRef      string
	Namespace     string
	Metadata      []byte // encoded chainref.ChainRegistryEntry
	SchemaVersion int
	UpdatedAt     time.Time
}

// ChainRegistryStore persists ChainRegistryRecord by chainRef.
type ChainRegistryStore interface {
	Get(ctx context.Context, chainRef string) (*ChainRegistryRecord, error)
	GetAll(ctx context.Context) ([]*ChainRegistryRecord, error)
	Put(ctx context.Context, rec *ChainRegistryRecord) error
	PutMany(ctx context.Context, recs []*ChainRegistryRecord) error
	Delete(ctx context.Context, chainRef string) error
	Clear(ctx context.Context) error
}

// SettingsStore persists arbitrary named JSON-like blobs (theme, language,
// etc.), written through the serial queue described in spec.md §5.
type SettingsStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// NetworkPreferences is the persisted active-chain selection (spec.md §4.7).
type NetworkPreferences struct {
	ActiveChainRef string
}

// NetworkPreferencesStore persists the single NetworkPreferences record.
type NetworkPreferencesStore interface {
	Load(ctx context.Context) (*NetworkPreferences, error)
	Save(ctx context.Context, prefs *NetworkPreferences) error
}

// NetworkRPCPreference is a persisted per-chain endpoint pool and strategy.
type NetworkRPCPreference struct {
	ChainRef string
	Strategy string
	Endpoints []string
}

// NetworkRPCPreferencesStore persists NetworkRPCPreference by chainRef.
type NetworkRPCPreferencesStore interface {
	Get(ctx context.Context, chainRef string) (*NetworkRPCPreference, error)
	GetAll(ctx context.Context) ([]*NetworkRPCPreference, error)
	Put(ctx context.Context, rec *NetworkRPCPreference) error
}

// ApprovalRecord is the persisted-for-crash-recovery projection of a
// pending approval task. The in-memory resolver/rejecter (spec.md §4.4)
// is never persisted; only enough to reconstruct an "expired" disposition
// across a restart.
type ApprovalRecord struct {
	ID        string
	Type      string
	Origin    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ApprovalStore persists ApprovalRecord by id.
type ApprovalStore interface {
	Get(ctx context.Context, id string) (*ApprovalRecord, error)
	GetAll(ctx context.Context) ([]*ApprovalRecord, error)
	Put(ctx context.Context, rec *ApprovalRecord) error
	Delete(ctx context.Context, id string) error
}

// TransactionRecord is the persisted form of a transaction (spec.md §3).
type TransactionRecord struct {
	ID            string
	Namespace     string
	ChainRef      string
	Origin        string
	FromAccountID string
	RequestJSON   []byte
	Status        string
	Hash          string
	Nonce         uint64
	ReceiptJSON   []byte
	ErrorJSON     []byte
	UserRejected  bool
	Warnings      []string
	Issues        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionStore persists TransactionRecord and supports the CAS update
// required by spec.md §4.5.
type TransactionStore interface {
	Get(ctx context.Context, id string) (*TransactionRecord, error)
	GetAll(ctx context.Context) ([]*TransactionRecord, error)
	GetByStatus(ctx context.Context, status string) ([]*TransactionRecord, error)
	FindByChainRefAndHash(ctx context.Context, chainRef, hash string) (*TransactionRecord, error)
	Put(ctx context.Context, rec *TransactionRecord) error

	// UpdateIfStatus applies mutate to the stored record only if its
	// persisted Status equals expectedStatus at the moment of write
	// (spec.md §4.5 CAS guard). Returns the updated record and true on
	// success, or (nil, false) if the precondition did not hold —  a
	// benign race the caller must treat as "the other writer won".
	UpdateIfStatus(ctx context.Context, id, expectedStatus string, mutate func(*TransactionRecord)) (*TransactionRecord, bool, error)
}
