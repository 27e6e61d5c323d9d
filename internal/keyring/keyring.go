package keyring

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// TopicAccountsChanged is an event topic published whenever the set of
// owned addresses changes: unlock, lock, a new keyring committed, or a
// new index derived. Consumed by internal/uibridge's snapshot and
// internal/providerbridge's EIP-1193 accountsChanged forwarding.
const TopicAccountsChanged = "keyring:accountsChanged"

// AccountsChangedEvent is published on TopicAccountsChanged. It carries no
// payload; subscribers re-read Service.Accounts() for the current set.
type AccountsChangedEvent struct{}

// instance is the in-memory representation of one unlocked keyring. Exactly
// one of node (hd) or signer (private-key) is populated directly; hd
// keyrings additionally cache one eip155Signer per derived index.
type instance struct {
	meta    Meta
	node    *hdNode          // non-nil for KindHD
	signers map[int]*eip155Signer // index -> signer, for KindHD (index 0.. ) and KindPrivateKey (only index 0)
	mnemonic string          // retained in memory for export; cleared on lock
	bip39Passphrase string
	privateKeyHex   string // retained only for KindPrivateKey export
	nextIndex int
}

// Service is the keyring controller (spec.md §4.3). It holds no secret
// material while the vault is locked: on vault:locked it drops every
// instance and zeroizes what it can.
type Service struct {
	v        *vault.Vault
	msgr     *messenger.Messenger
	metaStore storage.KeyringMetaStore
	acctStore storage.AccountStore
	log      *zap.Logger

	mu           sync.Mutex
	instances    map[string]*instance // keyring id -> instance
	addressIndex map[string]addressEntry // canonical address -> owner
}

type addressEntry struct {
	namespace string
	keyringID string
	index     int
}

// New wires Service to the vault's unlocked/locked events.
func New(v *vault.Vault, msgr *messenger.Messenger, metaStore storage.KeyringMetaStore, acctStore storage.AccountStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		v:            v,
		msgr:         msgr,
		metaStore:    metaStore,
		acctStore:    acctStore,
		log:          log,
		instances:    make(map[string]*instance),
		addressIndex: make(map[string]addressEntry),
	}
	msgr.Subscribe(vault.TopicUnlocked, func(any) { s.onUnlocked() })
	msgr.Subscribe(vault.TopicLocked, func(any) { s.onLocked() })
	return s
}

// onUnlocked decrypts the vault payload and rehydrates every keyring entry
// into memory (spec.md §4.3). A corrupt or unparsable payload is logged and
// treated as empty — never a panic.
func (s *Service) onUnlocked() {
	ctx := context.Background()
	raw, err := s.v.Decrypt(ctx)
	if err != nil {
		s.log.Error("keyring: failed to decrypt payload on unlock", zap.Error(err))
		return
	}
	p, err := decodePayload(raw)
	if err != nil {
		s.log.Error("keyring: stored payload is not valid JSON, treating as empty", zap.Error(err))
	}

	s.mu.Lock()
	for _, entry := range p.Entries {
		inst, err := s.rehydrateEntry(entry)
		if err != nil {
			s.log.Error("keyring: failed to rehydrate keyring entry, skipping", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		s.instances[entry.ID] = inst
		s.indexInstanceLocked(entry.ID, inst)
	}
	s.mu.Unlock()
	s.msgr.Publish(TopicAccountsChanged, AccountsChangedEvent{})
}

func (s *Service) rehydrateEntry(entry payloadEntry) (*instance, error) {
	meta := Meta{ID: entry.ID, Kind: entry.Kind, Namespace: entry.Namespace}
	switch entry.Kind {
	case KindHD:
		seed, err := MnemonicToSeed(entry.Mnemonic, entry.BIP39Passphrase)
		if err != nil {
			return nil, err
		}
		node, err := newHDNode(seed)
		if err != nil {
			return nil, err
		}
		inst := &instance{
			meta:            meta,
			node:            node,
			signers:         make(map[int]*eip155Signer),
			mnemonic:        entry.Mnemonic,
			bip39Passphrase: entry.BIP39Passphrase,
		}
		maxIndex := entry.DerivationIndex
		for i := 0; i <= maxIndex; i++ {
			if err := inst.deriveAndCache(i); err != nil {
				return nil, fmt.Errorf("keyring: derive index %d: %w", i, err)
			}
		}
		inst.nextIndex = maxIndex + 1
		return inst, nil
	case KindPrivateKey:
		raw, err := hex.DecodeString(entry.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode private key: %w", err)
		}
		if err := ValidatePrivateKey(raw); err != nil {
			return nil, err
		}
		signer, err := newEIP155Signer(raw)
		if err != nil {
			return nil, err
		}
		inst := &instance{
			meta:          meta,
			signers:       map[int]*eip155Signer{0: signer},
			privateKeyHex: entry.PrivateKeyHex,
		}
		return inst, nil
	default:
		return nil, fmt.Errorf("keyring: unknown kind %q", entry.Kind)
	}
}

func (inst *instance) deriveAndCache(index int) error {
	priv, err := inst.node.derivePrivateKeyAt(uint32(index))
	if err != nil {
		return err
	}
	defer zeroSlice(priv)
	signer, err := newEIP155Signer(priv)
	if err != nil {
		return err
	}
	inst.signers[index] = signer
	return nil
}

// indexInstanceLocked must be called with s.mu held.
func (s *Service) indexInstanceLocked(id string, inst *instance) {
	for index, signer := range inst.signers {
		addr := canonicalOf(signer.Address())
		s.addressIndex[addr] = addressEntry{namespace: inst.meta.Namespace, keyringID: id, index: index}
	}
}

func canonicalOf(checksummed string) string {
	c, err := chainref.CanonicalizeAddress(chainref.NamespaceEIP155, checksummed)
	if err != nil {
		return checksummed
	}
	return c
}

// onLocked drops every in-memory keyring instance and scrubs what secret
// strings it retained for export (spec.md §4.3: "on locked: drop all
// keyring instances ... clear the address index").
func (s *Service) onLocked() {
	s.mu.Lock()
	for _, inst := range s.instances {
		inst.mnemonic = ""
		inst.bip39Passphrase = ""
		inst.privateKeyHex = ""
		inst.signers = nil
		inst.node = nil
	}
	s.instances = make(map[string]*instance)
	s.addressIndex = make(map[string]addressEntry)
	s.mu.Unlock()
	s.msgr.Publish(TopicAccountsChanged, AccountsChangedEvent{})
}

func (s *Service) requireUnlocked() error {
	if !s.v.IsUnlocked() {
		return werrors.New(werrors.ReasonVaultLocked, "vault is locked")
	}
	return nil
}

// CreateHD generates a fresh mnemonic, derives account 0, persists the
// entry through the vault, and registers metadata (spec.md §4.3).
func (s *Service) CreateHD(ctx context.Context, namespace string) (Meta, Account, error) {
	if err := s.requireUnlocked(); err != nil {
		return Meta{}, Account{}, err
	}
	mnemonic, err := GenerateMnemonic(12)
	if err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringDerivationFailed, "generate mnemonic", err)
	}
	return s.importHD(ctx, namespace, mnemonic, "")
}

// ImportHD imports a caller-supplied mnemonic as a new HD keyring.
func (s *Service) ImportHD(ctx context.Context, namespace, mnemonic, bip39Passphrase string) (Meta, Account, error) {
	if err := s.requireUnlocked(); err != nil {
		return Meta{}, Account{}, err
	}
	if err := ValidateMnemonic(mnemonic); err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringInvalidMnemonic, "invalid mnemonic", err)
	}
	return s.importHD(ctx, namespace, mnemonic, bip39Passphrase)
}

func (s *Service) importHD(ctx context.Context, namespace, mnemonic, passphrase string) (Meta, Account, error) {
	seed, err := MnemonicToSeed(mnemonic, passphrase)
	if err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringInvalidMnemonic, "derive seed", err)
	}
	node, err := newHDNode(seed)
	if err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringDerivationFailed, "derive master key", err)
	}

	id := uuid.NewString()
	inst := &instance{
		meta:            Meta{ID: id, Kind: KindHD, Namespace: namespace},
		node:            node,
		signers:         make(map[int]*eip155Signer),
		mnemonic:        mnemonic,
		bip39Passphrase: passphrase,
	}
	if err := inst.deriveAndCache(0); err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringDerivationFailed, "derive account 0", err)
	}
	inst.nextIndex = 1

	acct, err := s.commitNewKeyring(ctx, inst, payloadEntry{
		ID: id, Kind: KindHD, Namespace: namespace,
		Mnemonic: mnemonic, BIP39Passphrase: passphrase, DerivationIndex: 0,
	})
	if err != nil {
		return Meta{}, Account{}, err
	}
	return inst.meta, acct, nil
}

// ImportPrivateKey imports a raw secp256k1 key as a single-account keyring.
func (s *Service) ImportPrivateKey(ctx context.Context, namespace string, privKeyBytes []byte) (Meta, Account, error) {
	if err := s.requireUnlocked(); err != nil {
		return Meta{}, Account{}, err
	}
	if err := ValidatePrivateKey(privKeyBytes); err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringInvalidPrivateKey, "invalid private key", err)
	}
	signer, err := newEIP155Signer(privKeyBytes)
	if err != nil {
		return Meta{}, Account{}, werrors.Wrap(werrors.ReasonKeyringInvalidPrivateKey, "build signer", err)
	}

	addr := canonicalOf(signer.Address())
	s.mu.Lock()
	if _, exists := s.addressIndex[addr]; exists {
		s.mu.Unlock()
		return Meta{}, Account{}, werrors.New(werrors.ReasonKeyringDuplicateAccount, "account already imported")
	}
	s.mu.Unlock()

	id := uuid.NewString()
	hexKey := hex.EncodeToString(privKeyBytes)
	inst := &instance{
		meta:          Meta{ID: id, Kind: KindPrivateKey, Namespace: namespace},
		signers:       map[int]*eip155Signer{0: signer},
		privateKeyHex: hexKey,
	}

	acct, err := s.commitNewKeyring(ctx, inst, payloadEntry{
		ID: id, Kind: KindPrivateKey, Namespace: namespace, PrivateKeyHex: hexKey,
	})
	if err != nil {
		return Meta{}, Account{}, err
	}
	return inst.meta, acct, nil
}

// commitNewKeyring registers inst in memory, appends entry to the vault
// payload, persists metadata/account records, and returns account 0.
func (s *Service) commitNewKeyring(ctx context.Context, inst *instance, entry payloadEntry) (Account, error) {
	if err := s.appendPayloadEntry(ctx, entry); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	s.instances[inst.meta.ID] = inst
	s.indexInstanceLocked(inst.meta.ID, inst)
	s.mu.Unlock()

	if s.metaStore != nil {
		if err := s.metaStore.Put(ctx, &storage.KeyringMetaRecord{
			ID: inst.meta.ID, Kind: string(inst.meta.Kind), Namespace: inst.meta.Namespace,
		}); err != nil {
			return Account{}, werrors.Wrap(werrors.ReasonKeyringPersistFailed, "persist keyring metadata", err)
		}
	}

	s.msgr.Publish(TopicAccountsChanged, AccountsChangedEvent{})
	return s.accountFor(inst, 0)
}

func (s *Service) accountFor(inst *instance, index int) (Account, error) {
	signer, ok := inst.signers[index]
	if !ok {
		return Account{}, werrors.New(werrors.ReasonKeyringAccountNotFound, "derivation index not found")
	}
	addr := canonicalOf(signer.Address())
	ref := chainref.EIP155ChainRef(1)
	acct := Account{
		AccountID: chainref.AccountID(ref, addr),
		ChainRef:  ref.String(),
		Address:   addr,
		KeyringID: inst.meta.ID,
		Index:     index,
	}
	if s.acctStore != nil {
		_ = s.acctStore.Put(context.Background(), &storage.AccountRecord{
			AccountID: acct.AccountID, ChainRef: acct.ChainRef, Address: acct.Address,
			KeyringID: acct.KeyringID, Index: acct.Index,
		})
	}
	return acct, nil
}

// DeriveNextAccount derives the next sequential index on an HD keyring.
func (s *Service) DeriveNextAccount(ctx context.Context, keyringID string) (Account, error) {
	if err := s.requireUnlocked(); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	inst, ok := s.instances[keyringID]
	if !ok {
		s.mu.Unlock()
		return Account{}, werrors.New(werrors.ReasonKeyringNotFound, "keyring not found")
	}
	if inst.meta.Kind != KindHD {
		s.mu.Unlock()
		return Account{}, werrors.New(werrors.ReasonKeyringWrongKind, "only hd keyrings support derivation")
	}
	index := inst.nextIndex
	if err := inst.deriveAndCache(index); err != nil {
		s.mu.Unlock()
		return Account{}, werrors.Wrap(werrors.ReasonKeyringDerivationFailed, "derive next account", err)
	}
	inst.nextIndex++
	s.indexInstanceLocked(keyringID, inst)
	mnemonic, passphrase := inst.mnemonic, inst.bip39Passphrase
	s.mu.Unlock()

	if err := s.appendPayloadEntry(ctx, payloadEntry{
		ID: keyringID, Kind: KindHD, Namespace: inst.meta.Namespace,
		Mnemonic: mnemonic, BIP39Passphrase: passphrase, DerivationIndex: index,
	}); err != nil {
		return Account{}, err
	}
	s.msgr.Publish(TopicAccountsChanged, AccountsChangedEvent{})
	return s.accountFor(inst, index)
}

// appendPayloadEntry re-encrypts the full keyring payload with entry
// upserted by ID (spec.md §4.3: "persists only ciphertext via vault").
func (s *Service) appendPayloadEntry(ctx context.Context, entry payloadEntry) error {
	raw, err := s.v.Decrypt(ctx)
	if err != nil {
		return err
	}
	p, err := decodePayload(raw)
	if err != nil {
		s.log.Warn("keyring: existing payload was corrupt, rebuilding from scratch", zap.Error(err))
		p = payload{Version: payloadVersion}
	}
	replaced := false
	for i, e := range p.Entries {
		if e.ID == entry.ID {
			p.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		p.Entries = append(p.Entries, entry)
	}
	encoded, err := encodePayload(p)
	if err != nil {
		return werrors.Wrap(werrors.ReasonKeyringPersistFailed, "encode payload", err)
	}
	if err := s.v.EncryptAndStore(ctx, encoded); err != nil {
		return werrors.Wrap(werrors.ReasonKeyringPersistFailed, "persist payload", err)
	}
	return nil
}

// lookupSigner resolves a canonical address to its owning signer.
func (s *Service) lookupSigner(address string) (*eip155Signer, error) {
	addr := canonicalOf(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.addressIndex[addr]
	if !ok {
		return nil, werrors.New(werrors.ReasonKeyringAccountNotFound, "address not owned by any keyring")
	}
	inst := s.instances[entry.keyringID]
	signer, ok := inst.signers[entry.index]
	if !ok {
		return nil, werrors.New(werrors.ReasonKeyringAccountNotFound, "address not owned by any keyring")
	}
	return signer, nil
}

// SignMessage signs arbitrary bytes with the EIP-191 personal_sign
// convention, as the owning account of address.
func (s *Service) SignMessage(address string, message []byte) ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	signer, err := s.lookupSigner(address)
	if err != nil {
		return nil, err
	}
	return signer.SignMessage(message)
}

// SignTypedData signs a pre-hashed EIP-712 digest.
func (s *Service) SignTypedData(address string, digest []byte) ([]byte, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	signer, err := s.lookupSigner(address)
	if err != nil {
		return nil, err
	}
	return signer.SignTypedDataHash(digest)
}

// SignerFor resolves address to its signer so internal/txn can call
// SignTransaction directly with an assembled *types.Transaction, keeping
// this package's exported surface free of a go-ethereum-typed parameter.
func (s *Service) SignerFor(address string) (Signer, error) {
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.lookupSigner(address)
}

// Signer is the minimal transaction-signing surface internal/txn depends
// on, satisfied by *eip155Signer.
type Signer interface {
	SignMessage(message []byte) ([]byte, error)
	SignTypedDataHash(digest []byte) ([]byte, error)
	SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Address() string
}

// ExportMnemonic returns the plaintext mnemonic for an HD keyring after
// re-verifying password (spec.md §4.3: never export without re-auth).
func (s *Service) ExportMnemonic(ctx context.Context, keyringID, password string) (string, error) {
	if err := s.requireUnlocked(); err != nil {
		return "", err
	}
	if !s.v.VerifyPassword(ctx, password) {
		return "", werrors.New(werrors.ReasonVaultInvalidPassword, "incorrect password")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[keyringID]
	if !ok || inst.meta.Kind != KindHD {
		return "", werrors.New(werrors.ReasonKeyringNotFound, "hd keyring not found")
	}
	return inst.mnemonic, nil
}

// ExportPrivateKey returns the hex-encoded private key backing address
// after re-verifying password.
func (s *Service) ExportPrivateKey(ctx context.Context, address, password string) (string, error) {
	if err := s.requireUnlocked(); err != nil {
		return "", err
	}
	if !s.v.VerifyPassword(ctx, password) {
		return "", werrors.New(werrors.ReasonVaultInvalidPassword, "incorrect password")
	}
	addr := canonicalOf(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.addressIndex[addr]
	if !ok {
		return "", werrors.New(werrors.ReasonKeyringAccountNotFound, "address not owned by any keyring")
	}
	inst := s.instances[entry.keyringID]
	switch inst.meta.Kind {
	case KindPrivateKey:
		return inst.privateKeyHex, nil
	case KindHD:
		priv, err := inst.node.derivePrivateKeyAt(uint32(entry.index))
		if err != nil {
			return "", werrors.Wrap(werrors.ReasonKeyringDerivationFailed, "re-derive for export", err)
		}
		defer zeroSlice(priv)
		return hex.EncodeToString(priv), nil
	default:
		return "", werrors.New(werrors.ReasonKeyringWrongKind, "unsupported keyring kind")
	}
}

// Accounts returns every account currently known across all unlocked
// keyrings, for the UI bridge's snapshot (spec.md §6).
func (s *Service) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]Account, 0, len(s.addressIndex))
	ref := chainref.EIP155ChainRef(1)
	for addr, entry := range s.addressIndex {
		accounts = append(accounts, Account{
			AccountID: chainref.AccountID(ref, addr),
			ChainRef:  ref.String(),
			Address:   addr,
			KeyringID: entry.keyringID,
			Index:     entry.index,
		})
	}
	return accounts
}

// KeyringMetas returns every keyring's persisted metadata, including ones
// currently locked (spec.md §4.3: metadata "survives vault lock"). Used by
// the UI bridge's snapshot to surface HD keyrings the user hasn't backed
// up yet.
func (s *Service) KeyringMetas(ctx context.Context) ([]*storage.KeyringMetaRecord, error) {
	if s.metaStore == nil {
		return nil, nil
	}
	return s.metaStore.GetAll(ctx)
}

func zeroSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
