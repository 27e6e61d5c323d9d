package vault

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/obs"
	"github.com/shieldkey/walletcore/internal/storage"
	"github.com/shieldkey/walletcore/internal/werrors"
)

const (
	// TopicLocked is an event topic publishing LockedEvent whenever the
	// vault transitions to locked.
	TopicLocked = "vault:locked"
	// TopicUnlocked is an event topic publishing UnlockedEvent whenever the
	// vault transitions to unlocked.
	TopicUnlocked = "vault:unlocked"
	// TopicSession is a state topic caching the current SessionSnapshot.
	TopicSession = "vault:session"

	minAutoLock = 1 * time.Minute
	maxAutoLock = 60 * time.Minute
)

// LockedEvent is published on TopicLocked.
type LockedEvent struct {
	Reason string
}

// UnlockedEvent is published on TopicUnlocked.
type UnlockedEvent struct{}

// SessionSnapshot is the state-topic payload describing the session
// (consumed by the UI bridge's snapshot computation, spec.md §6).
type SessionSnapshot struct {
	IsUnlocked         bool
	AutoLockDurationMs int64
	NextAutoLockAt     *time.Time
}

// Clock abstracts time for deterministic timer tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal stoppable-timer surface Vault needs.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Vault owns the encrypted keyring payload and the per-session symmetric
// key (spec.md §4.2).
type Vault struct {
	store storage.VaultMetaStore
	msgr  *messenger.Messenger
	log   *zap.Logger
	audit *obs.AuditLog
	clock Clock

	rateLimiter *rateLimiter

	mu                 sync.Mutex
	ciphertext         *Ciphertext
	isUnlocked         bool
	key                *SecretBytes
	autoLockDurationMs int64
	autoLockTimer      Timer
}

// Option configures optional dependencies.
type Option func(*Vault)

// WithClock overrides the time source, for deterministic auto-lock tests.
func WithClock(c Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithAuditLog attaches an audit sink for unlock/lock events.
func WithAuditLog(a *obs.AuditLog) Option {
	return func(v *Vault) { v.audit = a }
}

// New constructs a Vault bound to store and msgr. The vault starts locked
// and uninitialized until Init runs or LoadPersisted finds a stored
// ciphertext.
func New(store storage.VaultMetaStore, msgr *messenger.Messenger, log *zap.Logger, opts ...Option) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	msgr.DeclareStateTopic(TopicSession, func(a, b any) bool {
		sa, sb := a.(SessionSnapshot), b.(SessionSnapshot)
		return sa == sb || (sa.IsUnlocked == sb.IsUnlocked && sa.AutoLockDurationMs == sb.AutoLockDurationMs)
	})
	v := &Vault{
		store:              store,
		msgr:               msgr,
		log:                log,
		clock:              realClock{},
		rateLimiter:        newRateLimiter(3, time.Minute),
		autoLockDurationMs: 10 * time.Minute.Milliseconds(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoadPersisted hydrates in-memory ciphertext/settings from the store at
// process start (no secret material is decrypted here).
func (v *Vault) LoadPersisted(ctx context.Context) error {
	snap, err := v.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("vault: load persisted state: %w", err)
	}
	if snap == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if snap.Payload.HasCiphertext {
		v.ciphertext = &Ciphertext{
			Version:    snap.Payload.CiphertextVersion,
			Algorithm:  snap.Payload.CiphertextAlgorithm,
			Salt:       snap.Payload.CiphertextSalt,
			Iterations: snap.Payload.CiphertextIterations,
			IV:         snap.Payload.CiphertextIV,
			Cipher:     snap.Payload.CiphertextCipher,
			CreatedAt:  snap.Payload.CiphertextCreatedAt,
		}
	}
	if snap.Payload.AutoLockDurationMs > 0 {
		v.autoLockDurationMs = clampAutoLock(snap.Payload.AutoLockDurationMs)
	}
	return nil
}

// ValidatePasswordStrength enforces the password policy supplementing
// spec.md's vault component (grounded on internal/utils/validator.go):
// at least 12 characters and 3 of {upper, lower, digit, symbol}.
func ValidatePasswordStrength(password string) error {
	if len(password) < 12 {
		return werrors.New(werrors.ReasonVaultWeakPassword, "password must be at least 12 characters")
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	count := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			count++
		}
	}
	if count < 3 {
		return werrors.New(werrors.ReasonVaultWeakPassword, "password must mix at least 3 of: uppercase, lowercase, digits, symbols")
	}
	return nil
}

// Init produces a fresh ciphertext encrypting an empty payload. Fails
// ReasonVaultAlreadyInit if ciphertext already exists (spec.md §4.2).
func (v *Vault) Init(ctx context.Context, password string) error {
	if err := ValidatePasswordStrength(password); err != nil {
		return err
	}

	v.mu.Lock()
	if v.ciphertext != nil {
		v.mu.Unlock()
		return werrors.New(werrors.ReasonVaultAlreadyInit, "vault is already initialized")
	}
	v.mu.Unlock()

	ct, err := seal([]byte{}, password)
	if err != nil {
		return werrors.Wrap(werrors.ReasonVaultCorruptCiphertext, "failed to seal empty payload", err)
	}

	v.mu.Lock()
	v.ciphertext = ct
	v.mu.Unlock()

	return v.persist(ctx)
}

// Unlock parses the stored ciphertext, derives the key, and decrypts it.
// On success the key is held in memory and UnlockedEvent is published
// (spec.md §4.2).
func (v *Vault) Unlock(ctx context.Context, password string) error {
	v.mu.Lock()
	ct := v.ciphertext
	v.mu.Unlock()

	if ct == nil {
		return werrors.New(werrors.ReasonVaultNotInitialized, "vault has not been initialized")
	}

	if !v.rateLimiter.allow("unlock") {
		v.auditRecord("VAULT_UNLOCK", "FAILURE", "rate_limited")
		return werrors.New(werrors.ReasonVaultRateLimited, "too many unlock attempts, please wait")
	}

	_, key, err := open(ct, password)
	if err != nil {
		v.auditRecord("VAULT_UNLOCK", "FAILURE", "invalid_password")
		return werrors.Wrap(werrors.ReasonVaultInvalidPassword, "incorrect password", err)
	}
	v.rateLimiter.reset("unlock")

	v.mu.Lock()
	if v.key != nil {
		v.key.Zeroize()
	}
	v.key = key
	v.isUnlocked = true
	v.rescheduleAutoLockLocked()
	v.mu.Unlock()

	v.auditRecord("VAULT_UNLOCK", "SUCCESS", "")
	v.publishSession()
	v.msgr.Publish(TopicUnlocked, UnlockedEvent{})
	return nil
}

// Encrypt encrypts bytes under the session key. Only valid while unlocked.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte) (*Ciphertext, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isUnlocked {
		return nil, werrors.New(werrors.ReasonVaultLocked, "vault is locked")
	}
	gcm, err := newGCM(v.key.Bytes())
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault: generate iv: %w", err)
	}
	return &Ciphertext{
		Version:    v.ciphertext.Version,
		Algorithm:  Algorithm,
		Salt:       v.ciphertext.Salt,
		Iterations: v.ciphertext.Iterations,
		IV:         iv,
		Cipher:     gcm.Seal(nil, iv, plaintext, nil),
		CreatedAt:  v.clock.Now(),
	}, nil
}

// Decrypt decrypts the persisted keyring payload under the session key.
// Only valid while unlocked.
func (v *Vault) Decrypt(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isUnlocked {
		return nil, werrors.New(werrors.ReasonVaultLocked, "vault is locked")
	}
	gcm, err := newGCM(v.key.Bytes())
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, v.ciphertext.IV, v.ciphertext.Cipher, nil)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonVaultCorruptCiphertext, "stored payload failed authentication", err)
	}
	return plaintext, nil
}

// EncryptAndStore encrypts payload and persists it as the vault's current
// ciphertext — this is how the keyring service commits mutations
// (spec.md §4.3: "persists only ciphertext via vault").
func (v *Vault) EncryptAndStore(ctx context.Context, plaintext []byte) error {
	ct, err := v.Encrypt(ctx, plaintext)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.ciphertext = ct
	v.mu.Unlock()
	return v.persist(ctx)
}

// ExportKey returns a clone of the session key. Only valid while unlocked.
func (v *Vault) ExportKey(ctx context.Context) (*SecretBytes, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.isUnlocked {
		return nil, werrors.New(werrors.ReasonVaultLocked, "vault is locked")
	}
	return v.key.Clone(), nil
}

// VerifyPassword derives a key from the candidate password and attempts
// decryption, without mutating session state. Used by export flows
// (spec.md §4.2, §4.3).
func (v *Vault) VerifyPassword(ctx context.Context, password string) bool {
	v.mu.Lock()
	ct := v.ciphertext
	v.mu.Unlock()
	if ct == nil {
		return false
	}
	plaintext, key, err := open(ct, password)
	if err != nil {
		return false
	}
	key.Zeroize()
	zero(plaintext)
	return true
}

// Lock zeroizes the key buffer, marks the session locked, cancels the
// auto-lock timer, and publishes LockedEvent. Idempotent (spec.md §4.2).
func (v *Vault) Lock(reason string) {
	v.mu.Lock()
	if !v.isUnlocked {
		v.mu.Unlock()
		return
	}
	if v.key != nil {
		v.key.Zeroize()
		v.key = nil
	}
	v.isUnlocked = false
	v.cancelAutoLockLocked()
	v.mu.Unlock()

	v.auditRecord("VAULT_LOCK", "SUCCESS", reason)
	v.publishSession()
	v.msgr.Publish(TopicLocked, LockedEvent{Reason: reason})
}

// IsUnlocked reports the current session state.
func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isUnlocked
}

// IsInitialized reports whether Init has ever succeeded.
func (v *Vault) IsInitialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ciphertext != nil
}

// SetAutoLockDuration rounds ms to the nearest whole minute, clamps it to
// [1min, 60min], and reschedules the
// single-shot timer if currently unlocked (spec.md §4.2, §8 boundary
// behavior: 0 and 61min clamp; 59.5min rounds to 60).
func (v *Vault) SetAutoLockDuration(ctx context.Context, ms int64) int64 {
	clamped := clampAutoLock(ms)
	v.mu.Lock()
	v.autoLockDurationMs = clamped
	if v.isUnlocked {
		v.rescheduleAutoLockLocked()
	}
	v.mu.Unlock()
	v.publishSession()
	_ = v.persist(ctx)
	return clamped
}

// ResetAutoLockTimer reschedules the timer from now, as the UI calls on
// user activity (spec.md §4.2).
func (v *Vault) ResetAutoLockTimer() {
	v.mu.Lock()
	if v.isUnlocked {
		v.rescheduleAutoLockLocked()
	}
	v.mu.Unlock()
	v.publishSession()
}

func clampAutoLock(ms int64) int64 {
	d := (time.Duration(ms) * time.Millisecond).Round(time.Minute)
	switch {
	case d < minAutoLock:
		return minAutoLock.Milliseconds()
	case d > maxAutoLock:
		return maxAutoLock.Milliseconds()
	default:
		return d.Milliseconds()
	}
}

// rescheduleAutoLockLocked cancels any existing timer and starts a new
// single-shot one. Must be called with v.mu held. Invariant: at most one
// auto-lock timer exists at any instant (spec.md §8).
func (v *Vault) rescheduleAutoLockLocked() {
	v.cancelAutoLockLocked()
	duration := time.Duration(v.autoLockDurationMs) * time.Millisecond
	v.autoLockTimer = v.clock.AfterFunc(duration, func() {
		v.Lock("timeout")
	})
}

func (v *Vault) cancelAutoLockLocked() {
	if v.autoLockTimer != nil {
		v.autoLockTimer.Stop()
		v.autoLockTimer = nil
	}
}

func (v *Vault) publishSession() {
	v.mu.Lock()
	snap := SessionSnapshot{
		IsUnlocked:         v.isUnlocked,
		AutoLockDurationMs: v.autoLockDurationMs,
	}
	if v.isUnlocked {
		next := v.clock.Now().Add(time.Duration(v.autoLockDurationMs) * time.Millisecond)
		snap.NextAutoLockAt = &next
	}
	v.mu.Unlock()
	v.msgr.Publish(TopicSession, snap)
}

func (v *Vault) persist(ctx context.Context) error {
	v.mu.Lock()
	ct := v.ciphertext
	autoLock := v.autoLockDurationMs
	v.mu.Unlock()

	payload := storage.VaultMetaPayload{AutoLockDurationMs: autoLock}
	if ct != nil {
		payload.HasCiphertext = true
		payload.CiphertextVersion = ct.Version
		payload.CiphertextAlgorithm = ct.Algorithm
		payload.CiphertextSalt = ct.Salt
		payload.CiphertextIterations = ct.Iterations
		payload.CiphertextIV = ct.IV
		payload.CiphertextCipher = ct.Cipher
		payload.CiphertextCreatedAt = ct.CreatedAt
		payload.InitializedAt = ct.CreatedAt
	}
	return v.store.Save(ctx, &storage.VaultMetaSnapshot{
		Version:   1,
		UpdatedAt: v.clock.Now(),
		Payload:   payload,
	})
}

func (v *Vault) auditRecord(op, status, reason string) {
	if v.audit == nil {
		return
	}
	if err := v.audit.Record(obs.AuditEntry{
		ID:            op + "-" + v.clock.Now().Format(time.RFC3339Nano),
		Timestamp:     v.clock.Now(),
		Operation:     op,
		Status:        status,
		FailureReason: reason,
	}); err != nil {
		v.log.Warn("vault: failed to write audit entry", zap.Error(err))
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
