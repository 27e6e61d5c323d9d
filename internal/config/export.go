package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// Argon2id parameters for the settings-export passphrase, distinct from
// the vault's PBKDF2-SHA256 key derivation (spec.md §3 pins
// "pbkdf2-sha256" for the vault's own ciphertext; settings export is a
// separate concern with no such pin).
const (
	exportArgon2Time    = 4
	exportArgon2Memory  = 256 * 1024
	exportArgon2Threads = 4
	exportKeyLen        = 32
	exportSaltLen       = 16
	exportNonceLen      = 12
)

// ExportBundle is an encrypted snapshot of non-secret local settings
// (network preferences, permission grants, chain registry) a user can
// move between devices. It never carries vault or keyring material.
type ExportBundle struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// EncryptSettingsExport seals plaintext (a JSON-serialized settings
// snapshot) under passphrase using Argon2id + AES-256-GCM.
func EncryptSettingsExport(plaintext []byte, passphrase string) (*ExportBundle, error) {
	salt := make([]byte, exportSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("config: generate export salt: %w", err)
	}
	key := vault.NewSecret(argon2.IDKey([]byte(passphrase), salt, exportArgon2Time, exportArgon2Memory, exportArgon2Threads, exportKeyLen))
	defer key.Zeroize()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("config: build export cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: build export gcm: %w", err)
	}
	nonce := make([]byte, exportNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("config: generate export nonce: %w", err)
	}

	return &ExportBundle{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// DecryptSettingsExport reverses EncryptSettingsExport.
func DecryptSettingsExport(bundle *ExportBundle, passphrase string) ([]byte, error) {
	if bundle == nil {
		return nil, werrors.New(werrors.ReasonRPCInvalidParams, "export bundle is nil")
	}
	key := vault.NewSecret(argon2.IDKey([]byte(passphrase), bundle.Salt, exportArgon2Time, exportArgon2Memory, exportArgon2Threads, exportKeyLen))
	defer key.Zeroize()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("config: build export cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: build export gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, bundle.Nonce, bundle.Ciphertext, nil)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonVaultInvalidPassword, "wrong export passphrase or corrupted bundle", err)
	}
	return plaintext, nil
}
