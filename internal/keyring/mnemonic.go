// Package keyring implements HD seed derivation, raw private-key import,
// and the in-memory account set that is persisted only through the vault
// (spec.md §4.3). Mnemonic handling is grounded on
// internal/services/bip39service/service.go; HD derivation on
// internal/services/hdkey/service.go (btcsuite hdkeychain over BIP32);
// secp256k1/signing on src/chainadapter/ethereum/signer.go.
package keyring

import (
	"crypto/rand"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// GenerateMnemonic produces a BIP39 mnemonic with wordCount words (12 or
// 24), matching internal/services/bip39service/service.go's entropy-bits
// table.
func GenerateMnemonic(wordCount int) (string, error) {
	var entropyBits int
	switch wordCount {
	case 12:
		entropyBits = 128
	case 24:
		entropyBits = 256
	default:
		return "", fmt.Errorf("keyring: word count must be 12 or 24, got %d", wordCount)
	}

	entropy := make([]byte, entropyBits/8)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("keyring: generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("keyring: build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks wordlist membership and checksum.
func ValidateMnemonic(mnemonic string) error {
	if mnemonic == "" {
		return fmt.Errorf("keyring: mnemonic must not be empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("keyring: invalid mnemonic (checksum or wordlist mismatch)")
	}
	return nil
}

// MnemonicToSeed derives the 64-byte BIP32 seed from a mnemonic and
// optional BIP39 passphrase.
func MnemonicToSeed(mnemonic, passphrase string) ([]byte, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, err
	}
	return bip39.NewSeed(mnemonic, passphrase), nil
}
