package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
)

// coinTypeEIP155 is the BIP44 coin type of the eip155 namespace, used in
// the derivation path m/44'/60'/0'/0/{index}. Generalized from the
// teacher's internal/services/hdkey/service.go generic path-string walker
// to a fixed path family, since this core only derives eip155 accounts.
const coinTypeEIP155 = 60

// hdNode wraps an extended key for sequential BIP44 derivation under one
// HD keyring.
type hdNode struct {
	master *hdkeychain.ExtendedKey
}

func newHDNode(seed []byte) (*hdNode, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("keyring: derive master key: %w", err)
	}
	return &hdNode{master: master}, nil
}

// derivePrivateKeyAt derives m/44'/60'/0'/0/{index} and returns the raw
// 32-byte secp256k1 private key.
func (n *hdNode) derivePrivateKeyAt(index uint32) ([]byte, error) {
	const hardened = hdkeychain.HardenedKeyStart
	path := []uint32{44 + hardened, coinTypeEIP155 + hardened, 0 + hardened, 0, index}

	key := n.master
	for _, component := range path {
		child, err := key.Derive(component)
		if err != nil {
			return nil, fmt.Errorf("keyring: derive path component %d: %w", component, err)
		}
		key = child
	}

	ecPriv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("keyring: extract private key: %w", err)
	}
	return ecPriv.Serialize(), nil
}

// AddressForPrivateKey returns the EIP-55 checksummed eip155 address for a 32-byte
// secp256k1 private key.
func AddressForPrivateKey(privKeyBytes []byte) (string, error) {
	priv, err := crypto.ToECDSA(privKeyBytes)
	if err != nil {
		return "", fmt.Errorf("keyring: invalid private key: %w", err)
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// ValidatePrivateKey enforces spec.md §4.3's 32-byte, non-zero private-key
// import rule.
func ValidatePrivateKey(privKeyBytes []byte) error {
	if len(privKeyBytes) != 32 {
		return fmt.Errorf("keyring: private key must be 32 bytes, got %d", len(privKeyBytes))
	}
	allZero := true
	for _, b := range privKeyBytes {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("keyring: private key must not be all-zero")
	}
	if _, err := crypto.ToECDSA(privKeyBytes); err != nil {
		return fmt.Errorf("keyring: private key is not a valid secp256k1 scalar: %w", err)
	}
	return nil
}
