package keyring

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// eip155Signer signs on behalf of one imported/derived secp256k1 key.
// Grounded on src/chainadapter/ethereum/signer.go's EthereumSigner.
type eip155Signer struct {
	priv    *ecdsa.PrivateKey
	address string // EIP-55 checksummed hex
}

func newEIP155Signer(privKeyBytes []byte) (*eip155Signer, error) {
	priv, err := crypto.ToECDSA(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid private key: %w", err)
	}
	return &eip155Signer{
		priv:    priv,
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

// SignMessage signs an arbitrary message using the `personal_sign`
// convention (EIP-191 prefixed Keccak256).
func (s *eip155Signer) SignMessage(message []byte) ([]byte, error) {
	hash := accounts.TextHash(message)
	sig, err := crypto.Sign(hash, s.priv)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign message: %w", err)
	}
	sig[64] += 27 // legacy personal_sign v convention
	return sig, nil
}

// SignTypedDataHash signs a pre-hashed EIP-712 digest.
func (s *eip155Signer) SignTypedDataHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("keyring: typed-data digest must be 32 bytes")
	}
	sig, err := crypto.Sign(digest, s.priv)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTransaction signs a go-ethereum transaction with EIP-155 replay
// protection for chainID.
func (s *eip155Signer) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.NewLondonSigner(chainID)
	signed, err := types.SignTx(tx, signer, s.priv)
	if err != nil {
		return nil, fmt.Errorf("keyring: sign transaction: %w", err)
	}
	return signed, nil
}

// Address returns the checksummed address this signer controls.
func (s *eip155Signer) Address() string {
	return common.HexToAddress(s.address).Hex()
}
