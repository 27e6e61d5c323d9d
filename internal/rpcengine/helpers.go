package rpcengine

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/shieldkey/walletcore/internal/werrors"
)

// bigIntParser decodes a hex string, with or without a 0x prefix, into a
// *big.Int; used for the chainId field of wallet_switchEthereumChain.
type bigIntParser struct{}

func (bigIntParser) parse(s string) (*big.Int, bool) {
	s = trimHexPrefix(s)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 16)
}

func trimHexPrefix(s string) string {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return s
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// eip712Digest hashes an EIP-712 typed-data payload the same way the
// signing provider would, so the signature eth_signTypedData_v4 returns
// matches the caller's original payload.
func eip712Digest(raw []byte) ([]byte, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInvalidParams, "decode typed data", err)
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, werrors.Wrap(werrors.ReasonRPCInvalidParams, "hash typed data", err)
	}
	return digest, nil
}
