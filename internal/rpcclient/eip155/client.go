package eip155

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/txn"
)

// feeCapMultiplier is applied to the latest base fee to build a gasFeeCap
// with headroom for a few blocks of base-fee increase, the same heuristic
// go-ethereum's own gas suggestion oracle uses.
const feeCapMultiplier = 2

// PendingNonce returns the sender's next usable nonce, including any of
// its own pending (unconfirmed) transactions.
func (c *Client) PendingNonce(ctx context.Context, chainRefStr, address string) (uint64, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return 0, err
	}
	raw, err := c.call(ctx, ref, "eth_getTransactionCount", address, "pending")
	if err != nil {
		return 0, err
	}
	return decodeHexUint64(raw)
}

// ConfirmedNonce returns the sender's latest confirmed (mined) nonce.
func (c *Client) ConfirmedNonce(ctx context.Context, chainRefStr, address string) (uint64, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return 0, err
	}
	raw, err := c.call(ctx, ref, "eth_getTransactionCount", address, "latest")
	if err != nil {
		return 0, err
	}
	return decodeHexUint64(raw)
}

// SuggestFees returns an EIP-1559 (gasTipCap, gasFeeCap) pair in decimal
// wei, derived from the latest base fee and the node's tip suggestion.
func (c *Client) SuggestFees(ctx context.Context, chainRefStr string) (string, string, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return "", "", err
	}

	tipRaw, err := c.call(ctx, ref, "eth_maxPriorityFeePerGas")
	if err != nil {
		return "", "", err
	}
	tip, err := decodeHexBigInt(tipRaw)
	if err != nil {
		return "", "", err
	}

	blockRaw, err := c.call(ctx, ref, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return "", "", err
	}
	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(blockRaw, &block); err != nil {
		return "", "", fmt.Errorf("eip155: decode latest block: %w", err)
	}
	baseFee, err := decodeHexBigIntString(block.BaseFeePerGas)
	if err != nil {
		return "", "", err
	}

	feeCap := new(big.Int).Mul(baseFee, big.NewInt(feeCapMultiplier))
	feeCap.Add(feeCap, tip)
	return tip.String(), feeCap.String(), nil
}

// EstimateGas returns the node's gas estimate for req.
func (c *Client) EstimateGas(ctx context.Context, chainRefStr string, req txn.Request) (uint64, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return 0, err
	}

	call := map[string]any{
		"from": req.From,
		"to":   req.To,
	}
	if req.ValueWei != "" {
		value, err := parseWei(req.ValueWei)
		if err != nil {
			return 0, err
		}
		call["value"] = hexutilBig(value)
	}
	if len(req.Data) > 0 {
		call["data"] = "0x" + common.Bytes2Hex(req.Data)
	}

	raw, err := c.call(ctx, ref, "eth_estimateGas", call)
	if err != nil {
		return 0, err
	}
	return decodeHexUint64(raw)
}

// Broadcast submits a signed raw transaction and returns its hash.
func (c *Client) Broadcast(ctx context.Context, chainRefStr string, signedTxRaw []byte) (string, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return "", err
	}
	raw, err := c.call(ctx, ref, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(signedTxRaw))
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("eip155: decode broadcast hash: %w", err)
	}
	return hash, nil
}

// Receipt looks up a transaction receipt; a null result means not yet mined.
func (c *Client) Receipt(ctx context.Context, chainRefStr, hash string) (txn.ReceiptOutcome, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return txn.ReceiptOutcome{}, err
	}
	raw, err := c.call(ctx, ref, "eth_getTransactionReceipt", hash)
	if err != nil {
		return txn.ReceiptOutcome{}, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return txn.ReceiptOutcome{Found: false}, nil
	}

	var receipt struct {
		Status          string `json:"status"`
		TransactionHash string `json:"transactionHash"`
	}
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return txn.ReceiptOutcome{}, fmt.Errorf("eip155: decode receipt: %w", err)
	}
	return txn.ReceiptOutcome{
		Found:           true,
		Success:         receipt.Status == "0x1",
		TransactionHash: receipt.TransactionHash,
		ReceiptJSON:     raw,
	}, nil
}

// BuildAndSign assembles a London-format (EIP-1559) dynamic fee transaction
// from preview and signs it via signer, returning RLP-encoded raw bytes
// ready for eth_sendRawTransaction.
func (c *Client) BuildAndSign(ctx context.Context, chainRefStr string, preview txn.Preview, signer keyring.Signer) ([]byte, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return nil, err
	}
	chainID, ok := new(big.Int).SetString(ref.Reference, 10)
	if !ok {
		return nil, fmt.Errorf("eip155: chain reference %q is not a decimal chain id", ref.Reference)
	}

	value, err := parseWei(preview.ValueWei)
	if err != nil {
		return nil, fmt.Errorf("eip155: value: %w", err)
	}
	tipCap, err := parseWei(preview.GasTipCap)
	if err != nil {
		return nil, fmt.Errorf("eip155: gasTipCap: %w", err)
	}
	feeCap, err := parseWei(preview.GasFeeCap)
	if err != nil {
		return nil, fmt.Errorf("eip155: gasFeeCap: %w", err)
	}
	if !common.IsHexAddress(preview.To) {
		return nil, fmt.Errorf("eip155: %q is not a valid recipient address", preview.To)
	}
	to := common.HexToAddress(preview.To)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     preview.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       preview.GasLimit,
		To:        &to,
		Value:     value,
		Data:      preview.Data,
	})

	signed, err := signer.SignTransaction(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("eip155: sign transaction: %w", err)
	}
	return signed.MarshalBinary()
}

func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return decodeHexBigIntString(s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("eip155: %q is not a valid decimal wei amount", s)
	}
	return v, nil
}

func hexutilBig(v *big.Int) string {
	return "0x" + v.Text(16)
}

func decodeHexUint64(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("eip155: decode hex quantity: %w", err)
	}
	v, err := decodeHexBigIntString(s)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func decodeHexBigInt(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("eip155: decode hex quantity: %w", err)
	}
	return decodeHexBigIntString(s)
}

func decodeHexBigIntString(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("eip155: %q is not a valid hex quantity", s)
	}
	return v, nil
}
