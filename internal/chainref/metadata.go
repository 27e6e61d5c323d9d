package chainref

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NativeCurrency mirrors the EIP-3085 nativeCurrency object.
type NativeCurrency struct {
	Name     string
	Symbol   string
	Decimals int
}

// ChainMetadataInput is the EIP-3085-like add-chain request payload
// (spec.md §6).
type ChainMetadataInput struct {
	ChainIDHex         string // "0x..."
	ChainName          string
	NativeCurrency     NativeCurrency
	RPCURLs            []string
	BlockExplorerURLs  []string
}

// ChainRegistryEntry is the normalized, persisted form of a chain, keyed by
// its chainRef (spec.md §6 storage port: chain-registry).
type ChainRegistryEntry struct {
	ChainRef          ChainRef
	Namespace         string
	ChainIDHex        string
	ChainName         string
	NativeCurrency    NativeCurrency
	RPCURLs           []string
	BlockExplorerURLs []string
	SchemaVersion     int
}

// NormalizeChainMetadata validates and normalizes an EIP-3085-like input
// into a ChainRegistryEntry. Per spec.md §6/§8: chainRef is derived as
// eip155:<decimal(chainId)>; chain id hex is lowercased; rpcUrls are
// deduplicated and restricted to http/https; an empty rpcUrls list is
// rejected.
func NormalizeChainMetadata(in ChainMetadataInput) (ChainRegistryEntry, error) {
	hex := strings.ToLower(strings.TrimSpace(in.ChainIDHex))
	if !strings.HasPrefix(hex, "0x") || len(hex) < 3 {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: chainId %q is not valid hex", in.ChainIDHex)
	}
	decimal, err := strconv.ParseUint(hex[2:], 16, 64)
	if err != nil {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: chainId %q is not valid hex: %w", in.ChainIDHex, err)
	}

	if len(in.RPCURLs) == 0 {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: rpcUrls must not be empty")
	}

	urls, err := dedupeValidURLs(in.RPCURLs)
	if err != nil {
		return ChainRegistryEntry{}, err
	}
	if len(urls) == 0 {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: no valid http/https rpcUrls supplied")
	}

	explorers, err := dedupeValidURLs(in.BlockExplorerURLs)
	if err != nil {
		return ChainRegistryEntry{}, err
	}

	if in.ChainName == "" {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: chainName is required")
	}

	return ChainRegistryEntry{
		ChainRef:          EIP155ChainRef(decimal),
		Namespace:         NamespaceEIP155,
		ChainIDHex:        hex,
		ChainName:         in.ChainName,
		NativeCurrency:    in.NativeCurrency,
		RPCURLs:           urls,
		BlockExplorerURLs: explorers,
		SchemaVersion:     1,
	}, nil
}

// Encode serializes e for storage.ChainRegistryRecord.Metadata.
func (e ChainRegistryEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeChainRegistryEntry reverses Encode. Per spec.md §7 ("storage-layer
// validation failures do not throw; they log, drop the offending row"),
// callers treat a decode error as a dropped record, not a fatal one.
func DecodeChainRegistryEntry(raw []byte) (ChainRegistryEntry, error) {
	var e ChainRegistryEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ChainRegistryEntry{}, fmt.Errorf("chainref: decode chain registry entry: %w", err)
	}
	return e, nil
}

func dedupeValidURLs(urls []string) ([]string, error) {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("chainref: invalid URL %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("chainref: URL %q has unsupported scheme %q", raw, u.Scheme)
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, raw)
	}
	return out, nil
}
