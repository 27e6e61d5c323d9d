// Package chainref implements CAIP-2 chain references, EVM address
// canonicalization, and EIP-3085-like chain metadata validation (spec.md
// §3, §6). Grounded on the teacher's per-coin address formatters
// (internal/services/address/*.go) generalized to the single eip155
// namespace this core supports, and on
// src/chainadapter/ethereum/derive.go for address derivation conventions.
package chainref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NamespaceEIP155 is the only chain namespace this core implements (spec.md
// §1 Non-goals: no chain protocol beyond EVM-family assembly/signing).
const NamespaceEIP155 = "eip155"

var chainRefPattern = regexp.MustCompile(`^([a-zA-Z0-9]{3,8}):([a-zA-Z0-9-]{1,32})$`)

// ChainRef is a parsed CAIP-2 chain reference ("<namespace>:<reference>").
type ChainRef struct {
	Namespace string
	Reference string
}

// String renders the canonical wire form.
func (c ChainRef) String() string {
	return c.Namespace + ":" + c.Reference
}

// Parse validates and decomposes a CAIP-2 string. Invalid input is
// rejected per spec.md §3's ChainRef invariant: "parseable via a regex
// once, rejected otherwise".
func Parse(s string) (ChainRef, error) {
	m := chainRefPattern.FindStringSubmatch(s)
	if m == nil {
		return ChainRef{}, fmt.Errorf("chainref: %q is not a valid chain reference", s)
	}
	return ChainRef{Namespace: m[1], Reference: m[2]}, nil
}

// MustParse panics on invalid input; intended for compile-time-known refs.
func MustParse(s string) ChainRef {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// EIP155ChainRef builds the chainRef for a decimal EVM chain id.
func EIP155ChainRef(chainID uint64) ChainRef {
	return ChainRef{Namespace: NamespaceEIP155, Reference: strconv.FormatUint(chainID, 10)}
}

// CanonicalizeAddress lowercases an EVM hex address and validates its shape.
// Per spec.md §8: canonicalize(format(canonical)) == canonical, and format
// accepts any case-variant (including EIP-55 checksummed) input.
func CanonicalizeAddress(namespace, address string) (string, error) {
	if namespace != NamespaceEIP155 {
		return "", fmt.Errorf("chainref: namespace %q not compatible with address canonicalization", namespace)
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("chainref: %q is not a valid address", address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// FormatAddress renders a canonical address in the namespace's display form.
// For eip155 this is the EIP-55 checksummed form.
func FormatAddress(namespace, canonical string) (string, error) {
	if namespace != NamespaceEIP155 {
		return "", fmt.Errorf("chainref: namespace %q not compatible with address formatting", namespace)
	}
	if !common.IsHexAddress(canonical) {
		return "", fmt.Errorf("chainref: %q is not a valid address", canonical)
	}
	return common.HexToAddress(canonical).Hex(), nil
}

// AccountID builds the spec.md §3 account id: "<chainRef>:<canonical address>".
func AccountID(ref ChainRef, canonicalAddress string) string {
	return ref.String() + ":" + canonicalAddress
}
