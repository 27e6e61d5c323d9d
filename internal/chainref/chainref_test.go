package chainref

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidAndInvalid(t *testing.T) {
	r, err := Parse("eip155:1")
	require.NoError(t, err)
	require.Equal(t, ChainRef{Namespace: "eip155", Reference: "1"}, r)

	_, err = Parse("not-a-chainref")
	require.Error(t, err)

	_, err = Parse("")
	require.Error(t, err)
}

func TestCanonicalizeFormatRoundTrip(t *testing.T) {
	addr := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"[:42]
	canon, err := CanonicalizeAddress(NamespaceEIP155, addr)
	require.NoError(t, err)
	require.Equal(t, canon, canon)

	formatted, err := FormatAddress(NamespaceEIP155, canon)
	require.NoError(t, err)

	reCanon, err := CanonicalizeAddress(NamespaceEIP155, formatted)
	require.NoError(t, err)
	require.Equal(t, canon, reCanon)
}

func TestCanonicalizeRejectsBadNamespaceOrAddress(t *testing.T) {
	_, err := CanonicalizeAddress("bip122", "0x0000000000000000000000000000000000000000")
	require.Error(t, err)

	_, err = CanonicalizeAddress(NamespaceEIP155, "not-an-address")
	require.Error(t, err)
}

func TestNormalizeChainMetadataRejectsEmptyURLs(t *testing.T) {
	_, err := NormalizeChainMetadata(ChainMetadataInput{
		ChainIDHex: "0x1",
		ChainName:  "Ethereum",
		RPCURLs:    nil,
	})
	require.Error(t, err)
}

func TestNormalizeChainMetadataRejectsNonHTTPScheme(t *testing.T) {
	_, err := NormalizeChainMetadata(ChainMetadataInput{
		ChainIDHex: "0x1",
		ChainName:  "Ethereum",
		RPCURLs:    []string{"ws://node.example/rpc"},
	})
	require.Error(t, err)
}

func TestNormalizeChainMetadataDeduplicatesEqualURLs(t *testing.T) {
	entry, err := NormalizeChainMetadata(ChainMetadataInput{
		ChainIDHex: "0x1",
		ChainName:  "Ethereum",
		RPCURLs:    []string{"https://rpc.example/a", "https://rpc.example/a", "https://rpc.example/b"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"https://rpc.example/a", "https://rpc.example/b"}, entry.RPCURLs)
	require.Equal(t, "eip155:1", entry.ChainRef.String())
}
