package keyring

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the two keyring flavors (spec.md §3).
type Kind string

const (
	KindHD         Kind = "hd"
	KindPrivateKey Kind = "private-key"
)

// payloadEntry is one element of the plaintext keyring payload persisted
// only through the vault (spec.md §3 "Keyring payload (plaintext)").
type payloadEntry struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	Namespace       string `json:"namespace"`
	Mnemonic        string `json:"mnemonic,omitempty"`
	BIP39Passphrase string `json:"bip39Passphrase,omitempty"`
	PrivateKeyHex   string `json:"privateKey,omitempty"`
	DerivationIndex int    `json:"derivationIndex,omitempty"`
}

// payload is the version-tagged envelope around the entry list.
type payload struct {
	Version int            `json:"version"`
	Entries []payloadEntry `json:"entries"`
}

const payloadVersion = 1

// decodePayload parses raw vault plaintext. An empty byte slice decodes to
// an empty payload. Invalid payloads are treated as "empty payload" and
// the error is returned for the caller to log — never panicked (spec.md
// §3: "invalid payloads are treated as 'empty payload' and logged, never
// as a panic").
func decodePayload(raw []byte) (payload, error) {
	if len(raw) == 0 {
		return payload{Version: payloadVersion}, nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{Version: payloadVersion}, err
	}
	return p, nil
}

func encodePayload(p payload) ([]byte, error) {
	p.Version = payloadVersion
	return json.Marshal(p)
}

// Account is the public, secret-free projection of a derived/imported
// account (spec.md §3).
type Account struct {
	AccountID string
	ChainRef  string
	Address   string // canonical (lowercased) address
	KeyringID string
	Index     int
}

// Meta is the non-secret persisted keyring metadata that survives lock
// (spec.md §4.3).
type Meta struct {
	ID        string
	Kind      Kind
	Namespace string
	Alias     string
	CreatedAt time.Time
	BackedUp  bool
}
