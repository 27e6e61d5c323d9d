package vault

// SecretBytes is a zeroize-on-drop buffer for key material: the derived
// vault key, decrypted mnemonic bytes, derived private keys. Grounded on
// internal/services/crypto/memory.go's ClearBytes, generalized into a
// reusable type so every secret in the keyring/vault boundary shares the
// same zeroization discipline (spec.md §9 "Secret lifetime").
type SecretBytes struct {
	b []byte
}

// NewSecret takes ownership of b (it is not copied) and wraps it.
func NewSecret(b []byte) *SecretBytes {
	return &SecretBytes{b: b}
}

// Bytes exposes the underlying buffer. Callers must not retain it past the
// secret's Zeroize.
func (s *SecretBytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zeroize overwrites the buffer with zeros. Idempotent.
func (s *SecretBytes) Zeroize() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}

// Clone returns a new SecretBytes holding a copy of the data. Cloning a
// secret into a collection whose elements are not similarly zeroized is a
// bug (spec.md §9) — callers must only clone into other SecretBytes.
func (s *SecretBytes) Clone() *SecretBytes {
	if s == nil {
		return nil
	}
	cp := make([]byte, len(s.b))
	copy(cp, s.b)
	return &SecretBytes{b: cp}
}
