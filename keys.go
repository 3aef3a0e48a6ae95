package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the size of the password-derivation salt in bytes.
	SaltSize = 32

	// WrapNonceSize is the nonce size used when wrapping the data key.
	WrapNonceSize = NonceSize

	// WrappedKeySize is the size of the wrapped data key: the key
	// ciphertext plus the authentication tag.
	WrappedKeySize = KeySize + TagSize
)

// HKDF info strings for the data-key expansion. The content and index
// subkeys must stay distinct: chunk nonces and index-commit nonces are both
// deterministic counters.
var (
	hkdfInfoContent = []byte("vaults/content/v1")
	hkdfInfoIndex   = []byte("vaults/index/v1")
)

// DeriveMasterKey derives the ephemeral master key from a password and salt
// using Argon2id. Deterministic for fixed inputs; deliberately expensive per
// the supplied work factors. The caller must Zero the result as soon as the
// wrap or unwrap it serves is done.
func DeriveMasterKey(password, salt []byte, params Argon2idParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}
	key := argon2.IDKey(password, salt, params.Iterations, params.Memory, params.Parallelism, KeySize)
	return key, nil
}

// GenerateSalt generates a new random salt for password derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateDataKey generates a fresh random data-encryption key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// WrapDataKey encrypts the data key under the master key with a fresh random
// nonce. The master key is used exactly once per wrap (each wrap pairs with
// a fresh salt), so a random nonce cannot collide.
func WrapDataKey(dataKey, masterKey []byte, suite CipherSuite) (nonce, wrapped []byte, err error) {
	engine, err := NewCipherEngine(suite, masterKey)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, WrapNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}

	wrapped, err = engine.Encrypt(nonce, dataKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return nonce, wrapped, nil
}

// UnwrapDataKey authenticates and decrypts a wrapped data key. A wrong
// password or tampered key section yields ErrAuthenticationFailed - this is
// the single checkpoint where a bad password is detected, and it never
// produces a plausible-but-wrong key.
func UnwrapDataKey(wrapped, nonce, masterKey []byte, suite CipherSuite) ([]byte, error) {
	if len(wrapped) != WrappedKeySize {
		return nil, ErrAuthenticationFailed
	}
	engine, err := NewCipherEngine(suite, masterKey)
	if err != nil {
		return nil, err
	}
	return engine.Decrypt(nonce, wrapped, nil)
}

// expandDataKey derives the content and index subkeys from the data key.
func expandDataKey(dataKey []byte) (contentKey, indexKey []byte, err error) {
	contentKey = make([]byte, KeySize)
	indexKey = make([]byte, KeySize)

	if _, err := io.ReadFull(hkdf.New(sha256.New, dataKey, nil, hkdfInfoContent), contentKey); err != nil {
		return nil, nil, fmt.Errorf("failed to expand content key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, dataKey, nil, hkdfInfoIndex), indexKey); err != nil {
		return nil, nil, fmt.Errorf("failed to expand index key: %w", err)
	}
	return contentKey, indexKey, nil
}

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
