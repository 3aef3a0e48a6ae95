package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key size (256 bits) for both suites.
	KeySize = 32

	// NonceSize is the AEAD nonce size (12 bytes) for both suites.
	NonceSize = 12

	// TagSize is the authentication tag size (16 bytes) for both suites.
	TagSize = 16
)

// CipherEngine provides AEAD encryption/decryption. Engines are stateless
// across calls; nonce discipline is the caller's responsibility.
type CipherEngine interface {
	// Encrypt encrypts plaintext with the given nonce and associated data
	Encrypt(nonce, plaintext, aad []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce and associated data
	Decrypt(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine implements CipherEngine over any cipher.AEAD.
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Encrypt(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES-256 requires a %d-byte key, got %d bytes", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	case CipherAuto:
		return NewAESGCMEngine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// chunkNonce derives the nonce for a content chunk from the entry sequence
// number and the chunk's index within the entry. Entry sequence numbers are
// monotonic per container and never reused, so no (content key, nonce) pair
// ever repeats.
func chunkNonce(entrySeq uint64, chunkIdx uint32) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(nonce[0:8], entrySeq)
	binary.LittleEndian.PutUint32(nonce[8:12], chunkIdx)
	return nonce
}

// indexNonce derives the nonce for an index commit from the index write
// sequence. Index commits use the index subkey, a key space disjoint from
// chunk content, so the trailing marker only aids debugging.
func indexNonce(writeSeq uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(nonce[0:8], writeSeq)
	binary.LittleEndian.PutUint32(nonce[8:12], 0xFFFFFFFF)
	return nonce
}
