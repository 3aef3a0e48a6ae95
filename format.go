package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Container layout (all integers little-endian):
//
// ┌─────────────────────────────────────┐
// │ Header                              │ <- magic, version, cipher, KDF
// │                                     │    params, salt, wrapped data key
// ├─────────────────────────────────────┤
// │ Index region (fixed reserved size)  │ <- write seq + encrypted index blob
// ├─────────────────────────────────────┤
// │ Chunk data region                   │ <- raw ciphertext + tag per chunk,
// │                                     │    addressed by index offsets
// └─────────────────────────────────────┘

const (
	// MagicBytes identifies vault containers (ASCII: "VLTC")
	MagicBytes = uint32(0x564C5443)

	// CurrentVersion is the current container format version
	CurrentVersion = uint8(1)
)

// Header is the plaintext container header: everything needed to go from a
// password to an unlocked session. The data key itself appears only in
// wrapped, authenticated form.
type Header struct {
	Magic        uint32         // Magic bytes identifying vault containers
	Version      uint8          // Container format version
	Cipher       CipherSuite    // Cipher suite used throughout the container
	KDF          Argon2idParams // Argon2id work factors in force at creation
	SaltSize     uint16         // Size of the salt in bytes
	Salt         []byte         // Salt for master-key derivation
	WrapNonce    []byte         // Nonce used when wrapping the data key
	WrappedKey   []byte         // Wrapped data key: ciphertext + tag
	ChunkSize    uint32         // Maximum plaintext bytes per chunk
	IndexReserve uint32         // Size of the reserved index region
}

// NewHeader creates a container header with the given parameters.
func NewHeader(cipher CipherSuite, kdf Argon2idParams, salt, wrapNonce, wrappedKey []byte, chunkSize, indexReserve uint32) *Header {
	return &Header{
		Magic:        MagicBytes,
		Version:      CurrentVersion,
		Cipher:       cipher,
		KDF:          kdf,
		SaltSize:     uint16(len(salt)),
		Salt:         salt,
		WrapNonce:    wrapNonce,
		WrappedKey:   wrappedKey,
		ChunkSize:    chunkSize,
		IndexReserve: indexReserve,
	}
}

// Size returns the total size of the encoded header in bytes.
func (h *Header) Size() int64 {
	// magic 4 + version 1 + cipher 1 + kdf 9 + salt len 2 + salt +
	// nonce len 2 + nonce + wrapped len 2 + wrapped + chunk size 4 +
	// index reserve 4
	return int64(4 + 1 + 1 + 9 + 2 + len(h.Salt) + 2 + len(h.WrapNonce) + 2 + len(h.WrappedKey) + 4 + 4)
}

// WriteTo writes the header to the given writer
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Cipher); err != nil {
		return 0, fmt.Errorf("failed to write cipher: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.KDF.Memory); err != nil {
		return 0, fmt.Errorf("failed to write kdf memory: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.KDF.Iterations); err != nil {
		return 0, fmt.Errorf("failed to write kdf iterations: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.KDF.Parallelism); err != nil {
		return 0, fmt.Errorf("failed to write kdf parallelism: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.SaltSize); err != nil {
		return 0, fmt.Errorf("failed to write salt size: %w", err)
	}
	if _, err := buf.Write(h.Salt); err != nil {
		return 0, fmt.Errorf("failed to write salt: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(h.WrapNonce))); err != nil {
		return 0, fmt.Errorf("failed to write wrap nonce size: %w", err)
	}
	if _, err := buf.Write(h.WrapNonce); err != nil {
		return 0, fmt.Errorf("failed to write wrap nonce: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(h.WrappedKey))); err != nil {
		return 0, fmt.Errorf("failed to write wrapped key size: %w", err)
	}
	if _, err := buf.Write(h.WrappedKey); err != nil {
		return 0, fmt.Errorf("failed to write wrapped key: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.ChunkSize); err != nil {
		return 0, fmt.Errorf("failed to write chunk size: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.IndexReserve); err != nil {
		return 0, fmt.Errorf("failed to write index reserve: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *Header) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4

	if h.Magic != MagicBytes {
		return totalRead, ErrInvalidHeader
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead++

	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Cipher); err != nil {
		return totalRead, fmt.Errorf("failed to read cipher: %w", err)
	}
	totalRead++

	if err := binary.Read(r, binary.LittleEndian, &h.KDF.Memory); err != nil {
		return totalRead, fmt.Errorf("failed to read kdf memory: %w", err)
	}
	totalRead += 4
	if err := binary.Read(r, binary.LittleEndian, &h.KDF.Iterations); err != nil {
		return totalRead, fmt.Errorf("failed to read kdf iterations: %w", err)
	}
	totalRead += 4
	if err := binary.Read(r, binary.LittleEndian, &h.KDF.Parallelism); err != nil {
		return totalRead, fmt.Errorf("failed to read kdf parallelism: %w", err)
	}
	totalRead++

	if err := binary.Read(r, binary.LittleEndian, &h.SaltSize); err != nil {
		return totalRead, fmt.Errorf("failed to read salt size: %w", err)
	}
	totalRead += 2

	h.Salt = make([]byte, h.SaltSize)
	n, err := io.ReadFull(r, h.Salt)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read salt: %w", err)
	}

	var nonceSize uint16
	if err := binary.Read(r, binary.LittleEndian, &nonceSize); err != nil {
		return totalRead, fmt.Errorf("failed to read wrap nonce size: %w", err)
	}
	totalRead += 2

	h.WrapNonce = make([]byte, nonceSize)
	n, err = io.ReadFull(r, h.WrapNonce)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read wrap nonce: %w", err)
	}

	var wrappedSize uint16
	if err := binary.Read(r, binary.LittleEndian, &wrappedSize); err != nil {
		return totalRead, fmt.Errorf("failed to read wrapped key size: %w", err)
	}
	totalRead += 2

	h.WrappedKey = make([]byte, wrappedSize)
	n, err = io.ReadFull(r, h.WrappedKey)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read wrapped key: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &h.ChunkSize); err != nil {
		return totalRead, fmt.Errorf("failed to read chunk size: %w", err)
	}
	totalRead += 4

	if err := binary.Read(r, binary.LittleEndian, &h.IndexReserve); err != nil {
		return totalRead, fmt.Errorf("failed to read index reserve: %w", err)
	}
	totalRead += 4

	return totalRead, nil
}

// Validate checks if the header is internally consistent.
func (h *Header) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if len(h.Salt) == 0 {
		return fmt.Errorf("%w: empty salt", ErrInvalidHeader)
	}
	if len(h.WrapNonce) != WrapNonceSize {
		return fmt.Errorf("%w: bad wrap nonce size %d", ErrInvalidHeader, len(h.WrapNonce))
	}
	if len(h.WrappedKey) != WrappedKeySize {
		return fmt.Errorf("%w: bad wrapped key size %d", ErrInvalidHeader, len(h.WrappedKey))
	}
	if h.ChunkSize < MinChunkSize || h.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d out of range", ErrInvalidHeader, h.ChunkSize)
	}
	if h.IndexReserve < MinIndexReserve {
		return fmt.Errorf("%w: index reserve %d below minimum", ErrInvalidHeader, h.IndexReserve)
	}
	if h.KDF.Memory == 0 || h.KDF.Iterations == 0 || h.KDF.Parallelism == 0 {
		return fmt.Errorf("%w: zero argon2id parameter", ErrInvalidHeader)
	}
	return nil
}
