package vault

import (
	"errors"
	"runtime"
)

// CipherSuite identifies the AEAD used for all encryption in a container.
type CipherSuite uint8

const (
	// CipherAuto selects a default suite at container creation time.
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// Argon2idParams contains parameters for Argon2id master-key derivation.
// The parameters in force at creation time are recorded in the container
// header so later unlocks do not depend on local defaults.
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
}

// DefaultArgon2idParams returns the recommended work factors.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 4,
	}
}

const (
	// DefaultChunkSize is the default plaintext chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// DefaultIndexReserve is the default size of the reserved index region.
	// The reserve is split into two commit slots written alternately, so
	// the sealed index must fit in half of it; once it outgrows a slot,
	// recreate the container with a larger reserve.
	DefaultIndexReserve = 64 * 1024

	// MinIndexReserve is the minimum reserved index region size.
	MinIndexReserve = 4 * 1024
)

// ParallelConfig controls parallel chunk decryption on streamed reads.
// Decryption order is reassembled before bytes are handed to the caller.
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks in an entry for
	// parallel processing to be used. Below this threshold, sequential
	// processing is used. Defaults to 4.
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinChunksForParallel < 0 {
		return errors.New("parallel min chunks threshold cannot be negative")
	}
	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// Config contains configuration for a vault container. Cipher, ChunkSize,
// IndexReserve and KDF only take effect at Init; Parallel applies per
// session.
type Config struct {
	// Cipher suite used for all encryption in the container
	Cipher CipherSuite

	// ChunkSize is the maximum plaintext bytes per encrypted chunk
	ChunkSize int

	// IndexReserve is the size of the reserved index region in bytes
	IndexReserve int

	// KDF holds the Argon2id work factors for master-key derivation
	KDF Argon2idParams

	// Parallel controls parallel chunk decryption for streamed reads
	Parallel ParallelConfig
}

// DefaultConfig returns a Config with recommended defaults.
func DefaultConfig() *Config {
	return &Config{
		Cipher:       CipherAuto,
		ChunkSize:    DefaultChunkSize,
		IndexReserve: DefaultIndexReserve,
		KDF:          DefaultArgon2idParams(),
		Parallel:     DefaultParallelConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.Cipher != CipherAuto && c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return errors.New("chunk size out of range")
	}
	if c.IndexReserve < MinIndexReserve {
		return errors.New("index reserve below minimum")
	}
	if c.KDF.Memory == 0 || c.KDF.Iterations == 0 || c.KDF.Parallelism == 0 {
		return errors.New("argon2id parameters must be non-zero")
	}
	return c.Parallel.Validate()
}

// withDefaults fills zero-valued fields of cfg, treating nil as all-default.
func withDefaults(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.ChunkSize == 0 {
		out.ChunkSize = def.ChunkSize
	}
	if out.IndexReserve == 0 {
		out.IndexReserve = def.IndexReserve
	}
	if out.KDF == (Argon2idParams{}) {
		out.KDF = def.KDF
	}
	return &out
}
