// Package vault implements an encrypted single-file container for storing
// arbitrary files - including large media - behind a password-derived key,
// with streamed reads and writes that never require a whole payload to be
// resident in memory or written to disk in the clear.
//
// # Overview
//
// A vault is one container file holding many logical entries. Entry payloads
// are split into fixed-maximum-size chunks, each independently encrypted and
// authenticated, so a stored video can be played back by pulling decrypted
// chunks through an io.Reader while the rest of the container stays sealed.
//
// The container operates on any absfs.FileSystem, so the same code path
// serves on-disk vaults and in-memory vaults under test.
//
// # Key hierarchy
//
// A random 256-bit data key encrypts all bulk content. The data key is never
// stored in plaintext: it is wrapped by a master key derived from the user
// password with Argon2id, and the wrapped form carries an authentication tag
// so a wrong password is detected at unlock time, not as garbled plaintext
// deep inside a read. The data key is expanded with HKDF-SHA256 into a
// content subkey (chunk payloads) and an index subkey (entry index), which
// keeps the two deterministic nonce spaces disjoint.
//
// # Supported Cipher Suites
//
//   - AES-256-GCM: Advanced Encryption Standard with 256-bit keys and
//     Galois/Counter Mode for authenticated encryption
//   - ChaCha20-Poly1305: Modern stream cipher with Poly1305 message
//     authentication
//
// # Container Format
//
// Container layout (all integers little-endian):
//   - Header: magic, version, cipher suite, Argon2id parameters, salt,
//     wrapped data key (nonce + ciphertext + tag), chunk size, index reserve
//   - Index region: fixed reserved extent split into two commit slots, each
//     holding a plaintext write-sequence prefix and one encrypted,
//     authenticated index blob (entry records with name, content type,
//     length, and per-chunk offset/size descriptors); commits alternate
//     slots and load adopts the newest slot that authenticates, so a commit
//     torn by a crash falls back to the previous one
//   - Chunk data region: raw encrypted chunk bytes plus per-chunk tags,
//     addressed by the offsets recorded in the index
//
// Chunk nonces are derived from (entry sequence number, chunk index) and
// entry sequence numbers are monotonic for the lifetime of a container, so
// a (key, nonce) pair is never reused. The index is committed only after
// the chunk bytes it references are durably appended; an interrupted write
// leaves prior entries intact and the incomplete entry absent or truncated
// at its last flush point.
//
// # Basic Usage
//
//	fs := osfs // any absfs.FileSystem
//	err := vault.Init(fs, "media.vault", []byte("correct horse"), nil)
//
//	session, err := vault.Open(fs, "media.vault", nil)
//	defer session.Close()
//
//	if err := session.Unlock([]byte("correct horse")); err != nil {
//	    // vault.ErrAuthenticationFailed on a wrong password
//	}
//
//	f, _ := os.Open("clip.mkv")
//	session.Put("clip.mkv", "video/x-matroska", f)
//
//	r, _ := session.Get("clip.mkv")
//	io.Copy(player, r) // streamed decryption, chunk by chunk
//
// # Security Considerations
//
// Protected against: offline brute force (memory-hard Argon2id), tampering
// with chunks or the index (authenticated encryption, loud failures), and
// entry-name disclosure (the index is encrypted).
//
// Not protected against: memory dumps while a session is unlocked,
// side-channel attacks, or compromised hosts. Lock or Close a session to
// zero cached key material between uses.
package vault
