package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	// Locked means the session holds no key material; only Unlock, Info
	// and Close are permitted.
	Locked SessionState = iota
	// Unlocked means the data key is cached and content operations work.
	Unlocked
	// Closed is terminal; every operation fails with ErrSessionClosed.
	Closed
)

// String returns the string representation of the session state
func (s SessionState) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the stateful handle over one vault container. A session owns
// exclusive write access to its container; concurrent sessions on the same
// file must be serialized by the caller. Within a session, methods are safe
// for concurrent use and streamed readers carry independent positions.
//
// The expensive password derivation runs once per Unlock and the data key
// stays cached until Lock or Close, which zero it.
type Session struct {
	mu    sync.Mutex
	c     *container
	cfg   *Config
	state SessionState

	dataKey       []byte
	contentKey    []byte
	indexKey      []byte
	contentEngine CipherEngine
	indexEngine   CipherEngine
}

// ContainerInfo describes a container without requiring a password.
type ContainerInfo struct {
	Path       string
	Version    uint8
	Cipher     CipherSuite
	ChunkSize  uint32
	Size       int64 // Container file size in bytes
	EntryCount int   // -1 while locked (the index is encrypted)
}

// Init creates a new vault container at path. It refuses to overwrite an
// existing container (ErrVaultExists); remove the file first to recreate.
// The container is created locked; Open and Unlock it to store entries.
func Init(fs absfs.FileSystem, path string, password []byte, cfg *Config) error {
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return createContainer(fs, path, password, cfg)
}

// Open opens an existing container and returns a Locked session. No
// password is required until Unlock.
func Open(fs absfs.FileSystem, path string, cfg *Config) (*Session, error) {
	cfg = withDefaults(cfg)
	if err := cfg.Parallel.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c, err := openContainer(fs, path)
	if err != nil {
		return nil, err
	}

	return &Session{c: c, cfg: cfg, state: Locked}, nil
}

// Unlock derives the master key from password, unwraps the cached data key,
// and loads the entry index. A wrong password yields ErrAuthenticationFailed
// and the session stays Locked. Unlocking an already-unlocked session is an
// idempotent no-op - the cached key is kept, the derivation is not re-run.
func (s *Session) Unlock(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Unlocked:
		return nil
	}

	// Containers are never created with an empty password, so an empty
	// unlock attempt is just another wrong password.
	if len(password) == 0 {
		return ErrAuthenticationFailed
	}

	h := s.c.header
	masterKey, err := DeriveMasterKey(password, h.Salt, h.KDF)
	if err != nil {
		return err
	}
	defer Zero(masterKey)

	dataKey, err := UnwrapDataKey(h.WrappedKey, h.WrapNonce, masterKey, h.Cipher)
	if err != nil {
		return err
	}

	contentKey, indexKey, err := expandDataKey(dataKey)
	if err != nil {
		Zero(dataKey)
		return err
	}

	contentEngine, err := NewCipherEngine(h.Cipher, contentKey)
	if err != nil {
		Zero(dataKey)
		Zero(contentKey)
		Zero(indexKey)
		return err
	}
	indexEngine, err := NewCipherEngine(h.Cipher, indexKey)
	if err != nil {
		Zero(dataKey)
		Zero(contentKey)
		Zero(indexKey)
		return err
	}

	if err := s.c.loadIndex(indexEngine); err != nil {
		Zero(dataKey)
		Zero(contentKey)
		Zero(indexKey)
		return err
	}

	s.dataKey = dataKey
	s.contentKey = contentKey
	s.indexKey = indexKey
	s.contentEngine = contentEngine
	s.indexEngine = indexEngine
	s.state = Unlocked
	return nil
}

// Lock zeroes the cached key material and drops the decrypted index.
// Allowed from Unlocked only.
func (s *Session) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Locked:
		return ErrVaultLocked
	}

	s.zeroKeys()
	s.c.dropIndex()
	s.state = Locked
	return nil
}

// Close flushes the container, zeroes any cached key material, and moves
// the session to its terminal state. Valid from any state except Closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ErrSessionClosed
	}

	var err error
	if s.state == Unlocked {
		err = s.c.sync()
	}
	s.zeroKeys()
	s.c.dropIndex()
	s.state = Closed

	if closeErr := s.c.close(); err == nil {
		err = closeErr
	}
	return err
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info describes the container. Works while Locked; EntryCount is -1 until
// the session is unlocked since the index is encrypted.
func (s *Session) Info() (ContainerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ContainerInfo{}, ErrSessionClosed
	}

	info := ContainerInfo{
		Path:       s.c.path,
		Version:    s.c.header.Version,
		Cipher:     s.c.header.Cipher,
		ChunkSize:  s.c.header.ChunkSize,
		Size:       s.c.dataEnd,
		EntryCount: -1,
	}
	if s.state == Unlocked {
		info.EntryCount = len(s.c.index.Entries)
	}
	return info, nil
}

// List returns (name, content type, length) for every committed entry, in
// insertion order.
func (s *Session) List() ([]EntryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.c.index.infos(), nil
}

// Create starts a streamed write of a new entry. Data written to the
// returned EntryWriter is chunked, encrypted, and appended as it arrives;
// the entry becomes visible at the first Flush or at Close.
func (s *Session) Create(name, contentType string) (*EntryWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("entry name cannot be empty")
	}
	if _, ok := s.c.index.lookup(name); ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryExists, name)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	entry := &Entry{
		Seq:         s.c.index.NextSeq,
		ID:          uuid.New(),
		Name:        name,
		ContentType: contentType,
	}
	// The sequence number is consumed and persisted immediately, even if
	// the writer is abandoned, so chunk nonces can never repeat - not even
	// against orphaned chunks left by a crashed writer.
	s.c.index.NextSeq++
	if err := s.c.commitIndex(s.indexEngine); err != nil {
		return nil, err
	}

	return &EntryWriter{
		s:         s,
		entry:     entry,
		buf:       make([]byte, 0, s.c.header.ChunkSize),
		chunkSize: int(s.c.header.ChunkSize),
	}, nil
}

// Put stores the entire contents of r as a new entry, streaming chunk by
// chunk. Returns the number of plaintext bytes stored.
func (s *Session) Put(name, contentType string, r io.Reader) (int64, error) {
	w, err := s.Create(name, contentType)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, r)
	if err != nil {
		w.Abandon()
		return n, err
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// Get returns a streamed reader over the named entry. The stream is finite
// and restartable only from the beginning: call Get again to re-read.
func (s *Session) Get(name string) (*EntryReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	entry, ok := s.c.index.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}

	return &EntryReader{
		s:        s,
		entry:    entry.clone(),
		parallel: s.cfg.Parallel,
	}, nil
}

// Extract streams the named entry into w, returning the bytes written.
func (s *Session) Extract(name string, w io.Writer) (int64, error) {
	r, err := s.Get(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}

// Remove deletes the index record for name. The chunk bytes stay in the
// data region until Compact reclaims them; shifting the tail of the
// container on every delete would be prohibitive for media-sized entries.
func (s *Session) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if !s.c.index.remove(name) {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	return s.c.commitIndex(s.indexEngine)
}

// Compact rewrites the container without the byte ranges orphaned by
// removed entries, then atomically replaces the original file. Readers
// obtained before Compact are invalidated: their chunk offsets no longer
// match the rewritten file, so their next read fails loudly. Call Get
// again after compacting.
func (s *Session) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	return s.c.compact(s.indexEngine)
}

// ChangePassword rewraps the data key under a master key derived from
// newPassword with a fresh salt. Bulk data is untouched - only the key
// envelope in the header changes. The old password must verify first.
//
// The header is rewritten in place. A crash in the middle of that single
// small write can leave a header that verifies under neither password;
// callers who cannot tolerate that window should copy the container file
// before changing its password.
func (s *Session) ChangePassword(oldPassword, newPassword []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}

	h := s.c.header

	oldMaster, err := DeriveMasterKey(oldPassword, h.Salt, h.KDF)
	if err != nil {
		return err
	}
	check, err := UnwrapDataKey(h.WrappedKey, h.WrapNonce, oldMaster, h.Cipher)
	Zero(oldMaster)
	if err != nil {
		return err
	}
	Zero(check)

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	newMaster, err := DeriveMasterKey(newPassword, salt, h.KDF)
	if err != nil {
		return err
	}
	defer Zero(newMaster)

	wrapNonce, wrapped, err := WrapDataKey(s.dataKey, newMaster, h.Cipher)
	if err != nil {
		return err
	}

	// Salt, nonce and wrapped key are fixed-size, so the header can be
	// rewritten in place.
	h.Salt = salt
	h.SaltSize = uint16(len(salt))
	h.WrapNonce = wrapNonce
	h.WrappedKey = wrapped

	buf := new(bytes.Buffer)
	if _, err := h.WriteTo(buf); err != nil {
		return err
	}
	if _, err := s.c.file.WriteAt(buf.Bytes(), 0); err != nil {
		return newIOError("write", s.c.path, 0, err)
	}
	return s.c.sync()
}

// requireUnlocked gates content operations on session state.
func (s *Session) requireUnlocked() error {
	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Locked:
		return ErrVaultLocked
	}
	return nil
}

func (s *Session) zeroKeys() {
	Zero(s.dataKey)
	Zero(s.contentKey)
	Zero(s.indexKey)
	s.dataKey = nil
	s.contentKey = nil
	s.indexKey = nil
	s.contentEngine = nil
	s.indexEngine = nil
}
