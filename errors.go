package vault

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrAuthenticationFailed is returned when the wrapped data key fails to
	// verify: a wrong password or a tampered key section. Recoverable - the
	// caller may retry with another password.
	ErrAuthenticationFailed = errors.New("authentication failed - wrong password or tampered key material")

	// ErrVaultLocked is returned when a content operation is invoked on a
	// session that has not been unlocked.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrEntryNotFound is returned when no entry with the given name exists.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrEntryExists is returned when creating an entry whose name is taken.
	ErrEntryExists = errors.New("entry already exists")

	// ErrCorruptIndex indicates the index region is structurally invalid,
	// fails authentication, or references bytes outside the container.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrCorruptChunk indicates a chunk failed authentication or its
	// decrypted length disagrees with the index record.
	ErrCorruptChunk = errors.New("corrupt chunk")

	// ErrIndexFull is returned when the encoded index no longer fits the
	// reserved index region.
	ErrIndexFull = errors.New("index region full")

	ErrVaultExists        = errors.New("container already exists")
	ErrInvalidHeader      = errors.New("invalid container header")
	ErrUnsupportedVersion = errors.New("unsupported container format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrWriterClosed       = errors.New("entry writer is closed")
	ErrReaderClosed       = errors.New("entry reader is closed")
)

// CorruptionError reports a structural or integrity failure inside the
// container, with enough context to identify the damaged region.
type CorruptionError struct {
	Entry    string // Entry name, if known
	ChunkIdx int    // Chunk index within the entry, -1 if not chunk-scoped
	Message  string
	Err      error // ErrCorruptIndex or ErrCorruptChunk
}

func (e *CorruptionError) Error() string {
	switch {
	case e.Entry != "" && e.ChunkIdx >= 0:
		return fmt.Sprintf("corruption: entry %q chunk %d: %s", e.Entry, e.ChunkIdx, e.Message)
	case e.Entry != "":
		return fmt.Sprintf("corruption: entry %q: %s", e.Entry, e.Message)
	default:
		return fmt.Sprintf("corruption: %s", e.Message)
	}
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// IOError reports a failure of the underlying storage medium.
type IOError struct {
	Op     string // "read", "write", "sync", "open", "rename", ...
	Path   string
	Offset int64 // container offset, -1 if not applicable
	Err    error
}

func (e *IOError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func newCorruptIndexError(message string) error {
	return &CorruptionError{ChunkIdx: -1, Message: message, Err: ErrCorruptIndex}
}

func newCorruptChunkError(entry string, chunkIdx int, message string) error {
	return &CorruptionError{Entry: entry, ChunkIdx: chunkIdx, Message: message, Err: ErrCorruptChunk}
}

func newIOError(op, path string, offset int64, err error) error {
	return &IOError{Op: op, Path: path, Offset: offset, Err: err}
}

// IsCorruption reports whether err indicates a corrupt container region.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruptIndex) || errors.Is(err, ErrCorruptChunk) ||
		errors.Is(err, ErrInvalidHeader) || errors.Is(err, ErrUnsupportedVersion)
}

// IsIOError reports whether err originated in the storage medium.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
