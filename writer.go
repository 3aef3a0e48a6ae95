package vault

import (
	"fmt"
)

// EntryWriter is a streamed writer for one new entry. Plaintext arrives in
// blocks of any size; full chunks are encrypted and appended as soon as
// they fill. The entry's index record is committed at Flush and Close, and
// only ever covers fully appended chunks, so an interruption mid-write
// leaves the entry absent or truncated at its last flush point - never a
// record pointing at half-written ciphertext.
type EntryWriter struct {
	s         *Session
	entry     *Entry
	buf       []byte
	chunkSize int
	closed    bool
	committed bool // entry has appeared in at least one index commit
}

// Name returns the entry name being written.
func (w *EntryWriter) Name() string {
	return w.entry.Name
}

// Write appends plaintext to the entry, encrypting and flushing chunk-sized
// pieces as they complete. Implements io.Writer.
func (w *EntryWriter) Write(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}
	if w.closed {
		return 0, ErrWriterClosed
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if err := w.s.requireUnlocked(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		space := w.chunkSize - len(w.buf)
		take := len(p) - total
		if take > space {
			take = space
		}
		w.buf = append(w.buf, p[total:total+take]...)
		total += take

		if len(w.buf) == w.chunkSize {
			if err := w.s.c.appendChunk(w.s.contentEngine, w.entry, w.buf); err != nil {
				return total, err
			}
			w.buf = w.buf[:0]
		}
	}
	return total, nil
}

// Flush durably commits every fully appended chunk: the chunk data is
// synced first, then the index record is advanced to cover it. A partial
// chunk still buffered in memory is not written; a crash after Flush loses
// at most the bytes since the last chunk boundary.
func (w *EntryWriter) Flush() error {
	if w.closed {
		return ErrWriterClosed
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if err := w.s.requireUnlocked(); err != nil {
		return err
	}
	return w.commit()
}

// Close writes any remaining buffered bytes as a final short chunk and
// commits the completed entry. Implements io.Closer.
func (w *EntryWriter) Close() error {
	if w.closed {
		return ErrWriterClosed
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if err := w.s.requireUnlocked(); err != nil {
		return err
	}

	if len(w.buf) > 0 {
		if err := w.s.c.appendChunk(w.s.contentEngine, w.entry, w.buf); err != nil {
			return err
		}
		w.buf = w.buf[:0]
	}
	if err := w.commit(); err != nil {
		return err
	}
	w.closed = true
	return nil
}

// Abandon discards the writer without committing further. Chunks already
// appended stay as unreferenced bytes until the next Compact; if the writer
// had flushed, the entry remains visible truncated at that flush point.
func (w *EntryWriter) Abandon() {
	w.closed = true
	w.buf = nil
}

// commit syncs appended chunk data, then advances the index. Caller holds
// the session lock. Index-after-data ordering is the crash-safety
// invariant: a record never references bytes that might not be on disk.
func (w *EntryWriter) commit() error {
	if err := w.s.c.sync(); err != nil {
		return err
	}
	w.s.c.index.upsert(w.entry.clone())
	if err := w.s.c.commitIndex(w.s.indexEngine); err != nil {
		return fmt.Errorf("failed to commit entry %q: %w", w.entry.Name, err)
	}
	w.committed = true
	return nil
}
