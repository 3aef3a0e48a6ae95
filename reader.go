package vault

import (
	"io"
)

// EntryReader is a streamed reader over one entry: a finite, pull-based
// sequence of decrypted chunks. Only the chunk currently being consumed
// (plus an optional parallel-decrypt readahead) is resident in memory, so
// media-sized entries never require full-file buffering.
//
// Each reader carries its own position and reads via ReadAt, so readers of
// different entries may be interleaved freely within one session. A reader
// is not restartable mid-stream; call Session.Get again to re-read from the
// beginning.
type EntryReader struct {
	s        *Session
	entry    *Entry
	parallel ParallelConfig

	nextChunk int      // next chunk index to decrypt
	queue     [][]byte // decrypted chunks awaiting delivery, in order
	buf       []byte   // chunk currently being consumed
	off       int
	closed    bool
}

// Name returns the entry name.
func (r *EntryReader) Name() string {
	return r.entry.Name
}

// ContentType returns the entry's content-type hint.
func (r *EntryReader) ContentType() string {
	return r.entry.ContentType
}

// Length returns the total plaintext length of the entry.
func (r *EntryReader) Length() uint64 {
	return r.entry.TotalLength
}

// Read implements io.Reader. Chunks are decrypted on demand; any
// authentication failure surfaces as a corruption error, never as silently
// altered plaintext.
func (r *EntryReader) Read(p []byte) (int, error) {
	if p == nil {
		return 0, ErrNilBuffer
	}
	if r.closed {
		return 0, ErrReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if r.off < len(r.buf) {
			n := copy(p[total:], r.buf[r.off:])
			r.off += n
			total += n
			continue
		}

		if len(r.queue) > 0 {
			r.buf, r.queue = r.queue[0], r.queue[1:]
			r.off = 0
			continue
		}

		if r.nextChunk >= len(r.entry.Chunks) {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		if err := r.fill(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close releases the reader and zeroes any buffered plaintext.
func (r *EntryReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	Zero(r.buf)
	for _, b := range r.queue {
		Zero(b)
	}
	r.buf = nil
	r.queue = nil
	return nil
}

// fill decrypts the next chunk - or, when parallel decryption is enabled
// and the entry is large enough, the next batch of chunks reassembled in
// order - into the delivery queue.
func (r *EntryReader) fill() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// A session that locked or closed after this reader was created must
	// not keep serving plaintext.
	if err := r.s.requireUnlocked(); err != nil {
		return err
	}

	remaining := len(r.entry.Chunks) - r.nextChunk

	useParallel := r.parallel.Enabled &&
		len(r.entry.Chunks) >= max(r.parallel.MinChunksForParallel, 2) &&
		remaining > 1
	if !useParallel {
		chunk, err := r.s.c.readChunk(r.s.contentEngine, r.entry, r.nextChunk)
		if err != nil {
			return err
		}
		r.queue = append(r.queue, chunk)
		r.nextChunk++
		return nil
	}

	batch := r.batchSize()
	if batch > remaining {
		batch = remaining
	}
	chunks, err := r.s.decryptChunkRange(r.entry, r.nextChunk, batch)
	if err != nil {
		return err
	}
	r.queue = append(r.queue, chunks...)
	r.nextChunk += batch
	return nil
}

// batchSize bounds the readahead so parallel decryption never holds more
// than a couple of chunks per worker in memory.
func (r *EntryReader) batchSize() int {
	workers := r.parallel.MaxWorkers
	if workers <= 0 {
		workers = defaultWorkers()
	}
	return workers * 2
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
