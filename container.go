package vault

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
)

// container owns the open handle and byte layout of one vault file. All
// methods assume the session's lock is held; chunk reads go through ReadAt
// so concurrent streamed reads never share a cursor.
type container struct {
	fs       absfs.FileSystem
	path     string
	file     absfs.File
	header   *Header
	writeSeq uint64 // Index write sequence, loaded with the index
	index    *chunkIndex
	dataEnd  int64 // End of the chunk data region (append point)
}

// dataStart returns the absolute offset where the chunk data region begins.
func (c *container) dataStart() int64 {
	return c.header.Size() + int64(c.header.IndexReserve)
}

// indexSlotSize returns the size of one of the two index commit slots that
// split the reserved index region.
func (c *container) indexSlotSize() int64 {
	return int64(c.header.IndexReserve) / 2
}

// indexSlotOffset returns the absolute offset of the slot a given write
// sequence commits into. Commits alternate slots, so a commit torn by a
// crash can only damage its own slot, never the previous commit.
func (c *container) indexSlotOffset(writeSeq uint64) int64 {
	return c.header.Size() + int64(writeSeq%2)*c.indexSlotSize()
}

// openContainer opens an existing vault file and reads its header. The
// index stays sealed until a session unlocks.
func openContainer(fs absfs.FileSystem, path string) (*container, error) {
	file, err := fs.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, newIOError("open", path, -1, err)
	}

	header := &Header{}
	if _, err := header.ReadFrom(file); err != nil {
		file.Close()
		return nil, err
	}
	if err := header.Validate(); err != nil {
		file.Close()
		return nil, err
	}

	c := &container{fs: fs, path: path, file: file, header: header}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, newIOError("stat", path, -1, err)
	}
	if info.Size() < c.dataStart() {
		file.Close()
		return nil, newCorruptIndexError(fmt.Sprintf("container size %d smaller than index region end %d", info.Size(), c.dataStart()))
	}
	c.dataEnd = info.Size()

	return c, nil
}

// createContainer initializes a fresh vault file: generates the data key,
// wraps it under a newly derived master key, and commits an empty index.
// All key material is zeroed before returning.
func createContainer(fs absfs.FileSystem, path string, password []byte, cfg *Config) error {
	if _, err := fs.Stat(path); err == nil {
		return ErrVaultExists
	}

	suite := cfg.Cipher
	if suite == CipherAuto {
		suite = CipherAES256GCM
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	masterKey, err := DeriveMasterKey(password, salt, cfg.KDF)
	if err != nil {
		return err
	}
	defer Zero(masterKey)

	dataKey, err := GenerateDataKey()
	if err != nil {
		return err
	}
	defer Zero(dataKey)

	wrapNonce, wrapped, err := WrapDataKey(dataKey, masterKey, suite)
	if err != nil {
		return err
	}

	_, indexKey, err := expandDataKey(dataKey)
	if err != nil {
		return err
	}
	defer Zero(indexKey)

	indexEngine, err := NewCipherEngine(suite, indexKey)
	if err != nil {
		return err
	}

	header := NewHeader(suite, cfg.KDF, salt, wrapNonce, wrapped, uint32(cfg.ChunkSize), uint32(cfg.IndexReserve))

	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newIOError("create", path, -1, err)
	}

	c := &container{fs: fs, path: path, file: file, header: header, index: newChunkIndex()}
	c.dataEnd = c.dataStart()

	if err := c.writeLayout(file, indexEngine); err != nil {
		file.Close()
		fs.Remove(path)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return newIOError("sync", path, -1, err)
	}
	if err := file.Close(); err != nil {
		return newIOError("close", path, -1, err)
	}
	return nil
}

// writeLayout writes the header, the reserved index region, and the current
// index to the start of dst. Used at creation and during compaction.
func (c *container) writeLayout(dst absfs.File, indexEngine CipherEngine) error {
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return newIOError("seek", c.path, 0, err)
	}
	if _, err := c.header.WriteTo(dst); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Zero the whole reserve so chunk offsets start at a stable position.
	if _, err := dst.Write(make([]byte, c.header.IndexReserve)); err != nil {
		return newIOError("write", c.path, c.header.Size(), err)
	}
	return c.commitIndexTo(dst, indexEngine)
}

// commitIndex seals and writes the current index into the reserved region.
// Call only after the chunk bytes it references have been synced: index
// commit ordering is what keeps an interrupted write from corrupting
// sibling entries.
func (c *container) commitIndex(indexEngine CipherEngine) error {
	return c.commitIndexTo(c.file, indexEngine)
}

func (c *container) commitIndexTo(dst absfs.File, indexEngine CipherEngine) error {
	blob, err := c.index.encode()
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	// The write sequence is consumed even if the write fails, so a retry
	// never reuses an index nonce.
	c.writeSeq++
	sealed, err := indexEngine.Encrypt(indexNonce(c.writeSeq), blob, nil)
	if err != nil {
		return fmt.Errorf("failed to seal index: %w", err)
	}

	if int64(indexPrefixSize+len(sealed)) > c.indexSlotSize() {
		return fmt.Errorf("%w: %d bytes needed, %d per slot", ErrIndexFull, indexPrefixSize+len(sealed), c.indexSlotSize())
	}

	buf := make([]byte, indexPrefixSize+len(sealed))
	binary.LittleEndian.PutUint64(buf[0:8], c.writeSeq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(sealed)))
	copy(buf[indexPrefixSize:], sealed)

	off := c.indexSlotOffset(c.writeSeq)
	if _, err := dst.WriteAt(buf, off); err != nil {
		return newIOError("write", c.path, off, err)
	}
	return nil
}

// loadIndex reads both index slots and adopts the newest commit that
// authenticates and decodes. The password was already verified against the
// wrapped key, so a slot that fails here is torn or damaged; as long as the
// other slot holds a valid commit, the container stays readable at that
// commit's state.
func (c *container) loadIndex(indexEngine CipherEngine) error {
	var (
		best      *chunkIndex
		bestSeq   uint64
		sawCommit bool
	)

	for slot := int64(0); slot < 2; slot++ {
		off := c.header.Size() + slot*c.indexSlotSize()

		prefix := make([]byte, indexPrefixSize)
		if _, err := c.file.ReadAt(prefix, off); err != nil {
			return newIOError("read", c.path, off, err)
		}
		writeSeq := binary.LittleEndian.Uint64(prefix[0:8])
		blobLen := binary.LittleEndian.Uint32(prefix[8:12])

		if writeSeq == 0 {
			continue // slot never written
		}
		sawCommit = true
		if int64(writeSeq%2) != slot {
			continue // torn prefix: this sequence belongs to the other slot
		}
		if int64(blobLen) > c.indexSlotSize()-indexPrefixSize {
			continue
		}

		sealed := make([]byte, blobLen)
		if _, err := c.file.ReadAt(sealed, off+indexPrefixSize); err != nil {
			return newIOError("read", c.path, off+indexPrefixSize, err)
		}
		blob, err := indexEngine.Decrypt(indexNonce(writeSeq), sealed, nil)
		if err != nil {
			continue // torn or damaged commit
		}
		index, err := decodeIndex(blob)
		if err != nil {
			continue
		}
		if err := index.validateBounds(c.dataStart(), c.dataEnd); err != nil {
			continue
		}

		if writeSeq > bestSeq {
			best, bestSeq = index, writeSeq
		}
	}

	if best == nil {
		if !sawCommit {
			return newCorruptIndexError("no index commit found")
		}
		return newCorruptIndexError("no index slot authenticates")
	}

	// Resuming from bestSeq means the next commit overwrites the other
	// slot, which is the one holding the torn or older commit.
	c.writeSeq = bestSeq
	c.index = best
	return nil
}

// dropIndex forgets the decrypted index, e.g. when the session locks.
func (c *container) dropIndex() {
	c.index = nil
}

// appendChunk encrypts one plaintext block and appends it to the chunk data
// region, recording a descriptor on the entry. The index is not touched;
// the chunk becomes reachable only at the next commit.
func (c *container) appendChunk(contentEngine CipherEngine, e *Entry, plaintext []byte) error {
	nonce := chunkNonce(e.Seq, uint32(len(e.Chunks)))
	ciphertext, err := contentEngine.Encrypt(nonce, plaintext, e.ID[:])
	if err != nil {
		return fmt.Errorf("failed to encrypt chunk: %w", err)
	}

	if _, err := c.file.WriteAt(ciphertext, c.dataEnd); err != nil {
		return newIOError("write", c.path, c.dataEnd, err)
	}

	e.Chunks = append(e.Chunks, ChunkRef{
		Offset:      uint64(c.dataEnd),
		EncLength:   uint32(len(ciphertext)),
		PlainLength: uint32(len(plaintext)),
	})
	e.TotalLength += uint64(len(plaintext))
	c.dataEnd += int64(len(ciphertext))
	return nil
}

// readChunkRaw reads the ciphertext of chunk idx via ReadAt, so concurrent
// readers of different entries never disturb each other.
func (c *container) readChunkRaw(e *Entry, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(e.Chunks) {
		return nil, newCorruptChunkError(e.Name, idx, "chunk index out of range")
	}
	ref := e.Chunks[idx]

	ciphertext := make([]byte, ref.EncLength)
	if _, err := c.file.ReadAt(ciphertext, int64(ref.Offset)); err != nil {
		return nil, newIOError("read", c.path, int64(ref.Offset), err)
	}
	return ciphertext, nil
}

// decryptChunk authenticates and decrypts one chunk's ciphertext.
func decryptChunk(contentEngine CipherEngine, e *Entry, idx int, ciphertext []byte) ([]byte, error) {
	plaintext, err := contentEngine.Decrypt(chunkNonce(e.Seq, uint32(idx)), ciphertext, e.ID[:])
	if err != nil {
		return nil, newCorruptChunkError(e.Name, idx, "chunk authentication failed")
	}
	if len(plaintext) != int(e.Chunks[idx].PlainLength) {
		return nil, newCorruptChunkError(e.Name, idx, fmt.Sprintf("decrypted length %d, index records %d", len(plaintext), e.Chunks[idx].PlainLength))
	}
	return plaintext, nil
}

// readChunk reads and decrypts chunk idx of an entry.
func (c *container) readChunk(contentEngine CipherEngine, e *Entry, idx int) ([]byte, error) {
	ciphertext, err := c.readChunkRaw(e, idx)
	if err != nil {
		return nil, err
	}
	return decryptChunk(contentEngine, e, idx, ciphertext)
}

// sync flushes the underlying file.
func (c *container) sync() error {
	if err := c.file.Sync(); err != nil {
		return newIOError("sync", c.path, -1, err)
	}
	return nil
}

// compact rewrites live ciphertext into a fresh container file and renames
// it over the old one, reclaiming space left by removed entries. Chunk
// ciphertext is copied verbatim - nonces depend on entry sequence and chunk
// index, not byte offsets - so no re-encryption happens.
func (c *container) compact(indexEngine CipherEngine) error {
	tmpPath := c.path + ".compact"
	tmp, err := c.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return newIOError("create", tmpPath, -1, err)
	}

	cleanup := func(err error) error {
		tmp.Close()
		c.fs.Remove(tmpPath)
		return err
	}

	// Copy chunks entry by entry, rebuilding descriptors at new offsets.
	newEnd := c.dataStart()
	newEntries := make([]*Entry, 0, len(c.index.Entries))
	for _, e := range c.index.Entries {
		ne := e.clone()
		for j := range ne.Chunks {
			ref := &ne.Chunks[j]
			buf := make([]byte, ref.EncLength)
			if _, err := c.file.ReadAt(buf, int64(ref.Offset)); err != nil {
				return cleanup(newIOError("read", c.path, int64(ref.Offset), err))
			}
			if _, err := tmp.WriteAt(buf, newEnd); err != nil {
				return cleanup(newIOError("write", tmpPath, newEnd, err))
			}
			ref.Offset = uint64(newEnd)
			newEnd += int64(ref.EncLength)
		}
		newEntries = append(newEntries, ne)
	}

	// Swap in the rewritten state before sealing the layout so the index
	// commit covers the new offsets. The write sequence keeps increasing
	// across compaction; the data key is unchanged, so nonces must not
	// restart.
	oldEntries, oldEnd := c.index.Entries, c.dataEnd
	c.index.Entries, c.dataEnd = newEntries, newEnd
	if err := c.writeLayout(tmp, indexEngine); err != nil {
		c.index.Entries, c.dataEnd = oldEntries, oldEnd
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		c.index.Entries, c.dataEnd = oldEntries, oldEnd
		return cleanup(newIOError("sync", tmpPath, -1, err))
	}
	if err := tmp.Close(); err != nil {
		c.index.Entries, c.dataEnd = oldEntries, oldEnd
		c.fs.Remove(tmpPath)
		return newIOError("close", tmpPath, -1, err)
	}

	c.file.Close()
	if err := c.fs.Rename(tmpPath, c.path); err != nil {
		// The old file handle is gone; reopen whatever is at path.
		file, openErr := c.fs.OpenFile(c.path, os.O_RDWR, 0600)
		if openErr == nil {
			c.file = file
		}
		c.index.Entries, c.dataEnd = oldEntries, oldEnd
		return newIOError("rename", tmpPath, -1, err)
	}

	file, err := c.fs.OpenFile(c.path, os.O_RDWR, 0600)
	if err != nil {
		return newIOError("open", c.path, -1, err)
	}
	c.file = file
	return nil
}

// close releases the file handle.
func (c *container) close() error {
	if err := c.file.Close(); err != nil {
		return newIOError("close", c.path, -1, err)
	}
	return nil
}
