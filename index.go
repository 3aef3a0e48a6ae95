package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// The index region is split into two commit slots. Each slot holds a small
// plaintext prefix followed by one encrypted, authenticated blob describing
// every committed entry:
//
//	[writeSeq uint64][blobLen uint32][ciphertext + tag][padding...]
//
// writeSeq increments on every commit and feeds the index nonce, so the
// index subkey never sees a repeated nonce. Commits alternate slots by
// writeSeq parity; load picks the newest slot that authenticates, so a
// commit torn mid-write falls back to the previous commit instead of
// taking every entry down with it. The blob plaintext is:
//
//	[nextEntrySeq uint64][entryCount uint32][entry records...]
//
// Entry names and sizes are therefore invisible without the password.

// indexPrefixSize is the plaintext prefix: write sequence + blob length.
const indexPrefixSize = 8 + 4

// maxNameLen bounds entry name and content-type strings in the index.
const maxNameLen = 4096

// ChunkRef locates one encrypted chunk inside the chunk data region.
type ChunkRef struct {
	Offset      uint64 // Absolute container offset of the ciphertext
	EncLength   uint32 // Ciphertext length including the tag
	PlainLength uint32 // Plaintext length of the chunk
}

// Entry is a logical stored file: an ordered run of chunk descriptors whose
// plaintext lengths sum to TotalLength.
type Entry struct {
	Seq         uint64    // Monotonic sequence number, feeds chunk nonces
	ID          uuid.UUID // Stable identifier, used as chunk AAD
	Name        string
	ContentType string // Hint such as "video/x-matroska"; never interpreted
	TotalLength uint64
	Chunks      []ChunkRef
}

// clone returns a deep copy so committed index state is insulated from an
// in-progress writer mutating the original.
func (e *Entry) clone() *Entry {
	out := *e
	out.Chunks = make([]ChunkRef, len(e.Chunks))
	copy(out.Chunks, e.Chunks)
	return &out
}

// EntryInfo is the listing view of an entry.
type EntryInfo struct {
	Name        string
	ContentType string
	Length      uint64
	ID          uuid.UUID
}

// chunkIndex is the decrypted in-memory index of a container.
type chunkIndex struct {
	NextSeq uint64 // Next entry sequence number to assign; never reused
	Entries []*Entry
}

func newChunkIndex() *chunkIndex {
	return &chunkIndex{NextSeq: 1}
}

// lookup finds an entry by name.
func (ix *chunkIndex) lookup(name string) (*Entry, bool) {
	for _, e := range ix.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// upsert replaces the record with the same sequence number or appends a new
// one, preserving insertion order.
func (ix *chunkIndex) upsert(e *Entry) {
	for i, existing := range ix.Entries {
		if existing.Seq == e.Seq {
			ix.Entries[i] = e
			return
		}
	}
	ix.Entries = append(ix.Entries, e)
}

// remove deletes the record for name, reporting whether it existed.
func (ix *chunkIndex) remove(name string) bool {
	for i, e := range ix.Entries {
		if e.Name == name {
			ix.Entries = append(ix.Entries[:i], ix.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// infos returns the listing for all entries in insertion order.
func (ix *chunkIndex) infos() []EntryInfo {
	out := make([]EntryInfo, 0, len(ix.Entries))
	for _, e := range ix.Entries {
		out = append(out, EntryInfo{
			Name:        e.Name,
			ContentType: e.ContentType,
			Length:      e.TotalLength,
			ID:          e.ID,
		})
	}
	return out
}

// encode serializes the index blob plaintext.
func (ix *chunkIndex) encode() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, ix.NextSeq); err != nil {
		return nil, fmt.Errorf("failed to write next sequence: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ix.Entries))); err != nil {
		return nil, fmt.Errorf("failed to write entry count: %w", err)
	}

	for _, e := range ix.Entries {
		if err := binary.Write(buf, binary.LittleEndian, e.Seq); err != nil {
			return nil, fmt.Errorf("failed to write entry sequence: %w", err)
		}
		if _, err := buf.Write(e.ID[:]); err != nil {
			return nil, fmt.Errorf("failed to write entry id: %w", err)
		}
		if err := writeString(buf, e.Name); err != nil {
			return nil, fmt.Errorf("failed to write entry name: %w", err)
		}
		if err := writeString(buf, e.ContentType); err != nil {
			return nil, fmt.Errorf("failed to write content type: %w", err)
		}
		if err := binary.Write(buf, binary.LittleEndian, e.TotalLength); err != nil {
			return nil, fmt.Errorf("failed to write total length: %w", err)
		}
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(e.Chunks))); err != nil {
			return nil, fmt.Errorf("failed to write chunk count: %w", err)
		}
		for _, c := range e.Chunks {
			if err := binary.Write(buf, binary.LittleEndian, c.Offset); err != nil {
				return nil, fmt.Errorf("failed to write chunk offset: %w", err)
			}
			if err := binary.Write(buf, binary.LittleEndian, c.EncLength); err != nil {
				return nil, fmt.Errorf("failed to write chunk length: %w", err)
			}
			if err := binary.Write(buf, binary.LittleEndian, c.PlainLength); err != nil {
				return nil, fmt.Errorf("failed to write chunk plaintext length: %w", err)
			}
		}
	}

	return buf.Bytes(), nil
}

// decodeIndex parses an index blob. Structural damage surfaces as
// ErrCorruptIndex, never as a partially applied index.
func decodeIndex(data []byte) (*chunkIndex, error) {
	r := bytes.NewReader(data)
	ix := &chunkIndex{}

	if err := binary.Read(r, binary.LittleEndian, &ix.NextSeq); err != nil {
		return nil, newCorruptIndexError("truncated next sequence")
	}
	var entryCount uint32
	if err := binary.Read(r, binary.LittleEndian, &entryCount); err != nil {
		return nil, newCorruptIndexError("truncated entry count")
	}

	for i := uint32(0); i < entryCount; i++ {
		e := &Entry{}
		if err := binary.Read(r, binary.LittleEndian, &e.Seq); err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("truncated entry %d sequence", i))
		}
		if e.Seq == 0 || e.Seq >= ix.NextSeq {
			return nil, newCorruptIndexError(fmt.Sprintf("entry %d sequence %d out of range", i, e.Seq))
		}
		if _, err := io.ReadFull(r, e.ID[:]); err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("truncated entry %d id", i))
		}
		name, err := readString(r)
		if err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("bad entry %d name", i))
		}
		e.Name = name
		ctype, err := readString(r)
		if err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("bad entry %d content type", i))
		}
		e.ContentType = ctype
		if err := binary.Read(r, binary.LittleEndian, &e.TotalLength); err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("truncated entry %d length", i))
		}

		var chunkCount uint32
		if err := binary.Read(r, binary.LittleEndian, &chunkCount); err != nil {
			return nil, newCorruptIndexError(fmt.Sprintf("truncated entry %d chunk count", i))
		}
		if int64(chunkCount)*16 > int64(r.Len()) {
			return nil, newCorruptIndexError(fmt.Sprintf("entry %d chunk count %d exceeds blob", i, chunkCount))
		}

		var total uint64
		e.Chunks = make([]ChunkRef, chunkCount)
		for j := uint32(0); j < chunkCount; j++ {
			c := &e.Chunks[j]
			if err := binary.Read(r, binary.LittleEndian, &c.Offset); err != nil {
				return nil, newCorruptIndexError(fmt.Sprintf("truncated chunk %d of entry %d", j, i))
			}
			if err := binary.Read(r, binary.LittleEndian, &c.EncLength); err != nil {
				return nil, newCorruptIndexError(fmt.Sprintf("truncated chunk %d of entry %d", j, i))
			}
			if err := binary.Read(r, binary.LittleEndian, &c.PlainLength); err != nil {
				return nil, newCorruptIndexError(fmt.Sprintf("truncated chunk %d of entry %d", j, i))
			}
			if uint64(c.EncLength) != uint64(c.PlainLength)+TagSize {
				return nil, newCorruptIndexError(fmt.Sprintf("chunk %d of entry %d has inconsistent lengths", j, i))
			}
			total += uint64(c.PlainLength)
		}
		if total != e.TotalLength {
			return nil, newCorruptIndexError(fmt.Sprintf("entry %d chunk lengths sum to %d, recorded %d", i, total, e.TotalLength))
		}

		ix.Entries = append(ix.Entries, e)
	}

	if r.Len() != 0 {
		return nil, newCorruptIndexError("trailing bytes after last entry")
	}
	return ix, nil
}

// validateBounds checks every chunk reference against the container's chunk
// data region.
func (ix *chunkIndex) validateBounds(dataStart, fileSize int64) error {
	for _, e := range ix.Entries {
		for j, c := range e.Chunks {
			end := c.Offset + uint64(c.EncLength)
			if c.Offset < uint64(dataStart) || end > uint64(fileSize) {
				return &CorruptionError{
					Entry:    e.Name,
					ChunkIdx: j,
					Message:  fmt.Sprintf("chunk [%d, %d) outside container bounds [%d, %d)", c.Offset, end, dataStart, fileSize),
					Err:      ErrCorruptIndex,
				}
			}
		}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxNameLen {
		return fmt.Errorf("string length %d exceeds maximum %d", len(s), maxNameLen)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxNameLen || int(n) > r.Len() {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
