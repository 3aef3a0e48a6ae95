package vault

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func sampleIndex() *chunkIndex {
	ix := newChunkIndex()
	ix.NextSeq = 3
	ix.Entries = []*Entry{
		{
			Seq:         1,
			ID:          uuid.New(),
			Name:        "movie.mkv",
			ContentType: "video/x-matroska",
			TotalLength: 1024 + 512,
			Chunks: []ChunkRef{
				{Offset: 70000, EncLength: 1024 + TagSize, PlainLength: 1024},
				{Offset: 71040, EncLength: 512 + TagSize, PlainLength: 512},
			},
		},
		{
			Seq:         2,
			ID:          uuid.New(),
			Name:        "empty.bin",
			ContentType: "application/octet-stream",
		},
	}
	return ix
}

func TestIndex_EncodeDecodeRoundTrip(t *testing.T) {
	ix := sampleIndex()

	data, err := ix.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := decodeIndex(data)
	if err != nil {
		t.Fatalf("decodeIndex failed: %v", err)
	}

	if got.NextSeq != ix.NextSeq {
		t.Errorf("NextSeq mismatch: got %d, want %d", got.NextSeq, ix.NextSeq)
	}
	if len(got.Entries) != len(ix.Entries) {
		t.Fatalf("entry count mismatch: got %d, want %d", len(got.Entries), len(ix.Entries))
	}
	for i, want := range ix.Entries {
		e := got.Entries[i]
		if e.Seq != want.Seq || e.ID != want.ID || e.Name != want.Name ||
			e.ContentType != want.ContentType || e.TotalLength != want.TotalLength {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, e, want)
		}
		if len(e.Chunks) != len(want.Chunks) {
			t.Fatalf("entry %d chunk count mismatch: got %d, want %d", i, len(e.Chunks), len(want.Chunks))
		}
		for j, c := range want.Chunks {
			if e.Chunks[j] != c {
				t.Errorf("entry %d chunk %d mismatch: got %+v, want %+v", i, j, e.Chunks[j], c)
			}
		}
	}
}

func TestIndex_EmptyRoundTrip(t *testing.T) {
	ix := newChunkIndex()

	data, err := ix.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeIndex(data)
	if err != nil {
		t.Fatalf("decodeIndex failed: %v", err)
	}
	if got.NextSeq != 1 || len(got.Entries) != 0 {
		t.Errorf("got NextSeq=%d entries=%d, want NextSeq=1 entries=0", got.NextSeq, len(got.Entries))
	}
}

func TestDecodeIndex_Corrupt(t *testing.T) {
	base, err := sampleIndex().encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func() []byte
	}{
		{"empty blob", func() []byte { return nil }},
		{"truncated mid-entry", func() []byte { return base[:len(base)/2] }},
		{"trailing bytes", func() []byte { return append(append([]byte{}, base...), 0xFF) }},
		{"sequence out of range", func() []byte {
			data := append([]byte{}, base...)
			// NextSeq lives in the first 8 bytes; forcing it to 1 makes
			// every entry sequence out of range.
			for i := 0; i < 8; i++ {
				data[i] = 0
			}
			data[0] = 1
			return data
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeIndex(tt.mutate())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !IsCorruption(err) {
				t.Errorf("expected corruption error, got %v", err)
			}
		})
	}
}

func TestDecodeIndex_InconsistentChunkLengths(t *testing.T) {
	ix := newChunkIndex()
	ix.NextSeq = 2
	ix.Entries = []*Entry{{
		Seq:         1,
		ID:          uuid.New(),
		Name:        "bad",
		TotalLength: 100,
		Chunks:      []ChunkRef{{Offset: 70000, EncLength: 100 + TagSize, PlainLength: 100}},
	}}

	// EncLength != PlainLength + TagSize
	ix.Entries[0].Chunks[0].EncLength = 100
	data, err := ix.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := decodeIndex(data); !IsCorruption(err) {
		t.Errorf("inconsistent chunk lengths: expected corruption error, got %v", err)
	}

	// Chunk plaintext sum != TotalLength
	ix.Entries[0].Chunks[0].EncLength = 100 + TagSize
	ix.Entries[0].TotalLength = 999
	data, err = ix.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := decodeIndex(data); !IsCorruption(err) {
		t.Errorf("bad total length: expected corruption error, got %v", err)
	}
}

func TestIndex_ValidateBounds(t *testing.T) {
	ix := sampleIndex()

	if err := ix.validateBounds(70000, 80000); err != nil {
		t.Errorf("in-bounds index rejected: %v", err)
	}
	if err := ix.validateBounds(70001, 80000); !IsCorruption(err) {
		t.Errorf("chunk before data region: expected corruption error, got %v", err)
	}
	if err := ix.validateBounds(70000, 71000); !IsCorruption(err) {
		t.Errorf("chunk past end of file: expected corruption error, got %v", err)
	}
}

func TestIndex_UpsertRemoveLookup(t *testing.T) {
	ix := newChunkIndex()

	a := &Entry{Seq: 1, Name: "a"}
	b := &Entry{Seq: 2, Name: "b"}
	ix.upsert(a)
	ix.upsert(b)

	if _, ok := ix.lookup("a"); !ok {
		t.Error("lookup missed entry a")
	}
	if _, ok := ix.lookup("missing"); ok {
		t.Error("lookup found nonexistent entry")
	}

	// Upsert by sequence replaces in place, preserving order.
	a2 := &Entry{Seq: 1, Name: "a", TotalLength: 42}
	ix.upsert(a2)
	if len(ix.Entries) != 2 {
		t.Fatalf("upsert duplicated entry: %d entries", len(ix.Entries))
	}
	if ix.Entries[0].TotalLength != 42 {
		t.Error("upsert did not replace the record")
	}

	if !ix.remove("a") {
		t.Error("remove reported missing for existing entry")
	}
	if ix.remove("a") {
		t.Error("remove reported success for deleted entry")
	}
	if len(ix.Entries) != 1 || ix.Entries[0].Name != "b" {
		t.Error("remove disturbed remaining entries")
	}
}

func TestWriteString_TooLong(t *testing.T) {
	ix := newChunkIndex()
	ix.NextSeq = 2
	ix.Entries = []*Entry{{Seq: 1, Name: strings.Repeat("x", maxNameLen+1)}}

	if _, err := ix.encode(); err == nil {
		t.Error("oversized name accepted")
	}
}
