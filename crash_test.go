package vault

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// snapshotVault captures the container's current on-disk bytes. Combined
// with restoreVault it simulates a crash: whatever was durable at the
// snapshot is all a recovering process gets to see.
func snapshotVault(t *testing.T, fs absfs.FileSystem, path string) []byte {
	t.Helper()
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("snapshot open failed: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	return data
}

func restoreVault(t *testing.T, data []byte) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}
	f, err := fs.OpenFile(testVaultPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("restore create failed: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("restore write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("restore close failed: %v", err)
	}
	return fs
}

func unlockRestored(t *testing.T, fs absfs.FileSystem, password []byte) *Session {
	t.Helper()
	s, err := Open(fs, testVaultPath, testConfig())
	if err != nil {
		t.Fatalf("Open restored vault failed: %v", err)
	}
	if err := s.Unlock(password); err != nil {
		t.Fatalf("Unlock restored vault failed: %v", err)
	}
	return s
}

func TestCrash_UncommittedEntryAbsent(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)
	defer s.Close()

	committed := randomBytes(20, 4096)
	if _, err := s.Put("committed.bin", "", bytes.NewReader(committed)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Start a second entry and crash before any flush.
	w, err := s.Create("partial.bin", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write(randomBytes(21, 3000)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	snap := snapshotVault(t, fs, testVaultPath)

	s2 := unlockRestored(t, restoreVault(t, snap), password)
	defer s2.Close()

	entries, err := s2.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "committed.bin" {
		t.Fatalf("recovered listing: %+v, want only committed.bin", entries)
	}
	if !bytes.Equal(mustExtract(t, s2, "committed.bin"), committed) {
		t.Error("committed entry damaged by the interrupted write")
	}
}

func TestCrash_FlushedChunksSurvive(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)
	defer s.Close()

	data := randomBytes(22, 5*1024+300)
	w, err := s.Create("stream.bin", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Crash after the flush: the five full chunks are durable, the
	// 300-byte tail was still buffered.
	snap := snapshotVault(t, fs, testVaultPath)

	s2 := unlockRestored(t, restoreVault(t, snap), password)
	defer s2.Close()

	got := mustExtract(t, s2, "stream.bin")
	if !bytes.Equal(got, data[:5*1024]) {
		t.Errorf("recovered %d bytes, want entry truncated at the flush point (%d bytes)", len(got), 5*1024)
	}
}

func TestCrash_MidSequenceFlushes(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)
	defer s.Close()

	data := randomBytes(23, 10*1024)
	w, err := s.Create("stream.bin", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Write chunk by chunk, flushing as we go, snapshotting after each
	// flush. Every snapshot must recover to exactly its flush point.
	var snaps [][]byte
	for off := 0; off < len(data); off += 1024 {
		if _, err := w.Write(data[off : off+1024]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		snaps = append(snaps, snapshotVault(t, fs, testVaultPath))
	}

	for i, snap := range snaps {
		s2 := unlockRestored(t, restoreVault(t, snap), password)
		want := data[:(i+1)*1024]
		if got := mustExtract(t, s2, "stream.bin"); !bytes.Equal(got, want) {
			t.Errorf("snapshot %d: recovered %d bytes, want %d", i, len(got), len(want))
		}
		s2.Close()
	}
}

func TestCrash_TornIndexCommit(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)

	dataA := randomBytes(26, 2048)
	if _, err := s.Put("a.bin", "", bytes.NewReader(dataA)); err != nil {
		t.Fatalf("Put a failed: %v", err)
	}
	if _, err := s.Put("b.bin", "", bytes.NewReader(randomBytes(27, 2048))); err != nil {
		t.Fatalf("Put b failed: %v", err)
	}
	// The newest commit lives in the slot its write sequence selects; the
	// other slot still holds the commit made before b.bin's writer closed.
	tornOff := s.c.indexSlotOffset(s.c.writeSeq) + indexPrefixSize
	s.Close()

	// Simulate a crash mid-commit by scribbling over the start of the
	// newest slot's sealed blob.
	f, err := fs.OpenFile(testVaultPath, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("open for tamper failed: %v", err)
	}
	garbage := make([]byte, 32)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if _, err := f.WriteAt(garbage, tornOff); err != nil {
		t.Fatalf("tamper write failed: %v", err)
	}
	f.Close()

	// Unlock must fall back to the surviving commit instead of failing.
	s2 := unlockRestored(t, fs, password)
	defer s2.Close()

	entries, err := s2.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.bin" {
		t.Fatalf("recovered listing: %+v, want only a.bin", entries)
	}
	if !bytes.Equal(mustExtract(t, s2, "a.bin"), dataA) {
		t.Error("surviving entry damaged by the torn commit")
	}
	if _, err := s2.Get("b.bin"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("entry from the torn commit: got %v, want ErrEntryNotFound", err)
	}

	// A fresh write after recovery must land cleanly in the damaged slot.
	if _, err := s2.Put("c.bin", "", bytes.NewReader(randomBytes(28, 512))); err != nil {
		t.Fatalf("Put after recovery failed: %v", err)
	}
}

func TestTamper_ChunkCiphertext(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)

	if _, err := s.Put("a.bin", "", bytes.NewReader(randomBytes(24, 4096))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	firstChunk := s.c.dataStart()
	s.Close()

	// Flip one ciphertext bit in the first chunk.
	f, err := fs.OpenFile(testVaultPath, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("open for tamper failed: %v", err)
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, firstChunk+10); err != nil {
		t.Fatalf("read for tamper failed: %v", err)
	}
	b[0] ^= 0x01
	if _, err := f.WriteAt(b, firstChunk+10); err != nil {
		t.Fatalf("tamper write failed: %v", err)
	}
	f.Close()

	s2, err := Open(fs, testVaultPath, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s2.Close()
	if err := s2.Unlock(password); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// The damage must surface as a corruption error naming the chunk,
	// never as altered plaintext.
	_, err = s2.Extract("a.bin", io.Discard)
	if !IsCorruption(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	var corr *CorruptionError
	if !errors.As(err, &corr) {
		t.Fatalf("expected *CorruptionError, got %T", err)
	}
	if corr.Entry != "a.bin" || corr.ChunkIdx != 0 {
		t.Errorf("corruption location: entry=%q chunk=%d, want a.bin chunk 0", corr.Entry, corr.ChunkIdx)
	}
}

func TestTamper_IndexRegion(t *testing.T) {
	password := []byte("password")
	fs, s := newTestVault(t, testConfig(), password)

	if _, err := s.Put("a.bin", "", bytes.NewReader(randomBytes(25, 1000))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	slot0 := s.c.header.Size() + indexPrefixSize
	slot1 := slot0 + s.c.indexSlotSize()
	s.Close()

	// Flip a ciphertext bit in each commit slot so no valid commit is
	// left to fall back to.
	f, err := fs.OpenFile(testVaultPath, os.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("open for tamper failed: %v", err)
	}
	for _, off := range []int64{slot0 + 5, slot1 + 5} {
		b := make([]byte, 1)
		if _, err := f.ReadAt(b, off); err != nil {
			t.Fatalf("read for tamper failed: %v", err)
		}
		b[0] ^= 0x01
		if _, err := f.WriteAt(b, off); err != nil {
			t.Fatalf("tamper write failed: %v", err)
		}
	}
	f.Close()

	s2, err := Open(fs, testVaultPath, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s2.Close()

	// The password is right, so the failure is reported as corruption,
	// not as a bad password.
	err = s2.Unlock(password)
	if !IsCorruption(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Error("index damage misreported as an authentication failure")
	}
	if s2.State() != Locked {
		t.Errorf("session state after corrupt unlock: got %v, want Locked", s2.State())
	}
}

func TestOpen_TruncatedContainer(t *testing.T) {
	fs, s := newTestVault(t, testConfig(), []byte("password"))
	snap := snapshotVault(t, fs, testVaultPath)
	s.Close()

	// Cut the file inside the index region.
	short := restoreVault(t, snap[:len(snap)-int(DefaultIndexReserve)])
	if _, err := Open(short, testVaultPath, testConfig()); !IsCorruption(err) {
		t.Errorf("expected corruption error for truncated container, got %v", err)
	}
}
