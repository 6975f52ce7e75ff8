package nvmpool

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pool, err := CreatePool(filepath.Join(dir, "pool.nvm"), 4096)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	h1, err := pool.Write(1, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	h2, err := pool.Write(2, []byte("world!!"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got1, err := pool.Read(h1)
	if err != nil || !bytes.Equal(got1, []byte("hello")) {
		t.Errorf("Read(h1) = %q, %v", got1, err)
	}
	got2, err := pool.Read(h2)
	if err != nil || !bytes.Equal(got2, []byte("world!!")) {
		t.Errorf("Read(h2) = %q, %v", got2, err)
	}

	stats := pool.Stats()
	if stats.FrameCount != 2 {
		t.Errorf("FrameCount = %d, want 2", stats.FrameCount)
	}
}

func TestPoolFull(t *testing.T) {
	dir := t.TempDir()
	pool, err := CreatePool(filepath.Join(dir, "pool.nvm"), 64)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	if _, err := pool.Write(1, make([]byte, 100)); err != ErrPoolFull {
		t.Errorf("Write oversized payload = %v, want ErrPoolFull", err)
	}
}

func TestReadCorruption(t *testing.T) {
	dir := t.TempDir()
	pool, err := CreatePool(filepath.Join(dir, "pool.nvm"), 4096)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	defer func() { _ = pool.Close() }()

	h, err := pool.Write(1, []byte("payload"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Flip a payload byte in the mapped region directly.
	pool.mm[h.Offset+frameHeaderSize] ^= 0xff

	if _, err := pool.Read(h); err != ErrCorruption {
		t.Errorf("Read of corrupted frame = %v, want ErrCorruption", err)
	}
}
