// nvm_test.go - NVM pool routing tests.
//
// These tests verify that small values are routed into the byte-addressable
// pool by flush and compaction, that reads dispatch through it, and that
// the record files remain the durable copy across reopen.

package db

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openNVMTestDB(t *testing.T) (DB, string) {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.NVMPoolPath = filepath.Join(t.TempDir(), "pool.nvm")
	opts.NVMPoolSize = 1 << 20

	database, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open with NVM pool: %v", err)
	}
	return database, dir
}

func TestNVMSmallValuesReadBack(t *testing.T) {
	db, _ := openNVMTestDB(t)
	defer db.Close()

	small := []byte("small-value")
	large := bytes.Repeat([]byte("L"), DefaultNVMInlineThreshold+1)

	if err := db.Put(nil, []byte("small"), small); err != nil {
		t.Fatalf("Put small: %v", err)
	}
	if err := db.Put(nil, []byte("large"), large); err != nil {
		t.Fatalf("Put large: %v", err)
	}
	if err := db.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// After the flush both keys are served through the index: the small
	// value from the pool, the large one from its record file.
	got, err := db.Get(nil, []byte("small"))
	if err != nil || !bytes.Equal(got, small) {
		t.Errorf("Get(small) = %q, %v; want %q", got, err, small)
	}
	got, err = db.Get(nil, []byte("large"))
	if err != nil || !bytes.Equal(got, large) {
		t.Errorf("Get(large) length = %d, %v; want %d", len(got), err, len(large))
	}
}

func TestNVMIndexLocatorKind(t *testing.T) {
	db, _ := openNVMTestDB(t)
	defer db.Close()

	if err := db.Put(nil, []byte("inline"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Put(nil, []byte("filebacked"), bytes.Repeat([]byte("x"), DefaultNVMInlineThreshold*2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	impl := db.(*DBImpl)
	loc, ok := impl.idx.Get([]byte("inline"))
	if !ok {
		t.Fatal("inline key missing from index")
	}
	if !loc.NVM {
		t.Errorf("inline key locator = %+v, want NVM-routed", loc)
	}
	loc, ok = impl.idx.Get([]byte("filebacked"))
	if !ok {
		t.Fatal("filebacked key missing from index")
	}
	if loc.NVM {
		t.Errorf("oversized value locator = %+v, want file-backed", loc)
	}

	if impl.nvm == nil {
		t.Fatal("pool not created")
	}
	if stats := impl.nvm.Stats(); stats.FrameCount == 0 {
		t.Errorf("pool stats = %+v, want at least one frame", stats)
	}
}

func TestNVMSurvivesCompaction(t *testing.T) {
	db, _ := openNVMTestDB(t)
	defer db.Close()

	for i := range 100 {
		if err := db.Put(nil, fmt.Appendf(nil, "key%03d", i), fmt.Appendf(nil, "v%d", i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Overwrite half so the first file goes sparse and compacts.
	for i := 0; i < 100; i += 2 {
		if err := db.Put(nil, fmt.Appendf(nil, "key%03d", i), fmt.Appendf(nil, "w%d", i)); err != nil {
			t.Fatalf("Overwrite: %v", err)
		}
	}
	if err := db.Flush(nil); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}
	if err := db.CompactRange(nil, nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}

	for i := range 100 {
		want := fmt.Sprintf("v%d", i)
		if i%2 == 0 {
			want = fmt.Sprintf("w%d", i)
		}
		got, err := db.Get(nil, fmt.Appendf(nil, "key%03d", i))
		if err != nil {
			t.Errorf("Get key%03d: %v", i, err)
			continue
		}
		if string(got) != want {
			t.Errorf("key%03d = %q, want %q", i, got, want)
		}
	}
}

func TestNVMReopenFallsBackToFiles(t *testing.T) {
	dir := t.TempDir()
	poolPath := filepath.Join(t.TempDir(), "pool.nvm")

	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.NVMPoolPath = poolPath
	opts.NVMPoolSize = 1 << 20

	database, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := database.Put(nil, []byte("k"), []byte("small")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := database.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The pool is volatile across opens (recreated empty); the rebuilt
	// index must point at the record file's durable copy.
	database, err = Open(dir, opts)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer database.Close()

	impl := database.(*DBImpl)
	loc, ok := impl.idx.Get([]byte("k"))
	if !ok {
		t.Fatal("key missing from rebuilt index")
	}
	if loc.NVM {
		t.Errorf("rebuilt locator = %+v, want file-backed", loc)
	}

	got, err := database.Get(nil, []byte("k"))
	if err != nil || string(got) != "small" {
		t.Errorf("Get after reopen = %q, %v; want small", got, err)
	}

	_, err = database.Get(nil, []byte("absent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(absent) = %v, want ErrNotFound", err)
	}
}
