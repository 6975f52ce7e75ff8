// smoketest is a fast end-to-end check of the engine: it creates a
// database, writes data, exercises flush, compaction, snapshots, and
// iteration, reopens the database, and verifies every result.
//
//	./bin/smoketest -keys=10000 -value-size=100
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/aalhour/rockyardkv/db"
)

var (
	numKeys   = flag.Int("keys", 10000, "number of keys to write")
	valueSize = flag.Int("value-size", 100, "size of each value in bytes")
	dbPath    = flag.String("db", "", "database path (default: temp directory)")
	keepDB    = flag.Bool("keep", false, "keep the database after the run")
)

type step struct {
	name string
	fn   func(db.DB) error
}

func main() {
	flag.Parse()

	dir := *dbPath
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "rockyard-smoke-*")
		if err != nil {
			fatal("mkdir temp: %v", err)
		}
	}
	if !*keepDB {
		defer os.RemoveAll(dir)
	}

	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	opts.WriteBufferSize = 1 << 20

	database, err := db.Open(dir, opts)
	if err != nil {
		fatal("open: %v", err)
	}

	steps := []step{
		{"round trip", roundTrip},
		{"overwrite and delete", overwriteAndDelete},
		{"bulk load + compaction + scan", bulkLoadAndScan},
		{"delete half + compaction", deleteHalf},
		{"snapshot stability", snapshotStability},
		{"concurrent reads and writes", concurrent},
	}
	for _, s := range steps {
		started := time.Now()
		if err := s.fn(database); err != nil {
			fatal("%s: %v", s.name, err)
		}
		fmt.Printf("ok  %-32s %v\n", s.name, time.Since(started).Round(time.Millisecond))
	}

	if err := database.Close(); err != nil {
		fatal("close: %v", err)
	}

	// Reopen and re-verify the bulk data survived the restart.
	opts.CreateIfMissing = false
	database, err = db.Open(dir, opts)
	if err != nil {
		fatal("reopen: %v", err)
	}
	if err := verifyBulk(database); err != nil {
		fatal("verify after reopen: %v", err)
	}
	fmt.Printf("ok  %-32s\n", "reopen and verify")

	if stats, ok := database.GetProperty("stats"); ok {
		fmt.Println()
		fmt.Print(stats)
	}
	if err := database.Close(); err != nil {
		fatal("final close: %v", err)
	}
	fmt.Println("\nall checks passed")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smoketest: "+format+"\n", args...)
	os.Exit(1)
}

func roundTrip(d db.DB) error {
	if err := d.Put(nil, []byte("k1"), []byte("v1")); err != nil {
		return err
	}
	if err := d.Put(nil, []byte("k2"), []byte("v2")); err != nil {
		return err
	}
	if v, err := d.Get(nil, []byte("k1")); err != nil || string(v) != "v1" {
		return fmt.Errorf("k1 = %q, %v; want v1", v, err)
	}
	if v, err := d.Get(nil, []byte("k2")); err != nil || string(v) != "v2" {
		return fmt.Errorf("k2 = %q, %v; want v2", v, err)
	}
	if _, err := d.Get(nil, []byte("k3")); !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("k3 should be absent, got %v", err)
	}
	return nil
}

func overwriteAndDelete(d db.DB) error {
	key := []byte("cycle")
	for _, v := range []string{"a", "b"} {
		if err := d.Put(nil, key, []byte(v)); err != nil {
			return err
		}
	}
	if err := d.Delete(nil, key); err != nil {
		return err
	}
	if err := d.Put(nil, key, []byte("c")); err != nil {
		return err
	}
	if err := d.CompactRange(nil, nil, nil); err != nil {
		return err
	}
	if v, err := d.Get(nil, key); err != nil || string(v) != "c" {
		return fmt.Errorf("cycle = %q, %v; want c", v, err)
	}
	return nil
}

func bulkKey(i int) []byte { return fmt.Appendf(nil, "key%06d", i) }

func bulkValue(i int) []byte {
	pattern := fmt.Appendf(nil, "v%d.", i)
	value := bytes.Repeat(pattern, *valueSize/len(pattern)+1)
	return value[:*valueSize]
}

func bulkLoadAndScan(d db.DB) error {
	for i := range *numKeys {
		if err := d.Put(nil, bulkKey(i), bulkValue(i)); err != nil {
			return err
		}
	}
	if err := d.Flush(nil); err != nil {
		return err
	}
	if err := d.CompactRange(nil, []byte("key"), []byte("kez")); err != nil {
		return err
	}

	readOpts := db.DefaultReadOptions()
	readOpts.IterateLowerBound = []byte("key")
	readOpts.IterateUpperBound = []byte("kez")
	iter := d.NewIterator(readOpts)
	defer iter.Close()

	count := 0
	prev := []byte(nil)
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if prev != nil && bytes.Compare(iter.Key(), prev) <= 0 {
			return fmt.Errorf("keys out of order at %q", iter.Key())
		}
		prev = append(prev[:0], iter.Key()...)
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if count != *numKeys {
		return fmt.Errorf("scanned %d keys, want %d", count, *numKeys)
	}
	return verifyBulk(d)
}

func verifyBulk(d db.DB) error {
	for i := 0; i < *numKeys; i += 97 {
		v, err := d.Get(nil, bulkKey(i))
		if err != nil {
			return fmt.Errorf("get %s: %w", bulkKey(i), err)
		}
		if !bytes.Equal(v, bulkValue(i)) {
			return fmt.Errorf("%s = %q, want %q", bulkKey(i), v, bulkValue(i))
		}
	}
	return nil
}

func deleteHalf(d db.DB) error {
	const n = 1000
	for i := range n {
		if err := d.Put(nil, fmt.Appendf(nil, "half%04d", i), []byte("x")); err != nil {
			return err
		}
	}
	for i := 1; i < n; i += 2 {
		if err := d.Delete(nil, fmt.Appendf(nil, "half%04d", i)); err != nil {
			return err
		}
	}
	if err := d.Flush(nil); err != nil {
		return err
	}
	if err := d.CompactRange(nil, []byte("half"), []byte("halg")); err != nil {
		return err
	}

	readOpts := db.DefaultReadOptions()
	readOpts.IterateLowerBound = []byte("half")
	readOpts.IterateUpperBound = []byte("halg")
	iter := d.NewIterator(readOpts)
	defer iter.Close()

	count := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if count != n/2 {
		return fmt.Errorf("%d keys survive, want %d", count, n/2)
	}
	return nil
}

func snapshotStability(d db.DB) error {
	key := []byte("snapkey")
	if err := d.Put(nil, key, []byte("v1")); err != nil {
		return err
	}
	snap := d.GetSnapshot()
	defer d.ReleaseSnapshot(snap)

	if err := d.Put(nil, key, []byte("v2")); err != nil {
		return err
	}
	if err := d.Flush(nil); err != nil {
		return err
	}

	snapOpts := db.DefaultReadOptions()
	snapOpts.Snapshot = snap
	if v, err := d.Get(snapOpts, key); err != nil || string(v) != "v1" {
		return fmt.Errorf("snapshot view = %q, %v; want v1", v, err)
	}
	if v, err := d.Get(nil, key); err != nil || string(v) != "v2" {
		return fmt.Errorf("current view = %q, %v; want v2", v, err)
	}
	return nil
}

func concurrent(d db.DB) error {
	const n = 20000
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range n {
			if err := d.Put(nil, fmt.Appendf(nil, "conc%06d", i), fmt.Appendf(nil, "cv%d", i)); err != nil {
				errCh <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		for range n {
			i := rng.Intn(n)
			v, err := d.Get(nil, fmt.Appendf(nil, "conc%06d", i))
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					continue
				}
				errCh <- err
				return
			}
			if want := fmt.Sprintf("cv%d", i); string(v) != want {
				errCh <- fmt.Errorf("conc%06d = %q, want %q", i, v, want)
				return
			}
		}
	}()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
