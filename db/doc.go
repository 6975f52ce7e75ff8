// Package db is an embedded ordered key/value store in the log-structured
// merge family, reshaped around two ideas:
//
//   - The on-disk population is flat. Every flush and every compaction
//     produces a record file in the same single level; there is no sorted
//     run cascade and no per-level size targets.
//
//   - An in-memory secondary index (a B-tree mapping each live user key to
//     the file number, offset, and length of its newest on-file record)
//     answers point lookups after the memtables miss, so record files need
//     no block index of their own.
//
// Compaction is driven by density rather than level fullness: every write
// that supersedes or deletes a record decrements its file's live-record
// count, and a file whose live/total ratio drops below the configured
// merge threshold becomes a merge candidate. The background compactor
// merges the sparsest candidates into a fresh file, rewrites the index
// atomically, and drops the inputs once no reader references them.
//
// # Basic usage
//
//	opts := db.DefaultOptions()
//	opts.CreateIfMissing = true
//	database, err := db.Open("/tmp/mydb", opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer database.Close()
//
//	_ = database.Put(nil, []byte("key"), []byte("value"))
//	value, err := database.Get(nil, []byte("key"))
//
// # Consistency model
//
// Writes within a batch become visible atomically in sequence order. A
// reader holding a Snapshot observes exactly the writes with sequence at
// or below it, across memtable rotations, flushes, and compactions.
// Iterators capture their view at creation time.
//
// # Durability
//
// Writes reach the write-ahead log before the memtable; WriteOptions.Sync
// forces an fsync before the write returns. With WriteOptions.DisableWAL
// set, unflushed writes are lost on crash — and on Close, which does not
// flush the memtable.
package db
