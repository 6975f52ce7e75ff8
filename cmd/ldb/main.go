// ldb is a command-line inspection tool for a database directory.
//
// Usage:
//
//	ldb <command> --db <path> [args]
//
// Commands:
//
//	scan [--start KEY] [--end KEY]   print every key/value pair in order
//	get KEY                          print the value for one key
//	put KEY VALUE                    write one key
//	delete KEY                       delete one key
//	stats                            print engine statistics
//	sstables                         print per-file metadata
//	compact                          force a full compaction
//
// Exit status is non-zero on any error, including corruption detected
// while scanning.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aalhour/rockyardkv/db"
)

var (
	dbPath = flag.String("db", "", "database directory (required)")
	start  = flag.String("start", "", "scan: first key (inclusive)")
	end    = flag.String("end", "", "scan: last key (exclusive)")
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	command := args[0]
	if err := flag.CommandLine.Parse(args[1:]); err != nil {
		return 1
	}
	if *dbPath == "" {
		fmt.Fprintln(stderr, "ldb: --db is required")
		return 1
	}

	opts := db.DefaultOptions()
	opts.CreateIfMissing = false

	database, err := db.Open(*dbPath, opts)
	if err != nil {
		fmt.Fprintf(stderr, "ldb: open %s: %v\n", *dbPath, err)
		return 1
	}
	defer database.Close()

	rest := flag.CommandLine.Args()
	switch command {
	case "scan":
		return cmdScan(database, stdout, stderr)
	case "get":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "ldb: get needs exactly one key")
			return 1
		}
		value, err := database.Get(nil, []byte(rest[0]))
		if err != nil {
			fmt.Fprintf(stderr, "ldb: get %q: %v\n", rest[0], err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", value)
		return 0
	case "put":
		if len(rest) != 2 {
			fmt.Fprintln(stderr, "ldb: put needs a key and a value")
			return 1
		}
		if err := database.Put(nil, []byte(rest[0]), []byte(rest[1])); err != nil {
			fmt.Fprintf(stderr, "ldb: put %q: %v\n", rest[0], err)
			return 1
		}
		return 0
	case "delete":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "ldb: delete needs exactly one key")
			return 1
		}
		if err := database.Delete(nil, []byte(rest[0])); err != nil {
			fmt.Fprintf(stderr, "ldb: delete %q: %v\n", rest[0], err)
			return 1
		}
		return 0
	case "stats":
		if stats, ok := database.GetProperty("stats"); ok {
			fmt.Fprint(stdout, stats)
		}
		return 0
	case "sstables":
		if tables, ok := database.GetProperty("sstables"); ok {
			fmt.Fprint(stdout, tables)
		}
		return 0
	case "compact":
		if err := database.CompactRange(nil, nil, nil); err != nil {
			fmt.Fprintf(stderr, "ldb: compact: %v\n", err)
			return 1
		}
		return 0
	default:
		usage(stderr)
		return 1
	}
}

func cmdScan(database db.DB, stdout, stderr io.Writer) int {
	readOpts := db.DefaultReadOptions()
	if *start != "" {
		readOpts.IterateLowerBound = []byte(*start)
	}
	if *end != "" {
		readOpts.IterateUpperBound = []byte(*end)
	}

	iter := database.NewIterator(readOpts)
	defer iter.Close()

	count := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		fmt.Fprintf(stdout, "%s\t%s\n", iter.Key(), iter.Value())
		count++
		if err := iter.Error(); err != nil {
			fmt.Fprintf(stderr, "ldb: scan: %v\n", err)
			return 1
		}
	}
	if err := iter.Error(); err != nil {
		fmt.Fprintf(stderr, "ldb: scan: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "scanned %d keys\n", count)
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: ldb <scan|get|put|delete|stats|sstables|compact> --db <path> [args]")
}
