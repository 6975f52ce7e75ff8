package index

import (
	"testing"

	"github.com/aalhour/rockyardkv/internal/recordfile"
)

func TestInsertGetErase(t *testing.T) {
	idx := New()
	idx.Insert([]byte("b"), recordfile.Locator{FileNumber: 1, Offset: 0, Size: 10})
	idx.Insert([]byte("a"), recordfile.Locator{FileNumber: 1, Offset: 10, Size: 10})

	if _, ok := idx.Get([]byte("missing")); ok {
		t.Errorf("Get(missing) should not be found")
	}
	loc, ok := idx.Get([]byte("a"))
	if !ok || loc.Offset != 10 {
		t.Errorf("Get(a) = %+v, %v", loc, ok)
	}

	idx.Erase([]byte("a"))
	if _, ok := idx.Get([]byte("a")); ok {
		t.Errorf("Get(a) after Erase should not be found")
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}
}

func TestBulkReplaceAtomicity(t *testing.T) {
	idx := New()
	idx.Insert([]byte("a"), recordfile.Locator{FileNumber: 1})
	idx.Insert([]byte("b"), recordfile.Locator{FileNumber: 1})

	idx.BulkReplace([]Edit{
		{Key: []byte("a"), Tombstone: true},
		{Key: []byte("b"), Locator: recordfile.Locator{FileNumber: 2}},
		{Key: []byte("c"), Locator: recordfile.Locator{FileNumber: 2}},
	})

	if _, ok := idx.Get([]byte("a")); ok {
		t.Errorf("a should be erased")
	}
	if loc, ok := idx.Get([]byte("b")); !ok || loc.FileNumber != 2 {
		t.Errorf("b should point to file 2, got %+v %v", loc, ok)
	}
	if loc, ok := idx.Get([]byte("c")); !ok || loc.FileNumber != 2 {
		t.Errorf("c should point to file 2, got %+v %v", loc, ok)
	}
}

func TestIteratorOrderAndSeek(t *testing.T) {
	idx := New()
	for _, k := range []string{"d", "b", "a", "c"} {
		idx.Insert([]byte(k), recordfile.Locator{FileNumber: 1})
	}

	it := idx.NewIterator(nil)
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	it = idx.NewIterator([]byte("c"))
	if !it.Next() || string(it.Key()) != "c" {
		t.Errorf("seek to c failed")
	}
}
