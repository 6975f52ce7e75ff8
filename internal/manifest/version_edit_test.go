package manifest

import (
	"bytes"
	"testing"
)

func TestVersionEditRoundTrip(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetComparatorName("bytewise")
	ve.SetLogNumber(7)
	ve.SetNextFileNumber(42)
	ve.SetLastSequence(1000)
	ve.AddFile(&FileMetaData{
		FileNumber:    10,
		FileSize:      4096,
		Smallest:      []byte("aaa"),
		Largest:       []byte("zzz"),
		SmallestSeqno: 1,
		LargestSeqno:  900,
		Alive:         50,
		Total:         100,
	})
	ve.DeleteFile(9)
	ve.AddCandidate(10)
	ve.RemoveCandidate(9)
	ve.AddAliveDelta(10, -3)

	encoded := ve.EncodeTo()

	got := NewVersionEdit()
	if err := got.DecodeFrom(encoded); err != nil {
		t.Fatalf("DecodeFrom: %v", err)
	}

	if got.Comparator != "bytewise" || !got.HasComparator {
		t.Errorf("comparator mismatch: %+v", got)
	}
	if got.LogNumber != 7 || got.NextFileNumber != 42 || got.LastSequence != 1000 {
		t.Errorf("bookkeeping mismatch: %+v", got)
	}
	if len(got.AddedFiles) != 1 {
		t.Fatalf("expected 1 added file, got %d", len(got.AddedFiles))
	}
	f := got.AddedFiles[0]
	if f.FileNumber != 10 || f.FileSize != 4096 || !bytes.Equal(f.Smallest, []byte("aaa")) ||
		!bytes.Equal(f.Largest, []byte("zzz")) || f.Alive != 50 || f.Total != 100 {
		t.Errorf("file metadata mismatch: %+v", f)
	}
	if len(got.DeletedFiles) != 1 || got.DeletedFiles[0] != 9 {
		t.Errorf("deleted files mismatch: %+v", got.DeletedFiles)
	}
	if len(got.CandidatesAdded) != 1 || got.CandidatesAdded[0] != 10 {
		t.Errorf("candidates added mismatch: %+v", got.CandidatesAdded)
	}
	if len(got.CandidatesRemoved) != 1 || got.CandidatesRemoved[0] != 9 {
		t.Errorf("candidates removed mismatch: %+v", got.CandidatesRemoved)
	}
	if got.AliveDelta[10] != -3 {
		t.Errorf("alive delta mismatch: %+v", got.AliveDelta)
	}
}

func TestFileMetaDataDensity(t *testing.T) {
	f := &FileMetaData{Alive: 30, Total: 100}
	if d := f.Density(); d != 30 {
		t.Errorf("Density() = %d, want 30", d)
	}
	empty := &FileMetaData{}
	if d := empty.Density(); d != 100 {
		t.Errorf("Density() of empty file = %d, want 100", d)
	}
}

func TestVersionEditUnknownSafeTag(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetLogNumber(1)
	encoded := ve.EncodeTo()

	// Append a forward-compatible unknown tag; decode must not fail.
	var extra []byte
	extra = append(extra, encoded...)
	futureTag := uint32(TagDBID) // already safe-to-ignore per its mask bit
	var tagBuf [5]byte
	n := 0
	for v := futureTag; ; {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		tagBuf[n] = b
		n++
		if v == 0 {
			break
		}
	}
	extra = append(extra, tagBuf[:n]...)
	extra = append(extra, 0x00) // zero-length value

	got := NewVersionEdit()
	if err := got.DecodeFrom(extra); err != nil {
		t.Fatalf("DecodeFrom with forward-compatible tag: %v", err)
	}
}
