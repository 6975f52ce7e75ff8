// Package nvmpool implements the optional byte-addressable NVM pool:
// a fixed-size, memory-mapped file that small records can be written into
// and read out of directly, bypassing buffered file I/O for the sizes where
// that overhead dominates.
//
// The pool is bump-allocated: frames are appended sequentially and never
// relocated, the same "append, never rewrite in place" discipline the rest
// of this engine follows for its record files. Frame layout is grounded on
// the reference pmem implementation's id/seq/len/data/checksum framing,
// adapted to a single flat mmap rather than a pair of alternating files:
//
//	id [8]       - caller-assigned record id (e.g. a locator's file number)
//	seq [8]      - monotonically increasing write sequence
//	len [8]      - payload length
//	data [len]
//	checksum [8] - xxh3 checksum over id+seq+len+data
package nvmpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/aalhour/rockyardkv/internal/checksum"
)

const frameHeaderSize = 8 + 8 + 8
const frameChecksumSize = 8
const frameOverhead = frameHeaderSize + frameChecksumSize

// Errors returned by Pool operations.
var (
	ErrPoolFull    = errors.New("nvmpool: pool is full")
	ErrCorruption  = errors.New("nvmpool: corruption")
	ErrClosed      = errors.New("nvmpool: pool is closed")
	ErrOutOfBounds = errors.New("nvmpool: handle out of bounds")
)

// Handle locates one frame previously written to the pool.
type Handle struct {
	Offset uint64
	Size   uint64
}

// Stats reports pool occupancy.
type Stats struct {
	CapacityBytes uint64
	UsedBytes     uint64
	FrameCount    uint64
}

// Pool is a fixed-size memory-mapped region used for small-record storage.
type Pool struct {
	mu sync.Mutex

	file *os.File
	mm   mmap.MMap

	capacity uint64
	tail     uint64
	seq      uint64
	frames   uint64

	closed bool
}

// CreatePool creates (or truncates) a pool file of sizeBytes under dir and
// memory-maps it.
func CreatePool(dir string, sizeBytes uint64) (*Pool, error) {
	path := dir
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("nvmpool: open: %w", err)
	}
	if err := f.Truncate(int64(sizeBytes)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("nvmpool: truncate: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("nvmpool: mmap: %w", err)
	}
	return &Pool{file: f, mm: m, capacity: sizeBytes}, nil
}

// OpenPool maps an existing pool file, replaying nothing — the caller
// (filecache) re-derives liveness from the secondary index, so the pool
// itself only needs to know where writes may resume. Offset and sequence
// state is therefore reset; a pool is only reopened in-process in this
// engine (it isn't independently recovered across restarts beyond what the
// record files + manifest already reconstruct).
func OpenPool(dir string, sizeBytes uint64) (*Pool, error) {
	return CreatePool(dir, sizeBytes)
}

// Write bump-allocates a frame for id/payload and returns a Handle to it.
func (p *Pool) Write(id uint64, payload []byte) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Handle{}, ErrClosed
	}

	size := uint64(frameOverhead + len(payload))
	if p.tail+size > p.capacity {
		return Handle{}, ErrPoolFull
	}

	seq := atomic.AddUint64(&p.seq, 1)
	off := p.tail

	header := p.mm[off : off+frameHeaderSize]
	binary.LittleEndian.PutUint64(header[0:8], id)
	binary.LittleEndian.PutUint64(header[8:16], seq)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(payload)))
	copy(p.mm[off+frameHeaderSize:], payload)

	sum := checksum.XXH3Checksum(p.mm[off : off+frameHeaderSize+uint64(len(payload))])
	binary.LittleEndian.PutUint64(p.mm[off+frameHeaderSize+uint64(len(payload)):off+size], uint64(sum))

	p.tail += size
	p.frames++

	return Handle{Offset: off, Size: size}, nil
}

// Read validates and returns the payload stored at h.
func (p *Pool) Read(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if h.Offset+h.Size > p.capacity || h.Size < frameOverhead {
		return nil, ErrOutOfBounds
	}

	frame := p.mm[h.Offset : h.Offset+h.Size]
	payloadLen := binary.LittleEndian.Uint64(frame[16:24])
	if uint64(frameOverhead)+payloadLen != h.Size {
		return nil, ErrCorruption
	}

	body := frame[:frameHeaderSize+payloadLen]
	wantSum := binary.LittleEndian.Uint64(frame[frameHeaderSize+payloadLen:])
	gotSum := checksum.XXH3Checksum(body)
	if uint64(gotSum) != wantSum {
		return nil, ErrCorruption
	}

	payload := make([]byte, payloadLen)
	copy(payload, frame[frameHeaderSize:frameHeaderSize+payloadLen])
	return payload, nil
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		CapacityBytes: p.capacity,
		UsedBytes:     p.tail,
		FrameCount:    p.frames,
	}
}

// Close unmaps and closes the backing file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.mm.Unmap(); err != nil {
		_ = p.file.Close()
		return fmt.Errorf("nvmpool: unmap: %w", err)
	}
	return p.file.Close()
}
