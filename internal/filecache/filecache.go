// Package filecache provides at-most-one-open-handle-per-file access to
// record files plus an LRU cache of decoded record payloads. With no block
// index to cache, whole decoded values are the unit of caching. Reads for
// small records may route to an optional NVM pool instead of the
// record-file reader.
package filecache

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aalhour/rockyardkv/internal/cache"
	"github.com/aalhour/rockyardkv/internal/nvmpool"
	"github.com/aalhour/rockyardkv/internal/recordfile"
	"github.com/aalhour/rockyardkv/internal/vfs"
)

// ReadOptions configures a single Get/NewIterator call.
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
}

// Options configures a Cache.
type Options struct {
	Dir             string
	FS              vfs.FS
	CacheCapacity   uint64 // bytes of decoded-record-value budget
	NVMPool         *nvmpool.Pool
	NVMInlineThresh int    // records <= this size may live in NVMPool
	FileExt         string // defaults to ".rec"
}

// reader wraps one open record file with its footer and a refcount of
// in-flight users, so the cache never holds two open handles for the same
// file number and never closes one still in use.
type reader struct {
	fileNumber uint64
	raf        vfs.RandomAccessFile
	fileSize   int64
	footer     *recordfile.Footer
	filter     *filterHandle
	refs       int
}

// filterHandle lazily loads and remembers a record file's bloom filter.
type filterHandle struct {
	mu     sync.Mutex
	loaded bool
	bf     bloomReader
}

type bloomReader interface {
	MayContain(key []byte) bool
}

// Cache mediates every read of record-file data: it caches decoded
// values, shares open handles, and answers bloom-filter probes.
type Cache struct {
	opts Options

	mu      sync.Mutex
	readers map[uint64]*reader

	valueCache *cache.LRUCache
}

// New constructs a Cache over record files in opts.Dir.
func New(opts Options) *Cache {
	if opts.FileExt == "" {
		opts.FileExt = ".rec"
	}
	return &Cache{
		opts:       opts,
		readers:    make(map[uint64]*reader),
		valueCache: cache.NewLRUCache(opts.CacheCapacity),
	}
}

func (c *Cache) filePath(fileNumber uint64) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf("%06d%s", fileNumber, c.opts.FileExt))
}

// open returns the (possibly newly opened) reader for fileNumber, with its
// refcount incremented. Caller must call release when done.
func (c *Cache) open(fileNumber uint64) (*reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.readers[fileNumber]; ok {
		r.refs++
		return r, nil
	}

	raf, err := c.opts.FS.OpenRandomAccess(c.filePath(fileNumber))
	if err != nil {
		return nil, err
	}
	size := raf.Size()
	footer, err := recordfile.ReadFooter(raf, size)
	if err != nil {
		_ = raf.Close()
		return nil, err
	}

	r := &reader{fileNumber: fileNumber, raf: raf, fileSize: size, footer: footer, refs: 1}
	c.readers[fileNumber] = r
	return r, nil
}

func (c *Cache) release(r *reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.refs--
	if r.refs <= 0 {
		if cur, ok := c.readers[r.fileNumber]; ok && cur == r {
			delete(c.readers, r.fileNumber)
		}
		_ = r.raf.Close()
	}
}

// Saver receives the result of a Get; exactly one of the three methods is
// called per probe.
type Saver interface {
	SaveValue(value []byte)
	SaveNotFound()
	SaveCorrupt()
}

// Get loads the record at loc and reports the outcome through saver. A
// locator with NVM set is served straight from the byte-addressable pool;
// everything else reads through the record file named by fileNumber, with
// decoded values cached.
func (c *Cache) Get(opts ReadOptions, fileNumber uint64, loc recordfile.Locator, saver Saver) error {
	if loc.NVM {
		return c.GetNVM(nvmpool.Handle{Offset: loc.Offset, Size: loc.Size}, saver)
	}

	cacheKey := cache.CacheKey{FileNumber: fileNumber, BlockOffset: loc.Offset}
	if h := c.valueCache.Lookup(cacheKey); h != nil {
		saver.SaveValue(h.Value())
		c.valueCache.Release(h)
		return nil
	}

	r, err := c.open(fileNumber)
	if err != nil {
		saver.SaveNotFound()
		return err
	}
	defer c.release(r)

	_, value, err := recordfile.ReadRecord(r.raf, loc)
	if err != nil {
		saver.SaveCorrupt()
		return err
	}

	if opts.FillCache {
		c.valueCache.Insert(cacheKey, value, uint64(len(value)))
	}
	saver.SaveValue(value)
	return nil
}

// PutNVM stores payload in the NVM pool and returns a locator for it with
// NVM set and fileNumber recorded as the owning record file. Returns false
// when the record must stay file-backed: no pool is configured, the
// payload exceeds the inline threshold, or the pool is full.
func (c *Cache) PutNVM(fileNumber uint64, payload []byte) (recordfile.Locator, bool) {
	if c.opts.NVMPool == nil || c.opts.NVMInlineThresh <= 0 || len(payload) > c.opts.NVMInlineThresh {
		return recordfile.Locator{}, false
	}
	h, err := c.opts.NVMPool.Write(fileNumber, payload)
	if err != nil {
		return recordfile.Locator{}, false
	}
	return recordfile.Locator{FileNumber: fileNumber, Offset: h.Offset, Size: h.Size, NVM: true}, true
}

// GetNVM loads a record previously routed to the NVM pool by PutNVM.
// Callers normally go through Get, which dispatches here on Locator.NVM.
func (c *Cache) GetNVM(h nvmpool.Handle, saver Saver) error {
	if c.opts.NVMPool == nil {
		saver.SaveNotFound()
		return fmt.Errorf("filecache: no NVM pool configured")
	}
	payload, err := c.opts.NVMPool.Read(h)
	if err != nil {
		saver.SaveCorrupt()
		return err
	}
	saver.SaveValue(payload)
	return nil
}

// NewIterator returns a forward iterator over every record in fileNumber.
func (c *Cache) NewIterator(fileNumber uint64) (*recordfile.Iterator, func(), error) {
	r, err := c.open(fileNumber)
	if err != nil {
		return nil, nil, err
	}
	it := recordfile.NewIterator(r.raf, r.footer, r.fileSize)
	return it, func() { c.release(r) }, nil
}

// Footer returns the cached footer for a file, opening it if necessary.
func (c *Cache) Footer(fileNumber uint64) (*recordfile.Footer, error) {
	r, err := c.open(fileNumber)
	if err != nil {
		return nil, err
	}
	defer c.release(r)
	return r.footer, nil
}

// MayContain consults fileNumber's bloom filter, loading it on first use.
func (c *Cache) MayContain(fileNumber uint64, userKey []byte) (bool, error) {
	r, err := c.open(fileNumber)
	if err != nil {
		return false, err
	}
	defer c.release(r)

	if r.filter == nil {
		r.filter = &filterHandle{}
	}
	r.filter.mu.Lock()
	defer r.filter.mu.Unlock()
	if !r.filter.loaded {
		bf, err := recordfile.ReadFilter(r.raf, r.footer)
		if err != nil {
			return false, err
		}
		r.filter.loaded = true
		if bf != nil {
			r.filter.bf = bf
		}
	}
	if r.filter.bf == nil {
		return true, nil // no filter recorded: must check the file
	}
	return r.filter.bf.MayContain(userKey), nil
}

// Evict forgets fileNumber's open handle, which closes once no in-flight
// reader holds it; used after a compaction removes the file. Decoded values
// of the file already in the value cache are not dropped.
func (c *Cache) Evict(fileNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A handle in the map always has in-flight users; the last release
	// closes it.
	delete(c.readers, fileNumber)
}

// Close releases all open readers and the value cache.
func (c *Cache) Close() {
	c.mu.Lock()
	readers := c.readers
	c.readers = make(map[uint64]*reader)
	c.mu.Unlock()

	for _, r := range readers {
		_ = r.raf.Close()
	}
	c.valueCache.Close()
}
