// Package chunkcache implements C5: the per-open-file chunk cache of
// spec.md §3 and §4.5 — a sparse local source file, a resident/dirty
// chunk bitmap, read coalescing over in-flight downloads, and an LRU of
// resident-clean chunks for C8 to evict from.
//
// In-flight coalescing uses golang.org/x/sync/singleflight (the teacher's
// own golang.org/x/sync dependency) so concurrent readers of the same
// chunk share one Provider.ReadFileBytes call, matching spec.md §4.5's
// "coalescing with any existing waiter for the same chunk so that only
// one download is issued" verbatim.
package chunkcache

import (
	"container/list"
	"context"
	"os"
	"strconv"
	"sync"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/provider"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Flags mirrors the OpenFlags referenced by spec.md §3's OpenFile.handles
// map and used by the write path's permission check (spec.md §4.5).
type Flags uint32

// Flag bits, modeled on POSIX open(2) flags.
const (
	ReadOnly  Flags = 0
	WriteOnly Flags = 1 << iota
	ReadWrite
	Append
	Create
	Excl
	Truncate
)

// Writable reports whether flags grant write permission.
func (f Flags) Writable() bool {
	return f&WriteOnly != 0 || f&ReadWrite != 0
}

// Cache is one ChunkCache, scoped to a single OpenFile's SourcePath.
type Cache struct {
	mu sync.Mutex

	chunkSize     uint32
	fileSize      int64
	totalChunks   int
	lastChunkSize uint32

	resident *bitset
	dirty    *bitset

	lruList  *list.List
	lruElems map[int]*list.Element

	cancels map[int]context.CancelFunc

	sourceFile *os.File
	sourcePath string
	apiPath    string

	pinned bool

	provider provider.Provider
	inflight singleflight.Group

	log *logrus.Entry
}

// New opens (creating if necessary) sourcePath as the sparse backing file
// for apiPath and sizes it to fileSize. chunkSize is assumed to already
// satisfy spec.md §3's "power of two, fixed at mount init, >= 4096"
// invariant; internal/config.ValidChunkSize checks that floor, but New
// does not call it, so small chunk sizes remain usable in tests.
func New(sourcePath, apiPath string, fileSize int64, chunkSize uint32, prov provider.Provider, log *logrus.Entry) (*Cache, *apierror.Error) {
	if chunkSize == 0 {
		chunkSize = 1
	}
	f, err := os.OpenFile(sourcePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, apierror.Wrap(apierror.OsError, err, "open source file")
	}
	if err := f.Truncate(fileSize); err != nil {
		_ = f.Close()
		return nil, apierror.Wrap(apierror.OsError, err, "truncate source file")
	}

	c := &Cache{
		chunkSize:  chunkSize,
		sourceFile: f,
		sourcePath: sourcePath,
		apiPath:    apiPath,
		lruList:    list.New(),
		lruElems:   make(map[int]*list.Element),
		cancels:    make(map[int]context.CancelFunc),
		provider:   prov,
		log:        log,
	}
	c.setSizeLocked(fileSize)
	return c, nil
}

func (c *Cache) setSizeLocked(size int64) {
	c.fileSize = size
	if size <= 0 {
		c.totalChunks = 0
		c.lastChunkSize = 0
		c.resident = newBitset(0)
		c.dirty = newBitset(0)
		return
	}
	total := (size + int64(c.chunkSize) - 1) / int64(c.chunkSize)
	rem := size % int64(c.chunkSize)
	last := c.chunkSize
	if rem != 0 {
		last = uint32(rem)
	}
	c.totalChunks = int(total)
	c.lastChunkSize = last
	if c.resident == nil {
		c.resident = newBitset(c.totalChunks)
		c.dirty = newBitset(c.totalChunks)
	}
}

// FileSize returns the current logical file size.
func (c *Cache) FileSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileSize
}

// TotalChunks returns the chunk count for the current file size.
func (c *Cache) TotalChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalChunks
}

// IsComplete reports whether every chunk is resident (used by the reaper,
// spec.md §4.6: "cache.is_complete").
func (c *Cache) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident.Count() >= c.totalChunks
}

// DirtyCount returns the number of dirty chunks.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Count()
}

// ResidentBytes returns the aggregate resident byte count, consulted by
// C8's soft-budget walk.
func (c *Cache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBytesLocked()
}

func (c *Cache) residentBytesLocked() int64 {
	var total int64
	for i := 0; i < c.totalChunks; i++ {
		if c.resident.Get(i) {
			total += c.chunkLenLocked(i)
		}
	}
	return total
}

func (c *Cache) chunkLenLocked(idx int) int64 {
	if idx == c.totalChunks-1 {
		return int64(c.lastChunkSize)
	}
	return int64(c.chunkSize)
}

func (c *Cache) chunkRangeLocked(idx int) (start, length int64) {
	start = int64(idx) * int64(c.chunkSize)
	length = c.chunkLenLocked(idx)
	return
}

// SetPinned sets/clears the pin flag mirrored from META_PINNED
// (spec.md §4.8); pinned chunks are ineligible for chunk-level eviction.
func (c *Cache) SetPinned(pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = pinned
}

// Pinned reports the current pin flag.
func (c *Cache) Pinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

func (c *Cache) lruTouchLocked(idx int) {
	if el, ok := c.lruElems[idx]; ok {
		c.lruList.MoveToBack(el)
		return
	}
	el := c.lruList.PushBack(idx)
	c.lruElems[idx] = el
}

func (c *Cache) lruRemoveLocked(idx int) {
	if el, ok := c.lruElems[idx]; ok {
		c.lruList.Remove(el)
		delete(c.lruElems, idx)
	}
}

// ensureResident guarantees chunk idx is resident, downloading it through
// the Provider if necessary, coalescing concurrent callers onto one
// in-flight request (spec.md §4.5 step 2).
func (c *Cache) ensureResident(ctx context.Context, idx int) *apierror.Error {
	c.mu.Lock()
	if c.resident.Get(idx) {
		if !c.dirty.Get(idx) {
			c.lruTouchLocked(idx)
		}
		c.mu.Unlock()
		return nil
	}
	dlCtx, cancel := context.WithCancel(ctx)
	c.cancels[idx] = cancel
	c.mu.Unlock()

	key := strconv.Itoa(idx)
	_, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if c.resident.Get(idx) {
			c.mu.Unlock()
			return nil, nil
		}
		start, length := c.chunkRangeLocked(idx)
		c.mu.Unlock()

		buf := make([]byte, length)
		stop := provider.StopFunc(func() bool { return dlCtx.Err() != nil })
		n, aerr := c.provider.ReadFileBytes(dlCtx, c.apiPath, length, start, buf, stop)
		if aerr != nil {
			if dlCtx.Err() != nil {
				return nil, apierror.New(apierror.DownloadStopped)
			}
			return nil, aerr
		}

		if _, werr := c.sourceFile.WriteAt(buf[:n], start); werr != nil {
			return nil, apierror.Wrap(apierror.OsError, werr, "write chunk to source file")
		}

		c.mu.Lock()
		c.resident.Set(idx)
		c.lruTouchLocked(idx)
		c.mu.Unlock()
		return nil, nil
	})

	c.mu.Lock()
	delete(c.cancels, idx)
	c.mu.Unlock()

	if err != nil {
		if ae, ok := err.(*apierror.Error); ok {
			return ae
		}
		return apierror.Wrap(apierror.Error, err, "ensure resident")
	}
	return nil
}

// Read implements spec.md §4.5's read path, clamping to EOF per §8's
// quantified invariants.
func (c *Cache) Read(ctx context.Context, size int64, offset int64) ([]byte, *apierror.Error) {
	c.mu.Lock()
	fileSize := c.fileSize
	chunkSize := int64(c.chunkSize)
	c.mu.Unlock()

	if offset >= fileSize || size <= 0 {
		return []byte{}, nil
	}
	if offset+size > fileSize {
		size = fileSize - offset
	}

	startChunk := int(offset / chunkSize)
	endChunk := int((offset + size - 1) / chunkSize)
	for idx := startChunk; idx <= endChunk; idx++ {
		if aerr := c.ensureResident(ctx, idx); aerr != nil {
			return nil, aerr
		}
	}

	buf := make([]byte, size)
	if _, err := c.sourceFile.ReadAt(buf, offset); err != nil {
		return nil, apierror.Wrap(apierror.OsError, err, "read source file")
	}
	return buf, nil
}

// Write implements spec.md §4.5's write path.
func (c *Cache) Write(ctx context.Context, flags Flags, offset int64, data []byte) (int, *apierror.Error) {
	if !flags.Writable() {
		return 0, apierror.New(apierror.InvalidHandle)
	}

	c.mu.Lock()
	if flags&Append != 0 {
		offset = c.fileSize
	}
	chunkSize := int64(c.chunkSize)
	c.mu.Unlock()

	if len(data) == 0 {
		return 0, nil
	}

	endOffset := offset + int64(len(data))
	startChunk := int(offset / chunkSize)
	endChunk := int((endOffset - 1) / chunkSize)

	c.mu.Lock()
	if endOffset > c.fileSize {
		c.growLocked(endOffset)
	}
	c.mu.Unlock()

	for idx := startChunk; idx <= endChunk; idx++ {
		if aerr := c.ensureResident(ctx, idx); aerr != nil {
			return 0, aerr
		}
	}

	if _, err := c.sourceFile.WriteAt(data, offset); err != nil {
		return 0, apierror.Wrap(apierror.OsError, err, "write source file")
	}

	c.mu.Lock()
	for idx := startChunk; idx <= endChunk; idx++ {
		c.resident.Set(idx)
		c.dirty.Set(idx)
		c.lruRemoveLocked(idx) // dirty chunks never live on the LRU
	}
	c.mu.Unlock()

	return len(data), nil
}

// growLocked extends total_chunks/last_chunk_size to cover newSize without
// disturbing existing resident/dirty bits, called with mu held.
func (c *Cache) growLocked(newSize int64) {
	old := c.totalChunks
	c.fileSize = newSize
	rem := newSize % int64(c.chunkSize)
	if rem == 0 {
		c.lastChunkSize = c.chunkSize
	} else {
		c.lastChunkSize = uint32(rem)
	}
	c.totalChunks = int((newSize + int64(c.chunkSize) - 1) / int64(c.chunkSize))
	c.resident.grow(c.totalChunks)
	c.dirty.grow(c.totalChunks)
	_ = old
}

// Resize implements spec.md §4.5's resize operation: truncate/extend the
// source file, recompute chunk geometry, clear bits beyond the new end,
// and cancel any in-flight download for a truncated-away chunk.
func (c *Cache) Resize(newSize int64) *apierror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sourceFile.Truncate(newSize); err != nil {
		return apierror.Wrap(apierror.OsError, err, "resize source file")
	}

	oldTotal := c.totalChunks
	c.setSizeLocked(newSize)

	c.resident.Truncate(c.totalChunks)
	c.dirty.Truncate(c.totalChunks)
	for idx := c.totalChunks; idx < oldTotal; idx++ {
		c.lruRemoveLocked(idx)
		if cancel, ok := c.cancels[idx]; ok {
			cancel()
		}
	}
	return nil
}

// EvictChunk clears residency for idx without touching the sparse hole
// (spec.md §4.8: "the sparse file hole is retained (no truncation)"). It
// refuses dirty, pinned, or in-flight chunks.
func (c *Cache) EvictChunk(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned || c.dirty.Get(idx) {
		return false
	}
	if _, inflight := c.cancels[idx]; inflight {
		return false
	}
	if !c.resident.Get(idx) {
		return false
	}
	c.resident.Clear(idx)
	c.lruRemoveLocked(idx)
	return true
}

// LRUFront returns the least-recently-used resident-clean chunk index and
// true, or (0, false) if the LRU is empty — used by C8's chunk-level
// sweep.
func (c *Cache) LRUFront() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el := c.lruList.Front()
	if el == nil {
		return 0, false
	}
	return el.Value.(int), true
}

// ClearDirty marks chunk idx clean, called by the uploader after a
// successful upload of the range containing it (spec.md §4.7).
func (c *Cache) ClearDirty(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty.Clear(idx)
	if c.resident.Get(idx) {
		c.lruTouchLocked(idx)
	}
}

// ClearAllDirty marks every chunk clean after a full successful upload.
func (c *Cache) ClearAllDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.totalChunks; i++ {
		if c.dirty.Get(i) {
			c.dirty.Clear(i)
			if c.resident.Get(i) {
				c.lruTouchLocked(i)
			}
		}
	}
}

// SourcePath returns the backing sparse file path.
func (c *Cache) SourcePath() string { return c.sourcePath }

// Close releases the underlying source file handle. It does not delete
// the file; eviction/reaping decide that.
func (c *Cache) Close() error {
	return c.sourceFile.Close()
}

// Remove closes and deletes the backing sparse file (file-level eviction,
// spec.md §4.8).
func (c *Cache) Remove() error {
	_ = c.sourceFile.Close()
	return os.Remove(c.sourcePath)
}
