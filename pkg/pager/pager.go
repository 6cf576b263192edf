package pager

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/nainya/pagestore/pkg/btree"
)

// defaultCacheCapacity is the number of page images the in-memory cache
// holds before it must evict or refuse new entries (spec §4.2 default).
const defaultCacheCapacity = 4096

// Pager owns the data file, the page cache, and the free-list allocator.
// It knows nothing about transactions, write-ahead logging, or document
// semantics — callers above it (txn.Manager, wal.Checkpointer) read and
// write whole page images and ask it to allocate or recycle page numbers.
//
// Pager is WAL-unaware: giving it a dependency on the wal package would
// create an import cycle, since wal's own checkpointer writes back
// through Pager. Pages written by committed transactions stay dirty in
// Pager's cache until a checkpoint writes them to the data file, and WAL
// replay at open stages recovered pages the same way, so ReadPage serves
// every committed page; no layer reads page images back out of the WAL.
type Pager struct {
	file  *File
	cache *cache
	free  *freeList

	header *Header

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// Open opens or creates a data file at path and returns a ready Pager.
// cacheCapacity bounds the in-memory page cache (spec §6.3's CacheSize
// option); a value <= 0 selects defaultCacheCapacity.
func Open(path string, perm os.FileMode, cacheCapacity int) (*Pager, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = defaultCacheCapacity
	}
	f, err := OpenFile(path, perm)
	if err != nil {
		return nil, err
	}

	p := &Pager{file: f, cache: newCache(cacheCapacity)}
	p.free = &freeList{read: p.readRaw, write: p.writeRaw, alloc: p.allocRaw}

	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}

	if size == 0 {
		p.header = newHeader()
		if err := p.writePage(0, p.header.Encode(), true); err != nil {
			f.Close()
			return nil, err
		}
		if err := p.file.Truncate(PageSize); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, PageSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("pager: read header: %w", err)
		}
		h, err := DecodeHeader(buf)
		if err != nil {
			f.Close()
			return nil, err
		}
		p.header = h
		p.free.deserialize(buf[70:])
	}

	return p, nil
}

// OpenReadOnly opens an existing data file without taking the exclusive
// lock, refusing any mutating call.
func OpenReadOnly(path string, cacheCapacity int) (*Pager, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = defaultCacheCapacity
	}
	f, err := OpenFileReadOnly(path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pager: read header: %w", err)
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	p := &Pager{file: f, cache: newCache(cacheCapacity), header: h}
	p.free = &freeList{read: p.readRaw, write: p.writeRaw, alloc: p.allocRaw}
	p.free.deserialize(buf[70:])
	return p, nil
}

// CatalogRoot returns the page number of the collection catalog's B+
// tree root, or 0 if no catalog has been created yet.
func (p *Pager) CatalogRoot() uint64 { return p.header.CatalogRoot }

// SetCatalogRoot updates the catalog root recorded in the header. The
// caller is responsible for durably persisting the header afterward via
// Checkpoint.
func (p *Pager) SetCatalogRoot(root uint64) { p.header.CatalogRoot = root }

// LastCommittedTxID returns the highest transaction id known to be
// durable as of the last checkpoint.
func (p *Pager) LastCommittedTxID() uint64 { return p.header.LastCommittedTxID }

// SetLastCommittedTxID records the highest durable transaction id.
func (p *Pager) SetLastCommittedTxID(txid uint64) { p.header.LastCommittedTxID = txid }

// PageCount returns the number of pages ever allocated in the file,
// including freed pages still awaiting reuse (spec §8 property 5's
// pages_in_use + free_list_len = page_count).
func (p *Pager) PageCount() uint64 { return p.header.PageCount }

// SetPageCount overrides the header's page-count bookkeeping. Used by
// WAL recovery to restore the count as of the last durable commit: the
// on-disk header is only rewritten at a checkpoint, so after replaying
// pages a crash left un-checkpointed, the checkpointed count can be
// stale and would otherwise make AllocPage hand out numbers that
// collide with the pages just replayed.
func (p *Pager) SetPageCount(n uint64) { p.header.PageCount = n }

// ReadPage returns the pager's current image of page: the cached image
// if resident (possibly dirty, not yet checkpointed), else read through
// from the data file.
func (p *Pager) ReadPage(page uint64) ([]byte, error) {
	if page == 0 {
		return nil, fmt.Errorf("pager: page 0 is reserved for the header")
	}
	if e, ok := p.cache.get(page); ok {
		p.cacheHits.Add(1)
		return e.bytes, nil
	}
	p.cacheMisses.Add(1)
	buf, err := p.readFromDisk(page)
	if err != nil {
		return nil, err
	}
	p.cache.insert(page, buf, false)
	return buf, nil
}

// CacheStats returns the cumulative number of ReadPage calls served from
// cache versus read through to disk, for metrics reporting.
func (p *Pager) CacheStats() (hits, misses uint64) {
	return p.cacheHits.Load(), p.cacheMisses.Load()
}

func (p *Pager) readFromDisk(page uint64) ([]byte, error) {
	buf := make([]byte, PageSize)
	if _, err := p.file.ReadAt(buf, int64(page)*PageSize); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", page, err)
	}
	return buf, nil
}

// readRaw is the free list's view of reading a page; panics are not
// used, but a read error here indicates file corruption the free list
// cannot recover from, so it is treated as unrecoverable by the caller
// of any Pager method that transitively needs free-list bookkeeping.
func (p *Pager) readRaw(page uint64) []byte {
	buf, err := p.ReadPage(page)
	if err != nil {
		return make([]byte, PageSize)
	}
	return buf
}

func (p *Pager) writeRaw(page uint64, buf []byte) {
	p.writePage(page, buf, true)
}

func (p *Pager) allocRaw(buf []byte) uint64 {
	page := p.header.PageCount
	p.header.PageCount++
	p.writePage(page, buf, true)
	return page
}

func (p *Pager) writePage(page uint64, buf []byte, dirty bool) error {
	if !p.cache.insert(page, buf, dirty) {
		return fmt.Errorf("pager: cache full of dirty pages, checkpoint required")
	}
	return nil
}

// AllocPage reserves a fresh page number and seeds it with image (which
// must be exactly PageSize bytes), preferring a recycled page from the
// free list over growing the file (spec §4.2's allocation contract).
// The returned page is cached dirty; it becomes durable only once the
// WAL (and eventually a checkpoint) has absorbed it.
func (p *Pager) AllocPage(image []byte) (uint64, error) {
	if len(image) != PageSize {
		return 0, fmt.Errorf("pager: page image must be %d bytes, got %d", PageSize, len(image))
	}

	if reused := p.free.pop(); reused != 0 {
		if err := p.writePage(reused, image, true); err != nil {
			return 0, err
		}
		return reused, nil
	}

	page := p.header.PageCount
	p.header.PageCount++
	if err := p.writePage(page, image, true); err != nil {
		return 0, err
	}
	return page, nil
}

// WritePage overwrites an already-allocated page with a new image,
// marking it dirty.
func (p *Pager) WritePage(page uint64, image []byte) error {
	if len(image) != PageSize {
		return fmt.Errorf("pager: page image must be %d bytes, got %d", PageSize, len(image))
	}
	return p.writePage(page, image, true)
}

// FreePage returns page to the free list for future reuse. Callers must
// only do this once no live snapshot can still observe the page's prior
// contents (txn.Manager's version-chain garbage collector owns that
// gating; Pager enforces no such invariant itself).
func (p *Pager) FreePage(page uint64) {
	p.free.push(page)
	p.cache.invalidate(page)
}

// DirtyPages returns every page currently resident and dirty, for a
// caller (the WAL writer) that needs to flush them.
func (p *Pager) DirtyPages() []uint64 { return p.cache.dirtyPages() }

// Checkpoint writes every page in settledPages (the set the caller has
// already made durable via the WAL) to the data file, then the current
// header (including free-list bookkeeping) to page 0, fsyncs, and clears
// the dirty bit on those pages. Pages not yet durable in the WAL must
// never be passed here — WritePage/AllocPage only dirty the in-memory
// cache, and this is the sole path that commits page bytes to disk.
func (p *Pager) Checkpoint(settledPages []uint64) error {
	for _, page := range settledPages {
		e, ok := p.cache.get(page)
		if !ok {
			continue
		}
		if _, err := p.file.WriteAt(e.bytes, int64(page)*PageSize); err != nil {
			return fmt.Errorf("pager: write page %d: %w", page, err)
		}
	}

	header := p.header.Encode()
	p.free.serialize(header[70:])
	if _, err := p.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("pager: write header: %w", err)
	}
	if err := p.file.SyncAll(); err != nil {
		return err
	}
	p.cache.clearDirty(settledPages)
	return nil
}

// CopyTo streams the data file's current, checkpointed bytes to a fresh
// file at dest, created with perm (0o644 if zero). The caller is
// responsible for ensuring no concurrent writer is mutating the file
// during the copy, e.g. by holding the manager's state lock.
func (p *Pager) CopyTo(dest string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	size, err := p.file.Size()
	if err != nil {
		return fmt.Errorf("pager: stat source: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("pager: create backup file: %w", err)
	}
	defer out.Close()

	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for off := int64(0); off < size; {
		n := chunk
		if remaining := size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := p.file.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("pager: read source at %d: %w", off, err)
		}
		if _, err := out.WriteAt(buf[:n], off); err != nil {
			return fmt.Errorf("pager: write backup at %d: %w", off, err)
		}
		off += int64(n)
	}
	return out.Sync()
}

// Close flushes the header and releases the file lock.
func (p *Pager) Close() error {
	if !p.file.ReadOnly() {
		if err := p.Checkpoint(nil); err != nil {
			p.file.Close()
			return err
		}
	}
	return p.file.Close()
}

// CloseWithoutCheckpoint releases the file lock and closes the handle
// without flushing the header or any dirty pages. Production shutdown
// always goes through Close; this exists for tests that need to simulate
// a crash between a WAL-durable commit and the next checkpoint, where
// Close's always-checkpoint behavior would hide exactly the staleness a
// real crash leaves behind.
func (p *Pager) CloseWithoutCheckpoint() error {
	return p.file.Close()
}

// PageSource adapts this Pager to btree.PageSource, for trees (the
// collection catalog, a collection's primary tree, its secondary
// indexes) whose pages live directly in the data file rather than
// behind a transaction's overlay. btree.PageSource has no error return;
// an I/O failure at this layer is treated as unrecoverable for the
// in-flight operation and panics, the same posture the teacher's mmap
// store takes on a failed page fault.
func (p *Pager) PageSource() btree.PageSource {
	return btree.PageSource{
		Get: func(page uint64) []byte {
			buf, err := p.ReadPage(page)
			if err != nil {
				panic(fmt.Errorf("pager: read page %d: %w", page, err))
			}
			return buf
		},
		New: func(image []byte) uint64 {
			num, err := p.AllocPage(image)
			if err != nil {
				panic(fmt.Errorf("pager: allocate page: %w", err))
			}
			return num
		},
		Del: func(page uint64) { p.FreePage(page) },
	}
}
