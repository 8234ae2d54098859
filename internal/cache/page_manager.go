// Package cache implements the page cache and I/O engine: the per-file
// PageManager, the process-wide Manager (CacheManager), and the scope-lock
// and adaptive fetch-size helpers they share.
//
// Grounded on andromeda's PageManager.cpp/.hpp (original_source) and the
// teacher's Pager in internal/storage/pager.go, generalized from a local
// *os.File to a remote backend.Backend via pagebackend.PageBackend.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/page"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/pagebackend"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/sharedmutex"
	"github.com/cabewaldrop/andromeda-fuse/internal/config"
	"github.com/cabewaldrop/andromeda-fuse/internal/errs"
)

// fetchSizeCeiling bounds the adaptive readahead window regardless of
// measured throughput, so a very fast link can't balloon one file's
// prefetch into the entire memory budget.
const fetchSizeCeiling = 1024

// pendingRange is an in-flight backend fetch covering [start, start+count).
type pendingRange struct {
	start uint32
	count uint32
}

// PageManager is the per-open-file core: it owns the resident page map,
// dispatches readahead, serves reads and writes, and coordinates
// eviction/flush callbacks driven by the process-wide Manager.
//
// Invariants I1-I5 (spec.md §3) hold outside of an exclusively held
// dataMutex.
type PageManager struct {
	id       string
	pageSize int64

	pagesMu      sync.Mutex
	pagesCV      *sync.Cond
	pages        map[uint32]*page.Page
	pendingPages []pendingRange
	fileSize     int64

	dataMutex *sharedmutex.SharedMutex
	scope     *ScopeLock

	mgr   *Manager
	pb    *pagebackend.PageBackend
	alloc *page.Allocator
	sem   *semaphore.Weighted

	writeMode         backend.WriteMode
	readOnly          bool
	readMaxCacheBytes uint64

	fetch *fetchSizer

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewPageManager constructs a PageManager for one open file. fsChunk is the
// filesystem-reported chunk alignment (0 = unconstrained, see
// config.AlignPageSize). initialFileSize and backendSize seed fileSize and
// the PageBackend's tracked backend size for an already-existing file.
func NewPageManager(
	mgr *Manager,
	pb *pagebackend.PageBackend,
	alloc *page.Allocator,
	sem *semaphore.Weighted,
	opts *config.CacheOptions,
	fsCfg config.FSConfig,
	fsChunk int64,
	id string,
	initialFileSize int64,
	log *slog.Logger,
) *PageManager {
	if log == nil {
		log = slog.Default()
	}
	pageSize := config.AlignPageSize(opts.PageSize, fsChunk)
	pm := &PageManager{
		id:                id,
		pageSize:          pageSize,
		pages:             make(map[uint32]*page.Page),
		fileSize:          initialFileSize,
		dataMutex:         sharedmutex.New(),
		scope:             NewScopeLock(),
		mgr:               mgr,
		pb:                pb,
		alloc:             alloc,
		sem:               sem,
		writeMode:         fsCfg.WriteMode,
		readOnly:          fsCfg.ReadOnly,
		readMaxCacheBytes: opts.ReadMaxCache(),
		fetch:             newFetchSizer(opts.MaxDirtyTime, fetchSizeCeiling),
		log:               log,
	}
	pm.pagesCV = sync.NewCond(&pm.pagesMu)
	return pm
}

// ID returns the backend identifier this PageManager was opened for.
func (pm *PageManager) ID() string { return pm.id }

// PageSize returns the (fs-chunk-aligned) page size chosen at open time.
func (pm *PageManager) PageSize() int64 { return pm.pageSize }

// FileSize returns the size the filesystem currently advertises.
func (pm *PageManager) FileSize() int64 {
	pm.pagesMu.Lock()
	defer pm.pagesMu.Unlock()
	return pm.fileSize
}

// ReadLock acquires the fair shared read lock over this file's data.
func (pm *PageManager) ReadLock() *sharedmutex.ReadGuard {
	return sharedmutex.RLockGuard(pm.dataMutex)
}

// WriteLock acquires the exclusive write lock over this file's data.
func (pm *PageManager) WriteLock() *sharedmutex.WriteGuard {
	return sharedmutex.LockGuard(pm.dataMutex)
}

// ReadPage fills buf[:length] with the bytes [index*pageSize+offset,
// +length) of the file. The caller must hold a read lock (from ReadLock)
// for the duration of the call. On a cache miss this may block on backend
// I/O; a readahead window may be scheduled in the background.
func (pm *PageManager) ReadPage(ctx context.Context, buf []byte, index uint32, offset, length int64) error {
	pm.pagesMu.Lock()
	for {
		if p, ok := pm.pages[index]; ok {
			avail := int64(p.Size()) - offset
			if avail < 0 {
				avail = 0
			}
			if length > avail {
				length = avail
			}
			if length > 0 {
				copy(buf[:length], p.Data()[offset:offset+length])
			}
			size, dirty := int64(p.Size()), p.Dirty()
			pm.pagesMu.Unlock()
			pm.mgr.InformPage(pm, index, size, dirty, false)
			return nil
		}
		if pm.isPendingLocked(index) {
			pm.pagesCV.Wait()
			continue
		}

		count := pm.getFetchSizeLocked(index)
		pm.pendingPages = append(pm.pendingPages, pendingRange{start: index, count: count})
		pm.pagesMu.Unlock()

		pm.dispatchFetch(context.Background(), index, count)

		pm.pagesMu.Lock()
	}
}

// isPendingLocked reports whether index falls within an in-flight fetch
// range. Callers must hold pagesMu.
func (pm *PageManager) isPendingLocked(index uint32) bool {
	for _, r := range pm.pendingPages {
		if index >= r.start && index < r.start+r.count {
			return true
		}
	}
	return false
}

// markPendingArrivedLocked removes a single index from whatever pending
// range contains it, splitting the range if the index falls in its
// interior. Callers must hold pagesMu.
func (pm *PageManager) markPendingArrivedLocked(index uint32) {
	for i, r := range pm.pendingPages {
		if index < r.start || index >= r.start+r.count {
			continue
		}
		switch {
		case r.count == 1:
			pm.pendingPages = append(pm.pendingPages[:i], pm.pendingPages[i+1:]...)
		case index == r.start:
			pm.pendingPages[i] = pendingRange{start: r.start + 1, count: r.count - 1}
		case index == r.start+r.count-1:
			pm.pendingPages[i] = pendingRange{start: r.start, count: r.count - 1}
		default:
			left := pendingRange{start: r.start, count: index - r.start}
			right := pendingRange{start: index + 1, count: r.start + r.count - index - 1}
			pm.pendingPages[i] = left
			pm.pendingPages = append(pm.pendingPages, right)
		}
		return
	}
}

// getFetchSizeLocked computes the readahead window starting at index: the
// adaptive fetchSize, capped so it never extends past the last valid
// backend page, over an existing resident page, over a pending range, or
// over the per-file readahead budget. Callers must hold pagesMu.
func (pm *PageManager) getFetchSizeLocked(index uint32) uint32 {
	count := pm.fetch.Current()

	backendSize := pm.pb.BackendSize()
	if backendSize <= 0 {
		return 1
	}
	lastValidIndex := uint32((backendSize+pm.pageSize-1)/pm.pageSize) - 1
	if index > lastValidIndex {
		return 1
	}
	if maxByBackend := lastValidIndex - index + 1; count > maxByBackend {
		count = maxByBackend
	}

	if pm.readMaxCacheBytes > 0 {
		if maxByBudget := uint32(pm.readMaxCacheBytes / uint64(pm.pageSize)); maxByBudget > 0 && count > maxByBudget {
			count = maxByBudget
		}
	}

	for i := index + 1; i < index+count; i++ {
		if _, ok := pm.pages[i]; ok {
			count = i - index
			break
		}
	}
	for _, r := range pm.pendingPages {
		if r.start > index && r.start < index+count {
			count = r.start - index
		}
	}
	if count < 1 {
		count = 1
	}
	return count
}

// dispatchFetch spawns a background worker that fetches [start, start+count)
// from the backend. The worker acquires a shared read-priority lock so it
// cannot deadlock behind a writer queued after whatever caller triggered it.
func (pm *PageManager) dispatchFetch(ctx context.Context, start, count uint32) {
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		guard := sharedmutex.RLockPriorityGuard(pm.dataMutex)
		defer guard.Unlock()
		pm.runFetch(ctx, start, count)
	}()
}

// runFetch performs the actual backend read and demux. It does not itself
// take dataMutex -- callers (dispatchFetch, or a caller that already holds
// a lock for a single-page synchronous prefetch) are responsible for that.
func (pm *PageManager) runFetch(ctx context.Context, start, count uint32) {
	if err := pm.sem.Acquire(ctx, 1); err != nil {
		pm.log.Warn("fetch: backend concurrency semaphore", "err", err, "id", pm.id)
		pm.clearPendingRange(start, count)
		return
	}
	defer pm.sem.Release(1)

	fetchStart := time.Now()
	err := pm.pb.FetchPages(ctx, start, count, func(index uint32, pageStart int64, data []byte) error {
		p := page.New(pm.alloc, len(data))
		copy(p.Data(), data)
		p.MarkClean()

		pm.pagesMu.Lock()
		pm.pages[index] = p
		pm.markPendingArrivedLocked(index)
		pm.pagesCV.Broadcast()
		pm.pagesMu.Unlock()

		pm.mgr.InformPage(pm, index, int64(p.Size()), false, true)
		return nil
	})
	elapsed := time.Since(fetchStart)

	if err != nil {
		pm.log.Warn("fetch failed", "err", err, "id", pm.id, "start", start, "count", count)
		pm.clearPendingRange(start, count)
		pm.pagesMu.Lock()
		pm.pagesCV.Broadcast()
		pm.pagesMu.Unlock()
		return
	}
	pm.fetch.Update(elapsed)
}

func (pm *PageManager) clearPendingRange(start, count uint32) {
	pm.pagesMu.Lock()
	for i := start; i < start+count; i++ {
		pm.markPendingArrivedLocked(i)
	}
	pm.pagesMu.Unlock()
}

// fetchPageSync performs a single-page fetch inline and returns the
// resulting page without inserting it anywhere. Used by WritePage's
// partial-overwrite path, where the caller already holds dataMutex
// (exclusive) so this does not need its own lock.
func (pm *PageManager) fetchPageSync(ctx context.Context, index uint32) (*page.Page, error) {
	if err := pm.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer pm.sem.Release(1)

	var result *page.Page
	err := pm.pb.FetchPages(ctx, index, 1, func(idx uint32, pageStart int64, data []byte) error {
		p := page.New(pm.alloc, len(data))
		copy(p.Data(), data)
		p.MarkClean()
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (pm *PageManager) validateWriteModeLocked(index uint32, offset, length int64) error {
	switch pm.writeMode {
	case backend.WriteModeNone:
		return errs.WriteType("writes are not permitted on this filesystem")
	case backend.WriteModeAppend:
		absOffset := int64(index)*pm.pageSize + offset
		contiguous := absOffset == pm.fileSize && absOffset%pm.pageSize == 0
		dirtyExtend := false
		if p, ok := pm.pages[index]; ok && p.Dirty() {
			dirtyExtend = true
		}
		if !contiguous && !dirtyExtend {
			return errs.WriteType("append-only filesystem: write is not contiguous with end of file")
		}
	}
	return nil
}

type resizedPage struct {
	index uint32
	size  int64
}

// WritePage makes the file's content at [index*pageSize+offset, +length)
// equal buf[:length], marking the affected page dirty and growing fileSize
// if the write extends past it. The caller must hold the exclusive write
// lock (from WriteLock) for the duration of the call.
func (pm *PageManager) WritePage(ctx context.Context, buf []byte, index uint32, offset, length int64) error {
	if pm.readOnly {
		return errs.ReadOnly("file is read-only")
	}

	pm.pagesMu.Lock()
	if err := pm.validateWriteModeLocked(index, offset, length); err != nil {
		pm.pagesMu.Unlock()
		return err
	}

	newPageEnd := int64(index)*pm.pageSize + offset + length
	if newPageEnd > pm.fileSize {
		pm.fileSize = newPageEnd
	}
	expectedSize := pm.pageSize
	if rem := pm.fileSize - int64(index)*pm.pageSize; rem < expectedSize {
		expectedSize = rem
	}

	if p, ok := pm.pages[index]; ok {
		p.Resize(int(expectedSize))
		copy(p.Data()[offset:offset+length], buf[:length])
		p.MarkDirty()
		size := int64(p.Size())
		pm.pagesMu.Unlock()
		pm.mgr.InformPage(pm, index, size, true, true)
		return nil
	}

	backendSize := pm.pb.BackendSize()
	pageStart := int64(index) * pm.pageSize
	needsFetch := pageStart < backendSize
	pm.pagesMu.Unlock()

	var target *page.Page
	if needsFetch {
		fetched, err := pm.fetchPageSync(ctx, index)
		if err != nil {
			return err
		}
		target = fetched
	} else {
		target = page.New(pm.alloc, int(expectedSize))
	}

	pm.pagesMu.Lock()
	if existing, ok := pm.pages[index]; ok {
		target.Release()
		target = existing
	} else {
		pm.pages[index] = target
	}
	target.Resize(int(expectedSize))
	copy(target.Data()[offset:offset+length], buf[:length])
	target.MarkDirty()

	var padded []resizedPage
	if !needsFetch {
		lastBackendIndex := uint32(0)
		if backendSize > 0 {
			lastBackendIndex = uint32(backendSize / pm.pageSize)
		}
		for i := index; i > lastBackendIndex; i-- {
			prior := i - 1
			pp, ok := pm.pages[prior]
			if !ok {
				continue
			}
			if int64(pp.Size()) < pm.pageSize {
				pp.Resize(int(pm.pageSize))
				pp.MarkDirty()
				padded = append(padded, resizedPage{prior, int64(pp.Size())})
			}
		}
	}
	size := int64(target.Size())
	pm.pagesMu.Unlock()

	for _, pr := range padded {
		pm.mgr.ResizePage(pm, pr.index, pr.size, true)
	}
	pm.mgr.InformPage(pm, index, size, true, true)
	return nil
}

// flushPageLocked coalesces the contiguous dirty run containing index into
// one backend write, marks the flushed pages clean, and returns the total
// bytes written. The caller must hold at least a shared (read-priority is
// fine) lock -- flush does not remove any page, so read consistency
// suffices.
func (pm *PageManager) flushPageLocked(ctx context.Context, index uint32) (int64, error) {
	pm.pagesMu.Lock()
	if p, ok := pm.pages[index]; !ok || !p.Dirty() {
		pm.pagesMu.Unlock()
		// Already gone or already clean; make sure the manager's dirty queue
		// agrees so the cleanup loop doesn't spin on a stale entry.
		pm.mgr.RemoveDirty(pm, index)
		return 0, nil
	}

	start := index
	for start > 0 {
		p, ok := pm.pages[start-1]
		if !ok || !p.Dirty() {
			break
		}
		start--
	}
	end := index
	for {
		p, ok := pm.pages[end+1]
		if !ok || !p.Dirty() {
			break
		}
		end++
	}

	var bufs [][]byte
	var indices []uint32
	for i := start; i <= end; i++ {
		p := pm.pages[i]
		if !p.Dirty() {
			break
		}
		bufs = append(bufs, append([]byte(nil), p.Data()...))
		indices = append(indices, i)
	}
	pm.pagesMu.Unlock()

	if len(bufs) == 0 {
		return 0, nil
	}

	n, err := pm.pb.FlushPageList(ctx, start, bufs)
	if err != nil {
		return 0, err
	}

	pm.pagesMu.Lock()
	for _, i := range indices {
		if p, ok := pm.pages[i]; ok {
			p.MarkClean()
		}
	}
	pm.pagesMu.Unlock()

	for _, i := range indices {
		pm.mgr.RemoveDirty(pm, i)
	}
	return n, nil
}

// FlushPage flushes the page at index, if dirty, coalesced with its
// surrounding contiguous dirty run. The caller must hold at least a shared
// read-priority lock.
func (pm *PageManager) FlushPage(ctx context.Context, index uint32) (int64, error) {
	return pm.flushPageLocked(ctx, index)
}

// FlushAll flushes every dirty page, grouped into maximal contiguous runs.
// If nothrow, per-group errors are logged and swallowed so the remaining
// groups still get a chance to flush; otherwise the first error aborts.
// The caller must hold at least a shared read-priority lock.
func (pm *PageManager) FlushAll(ctx context.Context, nothrow bool) error {
	pm.pagesMu.Lock()
	indices := make([]uint32, 0, len(pm.pages))
	for idx, p := range pm.pages {
		if p.Dirty() {
			indices = append(indices, idx)
		}
	}
	pm.pagesMu.Unlock()
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	for _, idx := range indices {
		pm.pagesMu.Lock()
		p, ok := pm.pages[idx]
		stillDirty := ok && p.Dirty()
		pm.pagesMu.Unlock()
		if !stillDirty {
			continue // already flushed as part of an earlier coalesced run
		}

		if _, err := pm.flushPageLocked(ctx, idx); err != nil {
			if !nothrow {
				return err
			}
			pm.log.Warn("flush_all: swallowing error (nothrow)", "err", err, "id", pm.id, "index", idx)
		}
	}
	return nil
}

// EvictPage removes the page at index, flushing it first if dirty. The
// caller must hold the exclusive write lock.
func (pm *PageManager) EvictPage(ctx context.Context, index uint32) error {
	return pm.evictPageLocked(ctx, index)
}

func (pm *PageManager) evictPageLocked(ctx context.Context, index uint32) error {
	pm.pagesMu.Lock()
	p, ok := pm.pages[index]
	pm.pagesMu.Unlock()
	if !ok {
		// Already gone (e.g. a concurrent Truncate beat us to it); make sure
		// the manager's queues agree so the cleanup loop doesn't spin on a
		// stale front-of-queue entry.
		pm.mgr.RemovePage(pm, index)
		return nil
	}

	if p.Dirty() {
		if _, err := pm.flushPageLocked(ctx, index); err != nil {
			return err
		}
	}

	pm.pagesMu.Lock()
	delete(pm.pages, index)
	pm.pagesMu.Unlock()

	p.Release()
	pm.mgr.RemovePage(pm, index)
	return nil
}

// Truncate sends a truncation to the backend, drops pages past newSize,
// resizes the page straddling newSize if any, and informs the cache
// manager of every drop/resize. The caller must hold the exclusive write
// lock.
func (pm *PageManager) Truncate(ctx context.Context, newSize int64) error {
	if pm.readOnly {
		return errs.ReadOnly("file is read-only")
	}
	if err := pm.pb.Truncate(ctx, newSize); err != nil {
		return err
	}

	pm.pagesMu.Lock()
	var removed []uint32
	var resized []resizedPage
	for idx, p := range pm.pages {
		start := int64(idx) * pm.pageSize
		if start >= newSize {
			removed = append(removed, idx)
			continue
		}
		if start+int64(p.Size()) > newSize {
			p.Resize(int(newSize - start))
			resized = append(resized, resizedPage{idx, int64(p.Size())})
		}
	}
	for _, idx := range removed {
		p := pm.pages[idx]
		delete(pm.pages, idx)
		p.Release()
	}
	pm.pendingPages = nil
	pm.fileSize = newSize
	pm.pagesMu.Unlock()
	pm.pagesCV.Broadcast()

	for _, idx := range removed {
		pm.mgr.RemovePage(pm, idx)
	}
	for _, pr := range resized {
		pm.pagesMu.Lock()
		p, ok := pm.pages[pr.index]
		dirty := ok && p.Dirty()
		pm.pagesMu.Unlock()
		pm.mgr.ResizePage(pm, pr.index, pr.size, dirty)
	}
	return nil
}

// RemoteChanged reconciles the file with an externally observed size: every
// non-dirty page is dropped, and fileSize becomes
// max(newSize, furthest byte reached by a dirty page). The caller must
// hold the exclusive write lock.
func (pm *PageManager) RemoteChanged(newSize int64) error {
	pm.pagesMu.Lock()
	var removed []uint32
	maxDirtyEnd := int64(0)
	for idx, p := range pm.pages {
		if !p.Dirty() {
			removed = append(removed, idx)
			continue
		}
		if end := int64(idx)*pm.pageSize + int64(p.Size()); end > maxDirtyEnd {
			maxDirtyEnd = end
		}
	}
	for _, idx := range removed {
		p := pm.pages[idx]
		delete(pm.pages, idx)
		p.Release()
	}
	newFileSize := newSize
	if maxDirtyEnd > newFileSize {
		newFileSize = maxDirtyEnd
	}
	pm.fileSize = newFileSize
	pm.pendingPages = nil
	pm.pagesMu.Unlock()

	pm.pb.SetBackendSize(newSize)

	for _, idx := range removed {
		pm.mgr.RemovePage(pm, idx)
	}
	return nil
}

// Close acquires the exclusive scope-lock (blocking until the cleanup
// thread releases any shared copy it holds), waits for any in-flight
// readahead workers to finish, flushes every dirty page (errors swallowed:
// data loss is possible and expected here), and destroys all resident
// pages.
func (pm *PageManager) Close(ctx context.Context) error {
	pm.scope.Close()
	pm.wg.Wait()

	pm.dataMutex.Lock()
	defer pm.dataMutex.Unlock()

	err := pm.FlushAll(ctx, true)

	pm.pagesMu.Lock()
	indices := make([]uint32, 0, len(pm.pages))
	for idx, p := range pm.pages {
		indices = append(indices, idx)
		p.Release()
	}
	pm.pages = make(map[uint32]*page.Page)
	pm.pagesMu.Unlock()

	for _, idx := range indices {
		pm.mgr.RemovePage(pm, idx)
	}
	return err
}
