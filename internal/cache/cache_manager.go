package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cabewaldrop/andromeda-fuse/internal/cache/bandwidth"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/orderedmap"
)

// pageRef identifies one resident page by the PageManager that owns it and
// its index within that file. It is the key the process-wide Manager's LRU
// queues are built over -- a non-owning handle, never dereferenced without
// first going through the PageManager's ScopeLock.
type pageRef struct {
	pm    *PageManager
	index uint32
}

// dirtyFloor is the minimum dirtyLimit the bandwidth feedback loop is
// allowed to collapse to, so a single very slow sample can't starve all
// writers indefinitely.
const dirtyFloor = 64 * 1024

// Manager is the process-wide cache: a shared memory and dirty-byte budget
// enforced across every open PageManager, an LRU eviction queue, a dirty
// LRU flush queue, and a background goroutine that keeps both under their
// limits.
//
// Grounded on andromeda's CacheManager.cpp/.hpp (original_source) and the
// teacher's LRU eviction logic in pager.go, generalized from a single
// file's page cache to a queue spanning many PageManagers.
type Manager struct {
	memoryLimit  uint64
	memoryMargin uint64
	dirtyLimit   uint64

	pageQueue  *orderedmap.OrderedMap[pageRef, int64]
	dirtyQueue *orderedmap.OrderedMap[pageRef, int64]

	currentMemory int64
	currentDirty  int64

	bandwidth *bandwidth.Measure

	mu             sync.Mutex
	threadCV       *sync.Cond
	memoryCV       *sync.Cond
	skipMemoryWait *PageManager
	closing        bool
	done           chan struct{}

	log *slog.Logger
}

// NewManager constructs a Manager and starts its background cleanup
// goroutine. maxDirtyTime feeds the bandwidth measure's time target.
func NewManager(memoryLimit, memoryMargin uint64, maxDirtyTime time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		memoryLimit:  memoryLimit,
		memoryMargin: memoryMargin,
		dirtyLimit:   memoryLimit, // no samples yet; start permissive
		pageQueue:    orderedmap.New[pageRef, int64](),
		dirtyQueue:   orderedmap.New[pageRef, int64](),
		bandwidth:    bandwidth.New(maxDirtyTime),
		done:         make(chan struct{}),
		log:          log,
	}
	m.threadCV = sync.NewCond(&m.mu)
	m.memoryCV = sync.NewCond(&m.mu)
	go m.cleanupLoop()
	return m
}

func (m *Manager) overLimitLocked() bool {
	return uint64FromInt64(m.currentMemory)+m.memoryMargin > m.memoryLimit ||
		uint64FromInt64(m.currentDirty) > m.dirtyLimit
}

func uint64FromInt64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// InformPage records that a page was just read or written: it moves (or
// inserts) the page at the MRU end of pageQueue, and of dirtyQueue if
// dirty. If canWait and the insertion pushes either budget over its limit,
// the calling goroutine blocks until the cleanup thread makes room -- unless
// pm is the PageManager currently being serviced by cleanup's eviction
// step (skipMemoryWait), in which case it must not block: cleanup needs
// this exact caller to finish and release pm's write lock.
func (m *Manager) InformPage(pm *PageManager, index uint32, size int64, dirty bool, canWait bool) {
	m.mu.Lock()
	ref := pageRef{pm: pm, index: index}

	if old, ok := m.pageQueue.Find(ref); ok {
		m.currentMemory += size - old
	} else {
		m.currentMemory += size
	}
	m.pageQueue.EnqueueBack(ref, size)

	if dirty {
		if old, ok := m.dirtyQueue.Find(ref); ok {
			m.currentDirty += size - old
		} else {
			m.currentDirty += size
		}
		m.dirtyQueue.EnqueueBack(ref, size)
	} else if old, ok := m.dirtyQueue.Find(ref); ok {
		m.currentDirty -= old
		m.dirtyQueue.Erase(ref)
	}

	if m.overLimitLocked() {
		m.threadCV.Signal()
	}

	for canWait && m.overLimitLocked() && m.skipMemoryWait != pm {
		m.memoryCV.Wait()
	}
	m.mu.Unlock()
}

// ResizePage updates a resident page's accounted size in both queues
// without changing its queue position.
func (m *Manager) ResizePage(pm *PageManager, index uint32, newSize int64, dirty bool) {
	m.mu.Lock()
	ref := pageRef{pm: pm, index: index}

	if old, ok := m.pageQueue.Find(ref); ok {
		m.currentMemory += newSize - old
		m.pageQueue.SetValue(ref, newSize)
	}
	if dirty {
		if old, ok := m.dirtyQueue.Find(ref); ok {
			m.currentDirty += newSize - old
			m.dirtyQueue.SetValue(ref, newSize)
		} else {
			m.currentDirty += newSize
			m.dirtyQueue.EnqueueBack(ref, newSize)
		}
	} else if old, ok := m.dirtyQueue.Find(ref); ok {
		m.currentDirty -= old
		m.dirtyQueue.Erase(ref)
	}
	m.mu.Unlock()
}

// RemovePage drops a page from both queues, e.g. after eviction, truncation
// past it, or file close.
func (m *Manager) RemovePage(pm *PageManager, index uint32) {
	m.mu.Lock()
	ref := pageRef{pm: pm, index: index}
	if old, ok := m.pageQueue.Find(ref); ok {
		m.currentMemory -= old
		m.pageQueue.Erase(ref)
	}
	if old, ok := m.dirtyQueue.Find(ref); ok {
		m.currentDirty -= old
		m.dirtyQueue.Erase(ref)
	}
	m.memoryCV.Broadcast()
	m.mu.Unlock()
}

// RemoveDirty drops a page from the dirty queue only, e.g. after a flush
// that leaves it resident.
func (m *Manager) RemoveDirty(pm *PageManager, index uint32) {
	m.mu.Lock()
	ref := pageRef{pm: pm, index: index}
	if old, ok := m.dirtyQueue.Find(ref); ok {
		m.currentDirty -= old
		m.dirtyQueue.Erase(ref)
	}
	m.memoryCV.Broadcast()
	m.mu.Unlock()
}

// Stats is a point-in-time snapshot of the Manager's accounting, for the
// cache status server.
type Stats struct {
	MemoryLimit   uint64
	CurrentMemory int64
	DirtyLimit    uint64
	CurrentDirty  int64
	ResidentPages int
	DirtyPages    int
}

// Stats returns a snapshot of the current memory/dirty accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		MemoryLimit:   m.memoryLimit,
		CurrentMemory: m.currentMemory,
		DirtyLimit:    m.dirtyLimit,
		CurrentDirty:  m.currentDirty,
		ResidentPages: m.pageQueue.Len(),
		DirtyPages:    m.dirtyQueue.Len(),
	}
}

// Close signals the cleanup goroutine to drain and stop, and waits for it.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	m.threadCV.Signal()
	m.mu.Unlock()
	<-m.done
}

// cleanupLoop implements CacheManager::CleanupThread (original_source) line
// for line: wait for either budget to be exceeded, evict while over the
// memory limit, then flush while over the dirty limit, updating the
// bandwidth-driven dirty limit from what was actually flushed.
func (m *Manager) cleanupLoop() {
	defer close(m.done)

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		for !m.closing && !m.overLimitLocked() {
			m.threadCV.Wait()
		}
		if m.closing && !m.overLimitLocked() {
			return
		}

		m.evictWhileOverMemory()
		m.flushWhileOverDirty()

		m.memoryCV.Broadcast()
	}
}

// evictWhileOverMemory must be called with mu held; it releases mu while
// performing actual PageManager I/O and reacquires it before returning.
func (m *Manager) evictWhileOverMemory() {
	for uint64FromInt64(m.currentMemory)+m.memoryMargin > m.memoryLimit {
		ref, _, ok := m.pageQueue.Front()
		if !ok {
			return
		}
		pm, index := ref.pm, ref.index

		guard, ok := pm.scope.TryAcquire()
		if !ok {
			if old, found := m.pageQueue.Find(ref); found {
				m.currentMemory -= old
				m.pageQueue.Erase(ref)
			}
			continue
		}

		m.skipMemoryWait = pm
		m.memoryCV.Broadcast()
		m.mu.Unlock()

		pm.dataMutex.Lock()
		err := pm.evictPageLocked(context.Background(), index)
		pm.dataMutex.Unlock()
		guard.Release()

		m.mu.Lock()
		m.skipMemoryWait = nil
		if err != nil {
			m.log.Warn("cleanup: evict failed, page remains resident", "err", err, "index", index)
			// Don't spin on the same stubborn page; try others this round.
			if !m.pageQueue.MoveToBack(ref) {
				return
			}
			m.mu.Unlock()
			time.Sleep(time.Millisecond)
			m.mu.Lock()
		}
	}
}

// flushWhileOverDirty must be called with mu held; same unlock/relock
// discipline as evictWhileOverMemory.
func (m *Manager) flushWhileOverDirty() {
	for uint64FromInt64(m.currentDirty) > m.dirtyLimit {
		ref, _, ok := m.dirtyQueue.Front()
		if !ok {
			return
		}
		pm, index := ref.pm, ref.index

		guard, ok := pm.scope.TryAcquire()
		if !ok {
			if old, found := m.dirtyQueue.Find(ref); found {
				m.currentDirty -= old
				m.dirtyQueue.Erase(ref)
			}
			continue
		}

		m.skipMemoryWait = pm
		m.memoryCV.Broadcast()
		m.mu.Unlock()

		start := time.Now()
		pm.dataMutex.RLockPriority()
		bytesFlushed, err := pm.flushPageLocked(context.Background(), index)
		pm.dataMutex.RUnlockPriority()
		elapsed := time.Since(start)
		guard.Release()

		m.mu.Lock()
		m.skipMemoryWait = nil
		if err != nil {
			m.log.Warn("cleanup: flush failed, page remains dirty", "err", err, "index", index)
			if !m.dirtyQueue.MoveToBack(ref) {
				return
			}
			m.mu.Unlock()
			time.Sleep(time.Millisecond)
			m.mu.Lock()
			continue
		}

		target := m.bandwidth.Update(uint64(bytesFlushed), elapsed)
		if target < dirtyFloor {
			target = dirtyFloor
		}
		m.dirtyLimit = target
	}
}
