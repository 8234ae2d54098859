package page

import (
	"sync"

	"github.com/cabewaldrop/andromeda-fuse/internal/cache/orderedmap"
)

// Allocator is a small caching allocator of page-sized buffers, grounded on
// andromeda's CachingAllocator.hpp: rather than letting every evicted page's
// buffer go to the garbage collector and every new page pay a fresh
// allocation, freed buffers are kept on a bounded LRU free list and handed
// back out to the next caller that needs one of sufficient capacity.
//
// Per spec.md §9, a reimplementation may lean on the runtime allocator if
// fragmentation isn't observed; this one still exists because long-running
// mounts churn through many same-sized page buffers, and Go's GC sees that
// churn as garbage it has to scan, not memory it can cheaply reuse without
// help.
type Allocator struct {
	mu      sync.Mutex
	free    *orderedmap.OrderedMap[uint64, []byte]
	nextID  uint64
	maxFree int
}

// NewAllocator returns an Allocator that retains at most maxFree buffers.
func NewAllocator(maxFree int) *Allocator {
	if maxFree < 0 {
		maxFree = 0
	}
	return &Allocator{
		free:    orderedmap.New[uint64, []byte](),
		maxFree: maxFree,
	}
}

// Get returns a buffer of exactly size bytes. It takes the most recently
// freed buffer and reuses it if its capacity suffices; otherwise that buffer
// is dropped and a fresh one is allocated. Other free buffers are not
// searched.
func (a *Allocator) Get(size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, buf, ok := a.free.PopBack(); ok {
		if cap(buf) >= size {
			return buf[:size]
		}
		// too small to reuse, let it go
	}
	return make([]byte, size)
}

// Put returns buf to the free list for future reuse. The caller must not
// touch buf again after calling Put.
func (a *Allocator) Put(buf []byte) {
	if buf == nil || a.maxFree == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free.Len() >= a.maxFree {
		a.free.PopFront()
	}
	a.nextID++
	a.free.EnqueueBack(a.nextID, buf)
}
