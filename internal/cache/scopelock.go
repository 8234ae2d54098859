package cache

import "github.com/cabewaldrop/andromeda-fuse/internal/cache/sharedmutex"

// ScopeLock lets the process-wide Manager hold non-owning references to a
// PageManager's pages safely: the Manager takes a shared copy before
// dereferencing a PageManager it pulled off a queue, and a PageManager
// acquires it exclusively -- once, in Close -- so Close blocks until every
// outstanding shared copy (i.e. every in-flight cache-manager operation
// touching this PageManager) has finished.
//
// Grounded on spec.md §9's description of replacing the source's raw
// back-pointer-plus-scope-mutex with a (handle, index) tuple: the handle is
// this type's shared acquisition.
type ScopeLock struct {
	mu *sharedmutex.SharedMutex
}

// NewScopeLock returns an unlocked ScopeLock.
func NewScopeLock() *ScopeLock {
	return &ScopeLock{mu: sharedmutex.New()}
}

// ScopeGuard is a held shared copy of a ScopeLock.
type ScopeGuard struct {
	mu       *sharedmutex.SharedMutex
	released bool
}

// TryAcquire attempts a non-blocking shared acquisition, used by the
// cleanup thread: if the owning PageManager is already mid-Close, the
// exclusive holder has the mutex and TryAcquire reports false so the
// cleanup thread can simply drop the stale queue entry and move on.
func (s *ScopeLock) TryAcquire() (*ScopeGuard, bool) {
	if !s.mu.TryRLockPriority() {
		return nil, false
	}
	return &ScopeGuard{mu: s.mu}, true
}

// Release drops the shared copy. Safe to call at most once.
func (g *ScopeGuard) Release() {
	if g.released {
		return
	}
	g.mu.RUnlockPriority()
	g.released = true
}

// Close blocks until every outstanding ScopeGuard has been released, then
// leaves the ScopeLock exclusively held (it is never meant to be used
// again after this -- call once, from the owning PageManager's Close).
func (s *ScopeLock) Close() {
	s.mu.Lock()
}
