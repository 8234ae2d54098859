package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/page"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache/pagebackend"
	"github.com/cabewaldrop/andromeda-fuse/internal/config"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newManagedPageManager builds a PageManager wired to mgr, backed by an
// in-memory delayed file, for exercising the process-wide eviction/flush
// loop without needing a real backend.
func newManagedPageManager(t *testing.T, mgr *Manager, id string) *PageManager {
	t.Helper()
	be := &fakePMBackend{files: make(map[string][]byte)}
	pb := pagebackend.NewDelayed(be, 4, "parent", id+".txt")
	alloc := page.NewAllocator(16)
	sem := semaphore.NewWeighted(4)
	opts := config.NewCacheOptions(config.WithPageSize(4), config.WithMemoryLimit(1 << 20))
	fsCfg := config.FSConfig{WriteMode: backend.WriteModeRandom}
	pm := NewPageManager(mgr, pb, alloc, sem, opts, fsCfg, 0, "", 0, testLogger())
	t.Cleanup(func() { pm.Close(context.Background()) })
	return pm
}

// TestInformPageAccountingMatchesQueues checks invariant I6: currentMemory
// and currentDirty always equal the sum of sizes across their queues.
func TestInformPageAccountingMatchesQueues(t *testing.T) {
	mgr := NewManager(1<<40, 0, time.Second, testLogger())
	t.Cleanup(mgr.Close)
	pm := newManagedPageManager(t, mgr, "f1")

	writeRange(t, pm, 0, []byte("ABCDEFGH")) // pages 0 and 1, both full (pageSize=4)

	mgr.mu.Lock()
	var memSum, dirtySum int64
	for _, k := range mgr.pageQueue.Keys() {
		v, _ := mgr.pageQueue.Find(k)
		memSum += v
	}
	for _, k := range mgr.dirtyQueue.Keys() {
		v, _ := mgr.dirtyQueue.Find(k)
		dirtySum += v
	}
	gotMem, gotDirty := mgr.currentMemory, mgr.currentDirty
	mgr.mu.Unlock()

	if gotMem != memSum {
		t.Fatalf("currentMemory=%d, sum over pageQueue=%d", gotMem, memSum)
	}
	if gotDirty != dirtySum {
		t.Fatalf("currentDirty=%d, sum over dirtyQueue=%d", gotDirty, dirtySum)
	}
	if gotMem != 8 || gotDirty != 8 {
		t.Fatalf("expected 8 bytes resident and dirty, got mem=%d dirty=%d", gotMem, gotDirty)
	}
}

// TestRemovePageUpdatesBothQueues checks RemovePage drops a page from both
// queues and keeps the running totals consistent (I6).
func TestRemovePageUpdatesBothQueues(t *testing.T) {
	mgr := NewManager(1<<40, 0, time.Second, testLogger())
	t.Cleanup(mgr.Close)
	pm := newManagedPageManager(t, mgr, "f1")

	writeRange(t, pm, 0, []byte("ABCD"))
	mgr.RemovePage(pm, 0)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.currentMemory != 0 || mgr.currentDirty != 0 {
		t.Fatalf("expected zeroed accounting after RemovePage, got mem=%d dirty=%d", mgr.currentMemory, mgr.currentDirty)
	}
	if _, ok := mgr.pageQueue.Find(pageRef{pm, 0}); ok {
		t.Fatal("expected page gone from pageQueue")
	}
	if _, ok := mgr.dirtyQueue.Find(pageRef{pm, 0}); ok {
		t.Fatal("expected page gone from dirtyQueue")
	}
}

// TestCleanupEvictsUnderMemoryPressure exercises the background cleanup
// loop end to end: a tiny memory limit forces eviction of clean pages as
// soon as they're informed.
func TestCleanupEvictsUnderMemoryPressure(t *testing.T) {
	mgr := NewManager(4, 0, time.Second, testLogger())
	t.Cleanup(mgr.Close)
	pm := newManagedPageManager(t, mgr, "f1")

	writeRange(t, pm, 0, []byte("ABCD"))
	guard := pm.ReadLock()
	if err := pm.FlushAll(context.Background(), false); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	guard.Unlock()

	// Push another clean page in: informing it puts currentMemory (8 bytes)
	// over the 4-byte limit and should wake the cleanup thread to evict page 0.
	writeRange(t, pm, 4, []byte("EFGH"))
	guard = pm.ReadLock()
	if err := pm.FlushAll(context.Background(), false); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	guard.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mgr.mu.Lock()
		over := mgr.overLimitLocked()
		mgr.mu.Unlock()
		if !over {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cleanup thread never brought memory back under limit")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestSkipMemoryWaitReleasesBlockedCaller exercises the deadlock-avoidance
// path directly: a goroutine blocked in InformPage(canWait=true) for a
// PageManager must be released the moment skipMemoryWait names that same
// PageManager, without waiting for memory to actually drop.
func TestSkipMemoryWaitReleasesBlockedCaller(t *testing.T) {
	mgr := NewManager(1, 0, time.Second, testLogger()) // pathologically small: anything informed is "over limit"
	t.Cleanup(mgr.Close)
	pm := newManagedPageManager(t, mgr, "f1")

	released := make(chan struct{})
	go func() {
		mgr.InformPage(pm, 99, 4096, false, true)
		close(released)
	}()

	// Give the goroutine a chance to actually start waiting.
	time.Sleep(20 * time.Millisecond)

	mgr.mu.Lock()
	mgr.skipMemoryWait = pm
	mgr.memoryCV.Broadcast()
	mgr.mu.Unlock()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("InformPage caller was not released when skipMemoryWait named its PageManager")
	}

	mgr.mu.Lock()
	mgr.skipMemoryWait = nil
	mgr.mu.Unlock()
}

// TestResizePageKeepsPositionButUpdatesSize exercises ResizePage: the entry
// stays in the same LRU slot but its accounted size changes.
func TestResizePageKeepsPositionButUpdatesSize(t *testing.T) {
	mgr := NewManager(1<<40, 0, time.Second, testLogger())
	t.Cleanup(mgr.Close)
	pm := newManagedPageManager(t, mgr, "f1")

	mgr.InformPage(pm, 0, 4, true, false)
	mgr.InformPage(pm, 1, 4, false, false)
	mgr.ResizePage(pm, 0, 2, true)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.currentMemory != 6 {
		t.Fatalf("currentMemory=%d, want 6", mgr.currentMemory)
	}
	if mgr.currentDirty != 2 {
		t.Fatalf("currentDirty=%d, want 2", mgr.currentDirty)
	}
	keys := mgr.pageQueue.Keys()
	if len(keys) != 2 || keys[0] != (pageRef{pm, 0}) {
		t.Fatalf("expected page 0 to stay at the front of the LRU, got %v", keys)
	}
}
