package cache

import (
	"testing"
	"time"
)

func TestScopeLockTryAcquireSucceedsWhenUnlocked(t *testing.T) {
	s := NewScopeLock()
	guard, ok := s.TryAcquire()
	if !ok {
		t.Fatal("expected TryAcquire to succeed on a fresh ScopeLock")
	}
	guard.Release()
}

func TestScopeLockMultipleSharedAcquisitions(t *testing.T) {
	s := NewScopeLock()
	g1, ok1 := s.TryAcquire()
	g2, ok2 := s.TryAcquire()
	if !ok1 || !ok2 {
		t.Fatal("expected both shared acquisitions to succeed")
	}
	g1.Release()
	g2.Release()
}

func TestScopeLockCloseBlocksUntilGuardsReleased(t *testing.T) {
	s := NewScopeLock()
	guard, ok := s.TryAcquire()
	if !ok {
		t.Fatal("expected TryAcquire to succeed")
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the outstanding guard was released")
	case <-time.After(20 * time.Millisecond):
	}

	guard.Release()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock after the guard was released")
	}
}

func TestScopeLockTryAcquireFailsDuringClose(t *testing.T) {
	s := NewScopeLock()
	guard, _ := s.TryAcquire()

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	time.Sleep(10 * time.Millisecond)
	guard.Release()
	<-closed

	if _, ok := s.TryAcquire(); ok {
		t.Fatal("expected TryAcquire to fail once the ScopeLock has been closed")
	}
}
