package orderedmap

import "testing"

func TestEnqueueFrontReplacesExisting(t *testing.T) {
	m := New[string, int]()
	m.EnqueueBack("a", 1)
	m.EnqueueBack("b", 2)
	m.EnqueueFront("a", 99)

	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	k, v, ok := m.Front()
	if !ok || k != "a" || v != 99 {
		t.Fatalf("expected front (a,99), got (%v,%v,%v)", k, v, ok)
	}
}

func TestPopFrontBackOrder(t *testing.T) {
	m := New[int, string]()
	m.EnqueueBack(1, "one")
	m.EnqueueBack(2, "two")
	m.EnqueueBack(3, "three")

	k, v, ok := m.PopFront()
	if !ok || k != 1 || v != "one" {
		t.Fatalf("unexpected PopFront: %v %v %v", k, v, ok)
	}
	k, v, ok = m.PopBack()
	if !ok || k != 3 || v != "three" {
		t.Fatalf("unexpected PopBack: %v %v %v", k, v, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.Len())
	}
}

func TestEraseAndExists(t *testing.T) {
	m := New[string, int]()
	m.EnqueueBack("x", 5)
	if !m.Exists("x") {
		t.Fatal("expected x to exist")
	}
	if !m.Erase("x") {
		t.Fatal("expected Erase to report removal")
	}
	if m.Exists("x") {
		t.Fatal("expected x removed")
	}
	if m.Erase("x") {
		t.Fatal("expected second Erase to report no-op")
	}
}

func TestMoveToBack(t *testing.T) {
	m := New[int, int]()
	m.EnqueueBack(1, 1)
	m.EnqueueBack(2, 2)
	m.EnqueueBack(3, 3)

	if !m.MoveToBack(1) {
		t.Fatal("expected MoveToBack to succeed")
	}

	keys := m.Keys()
	want := []int{2, 3, 1}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("unexpected order: %v", keys)
		}
	}
}

func TestSetValueUpdatesInPlace(t *testing.T) {
	m := New[string, int]()
	m.EnqueueBack("a", 1)
	m.EnqueueBack("b", 2)

	if !m.SetValue("a", 100) {
		t.Fatal("expected SetValue to succeed")
	}
	v, ok := m.Find("a")
	if !ok || v != 100 {
		t.Fatalf("expected updated value 100, got %v %v", v, ok)
	}
	keys := m.Keys()
	if keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected order unchanged, got %v", keys)
	}
	if m.SetValue("missing", 1) {
		t.Fatal("expected SetValue on missing key to report false")
	}
}

func TestPopEmpty(t *testing.T) {
	m := New[int, int]()
	if _, _, ok := m.PopFront(); ok {
		t.Fatal("expected PopFront on empty map to report false")
	}
	if _, _, ok := m.PopBack(); ok {
		t.Fatal("expected PopBack on empty map to report false")
	}
}
