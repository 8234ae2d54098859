package pagebackend

import (
	"context"
	"testing"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
)

type fakeBackend struct {
	backend.Backend
	files       map[string][]byte
	createCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[string][]byte)}
}

func (f *fakeBackend) ReadFile(ctx context.Context, id string, offset, length int64, handler backend.ReadHandler) error {
	data := f.files[id]
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset >= end {
		return nil
	}
	return handler(0, data[offset:end])
}

func (f *fakeBackend) WriteFile(ctx context.Context, id string, offset int64, data []byte) error {
	buf := f.files[id]
	need := int(offset) + len(data)
	if need > len(buf) {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	f.files[id] = buf
	return nil
}

func (f *fakeBackend) TruncateFile(ctx context.Context, id string, size int64) error {
	buf := f.files[id]
	if int64(len(buf)) > size {
		f.files[id] = buf[:size]
	}
	return nil
}

func (f *fakeBackend) CreateFile(ctx context.Context, parentID, name string) (backend.FileMeta, error) {
	f.createCalls++
	id := "new-" + name
	f.files[id] = nil
	return backend.FileMeta{ID: id, Name: name, ParentID: parentID}, nil
}

func TestFetchPagesSplitsIntoPages(t *testing.T) {
	be := newFakeBackend()
	be.files["f1"] = []byte("0123456789")
	pb := New(be, 4, "f1", 10)

	var got [][]byte
	var starts []int64
	err := pb.FetchPages(context.Background(), 0, 3, func(index uint32, pageStart int64, data []byte) error {
		got = append(got, append([]byte(nil), data...))
		starts = append(starts, pageStart)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(got))
	}
	if string(got[0]) != "0123" || string(got[1]) != "4567" {
		t.Fatalf("unexpected page contents: %q %q", got[0], got[1])
	}
	// third page only has 2 backend bytes (89): a short page, not padded
	// out to the full page size.
	if len(got[2]) != 2 || got[2][0] != '8' || got[2][1] != '9' {
		t.Fatalf("unexpected trailing page: %q", got[2])
	}
	if starts[0] != 0 || starts[1] != 4 || starts[2] != 8 {
		t.Fatalf("unexpected page starts: %v", starts)
	}
}

func TestFetchPagesPastBackendSizeAllZero(t *testing.T) {
	be := newFakeBackend()
	be.files["f1"] = []byte("01234567")
	pb := New(be, 4, "f1", 8)

	var got []byte
	err := pb.FetchPages(context.Background(), 2, 1, func(index uint32, pageStart int64, data []byte) error {
		got = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected all-zero page past backendSize, got %v", got)
		}
	}
}

func TestFlushPageListWritesConcatenatedBytes(t *testing.T) {
	be := newFakeBackend()
	be.files["f1"] = make([]byte, 8)
	pb := New(be, 4, "f1", 8)

	n, err := pb.FlushPageList(context.Background(), 0, [][]byte{[]byte("ABCD"), []byte("EFGH")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes written, got %d", n)
	}
	if string(be.files["f1"]) != "ABCDEFGH" {
		t.Fatalf("unexpected backend content: %q", be.files["f1"])
	}
	if pb.BackendSize() != 8 {
		t.Fatalf("expected backendSize 8, got %d", pb.BackendSize())
	}
}

func TestFlushPageListCreatesDelayedFile(t *testing.T) {
	be := newFakeBackend()
	pb := NewDelayed(be, 4, "parent", "newfile.txt")

	if pb.Exists() {
		t.Fatal("expected delayed file to not exist yet")
	}

	n, err := pb.FlushPageList(context.Background(), 0, [][]byte{[]byte("data")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 bytes written, got %d", n)
	}
	if !pb.Exists() {
		t.Fatal("expected file to exist after flush")
	}
	if be.createCalls != 1 {
		t.Fatalf("expected exactly one CreateFile call, got %d", be.createCalls)
	}

	// A second flush must not create again.
	if _, err := pb.FlushPageList(context.Background(), 1, [][]byte{[]byte("more")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if be.createCalls != 1 {
		t.Fatalf("expected CreateFile to be called only once, got %d", be.createCalls)
	}
}

func TestTruncateUpdatesBackendSize(t *testing.T) {
	be := newFakeBackend()
	be.files["f1"] = []byte("01234567")
	pb := New(be, 4, "f1", 8)

	if err := pb.Truncate(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pb.BackendSize() != 3 {
		t.Fatalf("expected backendSize 3, got %d", pb.BackendSize())
	}
	if string(be.files["f1"]) != "012" {
		t.Fatalf("expected backend truncated, got %q", be.files["f1"])
	}
}

func TestTruncateOnDelayedFileSkipsBackendCall(t *testing.T) {
	be := newFakeBackend()
	pb := NewDelayed(be, 4, "parent", "newfile.txt")

	if err := pb.Truncate(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pb.Exists() {
		t.Fatal("truncate on a never-flushed file must not create it")
	}
}
