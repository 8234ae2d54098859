package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
	"github.com/cabewaldrop/andromeda-fuse/internal/cache"
	"github.com/cabewaldrop/andromeda-fuse/internal/config"
	"github.com/cabewaldrop/andromeda-fuse/internal/fuseops"
	"github.com/cabewaldrop/andromeda-fuse/internal/tree"
)

type fakeBackend struct{}

func (fakeBackend) ReadFile(ctx context.Context, id string, offset, length int64, h backend.ReadHandler) error {
	return nil
}
func (fakeBackend) WriteFile(ctx context.Context, id string, offset int64, data []byte) error {
	return nil
}
func (fakeBackend) TruncateFile(ctx context.Context, id string, size int64) error { return nil }
func (fakeBackend) CreateFile(ctx context.Context, parentID, name string) (backend.FileMeta, error) {
	return backend.FileMeta{ID: "f1", Name: name, ParentID: parentID}, nil
}
func (fakeBackend) CreateFolder(ctx context.Context, parentID, name string) (backend.FolderMeta, error) {
	return backend.FolderMeta{ID: "d1", Name: name, ParentID: parentID}, nil
}
func (fakeBackend) DeleteFolder(ctx context.Context, id string) error          { return nil }
func (fakeBackend) RenameFile(ctx context.Context, id, newName string) error   { return nil }
func (fakeBackend) RenameFolder(ctx context.Context, id, newName string) error { return nil }
func (fakeBackend) MoveFile(ctx context.Context, id, newParentID string) error { return nil }
func (fakeBackend) MoveFolder(ctx context.Context, id, newParentID string) error {
	return nil
}
func (fakeBackend) Authenticate(ctx context.Context, username, password, twofactor string) error {
	return nil
}
func (fakeBackend) GetConfig(ctx context.Context) (backend.Config, error) {
	return backend.Config{ChunkSize: 4096}, nil
}

func newTestFilesystem() *fuseops.Filesystem {
	be := fakeBackend{}
	tr := tree.New(be)
	mgr := cache.NewManager(1<<20, 1<<16, time.Second, nil)
	opts := config.NewCacheOptions()
	fsCfg := config.FSConfig{ChunkSize: 4096}
	return fuseops.New(be, tr, mgr, opts, fsCfg, nil)
}

func TestHealthOK(t *testing.T) {
	srv := NewServer(0, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatsAndFilesWithoutFilesystem(t *testing.T) {
	srv := NewServer(0, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/stats", "/files"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestStatsReportsMemoryLimit(t *testing.T) {
	fsRoot := newTestFilesystem()
	srv := NewServer(0, fsRoot)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var stats cache.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.MemoryLimit != 1<<20 {
		t.Fatalf("MemoryLimit = %d, want %d", stats.MemoryLimit, 1<<20)
	}
}

func TestFilesListsOpenFiles(t *testing.T) {
	fsRoot := newTestFilesystem()
	srv := NewServer(0, fsRoot)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/files")
	if err != nil {
		t.Fatalf("GET /files: %v", err)
	}
	defer resp.Body.Close()
	var files []fuseops.OpenFileInfo
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no open files, got %d", len(files))
	}
}

func TestServer404(t *testing.T) {
	srv := NewServer(0, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
