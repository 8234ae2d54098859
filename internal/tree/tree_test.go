package tree

import (
	"context"
	"strconv"
	"testing"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
)

type fakeBackend struct {
	backend.Backend
	nextID int
}

func (f *fakeBackend) CreateFolder(ctx context.Context, parentID, name string) (backend.FolderMeta, error) {
	f.nextID++
	return backend.FolderMeta{ID: "id-" + strconv.Itoa(f.nextID), Name: name, ParentID: parentID}, nil
}

func (f *fakeBackend) DeleteFolder(ctx context.Context, id string) error { return nil }

func (f *fakeBackend) RenameFile(ctx context.Context, id, newName string) error     { return nil }
func (f *fakeBackend) RenameFolder(ctx context.Context, id, newName string) error   { return nil }
func (f *fakeBackend) MoveFile(ctx context.Context, id, newParentID string) error   { return nil }
func (f *fakeBackend) MoveFolder(ctx context.Context, id, newParentID string) error { return nil }

func TestCreateFolderThenList(t *testing.T) {
	tr := New(&fakeBackend{})
	ctx := context.Background()

	e, err := tr.CreateFolder(ctx, "root", "docs")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	children := tr.List("root")
	if len(children) != 1 || children[0].ID != e.ID {
		t.Fatalf("expected one child matching %v, got %v", e, children)
	}
}

func TestCreateFolderRejectsDuplicateName(t *testing.T) {
	tr := New(&fakeBackend{})
	ctx := context.Background()

	if _, err := tr.CreateFolder(ctx, "root", "docs"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if _, err := tr.CreateFolder(ctx, "root", "docs"); err == nil {
		t.Fatal("expected Conflict error for duplicate name")
	}
}

func TestDeleteFolderRemovesFromTree(t *testing.T) {
	tr := New(&fakeBackend{})
	ctx := context.Background()

	e, _ := tr.CreateFolder(ctx, "root", "docs")
	if err := tr.DeleteFolder(ctx, e.ID); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if len(tr.List("root")) != 0 {
		t.Fatal("expected folder removed from tree")
	}
	if _, ok := tr.ByID(e.ID); ok {
		t.Fatal("expected ByID lookup to fail after delete")
	}
}

func TestRenameFolderUpdatesLookup(t *testing.T) {
	tr := New(&fakeBackend{})
	ctx := context.Background()

	e, _ := tr.CreateFolder(ctx, "root", "docs")
	if err := tr.RenameFolder(ctx, e.ID, "documents"); err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	if _, ok := tr.Lookup("root", "docs"); ok {
		t.Fatal("old name should no longer resolve")
	}
	if got, ok := tr.Lookup("root", "documents"); !ok || got.ID != e.ID {
		t.Fatalf("expected new name to resolve to %v, got %v ok=%v", e, got, ok)
	}
}

func TestMoveFolderReparents(t *testing.T) {
	tr := New(&fakeBackend{})
	ctx := context.Background()

	a, _ := tr.CreateFolder(ctx, "root", "a")
	b, _ := tr.CreateFolder(ctx, "root", "b")

	if err := tr.MoveFolder(ctx, b.ID, a.ID); err != nil {
		t.Fatalf("MoveFolder: %v", err)
	}
	if len(tr.List("root")) != 1 {
		t.Fatalf("expected only %q left under root", a.Name)
	}
	children := tr.List(a.ID)
	if len(children) != 1 || children[0].ID != b.ID {
		t.Fatalf("expected %q moved under %q, got %v", b.Name, a.Name, children)
	}
}
