// Package tree maintains an in-memory mirror of the remote folder/file
// metadata a mounted filesystem needs for directory listing and
// rename/move dispatch: just enough of the backend's namespace for the
// file-level cache invariants to be exercised end-to-end, per spec.md §1's
// "[tree/namespace] covered only where needed" carve-out.
//
// Grounded on FuseOperations.cpp's readdir/rename/mkdir/rmdir dispatch
// (original_source) and, for the in-memory-map-plus-mutex idiom, the
// teacher's internal/catalog.Catalog.
package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/cabewaldrop/andromeda-fuse/internal/backend"
	"github.com/cabewaldrop/andromeda-fuse/internal/errs"
)

// Entry is one child of a folder: either a file or a subfolder.
type Entry struct {
	ID       string
	Name     string
	ParentID string
	IsFolder bool
	Size     int64 // meaningful only for files; backend-reported, not fileSize
}

// Tree is an in-memory index of the remote namespace, keyed by parent
// folder ID. It does not cache file content -- that's PageManager's job --
// only the metadata needed to list a directory and resolve rename/move.
type Tree struct {
	be backend.Backend

	mu       sync.RWMutex
	children map[string][]Entry // parentID -> entries
	byID     map[string]Entry
}

// New returns an empty Tree backed by be.
func New(be backend.Backend) *Tree {
	return &Tree{
		be:       be,
		children: make(map[string][]Entry),
		byID:     make(map[string]Entry),
	}
}

// Seed populates the tree with a folder's children, replacing whatever was
// cached for that parent. Callers (readdir) should call this after a fresh
// listing from the backend; Tree itself has no listing RPC of its own,
// since backend.Backend doesn't expose one (spec.md §6's folder operations
// are mutation-only) -- seeding is the transport layer's responsibility.
func (t *Tree) Seed(parentID string, entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.children[parentID] = entries
	for _, e := range entries {
		t.byID[e.ID] = e
	}
}

// List returns the cached children of parentID.
func (t *Tree) List(parentID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.children[parentID]...)
}

// Lookup resolves a name within parentID to its Entry.
func (t *Tree) Lookup(parentID, name string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.children[parentID] {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ByID resolves an entry by its backend ID.
func (t *Tree) ByID(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	return e, ok
}

// InsertEntry adds or replaces a single entry directly, bypassing the
// backend. Used by callers (file create, metadata refresh) that already know the
// authoritative result of a backend call that Tree itself doesn't issue --
// Tree's own CreateFolder/DeleteFolder are folder-only, since that's all
// backend.Backend exposes.
func (t *Tree) InsertEntry(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[e.ID]; ok {
		t.removeLocked(old)
	}
	t.insertLocked(e)
}

// RemoveEntry drops an entry by ID, if present.
func (t *Tree) RemoveEntry(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		t.removeLocked(e)
	}
}

func (t *Tree) insertLocked(e Entry) {
	t.children[e.ParentID] = append(t.children[e.ParentID], e)
	t.byID[e.ID] = e
}

func (t *Tree) removeLocked(e Entry) {
	siblings := t.children[e.ParentID]
	for i, s := range siblings {
		if s.ID == e.ID {
			t.children[e.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	delete(t.byID, e.ID)
}

// CreateFolder creates a subfolder of parentID on the backend and records
// it in the tree.
func (t *Tree) CreateFolder(ctx context.Context, parentID, name string) (Entry, error) {
	if _, exists := t.Lookup(parentID, name); exists {
		return Entry{}, errs.Conflict(fmt.Sprintf("%q already exists", name))
	}
	meta, err := t.be.CreateFolder(ctx, parentID, name)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: meta.ID, Name: meta.Name, ParentID: meta.ParentID, IsFolder: true}

	t.mu.Lock()
	t.insertLocked(e)
	t.mu.Unlock()
	return e, nil
}

// DeleteFolder removes a (necessarily empty, per spec.md's Non-goals on
// recursive delete) folder from the backend and the tree.
func (t *Tree) DeleteFolder(ctx context.Context, id string) error {
	e, ok := t.ByID(id)
	if !ok {
		return errs.NotFound("folder " + id)
	}
	if err := t.be.DeleteFolder(ctx, id); err != nil {
		return err
	}

	t.mu.Lock()
	t.removeLocked(e)
	t.mu.Unlock()
	return nil
}

// RenameFile renames a file entry, on the backend and in the tree.
func (t *Tree) RenameFile(ctx context.Context, id, newName string) error {
	return t.rename(ctx, id, newName, false)
}

// RenameFolder renames a folder entry, on the backend and in the tree.
func (t *Tree) RenameFolder(ctx context.Context, id, newName string) error {
	return t.rename(ctx, id, newName, true)
}

func (t *Tree) rename(ctx context.Context, id, newName string, isFolder bool) error {
	e, ok := t.ByID(id)
	if !ok {
		return errs.NotFound(id)
	}
	var err error
	if isFolder {
		err = t.be.RenameFolder(ctx, id, newName)
	} else {
		err = t.be.RenameFile(ctx, id, newName)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.removeLocked(e)
	e.Name = newName
	t.insertLocked(e)
	t.mu.Unlock()
	return nil
}

// MoveFile reparents a file entry to newParentID, on the backend and in
// the tree.
func (t *Tree) MoveFile(ctx context.Context, id, newParentID string) error {
	return t.move(ctx, id, newParentID, false)
}

// MoveFolder reparents a folder entry to newParentID, on the backend and
// in the tree.
func (t *Tree) MoveFolder(ctx context.Context, id, newParentID string) error {
	return t.move(ctx, id, newParentID, true)
}

func (t *Tree) move(ctx context.Context, id, newParentID string, isFolder bool) error {
	e, ok := t.ByID(id)
	if !ok {
		return errs.NotFound(id)
	}
	var err error
	if isFolder {
		err = t.be.MoveFolder(ctx, id, newParentID)
	} else {
		err = t.be.MoveFile(ctx, id, newParentID)
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.removeLocked(e)
	e.ParentID = newParentID
	t.insertLocked(e)
	t.mu.Unlock()
	return nil
}
