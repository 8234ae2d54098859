// Package file implements the thin per-open-file handle the FUSE layer
// talks to: it owns exactly one PageManager and translates byte-range
// ReadBytes/WriteBytes calls into the page-granular calls PageManager
// expects.
//
// Grounded on spec.md §3's "File owns exactly one PageManager" and
// File.hpp/.cpp (original_source); the teacher repo has no direct
// analogue (its Pager is addressed directly by the executor), so this
// package's split-into-pages loop is modeled on File::ReadBytes/WriteBytes.
package file

import (
	"context"

	"github.com/cabewaldrop/andromeda-fuse/internal/cache"
)

// File is a thin wrapper around one open PageManager: it owns no state of
// its own beyond what's needed to address it (an ID and the PageManager
// handle itself) and converts userspace byte ranges into the page-aligned
// calls PageManager requires.
type File struct {
	id string
	pm *cache.PageManager
}

// New returns a File backed by pm.
func New(id string, pm *cache.PageManager) *File {
	return &File{id: id, pm: pm}
}

// ID returns the backend identifier this File was opened for.
func (f *File) ID() string { return f.id }

// Size reports the size userspace should see: PageManager.FileSize.
func (f *File) Size() int64 { return f.pm.FileSize() }

// PageManager returns the underlying page manager, for callers (the cache
// status server, fuseops' Fsync) that need to drive it directly.
func (f *File) PageManager() *cache.PageManager { return f.pm }

// ReadBytes fills buf with the file's content starting at offset, splitting
// the range into per-page PageManager.ReadPage calls. It acquires the
// PageManager's read lock for the duration of the call.
func (f *File) ReadBytes(ctx context.Context, buf []byte, offset int64) (int, error) {
	guard := f.pm.ReadLock()
	defer guard.Unlock()

	fileSize := f.pm.FileSize()
	if offset >= fileSize {
		return 0, nil
	}
	want := len(buf)
	if remain := fileSize - offset; int64(want) > remain {
		want = int(remain)
	}

	pageSize := f.pm.PageSize()
	n := 0
	for n < want {
		abs := offset + int64(n)
		index := uint32(abs / pageSize)
		pageOff := abs % pageSize
		chunk := pageSize - pageOff
		if remain := int64(want - n); chunk > remain {
			chunk = remain
		}
		if err := f.pm.ReadPage(ctx, buf[n:n+int(chunk)], index, pageOff, chunk); err != nil {
			return n, err
		}
		n += int(chunk)
	}
	return n, nil
}

// WriteBytes writes buf's content into the file starting at offset,
// splitting the range into per-page PageManager.WritePage calls. It
// acquires the PageManager's write lock for the duration of the call.
func (f *File) WriteBytes(ctx context.Context, buf []byte, offset int64) (int, error) {
	guard := f.pm.WriteLock()
	defer guard.Unlock()

	pageSize := f.pm.PageSize()
	n := 0
	for n < len(buf) {
		abs := offset + int64(n)
		index := uint32(abs / pageSize)
		pageOff := abs % pageSize
		chunk := pageSize - pageOff
		if remain := int64(len(buf) - n); chunk > remain {
			chunk = remain
		}
		if err := f.pm.WritePage(ctx, buf[n:n+int(chunk)], index, pageOff, chunk); err != nil {
			return n, err
		}
		n += int(chunk)
	}
	return n, nil
}

// Truncate resizes the file to newSize.
func (f *File) Truncate(ctx context.Context, newSize int64) error {
	guard := f.pm.WriteLock()
	defer guard.Unlock()
	return f.pm.Truncate(ctx, newSize)
}

// Fsync flushes every dirty page to the backend.
func (f *File) Fsync(ctx context.Context) error {
	guard := f.pm.ReadLock()
	defer guard.Unlock()
	return f.pm.FlushAll(ctx, false)
}

// Close releases the File's PageManager, flushing dirty data best-effort.
func (f *File) Close(ctx context.Context) error {
	return f.pm.Close(ctx)
}

// RemoteChanged reconciles the file against an externally observed size
// (e.g. a metadata refresh that found the remote object changed).
func (f *File) RemoteChanged(newSize int64) error {
	guard := f.pm.WriteLock()
	defer guard.Unlock()
	return f.pm.RemoteChanged(newSize)
}
