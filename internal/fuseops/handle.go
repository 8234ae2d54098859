package fuseops

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cabewaldrop/andromeda-fuse/internal/file"
)

// Handle is the FUSE-visible file handle returned by Open/Create: a thin
// shim translating go-fuse's FileHandle calls onto internal/file.File.
type Handle struct {
	f      *file.File
	fsRoot *Filesystem
	id     string
}

var (
	_ fs.FileHandle  = (*Handle)(nil)
	_ fs.FileReader  = (*Handle)(nil)
	_ fs.FileWriter  = (*Handle)(nil)
	_ fs.FileFlusher = (*Handle)(nil)
	_ fs.FileFsyncer = (*Handle)(nil)
	_ fs.FileReleaser = (*Handle)(nil)
	_ fs.FileGetattrer = (*Handle)(nil)
)

func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.f.ReadBytes(ctx, dest, off)
	if err != nil {
		return nil, errToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (h *Handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.f.WriteBytes(ctx, data, off)
	if err != nil {
		return uint32(n), errToErrno(err)
	}
	return uint32(n), fs.OK
}

// Flush is the close() path: per spec, it does not flush dirty data to the
// backend (that's Fsync's job) and does nothing at all; the handle's
// reference on the shared File is released in Release.
func (h *Handle) Flush(ctx context.Context) syscall.Errno {
	return fs.OK
}

func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.f.Fsync(ctx); err != nil {
		return errToErrno(err)
	}
	return fs.OK
}

func (h *Handle) Release(ctx context.Context) syscall.Errno {
	if h.fsRoot != nil {
		h.fsRoot.release(ctx, h.id)
	}
	return fs.OK
}

func (h *Handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	out.Attr.Size = uint64(h.f.Size())
	out.SetTimeout(attrTimeout)
	return fs.OK
}
