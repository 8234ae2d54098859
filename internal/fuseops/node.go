package fuseops

import (
	"context"
	"hash/fnv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cabewaldrop/andromeda-fuse/internal/tree"
)

// attrTimeout is how long the kernel is told it may cache an entry's
// attributes before asking again. The remote namespace can change under
// us (another client renaming/writing), so this is kept short rather than
// infinite, unlike a purely local filesystem.
const attrTimeout = time.Second

// Node is one inode: either a folder or a file, identified by its entry in
// the shared tree. Every Node shares one *Filesystem.
type Node struct {
	fs.Inode

	root  *Filesystem
	entry tree.Entry
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
)

// Root returns the inode for the mount's top-level folder.
func Root(fsRoot *Filesystem) fs.InodeEmbedder {
	return &Node{root: fsRoot, entry: tree.Entry{ID: "root", Name: "", IsFolder: true}}
}

func ino(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

func stableAttr(e tree.Entry) fs.StableAttr {
	mode := uint32(fuse.S_IFREG)
	if e.IsFolder {
		mode = fuse.S_IFDIR
	}
	return fs.StableAttr{Mode: mode, Ino: ino(e.ID)}
}

func (n *Node) child(e tree.Entry) *fs.Inode {
	return n.NewInode(context.Background(), &Node{root: n.root, entry: e}, stableAttr(e))
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, ok := n.root.tr.Lookup(n.entry.ID, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	out.Attr = attrFromEntry(e)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	return n.child(e), fs.OK
}

func attrFromEntry(e tree.Entry) fuse.Attr {
	a := fuse.Attr{Ino: ino(e.ID)}
	if e.IsFolder {
		a.Mode = fuse.S_IFDIR | 0o755
	} else {
		a.Mode = fuse.S_IFREG | 0o644
		a.Size = uint64(e.Size)
	}
	return a
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	e := n.entry
	if h, ok := f.(*Handle); ok {
		e.Size = h.f.Size()
	} else {
		e = n.root.refreshEntry(ctx, e)
	}
	out.Attr = attrFromEntry(e)
	out.SetTimeout(attrTimeout)
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		var h *Handle
		if hf, ok := f.(*Handle); ok {
			h = hf
		} else {
			h = &Handle{f: n.root.acquire(n.entry.ID, n.entry.Size)}
			defer n.root.release(ctx, n.entry.ID)
		}
		if err := h.f.Truncate(ctx, int64(size)); err != nil {
			return errToErrno(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

type dirStream struct {
	entries []tree.Entry
	i       int
}

func (d *dirStream) HasNext() bool { return d.i < len(d.entries) }

func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.i]
	d.i++
	mode := uint32(fuse.S_IFREG)
	if e.IsFolder {
		mode = fuse.S_IFDIR
	}
	return fuse.DirEntry{Name: e.Name, Ino: ino(e.ID), Mode: mode}, fs.OK
}

func (d *dirStream) Close() {}

// Readdir lists the cached children of this folder. The tree must already
// have been seeded for this folder (by a prior listing call the transport
// layer issued); this package has no listing RPC of its own.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return &dirStream{entries: n.root.tr.List(n.entry.ID)}, fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f := n.root.acquire(n.entry.ID, n.entry.Size)
	return &Handle{f: f, fsRoot: n.root, id: n.entry.ID}, 0, fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	f, e := n.root.create(n.entry.ID, name)
	out.Attr = attrFromEntry(e)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	child := n.child(e)
	return child, &Handle{f: f, fsRoot: n.root, id: e.ID}, 0, fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, err := n.root.tr.CreateFolder(ctx, n.entry.ID, name)
	if err != nil {
		return nil, errToErrno(err)
	}
	out.Attr = attrFromEntry(e)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	return n.child(e), fs.OK
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	e, ok := n.root.tr.Lookup(n.entry.ID, name)
	if !ok {
		return syscall.ENOENT
	}
	if len(n.root.tr.List(e.ID)) > 0 {
		return syscall.ENOTEMPTY
	}
	if err := n.root.tr.DeleteFolder(ctx, e.ID); err != nil {
		return errToErrno(err)
	}
	return fs.OK
}

// Unlink removes a file entry. backend.Backend has no file-delete
// operation (only folder delete), so this surfaces as unsupported rather
// than silently dropping the remote object.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.ENOTSUP
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	e, ok := n.root.tr.Lookup(n.entry.ID, name)
	if !ok {
		return syscall.ENOENT
	}
	destNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}

	var err error
	switch {
	case destNode.entry.ID != n.entry.ID && e.IsFolder:
		err = n.root.tr.MoveFolder(ctx, e.ID, destNode.entry.ID)
	case destNode.entry.ID != n.entry.ID && !e.IsFolder:
		err = n.root.tr.MoveFile(ctx, e.ID, destNode.entry.ID)
	case newName != name && e.IsFolder:
		err = n.root.tr.RenameFolder(ctx, e.ID, newName)
	case newName != name && !e.IsFolder:
		err = n.root.tr.RenameFile(ctx, e.ID, newName)
	}
	if err != nil {
		return errToErrno(err)
	}
	return fs.OK
}
