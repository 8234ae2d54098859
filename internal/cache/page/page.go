// Package page implements the unit of caching: a single fixed-identity,
// variable-size byte buffer that can be read, written, resized, and marked
// dirty. A Page's identity never changes across its lifetime -- it is
// resized in place rather than reallocated -- so other components (notably
// the cache manager) may hold bare *Page back-references without a
// generation counter.
//
// Grounded on the teacher's page.go (dirty-flag and data-buffer pattern)
// and andromeda's Page.hpp / PageManager.cpp ResizePage (resize-in-place,
// zero-fill on growth).
package page

// Page is one page's worth of file data.
type Page struct {
	alloc *Allocator
	buf   []byte
	dirty bool
}

// New allocates a Page of the given size, marked dirty (freshly-allocated
// pages have no backend-matching content yet, so callers that populate them
// from a remote read should call MarkClean once the fetch completes).
func New(alloc *Allocator, size int) *Page {
	var buf []byte
	if alloc != nil {
		buf = alloc.Get(size)
		clear(buf)
	} else {
		buf = make([]byte, size)
	}
	return &Page{alloc: alloc, buf: buf, dirty: true}
}

// Data returns the page's backing buffer. Callers may read and write it
// directly; writers are responsible for calling MarkDirty.
func (p *Page) Data() []byte { return p.buf }

// Size returns the page's current size in bytes.
func (p *Page) Size() int { return len(p.buf) }

// Dirty reports whether the page has unflushed local writes.
func (p *Page) Dirty() bool { return p.dirty }

// MarkDirty flags the page as having unflushed local writes.
func (p *Page) MarkDirty() { p.dirty = true }

// MarkClean clears the dirty flag, e.g. after a successful flush or a fresh
// read from the backend.
func (p *Page) MarkClean() { p.dirty = false }

// Resize changes the page's size, preserving the existing prefix and
// zero-filling any newly added bytes. It never changes the page's identity:
// the *Page pointer, and any back-reference to it, remains valid.
func (p *Page) Resize(newSize int) {
	old := len(p.buf)
	switch {
	case newSize == old:
		return
	case newSize < old:
		p.buf = p.buf[:newSize]
	case newSize <= cap(p.buf):
		p.buf = p.buf[:newSize]
		clear(p.buf[old:newSize])
	default:
		var nb []byte
		if p.alloc != nil {
			nb = p.alloc.Get(newSize)
		} else {
			nb = make([]byte, newSize)
		}
		copy(nb, p.buf)
		clear(nb[old:newSize])
		if p.alloc != nil {
			p.alloc.Put(p.buf)
		}
		p.buf = nb
	}
}

// Release returns the page's buffer to its allocator, if any, and clears
// the page's content. Callers must not use the page after calling Release.
func (p *Page) Release() {
	if p.alloc != nil {
		p.alloc.Put(p.buf)
	}
	p.buf = nil
}
