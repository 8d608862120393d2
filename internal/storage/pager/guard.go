package pager

import "sync"

// ───────────────────────────────────────────────────────────────────────────
// Page guards
// ───────────────────────────────────────────────────────────────────────────
//
// A PageGuard owns exactly one pin on a frame and releases it exactly once,
// on all exit paths including a panicking caller, per the RAII guidance in
// spec §9. Callers that mutate the page mark the guard dirty before it is
// released; Release is idempotent so a deferred Release after an explicit
// early Release is a no-op.

// PageGuard is a bounded borrow of a buffer pool frame.
type PageGuard struct {
	pager *Pager
	id    PageID
	buf   []byte
	once  sync.Once
	dirty bool
}

// Fetch pins page id and returns a guard over it. It fails only when the
// page cannot be read; there is no ErrNoFrame. When every frame is pinned
// and none can be evicted, the buffer pool admits the page anyway and
// grows past its capacity.
func (p *Pager) Fetch(id PageID) (*PageGuard, error) {
	buf, err := p.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return &PageGuard{pager: p, id: id, buf: buf}, nil
}

// MarkDirty flags the guarded page as modified; its bytes are written
// through WritePage on Release.
func (g *PageGuard) MarkDirty() { g.dirty = true }

// Bytes returns the guarded page buffer.
func (g *PageGuard) Bytes() []byte { return g.buf }

// PageID returns the guarded page's identifier.
func (g *PageGuard) PageID() PageID { return g.id }

// Release unpins the frame exactly once, flushing dirty bytes through
// WritePage under txID first if the guard was marked dirty. Safe to call
// multiple times (including via both an explicit call and a deferred call)
// and safe to call during panic unwinding.
func (g *PageGuard) Release(txID TxID) {
	g.once.Do(func() {
		if g.dirty {
			_ = g.pager.WritePage(txID, g.id, g.buf)
		}
		g.pager.UnpinPage(g.id)
	})
}
