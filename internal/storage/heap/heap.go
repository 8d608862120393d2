// Package heap implements the table heap: a linked list of slotted pages
// holding one table's tuples, per spec §4.7. Grounded on
// pager/slotted_page.go (slot directory, tombstones, in-place/append
// update, kept nearly verbatim) generalized from raw []byte records to
// typed value.Tuple via the binary codec in internal/storage/value/codec.go.
package heap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// RID identifies a tuple's physical location. Reused verbatim from the
// lock package (rather than redefined here) so callers never need to
// convert between a heap RID and the RID a row lock is taken on.
type RID = lock.RID

// nextPageOff is where a table-heap page stores the PageID of the next
// page in its chain, inside the common PageHeader's reserved Pad bytes
// (pager.PageHeader.Pad spans header bytes [20:32)) rather than growing a
// table-heap-specific header layout.
const nextPageOff = 20

func getNextPage(buf []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(buf[nextPageOff:]))
}

func setNextPage(buf []byte, id pager.PageID) {
	binary.LittleEndian.PutUint32(buf[nextPageOff:], uint32(id))
}

// TableHeap owns the page chain for one table's tuples. Every mutation
// takes the matching row lock through *txn.Manager (intent lock on the
// table, row lock on the RID, per spec §4.5) and is made durable through
// *pager.Pager.WritePage, which itself logs a before/after image to the
// WAL.
type TableHeap struct {
	p      *pager.Pager
	txm    *txn.Manager
	schema *value.Schema
	table  lock.TableOID

	mu        sync.Mutex
	firstPage pager.PageID
}

// CreateTableHeap allocates the first page of a brand-new table heap.
func CreateTableHeap(p *pager.Pager, txm *txn.Manager, t *txn.Txn, schema *value.Schema, table lock.TableOID) (*TableHeap, error) {
	pid, buf := p.AllocPage()
	pager.InitSlottedPage(buf, pager.PageTypeTableHeap, pid)
	setNextPage(buf, pager.InvalidPageID)
	pager.SetPageCRC(buf)
	if err := p.WritePage(t.ID, pid, buf); err != nil {
		p.UnpinPage(pid)
		return nil, fmt.Errorf("heap: create first page: %w", err)
	}
	p.UnpinPage(pid)
	return &TableHeap{p: p, txm: txm, schema: schema, table: table, firstPage: pid}, nil
}

// OpenTableHeap resumes an existing table heap rooted at firstPage (read
// from the catalog at startup).
func OpenTableHeap(p *pager.Pager, txm *txn.Manager, schema *value.Schema, table lock.TableOID, firstPage pager.PageID) *TableHeap {
	return &TableHeap{p: p, txm: txm, schema: schema, table: table, firstPage: firstPage}
}

// FirstPage returns the heap's root page, for catalog persistence.
func (h *TableHeap) FirstPage() pager.PageID { return h.firstPage }

// Insert walks the page chain for one with enough free space for tup,
// allocating a new page at the tail if none fits, per spec §4.7.
func (h *TableHeap) Insert(ctx context.Context, t *txn.Txn, tup value.Tuple) (RID, error) {
	if err := h.txm.LockTable(ctx, t, lock.IX, h.table); err != nil {
		return RID{}, err
	}

	enc, err := value.Encode(h.schema, tup)
	if err != nil {
		return RID{}, fmt.Errorf("heap: encode tuple: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pid := h.firstPage
	var lastPid pager.PageID
	for pid != pager.InvalidPageID {
		buf, err := h.p.ReadPage(pid)
		if err != nil {
			return RID{}, err
		}
		sp := pager.WrapSlottedPage(buf)
		if sp.FreeSpace() >= len(enc) {
			slot, err := sp.InsertRecord(enc)
			if err != nil {
				h.p.UnpinPage(pid)
				return RID{}, err
			}
			pager.SetPageCRC(buf)
			if err := h.p.WritePage(t.ID, pid, buf); err != nil {
				h.p.UnpinPage(pid)
				return RID{}, err
			}
			h.p.UnpinPage(pid)
			rid := RID{PageID: uint32(pid), Slot: uint16(slot)}
			if err := h.txm.LockRow(ctx, t, lock.X, h.table, rid); err != nil {
				return RID{}, err
			}
			return rid, nil
		}
		lastPid = pid
		next := getNextPage(buf)
		h.p.UnpinPage(pid)
		pid = next
	}

	// No page had room; allocate a new tail page.
	newPid, newBuf := h.p.AllocPage()
	pager.InitSlottedPage(newBuf, pager.PageTypeTableHeap, newPid)
	setNextPage(newBuf, pager.InvalidPageID)
	sp := pager.WrapSlottedPage(newBuf)
	slot, err := sp.InsertRecord(enc)
	if err != nil {
		h.p.UnpinPage(newPid)
		return RID{}, fmt.Errorf("heap: tuple does not fit a fresh page: %w", err)
	}
	pager.SetPageCRC(newBuf)
	if err := h.p.WritePage(t.ID, newPid, newBuf); err != nil {
		h.p.UnpinPage(newPid)
		return RID{}, err
	}
	h.p.UnpinPage(newPid)

	// Link the previous tail to the new page.
	if lastPid != pager.InvalidPageID {
		prevBuf, err := h.p.ReadPage(lastPid)
		if err != nil {
			return RID{}, err
		}
		setNextPage(prevBuf, newPid)
		pager.SetPageCRC(prevBuf)
		err = h.p.WritePage(t.ID, lastPid, prevBuf)
		h.p.UnpinPage(lastPid)
		if err != nil {
			return RID{}, err
		}
	} else {
		h.firstPage = newPid
	}

	rid := RID{PageID: uint32(newPid), Slot: uint16(slot)}
	if err := h.txm.LockRow(ctx, t, lock.X, h.table, rid); err != nil {
		return RID{}, err
	}
	return rid, nil
}

// Get returns the tuple at rid, or found=false if it is a tombstone or out
// of range.
func (h *TableHeap) Get(ctx context.Context, t *txn.Txn, rid RID) (value.Tuple, bool, error) {
	if err := h.txm.LockTable(ctx, t, lock.IS, h.table); err != nil {
		return value.Tuple{}, false, err
	}
	if err := h.txm.LockRow(ctx, t, lock.S, h.table, rid); err != nil {
		return value.Tuple{}, false, err
	}
	defer h.txm.ReleaseReadLocks(t)

	buf, err := h.p.ReadPage(pager.PageID(rid.PageID))
	if err != nil {
		return value.Tuple{}, false, err
	}
	defer h.p.UnpinPage(pager.PageID(rid.PageID))

	sp := pager.WrapSlottedPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		return value.Tuple{}, false, nil
	}
	tup, err := value.Decode(h.schema, sp.GetRecord(int(rid.Slot)))
	if err != nil {
		return value.Tuple{}, false, err
	}
	return tup, true, nil
}

// Update overwrites the tuple at rid. If the new encoding fits in the
// slot's reserved span it is rewritten in place and rid is unchanged;
// otherwise the old slot is tombstoned and the new tuple is inserted
// fresh, yielding a new RID — per spec §4.7's resolved Open Question
// ("move, return new RID"), the caller is responsible for updating any
// secondary indexes that pointed at the old RID.
func (h *TableHeap) Update(ctx context.Context, t *txn.Txn, rid RID, tup value.Tuple) (RID, error) {
	if err := h.txm.LockTable(ctx, t, lock.IX, h.table); err != nil {
		return RID{}, err
	}
	if err := h.txm.LockRow(ctx, t, lock.X, h.table, rid); err != nil {
		return RID{}, err
	}

	enc, err := value.Encode(h.schema, tup)
	if err != nil {
		return RID{}, fmt.Errorf("heap: encode tuple: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pid := pager.PageID(rid.PageID)
	buf, err := h.p.ReadPage(pid)
	if err != nil {
		return RID{}, err
	}
	sp := pager.WrapSlottedPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		h.p.UnpinPage(pid)
		return RID{}, fmt.Errorf("heap: update: rid %v not found", rid)
	}

	old := sp.GetSlot(int(rid.Slot))
	if int(old.Length) >= len(enc) {
		if err := sp.UpdateRecord(int(rid.Slot), enc); err != nil {
			h.p.UnpinPage(pid)
			return RID{}, err
		}
		pager.SetPageCRC(buf)
		err := h.p.WritePage(t.ID, pid, buf)
		h.p.UnpinPage(pid)
		if err != nil {
			return RID{}, err
		}
		return rid, nil
	}

	// Does not fit in place: insert the new version first, while the old
	// slot is still live and so cannot be handed back as its RID, then
	// tombstone the old slot. Insert takes h.mu itself, so it is released
	// around that call; the old page stays pinned throughout.
	h.mu.Unlock()
	newRID, err := h.Insert(ctx, t, tup)
	h.mu.Lock()
	if err != nil {
		h.p.UnpinPage(pid)
		return RID{}, err
	}
	if err := sp.DeleteRecord(int(rid.Slot)); err != nil {
		h.p.UnpinPage(pid)
		return RID{}, err
	}
	pager.SetPageCRC(buf)
	if err := h.p.WritePage(t.ID, pid, buf); err != nil {
		h.p.UnpinPage(pid)
		return RID{}, err
	}
	h.p.UnpinPage(pid)

	return newRID, nil
}

// MarkDelete tombstones rid's slot without yet reclaiming its space,
// leaving the record recoverable by RollbackDelete until the owning
// transaction commits (ApplyDelete) or aborts. This two-phase split lets
// abort simply skip ApplyDelete — the WAL undo (driven by pager.AbortTx's
// before-image restore) already reverts the page, so RollbackDelete here
// exists for the in-memory/no-crash path symmetry spec §4.7 calls for.
func (h *TableHeap) MarkDelete(ctx context.Context, t *txn.Txn, rid RID) error {
	if err := h.txm.LockTable(ctx, t, lock.IX, h.table); err != nil {
		return err
	}
	if err := h.txm.LockRow(ctx, t, lock.X, h.table, rid); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pid := pager.PageID(rid.PageID)
	buf, err := h.p.ReadPage(pid)
	if err != nil {
		return err
	}
	sp := pager.WrapSlottedPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		h.p.UnpinPage(pid)
		return fmt.Errorf("heap: mark_delete: rid %v not found", rid)
	}
	if err := sp.DeleteRecord(int(rid.Slot)); err != nil {
		h.p.UnpinPage(pid)
		return err
	}
	pager.SetPageCRC(buf)
	err = h.p.WritePage(t.ID, pid, buf)
	h.p.UnpinPage(pid)
	return err
}

// ApplyDelete finalizes a mark_delete at transaction commit. The tombstone
// was already durable when MarkDelete's WritePage was logged, so this is a
// no-op placeholder kept for symmetry with spec §4.7's four-verb delete
// protocol — nothing further needs to happen on commit since this heap
// never reclaims tombstoned space outside of the B+Tree's own compaction.
func (h *TableHeap) ApplyDelete(rid RID) error { return nil }

// RollbackDelete restores a tombstoned slot when its owning transaction
// aborts without a crash (the crash-recovery path instead goes through
// pager.AbortTx's before-image restore, which arrives at the same page
// state through the WAL rather than by re-inserting this tuple).
func (h *TableHeap) RollbackDelete(ctx context.Context, t *txn.Txn, rid RID, tup value.Tuple) error {
	enc, err := value.Encode(h.schema, tup)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pid := pager.PageID(rid.PageID)
	buf, err := h.p.ReadPage(pid)
	if err != nil {
		return err
	}
	sp := pager.WrapSlottedPage(buf)
	if int(rid.Slot) >= sp.SlotCount() {
		h.p.UnpinPage(pid)
		return fmt.Errorf("heap: rollback_delete: rid %v out of range", rid)
	}
	// A tombstone slot reports Length 0, so UpdateRecord always takes its
	// "does not fit in place" branch here: it places the record in fresh
	// page space but keeps the same slot index, which is exactly what
	// restoring rid requires.
	if err := sp.UpdateRecord(int(rid.Slot), enc); err != nil {
		h.p.UnpinPage(pid)
		return err
	}
	pager.SetPageCRC(buf)
	err = h.p.WritePage(t.ID, pid, buf)
	h.p.UnpinPage(pid)
	return err
}

// Scan yields every live (non-tombstoned) tuple in physical order,
// skipping tombstones, per spec §4.7.
func (h *TableHeap) Scan(ctx context.Context, t *txn.Txn, fn func(rid RID, tup value.Tuple) (bool, error)) error {
	if err := h.txm.LockTable(ctx, t, lock.IS, h.table); err != nil {
		return err
	}

	pid := h.firstPage
	for pid != pager.InvalidPageID {
		buf, err := h.p.ReadPage(pid)
		if err != nil {
			return err
		}
		sp := pager.WrapSlottedPage(buf)
		sc := sp.SlotCount()
		next := getNextPage(buf)
		for i := 0; i < sc; i++ {
			if sp.IsDeleted(i) {
				continue
			}
			rid := RID{PageID: uint32(pid), Slot: uint16(i)}
			if err := h.txm.LockRow(ctx, t, lock.S, h.table, rid); err != nil {
				h.p.UnpinPage(pid)
				return err
			}
			tup, err := value.Decode(h.schema, sp.GetRecord(i))
			if err != nil {
				h.p.UnpinPage(pid)
				return err
			}
			cont, err := fn(rid, tup)
			h.txm.ReleaseReadLocks(t)
			if err != nil {
				h.p.UnpinPage(pid)
				return err
			}
			if !cont {
				h.p.UnpinPage(pid)
				return nil
			}
		}
		h.p.UnpinPage(pid)
		pid = next
	}
	return nil
}

// FreeAllPages walks the page chain and returns every page to the
// pager's free list. Called by DROP TABLE once the catalog entry is gone
// and nothing can reach these pages through a table scan anymore; it
// does not itself take a lock since the caller already holds the DDL
// serialization that makes this safe.
func (h *TableHeap) FreeAllPages() error {
	pid := h.firstPage
	for pid != pager.InvalidPageID {
		buf, err := h.p.ReadPage(pid)
		if err != nil {
			return err
		}
		next := getNextPage(buf)
		h.p.UnpinPage(pid)
		h.p.FreePage(pid)
		pid = next
	}
	return nil
}
