package engine

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/exec"
	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/heap"
	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// execCreateTable resolves the CREATE-TABLE-before-the-OID-exists
// ordering problem: heap.CreateTableHeap needs a lock.TableOID as the
// new table's row-lock identity before catalog.CreateTable has assigned
// one, since CreateTable itself requires the heap's FirstPage as an
// input. ddlMu makes PeekNextTableOID's result and CreateTable's actual
// assignment agree — nothing else can run CreateTable between the peek
// and the heap's creation.
func (e *Engine) execCreateTable(t *txn.Txn, stmt *sql.CreateTable, diag string) (*Result, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	cols := make([]catalog.ColumnMeta, len(stmt.Columns))
	for i, c := range stmt.Columns {
		cols[i] = catalog.ColumnMeta{
			Name: c.Name, Type: c.Type, DeclLen: c.DeclLen,
			Nullable: c.Nullable, PK: c.PK, Unique: c.Unique,
		}
	}
	schema := (&catalog.TableMeta{Columns: cols}).Schema()

	peeked := e.cat.PeekNextTableOID()
	h, err := heap.CreateTableHeap(e.p, e.txm, t, schema, lock.TableOID(peeked))
	if err != nil {
		return nil, fmt.Errorf("engine: create table heap: %w", err)
	}

	tm, err := e.cat.CreateTable(t.ID, stmt.Name, cols, h.FirstPage())
	if err != nil {
		return nil, fmt.Errorf("engine: create table: %w", err)
	}
	if tm.OID != peeked {
		// Can only happen if a caller bypassed ddlMu; fail loudly rather
		// than register the heap under the wrong lock identity.
		return nil, fmt.Errorf("engine: table oid race: peeked %d, catalog assigned %d", peeked, tm.OID)
	}

	e.registerTable(tm.OID, h)
	e.planCache.Clear()
	return &Result{DiagnosticID: diag}, nil
}

// execDropTable drops every index on the table first (so no dangling
// IndexMeta points at a freed heap), then the table's catalog entry and
// its heap pages, per spec.md §4.9.
func (e *Engine) execDropTable(t *txn.Txn, stmt *sql.DropTable, diag string) (*Result, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	tm, ok := e.cat.GetTable(stmt.Name)
	if !ok {
		return nil, catalog.ErrTableNotFound
	}

	indexes, err := e.idx.ListIndexesForTable(tm.OID)
	if err != nil {
		return nil, fmt.Errorf("engine: list indexes for drop table: %w", err)
	}
	for _, im := range indexes {
		if err := e.dropIndexTree(t, im); err != nil {
			return nil, err
		}
		if err := e.idx.DropIndex(t.ID, im.Name); err != nil {
			return nil, fmt.Errorf("engine: drop index metadata: %w", err)
		}
	}

	h, err := e.Heap(tm.OID)
	if err != nil {
		return nil, err
	}
	if err := e.cat.DropTable(t.ID, stmt.Name); err != nil {
		return nil, fmt.Errorf("engine: drop table: %w", err)
	}
	if err := h.FreeAllPages(); err != nil {
		return nil, fmt.Errorf("engine: free table pages: %w", err)
	}
	e.unregisterTable(tm.OID)
	e.planCache.Clear()
	return &Result{DiagnosticID: diag}, nil
}

// execCreateIndex builds a new secondary index's own B+Tree, backfills it
// over every existing row in the table (spec.md §4.3's requirement that
// CREATE INDEX reflects current data, not only future writes), and
// persists the IndexMeta.
func (e *Engine) execCreateIndex(t *txn.Txn, stmt *sql.CreateIndex, diag string) (*Result, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	tm, ok := e.cat.GetTable(stmt.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrTableNotFound, stmt.Table)
	}
	schema := tm.Schema()
	keyAttrs := make([]int, len(stmt.Columns))
	for i, colName := range stmt.Columns {
		pos, err := schema.IndexOf(colName)
		if err != nil {
			return nil, fmt.Errorf("engine: create index: %w", err)
		}
		keyAttrs[i] = pos
	}

	oid, err := e.cat.NextIndexOID(t.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: allocate index oid: %w", err)
	}
	tree, err := pager.CreateBTree(e.p, t.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: create index tree: %w", err)
	}

	h, err := e.Heap(tm.OID)
	if err != nil {
		return nil, err
	}
	if err := h.Scan(context.Background(), t, func(rid heap.RID, tup value.Tuple) (bool, error) {
		key := indexKeyFor(tup, keyAttrs)
		if key == nil {
			return true, nil // a NULL key attribute is excluded from the index
		}
		if err := tree.Insert(t.ID, key, exec.EncodeRID(rid)); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("engine: backfill index: %w", err)
	}

	meta := catalog.IndexMeta{
		OID: oid, Name: stmt.Name, TableOID: tm.OID,
		KeyAttrs: keyAttrs, Unique: stmt.Unique, RootPage: tree.Root(),
	}
	if err := e.idx.CreateIndex(t.ID, meta); err != nil {
		return nil, fmt.Errorf("engine: persist index metadata: %w", err)
	}
	e.planCache.Clear()
	return &Result{DiagnosticID: diag}, nil
}

// execDropIndex removes an index's metadata and frees its B+Tree pages.
func (e *Engine) execDropIndex(t *txn.Txn, stmt *sql.DropIndex, diag string) (*Result, error) {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()

	im, found, err := e.idx.GetIndex(stmt.Name)
	if err != nil {
		return nil, fmt.Errorf("engine: drop index: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("engine: drop index: %s not found", stmt.Name)
	}
	if err := e.dropIndexTree(t, *im); err != nil {
		return nil, err
	}
	if err := e.idx.DropIndex(t.ID, stmt.Name); err != nil {
		return nil, fmt.Errorf("engine: drop index metadata: %w", err)
	}
	e.planCache.Clear()
	return &Result{DiagnosticID: diag}, nil
}

func (e *Engine) dropIndexTree(_ *txn.Txn, im catalog.IndexMeta) error {
	tree := pager.NewBTree(e.p, im.RootPage)
	tree.FreeAllPages()
	return nil
}
