package engine

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/exec"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// indexHooks implements exec.Hooks, keeping every secondary index on one
// table in sync with its heap as ExecInsert/ExecUpdate/ExecDelete run, per
// spec.md §4.3's "every DML statement also updates every secondary index
// on the table". internal/exec only ever sees this through the narrow
// Hooks interface, so it never needs to know catalog.IndexCatalog exists.
type indexHooks struct {
	txID    pager.TxID
	indexes []boundIndex
}

// boundIndex pairs an index's metadata with its already-opened B+Tree, so
// a DML statement touching many rows doesn't reopen the tree per row.
type boundIndex struct {
	meta catalog.IndexMeta
	tree *pager.BTree
}

func (e *Engine) loadIndexHooks(txID pager.TxID, tableOID uint32) (*indexHooks, error) {
	metas, err := e.idx.ListIndexesForTable(tableOID)
	if err != nil {
		return nil, fmt.Errorf("engine: list indexes: %w", err)
	}
	if len(metas) == 0 {
		return nil, nil
	}
	h := &indexHooks{txID: txID}
	for _, m := range metas {
		h.indexes = append(h.indexes, boundIndex{meta: m, tree: pager.NewBTree(e.p, m.RootPage)})
	}
	return h, nil
}

func (h *indexHooks) AfterInsert(row exec.Row) error {
	if h == nil {
		return nil
	}
	for _, bi := range h.indexes {
		key := indexKeyFor(value.NewTuple(row.Values), bi.meta.KeyAttrs)
		if key == nil {
			continue
		}
		if err := bi.tree.Insert(h.txID, key, exec.EncodeRID(row.RID)); err != nil {
			return fmt.Errorf("engine: index %s insert: %w", bi.meta.Name, err)
		}
	}
	return nil
}

func (h *indexHooks) AfterUpdate(old, new exec.Row) error {
	if h == nil {
		return nil
	}
	for _, bi := range h.indexes {
		oldKey := indexKeyFor(value.NewTuple(old.Values), bi.meta.KeyAttrs)
		newKey := indexKeyFor(value.NewTuple(new.Values), bi.meta.KeyAttrs)
		if oldKey != nil {
			if _, err := bi.tree.Delete(h.txID, oldKey); err != nil {
				return fmt.Errorf("engine: index %s delete stale key: %w", bi.meta.Name, err)
			}
		}
		if newKey != nil {
			if err := bi.tree.Insert(h.txID, newKey, exec.EncodeRID(new.RID)); err != nil {
				return fmt.Errorf("engine: index %s insert updated key: %w", bi.meta.Name, err)
			}
		}
	}
	return nil
}

func (h *indexHooks) AfterDelete(row exec.Row) error {
	if h == nil {
		return nil
	}
	for _, bi := range h.indexes {
		key := indexKeyFor(value.NewTuple(row.Values), bi.meta.KeyAttrs)
		if key == nil {
			continue
		}
		if _, err := bi.tree.Delete(h.txID, key); err != nil {
			return fmt.Errorf("engine: index %s delete: %w", bi.meta.Name, err)
		}
	}
	return nil
}

func (e *Engine) execInsert(ctx context.Context, t *txn.Txn, n *plan.Insert, diag string) (*Result, error) {
	hooks, err := e.loadIndexHooks(t.ID, n.Table.OID)
	if err != nil {
		return nil, err
	}
	res, err := exec.ExecInsert(ctx, t, n, e, asHooks(hooks))
	if err != nil {
		return nil, fmt.Errorf("engine: insert: %w", err)
	}
	return &Result{RowsAffected: res.RowsAffected, DiagnosticID: diag}, nil
}

func (e *Engine) execUpdate(ctx context.Context, t *txn.Txn, n *plan.Update, diag string) (*Result, error) {
	hooks, err := e.loadIndexHooks(t.ID, n.Table.OID)
	if err != nil {
		return nil, err
	}
	res, err := exec.ExecUpdate(ctx, t, n, e, asHooks(hooks))
	if err != nil {
		return nil, fmt.Errorf("engine: update: %w", err)
	}
	return &Result{RowsAffected: res.RowsAffected, DiagnosticID: diag}, nil
}

func (e *Engine) execDelete(ctx context.Context, t *txn.Txn, n *plan.Delete, diag string) (*Result, error) {
	hooks, err := e.loadIndexHooks(t.ID, n.Table.OID)
	if err != nil {
		return nil, err
	}
	res, err := exec.ExecDelete(ctx, t, n, e, asHooks(hooks))
	if err != nil {
		return nil, fmt.Errorf("engine: delete: %w", err)
	}
	return &Result{RowsAffected: res.RowsAffected, DiagnosticID: diag}, nil
}

// asHooks turns a possibly-nil *indexHooks into an exec.Hooks that is
// itself nil when there's nothing to maintain — (*indexHooks)(nil) fails
// a `hooks != nil` interface check otherwise, since a nil pointer boxed in
// a non-nil interface value is itself non-nil.
func asHooks(h *indexHooks) exec.Hooks {
	if h == nil {
		return nil
	}
	return h
}
