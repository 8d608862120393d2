package exec

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/heap"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// Result is what Run/ExecInsert/ExecUpdate/ExecDelete hand back to
// internal/engine: either a row set (Columns/Rows, for SELECT) or an
// affected-row count (RowsAffected, for INSERT/UPDATE/DELETE), matching
// spec.md §6's QueryResult shape at the boundary between this package and
// the facade.
type Result struct {
	Columns      []string
	Rows         [][]value.Value
	RowsAffected int64
}

// Build translates a read-only logical plan.Node into an Iterator tree.
// DDL and DML terminal nodes (Insert/Update/Delete, CreateTable, ...) are
// not handled here — internal/engine dispatches those directly, since
// DDL needs live catalog/pager access this package deliberately does not
// hold, and DML's row mutation (ExecInsert/ExecUpdate/ExecDelete below)
// only needs Tables, not a generic Iterator shape.
func Build(node plan.Node, tables Tables) (Iterator, error) {
	switch n := node.(type) {
	case *plan.TableScan:
		h, err := tables.Heap(n.Table.OID)
		if err != nil {
			return nil, err
		}
		alias := n.Alias
		if alias == "" {
			alias = n.Table.Name
		}
		return NewSeqScan(h, n.Schema, alias), nil

	case *plan.Filter:
		in, err := Build(n.Input, tables)
		if err != nil {
			return nil, err
		}
		return &Filter{Input: in, Predicate: n.Predicate}, nil

	case *plan.Projection:
		in, err := Build(n.Input, tables)
		if err != nil {
			return nil, err
		}
		return &Projection{Input: in, Items: n.Items}, nil

	case *plan.Join:
		left, err := Build(n.Left, tables)
		if err != nil {
			return nil, err
		}
		right, err := Build(n.Right, tables)
		if err != nil {
			return nil, err
		}
		if n.Algo == plan.HashJoin {
			return &HashJoin{Left: left, Right: right, On: n.On, LeftOuter: n.LeftOuter, EqLeft: n.EqLeft, EqRight: n.EqRight}, nil
		}
		return &NestedLoopJoin{Left: left, Right: right, On: n.On, LeftOuter: n.LeftOuter}, nil

	case *plan.Aggregate:
		in, err := Build(n.Input, tables)
		if err != nil {
			return nil, err
		}
		return &Aggregate{Input: in, GroupBy: n.GroupBy, Aggs: n.Aggs, Having: n.Having}, nil

	case *plan.Sort:
		in, err := Build(n.Input, tables)
		if err != nil {
			return nil, err
		}
		return &Sort{Input: in, Keys: n.Keys}, nil

	case *plan.Limit:
		in, err := Build(n.Input, tables)
		if err != nil {
			return nil, err
		}
		return &Limit{Input: in, N: n.N}, nil

	default:
		return nil, fmt.Errorf("exec: %T is not a read-path plan node", node)
	}
}

// Run drives it to completion and materializes every row into a Result,
// for the SELECT path. internal/engine owns Init/Close around this call
// so a caller that wants streaming results can skip Run and drive the
// Iterator directly instead.
func Run(ctx context.Context, tx *txn.Txn, it Iterator) (*Result, error) {
	if err := it.Init(ctx, tx); err != nil {
		return nil, err
	}
	defer it.Close()

	cols := it.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	res := &Result{Columns: names}
	for {
		row, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		res.Rows = append(res.Rows, row.Values)
	}
	return res, nil
}

// Tables resolves a catalog table OID to its open heap — the one piece
// of runtime state Build/ExecInsert/ExecUpdate/ExecDelete need beyond
// what plan.Node already carries.
type Tables interface {
	Heap(tableOID uint32) (*heap.TableHeap, error)
}

// Hooks lets a caller observe each row a DML statement mutates, without
// this package needing to know secondary indexes exist at all. nil Hooks
// (or a nil method receiver) is valid and means "no observer" — every
// ExecInsert/ExecUpdate/ExecDelete call below nil-checks before calling.
// internal/engine implements this to keep its indexes in sync with the
// heap, per spec.md §4.3's "every DML statement also updates every
// secondary index on the table".
type Hooks interface {
	AfterInsert(row Row) error
	AfterUpdate(old, new Row) error
	AfterDelete(row Row) error
}

// ExecInsert evaluates n.Rows (VALUES literals) against n.Table's schema
// and inserts one tuple per row, per spec.md §4.12 ("Insert ... are
// terminal, ... mutate heap+indexes"). Secondary-index maintenance runs
// through hooks (nil for a caller that doesn't need it) rather than a
// hard dependency on a catalog type, keeping this package catalog-free.
func ExecInsert(ctx context.Context, tx *txn.Txn, n *plan.Insert, tables Tables, hooks Hooks) (*Result, error) {
	h, err := tables.Heap(n.Table.OID)
	if err != nil {
		return nil, err
	}
	schema := n.Table.Schema()

	positions := make([]int, len(schema.Cols))
	if len(n.Cols) == 0 {
		for i := range positions {
			positions[i] = i
		}
	} else {
		if len(n.Cols) > len(schema.Cols) {
			return nil, fmt.Errorf("exec: insert names more columns than %s has", n.Table.Name)
		}
		positions = make([]int, len(n.Cols))
		for i, name := range n.Cols {
			pos, err := schema.IndexOf(name)
			if err != nil {
				return nil, fmt.Errorf("exec: insert into %s: %w", n.Table.Name, err)
			}
			positions[i] = pos
		}
	}

	var affected int64
	for _, row := range n.Rows {
		if len(row) != len(positions) {
			return nil, fmt.Errorf("exec: insert row has %d values, expected %d", len(row), len(positions))
		}
		vals := make([]value.Value, len(schema.Cols))
		for i := range vals {
			vals[i] = value.NullValue
		}
		for i, expr := range row {
			v, err := evalExpr(Row{}, expr)
			if err != nil {
				return nil, err
			}
			vals[positions[i]] = v
		}
		if err := checkNotNull(schema.Cols, vals); err != nil {
			return nil, err
		}
		rid, err := h.Insert(ctx, tx, value.NewTuple(vals))
		if err != nil {
			return nil, err
		}
		if hooks != nil {
			if err := hooks.AfterInsert(Row{Values: vals, RID: rid}); err != nil {
				return nil, err
			}
		}
		affected++
	}
	return &Result{RowsAffected: affected}, nil
}

func checkNotNull(cols []value.Column, vals []value.Value) error {
	for i, c := range cols {
		if !c.Nullable && vals[i].IsNull() {
			return fmt.Errorf("exec: column %q is NOT NULL", c.Name)
		}
	}
	return nil
}

// ExecUpdate scans n.Input (typically Filter over a TableScan) and
// applies n.Sets to each row in place, per spec.md §4.12.
func ExecUpdate(ctx context.Context, tx *txn.Txn, n *plan.Update, tables Tables, hooks Hooks) (*Result, error) {
	h, err := tables.Heap(n.Table.OID)
	if err != nil {
		return nil, err
	}
	schema := n.Table.Schema()
	in, err := Build(n.Input, tables)
	if err != nil {
		return nil, err
	}
	if err := in.Init(ctx, tx); err != nil {
		return nil, err
	}
	defer in.Close()

	var affected int64
	for {
		row, ok, err := in.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		vals := append([]value.Value{}, row.Values...)
		for _, asn := range n.Sets {
			pos, err := schema.IndexOf(asn.Column)
			if err != nil {
				return nil, fmt.Errorf("exec: update %s: %w", n.Table.Name, err)
			}
			v, err := evalExpr(row, asn.Value)
			if err != nil {
				return nil, err
			}
			vals[pos] = v
		}
		if err := checkNotNull(schema.Cols, vals); err != nil {
			return nil, err
		}
		newRID, err := h.Update(ctx, tx, row.RID, value.NewTuple(vals))
		if err != nil {
			return nil, err
		}
		if hooks != nil {
			oldRow := Row{Values: row.Values, RID: row.RID}
			newRow := Row{Values: vals, RID: newRID}
			if err := hooks.AfterUpdate(oldRow, newRow); err != nil {
				return nil, err
			}
		}
		affected++
	}
	return &Result{RowsAffected: affected}, nil
}

// ExecDelete scans n.Input and tombstones each matching row, per
// spec.md §4.12 and the two-phase MarkDelete/ApplyDelete protocol
// internal/storage/heap implements.
func ExecDelete(ctx context.Context, tx *txn.Txn, n *plan.Delete, tables Tables, hooks Hooks) (*Result, error) {
	h, err := tables.Heap(n.Table.OID)
	if err != nil {
		return nil, err
	}
	in, err := Build(n.Input, tables)
	if err != nil {
		return nil, err
	}
	if err := in.Init(ctx, tx); err != nil {
		return nil, err
	}
	defer in.Close()

	var affected int64
	for {
		row, ok, err := in.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := h.MarkDelete(ctx, tx, row.RID); err != nil {
			return nil, err
		}
		if hooks != nil {
			if err := hooks.AfterDelete(row); err != nil {
				return nil, err
			}
		}
		affected++
	}
	return &Result{RowsAffected: affected}, nil
}
