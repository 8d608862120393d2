package exec

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

func combineRows(a, b Row) Row {
	vals := make([]value.Value, 0, len(a.Values)+len(b.Values))
	cols := make([]ColumnInfo, 0, len(a.Cols)+len(b.Cols))
	vals = append(vals, a.Values...)
	vals = append(vals, b.Values...)
	cols = append(cols, a.Cols...)
	cols = append(cols, b.Cols...)
	return Row{Values: vals, Cols: cols}
}

func nullRowFor(cols []ColumnInfo) Row {
	vals := make([]value.Value, len(cols))
	for i := range vals {
		vals[i] = value.NullValue
	}
	return Row{Values: vals, Cols: cols}
}

// NestedLoopJoin implements plan.Join with Algo == plan.NestedLoop: it
// re-initializes Right once per outer (Left) row, per spec.md §4.12, and
// for LeftOuter emits a NULL-padded row when no Right row matched On.
type NestedLoopJoin struct {
	Left, Right Iterator
	On          sql.Expr
	LeftOuter   bool

	ctx context.Context
	tx  *txn.Txn
	cols []ColumnInfo

	outerRow     Row
	matchedOuter bool
	haveOuter    bool
}

func (j *NestedLoopJoin) Columns() []ColumnInfo {
	if j.cols == nil {
		j.cols = append(append([]ColumnInfo{}, j.Left.Columns()...), j.Right.Columns()...)
	}
	return j.cols
}

func (j *NestedLoopJoin) Init(ctx context.Context, tx *txn.Txn) error {
	j.ctx, j.tx = ctx, tx
	j.cols = nil
	j.Columns()
	j.haveOuter = false
	return j.Left.Init(ctx, tx)
}

func (j *NestedLoopJoin) Next() (Row, bool, error) {
	for {
		if !j.haveOuter {
			row, ok, err := j.Left.Next()
			if err != nil || !ok {
				return Row{}, false, err
			}
			j.outerRow = row
			j.matchedOuter = false
			if err := j.Right.Init(j.ctx, j.tx); err != nil {
				return Row{}, false, err
			}
			j.haveOuter = true
		}

		rrow, ok, err := j.Right.Next()
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			j.haveOuter = false
			if j.LeftOuter && !j.matchedOuter {
				return combineRows(j.outerRow, nullRowFor(j.Right.Columns())), true, nil
			}
			continue
		}

		combined := combineRows(j.outerRow, rrow)
		keep, err := evalPredicate(combined, j.On)
		if err != nil {
			return Row{}, false, err
		}
		if keep {
			j.matchedOuter = true
			return combined, true, nil
		}
	}
}

func (j *NestedLoopJoin) Close() error {
	errL := j.Left.Close()
	errR := j.Right.Close()
	if errL != nil {
		return errL
	}
	return errR
}

// hashEntry is one buffered left-side row plus whether any right row has
// matched it yet, needed only for LeftOuter's unmatched-row pass.
type hashEntry struct {
	row     Row
	matched *bool
}

// HashJoin implements plan.Join with Algo == plan.HashJoin: it builds an
// in-memory hash table over Left keyed by EqLeft (or EqRight, whichever
// resolves against Left's columns) and probes it with each Right row, per
// spec.md §4.12 ("HashJoin builds on the left, probes on the right").
type HashJoin struct {
	Left, Right     Iterator
	On              sql.Expr
	LeftOuter       bool
	EqLeft, EqRight *sql.ColumnRef

	cols        []ColumnInfo
	buildKey    sql.Expr
	probeKey    sql.Expr
	table       map[string][]*hashEntry
	order       []*hashEntry
	rightDone   bool
	leftoverPos int

	bucket    []*hashEntry
	bucketPos int
	curRight  Row
}

func (j *HashJoin) Columns() []ColumnInfo {
	if j.cols == nil {
		j.cols = append(append([]ColumnInfo{}, j.Left.Columns()...), j.Right.Columns()...)
	}
	return j.cols
}

func resolvesIn(ref *sql.ColumnRef, cols []ColumnInfo) bool {
	for _, c := range cols {
		if !equalFoldName(c.Name, ref.Name) {
			continue
		}
		if ref.Table != "" && !equalFoldName(c.Table, ref.Table) {
			continue
		}
		return true
	}
	return false
}

func (j *HashJoin) Init(ctx context.Context, tx *txn.Txn) error {
	j.cols = nil
	j.Columns()

	leftCols, rightCols := j.Left.Columns(), j.Right.Columns()
	switch {
	case resolvesIn(j.EqLeft, leftCols) && resolvesIn(j.EqRight, rightCols):
		j.buildKey, j.probeKey = j.EqLeft, j.EqRight
	case resolvesIn(j.EqRight, leftCols) && resolvesIn(j.EqLeft, rightCols):
		j.buildKey, j.probeKey = j.EqRight, j.EqLeft
	default:
		return fmt.Errorf("exec: hash join equality columns do not resolve against either side")
	}

	if err := j.Left.Init(ctx, tx); err != nil {
		return err
	}
	j.table = make(map[string][]*hashEntry)
	j.order = j.order[:0]
	for {
		row, ok, err := j.Left.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		kv, err := evalExpr(row, j.buildKey)
		if err != nil {
			return err
		}
		entry := &hashEntry{row: row, matched: new(bool)}
		j.order = append(j.order, entry)
		if kv.IsNull() {
			continue // NULL never equals anything, per three-valued equality
		}
		key := hashKeyOf(kv)
		j.table[key] = append(j.table[key], entry)
	}
	if err := j.Left.Close(); err != nil {
		return err
	}

	j.rightDone = false
	j.leftoverPos = 0
	j.bucket = nil
	j.bucketPos = 0
	return j.Right.Init(ctx, tx)
}

func hashKeyOf(v value.Value) string {
	if f, ok := asFloat(v); ok {
		return fmt.Sprintf("#%v", f)
	}
	return "$" + v.String()
}

func (j *HashJoin) Next() (Row, bool, error) {
	for {
		for j.bucketPos < len(j.bucket) {
			entry := j.bucket[j.bucketPos]
			j.bucketPos++
			combined := combineRows(entry.row, j.curRight)
			keep, err := evalPredicate(combined, j.On)
			if err != nil {
				return Row{}, false, err
			}
			if keep {
				*entry.matched = true
				return combined, true, nil
			}
		}
		if !j.rightDone {
			rrow, ok, err := j.Right.Next()
			if err != nil {
				return Row{}, false, err
			}
			if !ok {
				j.rightDone = true
				continue
			}
			j.curRight = rrow
			pv, err := evalExpr(rrow, j.probeKey)
			if err != nil {
				return Row{}, false, err
			}
			j.bucket, j.bucketPos = nil, 0
			if !pv.IsNull() {
				j.bucket = j.table[hashKeyOf(pv)]
			}
			continue
		}
		if j.LeftOuter {
			for j.leftoverPos < len(j.order) {
				entry := j.order[j.leftoverPos]
				j.leftoverPos++
				if !*entry.matched {
					return combineRows(entry.row, nullRowFor(j.Right.Columns())), true, nil
				}
			}
		}
		return Row{}, false, nil
	}
}

func (j *HashJoin) Close() error { return j.Right.Close() }
