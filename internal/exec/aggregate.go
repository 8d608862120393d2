package exec

import (
	"context"
	"fmt"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// aggNameParts names one aggregate's output column, e.g. `SUM(total)` or
// `COUNT(*)`, shared by aggDisplayName (the sql.AggExpr a parser produces)
// and planAggDisplayName (the plan.AggFunc Build carries into Aggregate),
// since both name the exact same function/arg/star triple.
func aggNameParts(fn string, arg sql.Expr, star bool) string {
	if star {
		return fn + "(*)"
	}
	return fn + "(" + exprDisplayName(arg) + ")"
}

// aggDisplayName names the output column evalExpr's AggExpr case reads
// an aggregate's result back out of a row by.
func aggDisplayName(a *sql.AggExpr) string { return aggNameParts(a.Func, a.Arg, a.Star) }

// planAggDisplayName is aggDisplayName for a plan.AggFunc, the type
// Aggregate.Aggs is built from — kept distinct since plan.AggFunc and
// sql.AggExpr are unrelated types despite sharing the same shape.
func planAggDisplayName(fn *plan.AggFunc) string { return aggNameParts(fn.Func, fn.Arg, fn.Star) }

func groupByColumnInfo(e sql.Expr) ColumnInfo {
	if cr, ok := e.(*sql.ColumnRef); ok {
		return ColumnInfo{Table: cr.Table, Name: cr.Name}
	}
	return ColumnInfo{Name: exprDisplayName(e)}
}

// accumulator incrementally folds one aggregate function over a group's
// rows, grounded on engine/exec.go's evalAggregateCount/SumAvg/MinMax but
// streaming (one row at a time, via add) instead of re-scanning a
// buffered []Row per function call, since this Aggregate already holds
// every group's member rows itself.
type accumulator struct {
	fn    *plan.AggFunc
	count int64   // non-NULL values seen (COUNT); all rows seen (COUNT(*))
	sum   float64 // SUM/AVG
	ext   value.Value
	haveExt bool // MIN/MAX seen at least one non-NULL value
}

func newAccumulator(fn *plan.AggFunc) *accumulator { return &accumulator{fn: fn} }

func (a *accumulator) add(row Row) error {
	if a.fn.Star {
		a.count++ // COUNT(*) only
		return nil
	}
	v, err := evalExpr(row, a.fn.Arg)
	if err != nil {
		return err
	}
	if v.IsNull() {
		return nil
	}
	switch a.fn.Func {
	case "COUNT":
		a.count++
	case "SUM", "AVG":
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("exec: %s expects a numeric argument", a.fn.Func)
		}
		a.sum += f
		a.count++
	case "MIN":
		if !a.haveExt {
			a.ext, a.haveExt = v, true
			return nil
		}
		if cmp, err := value.Compare(v, a.ext); err == nil && cmp < 0 {
			a.ext = v
		}
	case "MAX":
		if !a.haveExt {
			a.ext, a.haveExt = v, true
			return nil
		}
		if cmp, err := value.Compare(v, a.ext); err == nil && cmp > 0 {
			a.ext = v
		}
	default:
		return fmt.Errorf("exec: unknown aggregate function %q", a.fn.Func)
	}
	return nil
}

// result implements spec.md's aggregate NULL-handling: "COUNT(*) equals
// the number of input rows; SUM/AVG/MIN/MAX over non-empty, all-non-null
// inputs match the mathematical definitions; empty input yields COUNT=0,
// others NULL" — a deliberate deviation from engine/exec.go's
// evalAggregateSumAvg, which always returns a float (defaulting SUM to
// 0 rather than NULL on no matching rows).
func (a *accumulator) result() value.Value {
	switch a.fn.Func {
	case "COUNT":
		return value.NewBigInt(a.count)
	case "SUM":
		if a.count == 0 {
			return value.NullValue
		}
		return value.NewDouble(a.sum)
	case "AVG":
		if a.count == 0 {
			return value.NullValue
		}
		return value.NewDouble(a.sum / float64(a.count))
	case "MIN", "MAX":
		if !a.haveExt {
			return value.NullValue
		}
		return a.ext
	default:
		return value.NullValue
	}
}

// group is one GROUP BY bucket: its key columns' values plus one
// accumulator per aggregate function.
type group struct {
	keyVals []value.Value
	accs    []*accumulator
}

// Aggregate groups Input by GroupBy and computes Aggs per group, applying
// Having as a post-grouping filter — per spec.md §4.12. An absent
// GroupBy produces exactly one output row even over zero input rows,
// except that its COUNT(*) aggregates still read 0 rather than being
// suppressed entirely; a present, non-empty GroupBy with zero matching
// input rows produces zero groups, standard SQL behavior.
type Aggregate struct {
	Input   Iterator
	GroupBy []sql.Expr
	Aggs    []plan.AggFunc
	Having  sql.Expr

	cols    []ColumnInfo
	results []Row
	pos     int
}

func (a *Aggregate) Columns() []ColumnInfo {
	if a.cols == nil {
		for _, g := range a.GroupBy {
			a.cols = append(a.cols, groupByColumnInfo(g))
		}
		for i := range a.Aggs {
			a.cols = append(a.cols, ColumnInfo{Name: planAggDisplayName(&a.Aggs[i])})
		}
	}
	return a.cols
}

func (a *Aggregate) Init(ctx context.Context, tx *txn.Txn) error {
	if err := a.Input.Init(ctx, tx); err != nil {
		return err
	}
	a.Columns()

	groups := make(map[string]*group)
	var order []*group
	sawAnyRow := false

	for {
		row, ok, err := a.Input.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		sawAnyRow = true

		keyVals := make([]value.Value, len(a.GroupBy))
		keyStr := ""
		for i, g := range a.GroupBy {
			v, err := evalExpr(row, g)
			if err != nil {
				return err
			}
			keyVals[i] = v
			keyStr += "\x1f" + hashKeyOf(v)
		}
		grp, ok := groups[keyStr]
		if !ok {
			grp = &group{keyVals: keyVals}
			for i := range a.Aggs {
				grp.accs = append(grp.accs, newAccumulator(&a.Aggs[i]))
			}
			groups[keyStr] = grp
			order = append(order, grp)
		}
		for _, acc := range grp.accs {
			if err := acc.add(row); err != nil {
				return err
			}
		}
	}
	if err := a.Input.Close(); err != nil {
		return err
	}

	if len(a.GroupBy) == 0 && !sawAnyRow {
		grp := &group{}
		for i := range a.Aggs {
			grp.accs = append(grp.accs, newAccumulator(&a.Aggs[i]))
		}
		order = append(order, grp)
	}

	a.results = a.results[:0]
	for _, grp := range order {
		vals := append([]value.Value{}, grp.keyVals...)
		for _, acc := range grp.accs {
			vals = append(vals, acc.result())
		}
		row := Row{Values: vals, Cols: a.cols}
		keep, err := evalPredicate(row, a.Having)
		if err != nil {
			return err
		}
		if keep {
			a.results = append(a.results, row)
		}
	}
	a.pos = 0
	return nil
}

func (a *Aggregate) Next() (Row, bool, error) {
	if a.pos >= len(a.results) {
		return Row{}, false, nil
	}
	row := a.results[a.pos]
	a.pos++
	return row, true, nil
}

func (a *Aggregate) Close() error { return nil }
