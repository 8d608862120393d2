package exec

import (
	"context"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// projItem is one resolved output column: either a pass-through of one
// input column (StarExpr expands to one projItem per input column) or a
// computed expression.
type projItem struct {
	expr sql.Expr
	name string
}

// Projection computes plan.Projection's Items over each input row, per
// spec.md §4.12. `*` expands to every column the input iterator exposes,
// resolved once at Init so Next stays a pure per-row evaluation loop.
type Projection struct {
	Input Iterator
	Items []plan.ProjItem

	items []projItem
	cols  []ColumnInfo
}

func (p *Projection) Columns() []ColumnInfo { return p.cols }

func (p *Projection) Init(ctx context.Context, tx *txn.Txn) error {
	if err := p.Input.Init(ctx, tx); err != nil {
		return err
	}
	inCols := p.Input.Columns()
	p.items = p.items[:0]
	p.cols = p.cols[:0]
	for _, it := range p.Items {
		if _, ok := it.Expr.(*sql.StarExpr); ok {
			for _, c := range inCols {
				ref := &sql.ColumnRef{Table: c.Table, Name: c.Name}
				p.items = append(p.items, projItem{expr: ref, name: c.Name})
				p.cols = append(p.cols, ColumnInfo{Name: c.Name})
			}
			continue
		}
		name := it.Alias
		if name == "" {
			name = exprDisplayName(it.Expr)
		}
		p.items = append(p.items, projItem{expr: it.Expr, name: name})
		p.cols = append(p.cols, ColumnInfo{Name: name})
	}
	return nil
}

func (p *Projection) Next() (Row, bool, error) {
	row, ok, err := p.Input.Next()
	if err != nil || !ok {
		return Row{}, false, err
	}
	vals := make([]value.Value, len(p.items))
	for i, it := range p.items {
		v, err := evalExpr(row, it.expr)
		if err != nil {
			return Row{}, false, err
		}
		vals[i] = v
	}
	return Row{Values: vals, Cols: p.cols, RID: row.RID}, true, nil
}

func (p *Projection) Close() error { return p.Input.Close() }

// exprDisplayName derives an unaliased projection column's display name,
// e.g. `id` for a bare column ref or the literal SQL operator for a
// computed expression, matching how the teacher's ResultSet labels
// unaliased computed columns.
func exprDisplayName(e sql.Expr) string {
	switch ex := e.(type) {
	case *sql.ColumnRef:
		return ex.Name
	case *sql.AggExpr:
		return aggDisplayName(ex)
	default:
		return "?column?"
	}
}
