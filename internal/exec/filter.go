package exec

import (
	"context"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/txn"
)

// Filter keeps only rows for which Predicate evaluates three-valued true,
// per spec.md's Value section ("a predicate yielding unknown excludes the
// row") and plan.Filter.
type Filter struct {
	Input     Iterator
	Predicate sql.Expr
}

func (f *Filter) Columns() []ColumnInfo { return f.Input.Columns() }

func (f *Filter) Init(ctx context.Context, tx *txn.Txn) error { return f.Input.Init(ctx, tx) }

func (f *Filter) Next() (Row, bool, error) {
	for {
		row, ok, err := f.Input.Next()
		if err != nil || !ok {
			return Row{}, false, err
		}
		keep, err := evalPredicate(row, f.Predicate)
		if err != nil {
			return Row{}, false, err
		}
		if keep {
			return row, true, nil
		}
	}
}

func (f *Filter) Close() error { return f.Input.Close() }
