package exec

import (
	"context"
	"sort"

	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/txn"
)

// Sort is a blocking operator: Init drains Input entirely, orders the
// buffered rows by Keys, and Next replays them one at a time — per
// spec.md §4.12 ("Sort is blocking"). Ties break by input (scan) order,
// via sort.SliceStable, matching the stable-sort behavior engine/exec.go
// relies on (sort.SliceStable) for its own ORDER BY.
//
// Ordering for each key uses compareForSort: value.Compare's total order
// (NULL sorts first under ASC, last under DESC — the standard SQL
// NULLS FIRST/LAST-by-direction default) except for a VARCHAR/VARCHAR
// pair, which goes through DefaultCollator instead of raw byte
// comparison. (The teacher's engine/exec.go instead always places NULLs
// last regardless of direction and never collates; this build's Value
// type predates this executor and was already grounded on the
// conventional total order, so Sort follows Value's own ordering rather
// than carrying the teacher's direction-blind placement forward.)
type Sort struct {
	Input Iterator
	Keys  []plan.SortKey

	rows []Row
	pos  int
}

func (s *Sort) Columns() []ColumnInfo { return s.Input.Columns() }

func (s *Sort) Init(ctx context.Context, tx *txn.Txn) error {
	if err := s.Input.Init(ctx, tx); err != nil {
		return err
	}
	s.rows = s.rows[:0]
	for {
		row, ok, err := s.Input.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s.rows = append(s.rows, row)
	}
	var sortErr error
	sort.SliceStable(s.rows, func(i, j int) bool {
		less, err := s.less(s.rows[i], s.rows[j])
		if err != nil {
			sortErr = err
		}
		return less
	})
	s.pos = 0
	return sortErr
}

func (s *Sort) less(a, b Row) (bool, error) {
	for _, k := range s.Keys {
		av, err := evalExpr(a, k.Expr)
		if err != nil {
			return false, err
		}
		bv, err := evalExpr(b, k.Expr)
		if err != nil {
			return false, err
		}
		cmp, err := compareForSort(av, bv)
		if err != nil {
			return false, err
		}
		if cmp == 0 {
			continue
		}
		if k.Desc {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	}
	return false, nil
}

func (s *Sort) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *Sort) Close() error { return s.Input.Close() }

// Limit caps Input at N rows. It stops pulling once N rows have been
// produced; the caller's Close (which Limit forwards to Input) is what
// actually unblocks an in-flight SeqScan goroutine still waiting to send.
type Limit struct {
	Input Iterator
	N     int64

	emitted int64
}

func (l *Limit) Columns() []ColumnInfo { return l.Input.Columns() }

func (l *Limit) Init(ctx context.Context, tx *txn.Txn) error {
	l.emitted = 0
	return l.Input.Init(ctx, tx)
}

func (l *Limit) Next() (Row, bool, error) {
	if l.emitted >= l.N {
		return Row{}, false, nil
	}
	row, ok, err := l.Input.Next()
	if err != nil || !ok {
		return Row{}, false, err
	}
	l.emitted++
	return row, true, nil
}

func (l *Limit) Close() error { return l.Input.Close() }
