package exec

import (
	"context"
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/value"
)

func TestSort_OrdersByKeyAscending(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	in := &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(3)}, Cols: cols},
		{Values: []value.Value{value.NewInt(1)}, Cols: cols},
		{Values: []value.Value{value.NewInt(2)}, Cols: cols},
	}}
	s := &Sort{Input: in, Keys: []plan.SortKey{{Expr: &sql.ColumnRef{Name: "n"}}}}
	if err := s.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	var got []int32
	for {
		row, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, row.Values[0].I32)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected ascending [1 2 3], got %v", got)
	}
}

func TestSort_NullsFirstAscending(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	in := &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(1)}, Cols: cols},
		{Values: []value.Value{value.NullValue}, Cols: cols},
	}}
	s := &Sort{Input: in, Keys: []plan.SortKey{{Expr: &sql.ColumnRef{Name: "n"}}}}
	s.Init(context.Background(), nil)
	row, _, _ := s.Next()
	if !row.Values[0].IsNull() {
		t.Fatal("expected NULL to sort first under ASC, per value.Compare's total order")
	}
}

func TestSort_DescReversesOrder(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	in := &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(1)}, Cols: cols},
		{Values: []value.Value{value.NewInt(3)}, Cols: cols},
		{Values: []value.Value{value.NewInt(2)}, Cols: cols},
	}}
	s := &Sort{Input: in, Keys: []plan.SortKey{{Expr: &sql.ColumnRef{Name: "n"}, Desc: true}}}
	s.Init(context.Background(), nil)
	var got []int32
	for {
		row, ok, _ := s.Next()
		if !ok {
			break
		}
		got = append(got, row.Values[0].I32)
	}
	if got[0] != 3 || got[1] != 2 || got[2] != 1 {
		t.Fatalf("expected descending [3 2 1], got %v", got)
	}
}

func TestLimit_CapsRowCount(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	rows := make([]Row, 0, 10)
	for i := int32(0); i < 10; i++ {
		rows = append(rows, Row{Values: []value.Value{value.NewInt(i)}, Cols: cols})
	}
	in := &fakeIter{cols: cols, rows: rows}
	l := &Limit{Input: in, N: 3}
	if err := l.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		_, ok, err := l.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected exactly 3 rows, got %d", count)
	}
}
