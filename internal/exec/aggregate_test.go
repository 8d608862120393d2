package exec

import (
	"context"
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/value"
)

func ordersForAgg() *fakeIter {
	cols := []ColumnInfo{{Table: "o", Name: "uid"}, {Table: "o", Name: "total"}}
	return &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(1), value.NewDouble(10)}, Cols: cols},
		{Values: []value.Value{value.NewInt(1), value.NewDouble(20)}, Cols: cols},
		{Values: []value.Value{value.NewInt(2), value.NewDouble(5)}, Cols: cols},
	}}
}

func TestAggregate_GroupBySumsPerGroup(t *testing.T) {
	a := &Aggregate{
		Input:   ordersForAgg(),
		GroupBy: []sql.Expr{&sql.ColumnRef{Table: "o", Name: "uid"}},
		Aggs:    []plan.AggFunc{{Func: "SUM", Arg: &sql.ColumnRef{Table: "o", Name: "total"}}},
	}
	if err := a.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	sums := map[int32]float64{}
	for {
		row, ok, err := a.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		sums[row.Values[0].I32] = row.Values[1].F64
	}
	if sums[1] != 30 || sums[2] != 5 {
		t.Fatalf("unexpected group sums: %v", sums)
	}
}

func TestAggregate_EmptyInputNoGroupByYieldsOneRow(t *testing.T) {
	cols := []ColumnInfo{{Table: "o", Name: "total"}}
	a := &Aggregate{
		Input: &fakeIter{cols: cols},
		Aggs: []plan.AggFunc{
			{Func: "COUNT", Star: true},
			{Func: "SUM", Arg: &sql.ColumnRef{Table: "o", Name: "total"}},
		},
	}
	if err := a.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	row, ok, err := a.Next()
	if err != nil || !ok {
		t.Fatalf("expected exactly one row over empty input, ok=%v err=%v", ok, err)
	}
	if row.Values[0].I64 != 0 {
		t.Fatalf("expected COUNT(*) = 0, got %v", row.Values[0])
	}
	if !row.Values[1].IsNull() {
		t.Fatalf("expected SUM over empty input to be NULL per spec, got %v", row.Values[1])
	}
	if _, ok, _ := a.Next(); ok {
		t.Fatal("expected exactly one synthesized row")
	}
}

func TestAggregate_HavingFiltersGroups(t *testing.T) {
	a := &Aggregate{
		Input:   ordersForAgg(),
		GroupBy: []sql.Expr{&sql.ColumnRef{Table: "o", Name: "uid"}},
		Aggs:    []plan.AggFunc{{Func: "SUM", Arg: &sql.ColumnRef{Table: "o", Name: "total"}}},
		Having: &sql.BinaryExpr{
			Op: ">",
			L:  &sql.AggExpr{Func: "SUM", Arg: &sql.ColumnRef{Table: "o", Name: "total"}},
			R:  &sql.Literal{Val: value.NewInt(10)},
		},
	}
	if err := a.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	var kept []int32
	for {
		row, ok, err := a.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		kept = append(kept, row.Values[0].I32)
	}
	if len(kept) != 1 || kept[0] != 1 {
		t.Fatalf("expected only group uid=1 (sum 30 > 10) to survive HAVING, got %v", kept)
	}
}

func TestAccumulator_MinMaxIgnoreNulls(t *testing.T) {
	fn := &plan.AggFunc{Func: "MIN", Arg: &sql.ColumnRef{Name: "n"}}
	acc := newAccumulator(fn)
	cols := []ColumnInfo{{Name: "n"}}
	rows := []Row{
		{Values: []value.Value{value.NullValue}, Cols: cols},
		{Values: []value.Value{value.NewInt(5)}, Cols: cols},
		{Values: []value.Value{value.NewInt(2)}, Cols: cols},
	}
	for _, r := range rows {
		if err := acc.add(r); err != nil {
			t.Fatal(err)
		}
	}
	res := acc.result()
	if res.I32 != 2 {
		t.Fatalf("expected MIN to ignore NULL and return 2, got %v", res)
	}
}
