package exec

import (
	"context"
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/value"
)

func TestProjection_StarExpandsAllColumns(t *testing.T) {
	cols := []ColumnInfo{{Table: "t", Name: "id"}, {Table: "t", Name: "name"}}
	in := &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(1), value.NewVarchar("a")}, Cols: cols},
	}}
	p := &Projection{Input: in, Items: []plan.ProjItem{{Expr: &sql.StarExpr{}}}}
	if err := p.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(p.Columns()) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(p.Columns()))
	}
	row, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row: ok=%v err=%v", ok, err)
	}
	if row.Values[1].S != "a" {
		t.Fatalf("unexpected projected row %+v", row)
	}
}

func TestProjection_AliasNamesComputedColumn(t *testing.T) {
	cols := []ColumnInfo{{Name: "n"}}
	in := &fakeIter{cols: cols, rows: []Row{
		{Values: []value.Value{value.NewInt(2)}, Cols: cols},
	}}
	expr := &sql.BinaryExpr{Op: "*", L: &sql.ColumnRef{Name: "n"}, R: &sql.Literal{Val: value.NewInt(10)}}
	p := &Projection{Input: in, Items: []plan.ProjItem{{Expr: expr, Alias: "doubled"}}}
	if err := p.Init(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if p.Columns()[0].Name != "doubled" {
		t.Fatalf("expected alias 'doubled', got %q", p.Columns()[0].Name)
	}
	row, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatal(err)
	}
	if row.Values[0].F64 != 20 {
		t.Fatalf("expected 20, got %v", row.Values[0])
	}
}
