package plan

import (
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/value"
)

// fakeCatalog is an in-memory stand-in for *catalog.Catalog so plan tests
// never need a live pager.
type fakeCatalog struct{ tables map[string]*catalog.TableMeta }

func (f *fakeCatalog) GetTable(name string) (*catalog.TableMeta, bool) {
	tm, ok := f.tables[name]
	return tm, ok
}

func newFakeCatalog() *fakeCatalog {
	users := &catalog.TableMeta{
		Name:      "users",
		OID:       1,
		FirstPage: pager.PageID(10),
		Columns: []catalog.ColumnMeta{
			{Name: "id", Type: value.Integer, PK: true},
			{Name: "name", Type: value.Varchar, Nullable: true},
		},
	}
	orders := &catalog.TableMeta{
		Name:      "orders",
		OID:       2,
		FirstPage: pager.PageID(20),
		Columns: []catalog.ColumnMeta{
			{Name: "uid", Type: value.Integer},
			{Name: "total", Type: value.Double},
		},
	}
	return &fakeCatalog{tables: map[string]*catalog.TableMeta{"users": users, "orders": orders}}
}

func mustParse(t *testing.T, s string) sql.Statement {
	t.Helper()
	stmt, err := sql.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return stmt
}

func TestBuild_SimpleScanFilterProjection(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT id, name FROM users WHERE id > 1")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	proj, ok := node.(*Projection)
	if !ok {
		t.Fatalf("expected *Projection at root, got %T", node)
	}
	if len(proj.Items) != 2 {
		t.Fatalf("unexpected projection items: %+v", proj.Items)
	}
	filt, ok := proj.Input.(*Filter)
	if !ok {
		t.Fatalf("expected *Filter under projection, got %T", proj.Input)
	}
	scan, ok := filt.Input.(*TableScan)
	if !ok || scan.Table.Name != "users" {
		t.Fatalf("expected *TableScan(users), got %+v", filt.Input)
	}
}

func TestBuild_UnknownTable(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT * FROM nope")
	if _, err := Build(stmt, cat); err == nil {
		t.Fatal("expected ErrUnknownTable")
	}
}

func TestBuild_EquiJoinPicksHashJoin(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT u.name, o.total FROM users u JOIN orders o ON u.id = o.uid")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	proj := node.(*Projection)
	join, ok := proj.Input.(*Join)
	if !ok {
		t.Fatalf("expected *Join under projection, got %T", proj.Input)
	}
	if join.Algo != HashJoin {
		t.Fatalf("expected HashJoin for equijoin, got %v", join.Algo)
	}
	if join.EqLeft == nil || join.EqRight == nil {
		t.Fatalf("expected EqLeft/EqRight to be set: %+v", join)
	}
}

func TestBuild_NonEquiJoinFallsBackToNestedLoop(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT u.name FROM users u JOIN orders o ON u.id > o.uid")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	proj := node.(*Projection)
	join := proj.Input.(*Join)
	if join.Algo != NestedLoop {
		t.Fatalf("expected NestedLoop for non-equijoin, got %v", join.Algo)
	}
}

func TestBuild_LeftJoinMarksOuter(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT u.name FROM users u LEFT JOIN orders o ON u.id = o.uid")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	join := node.(*Projection).Input.(*Join)
	if !join.LeftOuter {
		t.Fatal("expected LeftOuter to be true for LEFT JOIN")
	}
}

func TestBuild_GroupByProducesAggregate(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT u.name, SUM(o.total) FROM users u JOIN orders o ON u.id = o.uid GROUP BY u.name")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	proj := node.(*Projection)
	agg, ok := proj.Input.(*Aggregate)
	if !ok {
		t.Fatalf("expected *Aggregate under projection, got %T", proj.Input)
	}
	if len(agg.Aggs) != 1 || agg.Aggs[0].Func != "SUM" {
		t.Fatalf("unexpected aggregates: %+v", agg.Aggs)
	}
	if len(agg.GroupBy) != 1 {
		t.Fatalf("unexpected group by: %+v", agg.GroupBy)
	}
}

func TestBuild_OrderByAndLimitWrapProjection(t *testing.T) {
	cat := newFakeCatalog()
	stmt := mustParse(t, "SELECT id FROM users ORDER BY id DESC LIMIT 3")
	node, err := Build(stmt, cat)
	if err != nil {
		t.Fatal(err)
	}
	lim, ok := node.(*Limit)
	if !ok || lim.N != 3 {
		t.Fatalf("expected *Limit(3) at root, got %+v", node)
	}
	sortNode, ok := lim.Input.(*Sort)
	if !ok || len(sortNode.Keys) != 1 || !sortNode.Keys[0].Desc {
		t.Fatalf("expected *Sort under limit, got %+v", lim.Input)
	}
}

func TestBuild_InsertUpdateDelete(t *testing.T) {
	cat := newFakeCatalog()

	ins, err := Build(mustParse(t, "INSERT INTO users VALUES (1,'a')"), cat)
	if err != nil {
		t.Fatal(err)
	}
	insNode, ok := ins.(*Insert)
	if !ok || insNode.Table.Name != "users" || len(insNode.Rows) != 1 {
		t.Fatalf("unexpected Insert plan: %+v", ins)
	}

	upd, err := Build(mustParse(t, "UPDATE users SET name = 'b' WHERE id = 1"), cat)
	if err != nil {
		t.Fatal(err)
	}
	updNode, ok := upd.(*Update)
	if !ok {
		t.Fatalf("expected *Update, got %T", upd)
	}
	if _, ok := updNode.Input.(*Filter); !ok {
		t.Fatalf("expected WHERE to produce a Filter under Update, got %T", updNode.Input)
	}

	del, err := Build(mustParse(t, "DELETE FROM users WHERE id = 1"), cat)
	if err != nil {
		t.Fatal(err)
	}
	delNode, ok := del.(*Delete)
	if !ok {
		t.Fatalf("expected *Delete, got %T", del)
	}
	if _, ok := delNode.Input.(*Filter); !ok {
		t.Fatalf("expected WHERE to produce a Filter under Delete, got %T", delNode.Input)
	}
}

func TestBuild_DDLPassesThrough(t *testing.T) {
	cat := newFakeCatalog()
	if _, err := Build(mustParse(t, "CREATE TABLE t (id INTEGER)"), cat); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(mustParse(t, "DROP TABLE users"), cat); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(mustParse(t, "CREATE INDEX idx ON users (name)"), cat); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(mustParse(t, "BEGIN"), cat); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(mustParse(t, "COMMIT"), cat); err != nil {
		t.Fatal(err)
	}
}

func TestBuild_Explain(t *testing.T) {
	cat := newFakeCatalog()
	node, err := Build(mustParse(t, "EXPLAIN SELECT id FROM users WHERE id > 1"), cat)
	if err != nil {
		t.Fatal(err)
	}
	ex, ok := node.(*Explain)
	if !ok {
		t.Fatalf("expected *Explain at root, got %T", node)
	}
	if _, ok := ex.Inner.(*Projection); !ok {
		t.Fatalf("expected inner plan to be *Projection, got %T", ex.Inner)
	}

	lines := Describe(node)
	if len(lines) < 3 {
		t.Fatalf("expected Describe to render Explain/Projection/Filter/TableScan, got %v", lines)
	}
	if lines[0] != "Explain" {
		t.Fatalf("expected first line 'Explain', got %q", lines[0])
	}
}
