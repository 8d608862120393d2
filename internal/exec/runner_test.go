package exec

import (
	"context"
	"testing"

	"github.com/latticedb/lattice/internal/sql"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/heap"
	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

type fakeTables struct {
	heaps map[uint32]*heap.TableHeap
}

func (f *fakeTables) Heap(oid uint32) (*heap.TableHeap, error) {
	h, ok := f.heaps[oid]
	if !ok {
		return nil, errTableNotFound(oid)
	}
	return h, nil
}

type errTableNotFound uint32

func (e errTableNotFound) Error() string { return "exec: no heap registered for table oid" }

func newUsersTable(t *testing.T) (*catalog.TableMeta, *fakeTables, *txn.Manager) {
	t.Helper()
	p, txm := newExecTestEnv(t)
	schema := execTestSchema()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	h, err := heap.CreateTableHeap(p, txm, tx, schema, lock.TableOID(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := txm.Commit(tx); err != nil {
		t.Fatal(err)
	}

	meta := &catalog.TableMeta{
		Name: "users",
		OID:  1,
		Columns: []catalog.ColumnMeta{
			{Name: "id", Type: value.Integer},
			{Name: "name", Type: value.Varchar, Nullable: true},
		},
	}
	tables := &fakeTables{heaps: map[uint32]*heap.TableHeap{1: h}}
	return meta, tables, txm
}

func TestExecInsert_PositionalValues(t *testing.T) {
	meta, tables, txm := newUsersTable(t)
	ctx := context.Background()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	ins := &plan.Insert{
		Table: meta,
		Rows: [][]sql.Expr{
			{&sql.Literal{Val: value.NewInt(1)}, &sql.Literal{Val: value.NewVarchar("alice")}},
			{&sql.Literal{Val: value.NewInt(2)}, &sql.Literal{Val: value.NewVarchar("bob")}},
		},
	}
	res, err := ExecInsert(ctx, tx, ins, tables, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Fatalf("expected 2 rows affected, got %d", res.RowsAffected)
	}
	txm.Commit(tx)

	h, _ := tables.Heap(1)
	tx2, _ := txm.Begin(txn.ReadCommitted)
	count := 0
	h.Scan(ctx, tx2, func(rid heap.RID, tup value.Tuple) (bool, error) {
		count++
		return true, nil
	})
	if count != 2 {
		t.Fatalf("expected 2 tuples in the heap, got %d", count)
	}
	txm.Commit(tx2)
}

func TestExecInsert_NamedColumnsLeaveOthersNull(t *testing.T) {
	meta, tables, txm := newUsersTable(t)
	ctx := context.Background()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	ins := &plan.Insert{
		Table: meta,
		Cols:  []string{"id"},
		Rows:  [][]sql.Expr{{&sql.Literal{Val: value.NewInt(5)}}},
	}
	if _, err := ExecInsert(ctx, tx, ins, tables, nil); err != nil {
		t.Fatal(err)
	}
	txm.Commit(tx)

	h, _ := tables.Heap(1)
	tx2, _ := txm.Begin(txn.ReadCommitted)
	var gotName value.Value
	h.Scan(ctx, tx2, func(rid heap.RID, tup value.Tuple) (bool, error) {
		gotName = tup.Get(1)
		return false, nil
	})
	if !gotName.IsNull() {
		t.Fatalf("expected the unnamed 'name' column to default to NULL, got %v", gotName)
	}
	txm.Commit(tx2)
}

func TestExecUpdate_AppliesSetExpressions(t *testing.T) {
	meta, tables, txm := newUsersTable(t)
	ctx := context.Background()

	tx, _ := txm.Begin(txn.ReadCommitted)
	ExecInsert(ctx, tx, &plan.Insert{Table: meta, Rows: [][]sql.Expr{
		{&sql.Literal{Val: value.NewInt(1)}, &sql.Literal{Val: value.NewVarchar("old")}},
	}}, tables, nil)
	txm.Commit(tx)

	tx2, _ := txm.Begin(txn.ReadCommitted)
	upd := &plan.Update{
		Table: meta,
		Input: &plan.TableScan{Table: meta, Schema: meta.Schema()},
		Sets:  []sql.Assignment{{Column: "name", Value: &sql.Literal{Val: value.NewVarchar("new")}}},
	}
	res, err := ExecUpdate(ctx, tx2, upd, tables, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("expected 1 row updated, got %d", res.RowsAffected)
	}
	txm.Commit(tx2)

	h, _ := tables.Heap(1)
	tx3, _ := txm.Begin(txn.ReadCommitted)
	var gotName string
	h.Scan(ctx, tx3, func(rid heap.RID, tup value.Tuple) (bool, error) {
		gotName = tup.Get(1).S
		return false, nil
	})
	if gotName != "new" {
		t.Fatalf("expected updated name 'new', got %q", gotName)
	}
	txm.Commit(tx3)
}

func TestExecDelete_RemovesMatchingRows(t *testing.T) {
	meta, tables, txm := newUsersTable(t)
	ctx := context.Background()

	tx, _ := txm.Begin(txn.ReadCommitted)
	ExecInsert(ctx, tx, &plan.Insert{Table: meta, Rows: [][]sql.Expr{
		{&sql.Literal{Val: value.NewInt(1)}, &sql.Literal{Val: value.NewVarchar("a")}},
		{&sql.Literal{Val: value.NewInt(2)}, &sql.Literal{Val: value.NewVarchar("b")}},
	}}, tables, nil)
	txm.Commit(tx)

	tx2, _ := txm.Begin(txn.ReadCommitted)
	del := &plan.Delete{
		Table: meta,
		Input: &plan.Filter{
			Input: &plan.TableScan{Table: meta, Schema: meta.Schema()},
			Predicate: &sql.BinaryExpr{
				Op: "=", L: &sql.ColumnRef{Name: "id"}, R: &sql.Literal{Val: value.NewInt(1)},
			},
		},
	}
	res, err := ExecDelete(ctx, tx2, del, tables, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", res.RowsAffected)
	}
	txm.Commit(tx2)
}

func TestBuild_SelectPipelineViaRun(t *testing.T) {
	meta, tables, txm := newUsersTable(t)
	ctx := context.Background()

	tx, _ := txm.Begin(txn.ReadCommitted)
	ExecInsert(ctx, tx, &plan.Insert{Table: meta, Rows: [][]sql.Expr{
		{&sql.Literal{Val: value.NewInt(1)}, &sql.Literal{Val: value.NewVarchar("alice")}},
		{&sql.Literal{Val: value.NewInt(2)}, &sql.Literal{Val: value.NewVarchar("bob")}},
	}}, tables, nil)
	txm.Commit(tx)

	tx2, _ := txm.Begin(txn.ReadCommitted)
	node := &plan.Projection{
		Input: &plan.Filter{
			Input: &plan.TableScan{Table: meta, Alias: "u", Schema: meta.Schema()},
			Predicate: &sql.BinaryExpr{
				Op: ">", L: &sql.ColumnRef{Table: "u", Name: "id"}, R: &sql.Literal{Val: value.NewInt(1)},
			},
		},
		Items: []plan.ProjItem{{Expr: &sql.ColumnRef{Table: "u", Name: "name"}}},
	}
	it, err := Build(node, tables)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Run(ctx, tx2, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0].S != "bob" {
		t.Fatalf("expected exactly [bob], got %v", res.Rows)
	}
	txm.Commit(tx2)
}
