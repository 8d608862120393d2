package heap

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

func newTestEnv(t *testing.T) (*pager.Pager, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:   filepath.Join(dir, "test.db"),
		PageSize: pager.DefaultPageSize,
	})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	locks := lock.NewManager(10 * time.Millisecond)
	t.Cleanup(locks.Stop)

	return p, txn.NewManager(p, locks)
}

func testSchema() *value.Schema {
	return value.NewSchema([]value.Column{
		{Name: "id", Type: value.Integer, PK: true},
		{Name: "name", Type: value.Varchar},
	})
}

func TestTableHeap_InsertGet(t *testing.T) {
	p, txm := newTestEnv(t)
	schema := testSchema()
	ctx := context.Background()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	h, err := CreateTableHeap(p, txm, tx, schema, lock.TableOID(1))
	if err != nil {
		t.Fatal(err)
	}

	tup := value.NewTuple([]value.Value{value.NewInt(1), value.NewVarchar("alice")})
	rid, err := h.Insert(ctx, tx, tup)
	if err != nil {
		t.Fatal(err)
	}
	if err := txm.Commit(tx); err != nil {
		t.Fatal(err)
	}

	tx2, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	got, found, err := h.Get(ctx, tx2, rid)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected tuple to be found")
	}
	if got.Get(0).I32 != 1 || got.Get(1).S != "alice" {
		t.Fatalf("unexpected tuple: %+v", got)
	}
	txm.Commit(tx2)
}

func TestTableHeap_UpdateInPlaceAndMove(t *testing.T) {
	p, txm := newTestEnv(t)
	schema := testSchema()
	ctx := context.Background()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	h, err := CreateTableHeap(p, txm, tx, schema, lock.TableOID(2))
	if err != nil {
		t.Fatal(err)
	}

	tup := value.NewTuple([]value.Value{value.NewInt(1), value.NewVarchar("bob")})
	rid, err := h.Insert(ctx, tx, tup)
	if err != nil {
		t.Fatal(err)
	}

	// Shorter value: should update in place, same RID.
	shorter := value.NewTuple([]value.Value{value.NewInt(1), value.NewVarchar("al")})
	rid2, err := h.Update(ctx, tx, rid, shorter)
	if err != nil {
		t.Fatal(err)
	}
	if rid2 != rid {
		t.Fatalf("expected in-place update to keep rid %v, got %v", rid, rid2)
	}

	// Much longer value: should move to a new RID.
	longer := value.NewTuple([]value.Value{value.NewInt(1), value.NewVarchar(
		fmt.Sprintf("%0500d", 1))})
	rid3, err := h.Update(ctx, tx, rid2, longer)
	if err != nil {
		t.Fatal(err)
	}
	if rid3 == rid2 {
		t.Fatalf("expected oversized update to move to a new rid")
	}

	got, found, err := h.Get(ctx, tx, rid3)
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.Get(1).S != fmt.Sprintf("%0500d", 1) {
		t.Fatalf("unexpected tuple after move: %+v found=%v", got, found)
	}

	txm.Commit(tx)
}

func TestTableHeap_DeleteAndScanSkipsTombstones(t *testing.T) {
	p, txm := newTestEnv(t)
	schema := testSchema()
	ctx := context.Background()

	tx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatal(err)
	}
	h, err := CreateTableHeap(p, txm, tx, schema, lock.TableOID(3))
	if err != nil {
		t.Fatal(err)
	}

	var rids []RID
	for i := 0; i < 5; i++ {
		tup := value.NewTuple([]value.Value{value.NewInt(int32(i)), value.NewVarchar(fmt.Sprintf("n%d", i))})
		rid, err := h.Insert(ctx, tx, tup)
		if err != nil {
			t.Fatal(err)
		}
		rids = append(rids, rid)
	}

	if err := h.MarkDelete(ctx, tx, rids[1]); err != nil {
		t.Fatal(err)
	}
	if err := h.MarkDelete(ctx, tx, rids[3]); err != nil {
		t.Fatal(err)
	}

	var seen []int32
	err = h.Scan(ctx, tx, func(rid RID, tup value.Tuple) (bool, error) {
		seen = append(seen, tup.Get(0).I32)
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{0, 2, 4}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v want %v", seen, want)
		}
	}

	txm.Commit(tx)
}
