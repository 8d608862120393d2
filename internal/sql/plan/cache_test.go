package plan

import "testing"

func TestCache_HitReturnsSamePlan(t *testing.T) {
	cat := newFakeCatalog()
	c := NewCache(8)

	cp1, err := c.Compile("SELECT id FROM users", cat)
	if err != nil {
		t.Fatal(err)
	}
	if c.Size() != 1 {
		t.Fatalf("expected size 1, got %d", c.Size())
	}
	cp2, err := c.Compile("SELECT id FROM users", cat)
	if err != nil {
		t.Fatal(err)
	}
	if cp1 != cp2 {
		t.Fatal("expected cache hit to return the identical *CompiledPlan")
	}
	if c.Size() != 1 {
		t.Fatalf("expected size to stay 1 after a hit, got %d", c.Size())
	}
}

func TestCache_EvictsLRU(t *testing.T) {
	cat := newFakeCatalog()
	c := NewCache(2)

	if _, err := c.Compile("SELECT id FROM users", cat); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compile("SELECT uid FROM orders", cat); err != nil {
		t.Fatal(err)
	}
	// Touch the first again so it becomes most-recently-used.
	if _, err := c.Compile("SELECT id FROM users", cat); err != nil {
		t.Fatal(err)
	}
	// A third distinct query should evict "SELECT uid FROM orders", the
	// least-recently-used entry, not "SELECT id FROM users".
	if _, err := c.Compile("SELECT total FROM orders", cat); err != nil {
		t.Fatal(err)
	}
	if c.Size() != 2 {
		t.Fatalf("expected size capped at 2, got %d", c.Size())
	}
	if _, ok := c.entries["SELECT id FROM users"]; !ok {
		t.Fatal("expected most-recently-used entry to survive eviction")
	}
	if _, ok := c.entries["SELECT uid FROM orders"]; ok {
		t.Fatal("expected least-recently-used entry to be evicted")
	}
}

func TestCache_PropagatesBuildError(t *testing.T) {
	cat := newFakeCatalog()
	c := NewCache(8)
	if _, err := c.Compile("SELECT * FROM nope", cat); err == nil {
		t.Fatal("expected unknown-table error to propagate")
	}
	if c.Size() != 0 {
		t.Fatal("a failed compile should not be cached")
	}
}
