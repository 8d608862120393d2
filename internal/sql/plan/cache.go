package plan

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/latticedb/lattice/internal/sql"
)

// CompiledPlan pairs the source SQL with its parsed statement and built
// logical plan, so a cache hit skips both lexing/parsing and planning.
type CompiledPlan struct {
	SQL       string
	Statement sql.Statement
	Plan      Node
}

type cacheEntry struct {
	key string
	cp  *CompiledPlan
}

// Cache is a fixed-size LRU of compiled plans keyed by exact SQL text,
// grounded on engine/compile.go's QueryCache: the same map-plus-
// container/list structure giving O(1) lookup, promote-to-front, and
// tail eviction, adapted to hold a logical Node instead of a raw
// Statement so repeated queries skip planning as well as parsing.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
}

// NewCache creates a plan cache holding at most maxSize entries (default
// 1000, mirroring engine/compile.go's NewQueryCache).
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		entries: make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Compile returns the cached plan for sqlText if present, else parses and
// builds one via Build and caches it.
func (c *Cache) Compile(sqlText string, cat Catalog) (*CompiledPlan, error) {
	c.mu.RLock()
	if elem, ok := c.entries[sqlText]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*cacheEntry).cp, nil
	}
	c.mu.RUnlock()

	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return nil, fmt.Errorf("plan: compile: %w", err)
	}
	node, err := Build(stmt, cat)
	if err != nil {
		return nil, fmt.Errorf("plan: compile: %w", err)
	}
	compiled := &CompiledPlan{SQL: sqlText, Statement: stmt, Plan: node}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[sqlText]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).cp, nil
	}
	if c.order.Len() >= c.maxSize {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.entries, tail.Value.(*cacheEntry).key)
		}
	}
	entry := &cacheEntry{key: sqlText, cp: compiled}
	elem := c.order.PushFront(entry)
	c.entries[sqlText] = elem
	return compiled, nil
}

// Clear empties the cache, e.g. after a DDL statement invalidates plans
// that resolved against the old catalog shape.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Size returns the number of cached plans.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
