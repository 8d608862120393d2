// Package lock implements a hierarchical two-phase lock manager over tables
// and rows, grounded in the teacher's sharded-mutex and goroutine/context
// idioms (internal/storage/concurrency.go's WorkerPool, internal/storage/
// mvcc.go's atomic TxID counters and per-transaction read/write sets) but
// built fresh: the teacher has no lock table or wait-for graph of its own.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TxID identifies a transaction requesting locks. Kept as a bare uint64
// (rather than importing the pager or txn packages) so this package has no
// dependency on the rest of the storage stack and can be unit tested alone.
type TxID uint64

// TableOID identifies a table in the catalog.
type TableOID uint32

// RID is a row identifier: (page_id, slot).
type RID struct {
	PageID uint32
	Slot   uint16
}

// Mode is a hierarchical lock mode.
type Mode uint8

const (
	IS  Mode = iota // intent shared
	IX              // intent exclusive
	S               // shared
	SIX             // shared + intent exclusive
	X               // exclusive
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible reports whether a lock held in mode `held` permits a new
// request in mode `want`, following the standard hierarchical lock
// compatibility matrix.
func compatible(held, want Mode) bool {
	// rows: held (IS,IX,S,SIX,X) x want (IS,IX,S,SIX,X)
	table := [5][5]bool{
		/*        IS     IX     S      SIX    X   */
		/* IS  */ {true, true, true, true, false},
		/* IX  */ {true, true, false, false, false},
		/* S   */ {true, false, true, false, false},
		/* SIX */ {true, false, false, false, false},
		/* X   */ {false, false, false, false, false},
	}
	return table[held][want]
}

// Resource identifies a lockable unit: either a whole table or a single row
// within a table. Row locks always nest under a table-level intent lock.
type Resource struct {
	Table TableOID
	Row   RID
	IsRow bool
}

func tableResource(t TableOID) Resource       { return Resource{Table: t} }
func rowResource(t TableOID, r RID) Resource  { return Resource{Table: t, Row: r, IsRow: true} }

// holder records one transaction's grant on a resource.
type holder struct {
	tx   TxID
	mode Mode
}

// waiter is a blocked lock request.
type waiter struct {
	tx     TxID
	mode   Mode
	granted chan error
}

// entry is the lock state for a single resource: current holders plus a
// FIFO queue of waiters, each processed in arrival order once compatible
// with every currently-held mode (no request jumps the queue, which
// prevents a steady stream of shared requests from starving a writer).
type entry struct {
	mu      sync.Mutex
	holders []holder
	queue   []*waiter
}

// ErrDeadlock is returned to the victim transaction chosen to break a
// wait-for cycle.
var ErrDeadlock = fmt.Errorf("lock: deadlock detected, transaction aborted")

// ErrTimeout names a lock wait that ran past a deadline. acquire does not
// return it: a wait that outlives its context returns ctx.Err() instead.
var ErrTimeout = fmt.Errorf("lock: timed out waiting for lock")

const numShards = 32

// Manager is the database-wide 2PL lock manager. Resources are sharded by
// hash into numShards independent mutex domains, mirroring the sharding
// idiom already used for the teacher's buffer pool and catalog locks.
type Manager struct {
	shards [numShards]shard

	detectInterval time.Duration
	stopOnce       sync.Once
	stopCh         chan struct{}

	mu       sync.Mutex // protects waitFor and txResources
	waitFor  map[TxID]map[TxID]struct{}
	// txResources tracks every resource+mode a transaction currently holds
	// or is waiting on, so Unlock / UnlockAll and deadlock-victim cleanup
	// can find them without scanning every shard.
	txResources map[TxID]map[Resource]struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[Resource]*entry
}

// NewManager creates a lock manager and starts its background deadlock
// detector, which runs on detectInterval (the teacher's BatchProcessor in
// concurrency.go uses the identical ticker-driven background-loop shape).
func NewManager(detectInterval time.Duration) *Manager {
	if detectInterval <= 0 {
		detectInterval = 50 * time.Millisecond
	}
	m := &Manager{
		detectInterval: detectInterval,
		stopCh:         make(chan struct{}),
		waitFor:        make(map[TxID]map[TxID]struct{}),
		txResources:    make(map[TxID]map[Resource]struct{}),
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[Resource]*entry)
	}
	go m.detectLoop()
	return m
}

// Stop terminates the background deadlock detector.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) shardFor(r Resource) *shard {
	h := uint32(r.Table)*2654435761 + uint32(r.Row.PageID)*40503 + uint32(r.Row.Slot)
	return &m.shards[h%numShards]
}

// LockTable acquires a table-level lock for tx in the given mode, blocking
// until granted, the context is cancelled, or the transaction is chosen as
// a deadlock victim.
func (m *Manager) LockTable(ctx context.Context, tx TxID, mode Mode, table TableOID) error {
	return m.acquire(ctx, tx, mode, tableResource(table))
}

// LockRow acquires a row-level lock for tx. Per spec, a row lock requires
// the matching table-level intent lock first (IS for S row locks, IX for
// X/SIX row locks), acquired automatically if not already held.
func (m *Manager) LockRow(ctx context.Context, tx TxID, mode Mode, table TableOID, rid RID) error {
	intent := IS
	if mode == X || mode == SIX {
		intent = IX
	}
	if err := m.acquire(ctx, tx, intent, tableResource(table)); err != nil {
		return err
	}
	return m.acquire(ctx, tx, mode, rowResource(table, rid))
}

// Unlock releases one resource held by tx.
func (m *Manager) Unlock(tx TxID, r Resource) {
	sh := m.shardFor(r)
	sh.mu.Lock()
	e, ok := sh.entries[r]
	if !ok {
		sh.mu.Unlock()
		return
	}
	sh.mu.Unlock()

	e.mu.Lock()
	for i, h := range e.holders {
		if h.tx == tx {
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
	m.promote(e)
	e.mu.Unlock()

	m.mu.Lock()
	if set, ok := m.txResources[tx]; ok {
		delete(set, r)
	}
	m.mu.Unlock()
}

// UnlockAll releases every lock held (or awaited) by tx, used on commit and
// abort. Releasing all locks atomically at transaction end, rather than
// eagerly, is what the spec calls "strict 2PL."
func (m *Manager) UnlockAll(tx TxID) {
	m.mu.Lock()
	resources := make([]Resource, 0, len(m.txResources[tx]))
	for r := range m.txResources[tx] {
		resources = append(resources, r)
	}
	delete(m.txResources, tx)
	delete(m.waitFor, tx)
	for _, waiters := range m.waitFor {
		delete(waiters, tx)
	}
	m.mu.Unlock()

	for _, r := range resources {
		m.Unlock(tx, r)
	}
}

// ReleaseReadLocks drops only S/IS locks held by tx, leaving X/IX/SIX in
// place. Used under READ_COMMITTED, where shared locks are released right
// after the read that acquired them rather than held to commit.
func (m *Manager) ReleaseReadLocks(tx TxID) {
	m.mu.Lock()
	resources := make([]Resource, 0, len(m.txResources[tx]))
	for r := range m.txResources[tx] {
		resources = append(resources, r)
	}
	m.mu.Unlock()

	for _, r := range resources {
		sh := m.shardFor(r)
		sh.mu.Lock()
		e, ok := sh.entries[r]
		sh.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		release := false
		for _, h := range e.holders {
			if h.tx == tx && (h.mode == S || h.mode == IS) {
				release = true
				break
			}
		}
		e.mu.Unlock()
		if release {
			m.Unlock(tx, r)
		}
	}
}

func (m *Manager) track(tx TxID, r Resource) {
	m.mu.Lock()
	set, ok := m.txResources[tx]
	if !ok {
		set = make(map[Resource]struct{})
		m.txResources[tx] = set
	}
	set[r] = struct{}{}
	m.mu.Unlock()
}

// acquire grants mode on r to tx, blocking in a FIFO queue when the
// request conflicts with a currently-held mode. Lock upgrade (tx already
// holds a weaker mode on r and requests a stronger one) is handled by
// excluding tx's own prior holder entry from the conflict check.
func (m *Manager) acquire(ctx context.Context, tx TxID, mode Mode, r Resource) error {
	sh := m.shardFor(r)
	sh.mu.Lock()
	e, ok := sh.entries[r]
	if !ok {
		e = &entry{}
		sh.entries[r] = e
	}
	sh.mu.Unlock()

	e.mu.Lock()
	if m.canGrantLocked(e, tx, mode) {
		m.upgradeLocked(e, tx, mode)
		e.mu.Unlock()
		m.track(tx, r)
		return nil
	}

	w := &waiter{tx: tx, mode: mode, granted: make(chan error, 1)}
	e.queue = append(e.queue, w)
	m.recordWait(tx, e)
	e.mu.Unlock()

	select {
	case err := <-w.granted:
		if err == nil {
			m.track(tx, r)
		}
		return err
	case <-ctx.Done():
		m.abandonWait(e, w)
		return ctx.Err()
	}
}

// canGrantLocked reports whether mode is compatible with every current
// holder other than tx itself (so a transaction can always upgrade/repeat
// its own lock without deadlocking on itself).
func (m *Manager) canGrantLocked(e *entry, tx TxID, mode Mode) bool {
	if len(e.queue) > 0 {
		return false // FIFO: don't jump ahead of existing waiters
	}
	for _, h := range e.holders {
		if h.tx == tx {
			continue
		}
		if !compatible(h.mode, mode) {
			return false
		}
	}
	return true
}

func (m *Manager) upgradeLocked(e *entry, tx TxID, mode Mode) {
	for i, h := range e.holders {
		if h.tx == tx {
			if rank(mode) > rank(h.mode) {
				e.holders[i].mode = mode
			}
			return
		}
	}
	e.holders = append(e.holders, holder{tx: tx, mode: mode})
}

func rank(m Mode) int {
	switch m {
	case IS:
		return 0
	case IX:
		return 1
	case S:
		return 2
	case SIX:
		return 3
	case X:
		return 4
	default:
		return -1
	}
}

// promote walks the wait queue in order, granting every waiter whose mode
// is compatible with the current holder set, stopping at the first one
// that is not (to preserve FIFO fairness for the remainder).
func (m *Manager) promote(e *entry) {
	for len(e.queue) > 0 {
		w := e.queue[0]
		ok := true
		for _, h := range e.holders {
			if h.tx == w.tx {
				continue
			}
			if !compatible(h.mode, w.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		e.queue = e.queue[1:]
		e.holders = append(e.holders, holder{tx: w.tx, mode: w.mode})
		m.clearWait(w.tx)
		w.granted <- nil
	}
}

func (m *Manager) abandonWait(e *entry, w *waiter) {
	e.mu.Lock()
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	m.clearWait(w.tx)
}

// recordWait adds an edge tx -> holder for every current holder of e into
// the wait-for graph, consulted by the background deadlock detector.
func (m *Manager) recordWait(tx TxID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.waitFor[tx]
	if !ok {
		set = make(map[TxID]struct{})
		m.waitFor[tx] = set
	}
	for _, h := range e.holders {
		if h.tx != tx {
			set[h.tx] = struct{}{}
		}
	}
}

func (m *Manager) clearWait(tx TxID) {
	m.mu.Lock()
	delete(m.waitFor, tx)
	m.mu.Unlock()
}

// detectLoop periodically scans the wait-for graph for cycles and aborts
// the youngest transaction (highest TxID, matching the teacher's
// monotonically increasing TxID allocation in mvcc.go) participating in
// each cycle found.
func (m *Manager) detectLoop() {
	ticker := time.NewTicker(m.detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.breakCycles()
		}
	}
}

func (m *Manager) breakCycles() {
	m.mu.Lock()
	graph := make(map[TxID]map[TxID]struct{}, len(m.waitFor))
	for tx, edges := range m.waitFor {
		cp := make(map[TxID]struct{}, len(edges))
		for e := range edges {
			cp[e] = struct{}{}
		}
		graph[tx] = cp
	}
	m.mu.Unlock()

	victim, found := findCycleVictim(graph)
	if !found {
		return
	}
	m.abortWaiters(victim)
}

// findCycleVictim performs a DFS over the wait-for graph; on finding a
// cycle, it returns the highest TxID on that cycle (the "youngest"
// transaction) as the victim to abort.
func findCycleVictim(graph map[TxID]map[TxID]struct{}) (TxID, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[TxID]int, len(graph))
	var stack []TxID

	var visit func(TxID) (TxID, bool)
	visit = func(tx TxID) (TxID, bool) {
		color[tx] = gray
		stack = append(stack, tx)
		for next := range graph[tx] {
			switch color[next] {
			case white:
				if v, ok := visit(next); ok {
					return v, true
				}
			case gray:
				// Found a cycle: the youngest (max TxID) member wins.
				var victim TxID
				inCycle := false
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						inCycle = true
					}
					if inCycle && stack[i] > victim {
						victim = stack[i]
					}
				}
				return victim, true
			}
		}
		color[tx] = black
		stack = stack[:len(stack)-1]
		return 0, false
	}

	for tx := range graph {
		if color[tx] == white {
			if v, ok := visit(tx); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// abortWaiters delivers ErrDeadlock to every pending waiter belonging to
// the victim transaction, across every shard. Resources already granted to
// the victim are left untouched here; the transaction manager is expected
// to call UnlockAll once it observes the abort.
func (m *Manager) abortWaiters(victim TxID) {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.Unlock()

		for _, e := range entries {
			e.mu.Lock()
			for i, w := range e.queue {
				if w.tx == victim {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					w.granted <- ErrDeadlock
					break
				}
			}
			e.mu.Unlock()
		}
	}
	m.clearWait(victim)
}
