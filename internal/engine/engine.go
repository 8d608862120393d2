// Package engine implements the facade tying the storage substrate
// (pager, locks, transactions, catalog) to the SQL pipeline (parser,
// planner, executor), per spec.md §4/§9's external interface.
//
// What: Open/Close/Begin/Commit/Abort/Execute — the same five operations
// internal/driver's database/sql wrapper already expects of a backing
// engine, per SPEC_FULL.md §6's "Engine API".
// How: grounded on internal/driver/driver.go's server/connection wrapper
// (a struct owning the storage handle plus reader/writer concurrency
// controls) and the root tinysql.go/sql.go convenience layer, but
// rewritten against this build's own storage stack instead of the
// teacher's storage.DB: *pager.Pager, *lock.Manager, *txn.Manager,
// *catalog.Catalog, *catalog.IndexCatalog, a live table-OID -> heap
// registry, and internal/sql/plan's Cache.
// Why: internal/exec deliberately stops short of catalog/index access so
// that package stays a pure operator library; this package is where DDL
// application, index maintenance, and plan caching all come together
// behind one small API, exactly the seam internal/driver already expects.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/lattice/internal/exec"
	"github.com/latticedb/lattice/internal/sql/plan"
	"github.com/latticedb/lattice/internal/storage/catalog"
	"github.com/latticedb/lattice/internal/storage/heap"
	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// Engine owns every live storage-layer handle for one open database file,
// per spec.md §4.1's instance model: one superblock, one buffer pool, one
// catalog, many concurrent transactions.
type Engine struct {
	opts Options

	p     *pager.Pager
	locks *lock.Manager
	txm   *txn.Manager
	cat   *catalog.Catalog
	idx   *catalog.IndexCatalog

	// ddlMu serializes CREATE/DROP TABLE/INDEX. spec.md §4.9 gives the
	// catalog its own mutex for concurrent reads, but a DDL statement
	// touches the catalog, the heap registry, and (for CREATE TABLE) a
	// peeked-then-consumed OID together; only a coarser lock keeps that
	// sequence atomic with respect to a second, concurrent DDL statement.
	ddlMu sync.Mutex

	tablesMu sync.RWMutex
	tables   map[uint32]*heap.TableHeap

	planCache *plan.Cache

	sched *checkpointScheduler
}

// Options configures an Engine, loadable from a lattice.yaml file (see
// LoadOptions) or set programmatically before calling Open.
type Options struct {
	PageSize            int           `yaml:"page_size"`
	MaxCachePages       int           `yaml:"buffer_pool_frames"`
	// LockWaitTimeout is loaded and defaulted but not applied: Open does not
	// pass it to the lock or transaction manager, so a lock wait ends only on
	// grant, deadlock abort, or cancellation of the caller's context.
	LockWaitTimeout     time.Duration `yaml:"lock_wait_timeout"`
	DeadlockDetectEvery time.Duration `yaml:"deadlock_detect_interval"`
	PlanCacheSize       int           `yaml:"plan_cache_size"`
	CheckpointCron      string        `yaml:"checkpoint_cron"`
}

// DefaultOptions mirrors spec.md §4's stated defaults (4096-byte pages,
// 1024-frame buffer pool) plus this build's own additions.
func DefaultOptions() Options {
	return Options{
		PageSize:            pager.DefaultPageSize,
		MaxCachePages:       1024,
		LockWaitTimeout:     5 * time.Second,
		DeadlockDetectEvery: 100 * time.Millisecond,
		PlanCacheSize:       1000,
		CheckpointCron:      "@every 30s",
	}
}

// Open opens path (creating it if absent), replaying the WAL and bringing
// the catalog up to date, per spec.md §4.6's recovery-on-open contract
// (the pager's OpenPager call already performs the ARIES analysis/redo/
// undo passes before returning).
func Open(path string, opts Options) (*Engine, error) {
	if opts.PageSize == 0 {
		d := DefaultOptions()
		opts.PageSize = d.PageSize
		if opts.MaxCachePages == 0 {
			opts.MaxCachePages = d.MaxCachePages
		}
		if opts.LockWaitTimeout == 0 {
			opts.LockWaitTimeout = d.LockWaitTimeout
		}
		if opts.DeadlockDetectEvery == 0 {
			opts.DeadlockDetectEvery = d.DeadlockDetectEvery
		}
		if opts.PlanCacheSize == 0 {
			opts.PlanCacheSize = d.PlanCacheSize
		}
		if opts.CheckpointCron == "" {
			opts.CheckpointCron = d.CheckpointCron
		}
	}

	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        path,
		PageSize:      opts.PageSize,
		MaxCachePages: opts.MaxCachePages,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open pager: %w", err)
	}
	sb := p.Superblock()
	if sb.InstanceID == uuid.Nil {
		id := uuid.New()
		p.UpdateSuperblock(func(s *pager.Superblock) { s.InstanceID = id })
	}

	locks := lock.NewManager(opts.DeadlockDetectEvery)
	txm := txn.NewManager(p, locks)

	bootTx, err := txm.Begin(txn.ReadCommitted)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("engine: bootstrap tx: %w", err)
	}
	cat, err := catalog.OpenCatalog(p, bootTx.ID)
	if err != nil {
		txm.Abort(bootTx)
		p.Close()
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}
	idx, err := catalog.OpenIndexCatalog(p, bootTx.ID)
	if err != nil {
		txm.Abort(bootTx)
		p.Close()
		return nil, fmt.Errorf("engine: open index catalog: %w", err)
	}
	if err := txm.Commit(bootTx); err != nil {
		p.Close()
		return nil, fmt.Errorf("engine: commit bootstrap tx: %w", err)
	}

	e := &Engine{
		opts:      opts,
		p:         p,
		locks:     locks,
		txm:       txm,
		cat:       cat,
		idx:       idx,
		tables:    make(map[uint32]*heap.TableHeap),
		planCache: plan.NewCache(opts.PlanCacheSize),
	}

	for _, name := range cat.ListTables() {
		tm, _ := cat.GetTable(name)
		e.tables[tm.OID] = heap.OpenTableHeap(p, txm, tm.Schema(), lock.TableOID(tm.OID), tm.FirstPage)
	}

	e.sched = newCheckpointScheduler(e, opts.CheckpointCron)
	e.sched.Start()

	return e, nil
}

// Close stops the checkpoint scheduler, takes a final checkpoint, and
// closes the pager (which itself flushes dirty pages and fsyncs), per
// spec.md §4.6.
func (e *Engine) Close() error {
	e.sched.Stop()
	if err := e.p.Checkpoint(); err != nil {
		return fmt.Errorf("engine: final checkpoint: %w", err)
	}
	return e.p.Close()
}

// Begin starts a new transaction under iso, per spec.md §4.5.
func (e *Engine) Begin(iso txn.IsolationLevel) (*txn.Txn, error) {
	return e.txm.Begin(iso)
}

// Commit commits t, per spec.md §4.6.
func (e *Engine) Commit(t *txn.Txn) error { return e.txm.Commit(t) }

// Abort rolls t back, per spec.md §4.6.
func (e *Engine) Abort(t *txn.Txn) error { return e.txm.Abort(t) }

// Heap implements exec.Tables, the narrow interface internal/exec's
// Build/ExecInsert/ExecUpdate/ExecDelete need to resolve a table's
// physical storage.
func (e *Engine) Heap(tableOID uint32) (*heap.TableHeap, error) {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	h, ok := e.tables[tableOID]
	if !ok {
		return nil, fmt.Errorf("engine: no heap registered for table oid %d", tableOID)
	}
	return h, nil
}

var _ exec.Tables = (*Engine)(nil)

// registerTable adds h to the live heap registry under oid, called once a
// DDL statement (or startup's table enumeration loop) learns of a table.
func (e *Engine) registerTable(oid uint32, h *heap.TableHeap) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	e.tables[oid] = h
}

// unregisterTable drops oid from the live heap registry, called by DROP
// TABLE once the catalog entry and heap pages are gone.
func (e *Engine) unregisterTable(oid uint32) {
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	delete(e.tables, oid)
}

// GetTable implements plan.Catalog, so *Engine (or *catalog.Catalog
// directly) can be handed to plan.Build/plan.Cache.Compile.
func (e *Engine) GetTable(name string) (*catalog.TableMeta, bool) { return e.cat.GetTable(name) }

var _ plan.Catalog = (*Engine)(nil)

// Result is what Execute returns: either a row set (SELECT) or an
// affected-row count (INSERT/UPDATE/DELETE/DDL/TCL), per spec.md §4.10's
// closed statement grammar — exec.Result widened with a DiagnosticID that
// correlates this call with log output (not a spec-required field,
// additive per SPEC_FULL.md's domain-stack note).
type Result struct {
	Columns      []string
	Rows         [][]value.Value
	RowsAffected int64
	DiagnosticID string
}

// Execute compiles sqlText (via the plan cache) and runs it against tx.
// BEGIN/COMMIT/ROLLBACK are handled by the caller (internal/driver),
// since they change which *txn.Txn subsequent calls use — Execute itself
// only ever sees statements that run inside an already-open transaction.
func (e *Engine) Execute(ctx context.Context, t *txn.Txn, sqlText string) (*Result, error) {
	diag := uuid.New().String()

	compiled, err := e.planCache.Compile(sqlText, e)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	switch node := compiled.Plan.(type) {
	case *plan.Explain:
		return execExplain(node, diag)
	case *plan.CreateTable:
		return e.execCreateTable(t, node.Stmt, diag)
	case *plan.DropTable:
		return e.execDropTable(t, node.Stmt, diag)
	case *plan.CreateIndex:
		return e.execCreateIndex(t, node.Stmt, diag)
	case *plan.DropIndex:
		return e.execDropIndex(t, node.Stmt, diag)
	case *plan.Insert:
		return e.execInsert(ctx, t, node, diag)
	case *plan.Update:
		return e.execUpdate(ctx, t, node, diag)
	case *plan.Delete:
		return e.execDelete(ctx, t, node, diag)
	default:
		// Read path: any node Build already knows how to turn into an
		// Iterator (TableScan/Filter/Projection/Join/Aggregate/Sort/Limit).
		it, err := exec.Build(compiled.Plan, e)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		res, err := exec.Run(ctx, t, it)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		return &Result{Columns: res.Columns, Rows: res.Rows, DiagnosticID: diag}, nil
	}
}

// execExplain renders node's inner plan as one row per operator, per
// SPEC_FULL.md §10. EXPLAIN never touches the catalog, heap registry, or
// the caller's transaction: it only describes the plan Build already
// produced.
func execExplain(node *plan.Explain, diag string) (*Result, error) {
	lines := plan.Describe(node.Inner)
	rows := make([][]value.Value, len(lines))
	for i, l := range lines {
		rows[i] = []value.Value{value.NewVarchar(l)}
	}
	return &Result{Columns: []string{"plan"}, Rows: rows, DiagnosticID: diag}, nil
}
