// Package txn implements the transaction manager: begin/commit/abort,
// wired to the log manager (internal/storage/pager) for durability and the
// lock manager (internal/storage/lock) for isolation. Grounded on
// internal/storage/mvcc.go's MVCCManager/TxContext shape, trimmed to the
// two isolation levels spec.md resolves on.
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/latticedb/lattice/internal/storage/lock"
	"github.com/latticedb/lattice/internal/storage/pager"
)

// IsolationLevel is one of the two levels spec.md's Open Questions settle
// on. The teacher's mvcc.go also offers SnapshotIsolation and Serializable;
// those are dropped (see DESIGN.md) since nothing in spec.md's closed
// grammar or testable properties exercises them.
type IsolationLevel uint8

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
)

func (l IsolationLevel) String() string {
	if l == RepeatableRead {
		return "REPEATABLE_READ"
	}
	return "READ_COMMITTED"
}

// Status mirrors the teacher's TxStatus enum.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

// Txn is a live transaction's in-memory context.
type Txn struct {
	ID        pager.TxID
	Isolation IsolationLevel

	mu     sync.Mutex
	status Status

	// writeSet records every (table, RID) this transaction has modified,
	// used only for diagnostics/testing here — undo itself is driven by
	// the pager's WAL chain, not by replaying this set.
	writeSet map[lock.TableOID]map[lock.RID]struct{}
}

// Status returns the transaction's current status.
func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Txn) recordWrite(table lock.TableOID, rid lock.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeSet[table] == nil {
		t.writeSet[table] = make(map[lock.RID]struct{})
	}
	t.writeSet[table][rid] = struct{}{}
}

var (
	// ErrTxNotActive mirrors the teacher's ErrTxNotActive from mvcc.go.
	ErrTxNotActive = fmt.Errorf("txn: transaction is not in progress")
)

// Manager coordinates transaction lifecycle, delegating durability to a
// *pager.Pager (log manager) and isolation to a *lock.Manager.
type Manager struct {
	pager *pager.Pager
	locks *lock.Manager

	mu     sync.Mutex
	active map[pager.TxID]*Txn

	nextSeq atomic.Uint64
}

// NewManager creates a transaction manager bound to the given page/log
// manager and lock manager.
func NewManager(p *pager.Pager, locks *lock.Manager) *Manager {
	return &Manager{
		pager:  p,
		locks:  locks,
		active: make(map[pager.TxID]*Txn),
	}
}

// Begin starts a new transaction under the given isolation level. The TxID
// itself comes from the pager, which is the single authority assigning
// monotonic transaction identifiers (it must stay consistent with WAL
// records and recovery).
func (m *Manager) Begin(iso IsolationLevel) (*Txn, error) {
	id, err := m.pager.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("txn begin: %w", err)
	}
	t := &Txn{
		ID:        id,
		Isolation: iso,
		status:    StatusInProgress,
		writeSet:  make(map[lock.TableOID]map[lock.RID]struct{}),
	}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

// LockTable acquires a table-level lock on behalf of t. It forwards to the
// lock manager and records nothing on t itself.
func (m *Manager) LockTable(ctx context.Context, t *Txn, mode lock.Mode, table lock.TableOID) error {
	return m.locks.LockTable(ctx, lock.TxID(t.ID), mode, table)
}

// LockRow acquires a row-level lock on behalf of t. Per spec §4.5, S-locks
// taken under READ_COMMITTED are released immediately after the read that
// needed them; the caller signals that by calling ReleaseReadLocks once the
// read completes (typically right after a SeqScan/IndexScan yields a row).
func (m *Manager) LockRow(ctx context.Context, t *Txn, mode lock.Mode, table lock.TableOID, rid lock.RID) error {
	if err := m.locks.LockRow(ctx, lock.TxID(t.ID), mode, table, rid); err != nil {
		return err
	}
	if mode == lock.X || mode == lock.SIX {
		t.recordWrite(table, rid)
	}
	return nil
}

// ReleaseReadLocks drops t's shared locks early, appropriate only under
// READ_COMMITTED — REPEATABLE_READ callers must not call this, since that
// isolation level holds S-locks to commit per spec §4.5.
func (m *Manager) ReleaseReadLocks(t *Txn) {
	if t.Isolation == ReadCommitted {
		m.locks.ReleaseReadLocks(lock.TxID(t.ID))
	}
}

// Commit flushes the log to the transaction's commit LSN, releases every
// lock it holds, and marks it committed. Per spec §4.6's commit path.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	if t.status != StatusInProgress {
		t.mu.Unlock()
		return ErrTxNotActive
	}
	t.mu.Unlock()

	if err := m.pager.CommitTx(t.ID); err != nil {
		return fmt.Errorf("txn commit: %w", err)
	}

	t.mu.Lock()
	t.status = StatusCommitted
	t.mu.Unlock()

	m.locks.UnlockAll(lock.TxID(t.ID))

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()

	return nil
}

// Abort walks the undo log in reverse via the pager's AbortTx (which
// applies inverse actions through before-images and writes CLRs, the exact
// mechanism crash recovery's Undo pass also uses), then releases locks and
// marks the transaction aborted. Per spec §4.6's abort path.
func (m *Manager) Abort(t *Txn) error {
	t.mu.Lock()
	if t.status != StatusInProgress {
		t.mu.Unlock()
		return ErrTxNotActive
	}
	t.mu.Unlock()

	if err := m.pager.AbortTx(t.ID); err != nil {
		return fmt.Errorf("txn abort: %w", err)
	}

	t.mu.Lock()
	t.status = StatusAborted
	t.mu.Unlock()

	m.locks.UnlockAll(lock.TxID(t.ID))

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()

	return nil
}

// Lookup returns the active transaction for id, if any.
func (m *Manager) Lookup(id pager.TxID) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}
