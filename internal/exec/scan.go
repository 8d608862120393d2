package exec

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/latticedb/lattice/internal/storage/heap"
	"github.com/latticedb/lattice/internal/storage/txn"
	"github.com/latticedb/lattice/internal/storage/value"
)

// EncodeRID/DecodeRID fix the 6-byte (page_id, slot) encoding that a
// secondary index's B+Tree stores as its value, so a key lookup can land
// directly on the owning tuple's physical location. Kept in this package
// rather than in storage/heap since only the index-scan path needs it —
// the table heap itself never persists a RID, only slot contents.
func EncodeRID(rid heap.RID) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], rid.PageID)
	binary.LittleEndian.PutUint16(buf[4:6], rid.Slot)
	return buf
}

func DecodeRID(buf []byte) (heap.RID, error) {
	if len(buf) != 6 {
		return heap.RID{}, fmt.Errorf("exec: malformed RID encoding (%d bytes)", len(buf))
	}
	return heap.RID{
		PageID: binary.LittleEndian.Uint32(buf[0:4]),
		Slot:   binary.LittleEndian.Uint16(buf[4:6]),
	}, nil
}

// SeqScan streams every live tuple of one table, per spec.md §4.12 and
// the plan.TableScan node. It wraps heap.TableHeap.Scan's push-style
// callback in a goroutine-fed channel so the rest of the operator tree
// gets genuine pull semantics: a downstream Limit can stop consuming
// without this scan ever reading past what was asked for, since Close
// signals the scan goroutine to return early the same way a false
// continuation would.
type SeqScan struct {
	h      *heap.TableHeap
	schema *value.Schema
	alias  string
	cols   []ColumnInfo

	rows chan scanRow
	errc chan error
	stop chan struct{}
}

type scanRow struct {
	rid heap.RID
	tup value.Tuple
}

// NewSeqScan builds a scan over h, labeling every output column with
// alias (the table's own name if the query gave it no alias).
func NewSeqScan(h *heap.TableHeap, schema *value.Schema, alias string) *SeqScan {
	cols := make([]ColumnInfo, len(schema.Cols))
	for i, c := range schema.Cols {
		cols[i] = ColumnInfo{Table: alias, Name: c.Name}
	}
	return &SeqScan{h: h, schema: schema, alias: alias, cols: cols}
}

func (s *SeqScan) Columns() []ColumnInfo { return s.cols }

func (s *SeqScan) Init(ctx context.Context, tx *txn.Txn) error {
	s.rows = make(chan scanRow)
	s.errc = make(chan error, 1)
	s.stop = make(chan struct{})
	go func() {
		defer close(s.rows)
		err := s.h.Scan(ctx, tx, func(rid heap.RID, tup value.Tuple) (bool, error) {
			select {
			case s.rows <- scanRow{rid: rid, tup: tup}:
				return true, nil
			case <-s.stop:
				return false, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		})
		if err != nil {
			s.errc <- err
		}
	}()
	return nil
}

func (s *SeqScan) Next() (Row, bool, error) {
	r, ok := <-s.rows
	if !ok {
		select {
		case err := <-s.errc:
			return Row{}, false, err
		default:
			return Row{}, false, nil
		}
	}
	return Row{Values: r.tup.Values, Cols: s.cols, RID: r.rid}, true, nil
}

func (s *SeqScan) Close() error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	for range s.rows {
		// drain so the scan goroutine's send unblocks and it can exit
	}
	return nil
}

// IndexScan streams tuples whose key falls within [Low, High] (either may
// be nil for an open bound) of one secondary index, fetching the backing
// tuple from the table heap by RID for each matching key — per spec.md
// §4.3/§4.12. internal/sql/plan always emits a TableScan and this package's
// Build does not substitute an IndexScan for it; an IndexScan exists only
// where a caller builds one with NewIndexScan.
type IndexScan struct {
	tree   btreeScanner
	h      *heap.TableHeap
	schema *value.Schema
	alias  string
	cols   []ColumnInfo
	low    []byte
	high   []byte

	buf []scanRow
	pos int
}

// btreeScanner is the narrow slice of *pager.BTree's API IndexScan needs,
// kept as an interface so this package does not import pager directly
// for a single method.
type btreeScanner interface {
	ScanRange(startKey, endKey []byte, fn func(key, value []byte) bool) error
}

// NewIndexScan builds a range scan over idx's backing tree.
func NewIndexScan(tree btreeScanner, h *heap.TableHeap, schema *value.Schema, alias string, low, high []byte) *IndexScan {
	cols := make([]ColumnInfo, len(schema.Cols))
	for i, c := range schema.Cols {
		cols[i] = ColumnInfo{Table: alias, Name: c.Name}
	}
	return &IndexScan{tree: tree, h: h, schema: schema, alias: alias, cols: cols, low: low, high: high}
}

func (s *IndexScan) Columns() []ColumnInfo { return s.cols }

func (s *IndexScan) Init(ctx context.Context, tx *txn.Txn) error {
	s.buf = s.buf[:0]
	s.pos = 0
	err := s.tree.ScanRange(s.low, s.high, func(key, indexValue []byte) bool {
		rid, decErr := DecodeRID(indexValue)
		if decErr != nil {
			return false
		}
		tup, found, getErr := s.h.Get(ctx, tx, rid)
		if getErr != nil || !found {
			return getErr == nil
		}
		s.buf = append(s.buf, scanRow{rid: rid, tup: tup})
		return true
	})
	return err
}

func (s *IndexScan) Next() (Row, bool, error) {
	if s.pos >= len(s.buf) {
		return Row{}, false, nil
	}
	r := s.buf[s.pos]
	s.pos++
	return Row{Values: r.tup.Values, Cols: s.cols, RID: r.rid}, true, nil
}

func (s *IndexScan) Close() error { return nil }
