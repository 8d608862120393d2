package exec

import (
	"context"

	"github.com/latticedb/lattice/internal/storage/txn"
)

// fakeIter replays a fixed row set, letting operator tests exercise
// Filter/Projection/Sort/Limit/Join/Aggregate without a real heap.
type fakeIter struct {
	cols      []ColumnInfo
	rows      []Row
	pos       int
	initCalls int
	closed    bool
}

func (f *fakeIter) Columns() []ColumnInfo { return f.cols }

func (f *fakeIter) Init(ctx context.Context, tx *txn.Txn) error {
	f.pos = 0
	f.closed = false
	f.initCalls++
	return nil
}

func (f *fakeIter) Next() (Row, bool, error) {
	if f.pos >= len(f.rows) {
		return Row{}, false, nil
	}
	r := f.rows[f.pos]
	f.pos++
	return r, true, nil
}

func (f *fakeIter) Close() error {
	f.closed = true
	return nil
}
