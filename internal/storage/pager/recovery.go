package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash Recovery — ARIES-style Analysis / Redo / Undo
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery replays the WAL in three passes, per spec §4.4:
//
//  1. Analysis: scan every record once to find every transaction that began
//     but never committed (the loser set) and the highest LSN/TxID/PageID
//     seen, so counters can be restored.
//
//  2. Redo: replay every PAGE_IMAGE and CLR record in LSN order — committed
//     or not — applying a record's after-image only if the page's own
//     on-disk LSN is older than the record's LSN. This repeats history
//     exactly as it happened, including updates later undone; the Undo
//     pass is what removes the loser transactions' effects.
//
//  3. Undo: for each loser, walk backward along its PrevLSN chain applying
//     each record's before-image and writing a CLR that records the
//     before-image just restored together with the UndoNextLSN to continue
//     from. CLRs are written with Type=CLR and are never themselves undone,
//     which bounds the work recovery repeats after a crash during Undo.
//
// A page's own on-disk LSN makes Redo idempotent: reapplying an
// already-applied image is a no-op because the comparison fails. Undo makes
// no such comparison; repeating it rewrites the same before-image bytes.

// Recover replays the WAL, redoing everything and then undoing the losers.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// ── Pass 1: Analysis ────────────────────────────────────────────────
	type txInfo struct {
		committed bool
		lastLSN   LSN // most recent record written by this tx (head of its undo chain)
	}
	txTable := make(map[TxID]*txInfo)

	var maxLSN LSN
	var maxTxID TxID
	var maxPageID PageID

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.PageID > maxPageID {
			maxPageID = rec.PageID
		}

		ti, ok := txTable[rec.TxID]
		if !ok {
			ti = &txInfo{}
			txTable[rec.TxID] = ti
		}

		switch rec.Type {
		case WALRecordBegin:
			// no-op beyond table membership
		case WALRecordPageImage, WALRecordCLR:
			ti.lastLSN = rec.LSN
		case WALRecordCommit:
			ti.committed = true
		case WALRecordAbort:
			// An aborted transaction is still a loser until its updates are
			// undone; Undo treats committed==false transactions uniformly.
		case WALRecordCheckpoint:
		}
	}

	// ── Pass 2: Redo ────────────────────────────────────────────────────
	var redone int
	for _, rec := range records {
		if rec.Type != WALRecordPageImage && rec.Type != WALRecordCLR {
			continue
		}
		if rec.Data == nil {
			continue
		}
		cur, err := p.readPageRaw(rec.PageID)
		var curLSN LSN
		if err == nil {
			curLSN = LSN(binary.LittleEndian.Uint64(cur[8:16]))
		}
		if err == nil && curLSN >= rec.LSN {
			continue // already durable — redo is a no-op
		}
		if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
			return fmt.Errorf("redo apply page %d at LSN %d: %w", rec.PageID, rec.LSN, err)
		}
		redone++
	}

	// Any CLR/abort records the Undo pass below writes must continue the
	// LSN sequence past the log we just read, not restart from 1.
	p.wal.SetNextLSN(maxLSN + 1)

	// ── Pass 3: Undo ────────────────────────────────────────────────────
	// Build an LSN → record index to walk PrevLSN chains.
	byLSN := make(map[LSN]*WALRecord, len(records))
	for _, rec := range records {
		byLSN[rec.LSN] = rec
	}

	var undone int
	for txID, ti := range txTable {
		if ti.committed {
			continue
		}
		lsn := ti.lastLSN
		for lsn != 0 {
			rec, ok := byLSN[lsn]
			if !ok {
				break
			}
			if rec.Type == WALRecordPageImage && rec.Before != nil {
				if err := p.writePageRaw(rec.PageID, rec.Before); err != nil {
					return fmt.Errorf("undo tx %d page %d: %w", txID, rec.PageID, err)
				}
				// Write a CLR recording what we just restored and where this
				// transaction's undo chain continues, so a crash mid-undo
				// never re-undoes work already compensated.
				clr := &WALRecord{
					Type:    WALRecordCLR,
					TxID:    txID,
					PageID:  rec.PageID,
					PrevLSN: rec.PrevLSN, // UndoNextLSN: where undo resumes
					Data:    append([]byte{}, rec.Before...),
				}
				if _, err := p.wal.AppendRecord(clr); err != nil {
					return fmt.Errorf("undo tx %d write CLR: %w", txID, err)
				}
				undone++
			}
			lsn = rec.PrevLSN
		}
	}

	if undone > 0 || redone > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	// Every loser transaction is now fully compensated; record its abort
	// durably in case it had not already written one.
	for txID, ti := range txTable {
		if !ti.committed {
			if _, err := p.wal.AppendRecord(&WALRecord{Type: WALRecordAbort, TxID: txID}); err != nil {
				return fmt.Errorf("recover finalize abort tx %d: %w", txID, err)
			}
		}
	}

	// Restore counters past anything seen in the log.
	p.sb.CheckpointLSN = maxLSN
	if maxTxID+1 > p.sb.NextTxID {
		p.sb.NextTxID = maxTxID + 1
	}
	if maxPageID+1 > p.sb.NextPageID {
		p.sb.NextPageID = maxPageID + 1
		p.sb.PageCount = uint64(p.sb.NextPageID)
	}

	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("recover superblock: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	// wal.nextLSN already accounts for every CLR/abort record appended
	// above, since AppendRecord assigns LSNs as it goes.
	return p.wal.Truncate()
}
