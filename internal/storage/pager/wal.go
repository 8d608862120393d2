package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only file of fixed-format records using physical
// (full page image) logging, carrying both before- and after-images so that
// Undo (recovery.go) can restore a loser transaction's pages without
// reading the live database file.
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic       "TNSQWAL\x00"
//   [8:12]  Version     uint32 LE (currently 2)
//   [12:16] PageSize    uint32 LE
//   [16:24] Reserved    8 bytes
//   [24:28] HeaderCRC   uint32 LE (CRC of bytes 0:24)
//   [28:32] Padding     4 bytes
//
// WAL record (variable-length, follows header):
//   [0]     RecordType   (1 byte)
//   [1:5]   Reserved     (4 bytes)
//   [5:13]  LSN          (uint64 LE)
//   [13:21] PrevLSN      (uint64 LE) — this transaction's previous record, 0 if none
//   [21:29] TxID         (uint64 LE)
//   [29:33] PageID       (uint32 LE) — only meaningful for PAGE_IMAGE/CLR
//   [33:37] BeforeLen    (uint32 LE) — length of the before-image, 0 if absent
//   [37:41] AfterLen     (uint32 LE) — length of the after-image, 0 if absent
//   [41:45] RecordCRC    (uint32 LE) — CRC of header + both payloads
//   [45:45+BeforeLen]              Before-image bytes
//   [45+BeforeLen:+AfterLen]       After-image bytes
//
// Record types: BEGIN, PAGE_IMAGE, COMMIT, ABORT, CHECKPOINT, CLR.
// A CLR (Compensation Log Record) carries the after-image the Undo pass
// wrote while reversing a loser transaction's update; CLRs are never
// themselves undone, which is what makes Undo idempotent across repeated
// crashes during recovery.

const (
	WALMagic       = "TNSQWAL\x00"
	WALVersion     = uint32(2)
	WALFileHdrSize = 32
	WALRecHdrSize  = 45
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin      WALRecordType = 0x01
	WALRecordPageImage  WALRecordType = 0x02
	WALRecordCommit     WALRecordType = 0x03
	WALRecordAbort      WALRecordType = 0x04
	WALRecordCheckpoint WALRecordType = 0x05
	WALRecordCLR        WALRecordType = 0x06
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordPageImage:
		return "PAGE_IMAGE"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordAbort:
		return "ABORT"
	case WALRecordCheckpoint:
		return "CHECKPOINT"
	case WALRecordCLR:
		return "CLR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// WALRecord is an in-memory representation of a WAL record.
type WALRecord struct {
	Type    WALRecordType
	LSN     LSN
	PrevLSN LSN // previous record written by the same transaction, 0 if none
	TxID    TxID
	PageID  PageID
	Before  []byte // before-image, for Undo; nil if not applicable
	Data    []byte // after-image (full page), nil for BEGIN/COMMIT/ABORT/CHECKPOINT
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	nextLSN  LSN
	writePos int64 // current write offset — avoids Seek syscall

	// lastLSN tracks, per transaction, the LSN of its most recent record
	// so AppendRecord can thread PrevLSN automatically.
	lastLSN map[TxID]LSN
}

// OpenWALFile opens or creates a WAL file. If the file exists, it validates
// the header. If it does not exist, it writes a new header.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: 1, lastLSN: make(map[TxID]LSN)}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Initialise writePos to the end of the file.
	endPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek WAL end: %w", err)
	}
	wf.writePos = endPos

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	// CRC of first 24 bytes
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write WAL header: %w", err)
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read WAL header: %w", err)
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("bad WAL magic")
	}
	ver := binary.LittleEndian.Uint32(hdr[8:12])
	if ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("WAL header CRC mismatch")
	}
	return nil
}

// AppendRecord writes a WAL record and assigns it a monotonic LSN. PrevLSN
// is threaded automatically from the transaction's last record unless the
// caller already set it (non-zero).
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn
	return wf.appendLocked(rec)
}

// ReserveLSN hands out the next LSN without writing a record, for callers
// that must stamp the LSN into a page header before the record's final
// bytes (and therefore its CRC) are known.
func (wf *WALFile) ReserveLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	lsn := wf.nextLSN
	wf.nextLSN++
	return lsn
}

// AppendReserved writes a record whose LSN was already obtained via
// ReserveLSN. rec.LSN must be set by the caller.
func (wf *WALFile) AppendReserved(rec *WALRecord) error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	_, err := wf.appendLocked(rec)
	return err
}

// appendLocked threads PrevLSN and writes rec (whose LSN is already set).
// Caller must hold wf.mu.
func (wf *WALFile) appendLocked(rec *WALRecord) (LSN, error) {
	if rec.PrevLSN == 0 {
		rec.PrevLSN = wf.lastLSN[rec.TxID]
	}
	wf.lastLSN[rec.TxID] = rec.LSN

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	wf.writePos += int64(n)
	return rec.LSN, nil
}

// Sync fsyncs the WAL file to guarantee durability.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Sync()
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	wf.lastLSN = make(map[TxID]LSN)
	return wf.f.Sync()
}

// LastLSN returns the most recent LSN written by txID, or 0 if none.
func (wf *WALFile) LastLSN(txID TxID) LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.lastLSN[txID]
}

// NextLSN returns the next LSN that will be assigned.
func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN allows recovery to set the LSN counter.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	beforeLen := len(rec.Before)
	afterLen := len(rec.Data)
	buf := make([]byte, WALRecHdrSize+beforeLen+afterLen)
	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(rec.TxID))
	binary.LittleEndian.PutUint32(buf[29:33], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(buf[33:37], uint32(beforeLen))
	binary.LittleEndian.PutUint32(buf[37:41], uint32(afterLen))
	// CRC placeholder at [41:45]
	if beforeLen > 0 {
		copy(buf[WALRecHdrSize:], rec.Before)
	}
	if afterLen > 0 {
		copy(buf[WALRecHdrSize+beforeLen:], rec.Data)
	}
	h := crc32.New(crcTable)
	h.Write(buf[:41])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[WALRecHdrSize:])
	binary.LittleEndian.PutUint32(buf[41:45], h.Sum32())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:    WALRecordType(hdr[0]),
		LSN:     LSN(binary.LittleEndian.Uint64(hdr[5:13])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(hdr[13:21])),
		TxID:    TxID(binary.LittleEndian.Uint64(hdr[21:29])),
		PageID:  PageID(binary.LittleEndian.Uint32(hdr[29:33])),
	}
	beforeLen := int(binary.LittleEndian.Uint32(hdr[33:37]))
	afterLen := int(binary.LittleEndian.Uint32(hdr[37:41]))
	storedCRC := binary.LittleEndian.Uint32(hdr[41:45])

	var before, after []byte
	if beforeLen > 0 {
		before = make([]byte, beforeLen)
		if _, err := io.ReadFull(r, before); err != nil {
			return nil, fmt.Errorf("WAL record before-image: %w", err)
		}
		rec.Before = before
	}
	if afterLen > 0 {
		after = make([]byte, afterLen)
		if _, err := io.ReadFull(r, after); err != nil {
			return nil, fmt.Errorf("WAL record after-image: %w", err)
		}
		rec.Data = after
	}

	h := crc32.New(crcTable)
	h.Write(hdr[:41])
	h.Write([]byte{0, 0, 0, 0})
	if before != nil {
		h.Write(before)
	}
	if after != nil {
		h.Write(after)
	}
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", rec.LSN)
	}

	return rec, nil
}

// ReadAllRecords reads all WAL records from the file (after the header).
// Partial/corrupt records at the tail are silently ignored (crash truncation).
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Skip the file header.
	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			// EOF or corrupt tail — stop.
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
