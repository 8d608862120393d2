// Package catalog implements the system catalog: the in-memory
// name/oid -> metadata maps for tables, backed by a single reserved
// literal-format page, per spec.md §4.9/§6. Grounded stylistically on
// pager/superblock.go's fixed-offset binary marshal idiom (running byte
// offsets, binary.LittleEndian Put/Get, SetPageCRC/VerifyPageCRC).
//
// Spec.md calls page 0 "the" catalog page. This pager already hard-codes
// page 0 as the superblock — every other page type, Checkpoint, and WAL
// replay assume that — so the catalog instead lives on a pager-assigned
// page whose PageID is recorded in the superblock's TableCatalogPage
// field. The record layout written to that page is otherwise exactly the
// layout spec.md §6 describes for page 0.
package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/latticedb/lattice/internal/storage/pager"
	"github.com/latticedb/lattice/internal/storage/value"
)

// Catalog field offsets from the end of the page, per spec.md §6.
const (
	trailerNextTableOIDFromEnd = 16
	trailerNextIndexOIDFromEnd = 8
)

// ColumnMeta is one column's persisted metadata.
type ColumnMeta struct {
	Name     string
	Type     value.Kind
	DeclLen  uint32
	Nullable bool
	PK       bool
	Unique   bool
}

// TableMeta is one table's persisted metadata: TableMeta{oid, name,
// first_page_id, schema} per spec.md §4.3.
type TableMeta struct {
	Name      string
	OID       uint32
	FirstPage pager.PageID
	Columns   []ColumnMeta
}

// Schema converts a TableMeta's persisted columns into a *value.Schema
// usable by the heap/codec and planner layers.
func (tm *TableMeta) Schema() *value.Schema {
	cols := make([]value.Column, len(tm.Columns))
	for i, c := range tm.Columns {
		cols[i] = value.Column{
			Name:     c.Name,
			Type:     c.Type,
			DeclLen:  c.DeclLen,
			Nullable: c.Nullable,
			PK:       c.PK,
			Unique:   c.Unique,
		}
	}
	return value.NewSchema(cols)
}

// Catalog owns the in-memory table map and the single page it persists
// to. Per spec.md §4.9: "every mutation calls persist() which writes a
// compact record into page 0"; here into the reserved table-catalog page.
type Catalog struct {
	mu sync.RWMutex

	p      *pager.Pager
	pageID pager.PageID

	tables map[string]*TableMeta
	order  []string // insertion order, kept so reload produces a stable encoding

	nextTableOID uint32
	nextIndexOID uint32
}

// ErrTableExists is returned by CreateTable when the name is already taken.
// Table names are unique per spec.md §4.2's invariants.
var ErrTableExists = fmt.Errorf("catalog: table already exists")

// ErrTableNotFound is returned by DropTable when no table by that name is
// registered.
var ErrTableNotFound = fmt.Errorf("catalog: table not found")

// ErrCatalogFull is returned by persist when the encoded catalog no longer
// fits in a single page. The literal page-0 layout in spec.md §6 has no
// overflow chain, so this build caps out at whatever a single PAGE_SIZE
// page holds.
var ErrCatalogFull = fmt.Errorf("catalog: page is full")

// OpenCatalog opens the existing table catalog, or creates a fresh empty
// one (oid counters starting at 1) if the superblock has no catalog page
// yet. Mirrors the zeroed-page-means-empty-catalog rule from spec.md §4.9.
func OpenCatalog(p *pager.Pager, txID pager.TxID) (*Catalog, error) {
	sb := p.Superblock()
	c := &Catalog{
		p:      p,
		tables: make(map[string]*TableMeta),
	}

	if sb.TableCatalogPage == pager.InvalidPageID {
		pid, buf := p.AllocPage()
		pager.MarshalHeader(&pager.PageHeader{Type: pager.PageTypeCatalog, ID: pid}, buf)
		c.pageID = pid
		c.nextTableOID = 1
		c.nextIndexOID = 1
		if err := c.encodeInto(buf); err != nil {
			p.UnpinPage(pid)
			return nil, err
		}
		if err := p.WritePage(txID, pid, buf); err != nil {
			p.UnpinPage(pid)
			return nil, fmt.Errorf("init catalog page: %w", err)
		}
		p.UnpinPage(pid)
		p.UpdateSuperblock(func(s *pager.Superblock) {
			s.TableCatalogPage = pid
		})
		return c, nil
	}

	c.pageID = sb.TableCatalogPage
	buf, err := p.ReadPage(c.pageID)
	if err != nil {
		return nil, fmt.Errorf("read catalog page: %w", err)
	}
	defer p.UnpinPage(c.pageID)
	if err := c.decodeFrom(buf); err != nil {
		return nil, fmt.Errorf("decode catalog page: %w", err)
	}
	return c, nil
}

// CreateTable registers a new table, assigns it the next monotone OID, and
// persists the catalog page within txID.
func (c *Catalog) CreateTable(txID pager.TxID, name string, cols []ColumnMeta, firstPage pager.PageID) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, ErrTableExists
	}
	tm := &TableMeta{
		Name:      name,
		OID:       c.nextTableOID,
		FirstPage: firstPage,
		Columns:   append([]ColumnMeta(nil), cols...),
	}
	c.nextTableOID++
	c.tables[name] = tm
	c.order = append(c.order, name)

	if err := c.persistLocked(txID); err != nil {
		// Roll the in-memory registration back; the page write failed so
		// the on-disk catalog never saw this table.
		delete(c.tables, name)
		c.order = c.order[:len(c.order)-1]
		c.nextTableOID--
		return nil, err
	}
	return tm, nil
}

// GetTable looks up a table by name. The returned *TableMeta must not be
// mutated by the caller.
func (c *Catalog) GetTable(name string) (*TableMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tm, ok := c.tables[name]
	return tm, ok
}

// DropTable removes a table's metadata and persists the result. It does
// not free the table's heap pages — callers own that (heap.TableHeap's
// caller, typically the DROP TABLE executor, frees the page chain first).
func (c *Catalog) DropTable(txID pager.TxID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; !ok {
		return ErrTableNotFound
	}
	delete(c.tables, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return c.persistLocked(txID)
}

// PeekNextTableOID returns the OID CreateTable would assign to the next
// table created, without reserving it. The engine facade needs this
// because a table's heap must be created (to learn FirstPage) before
// CreateTable can run, yet the heap's first page is locked under the
// table's own OID as its lock.TableOID identity — so the OID has to be
// known one step earlier than CreateTable normally hands it out. Callers
// must serialize DDL (the engine does, via a single DDL-wide lock) since
// nothing here reserves the peeked value.
func (c *Catalog) PeekNextTableOID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextTableOID
}

// ListTables returns every registered table name, sorted, per spec.md
// §4.9's list_tables operation.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextIndexOID allocates and persists the next index OID. Index metadata
// itself is stored separately (index.go); this counter lives on the table
// catalog page's trailer alongside next_table_oid, per spec.md §6.
func (c *Catalog) NextIndexOID(txID pager.TxID) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oid := c.nextIndexOID
	c.nextIndexOID++
	if err := c.persistLocked(txID); err != nil {
		c.nextIndexOID--
		return 0, err
	}
	return oid, nil
}

func (c *Catalog) persistLocked(txID pager.TxID) error {
	buf, err := c.p.ReadPage(c.pageID)
	if err != nil {
		return fmt.Errorf("read catalog page: %w", err)
	}
	defer c.p.UnpinPage(c.pageID)

	if err := c.encodeInto(buf); err != nil {
		return err
	}
	return c.p.WritePage(txID, c.pageID, buf)
}

// encodeInto writes the literal catalog record, per spec.md §6:
//
//	u32 num_tables
//	[ u32 name_len, name, u32 oid, u32 first_page, u32 ncols,
//	  [ u32 cname_len, cname, u8 type_tag, u32 decl_len, u8 nullable ]* ]*
//	padding
//	u32 next_table_oid @ PAGE_SIZE-16
//	u32 next_index_oid @ PAGE_SIZE-8
//
// The single nullable byte of spec.md §6 is widened here into a flags
// byte (bit0 nullable, bit1 pk, bit2 unique) so a reload restores full
// column fidelity, not just nullability — needed since PK/UNIQUE drive
// constraint checking after a restart, not only list_tables().
func (c *Catalog) encodeInto(buf []byte) error {
	pageSize := len(buf)
	trailerStart := pageSize - trailerNextTableOIDFromEnd

	pos := pager.PageHeaderSize
	writeU32 := func(v uint32) error {
		if pos+4 > trailerStart {
			return ErrCatalogFull
		}
		binary.LittleEndian.PutUint32(buf[pos:], v)
		pos += 4
		return nil
	}
	writeU8 := func(v uint8) error {
		if pos+1 > trailerStart {
			return ErrCatalogFull
		}
		buf[pos] = v
		pos++
		return nil
	}
	writeBytes := func(b []byte) error {
		if pos+len(b) > trailerStart {
			return ErrCatalogFull
		}
		copy(buf[pos:], b)
		pos += len(b)
		return nil
	}
	writeStr := func(s string) error {
		if err := writeU32(uint32(len(s))); err != nil {
			return err
		}
		return writeBytes([]byte(s))
	}

	if err := writeU32(uint32(len(c.order))); err != nil {
		return err
	}
	for _, name := range c.order {
		tm := c.tables[name]
		if err := writeStr(tm.Name); err != nil {
			return err
		}
		if err := writeU32(tm.OID); err != nil {
			return err
		}
		if err := writeU32(uint32(tm.FirstPage)); err != nil {
			return err
		}
		if err := writeU32(uint32(len(tm.Columns))); err != nil {
			return err
		}
		for _, col := range tm.Columns {
			if err := writeStr(col.Name); err != nil {
				return err
			}
			if err := writeU8(uint8(col.Type)); err != nil {
				return err
			}
			if err := writeU32(col.DeclLen); err != nil {
				return err
			}
			flags := uint8(0)
			if col.Nullable {
				flags |= 1
			}
			if col.PK {
				flags |= 2
			}
			if col.Unique {
				flags |= 4
			}
			if err := writeU8(flags); err != nil {
				return err
			}
		}
	}
	// Zero the rest of the content area so a shrinking catalog (after a
	// DropTable) doesn't leave stale bytes behind.
	for i := pos; i < trailerStart; i++ {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[pageSize-trailerNextTableOIDFromEnd:], c.nextTableOID)
	binary.LittleEndian.PutUint32(buf[pageSize-trailerNextIndexOIDFromEnd:], c.nextIndexOID)

	pager.SetPageCRC(buf)
	return nil
}

// decodeFrom parses a catalog page written by encodeInto. A page whose
// num_tables, trailer counters, and CRC are all zero is treated as an
// empty, freshly-formatted catalog (the "zeroed page means empty catalog"
// rule of spec.md §4.9) rather than a corruption error.
func (c *Catalog) decodeFrom(buf []byte) error {
	pageSize := len(buf)

	if err := pager.VerifyPageCRC(buf); err != nil {
		if allZero(buf) {
			c.nextTableOID = 1
			c.nextIndexOID = 1
			return nil
		}
		return fmt.Errorf("catalog page CRC: %w", err)
	}

	pos := pager.PageHeaderSize
	readU32 := func() (uint32, error) {
		if pos+4 > len(buf) {
			return 0, fmt.Errorf("catalog page truncated")
		}
		v := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		return v, nil
	}
	readU8 := func() (uint8, error) {
		if pos+1 > len(buf) {
			return 0, fmt.Errorf("catalog page truncated")
		}
		v := buf[pos]
		pos++
		return v, nil
	}
	readStr := func() (string, error) {
		n, err := readU32()
		if err != nil {
			return "", err
		}
		if pos+int(n) > len(buf) {
			return "", fmt.Errorf("catalog page truncated")
		}
		s := string(buf[pos : pos+int(n)])
		pos += int(n)
		return s, nil
	}

	numTables, err := readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < numTables; i++ {
		name, err := readStr()
		if err != nil {
			return err
		}
		oid, err := readU32()
		if err != nil {
			return err
		}
		firstPage, err := readU32()
		if err != nil {
			return err
		}
		ncols, err := readU32()
		if err != nil {
			return err
		}
		cols := make([]ColumnMeta, ncols)
		for j := uint32(0); j < ncols; j++ {
			cname, err := readStr()
			if err != nil {
				return err
			}
			typeTag, err := readU8()
			if err != nil {
				return err
			}
			declLen, err := readU32()
			if err != nil {
				return err
			}
			flags, err := readU8()
			if err != nil {
				return err
			}
			cols[j] = ColumnMeta{
				Name:     cname,
				Type:     value.Kind(typeTag),
				DeclLen:  declLen,
				Nullable: flags&1 != 0,
				PK:       flags&2 != 0,
				Unique:   flags&4 != 0,
			}
		}
		tm := &TableMeta{Name: name, OID: oid, FirstPage: pager.PageID(firstPage), Columns: cols}
		c.tables[name] = tm
		c.order = append(c.order, name)
	}

	c.nextTableOID = binary.LittleEndian.Uint32(buf[pageSize-trailerNextTableOIDFromEnd:])
	c.nextIndexOID = binary.LittleEndian.Uint32(buf[pageSize-trailerNextIndexOIDFromEnd:])
	return nil
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
