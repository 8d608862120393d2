package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/latticedb/lattice/internal/storage/pager"
)

// IndexMeta is the persisted shape of a secondary index, per spec.md §4.3:
// IndexMeta{oid, name, table_oid, key_schema, key_attrs, kind}. Unlike the
// table catalog, index metadata has no literal byte layout in spec.md, so
// it is stored the way the teacher's own system catalog
// (pager/catalog.go's Catalog) stores table metadata: JSON-encoded values
// in a dedicated B+Tree, keyed by index name.
type IndexMeta struct {
	OID      uint32
	Name     string
	TableOID uint32
	// KeyAttrs are the 0-based column positions (within the table's
	// schema) that make up the index key, in key order.
	KeyAttrs []int
	Unique   bool
	// RootPage is the PageID of the index's own B+Tree root.
	RootPage pager.PageID
}

// IndexCatalog is the index-metadata store, a thin JSON-over-B+Tree layer
// mirroring pager/catalog.go's Catalog but scoped to IndexMeta instead of
// whole-table rows (this build's tables live in internal/storage/heap,
// not in a B+Tree-backed row store).
type IndexCatalog struct {
	mu   sync.RWMutex
	p    *pager.Pager
	tree *pager.BTree
}

// OpenIndexCatalog opens or creates the index-metadata B+Tree, whose root
// is tracked by the superblock's IndexCatalogRoot field.
func OpenIndexCatalog(p *pager.Pager, txID pager.TxID) (*IndexCatalog, error) {
	sb := p.Superblock()
	ic := &IndexCatalog{p: p}

	if sb.IndexCatalogRoot == pager.InvalidPageID {
		bt, err := pager.CreateBTree(p, txID)
		if err != nil {
			return nil, fmt.Errorf("create index catalog tree: %w", err)
		}
		ic.tree = bt
		p.UpdateSuperblock(func(s *pager.Superblock) {
			s.IndexCatalogRoot = bt.Root()
		})
		return ic, nil
	}
	ic.tree = pager.NewBTree(p, sb.IndexCatalogRoot)
	return ic, nil
}

// CreateIndex persists a new index's metadata under txID.
func (ic *IndexCatalog) CreateIndex(txID pager.TxID, meta IndexMeta) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	val, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := ic.tree.Insert(txID, indexKey(meta.Name), val); err != nil {
		return err
	}
	ic.p.UpdateSuperblock(func(s *pager.Superblock) {
		s.IndexCatalogRoot = ic.tree.Root()
	})
	return nil
}

// GetIndex looks up an index by name.
func (ic *IndexCatalog) GetIndex(name string) (*IndexMeta, bool, error) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()

	val, found, err := ic.tree.Get(indexKey(name))
	if err != nil || !found {
		return nil, found, err
	}
	var meta IndexMeta
	if err := json.Unmarshal(val, &meta); err != nil {
		return nil, false, err
	}
	return &meta, true, nil
}

// DropIndex removes an index's metadata within txID.
func (ic *IndexCatalog) DropIndex(txID pager.TxID, name string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	found, err := ic.tree.Delete(txID, indexKey(name))
	if err != nil {
		return err
	}
	if !found {
		return ErrTableNotFound // reuse: "not found" in this catalog's namespace
	}
	ic.p.UpdateSuperblock(func(s *pager.Superblock) {
		s.IndexCatalogRoot = ic.tree.Root()
	})
	return nil
}

// ListIndexesForTable returns every index registered against tableOID.
func (ic *IndexCatalog) ListIndexesForTable(tableOID uint32) ([]IndexMeta, error) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()

	var out []IndexMeta
	err := ic.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		var meta IndexMeta
		if jsonErr := json.Unmarshal(val, &meta); jsonErr == nil && meta.TableOID == tableOID {
			out = append(out, meta)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func indexKey(name string) []byte {
	// 1-byte namespace prefix keeps this free to share a tree with other
	// kinds of metadata in the future without key collisions.
	buf := make([]byte, 1+len(name))
	buf[0] = 0x01
	copy(buf[1:], name)
	return buf
}
