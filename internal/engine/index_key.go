package engine

import (
	"encoding/binary"
	"math"

	"github.com/latticedb/lattice/internal/exec"
	"github.com/latticedb/lattice/internal/storage/value"
)

// indexKeyFor builds a secondary index's B+Tree key for one tuple, per
// spec.md §4.3/§4.8: a deterministic byte encoding over the indexed
// columns (in KeyAttrs order) such that bytes.Compare on two encoded
// keys agrees with SQL ordering on the original values — the B+Tree
// itself only ever does bytes.Compare (btree.go), so every Value kind
// needs an order-preserving encoding, not just a serialization.
// Returns nil if any key attribute is NULL: spec.md leaves NULL keys out
// of a secondary index (a NULL row is found by a full scan, never an
// index probe), matching how most SQL engines treat indexed NULLs.
func indexKeyFor(tup value.Tuple, keyAttrs []int) []byte {
	var buf []byte
	for _, pos := range keyAttrs {
		v := tup.Get(pos)
		if v.IsNull() {
			return nil
		}
		buf = appendOrderedKey(buf, v)
	}
	return buf
}

// appendOrderedKey appends v's order-preserving encoding to buf. Each
// kind gets a one-byte tag first, so a multi-column key never confuses
// two different kinds' encodings for each other (columns are typed, so
// this only matters for future-proofing against a column's declared type
// changing without a matching REINDEX).
func appendOrderedKey(buf []byte, v value.Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case value.Boolean:
		if v.B {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case value.Integer:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(v.I32)^0x80000000)
		buf = append(buf, tmp[:]...)
	case value.BigInt:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.I64)^0x8000000000000000)
		buf = append(buf, tmp[:]...)
	case value.Timestamp:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.TS)^0x8000000000000000)
		buf = append(buf, tmp[:]...)
	case value.Double:
		buf = append(buf, orderedFloatBytes(v.F64)...)
	case value.Varchar:
		buf = appendEscapedVarchar(buf, v.S)
	}
	return buf
}

// orderedFloatBytes encodes f so unsigned byte comparison matches IEEE
// 754 numeric ordering: for non-negative floats, flip the sign bit; for
// negative floats, flip every bit (pushes larger-magnitude negatives
// before smaller ones, and all negatives before all positives).
func orderedFloatBytes(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&0x8000000000000000 != 0 {
		bits = ^bits
	} else {
		bits |= 0x8000000000000000
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	return tmp[:]
}

// appendEscapedVarchar appends s's collated key (exec.CollatedVarcharKey,
// per the x/text collation wiring documented in exec/collate.go),
// escaping any 0x00 byte as 0x00 0xFF and terminating with 0x00 0x00 —
// the standard order-preserving-concatenation trick for variable-length
// key components, needed so a later column in a composite key can never
// change how an earlier VARCHAR column's comparison came out.
func appendEscapedVarchar(buf []byte, s string) []byte {
	ck := exec.CollatedVarcharKey(s)
	for _, b := range ck {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00, 0x00)
}
