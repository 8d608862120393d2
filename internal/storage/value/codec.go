package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ───────────────────────────────────────────────────────────────────────────
// Binary tuple codec
// ───────────────────────────────────────────────────────────────────────────
//
// Fixed-width header (null bitmap + value count) followed by variable-width
// payloads, one per column in schema order. Deserialization is the exact
// inverse of serialization.
//
// Wire format:
//   [0:2]  ColumnCount (uint16 LE)
//   [2:N]  Null bitmap, ceil(ColumnCount/8) bytes, bit i set => column i is NULL
//   For each non-NULL column, in order:
//     BOOLEAN   1 byte  (0/1)
//     INTEGER   4 bytes LE (int32)
//     BIGINT    8 bytes LE (int64)
//     DOUBLE    8 bytes LE (float64 bits)
//     VARCHAR   uint16 LE length prefix + UTF-8 bytes
//     TIMESTAMP 8 bytes LE (int64 micros)

func bitmapLen(n int) int { return (n + 7) / 8 }

// Encode serializes a Tuple against its Schema into the compact binary
// format described above.
func Encode(schema *Schema, t Tuple) ([]byte, error) {
	n := schema.Len()
	if len(t.Values) != n {
		return nil, fmt.Errorf("value: tuple has %d values, schema has %d columns", len(t.Values), n)
	}
	bmLen := bitmapLen(n)
	buf := make([]byte, 2+bmLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
	bitmap := buf[2 : 2+bmLen]

	for i, v := range t.Values {
		if v.IsNull() {
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}
		col := schema.Cols[i]
		switch col.Type {
		case Boolean:
			var b byte
			if v.B {
				b = 1
			}
			buf = append(buf, b)
		case Integer:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(v.I32))
			buf = append(buf, b[:]...)
		case BigInt:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v.I64))
			buf = append(buf, b[:]...)
		case Double:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.F64))
			buf = append(buf, b[:]...)
		case Varchar:
			var lb [2]byte
			binary.LittleEndian.PutUint16(lb[:], uint16(len(v.S)))
			buf = append(buf, lb[:]...)
			buf = append(buf, v.S...)
		case Timestamp:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v.TS))
			buf = append(buf, b[:]...)
		default:
			return nil, fmt.Errorf("value: unsupported column kind %s", col.Type)
		}
	}
	return buf, nil
}

// Decode deserializes a Tuple from the compact binary format against the
// given Schema.
func Decode(schema *Schema, data []byte) (Tuple, error) {
	n := schema.Len()
	bmLen := bitmapLen(n)
	if len(data) < 2+bmLen {
		return Tuple{}, fmt.Errorf("value: tuple data too short")
	}
	colCount := int(binary.LittleEndian.Uint16(data[0:2]))
	if colCount != n {
		return Tuple{}, fmt.Errorf("value: encoded column count %d does not match schema %d", colCount, n)
	}
	bitmap := data[2 : 2+bmLen]
	off := 2 + bmLen
	vals := make([]Value, n)

	for i := 0; i < n; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			vals[i] = NullValue
			continue
		}
		col := schema.Cols[i]
		switch col.Type {
		case Boolean:
			if off >= len(data) {
				return Tuple{}, fmt.Errorf("value: truncated bool at column %d", i)
			}
			vals[i] = NewBool(data[off] != 0)
			off++
		case Integer:
			if off+4 > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated int at column %d", i)
			}
			vals[i] = NewInt(int32(binary.LittleEndian.Uint32(data[off : off+4])))
			off += 4
		case BigInt:
			if off+8 > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated bigint at column %d", i)
			}
			vals[i] = NewBigInt(int64(binary.LittleEndian.Uint64(data[off : off+8])))
			off += 8
		case Double:
			if off+8 > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated double at column %d", i)
			}
			vals[i] = NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8])))
			off += 8
		case Varchar:
			if off+2 > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated varchar len at column %d", i)
			}
			slen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+slen > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated varchar data at column %d", i)
			}
			vals[i] = NewVarchar(string(data[off : off+slen]))
			off += slen
		case Timestamp:
			if off+8 > len(data) {
				return Tuple{}, fmt.Errorf("value: truncated timestamp at column %d", i)
			}
			vals[i] = Value{Kind: Timestamp, TS: int64(binary.LittleEndian.Uint64(data[off : off+8]))}
			off += 8
		default:
			return Tuple{}, fmt.Errorf("value: unsupported column kind %s", col.Type)
		}
	}
	return Tuple{Values: vals}, nil
}
