// stand for bytes helper
package bx

import "encoding/binary"

var (
	LE = binary.LittleEndian
	BE = binary.BigEndian
)

// --- LE: page header and slot words ---
func U8At(b []byte, off int) uint8           { return b[off] }
func PutU8At(b []byte, off int, v uint8)     { b[off] = v }
func U32At(b []byte, off int) uint32         { return LE.Uint32(b[off:]) }
func U64At(b []byte, off int) uint64         { return LE.Uint64(b[off:]) }
func PutU32At(b []byte, off int, v uint32)   { LE.PutUint32(b[off:], v) }
func PutU64At(b []byte, off int, v uint64)   { LE.PutUint64(b[off:], v) }
func U64BEAt(b []byte, off int) uint64       { return BE.Uint64(b[off:]) }
func PutU64BEAt(b []byte, off int, v uint64) { BE.PutUint64(b[off:], v) }

// Key length prefix.
//
//	len <= 127: one byte holding the length
//	len >  127: two bytes, big-endian, high bit set
const (
	ShortKeyMax  = 0x7f
	PrefixKeyMax = 0x7fff
)

// PrefixSize returns how many bytes the length prefix of an n-byte key takes.
func PrefixSize(n int) int {
	if n > ShortKeyMax {
		return 2
	}
	return 1
}

// PutPrefix writes the length prefix for an n-byte key and returns its size.
// n must not exceed PrefixKeyMax.
func PutPrefix(b []byte, n int) int {
	if n > ShortKeyMax {
		b[0] = 0x80 | byte(n>>8)
		b[1] = byte(n)
		return 2
	}
	b[0] = byte(n)
	return 1
}

// Prefix decodes a length prefix: key length and prefix size.
func Prefix(b []byte) (n int, size int) {
	if b[0]&0x80 != 0 {
		return int(b[0]&0x7f)<<8 | int(b[1]), 2
	}
	return int(b[0]), 1
}
