package storage

import (
	"github.com/tuannm99/novabtree/internal/alias/bx"
)

// Every arena page starts with a PreambleSize byte header owned by the
// index. The arena itself only reads and writes two fields, and only on
// pages sitting on the free chain:
//
//	+------------------+ 0
//	| index header     |
//	|  flags    @17    | <-- FlagFree while on the free chain
//	|  right    @24    | <-- next free page
//	+------------------+ 40
//	|  index data      |
//	+------------------+ page size
const (
	PreambleSize = 40

	OffFlags = 17
	OffRight = 24

	FlagFree uint8 = 1 << 0
	FlagKill uint8 = 1 << 1
)

// IsFree reports whether a page body is on the free chain.
func IsFree(b []byte) bool {
	return bx.U8At(b, OffFlags)&FlagFree != 0
}

func markFree(b []byte, next Addr) {
	clear(b)
	bx.PutU8At(b, OffFlags, FlagFree)
	bx.PutU64At(b, OffRight, uint64(next))
}

func freeNext(b []byte) Addr {
	return Addr(bx.U64At(b, OffRight))
}
