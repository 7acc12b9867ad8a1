package btree

import (
	"fmt"

	"github.com/tuannm99/novabtree/internal/alias/bx"
	"github.com/tuannm99/novabtree/internal/storage"
)

// Index metadata, little-endian at the start of the arena header:
//
//	 0  pageSize   u32
//	 4  pageBits   u32
//	 8  leafXtra   u32
//	16  numEntries u64
//	24  root       u64
//	32  leaf       u64 (leftmost leaf)
const (
	metaPageSize   = 0
	metaPageBits   = 4
	metaLeafXtra   = 8
	metaNumEntries = 16
	metaRoot       = 24
	metaLeaf       = 32
)

type meta []byte

func (m meta) pageSize() int          { return int(bx.U32At(m, metaPageSize)) }
func (m meta) numEntries() int64      { return int64(bx.U64At(m, metaNumEntries)) }
func (m meta) setNumEntries(n int64)  { bx.PutU64At(m, metaNumEntries, uint64(n)) }
func (m meta) root() storage.Addr     { return storage.Addr(bx.U64At(m, metaRoot)) }
func (m meta) setRoot(a storage.Addr) { bx.PutU64At(m, metaRoot, uint64(a)) }
func (m meta) leaf() storage.Addr     { return storage.Addr(bx.U64At(m, metaLeaf)) }
func (m meta) setLeaf(a storage.Addr) { bx.PutU64At(m, metaLeaf, uint64(a)) }
func (m meta) fresh() bool            { return m.pageSize() == 0 }

func (m meta) geometry() storage.Geometry {
	return storage.Geometry{
		PageBits: uint(bx.U32At(m, metaPageBits)),
		LeafXtra: uint(bx.U32At(m, metaLeafXtra)),
	}
}

func (m meta) setGeometry(g storage.Geometry) {
	bx.PutU32At(m, metaPageSize, uint32(g.PageSize(storage.Interior)))
	bx.PutU32At(m, metaPageBits, uint32(g.PageBits))
	bx.PutU32At(m, metaLeafXtra, uint32(g.LeafXtra))
}

// check validates stored metadata against the arena it was read from.
func (m meta) check(geo storage.Geometry) error {
	if got := m.geometry(); got != geo || m.pageSize() != geo.PageSize(storage.Interior) {
		return fmt.Errorf("%w: index %+v (page size %d), arena %+v",
			storage.ErrGeometryMismatch, got, m.pageSize(), geo)
	}
	if m.root().IsNil() || m.leaf().IsNil() || m.leaf().Class() != storage.Leaf {
		return fmt.Errorf("%w: root %s, leaf %s", ErrCorruption, m.root(), m.leaf())
	}
	if m.numEntries() < 0 {
		return fmt.Errorf("%w: negative entry count", ErrCorruption)
	}
	return nil
}
