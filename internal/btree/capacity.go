package btree

import (
	"github.com/tuannm99/novabtree/internal/alias/bx"
	"github.com/tuannm99/novabtree/internal/storage"
)

// MaxKeyCap bounds keys regardless of page size.
const MaxKeyCap = 4096

// maxKeyLen is the longest key an interior page of pageSize bytes can
// take while still holding four entries, so every split leaves both
// halves with room for the pending insert and fences posted from below.
func maxKeyLen(pageSize int) int {
	n := (pageSize-HeaderSize)/4 - SlotSize - 2 - valueSize
	return max(0, min(MaxKeyCap, n, bx.PrefixKeyMax))
}

// maxEntriesPerPage returns how many keys of keyLen bytes a page of
// pageSize bytes holds when built by rebuild (librarian per key).
func maxEntriesPerPage(pageSize, keyLen int) int {
	free := pageSize - HeaderSize - SlotSize // empty stopper slot with +inf key
	free -= entrySize(0)
	if free <= 0 {
		return 0
	}
	return free / (entrySize(keyLen) + 2*SlotSize)
}

// requiredSpace is what an insert of keyLen bytes reserves on a page:
// the entry plus a librarian and its own slot.
func requiredSpace(keyLen int) int {
	return entrySize(keyLen) + 2*SlotSize
}

func geometryMaxKeyLen(geo storage.Geometry) int {
	return maxKeyLen(geo.PageSize(storage.Interior))
}
