package btree

import (
	"os"

	"github.com/tuannm99/novabtree/internal/storage"
)

// DropIndex removes all arena segments of an index stored under lfs.
// The index must be closed. Drop is idempotent.
func DropIndex(lfs storage.LocalFileSet) error {
	if err := os.MkdirAll(lfs.Dir, storage.FileMode0755); err != nil {
		return err
	}
	return storage.RemoveArena(lfs)
}
