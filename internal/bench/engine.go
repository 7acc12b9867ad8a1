// Package bench drives concurrent workloads against the index and against
// pebble for comparison.
package bench

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/tuannm99/novabtree/internal/btree"
)

// Engine is the common surface the workload runner exercises.
type Engine interface {
	Name() string
	Put(key []byte, id uint64) error
	Get(key []byte) (uint64, bool, error)
	Delete(key []byte) (bool, error)
	// Scan visits up to n keys starting at from and returns how many it saw.
	Scan(from []byte, n int) (int, error)
	Close() error
}

// TreeEngine runs workloads against a btree.Tree. Close closes the tree.
type TreeEngine struct {
	Tree *btree.Tree
}

var _ Engine = (*TreeEngine)(nil)

func (e *TreeEngine) Name() string { return "btree" }

func (e *TreeEngine) Put(key []byte, id uint64) error {
	return e.Tree.Insert(key, btree.ObjID(id))
}

func (e *TreeEngine) Get(key []byte) (uint64, bool, error) {
	id, ok, err := e.Tree.Find(key)
	return uint64(id), ok, err
}

func (e *TreeEngine) Delete(key []byte) (bool, error) { return e.Tree.Delete(key) }

func (e *TreeEngine) Scan(from []byte, n int) (int, error) {
	c := e.Tree.Cursor()
	c.SeekKey(from)
	if c.Err() != nil {
		return 0, c.Err()
	}
	seen := 0
	for ; seen < n; seen++ {
		if _, ok := c.NextKey(); !ok {
			break
		}
	}
	return seen, c.Err()
}

func (e *TreeEngine) Close() error { return e.Tree.Close() }

// PebbleEngine stores ids as 8-byte big-endian values in a pebble database.
type PebbleEngine struct {
	db *pebble.DB
}

var _ Engine = (*PebbleEngine)(nil)

// OpenPebble opens (or creates) a pebble database in dir.
func OpenPebble(dir string) (*PebbleEngine, error) {
	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("bench: open pebble: %w", err)
	}
	return &PebbleEngine{db: db}, nil
}

func (e *PebbleEngine) Name() string { return "pebble" }

func (e *PebbleEngine) Put(key []byte, id uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], id)
	return e.db.Set(key, v[:], pebble.NoSync)
}

func (e *PebbleEngine) Get(key []byte) (uint64, bool, error) {
	val, closer, err := e.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("bench: pebble get: %w", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("bench: pebble value of %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// Delete reports true when the key existed before the call.
func (e *PebbleEngine) Delete(key []byte) (bool, error) {
	_, ok, err := e.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := e.db.Delete(key, pebble.NoSync); err != nil {
		return false, fmt.Errorf("bench: pebble delete: %w", err)
	}
	return true, nil
}

func (e *PebbleEngine) Scan(from []byte, n int) (int, error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: from})
	if err != nil {
		return 0, fmt.Errorf("bench: pebble scan: %w", err)
	}
	seen := 0
	for valid := iter.First(); valid && seen < n; valid = iter.Next() {
		seen++
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return seen, err
	}
	return seen, iter.Close()
}

func (e *PebbleEngine) Close() error { return e.db.Close() }
