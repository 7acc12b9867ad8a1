package btree

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

// ObjID identifies the object a key points at.
type ObjID uint64

// DefaultRetries bounds re-descents after racing with structure changes.
const DefaultRetries = 64

// Tree is a concurrent B-link tree stored in an arena.
//
// Any number of goroutines may call Insert, Delete, Find and use cursors
// at the same time. Sync, Verify and Stats expect no concurrent writers
// for exact results; Close must be the last call.
type Tree struct {
	arena storage.Arena
	owned bool
	geo   storage.Geometry
	meta  meta

	root  atomic.Uint64
	leaf  storage.Addr
	count atomic.Int64

	// Parent on rootLatch serializes replacing the root
	rootLatch latch.Set

	maxKey  int
	retries int
	log     *slog.Logger
	scratch [2]sync.Pool
	closed  atomic.Bool
}

type Option func(*Tree)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.log = l
		}
	}
}

// WithRetries sets how many times an operation re-descends before
// giving up with ErrStaleStructure.
func WithRetries(n int) Option {
	return func(t *Tree) {
		if n > 0 {
			t.retries = n
		}
	}
}

// Open binds a tree to an arena. A fresh arena gets an empty leaf that is
// both root and leftmost leaf.
func Open(arena storage.Arena, opts ...Option) (*Tree, error) {
	t := &Tree{
		arena:   arena,
		geo:     arena.Geometry(),
		meta:    meta(arena.Header()),
		retries: DefaultRetries,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.maxKey = geometryMaxKeyLen(t.geo)
	for c := range t.scratch {
		size := t.geo.PageSize(storage.Class(c))
		t.scratch[c].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}

	if t.meta.fresh() {
		f, err := arena.AllocPage(0)
		if err != nil {
			return nil, fmt.Errorf("btree: create root: %w", err)
		}
		page(f.Data).rebuild(0, []entry{{typ: Stopper}})
		f.Unpin()

		t.meta.setGeometry(t.geo)
		t.meta.setRoot(f.Addr)
		t.meta.setLeaf(f.Addr)
		t.meta.setNumEntries(0)
		t.log.Debug("btree.Open", "created", true, "root", f.Addr)
	} else if err := t.meta.check(t.geo); err != nil {
		return nil, err
	}

	t.root.Store(uint64(t.meta.root()))
	t.leaf = t.meta.leaf()
	t.count.Store(t.meta.numEntries())
	t.log.Debug("btree.Open",
		"root", t.meta.root(),
		"entries", t.count.Load(),
		"pageBits", t.geo.PageBits,
		"leafXtra", t.geo.LeafXtra,
	)
	return t, nil
}

// OpenFile opens (or creates) a memory-mapped index stored under lfs.
// The tree owns the arena and closes it on Close.
func OpenFile(lfs storage.LocalFileSet, aopts storage.Options, opts ...Option) (*Tree, error) {
	arena, err := storage.OpenMmap(lfs, aopts)
	if err != nil {
		return nil, err
	}
	t, err := Open(arena, opts...)
	if err != nil {
		if cerr := arena.Close(); cerr != nil {
			slog.Warn("btree.OpenFile", "arena", lfs.String(), "err", cerr)
		}
		return nil, err
	}
	t.owned = true
	return t, nil
}

func (t *Tree) rootAddr() storage.Addr { return storage.Addr(t.root.Load()) }

func (t *Tree) checkKey(key []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(key) > t.maxKey {
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLong, len(key), t.maxKey)
	}
	return nil
}

// Insert maps key to id, replacing the id of an existing key.
func (t *Tree) Insert(key []byte, id ObjID) error {
	return t.InsertKey(key, 0, uint64(id), Indexed)
}

// InsertKey is the low-level upsert. Only the leaf level (0) accepts
// direct inserts; typ is Indexed to insert or Deleted to tombstone.
func (t *Tree) InsertKey(key []byte, lvl uint8, value uint64, typ SlotType) error {
	if lvl != 0 || (typ != Indexed && typ != Deleted) {
		return fmt.Errorf("%w: level %d type %s", ErrBadLevel, lvl, typ)
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	out, err := t.insertKey(key, lvl, value, typ)
	if err != nil {
		return err
	}
	t.account(out)
	return nil
}

// Delete marks key dead and reports whether it was present.
func (t *Tree) Delete(key []byte) (bool, error) {
	if err := t.checkKey(key); err != nil {
		return false, err
	}
	out, err := t.insertKey(key, 0, 0, Deleted)
	if err != nil {
		return false, err
	}
	t.account(out)
	return out == outDeleted, nil
}

func (t *Tree) account(out outcome) {
	switch out {
	case outInserted, outRevived:
		t.count.Add(1)
	case outDeleted:
		t.count.Add(-1)
	}
}

// Find returns the id stored for key.
func (t *Tree) Find(key []byte) (ObjID, bool, error) {
	if err := t.checkKey(key); err != nil {
		return 0, false, err
	}
	set, err := t.loadPage(pointTarget(key), 0, latch.Read)
	if err != nil {
		return 0, false, err
	}
	defer set.release()

	p := set.page
	r := p.resolve(set.slot)
	if r < p.cnt() && p.isLive(r) && bytes.Equal(p.keyAt(r), key) {
		return ObjID(p.valueAt(r)), true, nil
	}
	return 0, false, nil
}

// NumEntries returns the number of live keys.
func (t *Tree) NumEntries() int64 { return t.count.Load() }

// MaxKeyLen returns the longest key the tree accepts.
func (t *Tree) MaxKeyLen() int { return t.maxKey }

func (t *Tree) Geometry() storage.Geometry { return t.geo }

// Height returns the number of levels, 1 for a lone root leaf.
func (t *Tree) Height() (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	f, err := t.arena.Pin(t.rootAddr())
	if err != nil {
		return 0, err
	}
	f.Latch.Lock(latch.Read)
	lvl := page(f.Data).lvl()
	f.Latch.Unlock(latch.Read)
	f.Unpin()
	return int(lvl) + 1, nil
}

// Sync writes the entry count into the metadata and flushes the arena.
func (t *Tree) Sync() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.meta.setNumEntries(t.count.Load())
	return t.arena.Sync()
}

// Close syncs the tree and closes the arena when the tree opened it.
func (t *Tree) Close() error {
	if t.closed.Load() {
		return nil
	}
	err := t.Sync()
	t.closed.Store(true)
	if t.owned {
		if cerr := t.arena.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
