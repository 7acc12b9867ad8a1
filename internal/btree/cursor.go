package btree

import (
	"bytes"
	"fmt"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

// bound is a cursor position between keys.
type bound struct {
	key []byte
	inf int // -1 before every key, +1 after every key
}

var (
	minBound = bound{inf: -1}
	maxBound = bound{inf: 1}
)

// cmp returns the sign of k relative to b.
func (b bound) cmp(k []byte) int {
	switch b.inf {
	case -1:
		return 1
	case 1:
		return -1
	}
	return bytes.Compare(k, b.key)
}

// Cursor walks the leaf level in key order. It works on a private copy of
// one leaf page and holds no latch between calls; moving to a sibling
// re-reads the live link and skips keys already returned, so splits
// running underneath never produce duplicates or gaps.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	tree *Tree
	snap page
	addr storage.Addr
	slot int

	// NextKey returns keys above lo (or equal when loIncl),
	// PrevKey returns keys below hi.
	lo     bound
	loIncl bool
	hi     bound

	key []byte
	id  ObjID
	ok  bool
	err error
}

// Cursor returns a cursor positioned before the first key for NextKey
// and after the last key for PrevKey.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{
		tree: t,
		snap: make(page, t.geo.PageSize(storage.Leaf)),
	}
}

func (c *Cursor) Key() []byte {
	if !c.ok {
		return nil
	}
	return c.key
}

func (c *Cursor) ObjID() ObjID {
	if !c.ok {
		return 0
	}
	return c.id
}

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.ok = false
	return false
}

func (c *Cursor) snapshot(f *storage.Frame) {
	copy(c.snap, f.Data)
	c.addr = f.Addr
}

func (c *Cursor) found(k []byte, v uint64) {
	c.key = bytes.Clone(k)
	c.id = ObjID(v)
	c.ok = true
	c.lo = bound{key: c.key}
	c.loIncl = false
	c.hi = bound{key: c.key}
}

// SeekKey positions the cursor just before key: NextKey returns the first
// key not less than key, PrevKey the last key less than it. It reports
// whether key is present, in which case Key and ObjID describe it.
func (c *Cursor) SeekKey(key []byte) bool {
	c.err, c.ok = nil, false
	if err := c.tree.checkKey(key); err != nil {
		return c.fail(err)
	}
	set, err := c.tree.loadPage(pointTarget(key), 0, latch.Read)
	if err != nil {
		return c.fail(err)
	}
	c.snapshot(set.frame)
	set.release()

	c.slot = c.snap.resolve(set.slot)
	target := bytes.Clone(key)
	c.lo, c.loIncl, c.hi = bound{key: target}, true, bound{key: target}

	if c.slot < c.snap.cnt() && c.snap.isLive(c.slot) && bytes.Equal(c.snap.keyAt(c.slot), key) {
		c.key, c.id, c.ok = target, ObjID(c.snap.valueAt(c.slot)), true
	}
	return c.ok
}

// SeekFirst positions the cursor before the smallest key.
func (c *Cursor) SeekFirst() {
	c.err, c.ok = nil, false
	t := c.tree
	if t.closed.Load() {
		c.fail(ErrClosed)
		return
	}
	f, err := t.arena.Pin(t.leaf)
	if err != nil {
		c.fail(err)
		return
	}
	f.Latch.Lock(latch.Read)
	c.snapshot(f)
	f.Latch.Unlock(latch.Read)
	f.Unpin()

	c.slot = 1
	c.lo, c.loIncl, c.hi = minBound, true, minBound
}

// SeekLast positions the cursor after the largest key.
func (c *Cursor) SeekLast() {
	c.err, c.ok = nil, false
	set, err := c.tree.loadPage(infTarget, 0, latch.Read)
	if err != nil {
		c.fail(err)
		return
	}
	c.snapshot(set.frame)
	set.release()

	c.slot = c.snap.cnt()
	c.lo, c.loIncl, c.hi = maxBound, false, maxBound
}

// NextKey advances to the next key and returns its id. It returns false
// at the end of the index or on error (see Err).
func (c *Cursor) NextKey() (ObjID, bool) {
	if c.err != nil {
		return 0, false
	}
	if c.addr.IsNil() {
		if c.SeekFirst(); c.err != nil {
			return 0, false
		}
	}
	for {
		cnt := c.snap.cnt()
		for s := max(c.slot, 1); s < cnt; s++ {
			if !c.snap.isLive(s) {
				continue
			}
			k := c.snap.keyAt(s)
			if d := c.lo.cmp(k); d > 0 || (d == 0 && c.loIncl) {
				c.slot = s
				c.found(k, c.snap.valueAt(s))
				return c.id, true
			}
		}

		c.slot = cnt
		moved, err := c.moveRight()
		if err != nil {
			return 0, c.fail(err)
		}
		if !moved {
			c.ok = false
			c.lo, c.loIncl, c.hi = maxBound, false, maxBound
			return 0, false
		}
		c.slot = 1
	}
}

// PrevKey steps back to the previous key and returns its id. It returns
// false at the start of the index or on error (see Err).
func (c *Cursor) PrevKey() (ObjID, bool) {
	if c.err != nil {
		return 0, false
	}
	if c.addr.IsNil() {
		if c.SeekLast(); c.err != nil {
			return 0, false
		}
	}
	for {
		for s := min(c.slot, c.snap.cnt()-1); s >= 1; s-- {
			if !c.snap.isLive(s) {
				continue
			}
			k := c.snap.keyAt(s)
			if c.hi.cmp(k) < 0 {
				c.slot = s
				c.found(k, c.snap.valueAt(s))
				return c.id, true
			}
		}

		c.slot = 0
		moved, err := c.moveLeft()
		if err != nil {
			return 0, c.fail(err)
		}
		if !moved {
			c.ok = false
			c.lo, c.loIncl, c.hi = minBound, true, minBound
			return 0, false
		}
		c.slot = c.snap.cnt()
	}
}

// moveRight copies the live right sibling of the current page.
func (c *Cursor) moveRight() (bool, error) {
	t := c.tree
	f, err := t.arena.Pin(c.addr)
	if err != nil {
		return false, err
	}
	f.Latch.Lock(latch.Read)
	right := page(f.Data).right()
	if right.IsNil() {
		f.Latch.Unlock(latch.Read)
		f.Unpin()
		return false, nil
	}
	next, err := t.couple(f, latch.Read, right, latch.Read)
	if err != nil {
		return false, err
	}
	c.snapshot(next)
	next.Latch.Unlock(latch.Read)
	next.Unpin()
	return true, nil
}

// moveLeft copies the true left neighbour of the current page: starting
// at the left link it slides right until a page links back to the
// current one. Latches are never held leftward.
func (c *Cursor) moveLeft() (bool, error) {
	t := c.tree
	cur := c.addr
	f, err := t.arena.Pin(cur)
	if err != nil {
		return false, err
	}
	f.Latch.Lock(latch.Read)
	left := page(f.Data).left()
	f.Latch.Unlock(latch.Read)
	f.Unpin()
	if left.IsNil() {
		return false, nil
	}

	if f, err = t.arena.Pin(left); err != nil {
		return false, fmt.Errorf("%w: left link %s of %s: %v", ErrCorruption, left, cur, err)
	}
	f.Latch.Lock(latch.Read)
	for {
		right := page(f.Data).right()
		if right == cur {
			c.snapshot(f)
			f.Latch.Unlock(latch.Read)
			f.Unpin()
			return true, nil
		}
		if right.IsNil() {
			f.Latch.Unlock(latch.Read)
			f.Unpin()
			return false, fmt.Errorf("%w: %s not reachable from its left link", ErrCorruption, cur)
		}
		if f, err = t.couple(f, latch.Read, right, latch.Read); err != nil {
			return false, err
		}
	}
}
