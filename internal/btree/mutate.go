package btree

import (
	"bytes"
	"fmt"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

type outcome uint8

const (
	outInserted outcome = iota + 1
	outUpdated
	outRevived
	outDeleted
	outAbsent
)

// targetFor builds the search target for an insert at lvl. Leaf keys are
// point keys; keys posted above the leaves are fences.
func targetFor(key []byte, lvl uint8) target {
	if lvl == 0 {
		return pointTarget(key)
	}
	return fenceTarget(key)
}

// insertKey upserts key at lvl. A Deleted typ turns a live key into a
// tombstone and is a no-op for absent keys.
func (t *Tree) insertKey(key []byte, lvl uint8, value uint64, typ SlotType) (outcome, error) {
	tg := targetFor(key, lvl)
	need := requiredSpace(len(key))

	for range t.retries {
		set, err := t.loadPage(tg, lvl, latch.Write)
		if err != nil {
			return 0, err
		}
		p := set.page
		r := p.resolve(set.slot)

		if r < p.cnt() && bytes.Equal(p.keyAt(r), key) {
			out := updateSlot(p, r, value, typ)
			set.release()
			return out, nil
		}
		if typ == Deleted {
			set.release()
			return outAbsent, nil
		}

		if p.free() < need {
			split := p.needsSplit(need) || !t.shouldClean(p, need)
			switch {
			case !split:
				t.cleanPage(set)
				r = p.resolve(p.findSlot(tg))
			case p.splittable():
				placed, err := t.splitPage(set, &pending{target: tg, key: key, value: value, typ: typ})
				if err != nil {
					return 0, err
				}
				if placed {
					return outInserted, nil
				}
				// the owning half is still too full; descend again
				continue
			default:
				set.release()
				return 0, fmt.Errorf("%w: page %s full with %d live keys", ErrCorruption, set.frame.Addr, p.act()-1)
			}
		}

		p.insertAt(r, key, value, typ)
		set.release()
		return outInserted, nil
	}
	return 0, fmt.Errorf("%w: insert at level %d", ErrStaleStructure, lvl)
}

// updateSlot applies an upsert or delete to an existing key at slot r.
func updateSlot(p page, r int, value uint64, typ SlotType) outcome {
	dead := p.slotAt(r).dead()
	switch {
	case typ == Deleted && dead:
		return outAbsent
	case typ == Deleted:
		p.kill(r)
		return outDeleted
	case dead:
		p.revive(r)
		p.setValueAt(r, value)
		return outRevived
	default:
		p.setValueAt(r, value)
		return outUpdated
	}
}

// shouldClean picks compaction over a split: the entry must fit after
// cleanPage with a fifth of the page to spare, unless the page has too
// few keys to split at all.
func (t *Tree) shouldClean(p page, required int) bool {
	if !p.needsReclaim(required) {
		return false
	}
	if !p.splittable() {
		return true
	}
	return p.cleanFree()-required >= (len(p)-HeaderSize)/5
}

func (t *Tree) scratchPage(lvl uint8) (page, func()) {
	pool := &t.scratch[storage.ClassOf(lvl)]
	b := pool.Get().(*[]byte)
	return page(*b), func() { pool.Put(b) }
}

// cleanPage compacts a Write-latched page in place: tombstones and dead
// slots are dropped, librarians are laid out again, garbage becomes 0.
func (t *Tree) cleanPage(set *btreeSet) {
	p := set.page
	live, stop := p.collect()
	buf, done := t.scratchPage(p.lvl())
	defer done()

	buf.rebuild(p.lvl(), append(live, stop))
	buf.setRight(p.right())
	buf.setLeft(p.left())
	garbage := p.garbage()
	copy(p, buf)

	t.log.Debug("btree.Tree.CleanPage",
		"page", set.frame.Addr,
		"live", len(live),
		"reclaimed", garbage,
		"free", p.free(),
	)
}

// pending is an insert that triggered a split.
type pending struct {
	target target
	key    []byte
	value  uint64
	typ    SlotType
}

// splitEntries divides the live keys of a page by count. fence is the
// exclusive upper bound of the left half and is a fresh copy.
func splitEntries(lvl uint8, live []entry, stop entry) (left, right []entry, fence []byte) {
	if lvl == 0 {
		k := len(live) / 2
		fence = bytes.Clone(live[k].key)
		left = append(append(make([]entry, 0, k+1), live[:k]...), entry{key: fence, typ: Stopper})
		right = append(append(make([]entry, 0, len(live)-k+1), live[k:]...), stop)
		return left, right, fence
	}
	all := append(append(make([]entry, 0, len(live)+1), live...), stop)
	k := len(all) / 2
	fence = bytes.Clone(all[k-1].key)
	left = append(append(make([]entry, 0, k), all[:k-1]...), entry{key: fence, value: all[k-1].value, typ: Stopper})
	return left, all[k:], fence
}

// ownsLeft reports whether tg belongs to the left half of a split at fence.
func ownsLeft(tg target, fence []byte) bool {
	if tg.inf {
		return false
	}
	c := bytes.Compare(tg.key, fence)
	if tg.fence {
		return c <= 0
	}
	return c < 0
}

// splitPage splits the Write-latched page of set into itself and a new
// right sibling, then posts the new fence one level up. The pending insert
// goes straight into the half that owns it when it fits; placed reports
// whether it did. set is released on return.
//
// Pages are allocated before anything is modified, so ErrOutOfSpace
// leaves the tree unchanged.
func (t *Tree) splitPage(set *btreeSet, pend *pending) (placed bool, err error) {
	f, p := set.frame, set.page
	lvl := p.lvl()

	rf, err := t.arena.AllocPage(lvl)
	if err != nil {
		set.release()
		return false, fmt.Errorf("split %s: %w", f.Addr, err)
	}
	var newRoot *storage.Frame
	isRoot := f.Addr == t.rootAddr()
	if isRoot {
		if newRoot, err = t.arena.AllocPage(lvl + 1); err != nil {
			rf.Unpin()
			if ferr := t.arena.FreePage(rf.Addr); ferr != nil {
				t.log.Warn("btree.Tree.Split", "page", rf.Addr, "err", ferr)
			}
			set.release()
			return false, fmt.Errorf("split root %s: %w", f.Addr, err)
		}
	}
	rf.Latch.Lock(latch.Write)
	rp := page(rf.Data)

	live, stop := p.collect()
	left, right, fence := splitEntries(lvl, live, stop)
	hiKey, hiInf := p.stopperKey()
	hi := target{key: bytes.Clone(hiKey), inf: hiInf, fence: true}
	oldRight := p.right()

	// right half first: its entries alias p
	rp.rebuild(lvl, right)
	rp.setRight(oldRight)
	rp.setLeft(f.Addr)

	buf, done := t.scratchPage(lvl)
	buf.rebuild(lvl, left)
	buf.setLeft(p.left())
	buf.setRight(rf.Addr)
	f.Latch.Lock(latch.Link)
	copy(p, buf)
	f.Latch.Unlock(latch.Link)
	done()

	if !oldRight.IsNil() {
		nf, perr := t.arena.Pin(oldRight)
		if perr != nil {
			err = fmt.Errorf("%w: right sibling %s of %s: %v", ErrCorruption, oldRight, f.Addr, perr)
		} else {
			nf.Latch.Lock(latch.Write | latch.Link)
			page(nf.Data).setLeft(rf.Addr)
			nf.Latch.Unlock(latch.Write | latch.Link)
			nf.Unpin()
		}
	}

	if pend != nil {
		dst := rp
		if ownsLeft(pend.target, fence) {
			dst = p
		}
		if dst.free() >= requiredSpace(len(pend.key)) {
			dst.insertAt(dst.resolve(dst.findSlot(pend.target)), pend.key, pend.value, pend.typ)
			placed = true
		}
	}

	t.log.Debug("btree.Tree.Split",
		"page", f.Addr,
		"right", rf.Addr,
		"lvl", lvl,
		"left_keys", len(left)-1,
		"right_keys", len(right)-1,
		"root", isRoot,
	)

	if isRoot {
		t.splitRoot(newRoot, f.Addr, rf.Addr, fence, lvl+1)
		rf.Latch.Unlock(latch.Write)
		rf.Unpin()
		set.release()
		return placed, err
	}

	// Parent intent keeps the fences of both halves stable until posted;
	// a later split of either half waits here for its own posting.
	f.Latch.Lock(latch.Parent)
	rf.Latch.Lock(latch.Parent)
	f.Latch.Unlock(latch.Write)
	rf.Latch.Unlock(latch.Write)

	if err == nil {
		err = t.fixKey(fenceTarget(fence), lvl+1, f.Addr, false)
	}
	if err == nil {
		err = t.fixKey(hi, lvl+1, rf.Addr, true)
	}

	rf.Latch.Unlock(latch.Parent)
	f.Latch.Unlock(latch.Parent)
	rf.Unpin()
	f.Unpin()
	return placed, err
}

// splitRoot publishes a new root one level up holding (fence -> left)
// and (+inf -> right).
func (t *Tree) splitRoot(root *storage.Frame, left, right storage.Addr, fence []byte, lvl uint8) {
	t.rootLatch.Lock(latch.Parent)
	defer t.rootLatch.Unlock(latch.Parent)

	page(root.Data).rebuild(lvl, []entry{
		{key: fence, value: uint64(left), typ: Indexed},
		{value: uint64(right), typ: Stopper},
	})
	t.meta.setRoot(root.Addr)
	t.root.Store(uint64(root.Addr))
	root.Unpin()

	t.log.Debug("btree.Tree.SplitRoot", "root", root.Addr, "lvl", lvl, "left", left, "right", right)
}

// fixKey posts a fence at lvl. In insert mode it adds (fence -> child);
// in update mode it repoints the existing slot whose key is the fence,
// retrying while that slot is not where the descent lands.
func (t *Tree) fixKey(fence target, lvl uint8, child storage.Addr, update bool) error {
	if !update {
		_, err := t.insertKey(fence.key, lvl, uint64(child), Indexed)
		return err
	}
	for range t.retries {
		set, err := t.loadPage(fence, lvl, latch.Write)
		if err != nil {
			return err
		}
		p := set.page
		r := p.resolve(set.slot)
		if fenceAt(p, r, fence) {
			p.setValueAt(r, uint64(child))
			set.release()
			return nil
		}
		set.release()
		t.log.Debug("btree.Tree.FixKey", "err", errRetry, "lvl", lvl, "page", set.frame.Addr)
	}
	return fmt.Errorf("%w: fence update at level %d", ErrStaleStructure, lvl)
}

// fenceAt reports whether slot r of p carries exactly the fence.
func fenceAt(p page, r int, fence target) bool {
	if fence.inf {
		return r == p.cnt() && p.isInf(r)
	}
	if p.isInf(r) {
		return false
	}
	return bytes.Equal(p.keyAt(r), fence.key)
}
