package btree

import (
	"errors"
	"fmt"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

// btreeSet is a pinned page returned by a descent, holding the content
// latch in mode and the slot the target resolved to.
type btreeSet struct {
	frame *storage.Frame
	page  page
	slot  int
	mode  latch.Mode
}

func (s *btreeSet) release() {
	s.frame.Latch.Unlock(s.mode)
	s.frame.Unpin()
}

// couple moves a latch from one page to another: Access on the next page,
// drop the current page, then take the content latch on the next page.
func (t *Tree) couple(from *storage.Frame, fromMode latch.Mode, to storage.Addr, toMode latch.Mode) (*storage.Frame, error) {
	next, err := t.arena.Pin(to)
	if err != nil {
		from.Latch.Unlock(fromMode)
		from.Unpin()
		return nil, fmt.Errorf("%w: link to %s: %v", ErrCorruption, to, err)
	}
	next.Latch.Lock(latch.Access)
	from.Latch.Unlock(fromMode)
	from.Unpin()
	next.Latch.Lock(toMode)
	next.Latch.Unlock(latch.Access)
	return next, nil
}

// loadPage descends from the root to the page at lvl that owns tg and
// returns it latched in lock (latch.Read or latch.Write). Upper levels are
// only ever Read latched.
func (t *Tree) loadPage(tg target, lvl uint8, lock latch.Mode) (*btreeSet, error) {
	for range t.retries {
		set, err := t.descend(tg, lvl, lock)
		if errors.Is(err, errRetry) {
			continue
		}
		return set, err
	}
	return nil, fmt.Errorf("%w: descent to level %d", ErrStaleStructure, lvl)
}

func (t *Tree) descend(tg target, lvl uint8, lock latch.Mode) (*btreeSet, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	f, err := t.arena.Pin(t.rootAddr())
	if err != nil {
		return nil, err
	}
	mode := latch.Read
	f.Latch.Lock(latch.Access | mode)
	depth := page(f.Data).lvl()
	switch {
	case depth < lvl:
		// a root split is publishing a taller root
		f.Latch.Unlock(latch.Access | mode)
		f.Unpin()
		return nil, errRetry
	case depth == lvl && lock == latch.Write:
		// page levels never change, so the level read under Read still holds
		f.Latch.Unlock(mode)
		mode = latch.Write
		f.Latch.Lock(mode)
	}
	f.Latch.Unlock(latch.Access)

	for {
		p := page(f.Data)
		if p.freed() || p.cnt() == 0 || p.lvl() != depth {
			f.Latch.Unlock(mode)
			f.Unpin()
			return nil, fmt.Errorf("%w: page %s level %d, want level %d", ErrCorruption, f.Addr, p.lvl(), depth)
		}

		if p.killed() || p.beyond(tg) {
			right := p.right()
			if right.IsNil() {
				f.Latch.Unlock(mode)
				f.Unpin()
				return nil, fmt.Errorf("%w: page %s bound exceeded without right sibling", ErrCorruption, f.Addr)
			}
			if f, err = t.couple(f, mode, right, mode); err != nil {
				return nil, err
			}
			continue
		}

		slot := p.findSlot(tg)
		if depth == lvl {
			return &btreeSet{frame: f, page: p, slot: slot, mode: mode}, nil
		}

		child := p.childAt(p.resolve(slot))
		depth--
		next := latch.Read
		if depth == lvl && lock == latch.Write {
			next = latch.Write
		}
		if f, err = t.couple(f, mode, child, next); err != nil {
			return nil, err
		}
		mode = next
	}
}
