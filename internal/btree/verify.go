package btree

import (
	"bytes"
	"fmt"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

// LevelStats summarizes one level of the tree.
type LevelStats struct {
	Level   int
	Pages   int
	Keys    int // live keys on leaves, routing entries on interior pages
	Dead    int // tombstones
	Garbage int // bytes held by dead entries
	Free    int // contiguous free bytes
}

type Stats struct {
	Height    int
	Entries   int64
	MaxKeyLen int
	Geometry  storage.Geometry
	Levels    []LevelStats // indexed by level, leaves first
	Arena     storage.Usage
}

// leftmost returns the first page of every level, leaves first.
func (t *Tree) leftmost() ([]storage.Addr, error) {
	addr := t.rootAddr()
	var path []storage.Addr
	for {
		f, err := t.arena.Pin(addr)
		if err != nil {
			return nil, err
		}
		f.Latch.Lock(latch.Read)
		p := page(f.Data)
		lvl := p.lvl()
		var child storage.Addr
		if lvl > 0 && p.cnt() > 0 {
			child = p.childAt(p.resolve(1))
		}
		f.Latch.Unlock(latch.Read)
		f.Unpin()

		path = append(path, addr)
		if lvl == 0 {
			break
		}
		if child.IsNil() || len(path) > 255 {
			return nil, fmt.Errorf("%w: bad leftmost descent at %s", ErrCorruption, addr)
		}
		addr = child
	}
	// reverse: leaves first
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// walkLevel calls fn for every page of a level, left to right, with the
// page Read latched.
func (t *Tree) walkLevel(first storage.Addr, fn func(addr storage.Addr, p page) error) error {
	for addr := first; !addr.IsNil(); {
		f, err := t.arena.Pin(addr)
		if err != nil {
			return err
		}
		f.Latch.Lock(latch.Read)
		p := page(f.Data)
		err = fn(addr, p)
		next := p.right()
		f.Latch.Unlock(latch.Read)
		f.Unpin()
		if err != nil {
			return err
		}
		addr = next
	}
	return nil
}

// Stats walks every level. Counts are exact only without concurrent writers.
func (t *Tree) Stats() (Stats, error) {
	if t.closed.Load() {
		return Stats{}, ErrClosed
	}
	firsts, err := t.leftmost()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Height:    len(firsts),
		Entries:   t.NumEntries(),
		MaxKeyLen: t.maxKey,
		Geometry:  t.geo,
		Levels:    make([]LevelStats, len(firsts)),
		Arena:     t.arena.Usage(),
	}
	for lvl, first := range firsts {
		ls := &st.Levels[lvl]
		ls.Level = lvl
		err := t.walkLevel(first, func(_ storage.Addr, p page) error {
			ls.Pages++
			ls.Garbage += p.garbage()
			ls.Free += p.free()
			for i := 1; i <= p.cnt(); i++ {
				switch s := p.slotAt(i); {
				case s.typ() == Deleted:
					ls.Dead++
				case lvl > 0 && !s.dead():
					ls.Keys++
				case lvl == 0 && p.isLive(i):
					ls.Keys++
				}
			}
			return nil
		})
		if err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// Verify checks the structural invariants of every page and the links
// between them. It expects no concurrent writers.
func (t *Tree) Verify() error {
	if t.closed.Load() {
		return ErrClosed
	}
	firsts, err := t.leftmost()
	if err != nil {
		return err
	}

	var leafKeys int64
	for lvl, first := range firsts {
		v := levelVerifier{tree: t, lvl: uint8(lvl)}
		if err := t.walkLevel(first, v.visit); err != nil {
			return err
		}
		if !v.lastInf {
			return fmt.Errorf("%w: level %d rightmost page %s has a finite fence", ErrCorruption, lvl, v.prevAddr)
		}
		if lvl == 0 {
			leafKeys = v.live
		}
	}
	if n := t.NumEntries(); leafKeys != n {
		return fmt.Errorf("%w: %d live keys on leaves, entry count %d", ErrCorruption, leafKeys, n)
	}
	return nil
}

type levelVerifier struct {
	tree *Tree
	lvl  uint8

	prevAddr  storage.Addr
	prevFence []byte
	lastInf   bool
	live      int64
}

func corrupt(addr storage.Addr, format string, args ...any) error {
	return fmt.Errorf("%w: page %s: %s", ErrCorruption, addr, fmt.Sprintf(format, args...))
}

func (v *levelVerifier) visit(addr storage.Addr, p page) error {
	cnt := p.cnt()
	switch {
	case p.freed():
		return corrupt(addr, "on the free chain")
	case p.lvl() != v.lvl:
		return corrupt(addr, "level %d, want %d", p.lvl(), v.lvl)
	case len(p) != v.tree.geo.LevelPageSize(v.lvl):
		return corrupt(addr, "%d bytes, level %d pages are %d", len(p), v.lvl, v.tree.geo.LevelPageSize(v.lvl))
	case cnt < 1 || slotPos(cnt+1) > p.min() || p.min() > len(p):
		return corrupt(addr, "slot directory cnt=%d min=%d overlaps entries", cnt, p.min())
	case !p.isStopper(cnt):
		return corrupt(addr, "last slot is %s, want stopper", p.slotAt(cnt).typ())
	case p.left() != v.prevAddr:
		return corrupt(addr, "left link %s, want %s", p.left(), v.prevAddr)
	case !v.prevAddr.IsNil() && v.lastInf:
		return corrupt(addr, "follows a page with an infinite fence")
	}

	fence, inf := p.stopperKey()
	var prev []byte
	act := 0
	for i := 1; i <= cnt; i++ {
		s := p.slotAt(i)
		if s.off() < p.min() || s.off() >= len(p) {
			return corrupt(addr, "slot %d offset %d outside [%d, %d)", i, s.off(), p.min(), len(p))
		}
		if !s.dead() {
			act++
		}
		if i < cnt && s.typ() == Stopper {
			return corrupt(addr, "stopper at slot %d of %d", i, cnt)
		}
		if s.typ() == Librarian {
			if !s.dead() {
				return corrupt(addr, "live librarian at slot %d", i)
			}
			if !p.isInf(i+1) && bytes.Compare(p.keyAt(i), p.keyAt(i+1)) > 0 {
				return corrupt(addr, "librarian %d sorts after slot %d", i, i+1)
			}
			continue
		}
		if i == cnt {
			break
		}

		k := p.keyAt(i)
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			return corrupt(addr, "slot %d key %q not above %q", i, k, prev)
		}
		if v.prevFence != nil && bytes.Compare(k, v.prevFence) < 0 {
			return corrupt(addr, "slot %d key %q below left fence %q", i, k, v.prevFence)
		}
		if !inf && bytes.Compare(k, fence) >= 0 {
			return corrupt(addr, "slot %d key %q not below fence %q", i, k, fence)
		}
		prev = k
		if v.lvl == 0 && p.isLive(i) {
			v.live++
		}
		if v.lvl > 0 {
			if err := v.checkChild(addr, p, i); err != nil {
				return err
			}
		}
	}
	if v.lvl > 0 {
		if err := v.checkChild(addr, p, cnt); err != nil {
			return err
		}
	}
	if act != p.act() {
		return corrupt(addr, "act %d, counted %d", p.act(), act)
	}

	v.prevAddr = addr
	v.prevFence = bytes.Clone(fence)
	v.lastInf = inf
	return nil
}

// checkChild verifies that the routing entry at slot i points to a page
// one level down whose fence is the entry's key.
func (v *levelVerifier) checkChild(addr storage.Addr, p page, i int) error {
	child := p.childAt(i)
	f, err := v.tree.arena.Pin(child)
	if err != nil {
		return corrupt(addr, "slot %d child %s: %v", i, child, err)
	}
	f.Latch.Lock(latch.Read)
	defer func() {
		f.Latch.Unlock(latch.Read)
		f.Unpin()
	}()

	cp := page(f.Data)
	if cp.lvl() != v.lvl-1 || cp.cnt() < 1 {
		return corrupt(addr, "slot %d child %s at level %d", i, child, cp.lvl())
	}
	ck, cinf := cp.stopperKey()
	if cinf != p.isInf(i) || (!cinf && !bytes.Equal(ck, p.keyAt(i))) {
		return corrupt(addr, "slot %d key %q routes to %s with fence %q", i, p.keyAt(i), child, ck)
	}
	return nil
}
