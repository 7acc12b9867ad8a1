package btree

import (
	"bytes"

	"github.com/tuannm99/novabtree/internal/alias/bx"
	"github.com/tuannm99/novabtree/internal/storage"
)

// Header offsets
const (
	offCnt     = 0
	offAct     = 4
	offMin     = 8
	offGarbage = 12
	offLvl     = 16
	offFlags   = storage.OffFlags
	offRight   = storage.OffRight
	offLeft    = 32

	HeaderSize = storage.PreambleSize
	valueSize  = 8
)

// +------------------+ 0
// | header           |
// | slots[1..cnt]    | grows up
// +------------------+ HeaderSize + cnt*SlotSize
// |   free space     |
// +------------------+ <-- min
// | entries          | grows down: prefix | key | value (BE)
// +------------------+ page size
//
// page is a view over a frame (or a private copy of one). Methods never
// latch; callers hold the content latch that matches what they do.
type page []byte

func (p page) cnt() int         { return int(bx.U32At(p, offCnt)) }
func (p page) setCnt(n int)     { bx.PutU32At(p, offCnt, uint32(n)) }
func (p page) act() int         { return int(bx.U32At(p, offAct)) }
func (p page) setAct(n int)     { bx.PutU32At(p, offAct, uint32(n)) }
func (p page) min() int         { return int(bx.U32At(p, offMin)) }
func (p page) setMin(n int)     { bx.PutU32At(p, offMin, uint32(n)) }
func (p page) garbage() int     { return int(bx.U32At(p, offGarbage)) }
func (p page) setGarbage(n int) { bx.PutU32At(p, offGarbage, uint32(n)) }
func (p page) lvl() uint8       { return bx.U8At(p, offLvl) }
func (p page) setLvl(l uint8)   { bx.PutU8At(p, offLvl, l) }
func (p page) flags() uint8     { return bx.U8At(p, offFlags) }

func (p page) right() storage.Addr     { return storage.Addr(bx.U64At(p, offRight)) }
func (p page) setRight(a storage.Addr) { bx.PutU64At(p, offRight, uint64(a)) }
func (p page) left() storage.Addr      { return storage.Addr(bx.U64At(p, offLeft)) }
func (p page) setLeft(a storage.Addr)  { bx.PutU64At(p, offLeft, uint64(a)) }

func (p page) freed() bool  { return p.flags()&storage.FlagFree != 0 }
func (p page) killed() bool { return p.flags()&storage.FlagKill != 0 }

// slots are 1-based
func slotPos(i int) int { return HeaderSize + (i-1)*SlotSize }

func (p page) slotAt(i int) slot     { return slot(bx.U32At(p, slotPos(i))) }
func (p page) setSlot(i int, s slot) { bx.PutU32At(p, slotPos(i), uint32(s)) }

func entrySize(keyLen int) int {
	return bx.PrefixSize(keyLen) + keyLen + valueSize
}

// keyAt aliases the page bytes; copy before releasing the latch.
func (p page) keyAt(i int) []byte {
	off := p.slotAt(i).off()
	n, ps := bx.Prefix(p[off:])
	return p[off+ps : off+ps+n : off+ps+n]
}

func (p page) valueOff(i int) int {
	off := p.slotAt(i).off()
	n, ps := bx.Prefix(p[off:])
	return off + ps + n
}

func (p page) valueAt(i int) uint64       { return bx.U64BEAt(p, p.valueOff(i)) }
func (p page) setValueAt(i int, v uint64) { bx.PutU64BEAt(p, p.valueOff(i), v) }
func (p page) entryLen(i int) int         { return entrySize(len(p.keyAt(i))) }
func (p page) childAt(i int) storage.Addr { return storage.Addr(p.valueAt(i)) }
func (p page) isStopper(i int) bool       { return p.slotAt(i).typ() == Stopper }
func (p page) isInf(i int) bool           { return p.isStopper(i) && len(p.keyAt(i)) == 0 }
func (p page) isLive(i int) bool          { s := p.slotAt(i); return !s.dead() && s.typ() == Indexed }
func (p page) free() int                  { return p.min() - slotPos(p.cnt()+1) }
func (p page) stopperKey() ([]byte, bool) { n := p.cnt(); return p.keyAt(n), p.isInf(n) }

// reset formats p as an empty page of level lvl without slots.
func (p page) reset(lvl uint8) {
	clear(p)
	p.setLvl(lvl)
	p.setMin(len(p))
}

// putEntry writes an entry below min and returns its offset.
func (p page) putEntry(key []byte, value uint64) int {
	off := p.min() - entrySize(len(key))
	n := bx.PutPrefix(p[off:], len(key))
	copy(p[off+n:], key)
	bx.PutU64BEAt(p, off+n+len(key), value)
	p.setMin(off)
	return off
}

func (p page) appendSlot(s slot) {
	n := p.cnt() + 1
	p.setCnt(n)
	p.setSlot(n, s)
	if !s.dead() {
		p.setAct(p.act() + 1)
	}
}

// target is what a descent or slot search is looking for.
//
// A point key selects the entry holding it: on interior pages the first
// slot whose key is greater, on leaves the first slot not less than it.
// A fence selects the slot whose key equals a page's upper bound, so it
// takes the first slot not less than it on every level. inf is the bound
// of the rightmost page of a level.
type target struct {
	key   []byte
	inf   bool
	fence bool
}

func pointTarget(key []byte) target { return target{key: key} }
func fenceTarget(key []byte) target { return target{key: key, fence: true} }

var infTarget = target{inf: true, fence: true}

// before reports whether slot i sorts strictly before the search position.
func (p page) before(i int, tg target) bool {
	if p.isInf(i) {
		return false
	}
	if tg.inf {
		return true
	}
	c := bytes.Compare(p.keyAt(i), tg.key)
	if !tg.fence && p.lvl() > 0 {
		return c <= 0
	}
	return c < 0
}

// findSlot binary searches the directory. The stopper never sorts before
// a target that belongs on this page, so the result is at most cnt.
func (p page) findSlot(tg target) int {
	lo, hi := 1, p.cnt()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.before(mid, tg) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// resolve moves past librarian slots to the slot they stand in front of.
func (p page) resolve(i int) int {
	for i < p.cnt() && p.slotAt(i).typ() == Librarian {
		i++
	}
	return i
}

// beyond reports whether tg belongs to a page right of p.
func (p page) beyond(tg target) bool {
	fence, inf := p.stopperKey()
	if inf {
		return false
	}
	if tg.inf {
		return true
	}
	c := bytes.Compare(tg.key, fence)
	if tg.fence {
		return c > 0
	}
	return c >= 0
}

// entry is a decoded slot used while rebuilding pages. key may alias the
// source page.
type entry struct {
	key   []byte
	value uint64
	typ   SlotType
}

// collect returns the live keys of p in order and its stopper.
func (p page) collect() (live []entry, stop entry) {
	n := p.cnt()
	live = make([]entry, 0, p.act())
	for i := 1; i < n; i++ {
		if p.isLive(i) {
			live = append(live, entry{key: p.keyAt(i), value: p.valueAt(i), typ: Indexed})
		}
	}
	return live, entry{key: p.keyAt(n), value: p.valueAt(n), typ: Stopper}
}

// rebuild formats p with entries, the last of which must be the stopper.
// A librarian slot goes in front of every entry but the first and the
// stopper.
func (p page) rebuild(lvl uint8, entries []entry) {
	p.reset(lvl)
	for i, e := range entries {
		off := p.putEntry(e.key, e.value)
		if i > 0 && e.typ != Stopper {
			p.appendSlot(makeSlot(off, Librarian, true))
		}
		p.appendSlot(makeSlot(off, e.typ, false))
	}
}

// rebuiltSize is the space rebuild needs for n entries (stopper included)
// holding b bytes of key and value data.
func rebuiltSize(n, b int) int {
	return b + (n+max(0, n-2))*SlotSize
}

// cleanFree is the contiguous free space p would have after cleanPage.
func (p page) cleanFree() int {
	n, b := 0, 0
	for i := 1; i <= p.cnt(); i++ {
		if p.isLive(i) || i == p.cnt() {
			n++
			b += p.entryLen(i)
		}
	}
	return len(p) - HeaderSize - rebuiltSize(n, b)
}

// needsReclaim reports whether required bytes do not fit now but would
// fit after cleanPage.
func (p page) needsReclaim(required int) bool {
	return p.free() < required && p.cleanFree() >= required
}

// needsSplit reports whether required bytes do not fit even after cleanPage.
func (p page) needsSplit(required int) bool {
	return p.free() < required && p.cleanFree() < required
}

// splittable reports whether p has enough live entries to split by count.
func (p page) splittable() bool {
	live := p.act() - 1
	if p.lvl() == 0 {
		return live >= 2
	}
	return live >= 1
}

// insertAt places a new entry in front of slot r, which must be a
// non-librarian slot whose key sorts after key. The caller checked that
// entrySize(len(key)) + 2*SlotSize bytes are free.
//
// Order of preference: reuse the librarian in front of r, shift slots
// r.. up to the first dead slot, grow the directory by a librarian and
// the new slot.
func (p page) insertAt(r int, key []byte, value uint64, typ SlotType) {
	off := p.putEntry(key, value)
	cnt := p.cnt()

	switch idx := p.firstDead(r); {
	case r > 1 && p.slotAt(r-1).typ() == Librarian:
		p.setSlot(r-1, makeSlot(off, typ, false))
	case idx < cnt:
		for j := idx; j > r; j-- {
			p.setSlot(j, p.slotAt(j-1))
		}
		p.setSlot(r, makeSlot(off, typ, false))
	default:
		p.setCnt(cnt + 2)
		for j := cnt + 2; j > r+1; j-- {
			p.setSlot(j, p.slotAt(j-2))
		}
		p.setSlot(r, makeSlot(off, Librarian, true))
		p.setSlot(r+1, makeSlot(off, typ, false))
	}
	p.setAct(p.act() + 1)
}

// firstDead returns the first dead slot at or after r, or cnt if the
// only candidate is the stopper.
func (p page) firstDead(r int) int {
	cnt := p.cnt()
	for ; r < cnt; r++ {
		if p.slotAt(r).dead() {
			return r
		}
	}
	return cnt
}

// kill turns live slot i into a tombstone.
func (p page) kill(i int) {
	p.setSlot(i, makeSlot(p.slotAt(i).off(), Deleted, true))
	p.setAct(p.act() - 1)
	p.setGarbage(p.garbage() + p.entryLen(i))
}

// revive turns tombstone i back into a live key.
func (p page) revive(i int) {
	p.setSlot(i, makeSlot(p.slotAt(i).off(), Indexed, false))
	p.setAct(p.act() + 1)
	p.setGarbage(p.garbage() - p.entryLen(i))
}
