package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novabtree/internal/latch"
	"github.com/tuannm99/novabtree/internal/storage"
)

// newTestPage returns an empty page of lvl with a +inf stopper.
func newTestPage(t *testing.T, size int, lvl uint8) page {
	t.Helper()
	p := make(page, size)
	p.rebuild(lvl, []entry{{typ: Stopper}})
	return p
}

// pageInsert places key the way insertKey does, without latches.
func pageInsert(t *testing.T, p page, key string, value uint64) bool {
	t.Helper()
	tg := targetFor([]byte(key), p.lvl())
	r := p.resolve(p.findSlot(tg))
	if r < p.cnt() && string(p.keyAt(r)) == key {
		updateSlot(p, r, value, Indexed)
		return true
	}
	if p.free() < requiredSpace(len(key)) {
		return false
	}
	p.insertAt(r, []byte(key), value, Indexed)
	return true
}

func liveKeys(p page) []string {
	var out []string
	for i := 1; i < p.cnt(); i++ {
		if p.isLive(i) {
			out = append(out, string(p.keyAt(i)))
		}
	}
	return out
}

func TestSlotPacking(t *testing.T) {
	for _, typ := range []SlotType{Indexed, Deleted, Librarian, Stopper} {
		for _, dead := range []bool{false, true} {
			s := makeSlot(slotOffMask, typ, dead)
			require.Equal(t, slotOffMask, s.off())
			require.Equal(t, typ, s.typ())
			require.Equal(t, dead, s.dead())
		}
	}
	s := makeSlot(1234, Librarian, true)
	assert.Equal(t, "{off:1234 librarian dead:true}", s.String())
	assert.Equal(t, "stopper", Stopper.String())
}

func TestPageInsertKeepsOrder(t *testing.T) {
	p := newTestPage(t, 4096, 0)
	r := rand.New(rand.NewSource(7))

	var want []string
	for _, i := range r.Perm(60) {
		k := fmt.Sprintf("key-%03d", i)
		require.True(t, pageInsert(t, p, k, uint64(i)))
		want = append(want, k)
	}
	sort.Strings(want)
	require.Equal(t, want, liveKeys(p))
	require.Equal(t, 61, p.act())

	for i := 1; i < p.cnt(); i++ {
		if p.isLive(i) {
			var n int
			_, err := fmt.Sscanf(string(p.keyAt(i)), "key-%03d", &n)
			require.NoError(t, err)
			require.Equal(t, uint64(n), p.valueAt(i))
		}
	}
}

func TestPageInsertReusesLibrarian(t *testing.T) {
	p := newTestPage(t, 1024, 0)
	p.rebuild(0, []entry{
		{key: []byte("b"), value: 1, typ: Indexed},
		{key: []byte("d"), value: 2, typ: Indexed},
		{typ: Stopper},
	})
	// b, librarian, d, stopper
	require.Equal(t, 4, p.cnt())
	require.Equal(t, Librarian, p.slotAt(2).typ())

	require.True(t, pageInsert(t, p, "c", 3))
	require.Equal(t, 4, p.cnt(), "librarian slot reused")
	require.Equal(t, []string{"b", "c", "d"}, liveKeys(p))

	// no librarian left in front of d: the directory grows by two
	require.True(t, pageInsert(t, p, "cc", 4))
	require.Equal(t, 6, p.cnt())
	require.Equal(t, []string{"b", "c", "cc", "d"}, liveKeys(p))
}

func TestPageInsertShiftsIntoDeadSlot(t *testing.T) {
	p := newTestPage(t, 1024, 0)
	p.rebuild(0, []entry{
		{key: []byte("a"), value: 1, typ: Indexed},
		{key: []byte("c"), value: 2, typ: Indexed},
		{key: []byte("e"), value: 3, typ: Indexed},
		{typ: Stopper},
	})
	// a, lib, c, lib, e, stopper; use up the librarian in front of c
	require.True(t, pageInsert(t, p, "b", 4))
	cnt := p.cnt()

	// the librarian in front of e is the first dead slot after c
	require.True(t, pageInsert(t, p, "bb", 5))
	require.Equal(t, cnt, p.cnt(), "shift consumed a dead slot")
	require.Equal(t, []string{"a", "b", "bb", "c", "e"}, liveKeys(p))
}

func TestPageTombstoneAndRevive(t *testing.T) {
	p := newTestPage(t, 1024, 0)
	for _, k := range []string{"a", "b", "c"} {
		require.True(t, pageInsert(t, p, k, 1))
	}
	r := p.resolve(p.findSlot(pointTarget([]byte("b"))))
	require.Equal(t, outDeleted, updateSlot(p, r, 0, Deleted))
	require.Equal(t, outAbsent, updateSlot(p, r, 0, Deleted))
	require.Equal(t, entrySize(1), p.garbage())
	require.Equal(t, []string{"a", "c"}, liveKeys(p))

	require.Equal(t, outRevived, updateSlot(p, r, 9, Indexed))
	require.Equal(t, 0, p.garbage())
	require.Equal(t, uint64(9), p.valueAt(r))
	require.Equal(t, outUpdated, updateSlot(p, r, 10, Indexed))
	require.Equal(t, []string{"a", "b", "c"}, liveKeys(p))
}

func TestCleanPage(t *testing.T) {
	tr := newTestTree(t, storage.Options{})
	set, err := tr.loadPage(pointTarget(nil), 0, latch.Write)
	require.NoError(t, err)
	p := set.page

	for i := range 40 {
		require.True(t, pageInsert(t, p, fmt.Sprintf("k%02d", i), uint64(i)))
	}
	for i := 0; i < 40; i += 3 {
		r := p.resolve(p.findSlot(pointTarget([]byte(fmt.Sprintf("k%02d", i)))))
		require.Equal(t, outDeleted, updateSlot(p, r, 0, Deleted))
	}
	before := liveKeys(p)
	freeBefore := p.free()
	predicted := p.cleanFree()
	require.Positive(t, p.garbage())

	tr.cleanPage(set)
	require.Equal(t, 0, p.garbage())
	require.Equal(t, before, liveKeys(p))
	require.Equal(t, predicted, p.free())
	require.Greater(t, p.free(), freeBefore)
	require.Equal(t, len(before)+1, p.act())
	set.release()
}

// packedLeaf builds a compacted 512-byte leaf holding n 8-byte keys and
// kills the first dead of them.
func packedLeaf(t *testing.T, n, dead int) page {
	t.Helper()
	entries := make([]entry, 0, n+1)
	for i := range n {
		entries = append(entries, entry{key: []byte(fmt.Sprintf("key-%04d", i)), value: uint64(i), typ: Indexed})
	}
	p := make(page, 512)
	p.rebuild(0, append(entries, entry{typ: Stopper}))
	for i := 1; dead > 0; i++ {
		if p.isLive(i) {
			p.kill(i)
			dead--
		}
	}
	return p
}

func TestReclaimOrSplit(t *testing.T) {
	// 8-byte keys: 17-byte entries, 25 bytes reserved per insert. 18 keys
	// leave 13 bytes free in a compacted 512-byte leaf.
	need := requiredSpace(8)
	require.Equal(t, 25, need)
	tr := &Tree{}

	tests := []struct {
		name       string
		page       page
		fits       bool
		reclaim    bool
		split      bool
		clean      bool
		splittable bool
	}{
		{"fits now", packedLeaf(t, 4, 0), true, false, false, false, true},
		{"fits after cleanup", packedLeaf(t, 18, 16), false, true, false, true, true},
		{"cleanup leaves too little spare", packedLeaf(t, 18, 1), false, true, false, false, true},
		{"needs split", packedLeaf(t, 18, 0), false, false, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.page
			assert.Equal(t, tt.fits, p.free() >= need, "free %d", p.free())
			assert.Equal(t, tt.reclaim, p.needsReclaim(need), "clean free %d", p.cleanFree())
			assert.Equal(t, tt.split, p.needsSplit(need))
			assert.Equal(t, tt.clean, tr.shouldClean(p, need))
			assert.Equal(t, tt.splittable, p.splittable())
			// at most one remedy applies
			assert.False(t, p.needsReclaim(need) && p.needsSplit(need))
		})
	}

	full := packedLeaf(t, 18, 0)
	assert.Equal(t, 13, full.free())
	assert.Equal(t, full.free(), full.cleanFree())
}

func TestSplitEntries(t *testing.T) {
	mk := func(keys ...string) []entry {
		var out []entry
		for i, k := range keys {
			out = append(out, entry{key: []byte(k), value: uint64(i + 1), typ: Indexed})
		}
		return out
	}

	t.Run("leaf", func(t *testing.T) {
		stop := entry{typ: Stopper}
		left, right, fence := splitEntries(0, mk("a", "b", "c", "d", "e"), stop)
		require.Equal(t, "c", string(fence))
		require.Len(t, left, 3)
		require.Equal(t, Stopper, left[2].typ)
		require.Equal(t, "c", string(left[2].key))
		require.Len(t, right, 4)
		require.Equal(t, "c", string(right[0].key))
		require.Equal(t, stop, right[3])
		for _, e := range left[:2] {
			require.Negative(t, bytes.Compare(e.key, fence))
		}
	})

	t.Run("interior", func(t *testing.T) {
		stop := entry{key: []byte("z"), value: 99, typ: Stopper}
		left, right, fence := splitEntries(1, mk("b", "d", "f"), stop)
		// all = b d f z, left keeps b and turns d into its stopper
		require.Equal(t, "d", string(fence))
		require.Len(t, left, 2)
		require.Equal(t, entry{key: []byte("d"), value: 2, typ: Stopper}, left[1])
		require.Len(t, right, 2)
		require.Equal(t, "f", string(right[0].key))
		require.Equal(t, stop, right[1])
	})
}

func TestFindSlotModes(t *testing.T) {
	p := make(page, 1024)
	p.rebuild(1, []entry{
		{key: []byte("b"), value: 1, typ: Indexed},
		{key: []byte("d"), value: 2, typ: Indexed},
		{key: []byte("f"), value: 3, typ: Stopper},
	})
	child := func(tg target) uint64 { return p.valueAt(p.resolve(p.findSlot(tg))) }

	// point keys route to the first key above them
	assert.Equal(t, uint64(1), child(pointTarget([]byte("a"))))
	assert.Equal(t, uint64(2), child(pointTarget([]byte("b"))))
	assert.Equal(t, uint64(3), child(pointTarget([]byte("e"))))
	// fences land on their own slot
	assert.Equal(t, uint64(1), child(fenceTarget([]byte("b"))))
	assert.Equal(t, uint64(2), child(fenceTarget([]byte("d"))))
	assert.Equal(t, uint64(3), child(fenceTarget([]byte("f"))))

	assert.True(t, p.beyond(pointTarget([]byte("f"))))
	assert.False(t, p.beyond(fenceTarget([]byte("f"))))
	assert.True(t, p.beyond(fenceTarget([]byte("g"))))
	assert.True(t, p.beyond(infTarget))
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 104, maxKeyLen(512))
	assert.Equal(t, MaxKeyCap, maxKeyLen(1<<16))
	assert.Equal(t, MaxKeyCap, geometryMaxKeyLen(storage.Geometry{PageBits: 24}))

	// four max-length entries fit on an interior page
	ps := 512
	assert.LessOrEqual(t, 4*(entrySize(maxKeyLen(ps))+SlotSize), ps-HeaderSize)

	n := maxEntriesPerPage(4096, 8)
	p := newTestPage(t, 4096, 0)
	for i := range n {
		require.True(t, pageInsert(t, p, fmt.Sprintf("%08d", i), 0))
	}
	assert.Greater(t, n, 100)
}
