package btree

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/novabtree/internal/storage"
)

// smallPages keeps pages at 512 bytes so a few thousand keys build a
// tree several levels deep.
func smallPages() storage.Options {
	return storage.Options{Geometry: storage.Geometry{PageBits: 9}}
}

func newTestTree(t *testing.T, opts storage.Options) *Tree {
	t.Helper()
	arena, err := storage.NewMemArena(opts)
	require.NoError(t, err)
	tr, err := Open(arena)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func key(i int) []byte { return []byte(fmt.Sprintf("%08d", i)) }

func checksum(k []byte) ObjID {
	h := fnv.New64a()
	_, _ = h.Write(k)
	return ObjID(h.Sum64())
}

func TestTree_EmptyTree(t *testing.T) {
	tr := newTestTree(t, smallPages())

	_, ok, err := tr.Find(key(1))
	require.NoError(t, err)
	require.False(t, ok)

	h, err := tr.Height()
	require.NoError(t, err)
	require.Equal(t, 1, h)
	require.Zero(t, tr.NumEntries())
	require.NoError(t, tr.Verify())
}

func TestTree_InsertAndFind(t *testing.T) {
	tr := newTestTree(t, smallPages())
	r := rand.New(rand.NewSource(1))

	const n = 3000
	for _, i := range r.Perm(n) {
		require.NoError(t, tr.Insert(key(i), ObjID(i)))
	}
	require.EqualValues(t, n, tr.NumEntries())

	h, err := tr.Height()
	require.NoError(t, err)
	require.Greater(t, h, 2)

	for i := range n {
		id, ok, err := tr.Find(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, ObjID(i), id)
	}
	_, ok, err := tr.Find([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tr.Verify())

	st, err := tr.Stats()
	require.NoError(t, err)
	require.Equal(t, h, st.Height)
	require.Equal(t, n, st.Levels[0].Keys)
	require.Equal(t, 1, st.Levels[h-1].Pages)
	require.EqualValues(t, st.Arena.Pages[storage.Leaf], st.Levels[0].Pages)
}

func TestTree_UpsertAndDelete(t *testing.T) {
	tr := newTestTree(t, smallPages())
	a := []byte("a")

	require.NoError(t, tr.Insert(a, 1))
	require.NoError(t, tr.Insert(a, 2))
	require.EqualValues(t, 1, tr.NumEntries())
	id, ok, err := tr.Find(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ObjID(2), id)

	deleted, err := tr.Delete(a)
	require.NoError(t, err)
	require.True(t, deleted)
	_, ok, err = tr.Find(a)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, tr.NumEntries())

	deleted, err = tr.Delete(a)
	require.NoError(t, err)
	require.False(t, deleted)
	deleted, err = tr.Delete([]byte("never"))
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, tr.InsertKey(a, 0, 3, Indexed))
	id, ok, err = tr.Find(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ObjID(3), id)
	require.EqualValues(t, 1, tr.NumEntries())

	require.NoError(t, tr.InsertKey(a, 0, 0, Deleted))
	require.Zero(t, tr.NumEntries())
	require.NoError(t, tr.Verify())
}

func TestTree_DeleteReinsertReclaims(t *testing.T) {
	tr := newTestTree(t, smallPages())

	const n = 800
	for i := range n {
		require.NoError(t, tr.Insert(key(2*i), ObjID(i)))
	}
	st, err := tr.Stats()
	require.NoError(t, err)
	leaves := st.Levels[0].Pages

	// swap the even keys for the odd ones and back; tombstones of the
	// old parity must be reclaimed instead of growing the tree
	for round := range 4 {
		parity := round % 2
		for i := range n {
			deleted, err := tr.Delete(key(2*i + parity))
			require.NoError(t, err)
			require.True(t, deleted)
		}
		for i := range n {
			require.NoError(t, tr.Insert(key(2*i+1-parity), ObjID(i)))
		}
		require.EqualValues(t, n, tr.NumEntries())
		require.NoError(t, tr.Verify())
	}
	st, err = tr.Stats()
	require.NoError(t, err)
	require.LessOrEqual(t, st.Levels[0].Pages, 2*leaves)

	// deleting and reinserting the same keys revives tombstones in place
	leaves = st.Levels[0].Pages
	for i := range n {
		_, err := tr.Delete(key(2 * i))
		require.NoError(t, err)
	}
	for i := range n {
		require.NoError(t, tr.Insert(key(2*i), ObjID(i)))
	}
	st, err = tr.Stats()
	require.NoError(t, err)
	require.Equal(t, leaves, st.Levels[0].Pages)
	require.EqualValues(t, n, tr.NumEntries())
}

func TestTree_MaxKeyLength(t *testing.T) {
	tr := newTestTree(t, smallPages())
	maxLen := tr.MaxKeyLen()
	require.Equal(t, 104, maxLen)

	long := func(i int) []byte {
		k := bytes.Repeat([]byte{'x'}, maxLen)
		copy(k, key(i))
		return k
	}
	for i := range 300 {
		require.NoError(t, tr.Insert(long(i), ObjID(i)))
	}
	for i := range 300 {
		id, ok, err := tr.Find(long(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ObjID(i), id)
	}
	require.NoError(t, tr.Verify())

	err := tr.Insert(make([]byte, maxLen+1), 1)
	require.ErrorIs(t, err, ErrKeyTooLong)
	_, _, err = tr.Find(make([]byte, maxLen+1))
	require.ErrorIs(t, err, ErrKeyTooLong)

	c := tr.Cursor()
	n := 0
	for _, ok := c.NextKey(); ok; _, ok = c.NextKey() {
		require.Len(t, c.Key(), maxLen)
		n++
	}
	require.NoError(t, c.Err())
	require.Equal(t, 300, n)
}

func TestTree_InsertKeyBadLevel(t *testing.T) {
	tr := newTestTree(t, smallPages())
	require.ErrorIs(t, tr.InsertKey(key(1), 1, 1, Indexed), ErrBadLevel)
	require.ErrorIs(t, tr.InsertKey(key(1), 0, 1, Stopper), ErrBadLevel)
}

func TestTree_Closed(t *testing.T) {
	arena, err := storage.NewMemArena(smallPages())
	require.NoError(t, err)
	tr, err := Open(arena)
	require.NoError(t, err)
	require.NoError(t, tr.Insert(key(1), 1))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	require.ErrorIs(t, tr.Insert(key(2), 2), ErrClosed)
	_, _, err = tr.Find(key(1))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, tr.Verify(), ErrClosed)

	// the arena belongs to the caller and still holds the index
	again, err := Open(arena)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.NumEntries())
}

func TestTree_ConcurrentInserts(t *testing.T) {
	tr := newTestTree(t, smallPages())

	const workers, perWorker = 8, 1500
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				k := []byte(fmt.Sprintf("%02d-%06d", w, i))
				if err := tr.Insert(k, checksum(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, workers*perWorker, tr.NumEntries())
	require.NoError(t, tr.Verify())

	c := tr.Cursor()
	var prev []byte
	n := 0
	for id, ok := c.NextKey(); ok; id, ok = c.NextKey() {
		require.Equal(t, checksum(c.Key()), id)
		if prev != nil {
			require.Negative(t, bytes.Compare(prev, c.Key()))
		}
		prev = c.Key()
		n++
	}
	require.NoError(t, c.Err())
	require.Equal(t, workers*perWorker, n)
}

func TestTree_ConcurrentInsertAndLookup(t *testing.T) {
	tr := newTestTree(t, smallPages())

	const writers, perWriter, readers = 4, 2000, 4
	done := make(chan struct{})

	var writerGroup errgroup.Group
	for w := range writers {
		writerGroup.Go(func() error {
			for i := range perWriter {
				k := key(i*writers + w)
				if err := tr.Insert(k, checksum(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var readerGroup errgroup.Group
	for r := range readers {
		readerGroup.Go(func() error {
			rng := rand.New(rand.NewSource(int64(r)))
			for {
				select {
				case <-done:
					return nil
				default:
				}
				k := key(rng.Intn(writers * perWriter))
				id, ok, err := tr.Find(k)
				if err != nil {
					return err
				}
				if ok && id != checksum(k) {
					return fmt.Errorf("key %s: torn value %d", k, id)
				}

				c := tr.Cursor()
				c.SeekKey(k)
				var prev []byte
				for j := 0; j < 50; j++ {
					id, ok := c.NextKey()
					if !ok {
						break
					}
					if id != checksum(c.Key()) {
						return fmt.Errorf("cursor key %s: torn value %d", c.Key(), id)
					}
					if prev != nil && bytes.Compare(prev, c.Key()) >= 0 {
						return fmt.Errorf("cursor out of order: %s then %s", prev, c.Key())
					}
					prev = c.Key()
				}
				if err := c.Err(); err != nil {
					return err
				}
			}
		})
	}

	werr := writerGroup.Wait()
	close(done)
	require.NoError(t, werr)
	require.NoError(t, readerGroup.Wait())
	require.EqualValues(t, writers*perWriter, tr.NumEntries())
	require.NoError(t, tr.Verify())
}

type kv struct {
	k string
	v ObjID
}

func TestTree_MatchesOrderedMap(t *testing.T) {
	tr := newTestTree(t, smallPages())
	oracle := btree.NewG(8, func(a, b kv) bool { return a.k < b.k })
	r := rand.New(rand.NewSource(42))

	for op := range 20000 {
		k := key(r.Intn(2500))
		switch r.Intn(4) {
		case 0, 1:
			v := ObjID(op)
			require.NoError(t, tr.Insert(k, v))
			oracle.ReplaceOrInsert(kv{string(k), v})
		case 2:
			deleted, err := tr.Delete(k)
			require.NoError(t, err)
			_, had := oracle.Delete(kv{k: string(k)})
			require.Equal(t, had, deleted, "delete %s", k)
		default:
			id, ok, err := tr.Find(k)
			require.NoError(t, err)
			want, has := oracle.Get(kv{k: string(k)})
			require.Equal(t, has, ok, "find %s", k)
			if has {
				require.Equal(t, want.v, id)
			}
		}
	}
	require.EqualValues(t, oracle.Len(), tr.NumEntries())
	require.NoError(t, tr.Verify())

	var want []kv
	oracle.Ascend(func(item kv) bool {
		want = append(want, item)
		return true
	})
	var got []kv
	c := tr.Cursor()
	for id, ok := c.NextKey(); ok; id, ok = c.NextKey() {
		got = append(got, kv{string(c.Key()), id})
	}
	require.NoError(t, c.Err())
	require.Equal(t, want, got)

	// range from a seek point
	from := key(1000)
	want = want[:0]
	oracle.AscendGreaterOrEqual(kv{k: string(from)}, func(item kv) bool {
		want = append(want, item)
		return len(want) < 100
	})
	got = got[:0]
	c.SeekKey(from)
	for id, ok := c.NextKey(); ok && len(got) < 100; id, ok = c.NextKey() {
		got = append(got, kv{string(c.Key()), id})
	}
	require.Equal(t, want, got)
}

func TestTree_OutOfSpaceLeavesTreeIntact(t *testing.T) {
	opts := smallPages()
	opts.MaxPages = 6
	tr := newTestTree(t, opts)

	var stored int
	var err error
	for i := 0; i < 10000; i++ {
		if err = tr.Insert(key(i), ObjID(i)); err != nil {
			break
		}
		stored++
	}
	require.ErrorIs(t, err, storage.ErrOutOfSpace)
	require.Positive(t, stored)
	require.EqualValues(t, stored, tr.NumEntries())
	require.NoError(t, tr.Verify())

	for i := range stored {
		id, ok, err := tr.Find(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ObjID(i), id)
	}
	_, ok, err := tr.Find(key(stored))
	require.NoError(t, err)
	require.False(t, ok)

	// updates still work without new pages
	require.NoError(t, tr.Insert(key(0), 77))
}

func TestTree_LargerLeafPages(t *testing.T) {
	tr := newTestTree(t, storage.Options{Geometry: storage.Geometry{PageBits: 9, LeafXtra: 3}})
	for i := range 2000 {
		require.NoError(t, tr.Insert(key(i), ObjID(i)))
	}
	require.NoError(t, tr.Verify())
	st, err := tr.Stats()
	require.NoError(t, err)
	// 4 KiB leaves hold far more keys than 512 byte interior pages
	require.Greater(t, st.Levels[0].Keys/st.Levels[0].Pages, 50)
}

func TestTree_ReopenFile(t *testing.T) {
	lfs := storage.LocalFileSet{Dir: t.TempDir(), Base: "idx_test"}
	aopts := storage.Options{Geometry: storage.Geometry{PageBits: 10, LeafXtra: 1}, SegmentPages: 16}

	tr, err := OpenFile(lfs, aopts)
	require.NoError(t, err)
	for i := range 2000 {
		require.NoError(t, tr.Insert(key(i), ObjID(i)))
	}
	_, err = tr.Delete(key(7))
	require.NoError(t, err)
	h, err := tr.Height()
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr, err = OpenFile(lfs, storage.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1999, tr.NumEntries())
	h2, err := tr.Height()
	require.NoError(t, err)
	require.Equal(t, h, h2)
	require.NoError(t, tr.Verify())
	for i := range 2000 {
		id, ok, err := tr.Find(key(i))
		require.NoError(t, err)
		require.Equal(t, i != 7, ok)
		if ok {
			require.Equal(t, ObjID(i), id)
		}
	}
	require.NoError(t, tr.Close())

	_, err = OpenFile(lfs, storage.Options{Geometry: storage.Geometry{PageBits: 12}})
	require.True(t, errors.Is(err, storage.ErrGeometryMismatch))

	require.NoError(t, DropIndex(lfs))
	tr, err = OpenFile(lfs, storage.Options{})
	require.NoError(t, err)
	require.Zero(t, tr.NumEntries())
	require.NoError(t, tr.Close())
	require.NoError(t, DropIndex(lfs))
	require.NoError(t, DropIndex(lfs))
}

func TestTree_OpenFileBadMeta(t *testing.T) {
	lfs := storage.LocalFileSet{Dir: t.TempDir(), Base: "idx_test"}
	tr, err := OpenFile(lfs, storage.Options{Geometry: storage.Geometry{PageBits: 10}})
	require.NoError(t, err)
	require.NoError(t, tr.Insert(key(1), 1))
	require.NoError(t, tr.Close())

	// the arena opens fine but the index metadata has lost its root
	a, err := storage.OpenMmap(lfs, storage.Options{})
	require.NoError(t, err)
	clear(a.Header()[metaRoot : metaRoot+8])
	require.NoError(t, a.Close())

	_, err = OpenFile(lfs, storage.Options{})
	require.ErrorIs(t, err, ErrCorruption)

	// the failed open released the arena, so the files can be dropped and
	// the index created again
	require.NoError(t, DropIndex(lfs))
	tr, err = OpenFile(lfs, storage.Options{})
	require.NoError(t, err)
	require.Zero(t, tr.NumEntries())
	require.NoError(t, tr.Close())
}
