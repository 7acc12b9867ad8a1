package bench

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novabtree/internal/btree"
	"github.com/tuannm99/novabtree/internal/storage"
)

func newTreeEngine(t *testing.T) *TreeEngine {
	t.Helper()
	arena, err := storage.NewMemArena(storage.Options{Geometry: storage.Geometry{PageBits: 10}})
	require.NoError(t, err)
	tr, err := btree.Open(arena)
	require.NoError(t, err)
	e := &TreeEngine{Tree: tr}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newPebbleEngine(t *testing.T) *PebbleEngine {
	t.Helper()
	e, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestKey(t *testing.T) {
	assert.Equal(t, []byte("00000042"), Key(42, 8))
	assert.Equal(t, -1, bytes.Compare(Key(9, 8), Key(10, 8)))
}

func TestParseWorkload(t *testing.T) {
	w, err := ParseWorkload("oltp")
	require.NoError(t, err)
	assert.Equal(t, OLTP, w)
	_, err = ParseWorkload("mixed")
	require.Error(t, err)
}

func TestRun_RejectsEmptySpec(t *testing.T) {
	_, err := Run(context.Background(), newTreeEngine(t), Spec{Workload: Load})
	require.Error(t, err)
}

func TestRun_Engines(t *testing.T) {
	const ops = 4000
	engines := map[string]Engine{
		"btree":  newTreeEngine(t),
		"pebble": newPebbleEngine(t),
	}
	for name, eng := range engines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			spec := Spec{Workload: Load, Workers: 4, Ops: ops, KeyLen: 12, Seed: 7}

			res, err := Run(ctx, eng, spec)
			require.NoError(t, err)
			assert.Equal(t, name, res.Engine)
			assert.EqualValues(t, ops, res.Hits)
			assert.Positive(t, res.OpsPerSec())

			for _, i := range []int{0, 1, ops / 2, ops - 1} {
				id, ok, err := eng.Get(Key(i, spec.KeyLen))
				require.NoError(t, err)
				require.True(t, ok, i)
				require.EqualValues(t, i, id)
			}

			// every key exists, so every lookup hits
			spec.Workload = OLTP
			res, err = Run(ctx, eng, spec)
			require.NoError(t, err)
			assert.EqualValues(t, ops, res.Hits)

			spec.Workload = Reporting
			spec.Ops = 200
			res, err = Run(ctx, eng, spec)
			require.NoError(t, err)
			assert.Positive(t, res.Hits)

			n, err := eng.Scan(Key(ops-10, spec.KeyLen), scanLen)
			require.NoError(t, err)
			assert.Equal(t, 10, n)

			spec.Workload, spec.Ops = Churn, ops
			_, err = Run(ctx, eng, spec)
			require.NoError(t, err)

			ok, err := eng.Delete(Key(ops+1, spec.KeyLen))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRun_TreeStaysValid(t *testing.T) {
	e := newTreeEngine(t)
	spec := Spec{Workload: Load, Workers: 8, Ops: 5000, KeyLen: 16, Seed: 1}
	_, err := Run(context.Background(), e, spec)
	require.NoError(t, err)

	spec.Workload = Churn
	_, err = Run(context.Background(), e, spec)
	require.NoError(t, err)
	require.NoError(t, e.Tree.Verify())
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, newTreeEngine(t), Spec{Workload: Load, Workers: 2, Ops: 100000, KeyLen: 8})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteCSV(t *testing.T) {
	results := []Result{
		{Engine: "btree", Workload: OLTP, Workers: 4, Ops: 1000, Hits: 900, Elapsed: time.Millisecond},
		{Engine: "pebble", Workload: OLTP, Workers: 4, Ops: 1000, Hits: 900, Elapsed: 2 * time.Millisecond},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, results))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"btree", "oltp", "4", "1000", "900", "1000", "1000000", "0", "0"}, rows[1])

	buf.Reset()
	require.NoError(t, WriteTable(&buf, results))
	assert.Contains(t, buf.String(), "pebble")
}
