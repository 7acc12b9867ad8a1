package bench

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Workload string

const (
	// Load inserts every key once, split across workers.
	Load Workload = "load"
	// OLTP is 90% lookups, 10% upserts on random keys.
	OLTP Workload = "oltp"
	// OLAP is 10% lookups, 90% upserts.
	OLAP Workload = "olap"
	// Churn deletes and reinserts random keys.
	Churn Workload = "churn"
	// Reporting runs short range scans.
	Reporting Workload = "reporting"
)

func ParseWorkload(s string) (Workload, error) {
	switch w := Workload(s); w {
	case Load, OLTP, OLAP, Churn, Reporting:
		return w, nil
	}
	return "", fmt.Errorf("bench: unknown workload %q", s)
}

const scanLen = 100

type Spec struct {
	Workload Workload
	Workers  int
	// Ops is the key space size and the total number of operations.
	Ops    int
	KeyLen int
	Seed   int64
}

type MemoryStats struct {
	AllocMB     uint64
	HeapObjects uint64
}

func ReadMem() MemoryStats {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	return MemoryStats{AllocMB: m.Alloc / 1024 / 1024, HeapObjects: m.HeapObjects}
}

type Result struct {
	Engine   string
	Workload Workload
	Workers  int
	Ops      int
	Hits     int64
	Elapsed  time.Duration
	Mem      MemoryStats
}

func (r Result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

// Key formats i as a fixed-width decimal key of keyLen bytes so byte
// order matches numeric order.
func Key(i, keyLen int) []byte {
	return fmt.Appendf(nil, "%0*d", keyLen, i)
}

// Run executes spec against eng with spec.Workers goroutines. The first
// error stops every worker.
func Run(ctx context.Context, eng Engine, spec Spec) (Result, error) {
	if spec.Workers < 1 || spec.Ops < 1 {
		return Result{}, fmt.Errorf("bench: need workers and ops, got %d/%d", spec.Workers, spec.Ops)
	}
	var hits atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()

	for w := 0; w < spec.Workers; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewSource(spec.Seed + int64(w)))
			for i := w; i < spec.Ops; i += spec.Workers {
				if i%1024 == w && ctx.Err() != nil {
					return ctx.Err()
				}
				n, err := step(eng, spec, r, i)
				if err != nil {
					return fmt.Errorf("%s %s op %d: %w", eng.Name(), spec.Workload, i, err)
				}
				hits.Add(int64(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{
		Engine:   eng.Name(),
		Workload: spec.Workload,
		Workers:  spec.Workers,
		Ops:      spec.Ops,
		Hits:     hits.Load(),
		Elapsed:  time.Since(start),
		Mem:      ReadMem(),
	}
	slog.Debug("bench.Run", "engine", res.Engine, "workload", res.Workload,
		"ops", res.Ops, "elapsed", res.Elapsed, "hits", res.Hits)
	return res, nil
}

// step runs one operation and returns how many keys it hit.
func step(eng Engine, spec Spec, r *rand.Rand, i int) (int, error) {
	if spec.Workload == Load {
		return 1, eng.Put(Key(i, spec.KeyLen), uint64(i))
	}
	k := r.Intn(spec.Ops)
	key := Key(k, spec.KeyLen)
	choice := r.Intn(100)

	switch spec.Workload {
	case OLTP, OLAP:
		readPct := 90
		if spec.Workload == OLAP {
			readPct = 10
		}
		if choice < readPct {
			_, ok, err := eng.Get(key)
			return hit(ok), err
		}
		return 1, eng.Put(key, uint64(k))
	case Churn:
		if choice < 50 {
			ok, err := eng.Delete(key)
			return hit(ok), err
		}
		return 1, eng.Put(key, uint64(k))
	case Reporting:
		return eng.Scan(key, scanLen)
	}
	return 0, fmt.Errorf("bench: unknown workload %q", spec.Workload)
}

func hit(ok bool) int {
	if ok {
		return 1
	}
	return 0
}
