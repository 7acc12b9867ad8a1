package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tuannm99/novabtree/internal/bench"
	"github.com/tuannm99/novabtree/internal/btree"
)

// bench flag name -> config key
var benchKeys = map[string]string{
	"workers": "bench.workers",
	"ops":     "bench.ops",
	"key-len": "bench.key_len",
	"engines": "bench.engines",
	"seed":    "bench.seed",
}

func addBenchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("workers", "w", 0, "concurrent workers")
	f.Int("ops", 0, "operations per workload (also the key space size)")
	f.Int("key-len", 0, "key length in bytes")
	f.Int64("seed", 0, "random seed")
}

func (a *app) spec(w bench.Workload) bench.Spec {
	b := a.cfg.Bench
	return bench.Spec{Workload: w, Workers: b.Workers, Ops: b.Ops, KeyLen: b.KeyLen, Seed: b.Seed}
}

func parseWorkloads(list []string) ([]bench.Workload, error) {
	out := make([]bench.Workload, 0, len(list))
	for _, s := range list {
		w, err := bench.ParseWorkload(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// newStressCmd hammers the configured index with concurrent writers and
// readers, then verifies it.
func newStressCmd(a *app) *cobra.Command {
	var workloads []string
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent workloads against the index and verify it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wls, err := parseWorkloads(workloads)
			if err != nil {
				return err
			}
			return a.withTree(func(t *btree.Tree) error {
				eng := &bench.TreeEngine{Tree: t}
				var results []bench.Result
				for _, w := range wls {
					res, err := bench.Run(cmd.Context(), eng, a.spec(w))
					if err != nil {
						return err
					}
					results = append(results, res)
				}
				if err := t.Verify(); err != nil {
					return fmt.Errorf("verify after stress: %w", err)
				}
				if err := bench.WriteTable(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "verified: %d entries\n", t.NumEntries())
				return nil
			})
		},
	}
	addBenchFlags(cmd)
	cmd.Flags().StringSliceVar(&workloads, "workloads", []string{"load", "oltp", "churn", "reporting"}, "workloads to run in order")
	return cmd
}

// newBenchCmd runs the same workloads against fresh scratch indexes of
// every engine and reports throughput.
func newBenchCmd(a *app) *cobra.Command {
	var (
		workloads []string
		csvPath   string
		keep      bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compare the index with pebble on the same workloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wls, err := parseWorkloads(workloads)
			if err != nil {
				return err
			}
			var results []bench.Result
			for _, name := range strings.Split(a.cfg.Bench.Engines, ",") {
				res, err := a.runEngine(cmd, strings.TrimSpace(name), wls, keep)
				if err != nil {
					return err
				}
				results = append(results, res...)
			}
			if err := bench.WriteTable(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if csvPath == "" {
				return nil
			}
			f, err := os.Create(csvPath)
			if err != nil {
				return err
			}
			if err := bench.WriteCSV(f, results); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
	addBenchFlags(cmd)
	cmd.Flags().String("engines", "", "comma separated engines: btree, pebble")
	cmd.Flags().StringSliceVar(&workloads, "workloads", []string{"load", "oltp", "olap", "reporting"}, "workloads to run in order")
	cmd.Flags().StringVar(&csvPath, "csv", "", "also write results to this csv file")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the scratch engine directories")
	return cmd
}

func (a *app) openEngine(name, dir string) (bench.Engine, error) {
	switch name {
	case "btree":
		t, err := a.openTreeAt(dir)
		if err != nil {
			return nil, err
		}
		return &bench.TreeEngine{Tree: t}, nil
	case "pebble":
		return bench.OpenPebble(dir)
	}
	return nil, fmt.Errorf("unknown engine %q", name)
}

func (a *app) runEngine(cmd *cobra.Command, name string, wls []bench.Workload, keep bool) (results []bench.Result, err error) {
	dir := filepath.Join(a.cfg.Storage.Workdir, "bench-"+name)
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	eng, err := a.openEngine(name, dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := eng.Close(); err == nil {
			err = cerr
		}
		if !keep {
			_ = os.RemoveAll(dir)
		}
	}()

	for _, w := range wls {
		a.log.Info("novabtree.bench", "engine", name, "workload", w)
		res, err := bench.Run(cmd.Context(), eng, a.spec(w))
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
