package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"engine", "workload", "workers", "ops", "hits", "latency_ns", "ops_per_sec", "mem_mb", "objects"}

// WriteCSV writes one row per result after a header row.
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range results {
		var perOp int64
		if r.Ops > 0 {
			perOp = r.Elapsed.Nanoseconds() / int64(r.Ops)
		}
		row := []string{
			r.Engine,
			string(r.Workload),
			strconv.Itoa(r.Workers),
			strconv.Itoa(r.Ops),
			strconv.FormatInt(r.Hits, 10),
			strconv.FormatInt(perOp, 10),
			strconv.FormatFloat(r.OpsPerSec(), 'f', 0, 64),
			strconv.FormatUint(r.Mem.AllocMB, 10),
			strconv.FormatUint(r.Mem.HeapObjects, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes a human readable summary.
func WriteTable(w io.Writer, results []Result) error {
	if _, err := fmt.Fprintf(w, "%-8s %-10s %8s %10s %12s %14s\n",
		"engine", "workload", "workers", "ops", "hits", "ops/sec"); err != nil {
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintf(w, "%-8s %-10s %8d %10d %12d %14.0f\n",
			r.Engine, r.Workload, r.Workers, r.Ops, r.Hits, r.OpsPerSec()); err != nil {
			return err
		}
	}
	return nil
}
