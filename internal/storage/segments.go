package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SegFileName returns segment file name:
//   - seg 0: base
//   - seg N>0: base.N
func SegFileName(base string, segNo int32) string {
	if segNo <= 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, segNo)
}

// listSegmentsLocal scans lfs.Dir and returns all segment numbers for lfs.Base.
// It matches: Base and Base.<int>.
func listSegmentsLocal(lfs LocalFileSet) ([]int32, error) {
	ents, err := os.ReadDir(lfs.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read dir %s", lfs.Dir)
	}

	segs := make([]int32, 0)
	prefix := lfs.Base + "."

	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == lfs.Base {
			segs = append(segs, 0)
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n64, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil || n64 <= 0 {
			continue
		}
		segs = append(segs, int32(n64))
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// RemoveAllSegments removes Base, Base.1, Base.2, ... (robust: scan dir).
func RemoveAllSegments(lfs LocalFileSet) error {
	segs, err := listSegmentsLocal(lfs)
	if err != nil {
		return err
	}
	for _, segNo := range segs {
		path := filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove segment %s", path)
		}
	}
	return nil
}

// RemoveArena removes the segments of both page classes.
func RemoveArena(lfs LocalFileSet) error {
	for _, c := range []Class{Leaf, Interior} {
		if err := RemoveAllSegments(lfs.ClassSet(c)); err != nil {
			return err
		}
	}
	return nil
}

// DiskUsage sums the sizes of all segment files of an arena.
func DiskUsage(lfs LocalFileSet) (int64, error) {
	var total int64
	for _, c := range []Class{Interior, Leaf} {
		cs := lfs.ClassSet(c)
		segs, err := listSegmentsLocal(cs)
		if err != nil {
			return 0, err
		}
		for _, segNo := range segs {
			path := filepath.Join(cs.Dir, SegFileName(cs.Base, segNo))
			info, err := os.Stat(path)
			if err != nil {
				return 0, errors.Wrapf(err, "stat segment %s", path)
			}
			total += info.Size()
		}
	}
	return total, nil
}
