package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tuannm99/novabtree/internal/alias/util"
)

// LocalFileSet represents a local directory + base file name.
// Segments are stored as: Base, Base.1, Base.2, ...
type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, errors.Wrapf(err, "create dir %s", lfs.Dir)
	}
	path := filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo))
	// RDWR | CREATE (no truncate)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", path)
	}
	return f, nil
}

// ClassSet returns the file set holding pages of class c.
// Interior pages (and the header page) use Base; leaf pages use Base.leaf.
func (lfs LocalFileSet) ClassSet(c Class) LocalFileSet {
	if c == Leaf {
		return LocalFileSet{Dir: lfs.Dir, Base: lfs.Base + ".leaf"}
	}
	return lfs
}

func (lfs LocalFileSet) String() string {
	return filepath.Join(lfs.Dir, lfs.Base)
}

// locate maps a page number to (segment, byte offset) for pages of size pageSize.
func locate(pageNo uint64, segPages int, pageSize int) (segNo int32, offset int64) {
	segNo = int32(pageNo / uint64(segPages))
	offset = int64(pageNo%uint64(segPages)) * int64(pageSize)
	return segNo, offset
}

// readHeader reads the first headerSize bytes of segment 0 without
// mapping it. A missing or short file reads as zeros.
func readHeader(lfs LocalFileSet) ([]byte, error) {
	buf := make([]byte, headerSize)
	path := filepath.Join(lfs.Dir, SegFileName(lfs.Base, 0))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return buf, nil
		}
		return nil, errors.Wrapf(err, "open header %s", path)
	}
	defer util.CloseFileFunc(f)

	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read header %s", path)
	}
	return buf, nil
}

// ensureSize grows f to at least size bytes.
func ensureSize(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", f.Name())
	}
	if info.Size() >= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return errors.Wrap(err, fmt.Sprintf("grow %s to %d bytes", f.Name(), size))
	}
	return nil
}
