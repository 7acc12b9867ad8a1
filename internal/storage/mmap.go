package storage

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/tuannm99/novabtree/internal/alias/util"
)

// MmapArena keeps pages in memory-mapped segment files, one file set per
// page class. A segment is mapped once at its full size and stays mapped
// until Close, so frame slices are never invalidated by growth.
type MmapArena struct {
	arena
}

var _ Arena = (*MmapArena)(nil)

type mmapStore struct {
	lfs      [numClasses]LocalFileSet
	geo      Geometry
	segPages int

	mu   sync.Mutex
	segs [numClasses][][]byte
}

func (s *mmapStore) segment(c Class, segNo int32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(segNo) < len(s.segs[c]) && s.segs[c][segNo] != nil {
		return s.segs[c][segNo], nil
	}

	f, err := s.lfs[c].OpenSegment(segNo)
	if err != nil {
		return nil, err
	}
	// the mapping outlives the descriptor
	defer util.CloseFileFunc(f)

	size := int64(s.segPages) * int64(s.geo.PageSize(c))
	if err := ensureSize(f, size); err != nil {
		return nil, err
	}
	data, err := mapSegment(f, int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", f.Name())
	}
	slog.Debug("storage.mmap.MapSegment", "class", c, "seg", segNo, "bytes", size)

	for int(segNo) >= len(s.segs[c]) {
		s.segs[c] = append(s.segs[c], nil)
	}
	s.segs[c][segNo] = data
	return data, nil
}

func (s *mmapStore) page(c Class, pageNo uint64) ([]byte, error) {
	size := s.geo.PageSize(c)
	segNo, off := locate(pageNo, s.segPages, size)
	seg, err := s.segment(c, segNo)
	if err != nil {
		return nil, err
	}
	return seg[off : off+int64(size) : off+int64(size)], nil
}

func (s *mmapStore) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range numClasses {
		for segNo, seg := range s.segs[c] {
			if seg == nil {
				continue
			}
			if err := syncSegment(seg); err != nil {
				return errors.Wrapf(err, "msync %s segment %d", Class(c), segNo)
			}
		}
	}
	return nil
}

func (s *mmapStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for c := range numClasses {
		for segNo, seg := range s.segs[c] {
			if seg == nil {
				continue
			}
			if err := syncSegment(seg); err != nil && first == nil {
				first = errors.Wrapf(err, "msync %s segment %d", Class(c), segNo)
			}
			if err := unmapSegment(seg); err != nil && first == nil {
				first = errors.Wrapf(err, "munmap %s segment %d", Class(c), segNo)
			}
		}
		s.segs[c] = nil
	}
	return first
}

// OpenMmap opens or creates the arena stored under lfs. An existing arena
// keeps its stored geometry; when opts.PageBits is set the requested
// geometry must match it.
func OpenMmap(lfs LocalFileSet, opts Options) (*MmapArena, error) {
	h, err := readHeader(lfs)
	if err != nil {
		return nil, err
	}
	geo, segPages, ok, err := readHeaderGeometry(h)
	if err != nil {
		return nil, errors.Wrapf(err, "arena %s", lfs)
	}
	if ok {
		if opts.PageBits != 0 && opts.Geometry != geo {
			return nil, errors.Wrapf(ErrGeometryMismatch, "arena %s has %+v, want %+v", lfs, geo, opts.Geometry)
		}
		opts.Geometry = geo
		opts.SegmentPages = segPages
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	store := &mmapStore{geo: opts.Geometry, segPages: opts.SegmentPages}
	for c := range numClasses {
		store.lfs[c] = lfs.ClassSet(Class(c))
	}

	m := &MmapArena{}
	m.geo = opts.Geometry
	m.maxPages = opts.MaxPages
	m.store = store
	if err := m.init(opts.SegmentPages); err != nil {
		_ = store.close()
		return nil, err
	}
	slog.Debug("storage.mmap.Open", "arena", lfs.String(), "pageBits", m.geo.PageBits,
		"leafXtra", m.geo.LeafXtra, "fresh", !ok)
	return m, nil
}
