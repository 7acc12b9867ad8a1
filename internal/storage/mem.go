package storage

// MemArena keeps every page on the Go heap. Used by tests and by
// throwaway indexes; nothing survives Close.
type MemArena struct {
	arena
}

var _ Arena = (*MemArena)(nil)

type memStore struct {
	geo Geometry
}

func (s *memStore) page(c Class, _ uint64) ([]byte, error) {
	return make([]byte, s.geo.PageSize(c)), nil
}

func (s *memStore) sync() error  { return nil }
func (s *memStore) close() error { return nil }

func NewMemArena(opts Options) (*MemArena, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &MemArena{}
	m.geo = opts.Geometry
	m.maxPages = opts.MaxPages
	m.store = &memStore{geo: opts.Geometry}
	if err := m.init(opts.SegmentPages); err != nil {
		return nil, err
	}
	return m, nil
}
