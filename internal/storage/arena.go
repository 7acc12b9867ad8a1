package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tuannm99/novabtree/internal/alias/bx"
)

// Arena hands out fixed-size pages addressed by Addr.
//
// Frames are created once per page and never move, so a pinned frame's
// Data stays valid until Close. Callers latch frames through Frame.Latch;
// the arena never takes a page latch itself.
type Arena interface {
	Geometry() Geometry
	// AllocPage returns a zeroed, pinned page of the class serving lvl.
	AllocPage(lvl uint8) (*Frame, error)
	// FreePage pushes an unpinned page onto the free chain of its class.
	FreePage(addr Addr) error
	// Pin returns the frame of an allocated page with one more pin.
	Pin(addr Addr) (*Frame, error)
	// Header returns the MetaSize bytes reserved for the index metadata.
	Header() []byte
	Usage() Usage
	Sync() error
	Close() error
}

// Usage counts pages per class; Pages includes pages on the free chain.
type Usage struct {
	Pages [numClasses]uint64
	Free  [numClasses]uint64
}

// Geometry fixes the page sizes of an arena.
type Geometry struct {
	PageBits uint
	LeafXtra uint
}

func (g Geometry) Validate() error {
	if g.PageBits < MinPageBits || g.PageBits > MaxPageBits {
		return fmt.Errorf("%w: page bits %d not in [%d, %d]", ErrBadGeometry, g.PageBits, MinPageBits, MaxPageBits)
	}
	if g.PageBits+g.LeafXtra > MaxPageBits {
		return fmt.Errorf("%w: page bits %d + leaf xtra %d exceeds %d", ErrBadGeometry, g.PageBits, g.LeafXtra, MaxPageBits)
	}
	return nil
}

func (g Geometry) PageSize(c Class) int {
	if c == Leaf {
		return 1 << (g.PageBits + g.LeafXtra)
	}
	return 1 << g.PageBits
}

// LevelPageSize returns the page size used by tree level lvl.
func (g Geometry) LevelPageSize(lvl uint8) int {
	return g.PageSize(ClassOf(lvl))
}

// Options configures a new arena. Zero fields take defaults; an existing
// mapped arena keeps the geometry it was created with, and a zero PageBits
// asks to adopt it whatever LeafXtra says.
type Options struct {
	Geometry
	// SegmentPages is the number of pages per segment file.
	SegmentPages int
	// MaxPages caps the page number of each class; 0 means no cap.
	MaxPages uint64
}

func (o Options) withDefaults() Options {
	if o.PageBits == 0 {
		o.PageBits = DefaultPageBits
	}
	if o.SegmentPages <= 0 {
		o.SegmentPages = DefaultSegmentPages
	}
	return o
}

// Header page layout. Interior page 0 is the header page; the index owns
// the first MetaSize bytes, the arena keeps its allocator state after it.
const (
	MetaSize = 64

	hdrMagic    = 64
	hdrPageBits = 68
	hdrLeafXtra = 72
	hdrSegPages = 76
	hdrNext     = 80  // u64 per class: next never-used page number
	hdrFree     = 96  // u64 per class: head of the free chain
	hdrFreeCnt  = 112 // u64 per class: pages on the free chain
	headerSize  = 128

	arenaMagic = 0x5442564e // "NVBT"
)

// pageStore provides the bytes behind page numbers.
type pageStore interface {
	page(c Class, pageNo uint64) ([]byte, error)
	sync() error
	close() error
}

// arena is the allocator shared by MemArena and MmapArena.
type arena struct {
	geo      Geometry
	maxPages uint64
	store    pageStore
	header   []byte

	mu     sync.RWMutex // guards frames
	frames [numClasses][]*Frame

	alloc  sync.Mutex // serializes allocator state in header
	next   [numClasses]atomic.Uint64
	closed atomic.Bool
}

// readHeaderGeometry decodes the arena fields of a header.
// ok is false for a blank header.
func readHeaderGeometry(h []byte) (geo Geometry, segPages int, ok bool, err error) {
	if len(h) < headerSize {
		return Geometry{}, 0, false, ErrBadHeader
	}
	switch bx.U32At(h, hdrMagic) {
	case 0:
		return Geometry{}, 0, false, nil
	case arenaMagic:
	default:
		return Geometry{}, 0, false, fmt.Errorf("%w: bad magic %#x", ErrBadHeader, bx.U32At(h, hdrMagic))
	}
	geo = Geometry{
		PageBits: uint(bx.U32At(h, hdrPageBits)),
		LeafXtra: uint(bx.U32At(h, hdrLeafXtra)),
	}
	if err := geo.Validate(); err != nil {
		return Geometry{}, 0, false, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return geo, int(bx.U32At(h, hdrSegPages)), true, nil
}

// init binds the header page and formats it when blank.
func (a *arena) init(segPages int) error {
	h, err := a.store.page(Interior, 0)
	if err != nil {
		return err
	}
	a.header = h

	if bx.U32At(h, hdrMagic) == 0 {
		bx.PutU32At(h, hdrPageBits, uint32(a.geo.PageBits))
		bx.PutU32At(h, hdrLeafXtra, uint32(a.geo.LeafXtra))
		bx.PutU32At(h, hdrSegPages, uint32(segPages))
		for c := range numClasses {
			bx.PutU64At(h, hdrNext+8*c, 1)
		}
		bx.PutU32At(h, hdrMagic, arenaMagic)
	}

	geo, _, ok, err := readHeaderGeometry(h)
	if err != nil {
		return err
	}
	if !ok || geo != a.geo {
		return fmt.Errorf("%w: header %+v, arena %+v", ErrGeometryMismatch, geo, a.geo)
	}
	for c := range numClasses {
		n := bx.U64At(h, hdrNext+8*c)
		if n == 0 {
			return fmt.Errorf("%w: %s page counter is zero", ErrBadHeader, Class(c))
		}
		a.next[c].Store(n)
	}
	return nil
}

func (a *arena) Geometry() Geometry { return a.geo }

func (a *arena) Header() []byte {
	return a.header[:MetaSize:MetaSize]
}

// frame returns the frame of a page, creating it on first use.
func (a *arena) frame(addr Addr) (*Frame, error) {
	c, no := addr.Class(), addr.PageNo()

	a.mu.RLock()
	if no < uint64(len(a.frames[c])) {
		if f := a.frames[c][no]; f != nil {
			a.mu.RUnlock()
			return f, nil
		}
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if n := uint64(len(a.frames[c])); no >= n {
		grow := max(no+1, 2*n)
		a.frames[c] = append(a.frames[c], make([]*Frame, grow-n)...)
	}
	if f := a.frames[c][no]; f != nil {
		return f, nil
	}
	data, err := a.store.page(c, no)
	if err != nil {
		return nil, err
	}
	f := &Frame{Addr: addr, Data: data}
	a.frames[c][no] = f
	return f, nil
}

func (a *arena) checkAddr(addr Addr) error {
	if !addr.valid() || addr.PageNo() >= a.next[addr.Class()].Load() {
		return fmt.Errorf("%w: %s", ErrBadAddr, addr)
	}
	return nil
}

func (a *arena) Pin(addr Addr) (*Frame, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if err := a.checkAddr(addr); err != nil {
		return nil, err
	}
	f, err := a.frame(addr)
	if err != nil {
		return nil, err
	}
	f.pins.Pin()
	return f, nil
}

func (a *arena) AllocPage(lvl uint8) (*Frame, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	c := ClassOf(lvl)

	a.alloc.Lock()
	defer a.alloc.Unlock()

	if head := Addr(bx.U64At(a.header, hdrFree+8*int(c))); !head.IsNil() {
		f, err := a.frame(head)
		if err != nil {
			return nil, err
		}
		if !IsFree(f.Data) {
			return nil, fmt.Errorf("%w: free chain head %s is in use", ErrBadHeader, head)
		}
		bx.PutU64At(a.header, hdrFree+8*int(c), uint64(freeNext(f.Data)))
		bx.PutU64At(a.header, hdrFreeCnt+8*int(c), bx.U64At(a.header, hdrFreeCnt+8*int(c))-1)
		clear(f.Data)
		f.pins.Pin()
		return f, nil
	}

	no := a.next[c].Load()
	if no > MaxPageNo || (a.maxPages > 0 && no > a.maxPages) {
		return nil, fmt.Errorf("%w: %s class at page %d", ErrOutOfSpace, c, no)
	}
	f, err := a.frame(MakeAddr(c, no))
	if err != nil {
		return nil, err
	}
	clear(f.Data)
	a.next[c].Store(no + 1)
	bx.PutU64At(a.header, hdrNext+8*int(c), no+1)
	f.pins.Pin()
	return f, nil
}

func (a *arena) FreePage(addr Addr) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if err := a.checkAddr(addr); err != nil {
		return err
	}
	f, err := a.frame(addr)
	if err != nil {
		return err
	}
	if f.pins.Count() > 0 {
		return fmt.Errorf("%w: %s", ErrPagePinned, addr)
	}

	c := int(addr.Class())
	a.alloc.Lock()
	defer a.alloc.Unlock()
	if IsFree(f.Data) {
		return fmt.Errorf("%w: %s already free", ErrBadAddr, addr)
	}
	markFree(f.Data, Addr(bx.U64At(a.header, hdrFree+8*c)))
	bx.PutU64At(a.header, hdrFree+8*c, uint64(addr))
	bx.PutU64At(a.header, hdrFreeCnt+8*c, bx.U64At(a.header, hdrFreeCnt+8*c)+1)
	return nil
}

func (a *arena) Usage() Usage {
	a.alloc.Lock()
	defer a.alloc.Unlock()
	var u Usage
	for c := range numClasses {
		u.Pages[c] = a.next[c].Load() - 1
		u.Free[c] = bx.U64At(a.header, hdrFreeCnt+8*c)
	}
	return u
}

func (a *arena) Sync() error {
	if a.closed.Load() {
		return ErrClosed
	}
	return a.store.sync()
}

// Close releases the backing storage. Frames must not be used afterwards.
func (a *arena) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.store.close()
}
