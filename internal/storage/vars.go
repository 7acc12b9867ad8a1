package storage

import (
	"errors"
)

const (
	MinPageBits = 9  // 512 bytes
	MaxPageBits = 24 // 16 MiB, also the cap for pageBits + leafXtra

	DefaultPageBits     = 13   // 8 KiB interior pages
	DefaultSegmentPages = 4096 // pages per segment file
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

var (
	ErrOutOfSpace       = errors.New("storage: arena out of space")
	ErrBadAddr          = errors.New("storage: invalid page address")
	ErrClosed           = errors.New("storage: arena closed")
	ErrPagePinned       = errors.New("storage: page is pinned")
	ErrBadGeometry      = errors.New("storage: invalid page geometry")
	ErrGeometryMismatch = errors.New("storage: geometry does not match arena")
	ErrBadHeader        = errors.New("storage: arena header is corrupted")
	ErrMmapUnsupported  = errors.New("storage: mmap not supported on this platform")
)
