package storage

import (
	"github.com/tuannm99/novabtree/internal/latch"
)

// Frame is the in-memory handle of one arena page. It lives as long as
// the arena; Data aliases the page bytes (heap or mapped file).
type Frame struct {
	Addr  Addr
	Latch latch.Set
	Data  []byte

	pins latch.Pins
}

// Unpin releases a pin taken by Arena.Pin or Arena.AllocPage.
func (f *Frame) Unpin() {
	f.pins.Unpin()
}

func (f *Frame) PinCount() int32 {
	return f.pins.Count()
}
