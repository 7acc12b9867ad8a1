package latch

// used for pin/unpin of page frames
// a frame with pins can not be handed back to the allocator

import (
	"fmt"
	"sync/atomic"
)

type Pins struct {
	count atomic.Int32
}

func (p *Pins) Pin() {
	p.count.Add(1)
}

// Unpin drops one pin and reports whether the frame is now unpinned.
func (p *Pins) Unpin() bool {
	n := p.count.Add(-1)
	if n < 0 {
		panic("latch: pin count dropped below zero")
	}
	return n == 0
}

func (p *Pins) Count() int32 {
	return p.count.Load()
}

func (p *Pins) String() string {
	return fmt.Sprintf("Pins: %d", p.Count())
}
