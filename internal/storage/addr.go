package storage

import "fmt"

// Class selects the page size of an address. Leaf pages may be larger
// than interior pages, so they live in their own address space.
type Class uint8

const (
	Interior Class = iota
	Leaf

	numClasses = 2
)

func (c Class) String() string {
	switch c {
	case Interior:
		return "interior"
	case Leaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// ClassOf maps a tree level to its page class.
func ClassOf(lvl uint8) Class {
	if lvl == 0 {
		return Leaf
	}
	return Interior
}

const (
	classShift = 56
	pageMask   = 1<<classShift - 1

	// MaxPageNo is the largest page number an address can carry.
	MaxPageNo = pageMask
)

// Addr is a page address: class in the top byte, page number below.
// The zero Addr is the nil page; page 0 of every class is never handed out.
type Addr uint64

func MakeAddr(c Class, pageNo uint64) Addr {
	return Addr(uint64(c)<<classShift | pageNo&pageMask)
}

func (a Addr) Class() Class   { return Class(a >> classShift) }
func (a Addr) PageNo() uint64 { return uint64(a) & pageMask }
func (a Addr) IsNil() bool    { return a == 0 }

func (a Addr) String() string {
	if a.IsNil() {
		return "nil"
	}
	if a.Class() == Leaf {
		return fmt.Sprintf("L%d", a.PageNo())
	}
	return fmt.Sprintf("I%d", a.PageNo())
}

func (a Addr) valid() bool {
	return a.Class() < numClasses && a.PageNo() != 0
}
