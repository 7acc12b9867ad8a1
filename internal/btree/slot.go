package btree

import "fmt"

// SlotType tags a slot directory entry.
type SlotType uint8

const (
	Indexed   SlotType = iota // live unique key
	Deleted                   // tombstone, key is dead until reinserted
	Librarian                 // empty slot kept between keys for cheap inserts
	Stopper                   // fence key, always the last slot
)

func (t SlotType) String() string {
	switch t {
	case Indexed:
		return "indexed"
	case Deleted:
		return "deleted"
	case Librarian:
		return "librarian"
	case Stopper:
		return "stopper"
	default:
		return fmt.Sprintf("SlotType(%d)", uint8(t))
	}
}

// slot is one packed directory word:
//
//	bits  0..28  offset of the entry inside the page
//	bits 29..30  SlotType
//	bit  31      dead
type slot uint32

const (
	SlotSize = 4

	slotOffMask   = 1<<29 - 1
	slotTypeShift = 29
	slotTypeMask  = 0x3
	slotDead      = 1 << 31
)

func makeSlot(off int, typ SlotType, dead bool) slot {
	s := slot(off&slotOffMask) | slot(typ&slotTypeMask)<<slotTypeShift
	if dead {
		s |= slotDead
	}
	return s
}

func (s slot) off() int       { return int(s & slotOffMask) }
func (s slot) typ() SlotType  { return SlotType(s>>slotTypeShift) & slotTypeMask }
func (s slot) dead() bool     { return s&slotDead != 0 }
func (s slot) String() string { return fmt.Sprintf("{off:%d %s dead:%t}", s.off(), s.typ(), s.dead()) }
