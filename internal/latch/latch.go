// Package latch implements the per-page latch set used by the B-link tree.
//
// Every page carries four independent lock pairs:
//
//	set 1  Access (shared)  / Delete (exclusive)  page may not vanish / page is being retired
//	set 2  Read   (shared)  / Write  (exclusive)  page contents
//	set 3  Parent (exclusive)                     fence key of the page is being posted
//	set 4  Link   (exclusive)                     sibling links of the page are being rewritten
//
// Locks are taken outward-in (set 1 before set 2 before set 3 before set 4)
// and released in reverse order. Fairness between readers and writers is
// whatever sync.RWMutex provides: a blocked writer stops new readers.
package latch

import (
	"fmt"
	"strings"
	"sync"
)

// Mode is a bit set of latch modes.
type Mode uint8

const (
	Access Mode = 1 << iota
	Delete
	Read
	Write
	Parent
	Link
)

var modeNames = [...]string{"access", "delete", "read", "write", "parent", "link"}

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for i, name := range modeNames {
		if m&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// valid reports whether m asks for at most one side of each pair.
func (m Mode) valid() bool {
	if m&(Access|Delete) == Access|Delete {
		return false
	}
	if m&(Read|Write) == Read|Write {
		return false
	}
	return m < Link<<1
}

// Set is the latch set of one page. The zero value is unlocked.
type Set struct {
	access sync.RWMutex
	readwr sync.RWMutex
	parent sync.Mutex
	link   sync.Mutex
}

// Lock acquires every mode in m, outward-in.
func (s *Set) Lock(m Mode) {
	if !m.valid() {
		panic(fmt.Sprintf("latch: invalid lock mode %s", m))
	}
	switch {
	case m&Access != 0:
		s.access.RLock()
	case m&Delete != 0:
		s.access.Lock()
	}
	switch {
	case m&Read != 0:
		s.readwr.RLock()
	case m&Write != 0:
		s.readwr.Lock()
	}
	if m&Parent != 0 {
		s.parent.Lock()
	}
	if m&Link != 0 {
		s.link.Lock()
	}
}

// Unlock releases every mode in m, inward-out.
func (s *Set) Unlock(m Mode) {
	if !m.valid() {
		panic(fmt.Sprintf("latch: invalid unlock mode %s", m))
	}
	if m&Link != 0 {
		s.link.Unlock()
	}
	if m&Parent != 0 {
		s.parent.Unlock()
	}
	switch {
	case m&Read != 0:
		s.readwr.RUnlock()
	case m&Write != 0:
		s.readwr.Unlock()
	}
	switch {
	case m&Access != 0:
		s.access.RUnlock()
	case m&Delete != 0:
		s.access.Unlock()
	}
}
