//go:build unix

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapSegment(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapSegment(b []byte) error {
	return unix.Munmap(b)
}

func syncSegment(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
