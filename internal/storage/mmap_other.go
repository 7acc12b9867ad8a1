//go:build !unix

package storage

import "os"

func mapSegment(*os.File, int) ([]byte, error) { return nil, ErrMmapUnsupported }
func unmapSegment([]byte) error                { return ErrMmapUnsupported }
func syncSegment([]byte) error                 { return ErrMmapUnsupported }
