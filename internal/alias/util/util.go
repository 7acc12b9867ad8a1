package util

import (
	"log/slog"
	"os"
)

// CloseFileFunc closes f and logs a failure instead of returning it.
// Used in defers where the file has already served its purpose.
func CloseFileFunc(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("util.CloseFile", "file", f.Name(), "err", err)
	}
}
