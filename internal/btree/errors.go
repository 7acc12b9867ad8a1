package btree

import "errors"

var (
	// ErrCorruption reports a page or slot invariant violation found while
	// reading the tree. There is no recovery; the index must be rebuilt.
	ErrCorruption = errors.New("btree: index corrupted")

	// ErrStaleStructure is returned when a descent or fence update keeps
	// racing with structure changes past the retry limit.
	ErrStaleStructure = errors.New("btree: structure changed too often, retries exhausted")

	ErrKeyTooLong = errors.New("btree: key exceeds maximum length")
	ErrBadLevel   = errors.New("btree: invalid level or slot type")
	ErrClosed     = errors.New("btree: tree closed")

	// errRetry asks the caller to descend again from the root.
	errRetry = errors.New("btree: retry")
)
