package engine

import "errors"

var (
	// ErrInvalidKey is returned for empty or oversized keys, before any
	// state is mutated.
	ErrInvalidKey = errors.New("invalid key")

	// ErrKeyNotFound reports that a key has no live value. It is a result
	// variant, not a storage failure.
	ErrKeyNotFound = errors.New("key not found")

	// ErrCorruptFile is returned when a sorted file fails its footer or
	// checksum validation on open.
	ErrCorruptFile = errors.New("corrupt sorted file")

	// ErrCapacityExceeded reports a configuration or size-limit violation.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)
