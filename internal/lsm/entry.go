package lsm

import "github.com/nconghau/avlkv/internal/engine"

const (
	// MaxKeyLen bounds key size; larger keys are rejected before any
	// mutation.
	MaxKeyLen = 1 << 14

	// MaxValueLen bounds a single value.
	MaxValueLen = 16 << 20
)

// Entry is one versioned key-value record. Seq is assigned by the store
// at write time and is the sole authority for resolving which version of
// a key is current. A tombstone records a deletion so it can shadow
// older values that may still live on disk.
type Entry struct {
	Key       string
	Value     []byte
	Tombstone bool
	Seq       uint64
}

func validateKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return engine.ErrInvalidKey
	}
	return nil
}
