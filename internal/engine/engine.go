// Package engine defines the contract between the storage core and its
// callers (CLI, tests). It deliberately has no dependency on the LSM
// implementation so alternative backends can satisfy the same interface.
package engine

// Engine is the common interface for DB engines.
type Engine interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Compact() error
	NewBatch() Batch
	ApplyBatch(b Batch) error
	NewIterator() (Iterator, error)
	Dump(path string) error
	Restore(path string) error
	Close() error
}

// Batch accumulates writes that are applied atomically by ApplyBatch.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Len() int
}

// Iterator walks live entries in ascending key order. Shadowed versions
// and deleted keys are not yielded.
type Iterator interface {
	// Next advances the cursor. It returns false when the stream is
	// exhausted or an error occurred (check Error).
	Next() bool
	Key() string
	Value() []byte
	Error() error
	Close() error
}
