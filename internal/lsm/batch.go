package lsm

import "github.com/nconghau/avlkv/internal/engine"

// batchEntry is one pending operation (put or delete) in a batch.
type batchEntry struct {
	key       []byte
	value     []byte
	tombstone bool
}

// lsmBatch collects writes that ApplyBatch applies under a single
// coordinator lock with consecutive sequence numbers.
type lsmBatch struct {
	entries []batchEntry
}

func NewBatch() engine.Batch {
	return &lsmBatch{}
}

func (b *lsmBatch) Put(key, value []byte) {
	b.entries = append(b.entries, batchEntry{key: key, value: value})
}

func (b *lsmBatch) Delete(key []byte) {
	b.entries = append(b.entries, batchEntry{key: key, tombstone: true})
}

func (b *lsmBatch) Len() int {
	return len(b.entries)
}
