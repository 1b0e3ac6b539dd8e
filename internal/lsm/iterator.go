package lsm

import (
	"bufio"
	"io"
)

// entryIterator is the internal contract shared by memtable drains and
// sorted-file scans; it yields every entry, tombstones included, in
// ascending key order.
type entryIterator interface {
	Next() bool
	Entry() *Entry
	Error() error
	Close() error
}

// --- memTableIterator ---

// memTableIterator walks the AVL tree in-order with an explicit stack.
// It holds the memtable's read lock until Close, so the tree cannot
// change under a drain in progress.
type memTableIterator struct {
	mem   *MemTable
	stack []*avlNode
	cur   *Entry
}

func NewMemTableIterator(mem *MemTable) entryIterator {
	mem.mu.RLock()
	it := &memTableIterator{mem: mem}
	it.pushLeft(mem.root)
	return it
}

func (it *memTableIterator) pushLeft(n *avlNode) {
	for n != nil {
		it.stack = append(it.stack, n)
		n = n.left
	}
}

func (it *memTableIterator) Next() bool {
	if len(it.stack) == 0 {
		return false
	}
	n := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	it.pushLeft(n.right)

	it.cur = &Entry{Key: n.key, Value: n.value, Tombstone: n.tombstone, Seq: n.seq}
	return true
}

func (it *memTableIterator) Entry() *Entry { return it.cur }
func (it *memTableIterator) Error() error  { return nil }

func (it *memTableIterator) Close() error {
	it.mem.mu.RUnlock()
	it.stack = nil
	it.mem = nil
	return nil
}

// --- sstIterator ---

// sstIterator streams the entry block of an open sorted file. It reads
// through a section reader over the file's shared handle, so several
// iterators can run against one file at once.
type sstIterator struct {
	r   *bufio.Reader
	cur *Entry
	err error
}

func NewSSTableIterator(sf *SortedFile) entryIterator {
	return &sstIterator{
		r: bufio.NewReaderSize(io.NewSectionReader(sf.file, 0, sf.dataLen), sstReadBufferSize),
	}
}

func (it *sstIterator) Next() bool {
	if it.err != nil {
		return false
	}
	e, err := decodeEntry(it.r)
	if err == io.EOF {
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.cur = e
	return true
}

func (it *sstIterator) Entry() *Entry { return it.cur }
func (it *sstIterator) Error() error  { return it.err }
func (it *sstIterator) Close() error  { return nil }

// --- liveIterator ---

// liveIterator adapts a merged entry stream to the public Iterator:
// tombstoned keys are skipped, only the newest version of each key is
// visible. It holds a reference on its captured registry snapshot until
// Close, so compaction cannot pull the files out from under the scan.
type liveIterator struct {
	src entryIterator
	reg *registry
	cur *Entry
}

func (it *liveIterator) Next() bool {
	for it.src.Next() {
		e := it.src.Entry()
		if e.Tombstone {
			continue
		}
		it.cur = e
		return true
	}
	return false
}

func (it *liveIterator) Key() string {
	return it.cur.Key
}

func (it *liveIterator) Value() []byte {
	return it.cur.Value
}

func (it *liveIterator) Error() error {
	return it.src.Error()
}

func (it *liveIterator) Close() error {
	err := it.src.Close()
	if it.reg != nil {
		it.reg.release()
		it.reg = nil
	}
	return err
}
