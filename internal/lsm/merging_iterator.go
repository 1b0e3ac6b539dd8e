package lsm

import "container/heap"

// mergeItem pairs an input iterator with its current entry.
type mergeItem struct {
	it entryIterator
	e  *Entry
}

// mergeHeap orders items by (key ascending, seq descending), so for a
// run of equal keys the newest version surfaces first.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].e.Key != h[j].e.Key {
		return h[i].e.Key < h[j].e.Key
	}
	return h[i].e.Seq > h[j].e.Seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergingIterator k-way merges several ascending entry streams. For each
// distinct key exactly one entry is yielded: the one with the highest
// sequence number. Tombstones are yielded like any other entry; dropping
// them is a compaction policy decision, not a merge concern.
type MergingIterator struct {
	h     mergeHeap
	iters []entryIterator
	cur   *Entry
	err   error
}

func NewMergingIterator(iters []entryIterator) *MergingIterator {
	mi := &MergingIterator{
		h:     make(mergeHeap, 0, len(iters)),
		iters: iters,
	}
	for _, it := range iters {
		if it.Next() {
			heap.Push(&mi.h, mergeItem{it: it, e: it.Entry()})
		} else if it.Error() != nil {
			mi.err = it.Error()
			return mi
		}
	}
	return mi
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	if mi.h.Len() == 0 {
		return false
	}

	// The heap top is the smallest key's newest version.
	item := heap.Pop(&mi.h).(mergeItem)
	cur := item.e

	// Discard every older version of the same key, advancing the
	// iterators they came from.
	for mi.h.Len() > 0 && mi.h[0].e.Key == cur.Key {
		dup := heap.Pop(&mi.h).(mergeItem)
		if !mi.advance(dup.it) {
			return false
		}
	}
	if !mi.advance(item.it) {
		return false
	}

	mi.cur = cur
	return true
}

// advance moves it forward and re-queues it; false means a hard error.
func (mi *MergingIterator) advance(it entryIterator) bool {
	if it.Next() {
		heap.Push(&mi.h, mergeItem{it: it, e: it.Entry()})
		return true
	}
	if err := it.Error(); err != nil {
		mi.err = err
		return false
	}
	return true
}

func (mi *MergingIterator) Entry() *Entry { return mi.cur }
func (mi *MergingIterator) Error() error  { return mi.err }

func (mi *MergingIterator) Close() error {
	var firstErr error
	for _, it := range mi.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.h = nil
	mi.iters = nil
	return firstErr
}
