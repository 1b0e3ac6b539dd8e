package lsm

import "sync"

// avlNode is a node of the memtable's height-balanced search tree.
type avlNode struct {
	key       string
	value     []byte
	tombstone bool
	seq       uint64
	height    int
	left      *avlNode
	right     *avlNode
}

// MemTable buffers recent writes in an AVL tree keyed by entry key.
// Every operation is O(log n); in-order traversal yields strictly
// ascending unique keys, which is what the flush path consumes.
type MemTable struct {
	mu    sync.RWMutex
	root  *avlNode
	count int
}

func NewMemTable() *MemTable {
	return &MemTable{}
}

// Put inserts or overwrites key. An overwrite replaces value and seq in
// place and never changes the tree shape.
func (m *MemTable) Put(key string, value []byte, seq uint64) error {
	return m.set(key, value, false, seq)
}

// Delete records a tombstone for key. The node is kept: the deletion
// must survive flush to shadow older on-disk values.
func (m *MemTable) Delete(key string, seq uint64) error {
	return m.set(key, nil, true, seq)
}

func (m *MemTable) set(key string, value []byte, tombstone bool, seq uint64) error {
	if err := validateKey([]byte(key)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var grew bool
	m.root, grew = insertNode(m.root, key, value, tombstone, seq)
	if grew {
		m.count++
	}
	return nil
}

// Get returns the entry for key, or ok=false on a miss. A tombstone is a
// definitive answer and is returned as-is.
func (m *MemTable) Get(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.root
	for n != nil {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return &Entry{Key: n.key, Value: n.value, Tombstone: n.tombstone, Seq: n.seq}, true
		}
	}
	return nil, false
}

// Len returns the number of distinct keys (tombstones included).
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// SeqRange returns the lowest and highest sequence numbers held.
func (m *MemTable) SeqRange() (lo, hi uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	first := true
	var walk func(n *avlNode)
	walk = func(n *avlNode) {
		if n == nil {
			return
		}
		walk(n.left)
		if first || n.seq < lo {
			lo = n.seq
		}
		if first || n.seq > hi {
			hi = n.seq
		}
		first = false
		walk(n.right)
	}
	walk(m.root)
	return lo, hi
}

func height(n *avlNode) int {
	if n == nil {
		return 0
	}
	return n.height
}

func balanceFactor(n *avlNode) int {
	return height(n.left) - height(n.right)
}

func updateHeight(n *avlNode) {
	hl, hr := height(n.left), height(n.right)
	if hl > hr {
		n.height = hl + 1
	} else {
		n.height = hr + 1
	}
}

func rotateLeft(z *avlNode) *avlNode {
	y := z.right
	z.right = y.left
	y.left = z
	updateHeight(z)
	updateHeight(y)
	return y
}

func rotateRight(z *avlNode) *avlNode {
	y := z.left
	z.left = y.right
	y.right = z
	updateHeight(z)
	updateHeight(y)
	return y
}

// insertNode inserts bottom-up and restores |h(l)-h(r)| <= 1 via the
// four standard rotation cases. grew reports whether a new node was
// created (overwrites keep the count unchanged).
func insertNode(n *avlNode, key string, value []byte, tombstone bool, seq uint64) (node *avlNode, grew bool) {
	if n == nil {
		return &avlNode{key: key, value: value, tombstone: tombstone, seq: seq, height: 1}, true
	}

	switch {
	case key < n.key:
		n.left, grew = insertNode(n.left, key, value, tombstone, seq)
	case key > n.key:
		n.right, grew = insertNode(n.right, key, value, tombstone, seq)
	default:
		n.value = value
		n.tombstone = tombstone
		n.seq = seq
		return n, false
	}

	updateHeight(n)
	balance := balanceFactor(n)

	switch {
	case balance > 1 && key < n.left.key: // left-left
		return rotateRight(n), grew
	case balance < -1 && key > n.right.key: // right-right
		return rotateLeft(n), grew
	case balance > 1 && key > n.left.key: // left-right
		n.left = rotateLeft(n.left)
		return rotateRight(n), grew
	case balance < -1 && key < n.right.key: // right-left
		n.right = rotateRight(n.right)
		return rotateLeft(n), grew
	}
	return n, grew
}
