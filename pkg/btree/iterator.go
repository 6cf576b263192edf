package btree

import "bytes"

// Iter walks a Tree's keys in order. Each Iter holds the path of page
// images from root to current leaf, captured against the Tree's own page
// source — since a caller's Tree is built against that caller's snapshot,
// range scans are stable against concurrent commits without needing
// sibling pointers: later writers build entirely new page images and never
// touch the ones this iterator has already resolved.
type Iter struct {
	tree *Tree
	path []Node
	pos  []uint16
}

// Iterator returns a fresh, unpositioned iterator over t.
func (t *Tree) Iterator() *Iter {
	return &Iter{tree: t, path: make([]Node, 0, 8), pos: make([]uint16, 0, 8)}
}

// SeekLE positions the iterator at the first key <= key. Returns false if
// the tree is empty.
func (it *Iter) SeekLE(key []byte) bool {
	it.path = it.path[:0]
	it.pos = it.pos[:0]

	if it.tree.Root == 0 {
		return false
	}

	n := Node(it.tree.pages.Get(it.tree.Root))
	for {
		it.path = append(it.path, n)
		idx := lookupLE(n, key)
		it.pos = append(it.pos, idx)

		if n.kind() == KindLeaf {
			break
		}
		n = Node(it.tree.pages.Get(n.getPtr(idx)))
	}
	return true
}

// Valid reports whether the iterator is positioned at a real entry.
func (it *Iter) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return pos < leaf.nkeys()
}

func (it *Iter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	return leaf.getKey(it.pos[len(it.pos)-1])
}

func (it *Iter) Val() []byte {
	if !it.Valid() {
		return nil
	}
	leaf := it.path[len(it.path)-1]
	return leaf.getVal(it.pos[len(it.pos)-1])
}

// Next advances to the next key, backtracking up the path as leaves are
// exhausted. Returns false once there are no more keys.
func (it *Iter) Next() bool {
	if len(it.path) == 0 {
		return false
	}

	leafIdx := len(it.pos) - 1
	it.pos[leafIdx]++
	if it.pos[leafIdx] < it.path[leafIdx].nkeys() {
		return true
	}

	it.path = it.path[:leafIdx]
	it.pos = it.pos[:leafIdx]

	for len(it.pos) > 0 {
		parentIdx := len(it.pos) - 1
		it.pos[parentIdx]++
		if it.pos[parentIdx] < it.path[parentIdx].nkeys() {
			return it.descendLeftmost()
		}
		it.path = it.path[:parentIdx]
		it.pos = it.pos[:parentIdx]
	}
	return false
}

func (it *Iter) descendLeftmost() bool {
	for {
		parentIdx := len(it.path) - 1
		parent := it.path[parentIdx]
		pos := it.pos[parentIdx]

		child := Node(it.tree.pages.Get(parent.getPtr(pos)))
		it.path = append(it.path, child)

		if child.kind() == KindLeaf {
			it.pos = append(it.pos, 0)
			return true
		}
		it.pos = append(it.pos, 0)
	}
}

// Range calls fn for every key k with lo <= k <= hi (nil bounds are open),
// in ascending order, until fn returns false.
func (t *Tree) Range(lo, hi []byte, fn func(key, val []byte) bool) {
	it := t.Iterator()
	if !it.SeekLE(lo) {
		return
	}

	// SeekLE(nil) and SeekLE(lo) both land on the highest entry <= the
	// bound; for a real lo that may be the synthetic leading sentinel
	// (an empty key, never a real document key) or a key strictly before
	// lo, either of which must be skipped forward past.
	if len(it.Key()) == 0 || (lo != nil && bytes.Compare(it.Key(), lo) < 0) {
		if !it.Next() {
			return
		}
	}

	for it.Valid() {
		if hi != nil && bytes.Compare(it.Key(), hi) > 0 {
			return
		}
		if !fn(it.Key(), it.Val()) {
			return
		}
		if !it.Next() {
			return
		}
	}
}

// Scan is a convenience wrapper over Range with an open upper bound,
// matching the shape collaborators most often need: "everything from
// start onward".
func (t *Tree) Scan(start []byte, fn func(key, val []byte) bool) {
	t.Range(start, nil, fn)
}
