package btree

import "bytes"

// PageSource is the pluggable page-management contract a Tree is built on:
// Get dereferences a page number to its current byte image (as visible to
// whatever snapshot the caller represents), New allocates a fresh page for
// a freshly-built node image, and Del marks the page number as obsolete
// once the tree no longer references it. Every write operation is
// copy-on-write: old pages are only ever Del'd, never mutated in place.
type PageSource struct {
	Get func(ptr uint64) []byte
	New func(node []byte) uint64
	Del func(ptr uint64)
}

// Tree is a copy-on-write ordered map from byte-string key to byte-string
// value, persisted as a tree of Nodes. The zero Tree with Root == 0 is
// empty.
type Tree struct {
	Root  uint64
	pages PageSource
}

// New returns a Tree rooted at root (0 for an empty tree) using the given
// page source.
func New(root uint64, pages PageSource) *Tree {
	return &Tree{Root: root, pages: pages}
}

// ErrDuplicateKey is returned by Insert(unique=true) when the key already
// exists in the tree.
var ErrDuplicateKey = duplicateKeyError{}

type duplicateKeyError struct{}

func (duplicateKeyError) Error() string { return "btree: duplicate key" }

// Search returns the value stored for key, if any.
func (t *Tree) Search(key []byte) ([]byte, bool) {
	if t.Root == 0 {
		return nil, false
	}
	return search(t, Node(t.pages.Get(t.Root)), key)
}

func search(t *Tree, n Node, key []byte) ([]byte, bool) {
	idx := lookupLE(n, key)
	switch n.kind() {
	case KindLeaf:
		if bytes.Equal(key, n.getKey(idx)) {
			return n.getVal(idx), true
		}
		return nil, false
	case KindInternal:
		child := Node(t.pages.Get(n.getPtr(idx)))
		return search(t, child, key)
	default:
		panic("btree: bad node kind")
	}
}

// Count walks the tree and returns the number of keys it holds. It is
// O(n); no separate count is kept anywhere, so every call walks the
// whole tree.
func (t *Tree) Count() int {
	if t.Root == 0 {
		return 0
	}
	n := 0
	t.Range(nil, nil, func(_, _ []byte) bool { n++; return true })
	return n
}

// Insert inserts or updates key/val. unique, when true, fails with
// ErrDuplicateKey instead of overwriting an existing entry, implementing
// the insert-unless-exists contract collection document ids rely on.
func (t *Tree) Insert(key, val []byte, unique bool) error {
	if unique {
		if _, ok := t.Search(key); ok {
			return ErrDuplicateKey
		}
	}
	t.insert(key, val)
	return nil
}

func (t *Tree) insert(key, val []byte) {
	if t.Root == 0 {
		root := make([]byte, PageSize)
		node := Node(root)
		node.setHeader(KindLeaf, 2)
		appendKV(node, 0, 0, nil, nil) // sentinel: compares <= every key
		appendKV(node, 1, 0, key, val)
		t.Root = t.pages.New(root)
		return
	}

	node := treeInsert(t, Node(t.pages.Get(t.Root)), key, val)
	nsplit, split := splitOversized(node)
	t.pages.Del(t.Root)

	if nsplit > 1 {
		root := make([]byte, PageSize)
		rootNode := Node(root)
		rootNode.setHeader(KindInternal, nsplit)
		for i, kid := range split[:nsplit] {
			appendKV(rootNode, uint16(i), t.pages.New(kid), kid.getKey(0), nil)
		}
		t.Root = t.pages.New(root)
	} else {
		t.Root = t.pages.New(split[0])
	}
}

func treeInsert(t *Tree, n Node, key, val []byte) Node {
	out := make([]byte, 2*PageSize) // may temporarily exceed one page
	newNode := Node(out)
	idx := lookupLE(n, key)

	switch n.kind() {
	case KindLeaf:
		if bytes.Equal(key, n.getKey(idx)) {
			leafUpdate(newNode, n, idx, key, val)
		} else {
			leafInsert(newNode, n, idx+1, key, val)
		}
	case KindInternal:
		internalInsert(t, newNode, n, idx, key, val)
	default:
		panic("btree: bad node kind")
	}
	return newNode
}

func leafInsert(dst, src Node, idx uint16, key, val []byte) {
	dst.setHeader(KindLeaf, src.nkeys()+1)
	appendRange(dst, src, 0, 0, idx)
	appendKV(dst, idx, 0, key, val)
	appendRange(dst, src, idx+1, idx, src.nkeys()-idx)
}

func leafUpdate(dst, src Node, idx uint16, key, val []byte) {
	dst.setHeader(KindLeaf, src.nkeys())
	appendRange(dst, src, 0, 0, idx)
	appendKV(dst, idx, 0, key, val)
	appendRange(dst, src, idx+1, idx+1, src.nkeys()-(idx+1))
}

func internalInsert(t *Tree, dst, src Node, idx uint16, key, val []byte) {
	kptr := src.getPtr(idx)
	child := treeInsert(t, Node(t.pages.Get(kptr)), key, val)
	nsplit, split := splitOversized(child)
	t.pages.Del(kptr)
	replaceChildren(t, dst, src, idx, split[:nsplit]...)
}

// replaceChildren replaces the child link at idx with 1..3 new links (the
// result of a split), allocating a fresh page per new child.
func replaceChildren(t *Tree, dst, src Node, idx uint16, kids ...Node) {
	inc := uint16(len(kids))
	dst.setHeader(KindInternal, src.nkeys()+inc-1)
	appendRange(dst, src, 0, 0, idx)
	for i, kid := range kids {
		appendKV(dst, idx+uint16(i), t.pages.New(kid), kid.getKey(0), nil)
	}
	appendRange(dst, src, idx+inc, idx+1, src.nkeys()-(idx+1))
}

// splitOversized splits n (which may be up to 2 pages wide) into 1-3
// page-sized nodes, promoting the first key of each split sibling to the
// parent (spec's "split at the median; promote the first key").
func splitOversized(n Node) (uint16, [3]Node) {
	if n.nbytes() <= PageSize {
		n = n[:PageSize]
		return 1, [3]Node{n}
	}

	left := make([]byte, 2*PageSize)
	right := make([]byte, PageSize)
	splitInTwo(Node(left), Node(right), n)

	if Node(left).nbytes() <= PageSize {
		left = left[:PageSize]
		return 2, [3]Node{Node(left), Node(right)}
	}

	leftleft := make([]byte, PageSize)
	middle := make([]byte, PageSize)
	splitInTwo(Node(leftleft), Node(middle), Node(left))
	return 3, [3]Node{Node(leftleft), Node(middle), Node(right)}
}

// splitInTwo splits old at the point nearest 3/4 of a page, which for
// uniformly sized entries lands very close to the median.
func splitInTwo(left, right, old Node) {
	nkeys := old.nkeys()
	nleft := uint16(0)
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if old.kvPos(nleft) >= PageSize*3/4 {
			break
		}
	}

	left.setHeader(old.kind(), nleft)
	appendRange(left, old, 0, 0, nleft)

	right.setHeader(old.kind(), nkeys-nleft)
	appendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete removes key, returning false if it was not present.
func (t *Tree) Delete(key []byte) bool {
	if t.Root == 0 {
		return false
	}

	updated := treeDelete(t, Node(t.pages.Get(t.Root)), key)
	if len(updated) == 0 {
		return false
	}
	t.pages.Del(t.Root)

	if updated.kind() == KindInternal && updated.nkeys() == 1 {
		// Root has a single child left: the tree shrinks one level.
		t.Root = updated.getPtr(0)
	} else {
		t.Root = t.pages.New(updated)
	}
	return true
}

func treeDelete(t *Tree, n Node, key []byte) Node {
	idx := lookupLE(n, key)
	switch n.kind() {
	case KindLeaf:
		if !bytes.Equal(key, n.getKey(idx)) {
			return nil
		}
		out := make([]byte, PageSize)
		leafDelete(Node(out), n, idx)
		return Node(out)
	case KindInternal:
		return internalDelete(t, n, idx, key)
	default:
		panic("btree: bad node kind")
	}
}

func leafDelete(dst, src Node, idx uint16) {
	dst.setHeader(KindLeaf, src.nkeys()-1)
	appendRange(dst, src, 0, 0, idx)
	appendRange(dst, src, idx, idx+1, src.nkeys()-(idx+1))
}

// minFillBytes is the threshold (spec: MIN_FILL, ~40% of a page) below
// which an underfull node tries to borrow/merge with a sibling.
const minFillBytes = PageSize * 2 / 5

func internalDelete(t *Tree, n Node, idx uint16, key []byte) Node {
	kptr := n.getPtr(idx)
	updated := treeDelete(t, Node(t.pages.Get(kptr)), key)
	if len(updated) == 0 {
		return nil
	}
	t.pages.Del(kptr)

	out := make([]byte, PageSize)
	dir, sibling := mergeCandidate(t, n, idx, updated)

	switch {
	case dir < 0: // merge with left sibling
		merged := make([]byte, PageSize)
		mergeNodes(Node(merged), sibling, updated)
		t.pages.Del(n.getPtr(idx - 1))
		replaceTwoChildren(Node(out), n, idx-1, t.pages.New(merged), Node(merged).getKey(0))
	case dir > 0: // merge with right sibling
		merged := make([]byte, PageSize)
		mergeNodes(Node(merged), updated, sibling)
		t.pages.Del(n.getPtr(idx + 1))
		replaceTwoChildren(Node(out), n, idx, t.pages.New(merged), Node(merged).getKey(0))
	case updated.nkeys() == 0:
		Node(out).setHeader(KindInternal, 0)
	default:
		replaceChildren(t, Node(out), n, idx, updated)
	}
	return Node(out)
}

// mergeCandidate decides whether updated (now underfull) should merge with
// a sibling: -1 left, +1 right, 0 no merge needed.
func mergeCandidate(t *Tree, n Node, idx uint16, updated Node) (int, Node) {
	if updated.nbytes() > minFillBytes {
		return 0, nil
	}
	if idx > 0 {
		sibling := Node(t.pages.Get(n.getPtr(idx - 1)))
		if sibling.nbytes()+updated.nbytes()-headerSize <= PageSize {
			return -1, sibling
		}
	}
	if idx+1 < n.nkeys() {
		sibling := Node(t.pages.Get(n.getPtr(idx + 1)))
		if sibling.nbytes()+updated.nbytes()-headerSize <= PageSize {
			return 1, sibling
		}
	}
	return 0, nil
}

func mergeNodes(dst, left, right Node) {
	dst.setHeader(left.kind(), left.nkeys()+right.nkeys())
	appendRange(dst, left, 0, 0, left.nkeys())
	appendRange(dst, right, left.nkeys(), 0, right.nkeys())
}

func replaceTwoChildren(dst, src Node, idx uint16, ptr uint64, key []byte) {
	dst.setHeader(KindInternal, src.nkeys()-1)
	appendRange(dst, src, 0, 0, idx)
	appendKV(dst, idx, ptr, key, nil)
	appendRange(dst, src, idx+1, idx+2, src.nkeys()-(idx+2))
}
