// Package btree implements the copy-on-write B+ tree used both for
// collection documents and for the collection catalog. A Node is a
// self-describing, fixed-size page image: a 2-byte kind, a 2-byte entry count, a
// pointer array (internal nodes only), an offset array, and packed
// key/value pairs growing from the end of the header toward the end of
// the page. Every mutation produces a brand-new page image; callers never
// mutate a Node that may still be visible to a concurrent reader.
package btree

import (
	"bytes"
	"encoding/binary"
)

// Node kinds.
const (
	KindInternal = 1 // sorted keys + child page numbers, no values
	KindLeaf     = 2 // sorted keys + values
)

const (
	headerSize = 4 // kind(2) + nkeys(2)

	// PageSize is the fixed page size the tree is built on; it must match
	// the page size the pager hands back from its ReadPage/AllocPage.
	PageSize = 4096

	// MaxKeySize and MaxValSize bound a single entry so that one
	// maximum-size entry still fits in a page on its own (checked in init);
	// a page may hold only one such entry.
	MaxKeySize = 1000
	MaxValSize = 3000
)

// Node is a page image interpreted as a B+ tree node.
type Node []byte

func (n Node) kind() uint16  { return binary.LittleEndian.Uint16(n[0:2]) }
func (n Node) nkeys() uint16 { return binary.LittleEndian.Uint16(n[2:4]) }

func (n Node) setHeader(kind, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], kind)
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

// getPtr returns the child page number stored at entry idx (internal nodes).
func (n Node) getPtr(idx uint16) uint64 {
	if idx >= n.nkeys() {
		panic("btree: ptr index out of range")
	}
	return binary.LittleEndian.Uint64(n[headerSize+8*idx:])
}

func (n Node) setPtr(idx uint16, val uint64) {
	if idx >= n.nkeys() {
		panic("btree: ptr index out of range")
	}
	binary.LittleEndian.PutUint64(n[headerSize+8*idx:], val)
}

func offsetPos(n Node, idx uint16) uint16 {
	if idx < 1 || idx > n.nkeys() {
		panic("btree: offset index out of range")
	}
	return headerSize + 8*n.nkeys() + 2*(idx-1)
}

func (n Node) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[offsetPos(n, idx):])
}

func (n Node) setOffset(idx, offset uint16) {
	binary.LittleEndian.PutUint16(n[offsetPos(n, idx):], offset)
}

// kvPos returns the byte position of the idx'th key/value pair.
func (n Node) kvPos(idx uint16) uint16 {
	if idx > n.nkeys() {
		panic("btree: kv index out of range")
	}
	return headerSize + 8*n.nkeys() + 2*n.nkeys() + n.getOffset(idx)
}

func (n Node) getKey(idx uint16) []byte {
	if idx >= n.nkeys() {
		panic("btree: key index out of range")
	}
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n Node) getVal(idx uint16) []byte {
	if idx >= n.nkeys() {
		panic("btree: val index out of range")
	}
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos+0:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+klen:][:vlen]
}

// nbytes returns how much of the page is actually used.
func (n Node) nbytes() uint16 {
	return n.kvPos(n.nkeys())
}

// lookupLE returns the highest entry index whose key is <= key. For a leaf
// this is the candidate match position; for an internal node it is the
// child to descend into. Entry 0 is a sentinel copied down from the parent
// split point and always compares <= every key in the subtree.
func lookupLE(n Node, key []byte) uint16 {
	nkeys := n.nkeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		cmp := bytes.Compare(n.getKey(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

// appendRange copies n entries of src starting at srcIdx into dst starting
// at dstIdx, preserving pointers (internal nodes) and repacking offsets.
func appendRange(dst, src Node, dstIdx, srcIdx, n uint16) {
	if srcIdx+n > src.nkeys() {
		panic("btree: source range out of bounds")
	}
	if dstIdx+n > dst.nkeys() {
		panic("btree: destination range out of bounds")
	}
	if n == 0 {
		return
	}

	if src.kind() == KindInternal {
		for i := uint16(0); i < n; i++ {
			dst.setPtr(dstIdx+i, src.getPtr(srcIdx+i))
		}
	}

	dstBegin := dst.getOffset(dstIdx)
	srcBegin := src.getOffset(srcIdx)
	for i := uint16(1); i <= n; i++ {
		dst.setOffset(dstIdx+i, dstBegin+src.getOffset(srcIdx+i)-srcBegin)
	}

	begin := src.kvPos(srcIdx)
	end := src.kvPos(srcIdx + n)
	copy(dst[dst.kvPos(dstIdx):], src[begin:end])
}

// appendKV writes a single key/value entry (and, for internal nodes, its
// child pointer) at idx, and advances the offset of idx+1.
func appendKV(n Node, idx uint16, ptr uint64, key, val []byte) {
	n.setPtr(idx, ptr)
	pos := n.kvPos(idx)
	binary.LittleEndian.PutUint16(n[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(n[pos+2:], uint16(len(val)))
	copy(n[pos+4:], key)
	copy(n[pos+4+uint16(len(key)):], val)
	n.setOffset(idx+1, n.getOffset(idx)+4+uint16(len(key)+len(val)))
}

func init() {
	maxEntry := headerSize + 8 + 2 + 4 + MaxKeySize + MaxValSize
	if maxEntry > PageSize {
		panic("btree: max entry size exceeds page size")
	}
}
