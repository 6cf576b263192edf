package pager

import "encoding/binary"

const (
	freeListHeaderSize = 8 // next-node pointer
	freeListCap        = (PageSize - freeListHeaderSize) / 8
)

// freeListNode is a page holding a run of free page numbers plus a link to
// the next node, the same unrolled-linked-list-of-pages shape the teacher
// used: the free list is itself made of ordinary pages, so it costs no
// separate storage mechanism.
type freeListNode []byte

func (n freeListNode) next() uint64        { return binary.LittleEndian.Uint64(n[0:8]) }
func (n freeListNode) setNext(p uint64)    { binary.LittleEndian.PutUint64(n[0:8], p) }
func (n freeListNode) ptr(i int) uint64    { return binary.LittleEndian.Uint64(n[freeListHeaderSize+8*i:]) }
func (n freeListNode) setPtr(i int, p uint64) {
	binary.LittleEndian.PutUint64(n[freeListHeaderSize+8*i:], p)
}

// freeList is the persistent free-list allocator (spec §4.2's "allocate"
// contract and invariant 1: no page is simultaneously free and live).
// It is pushed to only with pages that are globally safe to recycle —
// pages freed by a transaction are held on that transaction's private
// to-be-freed set until commit proves no older snapshot can still see
// them (txn.Manager owns that gating; freeList only implements the
// mechanical head/tail page-recycling structure).
type freeList struct {
	read  func(uint64) []byte
	write func(uint64, []byte)
	alloc func([]byte) uint64 // append-only allocation, bypassing the free list itself

	headPage, headSeq uint64
	tailPage, tailSeq uint64
}

// total returns the number of pages currently queued for reuse.
func (fl *freeList) total() uint64 {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return fl.tailSeq - fl.headSeq
}

// pop removes and returns a page number from the head of the list, or 0
// if the list is empty.
func (fl *freeList) pop() uint64 {
	if fl.headSeq >= fl.tailSeq || fl.headPage == 0 {
		return 0
	}

	node := freeListNode(fl.read(fl.headPage))
	idx := int(fl.headSeq % freeListCap)
	ptr := node.ptr(idx)
	fl.headSeq++

	if fl.headSeq%freeListCap == 0 {
		next := node.next()
		if next != 0 {
			fl.push(fl.headPage)
			fl.headPage = next
		}
	}
	return ptr
}

// push adds a page number to the tail of the list.
func (fl *freeList) push(ptr uint64) {
	if fl.tailPage == 0 {
		page := make([]byte, PageSize)
		freeListNode(page).setNext(0)
		fl.tailPage = fl.alloc(page)
		fl.headPage = fl.tailPage
	}

	idx := int(fl.tailSeq % freeListCap)
	if idx == 0 && fl.tailSeq > 0 {
		newPage := make([]byte, PageSize)
		freeListNode(newPage).setNext(0)
		newTail := fl.alloc(newPage)

		old := make([]byte, PageSize)
		copy(old, fl.read(fl.tailPage))
		freeListNode(old).setNext(newTail)
		fl.write(fl.tailPage, old)

		fl.tailPage = newTail
		idx = 0
	}

	page := make([]byte, PageSize)
	copy(page, fl.read(fl.tailPage))
	freeListNode(page).setPtr(idx, ptr)
	fl.write(fl.tailPage, page)
	fl.tailSeq++
}

// serialize packs the free list's bookkeeping (not its contents, which
// live in ordinary pages already reachable via headPage) into the file
// header.
func (fl *freeList) serialize(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], fl.headPage)
	binary.LittleEndian.PutUint64(buf[8:], fl.headSeq)
	binary.LittleEndian.PutUint64(buf[16:], fl.tailPage)
	binary.LittleEndian.PutUint64(buf[24:], fl.tailSeq)
}

func (fl *freeList) deserialize(buf []byte) {
	fl.headPage = binary.LittleEndian.Uint64(buf[0:])
	fl.headSeq = binary.LittleEndian.Uint64(buf[8:])
	fl.tailPage = binary.LittleEndian.Uint64(buf[16:])
	fl.tailSeq = binary.LittleEndian.Uint64(buf[24:])
}
