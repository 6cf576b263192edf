// Package codec implements the document record format described in spec
// §4.4: a first page carrying a small header (document id, data length)
// plus inline bytes, followed by a chain of overflow pages for documents
// too large to fit on one page. Grounded on the structural idiom of the
// teacher's pkg/storage/encoding.go: one encode function, one decode
// function, explicit encoding/binary little-endian layout, and
// fmt.Errorf-wrapped corruption errors.
package codec

import (
	"encoding/binary"
	"fmt"
)

// PageSize must match pkg/pager.PageSize and pkg/btree.PageSize. Defined
// independently here for the same reason those packages do: avoiding an
// import just for a constant.
const PageSize = 4096

const (
	firstPageHeaderFixed = 2 + 4 // id_len(u16) + data_len(u32)
	nextPtrSize          = 8
)

// chainMargin is added to the strict ceil(max_doc/overflow_capacity)
// bound so a document sitting exactly at the configured maximum, plus
// the bytes the first page's id/header consume, never false-positives
// as a cycle.
const chainMargin = 2

// Record is a decoded document: its id and its raw (already
// JSON-marshaled, by the caller) body bytes.
type Record struct {
	ID   string
	Data []byte
}

// Limits bounds what Encode/Decode will accept, mirroring spec §6.3's
// MaxDocumentSize option plus a fixed cap on id length (u16-addressable,
// but kept well below 65535 in practice).
type Limits struct {
	MaxIDLen   int
	MaxDocSize int
}

// PageReader fetches an existing page image by number.
type PageReader func(pageNum uint64) ([]byte, error)

// PageAllocator allocates a fresh page seeded with the given image and
// returns its page number.
type PageAllocator func(image []byte) (uint64, error)

// PageFreer releases a page back to the pager's free list.
type PageFreer func(pageNum uint64) error

// ErrCorrupt is returned (wrapped with context) for any structural
// violation: a bad length, a cycle in the overflow chain, or a chain
// longer than the document's size could ever justify.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return fmt.Sprintf("codec: corrupt document: %s", e.Reason) }

// Encode packs rec into one or more pages, allocated via alloc, and
// returns the first page's number. If the id and data fit in the page's
// inline capacity, exactly one page is allocated; otherwise successive
// overflow pages are chained via their trailing 8-byte next pointer.
func Encode(rec Record, limits Limits, alloc PageAllocator) (uint64, error) {
	if len(rec.ID) == 0 {
		return 0, fmt.Errorf("codec: document id must not be empty")
	}
	if len(rec.ID) > limits.MaxIDLen {
		return 0, fmt.Errorf("codec: document id length %d exceeds max %d", len(rec.ID), limits.MaxIDLen)
	}
	if len(rec.Data) > limits.MaxDocSize {
		return 0, fmt.Errorf("codec: document size %d exceeds max %d", len(rec.Data), limits.MaxDocSize)
	}

	headerLen := firstPageHeaderFixed + len(rec.ID)
	inlineCap := PageSize - headerLen - nextPtrSize
	if inlineCap < 0 {
		return 0, fmt.Errorf("codec: document id too long for a single page")
	}

	first := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(first[0:2], uint16(len(rec.ID)))
	copy(first[2:2+len(rec.ID)], rec.ID)
	binary.LittleEndian.PutUint32(first[2+len(rec.ID):headerLen], uint32(len(rec.Data)))

	if len(rec.Data) <= inlineCap {
		copy(first[headerLen:], rec.Data)
		binary.LittleEndian.PutUint64(first[PageSize-nextPtrSize:], 0)
		return alloc(first)
	}

	copy(first[headerLen:PageSize-nextPtrSize], rec.Data[:inlineCap])
	remaining := rec.Data[inlineCap:]

	overflowCap := PageSize - nextPtrSize
	pageImages := make([][]byte, 0, (len(remaining)+overflowCap-1)/overflowCap)
	for len(remaining) > 0 {
		n := overflowCap
		if n > len(remaining) {
			n = len(remaining)
		}
		img := make([]byte, PageSize)
		copy(img, remaining[:n])
		pageImages = append(pageImages, img)
		remaining = remaining[n:]
	}

	// Allocate back-to-front so each page can be stamped with the page
	// number of its successor before it is itself written.
	var next uint64
	for i := len(pageImages) - 1; i >= 0; i-- {
		binary.LittleEndian.PutUint64(pageImages[i][PageSize-nextPtrSize:], next)
		pageNum, err := alloc(pageImages[i])
		if err != nil {
			return 0, fmt.Errorf("codec: allocate overflow page: %w", err)
		}
		next = pageNum
	}

	binary.LittleEndian.PutUint64(first[PageSize-nextPtrSize:], next)
	return alloc(first)
}

// Decode reconstructs a Record starting from firstPage, validating
// lengths against limits and guarding the overflow walk against cycles
// and runaway chains.
func Decode(firstPage uint64, limits Limits, read PageReader) (Record, error) {
	buf, err := read(firstPage)
	if err != nil {
		return Record{}, fmt.Errorf("codec: read first page %d: %w", firstPage, err)
	}
	if len(buf) != PageSize {
		return Record{}, &ErrCorrupt{Reason: "first page has wrong size"}
	}

	idLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if idLen == 0 || idLen > limits.MaxIDLen {
		return Record{}, &ErrCorrupt{Reason: "invalid id_len"}
	}
	if 2+idLen+4+nextPtrSize > PageSize {
		return Record{}, &ErrCorrupt{Reason: "id_len overruns page"}
	}
	id := string(buf[2 : 2+idLen])

	dataLenOffset := 2 + idLen
	dataLen := int(binary.LittleEndian.Uint32(buf[dataLenOffset : dataLenOffset+4]))
	if dataLen < 0 || dataLen > limits.MaxDocSize {
		return Record{}, &ErrCorrupt{Reason: "invalid data_len"}
	}

	headerLen := dataLenOffset + 4
	inlineCap := PageSize - headerLen - nextPtrSize
	next := binary.LittleEndian.Uint64(buf[PageSize-nextPtrSize:])

	if next == 0 {
		if dataLen > inlineCap {
			return Record{}, &ErrCorrupt{Reason: "data_len exceeds inline capacity with no overflow"}
		}
		data := make([]byte, dataLen)
		copy(data, buf[headerLen:headerLen+dataLen])
		return Record{ID: id, Data: data}, nil
	}

	out := make([]byte, 0, dataLen)
	out = append(out, buf[headerLen:PageSize-nextPtrSize]...)

	overflowCap := PageSize - nextPtrSize
	maxChain := (limits.MaxDocSize+overflowCap-1)/overflowCap + chainMargin
	visited := map[uint64]bool{firstPage: true}

	hops := 0
	for next != 0 {
		hops++
		if hops > maxChain {
			return Record{}, &ErrCorrupt{Reason: "overflow chain longer than the document's size allows"}
		}
		if visited[next] {
			return Record{}, &ErrCorrupt{Reason: "overflow cycle"}
		}
		visited[next] = true

		page, err := read(next)
		if err != nil {
			return Record{}, fmt.Errorf("codec: read overflow page %d: %w", next, err)
		}
		if len(page) != PageSize {
			return Record{}, &ErrCorrupt{Reason: "overflow page has wrong size"}
		}

		out = append(out, page[:overflowCap]...)
		next = binary.LittleEndian.Uint64(page[overflowCap:])
	}

	if len(out) < dataLen {
		return Record{}, &ErrCorrupt{Reason: "overflow chain shorter than data_len"}
	}
	data := make([]byte, dataLen)
	copy(data, out[:dataLen])
	return Record{ID: id, Data: data}, nil
}

// Delete walks the overflow chain starting at firstPage, freeing every
// page, with the same cycle and chain-length safeguards as Decode.
func Delete(firstPage uint64, limits Limits, read PageReader, free PageFreer) error {
	buf, err := read(firstPage)
	if err != nil {
		return fmt.Errorf("codec: read first page %d: %w", firstPage, err)
	}
	if len(buf) != PageSize {
		return &ErrCorrupt{Reason: "first page has wrong size"}
	}

	next := binary.LittleEndian.Uint64(buf[PageSize-nextPtrSize:])
	if err := free(firstPage); err != nil {
		return fmt.Errorf("codec: free first page %d: %w", firstPage, err)
	}

	overflowCap := PageSize - nextPtrSize
	maxChain := (limits.MaxDocSize+overflowCap-1)/overflowCap + chainMargin
	visited := map[uint64]bool{firstPage: true}

	hops := 0
	for next != 0 {
		hops++
		if hops > maxChain {
			return &ErrCorrupt{Reason: "overflow chain longer than the document's size allows"}
		}
		if visited[next] {
			return &ErrCorrupt{Reason: "overflow cycle"}
		}
		visited[next] = true

		page, err := read(next)
		if err != nil {
			return fmt.Errorf("codec: read overflow page %d: %w", next, err)
		}
		if len(page) != PageSize {
			return &ErrCorrupt{Reason: "overflow page has wrong size"}
		}
		target := next
		next = binary.LittleEndian.Uint64(page[overflowCap:])
		if err := free(target); err != nil {
			return fmt.Errorf("codec: free overflow page %d: %w", target, err)
		}
	}
	return nil
}
