package pager

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a pagestore data file (spec §6.1: "magic:8 bytes").
const Magic = "PAGESTR1"

const headerVersion = 1

// Header is the fixed-layout page 0 of the data file (spec §6.1):
// magic, version, page size, catalog root, free-list bookkeeping, page
// count, and the last committed transaction id. Everything beyond these
// fields is zero padding out to PageSize.
type Header struct {
	Version           uint16
	PageSize          uint32
	CatalogRoot       uint64
	FreeListHeadPage  uint64
	FreeListHeadSeq   uint64
	FreeListTailPage  uint64
	FreeListTailSeq   uint64
	PageCount         uint64
	LastCommittedTxID uint64
}

// Encode serializes h into a full PageSize page image.
func (h *Header) Encode() []byte {
	buf := make([]byte, PageSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint32(buf[10:14], h.PageSize)
	binary.LittleEndian.PutUint64(buf[14:22], h.CatalogRoot)
	binary.LittleEndian.PutUint64(buf[22:30], h.FreeListHeadPage)
	binary.LittleEndian.PutUint64(buf[30:38], h.FreeListHeadSeq)
	binary.LittleEndian.PutUint64(buf[38:46], h.FreeListTailPage)
	binary.LittleEndian.PutUint64(buf[46:54], h.FreeListTailSeq)
	binary.LittleEndian.PutUint64(buf[54:62], h.PageCount)
	binary.LittleEndian.PutUint64(buf[62:70], h.LastCommittedTxID)
	return buf
}

// DecodeHeader parses a page 0 image, validating the magic and page size.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < 70 {
		return nil, fmt.Errorf("pager: truncated header")
	}
	if string(buf[0:8]) != Magic {
		return nil, fmt.Errorf("pager: bad magic %q", buf[0:8])
	}
	h := &Header{
		Version:           binary.LittleEndian.Uint16(buf[8:10]),
		PageSize:          binary.LittleEndian.Uint32(buf[10:14]),
		CatalogRoot:       binary.LittleEndian.Uint64(buf[14:22]),
		FreeListHeadPage:  binary.LittleEndian.Uint64(buf[22:30]),
		FreeListHeadSeq:   binary.LittleEndian.Uint64(buf[30:38]),
		FreeListTailPage:  binary.LittleEndian.Uint64(buf[38:46]),
		FreeListTailSeq:   binary.LittleEndian.Uint64(buf[46:54]),
		PageCount:         binary.LittleEndian.Uint64(buf[54:62]),
		LastCommittedTxID: binary.LittleEndian.Uint64(buf[62:70]),
	}
	if h.PageSize != 0 && h.PageSize != PageSize {
		return nil, fmt.Errorf("pager: page size mismatch: file has %d, expected %d", h.PageSize, PageSize)
	}
	return h, nil
}

func newHeader() *Header {
	return &Header{Version: headerVersion, PageSize: PageSize, PageCount: 1}
}
