package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nainya/pagestore/pkg/pager"
)

const (
	// FrameHeaderSize is PageNum(8) + TxID(8) + Commit(1) + Reserved(3) +
	// Checksum(4) + Reserved(4).
	FrameHeaderSize = 28

	// FrameSize is the fixed on-disk size of one frame, header + payload.
	FrameSize = FrameHeaderSize + pager.PageSize

	// HeaderSize is the fixed size of the WAL file's own header.
	HeaderSize = 32
)

// Magic identifies a pagestore WAL file.
const Magic = "PGSTRWAL"

const walVersion = 1

// frame is one page-image entry in the WAL: either an intermediate
// dirty-page record (commit == 0) or the terminating commit record for a
// transaction (commit == 1, PageNum == 0, payload holding the encoded
// CommitMeta).
type frame struct {
	PageNum uint64
	TxID    uint64
	Commit  bool
	Payload []byte // always PageSize bytes; a commit record's is its CommitMeta, zero-padded
}

// encode serializes f, folding salt into the checksum so that a frame
// validates only against a WAL header carrying the same salt. The salt is
// chosen once, when the WAL file is created; Truncate keeps it and removes
// old frames by shortening the file.
func (f *frame) encode(salt uint64) []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.PageNum)
	binary.LittleEndian.PutUint64(buf[8:16], f.TxID)
	if f.Commit {
		buf[16] = 1
	}
	copy(buf[FrameHeaderSize:], f.Payload)

	saltBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(saltBuf, salt)
	crc := crc32.ChecksumIEEE(saltBuf)
	crc = crc32.Update(crc, crc32.IEEETable, buf[0:17])
	crc = crc32.Update(crc, crc32.IEEETable, buf[FrameHeaderSize:])
	binary.LittleEndian.PutUint32(buf[20:24], crc)

	return buf
}

// decodeFrame parses and checksum-validates a raw frame. buf must be
// exactly FrameSize bytes.
func decodeFrame(buf []byte, salt uint64) (*frame, error) {
	if len(buf) != FrameSize {
		return nil, ErrTruncated
	}

	saltBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(saltBuf, salt)
	crc := crc32.ChecksumIEEE(saltBuf)
	crc = crc32.Update(crc, crc32.IEEETable, buf[0:17])
	crc = crc32.Update(crc, crc32.IEEETable, buf[FrameHeaderSize:])

	stored := binary.LittleEndian.Uint32(buf[20:24])
	if stored != crc {
		return nil, ErrCorrupted
	}

	f := &frame{
		PageNum: binary.LittleEndian.Uint64(buf[0:8]),
		TxID:    binary.LittleEndian.Uint64(buf[8:16]),
		Commit:  buf[16] != 0,
	}
	f.Payload = make([]byte, pager.PageSize)
	copy(f.Payload, buf[FrameHeaderSize:])
	return f, nil
}

// CommitMeta carries the page-manager header fields that must become
// durable atomically with a transaction's commit: the catalog root and
// page count as of that transaction, encoded into the commit frame's
// otherwise-unused payload. Recovery restores these from the last
// durable commit frame instead of trusting the data file's on-disk
// header, which is only ever rewritten at a checkpoint and so can be
// arbitrarily stale after a crash (spec §8 property 1, "Durability").
type CommitMeta struct {
	CatalogRoot uint64
	PageCount   uint64
}

func (m CommitMeta) encode() []byte {
	buf := make([]byte, pager.PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.CatalogRoot)
	binary.LittleEndian.PutUint64(buf[8:16], m.PageCount)
	return buf
}

func decodeCommitMeta(buf []byte) CommitMeta {
	return CommitMeta{
		CatalogRoot: binary.LittleEndian.Uint64(buf[0:8]),
		PageCount:   binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// fileHeader is the fixed 32-byte WAL header at offset 0.
type fileHeader struct {
	Version  uint16
	PageSize uint32
	Salt     uint64
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint32(buf[10:14], h.PageSize)
	binary.LittleEndian.PutUint64(buf[14:22], h.Salt)
	return buf
}

func decodeFileHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	if string(buf[0:8]) != Magic {
		return nil, ErrBadHeader
	}
	h := &fileHeader{
		Version:  binary.LittleEndian.Uint16(buf[8:10]),
		PageSize: binary.LittleEndian.Uint32(buf[10:14]),
		Salt:     binary.LittleEndian.Uint64(buf[14:22]),
	}
	if h.PageSize != pager.PageSize {
		return nil, ErrBadHeader
	}
	return h, nil
}
