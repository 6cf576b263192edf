// Package wal implements the write-ahead log: fixed-size page-image
// frames, WAL-first commit durability, and crash recovery by sequential
// frame replay.
package wal

import "errors"

var (
	// ErrCorrupted indicates a frame failed its checksum.
	ErrCorrupted = errors.New("wal: corrupted frame")

	// ErrLogClosed indicates an operation on a closed WAL.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrTruncated indicates a frame was cut short, e.g. by a crash
	// mid-write. Distinct from ErrCorrupted: a truncated tail is the
	// expected shape of an unclean shutdown and is not reported as
	// corruption, just discarded.
	ErrTruncated = errors.New("wal: truncated frame")

	// ErrBadHeader indicates the WAL file's header failed validation
	// (bad magic or a page size mismatch against the data file).
	ErrBadHeader = errors.New("wal: bad header")
)
