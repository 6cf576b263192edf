package wal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nainya/pagestore/pkg/pager"
)

// Transaction is one durable transaction recovered from the log: every
// page image it wrote, keyed by page number, in commit order.
type Transaction struct {
	TxID  uint64
	Pages map[uint64][]byte
}

// WAL is the append-only write-ahead log described in spec §4.3: a fixed
// header followed by a sequence of fixed-size page-image frames,
// terminated per transaction by a commit frame. Durability is WAL-first —
// the data file is only ever updated by a checkpoint reading back out of
// here.
type WAL struct {
	path string
	fd   *os.File

	mu     sync.Mutex
	header fileHeader
	offset int64
	closed bool
}

// Open opens or creates the WAL at path and replays any durable
// transactions it finds, in the same style as the teacher's
// scanForHighestLSN: read sequentially from the start, stopping at the
// first bad checksum or short read. Returns the WAL ready for further
// appends, every transaction recovery found durable (committed with a
// valid commit frame), in ascending txid order, and the CommitMeta from
// the highest-txid durable commit frame found (nil if none was durable —
// a fresh WAL, or one whose only transactions were torn).
func Open(path string) (*WAL, []Transaction, *CommitMeta, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, nil, nil, err
	}

	w := &WAL{path: path, fd: fd}

	if stat.Size() == 0 {
		salt, err := randomSalt()
		if err != nil {
			fd.Close()
			return nil, nil, nil, err
		}
		w.header = fileHeader{Version: walVersion, PageSize: pager.PageSize, Salt: salt}
		if _, err := fd.WriteAt(w.header.encode(), 0); err != nil {
			fd.Close()
			return nil, nil, nil, fmt.Errorf("wal: write header: %w", err)
		}
		if err := fd.Sync(); err != nil {
			fd.Close()
			return nil, nil, nil, err
		}
		w.offset = HeaderSize
		return w, nil, nil, nil
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(fd, headerBuf); err != nil {
		fd.Close()
		return nil, nil, nil, fmt.Errorf("wal: read header: %w", err)
	}
	h, err := decodeFileHeader(headerBuf)
	if err != nil {
		fd.Close()
		return nil, nil, nil, err
	}
	w.header = *h

	txs, lastGood, meta, err := scanDurableTransactions(fd, h.Salt)
	if err != nil {
		fd.Close()
		return nil, nil, nil, err
	}
	w.offset = lastGood

	return w, txs, meta, nil
}

func randomSalt() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("wal: generate salt: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// scanDurableTransactions implements spec §4.3's recovery algorithm:
// scan frames sequentially, accumulate pages for the in-progress
// transaction, and only promote them to the durable set once a valid
// commit frame is seen. Stops at the first corrupt or short frame —
// exactly the point a crash could have interrupted a write — and
// reports the byte offset just past the last fully-valid frame, which becomes
// the append position for new writes (silently dropping any torn tail).
// It also returns the CommitMeta decoded from the highest-txid durable
// commit frame: since frames are written in commit order, the last one
// promoted to durable carries the page-manager header state as of the
// most recent durable transaction.
func scanDurableTransactions(fd *os.File, salt uint64) ([]Transaction, int64, *CommitMeta, error) {
	offset := int64(HeaderSize)
	current := make(map[uint64]map[uint64][]byte) // txid -> pagenum -> payload
	var order []uint64
	durable := make(map[uint64]map[uint64][]byte)
	var lastMeta *CommitMeta

	buf := make([]byte, FrameSize)
	for {
		n, err := fd.ReadAt(buf, offset)
		if n < FrameSize {
			if err == io.EOF || err == io.ErrUnexpectedEOF || n == 0 {
				break
			}
			if err != nil {
				return nil, offset, nil, fmt.Errorf("wal: scan: %w", err)
			}
			break
		}

		f, err := decodeFrame(buf, salt)
		if err != nil {
			break
		}

		if !f.Commit {
			pages, ok := current[f.TxID]
			if !ok {
				pages = make(map[uint64][]byte)
				current[f.TxID] = pages
				order = append(order, f.TxID)
			}
			pages[f.PageNum] = f.Payload
		} else {
			if pages, ok := current[f.TxID]; ok {
				durable[f.TxID] = pages
				delete(current, f.TxID)
				meta := decodeCommitMeta(f.Payload)
				lastMeta = &meta
			}
		}

		offset += FrameSize
	}

	out := make([]Transaction, 0, len(durable))
	seen := make(map[uint64]bool, len(durable))
	for _, txid := range order {
		if pages, ok := durable[txid]; ok && !seen[txid] {
			out = append(out, Transaction{TxID: txid, Pages: pages})
			seen[txid] = true
		}
	}
	return out, offset, lastMeta, nil
}

// AppendPage appends one intermediate page-image frame. It does not
// fsync; callers append every frame of a transaction and then call
// AppendCommit followed by Fsync, per the WAL-first ordering in spec
// §4.3.
func (w *WAL) AppendPage(txid, pageNum uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	if len(payload) != pager.PageSize {
		return fmt.Errorf("wal: payload must be %d bytes, got %d", pager.PageSize, len(payload))
	}

	f := &frame{PageNum: pageNum, TxID: txid, Commit: false, Payload: payload}
	return w.writeFrame(f)
}

// AppendCommit appends the terminating commit record for txid, carrying
// meta (the catalog root and page count as of this transaction) so
// recovery can restore the page manager's header durably without
// depending on the data file's last checkpointed header page.
func (w *WAL) AppendCommit(txid uint64, meta CommitMeta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}

	f := &frame{PageNum: 0, TxID: txid, Commit: true, Payload: meta.encode()}
	return w.writeFrame(f)
}

func (w *WAL) writeFrame(f *frame) error {
	buf := f.encode(w.header.Salt)
	if _, err := w.fd.WriteAt(buf, w.offset); err != nil {
		return fmt.Errorf("wal: append frame: %w", err)
	}
	w.offset += FrameSize
	return nil
}

// Fsync durably persists every frame appended so far. Returns only once
// every preceding byte is on stable media (spec §4.3 step 3).
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	return w.fd.Sync()
}

// Size returns the current WAL file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// FrameCount returns the number of frames appended since the header.
// The auto-checkpoint threshold does not consult it; pkg/txn counts the
// frames of each commit batch itself.
func (w *WAL) FrameCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return (w.offset - HeaderSize) / FrameSize
}

// Truncate resets the WAL back to just its header, used after a
// checkpoint has made every frame's pages durable in the data file.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	if err := w.fd.Truncate(HeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	w.offset = HeaderSize
	return w.fd.Sync()
}

// Close closes the underlying file handle without truncating.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}
