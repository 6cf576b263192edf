package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nainya/pagestore/pkg/pager"
)

func flipByteAt(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], offset); err != nil {
		return err
	}
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], offset)
	return err
}

func page(fill byte) []byte {
	buf := make([]byte, pager.PageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestOpenFreshCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-wal")
	w, txs, meta, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if len(txs) != 0 {
		t.Fatalf("fresh WAL should recover no transactions, got %d", len(txs))
	}
	if meta != nil {
		t.Fatalf("fresh WAL should recover no CommitMeta, got %+v", meta)
	}
	if w.Size() != HeaderSize {
		t.Fatalf("fresh WAL size = %d, want %d", w.Size(), HeaderSize)
	}
}

func TestAppendAndRecoverCommittedTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-wal")
	w, _, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := w.AppendPage(1, 10, page(0xAA)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendPage(1, 11, page(0xBB)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendCommit(1, CommitMeta{CatalogRoot: 7, PageCount: 12}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if err := w.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, txs, meta, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if len(txs) != 1 {
		t.Fatalf("recovered %d transactions, want 1", len(txs))
	}
	if txs[0].TxID != 1 {
		t.Fatalf("recovered txid %d, want 1", txs[0].TxID)
	}
	if len(txs[0].Pages) != 2 {
		t.Fatalf("recovered %d pages, want 2", len(txs[0].Pages))
	}
	if !bytes.Equal(txs[0].Pages[10], page(0xAA)) {
		t.Fatal("page 10 image mismatch after recovery")
	}
	if !bytes.Equal(txs[0].Pages[11], page(0xBB)) {
		t.Fatal("page 11 image mismatch after recovery")
	}
	if meta == nil || meta.CatalogRoot != 7 || meta.PageCount != 12 {
		t.Fatalf("recovered CommitMeta = %+v, want {CatalogRoot:7 PageCount:12}", meta)
	}
}

func TestRecoveryDiscardsUncommittedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-wal")
	w, _, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := w.AppendPage(1, 10, page(0xAA)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendCommit(1, CommitMeta{CatalogRoot: 1, PageCount: 11}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	// Transaction 2 never gets its commit frame, simulating a crash mid-write.
	if err := w.AppendPage(2, 20, page(0xCC)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, txs, meta, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if len(txs) != 1 || txs[0].TxID != 1 {
		t.Fatalf("recovery should surface only the committed tx 1, got %+v", txs)
	}
	if meta == nil || meta.CatalogRoot != 1 || meta.PageCount != 11 {
		t.Fatalf("recovered CommitMeta should come from tx 1's commit frame, got %+v", meta)
	}
}

func TestRecoveryStopsAtCorruptFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-wal")
	w, _, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.AppendPage(1, 10, page(0xAA)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendCommit(1, CommitMeta{CatalogRoot: 1, PageCount: 11}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if err := w.AppendPage(2, 20, page(0xCC)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendCommit(2, CommitMeta{CatalogRoot: 2, PageCount: 21}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if err := w.Fsync(); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside tx 2's page frame (the third frame) to simulate a
	// torn write; recovery stops there and never reaches tx 2's commit frame.
	corruptOffset := int64(HeaderSize + FrameSize + FrameSize + FrameHeaderSize + 3)
	if err := flipByteAt(path, corruptOffset); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	_, txs, meta, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	if len(txs) != 1 || txs[0].TxID != 1 {
		t.Fatalf("recovery should stop before the corrupt frame and keep only tx 1, got %+v", txs)
	}
	if meta == nil || meta.CatalogRoot != 1 || meta.PageCount != 11 {
		t.Fatalf("recovered CommitMeta should come from tx 1, the last frame before corruption, got %+v", meta)
	}
}

func TestTruncateResetsToHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db-wal")
	w, _, _, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendPage(1, 10, page(0xAA)); err != nil {
		t.Fatalf("AppendPage: %v", err)
	}
	if err := w.AppendCommit(1, CommitMeta{CatalogRoot: 1, PageCount: 11}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if w.Size() == HeaderSize {
		t.Fatal("WAL should have grown past the header")
	}

	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if w.Size() != HeaderSize {
		t.Fatalf("Size after Truncate = %d, want %d", w.Size(), HeaderSize)
	}
	if w.FrameCount() != 0 {
		t.Fatalf("FrameCount after Truncate = %d, want 0", w.FrameCount())
	}
}
