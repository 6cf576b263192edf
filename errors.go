// Package pagestore is the public library surface: an embedded,
// single-file document database with ACID transactions over named
// collections of JSON documents, grounded on the teacher's top-level
// KV/KVTX naming (pkg/storage/kv.go, pkg/storage/transaction.go) but
// built on top of pkg/txn's MVCC manager rather than a single-writer KV.
package pagestore

import (
	"errors"
	"fmt"

	"github.com/nainya/pagestore/pkg/txn"
)

// Io wraps an OS I/O failure with the path it occurred against.
type Io struct {
	Path string
	Err  error
}

func (e *Io) Error() string { return fmt.Sprintf("pagestore: io error on %q: %v", e.Path, e.Err) }
func (e *Io) Unwrap() error { return e.Err }

// Corrupt reports a structural failure discovered in the data file or
// WAL: a checksum mismatch, an overflow cycle, or an invalid header.
type Corrupt struct {
	Where  string
	Reason string
}

func (e *Corrupt) Error() string {
	return fmt.Sprintf("pagestore: corrupt (%s): %s", e.Where, e.Reason)
}

// ErrBusy is returned by Open when the file lock is already held by
// another process.
var ErrBusy = errors.New("pagestore: database file is locked by another process")

// ErrTxConflict is returned by Transaction.Commit on a write-write
// conflict; retriable by the caller.
var ErrTxConflict = txn.ErrTxConflict

// ErrReadOnly is returned by any write path on a database opened with
// Options.ReadOnly.
var ErrReadOnly = txn.ErrReadOnly

// DuplicateKey reports a unique-insert collision.
type DuplicateKey struct {
	Collection string
	ID         string
}

func (e *DuplicateKey) Error() string {
	return fmt.Sprintf("pagestore: document %q already exists in %q", e.ID, e.Collection)
}

// NotFound reports a missing document.
type NotFound struct {
	Collection string
	ID         string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("pagestore: document %q not found in %q", e.ID, e.Collection)
}

// CollectionAlreadyExists reports a create_collection naming collision.
type CollectionAlreadyExists struct{ Name string }

func (e *CollectionAlreadyExists) Error() string {
	return fmt.Sprintf("pagestore: collection %q already exists", e.Name)
}

// CollectionDoesNotExist reports any operation naming an unregistered
// collection.
type CollectionDoesNotExist struct{ Name string }

func (e *CollectionDoesNotExist) Error() string {
	return fmt.Sprintf("pagestore: collection %q does not exist", e.Name)
}

// InvalidDocumentFormat reports a document that is not a JSON object, or
// that a registered schema validator rejected.
type InvalidDocumentFormat struct {
	Reason     string
	Collection string
}

func (e *InvalidDocumentFormat) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("pagestore: invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("pagestore: invalid document for %q: %s", e.Collection, e.Reason)
}

// LimitExceeded reports a bulk, body, or document size cap violation.
type LimitExceeded struct {
	Limit  string
	Actual int
	Max    int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("pagestore: %s limit exceeded: %d > %d", e.Limit, e.Actual, e.Max)
}

// translateTxErr maps pkg/txn's narrower error taxonomy onto the public
// one, preserving collection/key context where the txn error carries it.
func translateTxErr(collection string, err error) error {
	if err == nil {
		return nil
	}
	var nf *txn.NotFoundError
	if errors.As(err, &nf) {
		return &NotFound{Collection: nf.Collection, ID: nf.Key}
	}
	var dup *txn.DuplicateKeyError
	if errors.As(err, &dup) {
		return &DuplicateKey{Collection: dup.Collection, ID: dup.Key}
	}
	switch {
	case errors.Is(err, txn.ErrCollectionExists):
		return &CollectionAlreadyExists{Name: collection}
	case errors.Is(err, txn.ErrCollectionNotFound):
		return &CollectionDoesNotExist{Name: collection}
	case errors.Is(err, txn.ErrPoisoned):
		return err
	default:
		return err
	}
}
