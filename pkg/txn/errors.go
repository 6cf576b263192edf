// Package txn implements the MVCC transaction manager described in spec
// §4.7: snapshot-isolated transactions, write-write conflict detection
// against a version chain, and a group-commit pipeline that batches
// concurrent commits through a single WAL sync. Grounded on the shape
// of the teacher's pkg/storage/transaction.go (a Begin/Commit/Abort
// wrapper around the underlying KV) generalized from one writer at a
// time to many concurrent snapshot-isolated writers.
package txn

import (
	"errors"
	"fmt"
)

// ErrTxConflict is returned by Commit when a concurrently committed
// transaction wrote a document or catalog entry this transaction also
// wrote (spec §4.7's conflict check). Retriable by the caller.
var ErrTxConflict = errors.New("txn: write-write conflict")

// ErrReadOnly is returned by any write path on a database opened with
// Options.ReadOnly.
var ErrReadOnly = errors.New("txn: database is read-only")

// ErrPoisoned is returned by every operation once a commit has failed
// for an unrecoverable reason (I/O failure, corruption). The database
// must be closed and reopened before it will accept writes again.
var ErrPoisoned = errors.New("txn: database is poisoned, reopen required")

// ErrClosed is returned by any call made after Manager.Close.
var ErrClosed = errors.New("txn: transaction manager is closed")

// ErrAlreadyTerminal is returned by Commit or Rollback on a transaction
// that has already committed or rolled back.
var ErrAlreadyTerminal = errors.New("txn: transaction is no longer active")

// ErrCollectionExists is returned by CreateCollection when the name is
// already registered in the catalog.
var ErrCollectionExists = errors.New("txn: collection already exists")

// ErrCollectionNotFound is returned by any operation naming a
// collection not present in the catalog (as of the transaction's
// snapshot).
var ErrCollectionNotFound = errors.New("txn: collection does not exist")

// NotFoundError reports a missing document, carrying enough context for
// the caller to build spec §7's NotFound{collection, id}.
type NotFoundError struct {
	Collection string
	Key        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("txn: document %q not found in %q", e.Key, e.Collection)
}

// DuplicateKeyError reports a unique-insert or rebase collision, spec
// §7's DuplicateKey{collection, id}.
type DuplicateKeyError struct {
	Collection string
	Key        string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("txn: document %q already exists in %q", e.Key, e.Collection)
}
