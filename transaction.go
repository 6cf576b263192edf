package pagestore

import (
	"github.com/nainya/pagestore/pkg/txn"
)

// Transaction is one snapshot-isolated unit of work (spec §6.2's
// Transaction), wrapping the lower-level pkg/txn.Tx with the public
// error taxonomy and JSON-aware CollectionHandle.
type Transaction struct {
	tx   *txn.Tx
	opts *Options
}

// Collection returns a handle for reading and writing documents in
// name, scoped to this transaction.
func (t *Transaction) Collection(name string) *CollectionHandle {
	return &CollectionHandle{tx: t.tx, name: name, opts: t.opts}
}

// CreateCollection buffers registration of a new, empty collection.
func (t *Transaction) CreateCollection(name string) error {
	return translateTxErr(name, t.tx.CreateCollection(name))
}

// DropCollection buffers removal of a collection and all its documents.
func (t *Transaction) DropCollection(name string) error {
	return translateTxErr(name, t.tx.DropCollection(name))
}

// RenameCollection buffers a catalog rename.
func (t *Transaction) RenameCollection(oldName, newName string) error {
	return translateTxErr(oldName, t.tx.RenameCollection(oldName, newName))
}

// Commit submits the transaction's buffered writes to the group-commit
// pipeline and blocks until they are durable (or the transaction is
// aborted with ErrTxConflict or a fatal error).
func (t *Transaction) Commit() error {
	return translateTxErr("", t.tx.Commit())
}

// Rollback discards the transaction's buffered writes without any I/O.
func (t *Transaction) Rollback() error {
	return translateTxErr("", t.tx.Rollback())
}
