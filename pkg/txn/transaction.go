package txn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/catalog"
	"github.com/nainya/pagestore/pkg/codec"
	"github.com/nainya/pagestore/pkg/version"
)

// State is a transaction's position in spec §4.7's state machine.
type State int

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// opKind distinguishes the three document mutations a transaction can
// buffer against a collection.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type pendingOp struct {
	collection string
	key        string
	kind       opKind
	doc        []byte
}

type catalogOpKind int

const (
	catalogCreate catalogOpKind = iota
	catalogDrop
	catalogRename
	catalogIndexCreate
	catalogIndexDrop
)

type catalogOp struct {
	kind    catalogOpKind
	name    string
	newName string
}

// indexOpKind distinguishes the two secondary-index mutations a
// transaction can buffer alongside its document writes.
type indexOpKind int

const (
	indexPut indexOpKind = iota
	indexDel
)

// indexOp is one buffered secondary-index mutation. key is the full
// composed tree key (the index field's encoded value, a separator, and
// the document key, in that order — see pagestore's composeIndexKey),
// and docKey is stored as the tree value so IndexRange can recover the
// primary key without re-parsing key.
type indexOp struct {
	collection string
	index      string
	kind       indexOpKind
	key        []byte
	docKey     string
}

// Tx is one snapshot-isolated transaction. Document and catalog writes
// are buffered as logical operations (pendingOp/catalogOp) rather than
// physical page images: physical pages are only allocated once, at
// commit time, applying these operations against the batch's evolving
// state — the same code path serves both the common case and the
// intra-batch rebase spec §4.7 step 4b describes, since "apply against
// current state" is identical whether that state is this transaction's
// own snapshot or a batch member's fresher one.
//
// One consequence: Tx is not safe for concurrent use by multiple
// goroutines, matching the teacher's KVTX, and matching spec §5's
// "writes within a transaction are totally ordered by the issuing
// thread."
type Tx struct {
	mgr *Manager

	snapTxID    uint64
	catalogRoot uint64 // the catalog's root page as of Begin; immutable pages behind it give this tx a stable, isolated view

	pending    []pendingOp
	catalogOps []catalogOp
	indexOps   []indexOp

	mu    sync.Mutex
	state State
}

func (tx *Tx) snapshotCatalog() *catalog.Catalog {
	return catalog.Open(tx.catalogRoot, tx.mgr.pager.PageSource())
}

// State reports the transaction's current position in the state
// machine. Safe to call at any time.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Tx) requireActive() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != Active {
		return ErrAlreadyTerminal
	}
	return nil
}

// localLookup checks this transaction's own pending writes for
// collection/key, most-recent first, implementing read-your-own-writes
// without touching the committed tree. ok is false if no pending op
// mentions the key; deleted is true if the most recent mention is a
// delete (a tombstone, distinct from "not mentioned at all").
func (tx *Tx) localLookup(collection, key string) (doc []byte, deleted, ok bool) {
	for i := len(tx.pending) - 1; i >= 0; i-- {
		op := tx.pending[i]
		if op.collection != collection || op.key != key {
			continue
		}
		if op.kind == opDelete {
			return nil, true, true
		}
		return op.doc, false, true
	}
	return nil, false, false
}

// Get fetches a document by key as of this transaction's snapshot,
// folding in the transaction's own not-yet-committed writes.
func (tx *Tx) Get(collection, key string) ([]byte, error) {
	if doc, deleted, ok := tx.localLookup(collection, key); ok {
		if deleted {
			return nil, &NotFoundError{Collection: collection, Key: key}
		}
		return doc, nil
	}

	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return nil, ErrCollectionNotFound
	}
	tree := btree.New(entry.TreeRoot, tx.mgr.pager.PageSource())
	val, ok := tree.Search([]byte(key))
	if !ok {
		return nil, &NotFoundError{Collection: collection, Key: key}
	}
	pageNum := binary.LittleEndian.Uint64(val)
	rec, err := codec.Decode(pageNum, tx.mgr.limits, pageReaderFor(tx.mgr.pager.PageSource()))
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// exists reports whether collection/key resolves to a document,
// consulting pending writes first, matching Get's visibility rules.
func (tx *Tx) exists(collection, key string) (bool, error) {
	if _, deleted, ok := tx.localLookup(collection, key); ok {
		return !deleted, nil
	}
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return false, ErrCollectionNotFound
	}
	tree := btree.New(entry.TreeRoot, tx.mgr.pager.PageSource())
	_, ok := tree.Search([]byte(key))
	return ok, nil
}

// Insert buffers a unique-key document write. The caller must already
// have applied any schema validation it wants performed; Tx itself
// consults the Manager's registered validator, if any, for collection.
func (tx *Tx) Insert(collection, key string, doc []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if err := tx.mgr.validate(collection, doc); err != nil {
		return err
	}
	if _, err := tx.snapshotCatalog().Get(collection); err != nil {
		if _, pending := tx.findCatalogCreate(collection); !pending {
			return ErrCollectionNotFound
		}
	}
	if ok, err := tx.exists(collection, key); err != nil {
		return err
	} else if ok {
		return &DuplicateKeyError{Collection: collection, Key: key}
	}
	tx.pending = append(tx.pending, pendingOp{collection: collection, key: key, kind: opInsert, doc: doc})
	return nil
}

// Update buffers an overwrite of an existing document.
func (tx *Tx) Update(collection, key string, doc []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if err := tx.mgr.validate(collection, doc); err != nil {
		return err
	}
	if ok, err := tx.exists(collection, key); err != nil {
		return err
	} else if !ok {
		return &NotFoundError{Collection: collection, Key: key}
	}
	tx.pending = append(tx.pending, pendingOp{collection: collection, key: key, kind: opUpdate, doc: doc})
	return nil
}

// Delete buffers a document removal.
func (tx *Tx) Delete(collection, key string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if ok, err := tx.exists(collection, key); err != nil {
		return err
	} else if !ok {
		return &NotFoundError{Collection: collection, Key: key}
	}
	tx.pending = append(tx.pending, pendingOp{collection: collection, key: key, kind: opDelete})
	return nil
}

// Range walks collection's documents in key order between lo and hi
// (nil bounds are open-ended), as of this transaction's snapshot. It
// does not observe the transaction's own pending writes — matching
// spec §4.7's note that full scans do not populate read_set, a full
// scan is a read of the committed tree, not a merge with the overlay.
func (tx *Tx) Range(collection string, lo, hi []byte, fn func(key string, doc []byte) bool) error {
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return ErrCollectionNotFound
	}
	tree := btree.New(entry.TreeRoot, tx.mgr.pager.PageSource())
	var walkErr error
	tree.Range(lo, hi, func(k, v []byte) bool {
		pageNum := binary.LittleEndian.Uint64(v)
		rec, err := codec.Decode(pageNum, tx.mgr.limits, pageReaderFor(tx.mgr.pager.PageSource()))
		if err != nil {
			walkErr = err
			return false
		}
		return fn(string(k), rec.Data)
	})
	return walkErr
}

// Count returns the number of documents in collection as of this
// transaction's snapshot.
func (tx *Tx) Count(collection string) (int, error) {
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return 0, ErrCollectionNotFound
	}
	tree := btree.New(entry.TreeRoot, tx.mgr.pager.PageSource())
	return tree.Count(), nil
}

func (tx *Tx) findCatalogCreate(name string) (catalogOp, bool) {
	for i := len(tx.catalogOps) - 1; i >= 0; i-- {
		if tx.catalogOps[i].kind == catalogCreate && tx.catalogOps[i].name == name {
			return tx.catalogOps[i], true
		}
	}
	return catalogOp{}, false
}

// CreateCollection buffers registration of a new, empty collection.
func (tx *Tx) CreateCollection(name string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if _, err := tx.snapshotCatalog().Get(name); err == nil {
		return ErrCollectionExists
	}
	if _, ok := tx.findCatalogCreate(name); ok {
		return ErrCollectionExists
	}
	tx.catalogOps = append(tx.catalogOps, catalogOp{kind: catalogCreate, name: name})
	return nil
}

// DropCollection buffers removal of a collection's catalog entry. The
// collection's own document and tree pages are not individually walked
// and freed; they simply become unreachable once the
// catalog no longer names them.
func (tx *Tx) DropCollection(name string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if _, err := tx.snapshotCatalog().Get(name); err != nil {
		return ErrCollectionNotFound
	}
	tx.catalogOps = append(tx.catalogOps, catalogOp{kind: catalogDrop, name: name})
	return nil
}

// RenameCollection buffers a catalog rename.
func (tx *Tx) RenameCollection(oldName, newName string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	if _, err := tx.snapshotCatalog().Get(oldName); err != nil {
		return ErrCollectionNotFound
	}
	if _, err := tx.snapshotCatalog().Get(newName); err == nil {
		return ErrCollectionExists
	}
	tx.catalogOps = append(tx.catalogOps, catalogOp{kind: catalogRename, name: oldName, newName: newName})
	return nil
}

// CreateIndex buffers registration of a secondary index named name on
// collection, backed by its own B+Tree rooted in the collection's
// catalog entry (catalog.Entry.IndexRoots). The index starts empty;
// pagestore populates it by replaying IndexPut for every existing
// document (spec's minimal secondary-index surface: a maintained index
// btree, not a query planner).
func (tx *Tx) CreateIndex(collection, name string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return ErrCollectionNotFound
	}
	if _, ok := entry.IndexRoots[name]; ok {
		return fmt.Errorf("txn: index %q already exists on %q", name, collection)
	}
	tx.catalogOps = append(tx.catalogOps, catalogOp{kind: catalogIndexCreate, name: collection, newName: name})
	return nil
}

// DropIndex buffers removal of a secondary index's catalog entry. Like
// DropCollection, its tree pages are not individually walked and freed;
// they become unreachable once the catalog no longer names the index.
func (tx *Tx) DropIndex(collection, name string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return ErrCollectionNotFound
	}
	if _, ok := entry.IndexRoots[name]; !ok {
		return fmt.Errorf("txn: index %q not found on %q", name, collection)
	}
	tx.catalogOps = append(tx.catalogOps, catalogOp{kind: catalogIndexDrop, name: collection, newName: name})
	return nil
}

// IndexPut buffers an entry in the named secondary index: key is the
// full composed tree key (encoded field value + separator + document
// key), docKey is the document key the caller will need back from a
// later IndexRange. Buffered, not applied until commit, exactly like
// Insert/Update/Delete.
func (tx *Tx) IndexPut(collection, index string, key []byte, docKey string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	cp := append([]byte(nil), key...)
	tx.indexOps = append(tx.indexOps, indexOp{collection: collection, index: index, kind: indexPut, key: cp, docKey: docKey})
	return nil
}

// IndexDelete buffers removal of a previously-put index entry.
func (tx *Tx) IndexDelete(collection, index string, key []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	if tx.mgr.readOnly {
		return ErrReadOnly
	}
	cp := append([]byte(nil), key...)
	tx.indexOps = append(tx.indexOps, indexOp{collection: collection, index: index, kind: indexDel, key: cp})
	return nil
}

// ListIndexes returns the names of every secondary index registered on
// collection, as of this transaction's snapshot.
func (tx *Tx) ListIndexes(collection string) ([]string, error) {
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return nil, ErrCollectionNotFound
	}
	names := make([]string, 0, len(entry.IndexRoots))
	for name := range entry.IndexRoots {
		names = append(names, name)
	}
	return names, nil
}

// IndexRange walks the named secondary index's composed keys within
// [lo, hi], both bounds inclusive (nil bounds are open-ended), as of this transaction's
// snapshot, in index-key order, reporting each entry's document key.
// Like Range, it reads the committed tree only and does not observe
// this transaction's own buffered index writes.
func (tx *Tx) IndexRange(collection, index string, lo, hi []byte, fn func(key []byte, docKey string) bool) error {
	entry, err := tx.snapshotCatalog().Get(collection)
	if err != nil {
		return ErrCollectionNotFound
	}
	root, ok := entry.IndexRoots[index]
	if !ok {
		return fmt.Errorf("txn: index %q not found on %q", index, collection)
	}
	tree := btree.New(root, tx.mgr.pager.PageSource())
	tree.Range(lo, hi, func(k, v []byte) bool {
		return fn(k, string(v))
	})
	return nil
}

// writeKeys returns the version-chain keys this transaction's buffered
// writes touch, for the commit-time conflict check.
func (tx *Tx) writeKeys() []version.Key {
	keys := make([]version.Key, 0, len(tx.pending)+len(tx.catalogOps)*2+len(tx.indexOps))
	for _, op := range tx.pending {
		keys = append(keys, version.Key{Collection: op.collection, DocKey: op.key})
	}
	for _, op := range tx.catalogOps {
		keys = append(keys, version.Key{Collection: catalogKeyspace, DocKey: op.name})
		if op.kind == catalogRename {
			keys = append(keys, version.Key{Collection: catalogKeyspace, DocKey: op.newName})
		}
		if op.kind == catalogIndexCreate || op.kind == catalogIndexDrop {
			keys = append(keys, version.Key{Collection: catalogKeyspace, DocKey: op.name + "\x00" + op.newName})
		}
	}
	for _, op := range tx.indexOps {
		keys = append(keys, version.Key{Collection: catalogKeyspace, DocKey: op.collection + "\x00" + op.index})
	}
	return keys
}

// Commit enqueues the transaction on the manager's commit queue and
// blocks until the group-commit leader processes it (spec §4.7).
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return ErrAlreadyTerminal
	}
	tx.state = Committing
	tx.mu.Unlock()

	err := tx.mgr.submit(tx)

	tx.mu.Lock()
	if err != nil {
		tx.state = Aborted
	} else {
		tx.state = Committed
	}
	tx.mu.Unlock()

	tx.mgr.snapshots.Release(tx.snapTxID)
	return err
}

// Rollback discards the transaction's buffered writes without any WAL
// or file I/O (spec §4.7).
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return ErrAlreadyTerminal
	}
	tx.state = Aborted
	tx.mu.Unlock()

	tx.mgr.snapshots.Release(tx.snapTxID)
	return nil
}

// Watcher and SchemaValidator registration live on Manager, not Tx:
// they are database-wide, runtime-only associations, not transactional
// state (spec §4.9 describes them as external collaborators the core
// calls out to, not catalog-persisted data).
