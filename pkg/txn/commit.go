package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/catalog"
	"github.com/nainya/pagestore/pkg/codec"
	"github.com/nainya/pagestore/pkg/hooks"
	"github.com/nainya/pagestore/pkg/version"
)

// catalogKeyspace is the version-chain collection name reserved for
// catalog mutations (create/drop/rename), unifying document and
// catalog conflict detection under one version.Key shape (spec §4.7:
// "wrote any common document key OR any common catalog entry").
const catalogKeyspace = "\x00catalog"

// versionWrite is one committed change to record in the version store,
// produced while applying a transaction's buffered operations.
type versionWrite struct {
	key              version.Key
	oldPage, newPage uint64
}

// pageReaderFor adapts a btree.PageSource's panicking Get into codec's
// error-returning PageReader.
func pageReaderFor(ps btree.PageSource) codec.PageReader {
	return func(pageNum uint64) (buf []byte, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("txn: read page %d: %v", pageNum, r)
			}
		}()
		buf = ps.Get(pageNum)
		return buf, nil
	}
}

// pageFreerFor adapts Del the same way.
func pageFreerFor(ps btree.PageSource) codec.PageFreer {
	return func(pageNum uint64) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("txn: free page %d: %v", pageNum, r)
			}
		}()
		ps.Del(pageNum)
		return nil
	}
}

// applyTx applies tx's buffered catalog and document operations against
// cat (rooted at the batch's current, evolving state) using ps for all
// page I/O, and returns the watch events and version-chain writes the
// commit produced. This single code path serves both an uncontested
// commit and an intra-batch rebase (spec §4.7 step 4b): in both cases
// the operations are simply re-applied against whatever the current
// batch state happens to be.
func applyTx(cat *catalog.Catalog, ps btree.PageSource, limits codec.Limits, tx *Tx) ([]hooks.Event, []versionWrite, error) {
	var events []hooks.Event
	var writes []versionWrite

	for _, op := range tx.catalogOps {
		switch op.kind {
		case catalogCreate:
			if _, err := cat.Create(op.name); err != nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrCollectionExists, op.name)
			}
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.name}})
		case catalogDrop:
			if err := cat.Drop(op.name); err != nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.name)
			}
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.name}})
		case catalogRename:
			if err := cat.Rename(op.name, op.newName); err != nil {
				return nil, nil, err
			}
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.name}})
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.newName}})
		case catalogIndexCreate:
			entry, err := cat.Get(op.name)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.name)
			}
			if entry.IndexRoots == nil {
				entry.IndexRoots = map[string]uint64{}
			}
			if _, exists := entry.IndexRoots[op.newName]; exists {
				return nil, nil, fmt.Errorf("txn: index %q already exists on %q", op.newName, op.name)
			}
			entry.IndexRoots[op.newName] = 0
			if err := cat.Put(op.name, entry); err != nil {
				return nil, nil, err
			}
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.name + "\x00" + op.newName}})
		case catalogIndexDrop:
			entry, err := cat.Get(op.name)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.name)
			}
			delete(entry.IndexRoots, op.newName)
			if err := cat.Put(op.name, entry); err != nil {
				return nil, nil, err
			}
			writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.name + "\x00" + op.newName}})
		}
	}

	read := pageReaderFor(ps)
	free := pageFreerFor(ps)
	alloc := func(img []byte) (uint64, error) { return ps.New(img), nil }

	for _, op := range tx.pending {
		entry, err := cat.Get(op.collection)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.collection)
		}
		tree := btree.New(entry.TreeRoot, ps)

		switch op.kind {
		case opInsert:
			if _, ok := tree.Search([]byte(op.key)); ok {
				return nil, nil, &DuplicateKeyError{Collection: op.collection, Key: op.key}
			}
			pageNum, err := codec.Encode(codec.Record{ID: op.key, Data: op.doc}, limits, alloc)
			if err != nil {
				return nil, nil, err
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], pageNum)
			if err := tree.Insert([]byte(op.key), buf[:], true); err != nil {
				return nil, nil, &DuplicateKeyError{Collection: op.collection, Key: op.key}
			}
			entry.TreeRoot = tree.Root
			if err := cat.Put(op.collection, entry); err != nil {
				return nil, nil, err
			}
			events = append(events, hooks.Event{Collection: op.collection, Op: hooks.OpInsert, Key: op.key, DocAfter: op.doc})
			writes = append(writes, versionWrite{
				key:     version.Key{Collection: op.collection, DocKey: op.key},
				newPage: pageNum,
			})

		case opUpdate:
			oldVal, ok := tree.Search([]byte(op.key))
			if !ok {
				return nil, nil, &NotFoundError{Collection: op.collection, Key: op.key}
			}
			oldPage := binary.LittleEndian.Uint64(oldVal)
			newPage, err := codec.Encode(codec.Record{ID: op.key, Data: op.doc}, limits, alloc)
			if err != nil {
				return nil, nil, err
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], newPage)
			if err := tree.Insert([]byte(op.key), buf[:], false); err != nil {
				return nil, nil, err
			}
			if err := codec.Delete(oldPage, limits, read, free); err != nil {
				return nil, nil, err
			}
			entry.TreeRoot = tree.Root
			if err := cat.Put(op.collection, entry); err != nil {
				return nil, nil, err
			}
			events = append(events, hooks.Event{Collection: op.collection, Op: hooks.OpUpdate, Key: op.key, DocAfter: op.doc})
			writes = append(writes, versionWrite{
				key:     version.Key{Collection: op.collection, DocKey: op.key},
				oldPage: oldPage,
				newPage: newPage,
			})

		case opDelete:
			oldVal, ok := tree.Search([]byte(op.key))
			if !ok {
				return nil, nil, &NotFoundError{Collection: op.collection, Key: op.key}
			}
			oldPage := binary.LittleEndian.Uint64(oldVal)
			tree.Delete([]byte(op.key))
			if err := codec.Delete(oldPage, limits, read, free); err != nil {
				return nil, nil, err
			}
			entry.TreeRoot = tree.Root
			if err := cat.Put(op.collection, entry); err != nil {
				return nil, nil, err
			}
			events = append(events, hooks.Event{Collection: op.collection, Op: hooks.OpDelete, Key: op.key})
			writes = append(writes, versionWrite{
				key:     version.Key{Collection: op.collection, DocKey: op.key},
				oldPage: oldPage,
			})
		}
	}

	for _, op := range tx.indexOps {
		entry, err := cat.Get(op.collection)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, op.collection)
		}
		root, ok := entry.IndexRoots[op.index]
		if !ok {
			return nil, nil, fmt.Errorf("txn: index %q not found on %q", op.index, op.collection)
		}
		tree := btree.New(root, ps)
		switch op.kind {
		case indexPut:
			if err := tree.Insert(op.key, []byte(op.docKey), true); err != nil {
				return nil, nil, fmt.Errorf("txn: index %q put: %w", op.index, err)
			}
		case indexDel:
			tree.Delete(op.key)
		}
		entry.IndexRoots[op.index] = tree.Root
		if err := cat.Put(op.collection, entry); err != nil {
			return nil, nil, err
		}
		writes = append(writes, versionWrite{key: version.Key{Collection: catalogKeyspace, DocKey: op.collection + "\x00" + op.index}})
	}

	return events, writes, nil
}
