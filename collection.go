package pagestore

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/nainya/pagestore/pkg/txn"
)

const idField = "_id"

// CollectionHandle reads and writes JSON documents in one named
// collection, scoped to the transaction it was obtained from (spec
// §6.2's CollectionHandle). It is the only layer that is JSON-aware:
// pkg/txn deals exclusively in already-resolved string keys and opaque
// byte payloads.
type CollectionHandle struct {
	tx   *txn.Tx
	name string
	opts *Options
}

// decodeObject parses doc as a JSON object, returning the generic field
// map alongside it for _id extraction/injection. Any other JSON shape
// (array, scalar, null) is rejected: documents are objects.
func decodeObject(doc []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, &InvalidDocumentFormat{Reason: "not a JSON object: " + err.Error()}
	}
	if obj == nil {
		return nil, &InvalidDocumentFormat{Reason: "not a JSON object: got null"}
	}
	return obj, nil
}

// Insert adds doc as a new document. If doc has no "_id" field (or it is
// empty), one is generated with uuid.NewString(). Returns the id the
// document was stored under.
func (c *CollectionHandle) Insert(doc []byte) (string, error) {
	obj, err := decodeObject(doc)
	if err != nil {
		return "", err
	}

	id, _ := obj[idField].(string)
	if id == "" {
		id = uuid.NewString()
		obj[idField] = id
	}

	encoded, err := json.Marshal(obj)
	if err != nil {
		return "", &InvalidDocumentFormat{Reason: err.Error(), Collection: c.name}
	}
	if c.opts != nil && c.opts.MaxDocumentSize > 0 && len(encoded) > c.opts.MaxDocumentSize {
		return "", &LimitExceeded{Limit: "max_document_size", Actual: len(encoded), Max: c.opts.MaxDocumentSize}
	}

	if err := c.tx.Insert(c.name, id, encoded); err != nil {
		return "", translateTxErr(c.name, err)
	}
	if err := c.maintainIndexesOnWrite(id, nil, obj); err != nil {
		return "", err
	}
	return id, nil
}

// InsertMany inserts each document in docs, stopping at the first
// failure (already-inserted documents within this call remain buffered
// on the transaction; the caller decides whether to roll back).
func (c *CollectionHandle) InsertMany(docs [][]byte) ([]string, error) {
	if c.opts != nil && c.opts.MaxBulkOperations > 0 && len(docs) > c.opts.MaxBulkOperations {
		return nil, &LimitExceeded{Limit: "max_bulk_operations", Actual: len(docs), Max: c.opts.MaxBulkOperations}
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := c.Insert(doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FindByID returns the raw JSON document stored under id.
func (c *CollectionHandle) FindByID(id string) ([]byte, error) {
	doc, err := c.tx.Get(c.name, id)
	if err != nil {
		return nil, translateTxErr(c.name, err)
	}
	return doc, nil
}

// UpdateByID overwrites the document stored under id with doc. The
// stored document's "_id" is forced to id regardless of what doc
// carries, so a caller can round-trip FindByID's output without editing
// it first.
func (c *CollectionHandle) UpdateByID(id string, doc []byte) error {
	obj, err := decodeObject(doc)
	if err != nil {
		return err
	}
	obj[idField] = id

	encoded, err := json.Marshal(obj)
	if err != nil {
		return &InvalidDocumentFormat{Reason: err.Error(), Collection: c.name}
	}
	if c.opts != nil && c.opts.MaxDocumentSize > 0 && len(encoded) > c.opts.MaxDocumentSize {
		return &LimitExceeded{Limit: "max_document_size", Actual: len(encoded), Max: c.opts.MaxDocumentSize}
	}

	before, err := c.currentObject(id)
	if err != nil {
		return err
	}
	if err := translateTxErr(c.name, c.tx.Update(c.name, id, encoded)); err != nil {
		return err
	}
	return c.maintainIndexesOnWrite(id, before, obj)
}

// DeleteByID removes the document stored under id.
func (c *CollectionHandle) DeleteByID(id string) error {
	before, err := c.currentObject(id)
	if err != nil {
		return err
	}
	if err := translateTxErr(c.name, c.tx.Delete(c.name, id)); err != nil {
		return err
	}
	return c.maintainIndexesOnWrite(id, before, nil)
}

// currentObject returns the decoded object currently stored under id,
// used to compute which index entries a write needs to remove.
func (c *CollectionHandle) currentObject(id string) (map[string]any, error) {
	doc, err := c.tx.Get(c.name, id)
	if err != nil {
		return nil, translateTxErr(c.name, err)
	}
	return decodeObject(doc)
}

// FindAll walks every document in the collection in key order, calling
// fn for each until fn returns false. Matches Tx.Range's snapshot
// semantics: it does not observe this transaction's own buffered,
// uncommitted writes.
func (c *CollectionHandle) FindAll(fn func(id string, doc []byte) bool) error {
	return translateTxErr(c.name, c.tx.Range(c.name, nil, nil, fn))
}

// Range walks documents whose id lies within [lo, hi], both bounds
// inclusive (nil bounds are open-ended), in key order.
func (c *CollectionHandle) Range(lo, hi []byte, fn func(id string, doc []byte) bool) error {
	return translateTxErr(c.name, c.tx.Range(c.name, lo, hi, fn))
}

// Count returns the number of documents in the collection as of this
// transaction's snapshot.
func (c *CollectionHandle) Count() (int, error) {
	n, err := c.tx.Count(c.name)
	if err != nil {
		return 0, translateTxErr(c.name, err)
	}
	return n, nil
}
