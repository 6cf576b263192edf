package pagestore

import (
	"encoding/binary"
	"math"
)

// Secondary indexes are pagestore's minimal answer to spec's explicit
// non-goal of a query language or query planner: one B+Tree per
// indexed field, maintained automatically on every Insert/Update/Delete,
// supporting ordered range lookups by that field's value. There is no
// composite-key or multi-field support, and no planner chooses between
// an index and a full scan for you — this is a primitive a collaborator
// builds a query layer on top of, not a query layer itself. Grounded on
// the teacher's pkg/storage/indexes.go IndexManager/IndexedTx, adapted
// from its fixed-column composite keys to a single JSON field value.
const (
	idxTypeNull   = 0
	idxTypeBool   = 1
	idxTypeNumber = 2
	idxTypeString = 3
)

// encodeIndexValue renders a decoded JSON scalar as an order-preserving
// byte sequence: same-typed values compare the way Go's < would compare
// them, and the type tag keeps values of different JSON types from
// comparing against each other ambiguously. Unsupported shapes (arrays,
// objects) encode as idxTypeNull, so they all sort together rather than
// erroring out of an index-maintenance call.
func encodeIndexValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{idxTypeNull}
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{idxTypeBool, b}
	case float64:
		buf := make([]byte, 9)
		buf[0] = idxTypeNumber
		bits := math.Float64bits(val)
		if val >= 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		binary.BigEndian.PutUint64(buf[1:], bits)
		return buf
	case string:
		out := make([]byte, 0, len(val)+1)
		out = append(out, idxTypeString)
		out = append(out, escapeIndexBytes([]byte(val))...)
		return out
	default:
		return []byte{idxTypeNull}
	}
}

// escapeIndexBytes escapes 0x00 and 0xFF so the caller can safely
// null-terminate the encoded value when composing a tree key, the same
// technique the teacher's encoding.go uses for its TYPE_BYTES values.
func escapeIndexBytes(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFF {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0xFE, 0x00)
		case 0xFF:
			out = append(out, 0xFE, 0xFF)
		default:
			out = append(out, b)
		}
	}
	return out
}

// composeIndexKey appends a terminator and the document key to an
// encoded field value, so the resulting tree key is unique per document
// even when many documents share the same indexed value.
func composeIndexKey(value any, docKey string) []byte {
	enc := encodeIndexValue(value)
	key := make([]byte, 0, len(enc)+1+len(docKey))
	key = append(key, enc...)
	key = append(key, 0x00)
	key = append(key, []byte(docKey)...)
	return key
}

// indexLowerBound returns the composed-key lower bound that matches
// every document key for a given field value, for use as Range's lo.
func indexLowerBound(value any) []byte {
	enc := encodeIndexValue(value)
	return append(enc, 0x00)
}

// indexUpperBound returns the composed-key upper bound one past every
// document key for a given field value, for use as Range's hi.
func indexUpperBound(value any) []byte {
	enc := encodeIndexValue(value)
	return append(enc, 0x01)
}

// CreateIndex registers a secondary index on field, backfilling it from
// every document currently in the collection. field must be a top-level
// key in each document's JSON object; nested paths are not supported.
func (c *CollectionHandle) CreateIndex(field string) error {
	if err := translateTxErr(c.name, c.tx.CreateIndex(c.name, field)); err != nil {
		return err
	}
	var walkErr error
	err := c.tx.Range(c.name, nil, nil, func(docKey string, doc []byte) bool {
		obj, decodeErr := decodeObject(doc)
		if decodeErr != nil {
			walkErr = decodeErr
			return false
		}
		key := composeIndexKey(obj[field], docKey)
		if putErr := c.tx.IndexPut(c.name, field, key, docKey); putErr != nil {
			walkErr = putErr
			return false
		}
		return true
	})
	if err != nil {
		return translateTxErr(c.name, err)
	}
	return walkErr
}

// DropIndex removes a previously created index.
func (c *CollectionHandle) DropIndex(field string) error {
	return translateTxErr(c.name, c.tx.DropIndex(c.name, field))
}

// maintainIndexesOnWrite updates every registered index after a
// document write, given the document's state before (nil if this is an
// insert) and after (nil if this is a delete) the write.
func (c *CollectionHandle) maintainIndexesOnWrite(docKey string, before, after map[string]any) error {
	fields, err := c.tx.ListIndexes(c.name)
	if err != nil {
		return translateTxErr(c.name, err)
	}
	for _, field := range fields {
		if before != nil {
			if err := c.tx.IndexDelete(c.name, field, composeIndexKey(before[field], docKey)); err != nil {
				return translateTxErr(c.name, err)
			}
		}
		if after != nil {
			if err := c.tx.IndexPut(c.name, field, composeIndexKey(after[field], docKey), docKey); err != nil {
				return translateTxErr(c.name, err)
			}
		}
	}
	return nil
}

// FindByIndex walks every document whose field equals value, in
// document-key order among ties.
func (c *CollectionHandle) FindByIndex(field string, value any, fn func(id string, doc []byte) bool) error {
	err := c.tx.IndexRange(c.name, field, indexLowerBound(value), indexUpperBound(value), func(_ []byte, docKey string) bool {
		doc, getErr := c.tx.Get(c.name, docKey)
		if getErr != nil {
			return true // stale index entry for an already-deleted document; skip
		}
		return fn(docKey, doc)
	})
	return translateTxErr(c.name, err)
}

// RangeByIndex walks every document whose field value falls within
// [lo, hi) (nil bounds are open-ended), in field order.
func (c *CollectionHandle) RangeByIndex(field string, lo, hi any, fn func(id string, doc []byte) bool) error {
	var loKey, hiKey []byte
	if lo != nil {
		loKey = indexLowerBound(lo)
	}
	if hi != nil {
		hiKey = indexLowerBound(hi)
	}
	err := c.tx.IndexRange(c.name, field, loKey, hiKey, func(_ []byte, docKey string) bool {
		doc, getErr := c.tx.Get(c.name, docKey)
		if getErr != nil {
			return true
		}
		return fn(docKey, doc)
	})
	return translateTxErr(c.name, err)
}
