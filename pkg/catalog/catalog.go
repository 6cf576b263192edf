// Package catalog implements the collection catalog described in spec
// §4.6: a mapping from collection name to its B+ tree root (plus
// secondary-index roots and an optional schema root), itself stored as
// a pkg/btree.Tree. Grounded on the shape of the teacher's
// pkg/metadata/store.go (a typed record with a primary key, one
// encode/decode pair, Create/Get/rename/drop operations over the
// generic tree mechanism) but storing collection metadata rather than
// entity metadata.
package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nainya/pagestore/pkg/btree"
)

// Entry is the catalog's value for one collection: the root of its
// primary document tree, the roots of any secondary index trees keyed
// by index name, and the root of its schema document tree (0 if the
// collection has no schema registered).
type Entry struct {
	TreeRoot   uint64
	SchemaRoot uint64
	IndexRoots map[string]uint64
}

// ErrNotFound is returned when a named collection does not exist.
var ErrNotFound = fmt.Errorf("catalog: collection not found")

// ErrExists is returned by Create when the collection name is taken.
var ErrExists = fmt.Errorf("catalog: collection already exists")

// Catalog wraps a btree.Tree keyed by collection name.
type Catalog struct {
	tree *btree.Tree
}

// Open wraps an existing (possibly empty, root == 0) catalog tree.
func Open(root uint64, pages btree.PageSource) *Catalog {
	return &Catalog{tree: btree.New(root, pages)}
}

// Root returns the current root page of the catalog tree, to be
// persisted in the file header by the caller after any mutation.
func (c *Catalog) Root() uint64 { return c.tree.Root }

// Create registers a new collection with an empty primary tree
// (root == 0, meaning "no pages yet": nothing is allocated here — the first insert
// will allocate the first leaf).
func (c *Catalog) Create(name string) (Entry, error) {
	if _, err := c.Get(name); err == nil {
		return Entry{}, ErrExists
	}
	entry := Entry{IndexRoots: map[string]uint64{}}
	if err := c.put(name, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get looks up a collection's catalog entry.
func (c *Catalog) Get(name string) (Entry, error) {
	val, ok := c.tree.Search([]byte(name))
	if !ok {
		return Entry{}, ErrNotFound
	}
	return decode(val)
}

// Put overwrites a collection's catalog entry (used after a commit
// updates its tree root, schema root, or index roots).
func (c *Catalog) Put(name string, entry Entry) error {
	if _, err := c.Get(name); err != nil {
		return ErrNotFound
	}
	return c.put(name, entry)
}

func (c *Catalog) put(name string, entry Entry) error {
	return c.tree.Insert([]byte(name), encode(entry), false)
}

// Drop removes a collection's catalog entry. The caller is responsible
// for freeing the collection's own tree pages and document pages
// (catalog.Drop only removes the name -> Entry mapping).
func (c *Catalog) Drop(name string) error {
	if !c.tree.Delete([]byte(name)) {
		return ErrNotFound
	}
	return nil
}

// Rename moves a collection's entry to a new name, atomically from the
// catalog's point of view (the underlying collection tree is untouched).
func (c *Catalog) Rename(oldName, newName string) error {
	entry, err := c.Get(oldName)
	if err != nil {
		return err
	}
	if _, err := c.Get(newName); err == nil {
		return ErrExists
	}
	if err := c.put(newName, entry); err != nil {
		return err
	}
	return c.Drop(oldName)
}

// List returns every registered collection name in sorted order.
func (c *Catalog) List() []string {
	var names []string
	c.tree.Scan(nil, func(key, _ []byte) bool {
		names = append(names, string(key))
		return true
	})
	sort.Strings(names)
	return names
}

// encode lays out an Entry as TreeRoot(8) + SchemaRoot(8) + index count(4)
// + repeated {name_len(2), name, root(8)}.
func encode(e Entry) []byte {
	buf := make([]byte, 0, 20+len(e.IndexRoots)*16)
	var fixed [20]byte
	binary.LittleEndian.PutUint64(fixed[0:8], e.TreeRoot)
	binary.LittleEndian.PutUint64(fixed[8:16], e.SchemaRoot)
	binary.LittleEndian.PutUint32(fixed[16:20], uint32(len(e.IndexRoots)))
	buf = append(buf, fixed[:]...)

	names := make([]string, 0, len(e.IndexRoots))
	for name := range e.IndexRoots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(name)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, name...)
		var rootBuf [8]byte
		binary.LittleEndian.PutUint64(rootBuf[:], e.IndexRoots[name])
		buf = append(buf, rootBuf[:]...)
	}
	return buf
}

func decode(buf []byte) (Entry, error) {
	if len(buf) < 20 {
		return Entry{}, fmt.Errorf("catalog: truncated entry")
	}
	e := Entry{
		TreeRoot:   binary.LittleEndian.Uint64(buf[0:8]),
		SchemaRoot: binary.LittleEndian.Uint64(buf[8:16]),
		IndexRoots: map[string]uint64{},
	}
	count := binary.LittleEndian.Uint32(buf[16:20])
	pos := 20
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			return Entry{}, fmt.Errorf("catalog: truncated index name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if pos+nameLen+8 > len(buf) {
			return Entry{}, fmt.Errorf("catalog: truncated index entry")
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		root := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
		e.IndexRoots[name] = root
	}
	return e, nil
}
