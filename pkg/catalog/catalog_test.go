package catalog

import (
	"testing"

	"github.com/nainya/pagestore/pkg/btree"
)

type memPages struct {
	pages map[uint64][]byte
	next  uint64
}

func newMemPages() *memPages {
	return &memPages{pages: make(map[uint64][]byte), next: 1}
}

func (m *memPages) source() btree.PageSource {
	return btree.PageSource{
		Get: func(p uint64) []byte { return m.pages[p] },
		New: func(b []byte) uint64 {
			n := m.next
			m.next++
			cp := make([]byte, len(b))
			copy(cp, b)
			m.pages[n] = cp
			return n
		},
		Del: func(p uint64) { delete(m.pages, p) },
	}
}

func newTestCatalog() *Catalog {
	return Open(0, newMemPages().source())
}

func TestCreateAndGet(t *testing.T) {
	c := newTestCatalog()
	if _, err := c.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entry, err := c.Get("users")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.TreeRoot != 0 {
		t.Fatalf("fresh collection should have TreeRoot 0, got %d", entry.TreeRoot)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	c := newTestCatalog()
	if _, err := c.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Create("users"); err != ErrExists {
		t.Fatalf("second Create should return ErrExists, got %v", err)
	}
}

func TestPutUpdatesTreeRoot(t *testing.T) {
	c := newTestCatalog()
	if _, err := c.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	entry, _ := c.Get("users")
	entry.TreeRoot = 42
	entry.IndexRoots["email"] = 99
	if err := c.Put("users", entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get("users")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TreeRoot != 42 {
		t.Fatalf("TreeRoot = %d, want 42", got.TreeRoot)
	}
	if got.IndexRoots["email"] != 99 {
		t.Fatalf("IndexRoots[email] = %d, want 99", got.IndexRoots["email"])
	}
}

func TestDropRemovesCollection(t *testing.T) {
	c := newTestCatalog()
	if _, err := c.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Drop("users"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := c.Get("users"); err != ErrNotFound {
		t.Fatalf("Get after Drop should return ErrNotFound, got %v", err)
	}
}

func TestRenamePreservesEntry(t *testing.T) {
	c := newTestCatalog()
	if _, err := c.Create("users"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	entry, _ := c.Get("users")
	entry.TreeRoot = 7
	if err := c.Put("users", entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := c.Rename("users", "people"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := c.Get("users"); err != ErrNotFound {
		t.Fatal("old name should no longer resolve")
	}
	got, err := c.Get("people")
	if err != nil {
		t.Fatalf("Get(people): %v", err)
	}
	if got.TreeRoot != 7 {
		t.Fatalf("TreeRoot after rename = %d, want 7", got.TreeRoot)
	}
}

func TestListReturnsSortedNames(t *testing.T) {
	c := newTestCatalog()
	for _, name := range []string{"zebra", "apple", "mango"} {
		if _, err := c.Create(name); err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
	}

	names := c.List()
	want := []string{"apple", "mango", "zebra"}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List() = %v, want %v", names, want)
		}
	}
}
