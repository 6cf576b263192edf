package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

// memPages simulates a page-addressable store backed by a Go map, so the
// tree's copy-on-write behaviour can be exercised without a real pager.
type memPages struct {
	next  uint64
	pages map[uint64][]byte
}

func newMemPages() *memPages {
	return &memPages{next: 1, pages: map[uint64][]byte{}}
}

func (m *memPages) source() PageSource {
	return PageSource{
		Get: func(ptr uint64) []byte {
			n, ok := m.pages[ptr]
			if !ok {
				panic(fmt.Sprintf("btree test: page %d not found", ptr))
			}
			return n
		},
		New: func(node []byte) uint64 {
			if len(node) > PageSize && Node(node).nbytes() > PageSize {
				panic("btree test: node too large to persist")
			}
			ptr := m.next
			m.next++
			cp := make([]byte, len(node))
			copy(cp, node)
			m.pages[ptr] = cp
			return ptr
		},
		Del: func(ptr uint64) {
			if _, ok := m.pages[ptr]; !ok {
				panic("btree test: double free")
			}
			delete(m.pages, ptr)
		},
	}
}

func newTestTree() (*Tree, *memPages) {
	pages := newMemPages()
	return New(0, pages.source()), pages
}

func TestInsertAndSearch(t *testing.T) {
	tree, _ := newTestTree()
	ref := map[string]string{}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val := fmt.Sprintf("val-%04d", i)
		if err := tree.Insert([]byte(key), []byte(val), false); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
		ref[key] = val
	}

	for key, want := range ref {
		got, ok := tree.Search([]byte(key))
		if !ok {
			t.Fatalf("missing key %s", key)
		}
		if string(got) != want {
			t.Fatalf("key %s: got %q want %q", key, got, want)
		}
	}
}

func TestInsertUpdatesExisting(t *testing.T) {
	tree, _ := newTestTree()
	must(t, tree.Insert([]byte("a"), []byte("1"), false))
	must(t, tree.Insert([]byte("a"), []byte("2"), false))

	got, ok := tree.Search([]byte("a"))
	if !ok || string(got) != "2" {
		t.Fatalf("got %q, ok=%v, want \"2\"", got, ok)
	}
	if tree.Count() != 1 {
		t.Fatalf("count = %d, want 1", tree.Count())
	}
}

func TestInsertUniqueRejectsDuplicate(t *testing.T) {
	tree, _ := newTestTree()
	must(t, tree.Insert([]byte("a"), []byte("1"), true))

	err := tree.Insert([]byte("a"), []byte("2"), true)
	if err != ErrDuplicateKey {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}

	got, _ := tree.Search([]byte("a"))
	if string(got) != "1" {
		t.Fatalf("unique insert should not overwrite, got %q", got)
	}
}

func TestDeleteRemovesKeyAndRebalances(t *testing.T) {
	tree, _ := newTestTree()
	ref := map[string]string{}

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("k%05d", i)
		must(t, tree.Insert([]byte(key), []byte("v"), false))
		ref[key] = "v"
	}

	// Delete every third key, forcing leaf merges along the way.
	for i := 0; i < 1000; i += 3 {
		key := fmt.Sprintf("k%05d", i)
		if !tree.Delete([]byte(key)) {
			t.Fatalf("delete %s: not found", key)
		}
		delete(ref, key)
	}

	if tree.Delete([]byte("does-not-exist")) {
		t.Fatalf("delete of missing key should report false")
	}

	for key := range ref {
		if _, ok := tree.Search([]byte(key)); !ok {
			t.Fatalf("key %s should still be present", key)
		}
	}
	if tree.Count() != len(ref) {
		t.Fatalf("count = %d, want %d", tree.Count(), len(ref))
	}
}

func TestRangeScanOrder(t *testing.T) {
	tree, _ := newTestTree()
	keys := []string{}
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("r%04d", i)
		must(t, tree.Insert([]byte(k), []byte(k), false))
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var got []string
	tree.Scan([]byte("r0000"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})

	if len(got) != len(keys) {
		t.Fatalf("got %d keys, want %d", len(got), len(keys))
	}
	for i := range keys {
		if got[i] != keys[i] {
			t.Fatalf("index %d: got %s want %s", i, got[i], keys[i])
		}
	}
}

func TestRangeScanBounded(t *testing.T) {
	tree, _ := newTestTree()
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("b%03d", i)
		must(t, tree.Insert([]byte(k), []byte(k), false))
	}

	var got []string
	tree.Range([]byte("b010"), []byte("b020"), func(k, v []byte) bool {
		got = append(got, string(k))
		return true
	})

	if len(got) != 11 {
		t.Fatalf("got %d keys, want 11: %v", len(got), got)
	}
	if got[0] != "b010" || got[len(got)-1] != "b020" {
		t.Fatalf("bounds not respected: %v", got)
	}
}

func TestRandomInsertDeleteConsistency(t *testing.T) {
	tree, _ := newTestTree()
	ref := map[string]bool{}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("rk%06d", rng.Intn(500))
		if rng.Intn(2) == 0 {
			must(t, tree.Insert([]byte(key), []byte("v"), false))
			ref[key] = true
		} else {
			deleted := tree.Delete([]byte(key))
			if deleted != ref[key] {
				t.Fatalf("delete(%s) = %v, want %v", key, deleted, ref[key])
			}
			delete(ref, key)
		}
	}

	if tree.Count() != len(ref) {
		t.Fatalf("count = %d, want %d", tree.Count(), len(ref))
	}
	for key := range ref {
		if _, ok := tree.Search([]byte(key)); !ok {
			t.Fatalf("key %s missing after randomized workload", key)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
