package codec

import (
	"bytes"
	"testing"
)

type memPages struct {
	pages map[uint64][]byte
	next  uint64
}

func newMemPages() *memPages {
	return &memPages{pages: make(map[uint64][]byte), next: 1}
}

func (m *memPages) alloc(img []byte) (uint64, error) {
	num := m.next
	m.next++
	cp := make([]byte, len(img))
	copy(cp, img)
	m.pages[num] = cp
	return num, nil
}

func (m *memPages) read(num uint64) ([]byte, error) {
	buf, ok := m.pages[num]
	if !ok {
		return nil, &ErrCorrupt{Reason: "page not found"}
	}
	return buf, nil
}

func (m *memPages) free(num uint64) error {
	delete(m.pages, num)
	return nil
}

func testLimits() Limits {
	return Limits{MaxIDLen: 256, MaxDocSize: 1 << 20}
}

func TestEncodeDecodeSmallDocumentFitsOnePage(t *testing.T) {
	pages := newMemPages()
	rec := Record{ID: "doc-1", Data: []byte(`{"hello":"world"}`)}

	first, err := Encode(rec, testLimits(), pages.alloc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(pages.pages) != 1 {
		t.Fatalf("small document should use exactly one page, used %d", len(pages.pages))
	}

	got, err := Decode(first, testLimits(), pages.read)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != rec.ID || !bytes.Equal(got.Data, rec.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestEncodeDecodeLargeDocumentUsesOverflowChain(t *testing.T) {
	pages := newMemPages()
	data := bytes.Repeat([]byte("x"), PageSize*3+500)
	rec := Record{ID: "big-doc", Data: data}

	first, err := Encode(rec, testLimits(), pages.alloc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(pages.pages) < 4 {
		t.Fatalf("large document should span multiple pages, used %d", len(pages.pages))
	}

	got, err := Decode(first, testLimits(), pages.read)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != rec.ID || !bytes.Equal(got.Data, rec.Data) {
		t.Fatal("large document round trip mismatch")
	}
}

func TestDecodeDetectsOverflowCycle(t *testing.T) {
	pages := newMemPages()
	data := bytes.Repeat([]byte("y"), PageSize*2+10)
	first, err := Encode(Record{ID: "cyclic", Data: data}, testLimits(), pages.alloc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Find an overflow page and point it back at itself to fabricate a cycle.
	var overflowPage uint64
	for num := range pages.pages {
		if num != first {
			overflowPage = num
			break
		}
	}
	page := pages.pages[overflowPage]
	overflowCap := PageSize - nextPtrSize
	copy(page[overflowCap:], make([]byte, nextPtrSize))
	for i := 0; i < 8; i++ {
		page[overflowCap+i] = byte(overflowPage >> (8 * i))
	}

	if _, err := Decode(first, testLimits(), pages.read); err == nil {
		t.Fatal("Decode should detect the fabricated overflow cycle")
	}
}

func TestDeleteFreesEveryPageInChain(t *testing.T) {
	pages := newMemPages()
	data := bytes.Repeat([]byte("z"), PageSize*2+10)
	first, err := Encode(Record{ID: "doomed", Data: data}, testLimits(), pages.alloc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(pages.pages) < 3 {
		t.Fatal("expected a multi-page document for this test")
	}

	if err := Delete(first, testLimits(), pages.read, pages.free); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(pages.pages) != 0 {
		t.Fatalf("Delete should free every page in the chain, %d remain", len(pages.pages))
	}
}

func TestEncodeRejectsOversizedDocument(t *testing.T) {
	pages := newMemPages()
	limits := Limits{MaxIDLen: 256, MaxDocSize: 100}
	_, err := Encode(Record{ID: "too-big", Data: make([]byte, 101)}, limits, pages.alloc)
	if err == nil {
		t.Fatal("Encode should reject a document over MaxDocSize")
	}
}
