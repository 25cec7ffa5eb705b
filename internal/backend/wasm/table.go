package wasmbackend

import "github.com/PuerkitoBio/goquery"

// table is the per-invocation resource table. Guests refer to parsed
// documents by small integer handles and never see host pointers. Zero is
// never a valid handle.
type table struct {
	next uint32
	docs map[uint32]*goquery.Document
}

func newTable() *table {
	return &table{docs: make(map[uint32]*goquery.Document)}
}

func (t *table) put(doc *goquery.Document) uint32 {
	t.next++
	t.docs[t.next] = doc
	return t.next
}

func (t *table) get(h uint32) (*goquery.Document, bool) {
	doc, ok := t.docs[h]
	return doc, ok
}

func (t *table) free(h uint32) bool {
	if _, ok := t.docs[h]; !ok {
		return false
	}
	delete(t.docs, h)
	return true
}

func (t *table) len() int { return len(t.docs) }
