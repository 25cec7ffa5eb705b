package queue

// entryHeap is a container/heap of entries that tracks each entry's index so
// merges can fix or remove it in place.
type entryHeap[P any] struct {
	entries []*entry[P]
	less    func(a, b *entry[P]) bool
}

func (h *entryHeap[P]) Len() int { return len(h.entries) }

func (h *entryHeap[P]) Less(i, j int) bool { return h.less(h.entries[i], h.entries[j]) }

func (h *entryHeap[P]) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *entryHeap[P]) Push(x any) {
	e := x.(*entry[P])
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap[P]) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

func (h *entryHeap[P]) peek() *entry[P] {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[0]
}
