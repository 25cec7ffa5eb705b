package queue

type record[P any] struct {
	status Status
	item   Item[P]
}

// history is a bounded FIFO of terminal (done or dead) keys.
type history[P any] struct {
	limit   int
	order   []string
	records map[string]record[P]
}

func newHistory[P any](limit int) *history[P] {
	return &history[P]{limit: limit, records: make(map[string]record[P])}
}

func (h *history[P]) record(status Status, item Item[P]) {
	if _, ok := h.records[status.Key]; ok {
		h.removeOrder(status.Key)
	}
	h.records[status.Key] = record[P]{status: status, item: item}
	h.order = append(h.order, status.Key)
	for len(h.order) > h.limit {
		delete(h.records, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history[P]) get(key string) (record[P], bool) {
	rec, ok := h.records[key]
	return rec, ok
}

func (h *history[P]) forget(key string) {
	if _, ok := h.records[key]; !ok {
		return
	}
	delete(h.records, key)
	h.removeOrder(key)
}

func (h *history[P]) dead() []Item[P] {
	var out []Item[P]
	for _, key := range h.order {
		if rec := h.records[key]; rec.status.State == StateDead {
			out = append(out, rec.item)
		}
	}
	return out
}

func (h *history[P]) removeOrder(key string) {
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}
