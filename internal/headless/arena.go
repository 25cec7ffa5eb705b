package headless

// Handle is an opaque reference to an element owned by a Session. The zero
// Handle is the current document. Handles are invalidated by Release, by
// navigation, and by Close; using a stale one is an interaction error.
type Handle uint64

// Document scopes a query to the whole page.
const Document Handle = 0

// arena stores driver-owned references behind generation-checked handles so
// callers never hold a raw driver object.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func (a *arena[T]) acquire(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		idx = uint32(len(a.slots))
	}
	slot := &a.slots[idx-1]
	slot.gen++
	slot.used = true
	slot.val = v
	a.live++
	return Handle(uint64(slot.gen)<<32 | uint64(idx))
}

func (a *arena[T]) get(h Handle) (T, bool) {
	slot := a.slot(h)
	if slot == nil {
		var zero T
		return zero, false
	}
	return slot.val, true
}

func (a *arena[T]) release(h Handle) bool {
	slot := a.slot(h)
	if slot == nil {
		return false
	}
	var zero T
	slot.used = false
	slot.val = zero
	a.free = append(a.free, uint32(h))
	a.live--
	return true
}

// reset releases every handle while keeping generations, so handles issued
// before the reset stay stale forever.
func (a *arena[T]) reset() {
	for i := range a.slots {
		if a.slots[i].used {
			a.release(Handle(uint64(a.slots[i].gen)<<32 | uint64(i+1)))
		}
	}
}

func (a *arena[T]) len() int { return a.live }

func (a *arena[T]) slot(h Handle) *arenaSlot[T] {
	idx := uint32(h)
	if idx == 0 || int(idx) > len(a.slots) {
		return nil
	}
	slot := &a.slots[idx-1]
	if !slot.used || slot.gen != uint32(h>>32) {
		return nil
	}
	return slot
}
