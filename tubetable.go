package tubez

import "sort"

// tubeTable is a sorted-by-id index of a channel's live tubes. Insert,
// Delete, and Get locate an id in O(log n) via binary search over a sorted
// slice; Insert and Delete then shift the slice, which is O(n). This is the
// same structure used for a connection's stream table.
type tubeTable struct {
	list []*tubeEntry
}

type tubeEntry struct {
	id       uint16
	tube     *Tube
	state    *TubeState
	idHandle *IDHandle // non-nil only for locally-allocated tube ids
}

func (t *tubeTable) search(id uint16) int {
	return sort.Search(len(t.list), func(i int) bool {
		return t.list[i].id >= id
	})
}

// Insert adds an entry, returning false without modifying the table if id
// is already present (reported upstream as ErrInternalDuplicateTubeID by
// MakeTube and as ErrTubeManagerInsertion by the dispatcher).
func (t *tubeTable) Insert(id uint16, tube *Tube, state *TubeState) bool {
	i := t.search(id)
	if i < len(t.list) && t.list[i].id == id {
		return false
	}
	entry := &tubeEntry{id: id, tube: tube, state: state}
	t.list = append(t.list, nil)
	copy(t.list[i+1:], t.list[i:])
	t.list[i] = entry
	return true
}

// Delete removes id from the table if present.
func (t *tubeTable) Delete(id uint16) {
	i := t.search(id)
	if i < len(t.list) && t.list[i].id == id {
		t.list = append(t.list[:i], t.list[i+1:]...)
	}
}

// Get returns the entry for id, or nil if absent.
func (t *tubeTable) Get(id uint16) *tubeEntry {
	i := t.search(id)
	if i < len(t.list) && t.list[i].id == id {
		return t.list[i]
	}
	return nil
}

// Len returns the number of live tubes.
func (t *tubeTable) Len() int {
	return len(t.list)
}

// Each calls fn for every live entry. fn must not mutate the table.
func (t *tubeTable) Each(fn func(*tubeEntry)) {
	for _, e := range t.list {
		fn(e)
	}
}
