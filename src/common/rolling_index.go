package common

import "strconv"

// RollingIndex is a window of items with contiguous indexes. Only the most
// recent items are kept: the window rolls over once it holds twice its size,
// and it can be trimmed explicitly.
type RollingIndex struct {
	name      string
	size      int
	lastIndex uint64
	empty     bool
	items     []interface{}
}

// NewRollingIndex ...
func NewRollingIndex(name string, size int) *RollingIndex {
	return &RollingIndex{
		name:  name,
		size:  size,
		items: make([]interface{}, 0, 2*size),
		empty: true,
	}
}

// Len returns the number of items in the window.
func (r *RollingIndex) Len() int {
	return len(r.items)
}

// FirstIndex returns the index of the oldest item in the window.
func (r *RollingIndex) FirstIndex() (uint64, error) {
	if r.empty {
		return 0, NewStoreErr(r.name, Empty, "")
	}
	return r.oldest(), nil
}

// LastIndex returns the index of the newest item in the window.
func (r *RollingIndex) LastIndex() (uint64, error) {
	if r.empty {
		return 0, NewStoreErr(r.name, Empty, "")
	}
	return r.lastIndex, nil
}

func (r *RollingIndex) oldest() uint64 {
	return r.lastIndex + 1 - uint64(len(r.items))
}

// Get returns the items with an index greater than skipIndex.
func (r *RollingIndex) Get(skipIndex uint64) ([]interface{}, error) {
	res := make([]interface{}, 0)

	if r.empty || skipIndex >= r.lastIndex {
		return res, nil
	}

	//assume there are no gaps between indexes
	oldestCachedIndex := r.oldest()
	if skipIndex+1 < oldestCachedIndex {
		return res, NewStoreErr(r.name, TooLate, strconv.FormatUint(skipIndex, 10))
	}

	start := skipIndex + 1 - oldestCachedIndex

	return append(res, r.items[start:]...), nil
}

// GetItem ...
func (r *RollingIndex) GetItem(index uint64) (interface{}, error) {
	if r.empty {
		return nil, NewStoreErr(r.name, KeyNotFound, strconv.FormatUint(index, 10))
	}
	oldestCached := r.oldest()
	if index < oldestCached {
		return nil, NewStoreErr(r.name, TooLate, strconv.FormatUint(index, 10))
	}
	if index > r.lastIndex {
		return nil, NewStoreErr(r.name, KeyNotFound, strconv.FormatUint(index, 10))
	}
	return r.items[index-oldestCached], nil
}

// Set appends the item at index lastIndex+1, or replaces an item still in the
// window. The first item of an empty window may use any index.
func (r *RollingIndex) Set(item interface{}, index uint64) error {
	if r.empty {
		r.items = append(r.items, item)
		r.lastIndex = index
		r.empty = false
		return nil
	}

	//only allow to setting items with index <= lastIndex + 1 so we may assume
	//there are no gaps between items
	if index > r.lastIndex+1 {
		return NewStoreErr(r.name, SkippedIndex, strconv.FormatUint(index, 10))
	}

	if index == r.lastIndex+1 {
		if len(r.items) >= 2*r.size {
			r.Roll()
		}
		r.items = append(r.items, item)
		r.lastIndex = index
		return nil
	}

	oldestCachedIndex := r.oldest()
	if index < oldestCachedIndex {
		return NewStoreErr(r.name, TooLate, strconv.FormatUint(index, 10))
	}

	r.items[index-oldestCachedIndex] = item

	return nil
}

// Trim drops every item with an index lower than keepFrom. The newest item is
// always kept.
func (r *RollingIndex) Trim(keepFrom uint64) {
	if r.empty {
		return
	}
	oldestCachedIndex := r.oldest()
	if keepFrom <= oldestCachedIndex {
		return
	}
	if keepFrom > r.lastIndex {
		keepFrom = r.lastIndex
	}
	drop := keepFrom - oldestCachedIndex
	newList := make([]interface{}, 0, 2*r.size)
	r.items = append(newList, r.items[drop:]...)
}

// Roll keeps the last size items.
func (r *RollingIndex) Roll() {
	if len(r.items) <= r.size {
		return
	}
	newList := make([]interface{}, 0, 2*r.size)
	newList = append(newList, r.items[len(r.items)-r.size:]...)
	r.items = newList
}
