package common

import (
	"fmt"
)

// RollingIndexMap is a collection of RollingIndexes.
type RollingIndexMap struct {
	name    string
	size    int
	mapping map[string]*RollingIndex
}

// NewRollingIndexMap creates a new RollingIndexMap where each RollingIndex has
// the specified size.
func NewRollingIndexMap(name string, size int) *RollingIndexMap {
	return &RollingIndexMap{
		name:    name,
		size:    size,
		mapping: make(map[string]*RollingIndex),
	}
}

// Index returns the RollingIndex identified by key.
func (rim *RollingIndexMap) Index(key string) (*RollingIndex, error) {
	items, ok := rim.mapping[key]
	if !ok {
		return nil, NewStoreErr(rim.name, KeyNotFound, key)
	}
	return items, nil
}

// Get returns all the items with index greater than skipIndex from the
// RollingIndex indentified by key.
func (rim *RollingIndexMap) Get(key string, skipIndex uint64) ([]interface{}, error) {
	items, err := rim.Index(key)
	if err != nil {
		return nil, err
	}
	return items.Get(skipIndex)
}

// GetItem returns  specific item from a specific RollingIndex.
func (rim *RollingIndexMap) GetItem(key string, index uint64) (interface{}, error) {
	items, err := rim.Index(key)
	if err != nil {
		return nil, err
	}
	return items.GetItem(index)
}

// Set inserts or updates an item into a RollingIndex identified by key.
func (rim *RollingIndexMap) Set(key string, item interface{}, index uint64) error {
	items, ok := rim.mapping[key]
	if !ok {
		items = NewRollingIndex(fmt.Sprintf("%s[%s]", rim.name, key), rim.size)
		rim.mapping[key] = items
	}
	return items.Set(item, index)
}

// Delete removes the RollingIndex identified by key.
func (rim *RollingIndexMap) Delete(key string) {
	delete(rim.mapping, key)
}

// Keys returns the keys of all the RollingIndexes.
func (rim *RollingIndexMap) Keys() []string {
	keys := make([]string, 0, len(rim.mapping))
	for k := range rim.mapping {
		keys = append(keys, k)
	}
	return keys
}
