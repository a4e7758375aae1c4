package objectstore

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/mosaicnetworks/mural/src/metrics"
	"github.com/mosaicnetworks/mural/src/object"
)

// cachedStream is one version of instance data held by the cache.
type cachedStream struct {
	cmd     *command.Command
	version object.Version
	full    bool
	arrived time.Time
}

func (s cachedStream) size() int {
	return len(s.cmd.Data())
}

type cacheItem struct {
	masterInstanceID uint32
	from             uuid.UUID
	streams          []cachedStream
	access           int
	used             bool
}

func (i *cacheItem) oldest() time.Time {
	if len(i.streams) == 0 {
		return time.Time{}
	}
	return i.streams[0].arrived
}

// CacheEntry is a view of the versions cached for an object. It stays valid
// until the access is released.
type CacheEntry struct {
	MasterInstanceID uint32
	Min              object.Version
	Max              object.Version
	streams          []*command.Command
}

// Streams returns the cached instance data commands, in version order. The
// first one holds a full snapshot.
func (e *CacheEntry) Streams() []*command.Command {
	return e.streams
}

// CacheStats ...
type CacheStats struct {
	Entries int
	Used    int
	Bytes   int64
	MaxSize int64
	Hits    uint64
	Misses  uint64
}

// InstanceCache keeps the instance data received by a node, so that objects
// mapped later on this node do not need the master to send it again. The
// versions of an entry are contiguous and start with a full snapshot.
// Entries that are accessed are never modified.
type InstanceCache struct {
	sync.Mutex

	items   map[uuid.UUID]*cacheItem
	size    int64
	maxSize int64

	hits   uint64
	misses uint64
}

// NewInstanceCache returns a cache holding at most maxSize bytes of instance
// data.
func NewInstanceCache(maxSize int64) *InstanceCache {
	return &InstanceCache{
		items:   make(map[uuid.UUID]*cacheItem),
		maxSize: maxSize,
	}
}

// Add caches the instance data of cmd. It reports whether the data was
// added. The cache takes its own reference of cmd.
func (c *InstanceCache) Add(objectID uuid.UUID, masterInstanceID uint32, from uuid.UUID,
	cmd *command.Command, version object.Version, full bool) bool {

	if c.maxSize <= 0 {
		return false
	}

	c.Lock()
	defer c.Unlock()

	item, ok := c.items[objectID]
	if ok && (item.masterInstanceID != masterInstanceID || item.from != from) {
		if item.access > 0 {
			return false
		}
		c.releaseItem(objectID, item)
		ok = false
	}

	if !ok {
		if !full {
			return false
		}
		item = &cacheItem{masterInstanceID: masterInstanceID, from: from}
		c.items[objectID] = item
	}

	if n := len(item.streams); n > 0 {
		max := item.streams[n-1].version
		if version.LessEq(max) {
			return false
		}
		if version != max.Inc() {
			if item.access > 0 {
				return false
			}
			c.releaseStreams(item)
		}
	}

	if len(item.streams) == 0 && !full {
		delete(c.items, objectID)
		return false
	}

	cmd.Retain()
	stream := cachedStream{cmd: cmd, version: version, full: full, arrived: time.Now()}
	item.streams = append(item.streams, stream)
	c.size += int64(stream.size())

	if c.size > c.maxSize {
		c.shrink(c.maxSize * 8 / 10)
	}

	metrics.InstanceCacheBytes.Set(float64(c.size))
	return true
}

// Access returns the cached versions of an object and prevents them from
// being released until Release.
func (c *InstanceCache) Access(objectID uuid.UUID) (*CacheEntry, bool) {
	c.Lock()
	defer c.Unlock()

	item, ok := c.items[objectID]
	if !ok || len(item.streams) == 0 {
		c.misses++
		metrics.InstanceCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	c.hits++
	metrics.InstanceCacheLookups.WithLabelValues("hit").Inc()

	item.access++
	item.used = true

	entry := &CacheEntry{
		MasterInstanceID: item.masterInstanceID,
		Min:              item.streams[0].version,
		Max:              item.streams[len(item.streams)-1].version,
		streams:          make([]*command.Command, len(item.streams)),
	}
	for i, s := range item.streams {
		entry.streams[i] = s.cmd
	}
	return entry, true
}

// Release gives back n accesses of an object.
func (c *InstanceCache) Release(objectID uuid.UUID, n int) {
	c.Lock()
	defer c.Unlock()

	item, ok := c.items[objectID]
	if !ok {
		return
	}
	item.access -= n
	if item.access < 0 {
		item.access = 0
	}
}

// Erase drops the entry of an object unless it is accessed.
func (c *InstanceCache) Erase(objectID uuid.UUID) bool {
	c.Lock()
	defer c.Unlock()

	item, ok := c.items[objectID]
	if !ok || item.access > 0 {
		return false
	}
	c.releaseItem(objectID, item)
	metrics.InstanceCacheBytes.Set(float64(c.size))
	return true
}

// Expire releases the versions received more than age ago. An entry whose
// remaining versions do not start with a full snapshot is dropped.
func (c *InstanceCache) Expire(age time.Duration) int {
	c.Lock()
	defer c.Unlock()

	cutoff := time.Now().Add(-age)
	released := 0

	for id, item := range c.items {
		if item.access > 0 {
			continue
		}

		n := 0
		for n < len(item.streams) && item.streams[n].arrived.Before(cutoff) {
			n++
		}
		if n == 0 {
			continue
		}

		if n == len(item.streams) || !item.streams[n].full {
			released += len(item.streams)
			c.releaseItem(id, item)
			continue
		}

		for _, s := range item.streams[:n] {
			c.size -= int64(s.size())
			s.cmd.Release()
		}
		item.streams = append([]cachedStream{}, item.streams[n:]...)
		released += n
	}

	metrics.InstanceCacheBytes.Set(float64(c.size))
	return released
}

// Remove drops the unaccessed entries received from a node.
func (c *InstanceCache) Remove(nodeID uuid.UUID) {
	c.Lock()
	defer c.Unlock()

	for id, item := range c.items {
		if item.from == nodeID && item.access == 0 {
			c.releaseItem(id, item)
		}
	}
	metrics.InstanceCacheBytes.Set(float64(c.size))
}

// Stats ...
func (c *InstanceCache) Stats() CacheStats {
	c.Lock()
	defer c.Unlock()

	used := 0
	for _, item := range c.items {
		if item.used {
			used++
		}
	}

	return CacheStats{
		Entries: len(c.items),
		Used:    used,
		Bytes:   c.size,
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// Close releases every entry.
func (c *InstanceCache) Close() {
	c.Lock()
	defer c.Unlock()

	for id, item := range c.items {
		c.releaseItem(id, item)
	}
	metrics.InstanceCacheBytes.Set(0)
}

// shrink releases unaccessed entries, oldest first, until the cache holds at
// most target bytes.
func (c *InstanceCache) shrink(target int64) {
	type candidate struct {
		id     uuid.UUID
		item   *cacheItem
		oldest time.Time
	}

	candidates := []candidate{}
	for id, item := range c.items {
		if item.access == 0 {
			candidates = append(candidates, candidate{id, item, item.oldest()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].oldest.Before(candidates[j].oldest)
	})

	for _, cand := range candidates {
		if c.size <= target {
			return
		}
		c.releaseItem(cand.id, cand.item)
	}
}

func (c *InstanceCache) releaseItem(objectID uuid.UUID, item *cacheItem) {
	c.releaseStreams(item)
	delete(c.items, objectID)
}

func (c *InstanceCache) releaseStreams(item *cacheItem) {
	for _, s := range item.streams {
		c.size -= int64(s.size())
		s.cmd.Release()
	}
	item.streams = nil
}
