package cache

import (
	"sync"

	"github.com/kvfabric/datadist/cmn/status"
)

// Cache is a single registered or allocated tensor set. It is never
// constructed directly by callers; the registry owns the only live
// instances and hands out cache_ids as opaque handles, replacing the
// cyclic Cache<->CacheManager references the original surface carries.
type Cache struct {
	mu sync.RWMutex

	ID               int64
	Desc             *CacheDesc
	TensorAddrs      []uintptr
	IsRegistered     bool // externally-provided memory, vs. pool-allocated
	IsBlocks         bool
	RemoteAccessible bool

	valid      bool
	keyRefs    int // weak reference count held by outstanding CacheKeys
	linkRefs   int // links that have registered this cache remotely
	pendingDel bool // deallocate/unregister requested, deferred on keyRefs>0
}

func newCache(id int64, desc *CacheDesc, addrs []uintptr, registered, remoteAccessible bool) *Cache {
	return &Cache{
		ID:               id,
		Desc:             desc,
		TensorAddrs:      addrs,
		IsRegistered:     registered,
		IsBlocks:         desc.IsBlocks,
		RemoteAccessible: remoteAccessible,
		valid:            true,
	}
}

// Valid reports whether the handle still resolves to live memory.
func (c *Cache) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

func (c *Cache) checkValid(op string) error {
	if !c.valid {
		return status.New(status.KVCacheNotExist, op, "cache_id %d no longer exists", c.ID)
	}
	return nil
}

// BatchIndexInRange validates a CacheKeyByIdAndIndex batch_index against
// this cache's batch dimension extent.
func (c *Cache) BatchIndexInRange(idx uint32) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkValid("BatchIndexInRange"); err != nil {
		return err
	}
	if int64(idx) >= c.Desc.BatchSize() {
		return status.New(status.ParamInvalid, "BatchIndexInRange", "batch_index %d >= batch_size %d", idx, c.Desc.BatchSize())
	}
	return nil
}

func (c *Cache) addKeyRef() {
	c.mu.Lock()
	c.keyRefs++
	c.mu.Unlock()
}

// releaseKeyRef drops one weak reference; reports whether the cache is now
// both invalid and unreferenced, i.e. eligible for physical release.
func (c *Cache) releaseKeyRef() (reclaimable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keyRefs > 0 {
		c.keyRefs--
	}
	return c.pendingDel && c.keyRefs == 0
}

func (c *Cache) addLinkRef() {
	c.mu.Lock()
	c.linkRefs++
	c.mu.Unlock()
}

func (c *Cache) releaseLinkRef() {
	c.mu.Lock()
	if c.linkRefs > 0 {
		c.linkRefs--
	}
	c.mu.Unlock()
}

func (c *Cache) linksActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.linkRefs > 0
}

// invalidate marks the handle dead immediately; it reports whether the
// cache is already free of outstanding key references (so the caller can
// reclaim memory now rather than on the last releaseKeyRef).
func (c *Cache) invalidate() (reclaimNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.pendingDel = true
	return c.keyRefs == 0
}
