package cache

import (
	"sync"
	"sync/atomic"

	"github.com/kvfabric/datadist/cmn/status"
	"github.com/kvfabric/datadist/memsys"
)

const numShards = 16

type idShard struct {
	mu     sync.Mutex
	caches map[int64]*Cache
}

type keyShard struct {
	mu   sync.Mutex
	byID map[CacheKey]int64
}

type blocksKeyShard struct {
	mu   sync.Mutex
	byID map[BlocksCacheKey]int64
}

// Registry owns every Cache created by allocate/register for the lifetime
// of one engine, issuing cache_ids and maintaining the CacheKey/
// BlocksCacheKey -> cache_id bindings (spec §4.3). Lookup maps are sharded
// by an xxhash of the key so concurrent callers touching different keys
// don't contend on one lock, while cache_id issuance uses a single atomic
// counter so ids stay monotonic process-wide.
type Registry struct {
	nextID int64

	ids         [numShards]idShard
	keys        [numShards]keyShard
	blocksKeys  [numShards]blocksKeyShard

	devicePool *memsys.Pool
	hostPool   *memsys.Pool

	// RemapMu is held for writing during remap_registered_memory and for
	// reading by any transfer touching registered addresses, per spec §5's
	// remap-serialization requirement.
	RemapMu sync.RWMutex

	mu     sync.Mutex // guards the linked flag below
	linked bool        // true once any peer link has ever been established

	raMu             sync.Mutex
	remoteAccessible map[int64]struct{} // cache_id -> present, for link establishment fan-out
}

// NewRegistry constructs an empty registry. Either pool may be nil, meaning
// that placement's pool was not configured (allocate_cache then always
// fails with FeatureNotEnabled for that placement).
func NewRegistry(devicePool, hostPool *memsys.Pool) *Registry {
	r := &Registry{devicePool: devicePool, hostPool: hostPool, remoteAccessible: make(map[int64]struct{})}
	for i := range r.ids {
		r.ids[i].caches = make(map[int64]*Cache)
	}
	for i := range r.keys {
		r.keys[i].byID = make(map[CacheKey]int64)
	}
	for i := range r.blocksKeys {
		r.blocksKeys[i].byID = make(map[BlocksCacheKey]int64)
	}
	return r
}

// NoteLinkEstablished flips the "any link ever established" bit the
// register_cache default depends on (spec §4.3); called by the cluster
// package's Manager once a link reaches Ready.
func (r *Registry) NoteLinkEstablished() {
	r.mu.Lock()
	r.linked = true
	r.mu.Unlock()
}

func (r *Registry) anyLinkEstablished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linked
}

func (r *Registry) idShardFor(id int64) *idShard { return &r.ids[uint64(id)%numShards] }
func (r *Registry) keyShardFor(k CacheKey) *keyShard { return &r.keys[k.hash()%numShards] }
func (r *Registry) blocksKeyShardFor(k BlocksCacheKey) *blocksKeyShard {
	return &r.blocksKeys[k.hash()%numShards]
}

// PoolFor exposes the memory pool backing a placement, for callers outside
// this package (the façade) that need a byte source for copy/swap ops.
func (r *Registry) PoolFor(p Placement) *memsys.Pool { return r.poolFor(p) }

func (r *Registry) poolFor(p Placement) *memsys.Pool {
	if p == Device {
		return r.devicePool
	}
	return r.hostPool
}

func (r *Registry) insert(c *Cache) {
	sh := r.idShardFor(c.ID)
	sh.mu.Lock()
	sh.caches[c.ID] = c
	sh.mu.Unlock()
	if c.RemoteAccessible {
		r.raMu.Lock()
		r.remoteAccessible[c.ID] = struct{}{}
		r.raMu.Unlock()
	}
}

func (r *Registry) forget(id int64) {
	r.raMu.Lock()
	delete(r.remoteAccessible, id)
	r.raMu.Unlock()
}

// RemoteAccessibleCacheIDs lists every cache currently marked
// remote-accessible, for the cluster.Manager to register with a newly Ready
// peer (spec §4.5: "registers all currently remote-accessible caches").
func (r *Registry) RemoteAccessibleCacheIDs() []int64 {
	r.raMu.Lock()
	defer r.raMu.Unlock()
	ids := make([]int64, 0, len(r.remoteAccessible))
	for id := range r.remoteAccessible {
		ids = append(ids, id)
	}
	return ids
}

// Get resolves a cache_id to its Cache, failing KVCacheNotExist if it was
// never created or has since been deallocated/unregistered.
func (r *Registry) Get(id int64) (*Cache, error) {
	sh := r.idShardFor(id)
	sh.mu.Lock()
	c, ok := sh.caches[id]
	sh.mu.Unlock()
	if !ok {
		return nil, status.New(status.KVCacheNotExist, "Registry.Get", "cache_id %d not found", id)
	}
	if !c.Valid() {
		return nil, status.New(status.KVCacheNotExist, "Registry.Get", "cache_id %d was deallocated", id)
	}
	return c, nil
}

// ResolveKey resolves a CacheKey to its Cache.
func (r *Registry) ResolveKey(key CacheKey) (*Cache, error) {
	sh := r.keyShardFor(key)
	sh.mu.Lock()
	id, ok := sh.byID[key]
	sh.mu.Unlock()
	if !ok {
		return nil, status.New(status.KVCacheNotExist, "Registry.ResolveKey", "cache key not found or already consumed")
	}
	return r.Get(id)
}

// ResolveBlocksKey resolves a BlocksCacheKey to its Cache.
func (r *Registry) ResolveBlocksKey(key BlocksCacheKey) (*Cache, error) {
	sh := r.blocksKeyShardFor(key)
	sh.mu.Lock()
	id, ok := sh.byID[key]
	sh.mu.Unlock()
	if !ok {
		return nil, status.New(status.KVCacheNotExist, "Registry.ResolveBlocksKey", "blocks cache key not found")
	}
	return r.Get(id)
}

func (r *Registry) bindKeys(c *Cache, keys []CacheKey) error {
	bound := make([]CacheKey, 0, len(keys))
	for _, k := range keys {
		sh := r.keyShardFor(k)
		sh.mu.Lock()
		if _, exists := sh.byID[k]; exists {
			sh.mu.Unlock()
			r.unbindKeys(bound)
			return status.New(status.RepeatRequest, "Registry.bindKeys", "cache key already bound to a cache")
		}
		sh.byID[k] = c.ID
		sh.mu.Unlock()
		bound = append(bound, k)
		c.addKeyRef()
	}
	return nil
}

func (r *Registry) unbindKeys(keys []CacheKey) {
	for _, k := range keys {
		sh := r.keyShardFor(k)
		sh.mu.Lock()
		delete(sh.byID, k)
		sh.mu.Unlock()
	}
}

func (r *Registry) bindBlocksKey(c *Cache, key *BlocksCacheKey) error {
	if key == nil {
		return nil
	}
	sh := r.blocksKeyShardFor(*key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.byID[*key]; exists {
		return status.New(status.RepeatRequest, "Registry.bindBlocksKey", "blocks cache key already bound")
	}
	sh.byID[*key] = c.ID
	return nil
}

// AllocateCache draws tensor_addrs from the configured pool for
// desc.Placement and registers the cache under the given keys.
func (r *Registry) AllocateCache(desc *CacheDesc, keys []CacheKey) (*Cache, error) {
	return r.allocate(desc, keys, nil)
}

// AllocateBlocksCache is AllocateCache for a blocks-layout cache, binding
// at most one BlocksCacheKey.
func (r *Registry) AllocateBlocksCache(desc *CacheDesc, blocksKey *BlocksCacheKey) (*Cache, error) {
	desc.IsBlocks = true
	return r.allocate(desc, nil, blocksKey)
}

func (r *Registry) allocate(desc *CacheDesc, keys []CacheKey, blocksKey *BlocksCacheKey) (*Cache, error) {
	const op = "Registry.AllocateCache"
	pool := r.poolFor(desc.Placement)
	if pool == nil {
		return nil, status.New(status.FeatureNotEnabled, op, "no memory pool configured for placement %v", desc.Placement)
	}
	perTensor, err := desc.Size()
	if err != nil {
		return nil, err
	}
	addrs, err := pool.AllocMany(int(desc.NumTensors), perTensor)
	if err != nil {
		return nil, err
	}
	id := atomic.AddInt64(&r.nextID, 1)
	c := newCache(id, desc, addrs, false /*registered*/, false /*remoteAccessible: pool-owned caches are never remote-accessible by default*/)
	if err := r.bindBlocksKey(c, blocksKey); err != nil {
		pool.Free(addrs, perTensor)
		return nil, err
	}
	if err := r.bindKeys(c, keys); err != nil {
		pool.Free(addrs, perTensor)
		return nil, err
	}
	r.insert(c)
	return c, nil
}

// RegisterCache adopts externally-owned memory (spec §4.3 register_cache).
// remoteAccessible == nil selects the spec default: true when
// placement==Device and no link has ever been established, else false.
func (r *Registry) RegisterCache(desc *CacheDesc, addrs []uintptr, keys []CacheKey, remoteAccessible *bool) (*Cache, error) {
	const op = "Registry.RegisterCache"
	if uint32(len(addrs)) != desc.NumTensors {
		return nil, status.New(status.ParamInvalid, op, "got %d addrs, want num_tensors=%d", len(addrs), desc.NumTensors)
	}
	for i, a := range addrs {
		if a == 0 {
			return nil, status.New(status.ParamInvalid, op, "tensor_addrs[%d] is nil", i)
		}
	}
	linked := r.anyLinkEstablished()
	resolved := desc.Placement == Device && !linked
	if remoteAccessible != nil {
		resolved = *remoteAccessible
	}
	if resolved && linked {
		return nil, status.New(status.FeatureNotEnabled, op, "cannot register a remote-accessible cache after a link is established")
	}
	id := atomic.AddInt64(&r.nextID, 1)
	c := newCache(id, desc, append([]uintptr(nil), addrs...), true, resolved)
	if err := r.bindKeys(c, keys); err != nil {
		return nil, err
	}
	r.insert(c)
	return c, nil
}

func (r *Registry) remove(id int64) {
	sh := r.idShardFor(id)
	sh.mu.Lock()
	delete(sh.caches, id)
	sh.mu.Unlock()
	r.forget(id)
}

// DeallocateCache invalidates the handle immediately; physical release to
// the pool is deferred until no outstanding CacheKey still references it.
func (r *Registry) DeallocateCache(id int64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	reclaimNow := c.invalidate()
	if !reclaimNow {
		// Stays in the id map (invalid) so releaseRef can free it once the
		// last outstanding CacheKey is released.
		r.forget(id)
		return nil
	}
	r.remove(id)
	if !c.IsRegistered {
		pool := r.poolFor(c.Desc.Placement)
		if size, szErr := c.Desc.Size(); szErr == nil && pool != nil {
			pool.Free(c.TensorAddrs, size)
		}
	}
	return nil
}

// UnregisterCache releases an externally-registered cache; fails while any
// peer link is still using it (spec §4.3).
func (r *Registry) UnregisterCache(id int64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	if c.linksActive() {
		return status.New(status.Failed, "Registry.UnregisterCache", "cache_id %d is still referenced by an active link", id)
	}
	c.invalidate()
	r.remove(id)
	return nil
}

// RemoveCacheKey drops a key's reference. A key that was never bound, or
// was already consumed by a prior pull, is a documented no-op (spec §9
// open question resolved this way: silent success, never an error).
func (r *Registry) RemoveCacheKey(key CacheKey) error {
	sh := r.keyShardFor(key)
	sh.mu.Lock()
	id, ok := sh.byID[key]
	if ok {
		delete(sh.byID, key)
	}
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	r.releaseRef(id)
	return nil
}

// ConsumeKey is called by the transfer engine when a successful pull
// consumes a CacheKey (spec §3: "removed by remove_cache_key or consumed
// by a successful pull").
func (r *Registry) ConsumeKey(key CacheKey) { _ = r.RemoveCacheKey(key) }

func (r *Registry) releaseRef(id int64) {
	sh := r.idShardFor(id)
	sh.mu.Lock()
	c, ok := sh.caches[id]
	sh.mu.Unlock()
	if !ok {
		return
	}
	if !c.releaseKeyRef() {
		return
	}
	r.remove(id)
	if !c.IsRegistered {
		pool := r.poolFor(c.Desc.Placement)
		if size, err := c.Desc.Size(); err == nil && pool != nil {
			pool.Free(c.TensorAddrs, size)
		}
	}
}

// RemapRegisteredMemory rebinds previously-registered device addresses
// after a fault (spec §4.3); serialized against every in-flight transfer
// via RemapMu.
func (r *Registry) RemapRegisteredMemory(infos []MemInfo) error {
	const op = "Registry.RemapRegisteredMemory"
	for _, mi := range infos {
		if err := mi.validate(); err != nil {
			return status.Wrap(status.ParamInvalid, op, err)
		}
	}
	r.RemapMu.Lock()
	defer r.RemapMu.Unlock()
	// Addresses are opaque handles to this package; remap is a structural
	// no-op here since the engine does not itself own device memory
	// layout (tensor-framework glue is out of scope per spec §1). The
	// validation and serialization above are the contract this op owns.
	return nil
}

// InvalidateAll immediately invalidates every cache handle still tracked by
// this registry and returns their memory to the owning pool, regardless of
// outstanding key or link references. It is called once by the owning
// engine's Finalize, which has already torn down every peer link, so no
// further key consumption or link-gated access can race it.
func (r *Registry) InvalidateAll() {
	for i := range r.ids {
		sh := &r.ids[i]
		sh.mu.Lock()
		caches := make([]*Cache, 0, len(sh.caches))
		for _, c := range sh.caches {
			caches = append(caches, c)
		}
		sh.caches = make(map[int64]*Cache)
		sh.mu.Unlock()

		for _, c := range caches {
			c.invalidate()
			r.forget(c.ID)
			if c.IsRegistered {
				continue
			}
			pool := r.poolFor(c.Desc.Placement)
			if size, err := c.Desc.Size(); err == nil && pool != nil {
				pool.Free(c.TensorAddrs, size)
			}
		}
	}
	for i := range r.keys {
		sh := &r.keys[i]
		sh.mu.Lock()
		sh.byID = make(map[CacheKey]int64)
		sh.mu.Unlock()
	}
	for i := range r.blocksKeys {
		sh := &r.blocksKeys[i]
		sh.mu.Lock()
		sh.byID = make(map[BlocksCacheKey]int64)
		sh.mu.Unlock()
	}
}

// NoteLinkRegistered/NoteLinkClosed let the cluster package track how many
// active links currently reference a remote-accessible cache, gating
// UnregisterCache per spec §4.3.
func (r *Registry) NoteLinkRegistered(id int64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.addLinkRef()
	return nil
}

func (r *Registry) NoteLinkClosed(id int64) {
	sh := r.idShardFor(id)
	sh.mu.Lock()
	c, ok := sh.caches[id]
	sh.mu.Unlock()
	if ok {
		c.releaseLinkRef()
	}
}
