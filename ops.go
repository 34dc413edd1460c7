package datadist

import (
	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/cluster"
	"github.com/kvfabric/datadist/cmn/status"
	"github.com/kvfabric/datadist/xact"
)

// checkLive rejects every gated entry point once the engine has been
// finalized (spec §7: EngineFinalized is terminal) or before it has ever
// been initialized.
func (e *Engine) checkLive(op string) error {
	if e.finalized {
		return status.New(status.EngineFinalized, op, "engine has been finalized")
	}
	if !e.initialized {
		return status.New(status.Failed, op, "engine is not initialized")
	}
	return nil
}

// AllocateCache implements allocate_cache (spec §4.3), gated by
// enable_cache_manager (spec §4.8: "most cache ops require enable_cache_manager").
func (e *Engine) AllocateCache(desc *cache.CacheDesc, keys []cache.CacheKey) (*cache.Cache, error) {
	const op = "Engine.AllocateCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return nil, err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return nil, err
	}
	return e.registry.AllocateCache(desc, keys)
}

// AllocateBlocksCache implements allocate_cache for a blocks-layout cache.
func (e *Engine) AllocateBlocksCache(desc *cache.CacheDesc, blocksKey *cache.BlocksCacheKey) (*cache.Cache, error) {
	const op = "Engine.AllocateBlocksCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return nil, err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return nil, err
	}
	return e.registry.AllocateBlocksCache(desc, blocksKey)
}

// RegisterCache implements register_cache (spec §4.3).
func (e *Engine) RegisterCache(desc *cache.CacheDesc, addrs []uintptr, keys []cache.CacheKey, remoteAccessible *bool) (*cache.Cache, error) {
	const op = "Engine.RegisterCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return nil, err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return nil, err
	}
	return e.registry.RegisterCache(desc, addrs, keys, remoteAccessible)
}

// DeallocateCache implements deallocate_cache.
func (e *Engine) DeallocateCache(id int64) error {
	const op = "Engine.DeallocateCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.registry.DeallocateCache(id)
}

// UnregisterCache implements unregister_cache.
func (e *Engine) UnregisterCache(id int64) error {
	const op = "Engine.UnregisterCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.registry.UnregisterCache(id)
}

// RemoveCacheKey implements remove_cache_key.
func (e *Engine) RemoveCacheKey(key cache.CacheKey) error {
	const op = "Engine.RemoveCacheKey"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.registry.RemoveCacheKey(key)
}

// PullCache implements pull_cache, gated by enable_cache_manager.
func (e *Engine) PullCache(src xact.SourceRef, dst *cache.Cache, dstBatchIndex uint32, size int64) error {
	const op = "Engine.PullCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.PullCache(src, dst, dstBatchIndex, size)
}

// PullBlocks implements pull_blocks, gated by enable_cache_manager.
func (e *Engine) PullBlocks(src xact.SourceRef, srcBlocks []uint32, dst *cache.Cache, dstBlocks []uint32, blockSize int64) error {
	const op = "Engine.PullBlocks"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.PullBlocks(src, srcBlocks, dst, dstBlocks, blockSize)
}

// PushCache implements push_cache, gated by enable_cache_manager; the
// additional enable_remote_cache_accessible check is already enforced by
// xact.Engine itself via the flag set once at Init.
func (e *Engine) PushCache(src *cache.Cache, dst xact.SourceRef, dstBatchIndex uint32, size int64) error {
	const op = "Engine.PushCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.PushCache(src, dst, dstBatchIndex, size)
}

// PushBlocks implements push_blocks, gated by enable_cache_manager.
func (e *Engine) PushBlocks(src *cache.Cache, srcBlocks []uint32, dst xact.SourceRef, dstBlocks []uint32, blockSize int64) error {
	const op = "Engine.PushBlocks"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.PushBlocks(src, srcBlocks, dst, dstBlocks, blockSize)
}

// CopyCache implements copy_cache, gated by enable_cache_manager. The byte
// source is resolved from the destination's own placement pool.
func (e *Engine) CopyCache(dst, src *cache.Cache, dstBatchIndex, srcBatchIndex uint32, offset, size int64) error {
	const op = "Engine.CopyCache"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.CopyCache(dst, src, dstBatchIndex, srcBatchIndex, offset, size, e.registry.PoolFor(dst.Desc.Placement))
}

// CopyBlocks implements copy_blocks, gated by enable_cache_manager.
func (e *Engine) CopyBlocks(c *cache.Cache, mapping map[uint32][]uint32) error {
	const op = "Engine.CopyBlocks"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.xe.CopyBlocks(c, mapping, e.registry.PoolFor(c.Desc.Placement))
}

// SwapBlocks implements swap_blocks, gated by enable_cache_manager and by
// RequireSwapPool (spec §4.8: "swap_blocks requires at least one pool").
func (e *Engine) SwapBlocks(dst, src *cache.Cache, mapping map[uint32]uint32) error {
	const op = "Engine.SwapBlocks"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	if err := e.RequireSwapPool(op); err != nil {
		return err
	}
	srcPool := e.registry.PoolFor(src.Desc.Placement)
	dstPool := e.registry.PoolFor(dst.Desc.Placement)
	return e.xe.SwapBlocks(dst, src, mapping, srcPool, dstPool)
}

// TransferCacheAsync implements transfer_cache_async, gated by
// enable_cache_manager; the per-destination enable_remote_cache_accessible
// check for key-based configs is enforced inside xact.Engine itself.
func (e *Engine) TransferCacheAsync(src *cache.Cache, layerSync cache.LayerSynchronizer, dests []xact.DestConfig) (*xact.CacheTask, error) {
	const op = "Engine.TransferCacheAsync"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return nil, err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return nil, err
	}
	return e.xe.TransferCacheAsync(src, layerSync, dests)
}

// Link implements link (rank-table mode), gated by enable_cache_manager.
func (e *Engine) Link(commName string, entries []cluster.RankEntry, rankTableBlob string) (string, error) {
	const op = "Engine.Link"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return "", err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return "", err
	}
	return e.links.Link(commName, entries, rankTableBlob)
}

// Unlink implements unlink, gated by enable_cache_manager.
func (e *Engine) Unlink(commName string, force bool) error {
	const op = "Engine.Unlink"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(op); err != nil {
		return err
	}
	if err := e.RequireCacheManager(op); err != nil {
		return err
	}
	return e.links.Unlink(commName, force)
}
