package xact

import (
	"testing"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/memsys"
	"github.com/kvfabric/datadist/transport"
)

// registryResolver implements PeerResolver by forwarding directly to a
// peer's own cache.Registry, standing in for the out-of-scope control-plane
// discovery a real deployment would use (see PeerResolver's doc comment).
type registryResolver struct {
	reg *cache.Registry
}

func (r *registryResolver) ResolveKey(_ uint64, key cache.CacheKey) ([]uintptr, int64, uint32, bool, error) {
	c, err := r.reg.ResolveKey(key)
	if err != nil {
		return nil, 0, 0, false, err
	}
	size, err := c.Desc.Size()
	if err != nil {
		return nil, 0, 0, false, err
	}
	return c.TensorAddrs, size, c.Desc.NumTensors, c.IsBlocks, nil
}

func (r *registryResolver) ResolveByIndex(ref cache.CacheKeyByIdAndIndex) ([]uintptr, int64, uint32, error) {
	c, err := r.reg.Get(ref.CacheID)
	if err != nil {
		return nil, 0, 0, err
	}
	size, err := c.Desc.Size()
	if err != nil {
		return nil, 0, 0, err
	}
	return c.TensorAddrs, size, c.Desc.NumTensors, nil
}

func (r *registryResolver) ResolveBlocksKey(_ uint64, key cache.BlocksCacheKey) ([]uintptr, int64, uint32, error) {
	c, err := r.reg.ResolveBlocksKey(key)
	if err != nil {
		return nil, 0, 0, err
	}
	size, err := c.Desc.Size()
	if err != nil {
		return nil, 0, 0, err
	}
	return c.TensorAddrs, size, c.Desc.NumTensors, nil
}

func (r *registryResolver) ConsumeKey(_ uint64, key cache.CacheKey) { r.reg.ConsumeKey(key) }

func testDescHost(t *testing.T) *cache.CacheDesc {
	t.Helper()
	d, err := cache.NewCacheDesc(2, []int64{4}, cache.Int8, cache.Host, 0, -1, false)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	return d
}

func TestPullCacheMovesBytesFromRemote(t *testing.T) {
	lb := transport.NewLoopback()
	if err := lb.RegisterPeer(9); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}

	remoteReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	remoteDesc := testDescHost(t)
	key, err := cache.NewCacheKey(9, 1, 2, cache.InvalidID)
	if err != nil {
		t.Fatalf("NewCacheKey: %v", err)
	}
	remoteCache, err := remoteReg.AllocateCache(remoteDesc, []cache.CacheKey{key})
	if err != nil {
		t.Fatalf("AllocateCache (remote): %v", err)
	}
	for _, addr := range remoteCache.TensorAddrs {
		lb.Put(addr, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	}

	localReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	localDesc := testDescHost(t)
	localCache, err := localReg.AllocateCache(localDesc, nil)
	if err != nil {
		t.Fatalf("AllocateCache (local): %v", err)
	}

	e := &Engine{Registry: localReg, RDMA: lb, Peer: &registryResolver{reg: remoteReg}}
	if err := e.PullCache(SourceRef{Key: &key}, localCache, 0, -1); err != nil {
		t.Fatalf("PullCache: %v", err)
	}

	for _, addr := range localCache.TensorAddrs {
		got := lb.Peek(addr, 4)
		if got[0] != 0xAA || got[1] != 0xBB || got[2] != 0xCC || got[3] != 0xDD {
			t.Errorf("Peek(%#x) = %v, want AABBCCDD", addr, got)
		}
	}

	// A successful pull consumes the CacheKey (spec §3).
	if _, err := remoteReg.ResolveKey(key); err == nil {
		t.Error("CacheKey must be consumed after a successful pull_cache")
	}
}

func TestPullCacheRejectsBlocksSource(t *testing.T) {
	lb := transport.NewLoopback()
	_ = lb.RegisterPeer(9)

	remoteReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	blocksDesc := testDescHost(t)
	blocksKey := cache.BlocksCacheKey{ClusterID: 9, ModelID: 2}
	if _, err := remoteReg.AllocateBlocksCache(blocksDesc, &blocksKey); err != nil {
		t.Fatalf("AllocateBlocksCache: %v", err)
	}

	localReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	localCache, err := localReg.AllocateCache(testDescHost(t), nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}

	e := &Engine{Registry: localReg, RDMA: lb, Peer: &registryResolver{reg: remoteReg}}
	if err := e.PullCache(SourceRef{BlocksKey: &blocksKey}, localCache, 0, -1); err == nil {
		t.Fatal("pull_cache from a blocks-layout source must fail; use pull_blocks")
	}
}

func TestPushCacheRequiresRemoteCacheAccessible(t *testing.T) {
	lb := transport.NewLoopback()
	_ = lb.RegisterPeer(9)

	remoteReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	key, _ := cache.NewCacheKey(9, 1, 2, cache.InvalidID)
	if _, err := remoteReg.AllocateCache(testDescHost(t), []cache.CacheKey{key}); err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}
	localReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	localCache, err := localReg.AllocateCache(testDescHost(t), nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}

	e := &Engine{Registry: localReg, RDMA: lb, Peer: &registryResolver{reg: remoteReg}}
	if err := e.PushCache(localCache, SourceRef{Key: &key}, 0, -1); err == nil {
		t.Fatal("push_cache without enable_remote_cache_accessible must fail")
	}

	e.EnableRemoteCacheAccessible = true
	if err := e.PushCache(localCache, SourceRef{Key: &key}, 0, -1); err != nil {
		t.Fatalf("push_cache with the gate enabled should succeed: %v", err)
	}
}

func TestCopyCacheCopiesBytesBetweenHostCaches(t *testing.T) {
	pool := memsys.NewHostPool(1 << 16)
	reg := cache.NewRegistry(nil, pool)

	desc := testDescHost(t)
	dst, err := reg.AllocateCache(desc, nil)
	if err != nil {
		t.Fatalf("AllocateCache dst: %v", err)
	}
	src, err := reg.AllocateCache(desc, nil)
	if err != nil {
		t.Fatalf("AllocateCache src: %v", err)
	}

	srcBytes, err := pool.Bytes(src.TensorAddrs[0], 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	copy(srcBytes, []byte{1, 2, 3, 4})

	e := &Engine{Registry: reg}
	if err := e.CopyCache(dst, src, 0, 0, 0, -1, pool); err != nil {
		t.Fatalf("CopyCache: %v", err)
	}
	dstBytes, err := pool.Bytes(dst.TensorAddrs[0], 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if dstBytes[0] != 1 || dstBytes[1] != 2 || dstBytes[2] != 3 || dstBytes[3] != 4 {
		t.Errorf("dst bytes = %v, want [1 2 3 4]", dstBytes)
	}
}

func TestSwapBlocksRequiresDistinctPlacements(t *testing.T) {
	hostReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	hostDesc, err := cache.NewCacheDesc(1, []int64{4}, cache.Int8, cache.Host, 0, -1, true)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	a, err := hostReg.AllocateBlocksCache(hostDesc, &cache.BlocksCacheKey{ClusterID: 1, ModelID: 1})
	if err != nil {
		t.Fatalf("AllocateBlocksCache: %v", err)
	}
	b, err := hostReg.AllocateBlocksCache(hostDesc, &cache.BlocksCacheKey{ClusterID: 1, ModelID: 2})
	if err != nil {
		t.Fatalf("AllocateBlocksCache: %v", err)
	}

	e := &Engine{Registry: hostReg}
	pool := memsys.NewHostPool(1 << 16)
	if err := e.SwapBlocks(a, b, map[uint32]uint32{0: 0}, pool, pool); err == nil {
		t.Fatal("swap_blocks between two Host caches must fail: requires one Host and one Device")
	}
}

func TestSwapBlocksRoundTripHostDevice(t *testing.T) {
	hostPool := memsys.NewHostPool(1 << 16)
	devicePool := memsys.NewDevicePool(1 << 16)
	reg := cache.NewRegistry(devicePool, hostPool)

	hostDesc, err := cache.NewCacheDesc(1, []int64{4}, cache.Int8, cache.Host, 0, -1, true)
	if err != nil {
		t.Fatalf("NewCacheDesc host: %v", err)
	}
	deviceDesc, err := cache.NewCacheDesc(1, []int64{4}, cache.Int8, cache.Device, 0, -1, true)
	if err != nil {
		t.Fatalf("NewCacheDesc device: %v", err)
	}
	hostCache, err := reg.AllocateBlocksCache(hostDesc, &cache.BlocksCacheKey{ClusterID: 1, ModelID: 1})
	if err != nil {
		t.Fatalf("AllocateBlocksCache host: %v", err)
	}
	deviceCache, err := reg.AllocateBlocksCache(deviceDesc, &cache.BlocksCacheKey{ClusterID: 1, ModelID: 2})
	if err != nil {
		t.Fatalf("AllocateBlocksCache device: %v", err)
	}

	hostBytes, err := hostPool.Bytes(hostCache.TensorAddrs[0], 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	original := []byte{0x11, 0x22, 0x33, 0x44}
	copy(hostBytes, original)

	e := &Engine{Registry: reg}
	mapping := map[uint32]uint32{0: 0}
	if err := e.SwapBlocks(deviceCache, hostCache, mapping, hostPool, devicePool); err != nil {
		t.Fatalf("swap_blocks(H->D): %v", err)
	}
	if err := e.SwapBlocks(hostCache, deviceCache, mapping, devicePool, hostPool); err != nil {
		t.Fatalf("swap_blocks(D->H): %v", err)
	}

	roundTripped, err := hostPool.Bytes(hostCache.TensorAddrs[0], 4)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i, b := range original {
		if roundTripped[i] != b {
			t.Fatalf("round-tripped bytes = %v, want %v", roundTripped, original)
		}
	}
}

func TestTransferCacheAsyncSynchronizeSuccess(t *testing.T) {
	lb := transport.NewLoopback()
	_ = lb.RegisterPeer(9)

	srcReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	srcDesc, err := cache.NewCacheDesc(4, []int64{4}, cache.Int8, cache.Host, 0, -1, false)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	src, err := srcReg.AllocateCache(srcDesc, nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}

	dstAddrs := []uintptr{0x9001, 0x9002, 0x9003, 0x9004}
	e := &Engine{Registry: srcReg, RDMA: lb}
	dest := DestConfig{Addr: &cache.TransferConfig{
		DestClusterID: 9,
		DestAddrs:     dstAddrs,
		SrcLayerRange: cache.LayerRange{Start: 0, End: 2},
		DstLayerRange: cache.LayerRange{Start: 0, End: 2},
	}}

	task, err := e.TransferCacheAsync(src, alwaysReady{}, []DestConfig{dest})
	if err != nil {
		t.Fatalf("TransferCacheAsync: %v", err)
	}
	code := task.Synchronize(5000)
	if code.String() != "Success" {
		t.Fatalf("Synchronize() = %v, want Success", code)
	}
}

type alwaysReady struct{}

func (alwaysReady) SynchronizeLayer(int, int) bool { return true }

func TestTransferCacheAsyncRejectsNonMultipleTensorCount(t *testing.T) {
	srcReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	desc, err := cache.NewCacheDesc(3, []int64{4}, cache.Int8, cache.Host, 0, -1, false)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	src, err := srcReg.AllocateCache(desc, nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}
	e := &Engine{Registry: srcReg}
	if _, err := e.TransferCacheAsync(src, alwaysReady{}, nil); err == nil {
		t.Fatal("num_tensors not a multiple of tensor_num_per_layer must fail")
	}
}

func TestTransferCacheAsyncLayerSyncFailureMarksTimeout(t *testing.T) {
	lb := transport.NewLoopback()
	_ = lb.RegisterPeer(9)
	srcReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	desc, err := cache.NewCacheDesc(2, []int64{4}, cache.Int8, cache.Host, 0, -1, false)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	src, err := srcReg.AllocateCache(desc, nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}
	e := &Engine{Registry: srcReg, RDMA: lb}
	dest := DestConfig{Addr: &cache.TransferConfig{
		DestClusterID: 9,
		DestAddrs:     []uintptr{0x1, 0x2},
		SrcLayerRange: cache.LayerRange{Start: 0, End: 1},
		DstLayerRange: cache.LayerRange{Start: 0, End: 1},
	}}
	task, err := e.TransferCacheAsync(src, neverReady{}, []DestConfig{dest})
	if err != nil {
		t.Fatalf("TransferCacheAsync: %v", err)
	}
	results := task.GetResults(5000)
	if len(results) != 1 || results[0].String() != "Timeout" {
		t.Fatalf("GetResults = %v, want [Timeout]", results)
	}
}

type neverReady struct{}

func (neverReady) SynchronizeLayer(int, int) bool { return false }

func TestTransferCacheAsyncRequiresRemoteCacheAccessibleForKeyDest(t *testing.T) {
	srcReg := cache.NewRegistry(nil, memsys.NewHostPool(1<<16))
	desc, err := cache.NewCacheDesc(2, []int64{4}, cache.Int8, cache.Host, 0, -1, false)
	if err != nil {
		t.Fatalf("NewCacheDesc: %v", err)
	}
	src, err := srcReg.AllocateCache(desc, nil)
	if err != nil {
		t.Fatalf("AllocateCache: %v", err)
	}
	destKey, err := cache.NewCacheKey(9, 1, 2, cache.InvalidID)
	if err != nil {
		t.Fatalf("NewCacheKey: %v", err)
	}
	dest := DestConfig{Key: &cache.TransferWithCacheKeyConfig{
		DestKey:       destKey,
		SrcLayerRange: cache.LayerRange{Start: 0, End: 1},
		DstLayerRange: cache.LayerRange{Start: 0, End: 1},
	}}

	e := &Engine{Registry: srcReg, Peer: &registryResolver{reg: srcReg}}
	if _, err := e.TransferCacheAsync(src, alwaysReady{}, []DestConfig{dest}); err == nil {
		t.Fatal("transfer_cache_async with a key-based destination must require enable_remote_cache_accessible")
	}

	e.EnableRemoteCacheAccessible = true
	if _, err := e.TransferCacheAsync(src, alwaysReady{}, []DestConfig{dest}); err != nil {
		t.Fatalf("transfer_cache_async with the gate enabled should succeed: %v", err)
	}
}
