// Package xact implements the Transfer Engine (spec §4.6): synchronous
// pull/push/copy/swap and the asynchronous layer-pipelined transfer, built
// the way the teacher's xact/xs package structures a transfer xaction
// (factory-free here, since this engine has exactly one kind per op, but
// keeping the same "resolve, validate, move bytes, report status" shape
// as XactTCB.copyObject/_recv).
package xact

import (
	"context"
	"time"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/cluster"
	"github.com/kvfabric/datadist/cmn/debug"
	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
	"github.com/kvfabric/datadist/transport"
)

// DefaultTensorNumPerLayer is the K/V default (spec §4.6).
const DefaultTensorNumPerLayer = 2

// PeerResolver resolves a remote addressing token (CacheKey,
// CacheKeyByIdAndIndex, BlocksCacheKey) to the tensor addresses and sizing
// a peer has published. Rank-table/topology discovery and the actual
// control-plane exchange that populates this view are out of scope (spec
// §1); production wiring backs this with whatever discovery protocol the
// deployment uses, and tests back it directly with a peer engine's
// registry via a local loopback view.
type PeerResolver interface {
	ResolveKey(clusterID uint64, key cache.CacheKey) (addrs []uintptr, perTensorSize int64, numTensors uint32, isBlocks bool, err error)
	ResolveByIndex(ref cache.CacheKeyByIdAndIndex) (addrs []uintptr, perTensorSize int64, numTensors uint32, err error)
	ResolveBlocksKey(clusterID uint64, key cache.BlocksCacheKey) (addrs []uintptr, perTensorSize int64, numTensors uint32, err error)
	ConsumeKey(clusterID uint64, key cache.CacheKey)
}

// Engine executes transfers for one local node against its own cache
// registry, its peer link manager, the RDMA transport, and a PeerResolver
// for remote addressing.
type Engine struct {
	Registry *cache.Registry
	Links    *cluster.Manager
	RDMA     transport.RDMA
	Peer     PeerResolver

	TensorNumPerLayer int
	SyncKVTimeout     time.Duration

	// EnableRemoteCacheAccessible gates push_cache/push_blocks per spec §4.6.
	EnableRemoteCacheAccessible bool
}

func (e *Engine) tensorNumPerLayer() int {
	if e.TensorNumPerLayer > 0 {
		return e.TensorNumPerLayer
	}
	return DefaultTensorNumPerLayer
}

func (e *Engine) ctx() (context.Context, context.CancelFunc) {
	if e.SyncKVTimeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), e.SyncKVTimeout)
}

// SourceRef addresses a pull/push source or push destination, exactly one
// field populated.
type SourceRef struct {
	Key       *cache.CacheKey
	ByIndex   *cache.CacheKeyByIdAndIndex
	BlocksKey *cache.BlocksCacheKey
}

func (e *Engine) resolveSource(src SourceRef) (addrs []uintptr, perTensorSize int64, numTensors uint32, isBlocks bool, remoteCluster uint64, consume func(), err error) {
	const op = "Engine.resolveSource"
	switch {
	case src.Key != nil:
		addrs, perTensorSize, numTensors, isBlocks, err = e.Peer.ResolveKey(src.Key.ClusterID, *src.Key)
		if err != nil {
			return nil, 0, 0, false, 0, nil, err
		}
		k := *src.Key
		remoteCluster = src.Key.ClusterID
		consume = func() { e.Peer.ConsumeKey(remoteCluster, k) }
		return addrs, perTensorSize, numTensors, isBlocks, remoteCluster, consume, nil
	case src.ByIndex != nil:
		addrs, perTensorSize, numTensors, err = e.Peer.ResolveByIndex(*src.ByIndex)
		if err != nil {
			return nil, 0, 0, false, 0, nil, err
		}
		return addrs, perTensorSize, numTensors, false, src.ByIndex.ClusterID, func() {}, nil
	case src.BlocksKey != nil:
		addrs, perTensorSize, numTensors, err = e.Peer.ResolveBlocksKey(src.BlocksKey.ClusterID, *src.BlocksKey)
		if err != nil {
			return nil, 0, 0, false, 0, nil, err
		}
		return addrs, perTensorSize, numTensors, true, src.BlocksKey.ClusterID, func() {}, nil
	default:
		return nil, 0, 0, false, 0, nil, status.New(status.ParamInvalid, op, "source must reference a CacheKey, CacheKeyByIdAndIndex, or BlocksCacheKey")
	}
}

// PullCache implements pull_cache: whole-cache pull from a remote source
// into a local contiguous destination cache.
func (e *Engine) PullCache(src SourceRef, dst *cache.Cache, dstBatchIndex uint32, size int64) error {
	const op = "Engine.PullCache"
	nlog.Infof("%s: dst=%d batch=%d size=%d", op, dst.ID, dstBatchIndex, size)
	if err := dst.BatchIndexInRange(dstBatchIndex); err != nil {
		return err
	}
	addrs, perTensorSize, numTensors, isBlocks, remoteCluster, consume, err := e.resolveSource(src)
	if err != nil {
		nlog.Errorf("%s: %v", op, err)
		return err
	}
	if isBlocks {
		return status.New(status.ParamInvalid, op, "source is blocks-layout; use pull_blocks")
	}
	if numTensors != dst.Desc.NumTensors || len(addrs) != int(numTensors) {
		return status.New(status.ParamInvalid, op, "tensor count mismatch: src=%d dst=%d", numTensors, dst.Desc.NumTensors)
	}
	xferSize := size
	if xferSize == -1 {
		xferSize = perTensorSize
	} else if xferSize < 0 {
		return status.New(status.ParamInvalid, op, "size must be -1 or > 0, got %d", size)
	}

	ctx, cancel := e.ctx()
	defer cancel()
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for i, srcAddr := range addrs {
		if err := e.RDMA.Read(ctx, remoteCluster, srcAddr, dst.TensorAddrs[i], xferSize); err != nil {
			nlog.Errorf("%s: tensor %d: %v", op, i, err)
			return status.Wrap(status.SuspectRemoteError, op, err)
		}
	}
	consume()
	return nil
}

// PullBlocks implements pull_blocks: per-index block copies from a remote
// source into local destination blocks.
func (e *Engine) PullBlocks(src SourceRef, srcBlocks []uint32, dst *cache.Cache, dstBlocks []uint32, blockSize int64) error {
	const op = "Engine.PullBlocks"
	if len(dstBlocks) == 0 {
		return status.New(status.ParamInvalid, op, "dst_blocks must not be empty")
	}
	addrs, perTensorSize, _, isBlocks, remoteCluster, consume, err := e.resolveSource(src)
	if err != nil {
		return err
	}
	if isBlocks && len(srcBlocks) == 0 {
		return status.New(status.ParamInvalid, op, "source is a BlocksCacheKey but src_blocks is empty")
	}
	if !isBlocks {
		srcBlocks = nil // whole-cache source: dst_blocks addresses the destination only
	}
	if len(srcBlocks) > 0 && len(srcBlocks) != len(dstBlocks) {
		return status.New(status.ParamInvalid, op, "len(src_blocks)=%d != len(dst_blocks)=%d", len(srcBlocks), len(dstBlocks))
	}
	size := blockSize
	if size <= 0 {
		size = perTensorSize
	}
	ctx, cancel := e.ctx()
	defer cancel()
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for i, dstBlock := range dstBlocks {
		srcAddr := addrs[0]
		if len(srcBlocks) > 0 {
			srcAddr = addrs[srcBlocks[i]]
		}
		if int(dstBlock) >= len(dst.TensorAddrs) {
			return status.New(status.ParamInvalid, op, "dst_block %d out of range", dstBlock)
		}
		if err := e.RDMA.Read(ctx, remoteCluster, srcAddr, dst.TensorAddrs[dstBlock], size); err != nil {
			return status.Wrap(status.SuspectRemoteError, op, err)
		}
	}
	consume()
	return nil
}

// PushCache implements push_cache: writes every tensor of a local cache to a
// remote destination, one RDMA write per tensor, synchronously with no
// layer-sync callback -- a distinct, simpler path from the async
// pipeline, matching the original's CacheManager.push_cache loop.
func (e *Engine) PushCache(src *cache.Cache, dst SourceRef, dstBatchIndex uint32, size int64) error {
	const op = "Engine.PushCache"
	if !e.EnableRemoteCacheAccessible {
		return status.New(status.FeatureNotEnabled, op, "push requires enable_remote_cache_accessible")
	}
	addrs, perTensorSize, numTensors, isBlocks, remoteCluster, _, err := e.resolveSource(dst)
	if err != nil {
		return err
	}
	if isBlocks {
		return status.New(status.ParamInvalid, op, "destination is blocks-layout; use push_blocks")
	}
	if numTensors != src.Desc.NumTensors {
		return status.New(status.ParamInvalid, op, "tensor count mismatch: src=%d dst=%d", src.Desc.NumTensors, numTensors)
	}
	xferSize := size
	if xferSize == -1 {
		xferSize = perTensorSize
	} else if xferSize < 0 {
		return status.New(status.ParamInvalid, op, "size must be -1 or > 0, got %d", size)
	}
	ctx, cancel := e.ctx()
	defer cancel()
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for i := 0; i < int(numTensors); i++ {
		if err := e.RDMA.Write(ctx, remoteCluster, src.TensorAddrs[i], addrs[i], xferSize); err != nil {
			nlog.Errorf("%s: layer %d: %v", op, i/e.tensorNumPerLayer(), err)
			return status.Wrap(status.SuspectRemoteError, op, err)
		}
	}
	return nil
}

// PushBlocks mirrors PushCache for block-indexed destinations.
func (e *Engine) PushBlocks(src *cache.Cache, srcBlocks []uint32, dst SourceRef, dstBlocks []uint32, blockSize int64) error {
	const op = "Engine.PushBlocks"
	if !e.EnableRemoteCacheAccessible {
		return status.New(status.FeatureNotEnabled, op, "push requires enable_remote_cache_accessible")
	}
	if len(srcBlocks) != len(dstBlocks) {
		return status.New(status.ParamInvalid, op, "len(src_blocks) != len(dst_blocks)")
	}
	addrs, perTensorSize, _, _, remoteCluster, _, err := e.resolveSource(dst)
	if err != nil {
		return err
	}
	size := blockSize
	if size <= 0 {
		size = perTensorSize
	}
	ctx, cancel := e.ctx()
	defer cancel()
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for i, srcBlock := range srcBlocks {
		if int(srcBlock) >= len(src.TensorAddrs) || int(dstBlocks[i]) >= len(addrs) {
			return status.New(status.ParamInvalid, op, "block index out of range")
		}
		if err := e.RDMA.Write(ctx, remoteCluster, src.TensorAddrs[srcBlock], addrs[dstBlocks[i]], size); err != nil {
			return status.Wrap(status.SuspectRemoteError, op, err)
		}
	}
	return nil
}

// CopyCache implements copy_cache: a same-process copy between two local
// caches. Both caches' bytes are read through the one pool passed in, so
// both must have been allocated from it.
func (e *Engine) CopyCache(dst, src *cache.Cache, dstBatchIndex, srcBatchIndex uint32, offset, size int64, pool hostByteSource) error {
	const op = "Engine.CopyCache"
	if err := dst.BatchIndexInRange(dstBatchIndex); err != nil {
		return err
	}
	if err := src.BatchIndexInRange(srcBatchIndex); err != nil {
		return err
	}
	if src.Desc.IsBlocks {
		if srcBatchIndex != 0 {
			return status.New(status.ParamInvalid, op, "src_batch_index must be 0 when source is blocks-layout")
		}
	}
	xferSize := size
	perTensor, err := src.Desc.Size()
	if err != nil {
		return err
	}
	if xferSize == -1 {
		xferSize = perTensor - offset
	} else if xferSize <= 0 {
		return status.New(status.ParamInvalid, op, "size must be -1 or > 0, got %d", size)
	}
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for i := range src.TensorAddrs {
		srcBytes, err := pool.Bytes(src.TensorAddrs[i], perTensor)
		if err != nil {
			return err
		}
		dstBytes, err := pool.Bytes(dst.TensorAddrs[i], perTensor)
		if err != nil {
			return err
		}
		copy(dstBytes[offset:offset+xferSize], srcBytes[offset:offset+xferSize])
	}
	debug.Assert(len(src.TensorAddrs) == len(dst.TensorAddrs), "copy_cache requires matching tensor counts")
	return nil
}

// hostByteSource is the subset of *memsys.Pool CopyCache/CopyBlocks/
// SwapBlocks need; kept as an interface so tests can substitute a fake.
type hostByteSource interface {
	Bytes(addr uintptr, size int64) ([]byte, error)
}

// CopyBlocks implements copy_blocks: a fan-out block copy within one
// blocks-layout cache (src block -> one or more dst blocks).
func (e *Engine) CopyBlocks(c *cache.Cache, mapping map[uint32][]uint32, pool hostByteSource) error {
	const op = "Engine.CopyBlocks"
	perTensor, err := c.Desc.Size()
	if err != nil {
		return err
	}
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for srcBlock, dstBlocks := range mapping {
		if int(srcBlock) >= len(c.TensorAddrs) {
			return status.New(status.ParamInvalid, op, "src block %d out of range", srcBlock)
		}
		srcBytes, err := pool.Bytes(c.TensorAddrs[srcBlock], perTensor)
		if err != nil {
			return err
		}
		for _, dstBlock := range dstBlocks {
			if int(dstBlock) >= len(c.TensorAddrs) {
				return status.New(status.ParamInvalid, op, "dst block %d out of range", dstBlock)
			}
			dstBytes, err := pool.Bytes(c.TensorAddrs[dstBlock], perTensor)
			if err != nil {
				return err
			}
			copy(dstBytes, srcBytes)
		}
	}
	return nil
}

// SwapBlocks implements swap_blocks: directional Host<->Device exchange.
// src and dst must have equal per-block size; block indices are validated
// against each cache's extent.
func (e *Engine) SwapBlocks(dst, src *cache.Cache, mapping map[uint32]uint32, srcPool, dstPool hostByteSource) error {
	const op = "Engine.SwapBlocks"
	if src.Desc.Placement == dst.Desc.Placement {
		return status.New(status.ParamInvalid, op, "swap_blocks requires one Host and one Device cache")
	}
	srcSize, err := src.Desc.Size()
	if err != nil {
		return err
	}
	dstSize, err := dst.Desc.Size()
	if err != nil {
		return err
	}
	if srcSize != dstSize {
		return status.New(status.ParamInvalid, op, "src block size %d != dst block size %d", srcSize, dstSize)
	}
	e.Registry.RemapMu.RLock()
	defer e.Registry.RemapMu.RUnlock()
	for srcBlock, dstBlock := range mapping {
		if int(srcBlock) >= len(src.TensorAddrs) {
			return status.New(status.ParamInvalid, op, "src block %d out of range", srcBlock)
		}
		if int(dstBlock) >= len(dst.TensorAddrs) {
			return status.New(status.ParamInvalid, op, "dst block %d out of range", dstBlock)
		}
		srcBytes, err := srcPool.Bytes(src.TensorAddrs[srcBlock], srcSize)
		if err != nil {
			return err
		}
		dstBytes, err := dstPool.Bytes(dst.TensorAddrs[dstBlock], dstSize)
		if err != nil {
			return err
		}
		copy(dstBytes, srcBytes)
	}
	return nil
}
