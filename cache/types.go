// Package cache holds the identifier/descriptor types and the process-local
// registry that owns every Cache entity (spec §4.2 and §4.3): CacheDesc,
// the three cache-key shapes, MemInfo, the async transfer configs, and the
// Registry that issues cache_ids and tracks CacheKey -> cache_id
// bindings under a sharded lock.
package cache

import (
	"math"

	"github.com/OneOfOne/xxhash"

	"github.com/kvfabric/datadist/cmn/status"
)

// InvalidID is the sentinel UINT64_MAX a req_id/prefix_id/cluster_id takes
// when that field does not apply.
const InvalidID = ^uint64(0)

// DataType is the closed set of tensor element types this engine moves.
type DataType int

const (
	Float16 DataType = iota
	BFloat16
	Float32
	Int8
	Int32
	Int64
)

// Width returns the element width in bytes.
func (d DataType) Width() int64 {
	switch d {
	case Float16, BFloat16:
		return 2
	case Float32, Int32:
		return 4
	case Int8:
		return 1
	case Int64:
		return 8
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	case Float32:
		return "Float32"
	case Int8:
		return "Int8"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	default:
		return "UnknownDataType"
	}
}

// Placement is where a Cache's tensors physically live.
type Placement int

const (
	Host Placement = iota
	Device
)

func (p Placement) String() string {
	if p == Device {
		return "Device"
	}
	return "Host"
}

// CacheDesc describes the shape every tensor in a Cache shares. Its fields
// are not changed after NewCacheDesc validates it, except that
// Registry.AllocateBlocksCache sets IsBlocks on the desc it is given;
// Size() memoizes the computed
// per-tensor byte size the way the Python CacheDesc.size property caches
// its first computation behind a -1 sentinel.
type CacheDesc struct {
	NumTensors     uint32
	Shape          []int64
	Dtype          DataType
	Placement      Placement
	BatchDimIndex  int
	SeqLenDimIndex int
	IsBlocks       bool

	size int64 // -1 == not yet computed
}

// NewCacheDesc validates and constructs a CacheDesc per spec §4.2: shape
// dims fit signed 64-bit (checked by the int64 field type itself), at most
// one -1 appears outside the batch dim, num_tensors is nonzero, and
// seq_len_dim_index is -1 or a valid index.
func NewCacheDesc(numTensors uint32, shape []int64, dtype DataType, placement Placement, batchDimIndex, seqLenDimIndex int, isBlocks bool) (*CacheDesc, error) {
	const op = "NewCacheDesc"
	if numTensors == 0 {
		return nil, status.New(status.ParamInvalid, op, "num_tensors must be >= 1")
	}
	if len(shape) == 0 {
		return nil, status.New(status.ParamInvalid, op, "shape must be non-empty")
	}
	if batchDimIndex < 0 || batchDimIndex >= len(shape) {
		return nil, status.New(status.ParamInvalid, op, "batch_dim_index %d out of range", batchDimIndex)
	}
	if seqLenDimIndex != -1 && (seqLenDimIndex < 0 || seqLenDimIndex >= len(shape)) {
		return nil, status.New(status.ParamInvalid, op, "seq_len_dim_index %d must be -1 or a valid index", seqLenDimIndex)
	}
	dynDims := 0
	for i, dim := range shape {
		if dim == 0 {
			return nil, status.New(status.ParamInvalid, op, "shape dim %d is zero", i)
		}
		if dim < 0 {
			if dim != -1 {
				return nil, status.New(status.ParamInvalid, op, "shape dim %d is negative and not -1", i)
			}
			if i != batchDimIndex {
				dynDims++
			}
		}
	}
	if dynDims > 1 {
		return nil, status.New(status.ParamInvalid, op, "at most one dynamic (-1) dim is allowed outside the batch dim")
	}
	if dtype.Width() == 0 {
		return nil, status.New(status.ParamInvalid, op, "unknown dtype %v", dtype)
	}
	return &CacheDesc{
		NumTensors:     numTensors,
		Shape:          append([]int64(nil), shape...),
		Dtype:          dtype,
		Placement:      placement,
		BatchDimIndex:  batchDimIndex,
		SeqLenDimIndex: seqLenDimIndex,
		IsBlocks:       isBlocks,
		size:           -1,
	}, nil
}

// BatchSize returns the extent of the batch dimension.
func (d *CacheDesc) BatchSize() int64 { return d.Shape[d.BatchDimIndex] }

// Size returns the per-tensor byte size (product of shape dims * dtype
// width), memoizing the result. A shape with an unresolved dynamic dim
// cannot be sized and returns ParamInvalid.
func (d *CacheDesc) Size() (int64, error) {
	if d.size != -1 {
		return d.size, nil
	}
	var total int64 = 1
	for _, dim := range d.Shape {
		if dim < 0 {
			return 0, status.New(status.ParamInvalid, "CacheDesc.Size", "shape has an unresolved dynamic dim")
		}
		if total > math.MaxInt64/dim {
			return 0, status.New(status.ParamInvalid, "CacheDesc.Size", "shape size overflows int64")
		}
		total *= dim
	}
	w := d.Dtype.Width()
	if total > math.MaxInt64/w {
		return 0, status.New(status.ParamInvalid, "CacheDesc.Size", "shape size overflows int64")
	}
	total *= w
	d.size = total
	return total, nil
}

// CacheKey addresses a single cache by the tuple a remote peer or the
// local caller uses to request it. Exactly one of ReqID/PrefixID is valid
// (!= InvalidID); the other must equal InvalidID.
type CacheKey struct {
	ClusterID uint64
	ReqID     uint64
	ModelID   uint64
	PrefixID  uint64
}

// NewCacheKey validates the req_id XOR prefix_id invariant (spec §4.2).
func NewCacheKey(clusterID, reqID, modelID, prefixID uint64) (CacheKey, error) {
	reqValid := reqID != InvalidID
	prefixValid := prefixID != InvalidID
	if reqValid == prefixValid {
		return CacheKey{}, status.New(status.ParamInvalid, "NewCacheKey",
			"exactly one of req_id/prefix_id must be valid, got req_id=%d prefix_id=%d", reqID, prefixID)
	}
	return CacheKey{ClusterID: clusterID, ReqID: reqID, ModelID: modelID, PrefixID: prefixID}, nil
}

// hash returns a stable shard selector for this key, using xxhash the way
// the registry shards its CacheKey -> cache_id map across lock domains.
func (k CacheKey) hash() uint64 {
	h := xxhash.New64()
	var b [32]byte
	putU64(b[0:8], k.ClusterID)
	putU64(b[8:16], k.ReqID)
	putU64(b[16:24], k.ModelID)
	putU64(b[24:32], k.PrefixID)
	h.Write(b[:])
	return h.Sum64()
}

// CacheKeyByIdAndIndex addresses a cache directly by its issued cache_id
// plus a batch-dimension sub-index; an ephemeral addressing token, never
// stored by the registry.
type CacheKeyByIdAndIndex struct {
	ClusterID  uint64
	CacheID    int64
	BatchIndex uint32
}

// BlocksCacheKey identifies the single blocks-cache a peer publishes under
// a given model id.
type BlocksCacheKey struct {
	ClusterID uint64
	ModelID   uint64
}

func (k BlocksCacheKey) hash() uint64 {
	h := xxhash.New64()
	var b [16]byte
	putU64(b[0:8], k.ClusterID)
	putU64(b[8:16], k.ModelID)
	h.Write(b[:])
	return h.Sum64()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// MemType is the closed set of memory kinds MemInfo may describe.
type MemType int

const (
	MemDevice MemType = iota
)

// MemInfo describes a previously-registered device memory region being
// rebound after a fault (spec §4.3 remap_registered_memory).
type MemInfo struct {
	MemType MemType
	Addr    uintptr
	Size    int64
}

func (m MemInfo) validate() error {
	const op = "MemInfo"
	if m.MemType != MemDevice {
		return status.New(status.ParamInvalid, op, "mem_type must be Device for remap")
	}
	if m.Addr == 0 {
		return status.New(status.ParamInvalid, op, "addr must be nonzero")
	}
	if m.Size <= 0 {
		return status.New(status.ParamInvalid, op, "size must be > 0")
	}
	return nil
}

// LayerRange is a half-open [Start, End) range of layer indices.
type LayerRange struct {
	Start, End int
}

func (r LayerRange) Len() int { return r.End - r.Start }

// TransferConfig addresses an async-transfer destination by raw addresses
// on a remote cluster (spec §4.6 transfer_cache_async, address-based).
type TransferConfig struct {
	DestClusterID  uint64
	DestAddrs      []uintptr
	SrcLayerRange  LayerRange
	DstLayerRange  LayerRange
	SrcBatchIndex  uint32
}

// TransferWithCacheKeyConfig addresses an async-transfer destination by a
// CacheKey the remote peer will resolve on arrival (key-based variant).
type TransferWithCacheKeyConfig struct {
	DestKey       CacheKey
	SrcLayerRange LayerRange
	DstLayerRange LayerRange
	SrcBatchIndex uint32
}

// LayerSynchronizer lets the caller of transfer_cache_async gate each
// source layer's readiness before the engine reads it.
type LayerSynchronizer interface {
	SynchronizeLayer(layerIndex int, timeoutMs int) bool
}
