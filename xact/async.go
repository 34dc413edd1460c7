package xact

import (
	"context"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/cmn/atomic"
	"github.com/kvfabric/datadist/cmn/debug"
	"github.com/kvfabric/datadist/cmn/mono"
	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
)

// DestConfig is one transfer_cache_async destination: exactly one of Addr
// (address-based, TransferConfig) or Key (key-based, TransferWithCacheKeyConfig).
type DestConfig struct {
	Addr *cache.TransferConfig
	Key  *cache.TransferWithCacheKeyConfig
}

func (d DestConfig) srcLayerRange() cache.LayerRange {
	if d.Addr != nil {
		return d.Addr.SrcLayerRange
	}
	return d.Key.SrcLayerRange
}

func (d DestConfig) dstLayerRange() cache.LayerRange {
	if d.Addr != nil {
		return d.Addr.DstLayerRange
	}
	return d.Key.DstLayerRange
}

func (d DestConfig) remoteCluster() uint64 {
	if d.Addr != nil {
		return d.Addr.DestClusterID
	}
	return d.Key.DestKey.ClusterID
}

// destState tracks one destination's progress through the layer loop.
type destState struct {
	cfg      DestConfig
	addrs    []uintptr // resolved once, lazily for key-based configs
	done     bool
	code     status.Code
	excluded bool // failed once; no longer attempted on later layers
}

// CacheTask is the handle returned immediately by transfer_cache_async;
// its per-destination status map is updated by the background worker
// under mu, and Synchronize/GetResults wait on cond, mirroring the
// teacher's wg/refc pattern in XactTCB for cross-goroutine completion
// signaling.
type CacheTask struct {
	id string

	mu    sync.Mutex
	cond  *sync.Cond
	dests []destState
	live  atomic.Bool
	start int64
}

func newCacheTask(dests []DestConfig) *CacheTask {
	id, _ := shortid.Generate()
	t := &CacheTask{id: id, start: mono.NanoTime()}
	t.cond = sync.NewCond(&t.mu)
	t.live.Store(true)
	t.dests = make([]destState, len(dests))
	for i, d := range dests {
		t.dests[i] = destState{cfg: d, code: status.Success}
	}
	return t
}

func (t *CacheTask) ID() string { return t.id }

// firstNonSuccess returns the first destination's terminal code that is
// not Success, plus whether every destination has reached a terminal state.
func (t *CacheTask) firstNonSuccess() (status.Code, bool) {
	allDone := true
	first := status.Success
	for _, d := range t.dests {
		if !d.done {
			allDone = false
			continue
		}
		if d.code != status.Success && first == status.Success {
			first = d.code
		}
	}
	return first, allDone
}

// Synchronize waits for the task to reach a terminal state (every
// destination done) or for timeoutMs to elapse, returning the first
// non-success status or Success.
func (t *CacheTask) Synchronize(timeoutMs int) status.Code {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := int64(0)
	if timeoutMs > 0 {
		deadline = mono.NanoTime() + int64(timeoutMs)*int64(time.Millisecond)
	}
	for {
		if code, done := t.firstNonSuccess(); done {
			return code
		}
		if deadline != 0 && mono.Expired(deadline) {
			return status.Timeout
		}
		t.waitLocked(deadline)
	}
}

// GetResults waits like Synchronize but returns the full per-destination
// status vector; a destination still pending when the wait expires is
// reported as Timeout.
func (t *CacheTask) GetResults(timeoutMs int) []status.Code {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := int64(0)
	if timeoutMs > 0 {
		deadline = mono.NanoTime() + int64(timeoutMs)*int64(time.Millisecond)
	}
	for {
		allDone := true
		for _, d := range t.dests {
			if !d.done {
				allDone = false
				break
			}
		}
		if allDone || (deadline != 0 && mono.Expired(deadline)) {
			break
		}
		t.waitLocked(deadline)
	}
	out := make([]status.Code, len(t.dests))
	for i, d := range t.dests {
		if d.done {
			out[i] = d.code
		} else {
			out[i] = status.Timeout
		}
	}
	return out
}

// waitLocked blocks on t.cond, held by the caller, waking at deadline (0 ==
// no deadline) via a one-shot timer broadcast rather than a busy poll.
func (t *CacheTask) waitLocked(deadline int64) {
	if deadline == 0 {
		t.cond.Wait()
		return
	}
	remaining := time.Duration(deadline - mono.NanoTime())
	if remaining <= 0 {
		return
	}
	timer := time.AfterFunc(remaining, t.cond.Broadcast)
	defer timer.Stop()
	t.cond.Wait()
}

func (t *CacheTask) markDone(i int, code status.Code) {
	t.mu.Lock()
	t.dests[i].done = true
	t.dests[i].code = code
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *CacheTask) markExcluded(i int) {
	t.mu.Lock()
	t.dests[i].excluded = true
	t.mu.Unlock()
}

// TransferCacheAsync validates preconditions, spawns the background worker,
// and returns the CacheTask handle immediately (spec §4.6).
func (e *Engine) TransferCacheAsync(src *cache.Cache, layerSync cache.LayerSynchronizer, dests []DestConfig) (*CacheTask, error) {
	const op = "Engine.TransferCacheAsync"
	tensorNumPerLayer := e.tensorNumPerLayer()
	if int(src.Desc.NumTensors)%tensorNumPerLayer != 0 {
		return nil, status.New(status.ParamInvalid, op, "num_tensors=%d not a multiple of tensor_num_per_layer=%d", src.Desc.NumTensors, tensorNumPerLayer)
	}
	if src.Desc.IsBlocks {
		return nil, status.New(status.ParamInvalid, op, "transferring blocks->cache is unsupported")
	}
	numSourceLayers := int(src.Desc.NumTensors) / tensorNumPerLayer

	for i, d := range dests {
		srcRange := d.srcLayerRange()
		dstRange := d.dstLayerRange()
		if srcRange.Start < 0 || srcRange.End > numSourceLayers || srcRange.Start > srcRange.End {
			return nil, status.New(status.ParamInvalid, op, "dest %d: src_layer_range out of [0,%d)", i, numSourceLayers)
		}
		if dstRange.Len() != srcRange.Len() {
			return nil, status.New(status.ParamInvalid, op, "dest %d: len(dst_layer_range) != len(src_layer_range)", i)
		}
		if d.Addr != nil {
			want := srcRange.Len() * tensorNumPerLayer
			if len(d.Addr.DestAddrs) != want {
				return nil, status.New(status.ParamInvalid, op, "dest %d: len(dst_addrs)=%d, want %d", i, len(d.Addr.DestAddrs), want)
			}
		}
		if d.Key != nil && !e.EnableRemoteCacheAccessible {
			return nil, status.New(status.FeatureNotEnabled, op, "dest %d: key-based destinations require enable_remote_cache_accessible", i)
		}
	}

	task := newCacheTask(dests)
	go e.runAsyncWorker(task, src, layerSync, numSourceLayers, tensorNumPerLayer)
	return task, nil
}

func (e *Engine) runAsyncWorker(task *CacheTask, src *cache.Cache, layerSync cache.LayerSynchronizer, numSourceLayers, tensorNumPerLayer int) {
	defer task.live.Store(false)
	ctx, cancel := e.ctx()
	defer cancel()

	for layer := 0; layer < numSourceLayers; layer++ {
		active := e.activeDestinations(task, layer)
		if len(active) == 0 {
			continue
		}

		timeoutMs := int(e.SyncKVTimeout / time.Millisecond)
		if !layerSync.SynchronizeLayer(layer, timeoutMs) {
			task.mu.Lock()
			pending := make([]int, 0, len(task.dests))
			for i, d := range task.dests {
				if !d.done {
					pending = append(pending, i)
				}
			}
			task.mu.Unlock()
			nlog.Warnf("Engine.TransferCacheAsync: synchronize_layer(%d) failed, failing %d pending destinations", layer, len(pending))
			// §9 open question: the original records ParamInvalid here as a
			// placeholder. This rewrite surfaces Timeout instead, since a
			// failed layer-sync is definitionally a wait that did not
			// complete in time, not a parameter error.
			for _, i := range pending {
				task.markDone(i, status.Timeout)
			}
			return
		}

		for _, i := range active {
			e.transferOneLayer(ctx, task, i, src, layer, tensorNumPerLayer)
		}
	}
}

func (e *Engine) activeDestinations(task *CacheTask, layer int) []int {
	task.mu.Lock()
	defer task.mu.Unlock()
	active := make([]int, 0, len(task.dests))
	for i, d := range task.dests {
		if d.done || d.excluded {
			continue
		}
		r := d.cfg.srcLayerRange()
		if layer >= r.Start && layer < r.End {
			active = append(active, i)
		}
	}
	return active
}

func (e *Engine) transferOneLayer(ctx context.Context, task *CacheTask, destIdx int, src *cache.Cache, layer, tensorNumPerLayer int) {
	if err := ctx.Err(); err != nil {
		task.markExcluded(destIdx)
		task.markDone(destIdx, status.Timeout)
		return
	}

	task.mu.Lock()
	cfg := task.dests[destIdx].cfg
	task.mu.Unlock()

	srcRange := cfg.srcLayerRange()
	dstRange := cfg.dstLayerRange()
	dstLayer := dstRange.Start + (layer - srcRange.Start)
	remoteCluster := cfg.remoteCluster()

	addrs, err := e.resolveDestAddrs(&task.dests[destIdx])
	if err != nil {
		task.markExcluded(destIdx)
		task.markDone(destIdx, status.CodeOf(err))
		return
	}
	perTensorSize, err := src.Desc.Size()
	if err != nil {
		task.markExcluded(destIdx)
		task.markDone(destIdx, status.CodeOf(err))
		return
	}

	dstBase := (dstLayer - dstRange.Start) * tensorNumPerLayer
	e.Registry.RemapMu.RLock()
	err = func() error {
		for j := 0; j < tensorNumPerLayer; j++ {
			srcTensor := layer*tensorNumPerLayer + j
			dstTensor := dstBase + j
			if dstTensor >= len(addrs) {
				continue
			}
			if werr := e.RDMA.Write(ctx, remoteCluster, src.TensorAddrs[srcTensor], addrs[dstTensor], perTensorSize); werr != nil {
				return werr
			}
		}
		return nil
	}()
	e.Registry.RemapMu.RUnlock()

	if err != nil {
		task.markExcluded(destIdx)
		task.markDone(destIdx, status.SuspectRemoteError)
		return
	}

	if layer == srcRange.End-1 {
		task.markDone(destIdx, status.Success)
	}
}

// resolveDestAddrs resolves (once, memoized on destState) the destination
// tensor addresses for either config shape: address-based configs carry
// them directly; key-based configs require a peer resolve.
func (e *Engine) resolveDestAddrs(d *destState) ([]uintptr, error) {
	if d.addrs != nil {
		return d.addrs, nil
	}
	if d.cfg.Addr != nil {
		d.addrs = d.cfg.Addr.DestAddrs
		return d.addrs, nil
	}
	debug.Assert(d.cfg.Key != nil, "DestConfig must carry Addr or Key")
	addrs, _, _, _, err := e.Peer.ResolveKey(d.cfg.Key.DestKey.ClusterID, d.cfg.Key.DestKey)
	if err != nil {
		return nil, err
	}
	d.addrs = addrs
	return addrs, nil
}
