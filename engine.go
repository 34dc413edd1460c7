package datadist

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/cluster"
	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
	"github.com/kvfabric/datadist/memsys"
	"github.com/kvfabric/datadist/stats"
	"github.com/kvfabric/datadist/transport"
	"github.com/kvfabric/datadist/xact"
)

// processMu/liveEngine implement the one-shot-per-process singleton guard
// spec §4.7 describes ("initializing a second façade while a first is
// live fails with Failed"), replacing the original's module-level
// singleton with a single owned value guarded at construction time (spec
// §9 design note).
var (
	processMu  sync.Mutex
	liveEngine *Engine
)

// Engine is the public API façade: cache registry, link manager, transfer
// engine, and role/lifecycle state, all owned by one value per spec §9
// ("the public entry is a constructor, not a module-level initializer").
type Engine struct {
	mu sync.Mutex

	clusterID uint64
	opts      *Options
	rdma      transport.RDMA

	initialized bool
	finalized   bool
	role        Role

	registry *cache.Registry
	links    *cluster.Manager
	xe       *xact.Engine
	stats    *stats.Registry

	listener     *fasthttp.Server
	listenerAddr string
	listenerWG   sync.WaitGroup
}

// NewEngine allocates a façade value. It performs no process-wide
// side effects until Init is called, matching the construct-then-init
// two-phase shape the original surface exposes.
func NewEngine(clusterID uint64, role Role, opts *Options, rdma transport.RDMA) *Engine {
	return &Engine{clusterID: clusterID, role: role, opts: opts, rdma: rdma}
}

// Init is one-shot per process (spec §4.7): a second call on the same
// Engine is a no-op returning nil; calling Init on a different Engine
// while another is still live (not yet Finalized) fails with Failed.
func (e *Engine) Init() error {
	const op = "Engine.Init"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	processMu.Lock()
	if liveEngine != nil && liveEngine != e {
		processMu.Unlock()
		return status.New(status.Failed, op, "another engine is already live in this process")
	}
	liveEngine = e
	processMu.Unlock()

	var devicePool, hostPool *memsys.Pool
	if e.opts.DevicePoolCfg != nil {
		devicePool = memsys.NewDevicePool(e.opts.DevicePoolCfg.MemorySize)
	}
	if e.opts.HostPoolCfg != nil {
		hostPool = memsys.NewHostPool(e.opts.HostPoolCfg.MemorySize)
	}
	e.registry = cache.NewRegistry(devicePool, hostPool)
	e.links = cluster.NewManager(e.clusterID, e.registry, e.rdma)
	e.xe = &xact.Engine{
		Registry:                    e.registry,
		Links:                       e.links,
		RDMA:                        e.rdma,
		EnableRemoteCacheAccessible: e.opts.EnableRemoteCacheAccessible,
	}
	if e.opts.SyncKVTimeoutMs > 0 {
		e.xe.SyncKVTimeout = time.Duration(e.opts.SyncKVTimeoutMs) * time.Millisecond
	}
	e.stats = stats.NewRegistry(prometheus.NewRegistry())

	if e.role == Prompt && e.opts.ListenIPInfo != nil {
		if err := e.openListenerLocked(); err != nil {
			return err
		}
	}

	e.initialized = true
	nlog.Infof("%s: cluster=%d role=%s", op, e.clusterID, e.role)
	return nil
}

// Finalize tears down links, releases pools, and invalidates every cache
// handle. Idempotent: calling it twice both return nil (spec §8).
func (e *Engine) Finalize() error {
	const op = "Engine.Finalize"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	if e.initialized {
		e.closeListenerLocked()
		e.links.CloseAll()
		e.registry.InvalidateAll()
		e.stats.Unregister()
	}
	e.finalized = true
	e.initialized = false

	processMu.Lock()
	if liveEngine == e {
		liveEngine = nil
	}
	processMu.Unlock()

	nlog.Infof("%s: cluster=%d", op, e.clusterID)
	return nil
}

// Role reports the current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Registry, Links, Xact, and Stats expose the owned components to callers
// that need to drive allocate/register/link/transfer operations directly;
// the façade itself only enforces mode gates and lifecycle ordering.
func (e *Engine) Registry() *cache.Registry { return e.registry }
func (e *Engine) Links() *cluster.Manager   { return e.links }
func (e *Engine) Xact() *xact.Engine        { return e.xe }
func (e *Engine) Stats() *stats.Registry    { return e.stats }

// RequireCacheManager enforces the most common mode gate (spec §4.8):
// most cache ops require enable_cache_manager.
func (e *Engine) RequireCacheManager(op string) error {
	if !e.opts.EnableCacheManager {
		return status.New(status.FeatureNotEnabled, op, "enable_cache_manager is not set")
	}
	return nil
}

// RequireRemoteCacheAccessible enforces the push/async-key-based gate.
func (e *Engine) RequireRemoteCacheAccessible(op string) error {
	if !e.opts.EnableRemoteCacheAccessible {
		return status.New(status.FeatureNotEnabled, op, "enable_remote_cache_accessible is not set")
	}
	return nil
}

// RequireSwapPool enforces "swap_blocks requires at least one pool".
func (e *Engine) RequireSwapPool(op string) error {
	if e.opts.DevicePoolCfg == nil && e.opts.HostPoolCfg == nil {
		return status.New(status.FeatureNotEnabled, op, "swap_blocks requires at least one configured memory pool")
	}
	return nil
}
