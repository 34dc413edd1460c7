// Package stats wires the engine's ambient observability: counters and
// gauges exported via github.com/prometheus/client_golang, matching the
// teacher's use of prometheus for target-side metrics. Metrics are not a
// cache-policy concern (spec §1 Non-goals exclude policy, not visibility).
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this engine exports; construct one per
// engine instance and register it with whatever prometheus.Registerer the
// embedding process uses.
type Registry struct {
	LinksEstablished prometheus.Counter
	LinksFailed      prometheus.Counter
	LinksActive      prometheus.Gauge

	BytesPulled prometheus.Counter
	BytesPushed prometheus.Counter

	CacheTasksActive   prometheus.Gauge
	CacheTasksFailed   prometheus.Counter
	CacheTasksSucceeded prometheus.Counter

	CachesAllocated prometheus.Gauge
	PoolBytesUsed   *prometheus.GaugeVec // labeled by placement

	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

// NewRegistry constructs every metric under the "kvfabric_datadist"
// namespace and registers them all with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	const ns = "kvfabric_datadist"
	r := &Registry{
		LinksEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "links", Name: "established_total",
			Help: "Peer links that reached the Ready state.",
		}),
		LinksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "links", Name: "failed_total",
			Help: "Peer links that transitioned to Failed.",
		}),
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "links", Name: "active",
			Help: "Peer links currently in the Ready state.",
		}),
		BytesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transfer", Name: "bytes_pulled_total",
			Help: "Bytes moved by pull_cache/pull_blocks.",
		}),
		BytesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transfer", Name: "bytes_pushed_total",
			Help: "Bytes moved by push_cache/push_blocks.",
		}),
		CacheTasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "async", Name: "tasks_active",
			Help: "transfer_cache_async tasks with at least one pending destination.",
		}),
		CacheTasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "async", Name: "tasks_failed_total",
			Help: "transfer_cache_async tasks with at least one non-success destination.",
		}),
		CacheTasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "async", Name: "tasks_succeeded_total",
			Help: "transfer_cache_async tasks where every destination succeeded.",
		}),
		CachesAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "registry", Name: "caches_allocated",
			Help: "Cache entities currently live in the registry.",
		}),
		PoolBytesUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "memsys", Name: "pool_bytes_used",
			Help: "Bytes currently allocated from a memory pool, labeled by placement.",
		}, []string{"placement"}),
	}
	r.reg = reg
	r.collectors = []prometheus.Collector{
		r.LinksEstablished, r.LinksFailed, r.LinksActive,
		r.BytesPulled, r.BytesPushed,
		r.CacheTasksActive, r.CacheTasksFailed, r.CacheTasksSucceeded,
		r.CachesAllocated, r.PoolBytesUsed,
	}
	reg.MustRegister(r.collectors...)
	return r
}

// Unregister removes every metric this Registry registered, so a second
// engine instance in the same process (after Finalize) can register fresh
// collectors under the same names without MustRegister panicking.
func (r *Registry) Unregister() {
	for _, c := range r.collectors {
		r.reg.Unregister(c)
	}
}
