// Package datadist is the public API façade (spec §4.7, §4.8): engine
// construction, role/lifecycle control, and the mode-gated entry points
// that order calls into cache, cluster, and xact. Mirrors the teacher's
// "one owned value, not a module singleton" constructor style (spec §9
// design note: "Global mutable state ... becomes a single owned engine
// value plus a scoped logger passed by reference").
package datadist

import (
	"os"
	"strconv"

	"github.com/kvfabric/datadist/cmn/cos"
	"github.com/kvfabric/datadist/cmn/status"
)

// MemPoolCfg is the decoded shape of the mem_pool_cfg / host_mem_pool_cfg
// JSON blobs (spec §6).
type MemPoolCfg struct {
	MemorySize int64 `json:"memory_size"`
}

// Options holds every recognized engine configuration key (spec §6),
// normalized: IPv4 strings and ip:port pairs are parsed, JSON blobs are
// decoded once at construction and never re-parsed downstream.
type Options struct {
	DeviceIDs []uint32

	ListenIPInfo *cos.IPPort // nil => server role not enabled

	LocalCommRes string // opaque; non-empty enables cache-manager + remote-accessible defaults

	EnableCacheManager          bool
	EnableRemoteCacheAccessible bool
	EnableSwitchRole            bool

	DevicePoolCfg *MemPoolCfg
	HostPoolCfg   *MemPoolCfg

	SyncKVTimeoutMs int32
	LinkTotalTimeMs uint32
	LinkRetryCount  int
	RDMATrafficClass uint32
	RDMAServiceLevel uint32
	MemUtilization   float64

	AutoUseUCMemory bool
}

// RawOptions is the duck-typed input shape callers build before Parse
// normalizes it: device_id may be a single value or a list, matching the
// original surface's permissive kwarg handling (spec §9 design note:
// "Dynamic duck-typed inputs ... become tagged variants").
type RawOptions struct {
	DeviceID                    []uint32
	ListenIPInfo                string
	LocalCommRes                string
	EnableCacheManager          bool
	EnableRemoteCacheAccessible bool
	EnableSwitchRole            bool
	MemPoolCfgJSON              string
	HostMemPoolCfgJSON          string
	SyncKVTimeoutMs             int32
	LinkTotalTimeMs             uint32
	LinkRetryCount              int
	RDMATrafficClass            uint32
	RDMAServiceLevel            uint32
	MemUtilization              float64
}

// ParseOptions validates and normalizes a RawOptions into Options.
func ParseOptions(raw RawOptions) (*Options, error) {
	const op = "ParseOptions"
	opts := &Options{
		DeviceIDs:                   raw.DeviceID,
		LocalCommRes:                raw.LocalCommRes,
		EnableCacheManager:          raw.EnableCacheManager,
		EnableRemoteCacheAccessible: raw.EnableRemoteCacheAccessible,
		EnableSwitchRole:            raw.EnableSwitchRole,
		SyncKVTimeoutMs:             raw.SyncKVTimeoutMs,
		LinkTotalTimeMs:             raw.LinkTotalTimeMs,
		LinkRetryCount:              raw.LinkRetryCount,
		RDMATrafficClass:            raw.RDMATrafficClass,
		RDMAServiceLevel:            raw.RDMAServiceLevel,
		MemUtilization:              raw.MemUtilization,
	}

	for _, id := range raw.DeviceID {
		if id > (1<<31 - 1) {
			return nil, status.New(status.ParamInvalid, op, "device_id %d exceeds INT32_MAX", id)
		}
	}

	if raw.ListenIPInfo != "" {
		ep, err := cos.ParseIPPort(raw.ListenIPInfo)
		if err != nil {
			return nil, status.Wrap(status.ParamInvalid, op, err)
		}
		opts.ListenIPInfo = &ep
	}

	if raw.LocalCommRes != "" {
		// Consumed opaquely per spec §6; only structural JSON validity is
		// checked, via cmn/cos's jsoniter wrapper.
		var probe map[string]any
		if err := cos.DecodeJSONBlob(op, raw.LocalCommRes, &probe); err != nil {
			return nil, err
		}
		opts.EnableCacheManager = true
		opts.EnableRemoteCacheAccessible = true
	}

	if raw.MemPoolCfgJSON != "" {
		var cfg MemPoolCfg
		if err := cos.DecodeJSONBlob(op, raw.MemPoolCfgJSON, &cfg); err != nil {
			return nil, err
		}
		opts.DevicePoolCfg = &cfg
	}
	if raw.HostMemPoolCfgJSON != "" {
		var cfg MemPoolCfg
		if err := cos.DecodeJSONBlob(op, raw.HostMemPoolCfgJSON, &cfg); err != nil {
			return nil, err
		}
		opts.HostPoolCfg = &cfg
	}

	if raw.SyncKVTimeoutMs < 0 {
		return nil, status.New(status.ParamInvalid, op, "sync_kv_timeout must be a positive int32")
	}
	if raw.LinkRetryCount != 0 && (raw.LinkRetryCount < 1 || raw.LinkRetryCount > 10) {
		return nil, status.New(status.ParamInvalid, op, "link_retry_count must be in [1,10]")
	}
	if raw.MemUtilization < 0 || raw.MemUtilization > 1 {
		return nil, status.New(status.ParamInvalid, op, "mem_utilization must be in [0,1]")
	}

	opts.AutoUseUCMemory = os.Getenv("AUTO_USE_UC_MEMORY") == "1"
	if v := os.Getenv("AUTO_USE_UC_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.AutoUseUCMemory = b
		}
	}

	return opts, nil
}
