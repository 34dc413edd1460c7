// Package memsys implements the two arena pools (device, host) the cache
// registry draws from on allocate_cache and returns to on deallocate_cache
// (spec §4.4). There is no eviction: pools are slab-like free lists sized
// by a fixed byte budget at construction, matching aistore's memsys slab
// allocator referenced (by interface shape only) from xact/xs/tcb.go.
package memsys

import (
	"sync"
	"unsafe"

	"github.com/valyala/bytebufferpool"

	"github.com/kvfabric/datadist/cmn/status"
)

// Pool is a fixed-budget arena for one placement. Both host and device
// pools are backed by real process memory (via bytebufferpool): swap_blocks
// moves bytes directly between a Host and a Device cache (spec §4.6), so a
// device address has to resolve to real storage the same way a host one
// does. The out-of-scope accelerator driver this stands in for would keep
// device memory off the host bus entirely; Bytes is still the seam a real
// driver-backed Pool would narrow to copy-engine calls instead.
type Pool struct {
	mu     sync.Mutex
	budget int64
	used   int64
	device bool

	free map[int64][]uintptr // size-class -> free addresses

	bb      bytebufferpool.Pool
	buffers map[uintptr]*bytebufferpool.ByteBuffer
}

// NewDevicePool constructs a device-placement pool with the given byte
// budget. A zero or negative budget leaves the pool with no capacity:
// AllocMany then fails every request with DeviceOutOfMemory. (The registry
// reports FeatureNotEnabled only when no pool exists for a placement.)
func NewDevicePool(budgetBytes int64) *Pool {
	return &Pool{budget: budgetBytes, device: true, free: make(map[int64][]uintptr), buffers: make(map[uintptr]*bytebufferpool.ByteBuffer)}
}

// NewHostPool constructs a host-placement pool with the given byte budget.
func NewHostPool(budgetBytes int64) *Pool {
	return &Pool{budget: budgetBytes, free: make(map[int64][]uintptr), buffers: make(map[uintptr]*bytebufferpool.ByteBuffer)}
}

// Device reports whether this is the device pool (vs. host).
func (p *Pool) Device() bool { return p.device }

func (p *Pool) oomCode() status.Code {
	if p.device {
		return status.DeviceOutOfMemory
	}
	return status.OutOfMemory
}

// AllocMany draws n addresses, each perSize bytes, from this pool's budget.
func (p *Pool) AllocMany(n int, perSize int64) ([]uintptr, error) {
	const op = "Pool.AllocMany"
	if n <= 0 || perSize <= 0 {
		return nil, status.New(status.ParamInvalid, op, "n and perSize must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	total := perSize * int64(n)
	if p.used+total > p.budget {
		return nil, status.New(p.oomCode(), op, "pool exhausted: used=%d requested=%d budget=%d", p.used, total, p.budget)
	}
	addrs := make([]uintptr, n)
	for i := range addrs {
		addrs[i] = p.allocOneLocked(perSize)
	}
	p.used += total
	return addrs, nil
}

func (p *Pool) allocOneLocked(size int64) uintptr {
	if free := p.free[size]; len(free) > 0 {
		addr := free[len(free)-1]
		p.free[size] = free[:len(free)-1]
		return addr
	}
	buf := p.bb.Get()
	buf.Set(make([]byte, size))
	addr := uintptr(unsafe.Pointer(&buf.B[0]))
	p.buffers[addr] = buf
	return addr
}

// Free returns addrs, each perSize bytes, to this pool's free list.
func (p *Pool) Free(addrs []uintptr, perSize int64) {
	if len(addrs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[perSize] = append(p.free[perSize], addrs...)
	p.used -= perSize * int64(len(addrs))
	if p.used < 0 {
		p.used = 0
	}
}

// Bytes exposes an address's backing storage for local copy/swap
// operations, host or device alike.
func (p *Pool) Bytes(addr uintptr, size int64) ([]byte, error) {
	p.mu.Lock()
	buf, ok := p.buffers[addr]
	p.mu.Unlock()
	if !ok {
		return nil, status.New(status.ParamInvalid, "Pool.Bytes", "address %#x is not owned by this pool", addr)
	}
	if int64(len(buf.B)) < size {
		return nil, status.New(status.ParamInvalid, "Pool.Bytes", "requested size %d exceeds slab size %d", size, len(buf.B))
	}
	return buf.B[:size], nil
}

// Used returns the currently allocated byte count; Budget returns the
// configured ceiling (0 means no capacity).
func (p *Pool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *Pool) Budget() int64 { return p.budget }
