package transport

import (
	"context"
	"sync"

	"github.com/kvfabric/datadist/cmn/status"
)

// Loopback is an in-process RDMA stand-in used only by tests: it treats
// every "remote" address as a key into its own byte arena rather than
// actually crossing a network, so test code can assert on transferred
// content without a real accelerator. It is never wired into the default
// engine construction path.
type Loopback struct {
	mu    sync.Mutex
	peers map[uint64]bool
	mem   map[uintptr][]byte
}

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[uint64]bool), mem: make(map[uintptr][]byte)}
}

// Put seeds the loopback's simulated remote memory at addr, letting tests
// set up source content without a real device allocator.
func (l *Loopback) Put(addr uintptr, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	l.mem[addr] = buf
}

// Peek returns a copy of the simulated content at addr, for assertions.
func (l *Loopback) Peek(addr uintptr, size int64) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := l.mem[addr]
	out := make([]byte, size)
	copy(out, buf)
	return out
}

func (l *Loopback) Connect(remoteClusterID uint64, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[remoteClusterID] = true
	return nil
}

func (l *Loopback) RegisterPeer(remoteClusterID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[remoteClusterID] = true
	return nil
}

func (l *Loopback) UnregisterPeer(remoteClusterID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, remoteClusterID)
	return nil
}

func (l *Loopback) Close(remoteClusterID uint64) error {
	return l.UnregisterPeer(remoteClusterID)
}

func (l *Loopback) ensurePeer(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.peers[id] {
		return status.New(status.SuspectRemoteError, "Loopback", "no connection to cluster %d", id)
	}
	return nil
}

func (l *Loopback) Read(ctx context.Context, remoteClusterID uint64, srcAddr, dstAddr uintptr, size int64) error {
	if err := l.ensurePeer(remoteClusterID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return status.Wrap(status.Timeout, "Loopback.Read", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.mem[srcAddr]
	dst := l.mem[dstAddr]
	if dst == nil {
		dst = make([]byte, size)
	}
	n := copy(dst, src[:min64(int64(len(src)), size)])
	for ; int64(n) < size; n++ {
		dst[n] = 0
	}
	l.mem[dstAddr] = dst
	return nil
}

func (l *Loopback) Write(ctx context.Context, remoteClusterID uint64, srcAddr, dstAddr uintptr, size int64) error {
	if err := l.ensurePeer(remoteClusterID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return status.Wrap(status.Timeout, "Loopback.Write", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.mem[srcAddr]
	dst := make([]byte, size)
	n := copy(dst, src[:min64(int64(len(src)), size)])
	_ = n
	l.mem[dstAddr] = dst
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
