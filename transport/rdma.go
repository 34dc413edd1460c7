// Package transport defines the RDMA-class interconnect as an external
// collaborator (spec §1): the accelerator driver and physical transport
// are out of scope, so this package exposes only the narrow interface the
// Transfer Engine needs, plus a minimal in-process loopback implementation
// used solely by tests.
package transport

import "context"

// RDMA is the primitive that moves bytes between registered memory
// regions on two linked clusters. Production wiring plugs in a real
// accelerator-driver-backed implementation; this module never assumes one.
type RDMA interface {
	// Connect establishes the explicit-endpoint transport to a remote
	// cluster (spec §4.5 link_clusters).
	Connect(remoteClusterID uint64, localEndpoint, remoteEndpoint string) error
	// RegisterPeer/UnregisterPeer establish or tear down the rank-table
	// mode's memory-registration handshake with a remote cluster.
	RegisterPeer(remoteClusterID uint64) error
	UnregisterPeer(remoteClusterID uint64) error

	// Read performs a remote-read (pull): size bytes starting at srcAddr
	// on remoteClusterID are copied into dstAddr, a local address.
	Read(ctx context.Context, remoteClusterID uint64, srcAddr uintptr, dstAddr uintptr, size int64) error
	// Write performs a remote-write (push): size bytes starting at
	// srcAddr, a local address, are copied to dstAddr on remoteClusterID.
	Write(ctx context.Context, remoteClusterID uint64, srcAddr uintptr, dstAddr uintptr, size int64) error

	// Close releases any resources the implementation holds for an
	// unlinked peer.
	Close(remoteClusterID uint64) error
}
