// Package cluster implements the Peer Link Manager (spec §4.5): the two
// linking modes (comm-name/rank-table and explicit endpoint), the link
// state machine, and the registration of remote-accessible caches with
// newly linked peers.
package cluster

import (
	"github.com/kvfabric/datadist/cmn/status"
)

// State is a PeerLink's position in its lifecycle.
type State int

const (
	Pending State = iota
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return "Closed"
	}
}

// Endpoint is one side of an explicit-endpoint link.
type Endpoint struct {
	IP   uint32
	Port uint16
}

// PeerLink is one established (or establishing) link to a remote cluster.
// Exactly one of CommID (rank-table mode) or LocalEndpoints/RemoteEndpoints
// (explicit mode) is populated, mirroring spec §3's PeerLink entity.
type PeerLink struct {
	RemoteClusterID uint64
	CommID          string
	LocalEndpoints  []Endpoint
	RemoteEndpoints []Endpoint

	state State
}

func (l *PeerLink) State() State { return l.state }

func (l *PeerLink) checkReady(op string) error {
	if l.state != Ready {
		return status.New(status.NotYetLink, op, "link to cluster %d is %s, not Ready", l.RemoteClusterID, l.state)
	}
	return nil
}
