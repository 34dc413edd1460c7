package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/seiflotfy/cuckoofilter"
	"github.com/teris-io/shortid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/cmn/nlog"
	"github.com/kvfabric/datadist/cmn/status"
	"github.com/kvfabric/datadist/transport"
)

// RankEntry is one {cluster_id, rank_id} pair of a rank-table link request,
// ordered ascending by RankID (spec §4.5).
type RankEntry struct {
	ClusterID uint64
	RankID    uint32
}

// MemStatus is the result of polling query_register_mem_status.
type MemStatus int

const (
	MemOK MemStatus = iota
	MemPreparing
	MemFailed
)

func (s MemStatus) String() string {
	switch s {
	case MemOK:
		return "OK"
	case MemPreparing:
		return "Preparing"
	default:
		return "Failed"
	}
}

// ClusterLinkSpec is one entry of an explicit-endpoint link_clusters batch.
type ClusterLinkSpec struct {
	RemoteClusterID uint64
	LocalEndpoints  []Endpoint
	RemoteEndpoints []Endpoint
}

type commGroup struct {
	fingerprint [64]byte
	remotes     []uint64
}

// Manager is the Peer Link Manager: it owns every PeerLink for one local
// cluster, in both the rank-table/comm-name mode and the explicit-endpoint
// mode, and fans remote-accessible cache registration out to new peers.
type Manager struct {
	mu             sync.Mutex
	localClusterID uint64
	registry       *cache.Registry
	rdma           transport.RDMA

	links      map[uint64]*PeerLink // remote_cluster_id -> link, across both modes
	commGroups map[string]*commGroup

	remoteAccessibleIDs map[uint64]*cuckoofilter.Filter // remote_cluster_id -> already-registered cache_ids
}

func NewManager(localClusterID uint64, registry *cache.Registry, rdma transport.RDMA) *Manager {
	return &Manager{
		localClusterID:      localClusterID,
		registry:            registry,
		rdma:                rdma,
		links:               make(map[uint64]*PeerLink),
		commGroups:          make(map[string]*commGroup),
		remoteAccessibleIDs: make(map[uint64]*cuckoofilter.Filter),
	}
}

func validateRankTable(commName string, entries []RankEntry) error {
	const op = "Manager.Link"
	if commName == "" {
		return status.New(status.ParamInvalid, op, "comm name is required")
	}
	if len(entries) < 2 || len(entries) > 4 {
		return status.New(status.ParamInvalid, op, "rank table must have 2-4 entries, got %d", len(entries))
	}
	seen := make(map[uint64]struct{}, len(entries))
	for i, e := range entries {
		if _, dup := seen[e.ClusterID]; dup {
			return status.New(status.ParamInvalid, op, "duplicate cluster_id %d in rank table", e.ClusterID)
		}
		seen[e.ClusterID] = struct{}{}
		if i > 0 && entries[i-1].RankID >= e.RankID {
			return status.New(status.ParamInvalid, op, "rank table must be ordered ascending by rank_id")
		}
	}
	return nil
}

// Link establishes (or recognizes) a rank-table-mode link group, returning
// a freshly generated comm_id. Per spec §9's open question, ExistLink and
// AlreadyLink are both preserved: an identical repeat of an already-linked
// comm_name (same rank table blob) returns ExistLink; any other conflicting
// attempt against a cluster pair that already has a live link returns
// AlreadyLink.
func (m *Manager) Link(commName string, entries []RankEntry, rankTableBlob string) (commID string, err error) {
	const op = "Manager.Link"
	if err := validateRankTable(commName, entries); err != nil {
		return "", err
	}
	fp := blake2b.Sum512([]byte(rankTableBlob))

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.commGroups[commName]; ok {
		if g.fingerprint == fp {
			return commName, status.New(status.ExistLink, op, "comm %q already linked with an identical rank table", commName)
		}
		return "", status.New(status.AlreadyLink, op, "comm %q already linked with a different rank table", commName)
	}

	remotes := make([]uint64, 0, len(entries)-1)
	for _, e := range entries {
		if e.ClusterID == m.localClusterID {
			continue
		}
		if l, ok := m.links[e.ClusterID]; ok && (l.state == Ready || l.state == Pending) {
			return "", status.New(status.AlreadyLink, op, "cluster %d is already linked", e.ClusterID)
		}
		remotes = append(remotes, e.ClusterID)
	}

	id, _ := shortid.Generate()
	commID = commName + "-" + id

	for _, remoteID := range remotes {
		link := &PeerLink{RemoteClusterID: remoteID, CommID: commID, state: Pending}
		m.links[remoteID] = link
		m.establishLocked(link)
	}
	m.commGroups[commName] = &commGroup{fingerprint: fp, remotes: remotes}
	return commID, nil
}

// establishLocked performs the (synchronous, in-process) memory
// registration handshake and advances the link's state machine. Called
// with m.mu held.
func (m *Manager) establishLocked(link *PeerLink) {
	if err := m.rdma.RegisterPeer(link.RemoteClusterID); err != nil {
		link.state = Failed
		nlog.Errorf("link to cluster %d failed: %v", link.RemoteClusterID, err)
		return
	}
	link.state = Ready
	m.registry.NoteLinkEstablished()
	m.fanOutRemoteAccessibleLocked(link.RemoteClusterID)
}

func (m *Manager) fanOutRemoteAccessibleLocked(remoteClusterID uint64) {
	filter := m.remoteAccessibleIDs[remoteClusterID]
	if filter == nil {
		filter = cuckoofilter.NewDefaultCuckooFilter()
		m.remoteAccessibleIDs[remoteClusterID] = filter
	}
	for _, id := range m.registry.RemoteAccessibleCacheIDs() {
		key := idKey(id)
		if filter.Lookup(key) {
			continue
		}
		if err := m.registry.NoteLinkRegistered(id); err != nil {
			continue
		}
		filter.InsertUnique(key)
	}
}

func idKey(id int64) []byte {
	h := xxhash.New64()
	b := [8]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24), byte(id >> 32), byte(id >> 40), byte(id >> 48), byte(id >> 56)}
	h.Write(b[:])
	sum := h.Sum64()
	return []byte{byte(sum), byte(sum >> 8), byte(sum >> 16), byte(sum >> 24), byte(sum >> 32), byte(sum >> 40), byte(sum >> 48), byte(sum >> 56)}
}

// QueryRegisterMemStatus never blocks: it reports the aggregate state of
// every link established under commID.
func (m *Manager) QueryRegisterMemStatus(commID string) (MemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var group *commGroup
	for _, g := range m.commGroups {
		for _, remoteID := range g.remotes {
			if l, ok := m.links[remoteID]; ok && l.CommID == commID {
				group = g
			}
		}
	}
	if group == nil {
		return MemFailed, status.New(status.NotYetLink, "Manager.QueryRegisterMemStatus", "unknown comm_id %q", commID)
	}
	agg := MemOK
	for _, remoteID := range group.remotes {
		l := m.links[remoteID]
		switch l.state {
		case Pending:
			if agg == MemOK {
				agg = MemPreparing
			}
		case Failed:
			agg = MemFailed
		}
	}
	return agg, nil
}

// Unlink tears down every link in the named comm group, looked up by the
// comm name given to Link (not the comm_id Link returns). Idempotent when
// force is true: unlinking an unknown or already-closed comm name succeeds.
func (m *Manager) Unlink(commName string, force bool) error {
	const op = "Manager.Unlink"
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.commGroups[commName]
	if !ok {
		if force {
			return nil
		}
		return status.New(status.UnlinkFailed, op, "unknown comm %q", commName)
	}
	var firstErr error
	for _, remoteID := range g.remotes {
		if err := m.closeLinkLocked(remoteID, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(m.commGroups, commName)
	if firstErr != nil && !force {
		return status.Wrap(status.UnlinkFailed, op, firstErr)
	}
	return nil
}

func (m *Manager) closeLinkLocked(remoteClusterID uint64, force bool) error {
	l, ok := m.links[remoteClusterID]
	if !ok {
		return nil
	}
	if l.state != Ready && !force {
		return status.New(status.UnlinkFailed, "Manager.closeLinkLocked", "link to cluster %d is %s, not Ready", remoteClusterID, l.state)
	}
	if err := m.rdma.UnregisterPeer(remoteClusterID); err != nil && !force {
		return status.Wrap(status.UnlinkFailed, "Manager.closeLinkLocked", err)
	}
	l.state = Closed
	delete(m.links, remoteClusterID)
	for _, id := range m.registry.RemoteAccessibleCacheIDs() {
		m.registry.NoteLinkClosed(id)
	}
	return nil
}

// LinkClusters is the explicit-endpoint mode: each cluster in the batch
// succeeds or fails independently (spec §4.5), run concurrently via
// errgroup and bounded by timeoutMs.
func (m *Manager) LinkClusters(specs []ClusterLinkSpec, timeoutMs int, force bool) (overall error, perCluster []error) {
	const op = "Manager.LinkClusters"
	perCluster = make([]error, len(specs))

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			err := m.linkOne(ctx, spec, force)
			perCluster[i] = err
			return nil // independent failures never abort the batch
		})
	}
	_ = g.Wait()

	for _, err := range perCluster {
		if err != nil {
			overall = status.New(status.Failed, op, "one or more clusters failed to link")
			break
		}
	}
	return overall, perCluster
}

func (m *Manager) linkOne(ctx context.Context, spec ClusterLinkSpec, force bool) error {
	const op = "Manager.linkOne"
	m.mu.Lock()
	if l, ok := m.links[spec.RemoteClusterID]; ok && (l.state == Ready || l.state == Pending) && !force {
		m.mu.Unlock()
		return status.New(status.AlreadyLink, op, "cluster %d is already linked", spec.RemoteClusterID)
	}
	link := &PeerLink{
		RemoteClusterID: spec.RemoteClusterID,
		LocalEndpoints:  spec.LocalEndpoints,
		RemoteEndpoints: spec.RemoteEndpoints,
		state:           Pending,
	}
	m.links[spec.RemoteClusterID] = link
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- m.rdma.Connect(spec.RemoteClusterID, spec.LocalEndpoints[0].String(), spec.RemoteEndpoints[0].String()) }()

	select {
	case err := <-errCh:
		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			link.state = Failed
			return status.Wrap(status.LinkFailed, op, err)
		}
		link.state = Ready
		m.registry.NoteLinkEstablished()
		m.fanOutRemoteAccessibleLocked(spec.RemoteClusterID)
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		link.state = Failed
		m.mu.Unlock()
		return status.New(status.Timeout, op, "link to cluster %d timed out", spec.RemoteClusterID)
	}
}

func (e Endpoint) String() string {
	b := [4]byte{byte(e.IP >> 24), byte(e.IP >> 16), byte(e.IP >> 8), byte(e.IP)}
	return sprintIP(b) + ":" + sprintPort(e.Port)
}

// UnlinkClusters tears down a batch of explicit-endpoint links
// independently; each succeeds or fails on its own.
func (m *Manager) UnlinkClusters(remoteClusterIDs []uint64, timeoutMs int, force bool) (overall error, perCluster []error) {
	const op = "Manager.UnlinkClusters"
	perCluster = make([]error, len(remoteClusterIDs))

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	g, _ := errgroup.WithContext(ctx)
	for i, id := range remoteClusterIDs {
		i, id := i, id
		g.Go(func() error {
			m.mu.Lock()
			err := m.closeLinkLocked(id, force)
			m.mu.Unlock()
			perCluster[i] = err
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range perCluster {
		if err != nil {
			overall = status.New(status.Failed, op, "one or more clusters failed to unlink")
			break
		}
	}
	return overall, perCluster
}

// CloseAll force-closes every link this manager owns, rank-table and
// explicit-endpoint alike, ignoring individual failures. It is called once
// by the owning engine's Finalize to release every peer registration
// before the process-wide singleton guard is released.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	remoteIDs := make([]uint64, 0, len(m.links))
	for id := range m.links {
		remoteIDs = append(remoteIDs, id)
	}
	m.mu.Unlock()

	for _, id := range remoteIDs {
		m.mu.Lock()
		_ = m.closeLinkLocked(id, true /*force*/)
		m.mu.Unlock()
	}

	m.mu.Lock()
	for name := range m.commGroups {
		delete(m.commGroups, name)
	}
	m.mu.Unlock()
}

// Resolve returns the Ready link for a remote cluster, failing NotYetLink
// if absent or not yet established.
func (m *Manager) Resolve(remoteClusterID uint64) (*PeerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteClusterID]
	if !ok {
		return nil, status.New(status.NotYetLink, "Manager.Resolve", "no link to cluster %d", remoteClusterID)
	}
	if err := l.checkReady("Manager.Resolve"); err != nil {
		return nil, err
	}
	return l, nil
}

func sprintIP(b [4]byte) string {
	return itoa(int(b[0])) + "." + itoa(int(b[1])) + "." + itoa(int(b[2])) + "." + itoa(int(b[3]))
}

func sprintPort(p uint16) string { return itoa(int(p)) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
