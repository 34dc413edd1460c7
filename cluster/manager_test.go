package cluster

import (
	"testing"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/memsys"
	"github.com/kvfabric/datadist/transport"
)

func testManager() *Manager {
	reg := cache.NewRegistry(memsys.NewDevicePool(1<<20), memsys.NewHostPool(1<<20))
	return NewManager(1, reg, transport.NewLoopback())
}

func TestLinkExistLinkOnIdenticalRepeat(t *testing.T) {
	m := testManager()
	entries := []RankEntry{{ClusterID: 1, RankID: 0}, {ClusterID: 2, RankID: 1}}
	blob := `{"ranks":[1,2]}`

	if _, err := m.Link("group-a", entries, blob); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if _, err := m.Link("group-a", entries, blob); err == nil {
		t.Fatal("repeat Link with identical rank table must fail with ExistLink")
	}
}

func TestLinkAlreadyLinkOnConflict(t *testing.T) {
	m := testManager()
	entries := []RankEntry{{ClusterID: 1, RankID: 0}, {ClusterID: 2, RankID: 1}}
	if _, err := m.Link("group-a", entries, `{"v":1}`); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if _, err := m.Link("group-a", entries, `{"v":2}`); err == nil {
		t.Fatal("repeat Link with a different rank table must fail with AlreadyLink")
	}
}

func TestLinkValidatesRankTableShape(t *testing.T) {
	m := testManager()
	if _, err := m.Link("too-small", []RankEntry{{ClusterID: 1, RankID: 0}}, "{}"); err == nil {
		t.Fatal("a rank table with <2 entries must fail")
	}
	dup := []RankEntry{{ClusterID: 1, RankID: 0}, {ClusterID: 1, RankID: 1}}
	if _, err := m.Link("dup", dup, "{}"); err == nil {
		t.Fatal("a rank table with duplicate cluster_ids must fail")
	}
	unordered := []RankEntry{{ClusterID: 1, RankID: 1}, {ClusterID: 2, RankID: 0}}
	if _, err := m.Link("unordered", unordered, "{}"); err == nil {
		t.Fatal("a rank table not ascending by rank_id must fail")
	}
}

func TestUnlinkIdempotentWithForce(t *testing.T) {
	m := testManager()
	if err := m.Unlink("never-linked", true); err != nil {
		t.Fatalf("force-unlink of an unknown comm must be a no-op: %v", err)
	}
	if err := m.Unlink("never-linked", false); err == nil {
		t.Fatal("non-force unlink of an unknown comm must fail")
	}
}

func TestLinkThenUnlinkThenResolve(t *testing.T) {
	m := testManager()
	entries := []RankEntry{{ClusterID: 1, RankID: 0}, {ClusterID: 2, RankID: 1}}
	if _, err := m.Link("group-b", entries, "{}"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := m.Resolve(2); err != nil {
		t.Fatalf("Resolve after Link must succeed: %v", err)
	}
	if err := m.Unlink("group-b", false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := m.Resolve(2); err == nil {
		t.Fatal("Resolve after Unlink must fail")
	}
}

func TestLinkClustersLinksEveryCluster(t *testing.T) {
	m := testManager()
	specs := []ClusterLinkSpec{
		{RemoteClusterID: 2, LocalEndpoints: []Endpoint{{IP: 1, Port: 1}}, RemoteEndpoints: []Endpoint{{IP: 2, Port: 2}}},
		{RemoteClusterID: 3, LocalEndpoints: []Endpoint{{IP: 1, Port: 1}}, RemoteEndpoints: []Endpoint{{IP: 3, Port: 3}}},
	}
	overall, perCluster := m.LinkClusters(specs, 1000, false)
	if overall != nil {
		t.Fatalf("both clusters should link over a loopback transport: %v", overall)
	}
	for i, err := range perCluster {
		if err != nil {
			t.Errorf("cluster %d failed: %v", i, err)
		}
	}
}
