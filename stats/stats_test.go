package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.LinksEstablished.Inc()
	r.LinksActive.Set(3)
	r.PoolBytesUsed.WithLabelValues("Host").Set(128)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestNewRegistryPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("registering the same metric names twice must panic via MustRegister")
		}
	}()
	NewRegistry(reg)
}

func TestUnregisterAllowsReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r1 := NewRegistry(reg)
	r1.Unregister()
	// Must not panic: Unregister freed every metric name r1 held.
	NewRegistry(reg)
}
