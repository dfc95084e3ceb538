package cluster

import (
	"math"
	"testing"
)

func makeGraph(t *testing.T) (*NetworkGraph, ResourceID, ResourceID) {
	t.Helper()
	g := NewGraph()
	fog, err := g.AddResource(Resource{Name: "fog1", CPUCores: 4, MemoryMB: 8192, CostPerSecond: 0, Schedulable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cloud, err := g.AddResource(Resource{Name: "cloud1", CPUCores: 8, MemoryMB: 16384, CostPerSecond: 0.02, Schedulable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.AddEdge(fog, cloud, Edge{BandwidthMBps: 100, RTT: 0.01, TransferPricePerGB: 0.09}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g, fog, cloud
}

func Test_AddResource_Validation(t *testing.T) {
	g := NewGraph()
	if _, err := g.AddResource(Resource{Name: "", CPUCores: 1, MemoryMB: 1}); err == nil {
		t.Error("expected empty name to be rejected")
	}
	if _, err := g.AddResource(Resource{Name: "r", CPUCores: 0, MemoryMB: 1}); err == nil {
		t.Error("expected zero CPU capacity to be rejected")
	}
	if _, err := g.AddResource(Resource{Name: "r", CPUCores: 1, MemoryMB: 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := g.AddResource(Resource{Name: "r", CPUCores: 1, MemoryMB: 1}); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
}

func Test_TransferTime(t *testing.T) {
	g, fog, cloud := makeGraph(t)

	got := g.TransferTime(fog, cloud, 1000)
	want := 1000.0/100.0 + 0.01
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected transfer time %g, got %g", want, got)
	}
	if got := g.TransferTime(fog, fog, 1000); got != 0 {
		t.Errorf("expected zero intra-resource transfer time, got %g", got)
	}
	// The reverse edge was never added.
	if got := g.TransferTime(cloud, fog, 1000); got != 0 {
		t.Errorf("expected zero transfer time for unconnected pair, got %g", got)
	}
	if g.Connected(cloud, fog) {
		t.Error("expected cloud -> fog to be unconnected")
	}
}

func Test_TransferCost(t *testing.T) {
	g, fog, cloud := makeGraph(t)

	got := g.TransferCost(fog, cloud, 1024)
	if math.Abs(got-0.09) > 1e-9 {
		t.Errorf("expected 1GB to cost 0.09, got %g", got)
	}
	if got := g.TransferCost(fog, fog, 1024); got != 0 {
		t.Errorf("expected zero intra-resource transfer cost, got %g", got)
	}
}

func Test_Eligible_ExcludesUnschedulable(t *testing.T) {
	g, fog, cloud := makeGraph(t)
	g.SetSchedulable(fog, false)

	eligible := g.Eligible()
	if len(eligible) != 1 || eligible[0] != cloud {
		t.Errorf("expected only cloud1 eligible, got %v", eligible)
	}
	if len(g.Resources()) != 2 {
		t.Errorf("expected both resources listed, got %v", g.Resources())
	}
}
