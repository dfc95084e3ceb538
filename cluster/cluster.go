// Package cluster models the resource continuum the scheduler places work
// on: compute resources with CPU/memory capacity and a price, and the
// network graph of pairwise transfer characteristics between them.
package cluster

import (
	"github.com/pkg/errors"
)

// ResourceID indexes a resource in the network graph's arena.
type ResourceID int

// NoResource is returned by lookups that find no resource. It is also used
// on timeline events to mean "no producer resource" (intra-resource
// placement).
const NoResource ResourceID = -1

// Resource is a compute host. CPUCores may be fractional. Cost accrues per
// second of reservation.
type Resource struct {
	ID            ResourceID
	Name          string
	CPUCores      float64
	MemoryMB      float64
	CostPerSecond float64

	// Schedulable marks whether the search may place steps here. Forced
	// deployments bypass this, the way the reference deployment pins the
	// data source to an otherwise unschedulable fog node.
	Schedulable bool
}

// Edge carries the transfer characteristics of a directed resource pair.
type Edge struct {
	BandwidthMBps      float64
	RTT                float64 // seconds
	TransferPricePerGB float64 // USD
}

type edgeKey struct {
	src, dst ResourceID
}

// NetworkGraph is the arena of resources plus directed transfer edges.
// Built once by the loader, read-only during scheduling.
type NetworkGraph struct {
	resources []Resource
	byName    map[string]ResourceID
	edges     map[edgeKey]Edge
}

func NewGraph() *NetworkGraph {
	return &NetworkGraph{
		byName: map[string]ResourceID{},
		edges:  map[edgeKey]Edge{},
	}
}

// AddResource registers a resource under a unique name and returns its ID.
func (g *NetworkGraph) AddResource(r Resource) (ResourceID, error) {
	if r.Name == "" {
		return NoResource, errors.New("resource name must not be empty")
	}
	if _, ok := g.byName[r.Name]; ok {
		return NoResource, errors.Errorf("duplicate resource name %q", r.Name)
	}
	if r.CPUCores <= 0 || r.MemoryMB <= 0 {
		return NoResource, errors.Errorf("resource %q must have positive CPU and memory capacity", r.Name)
	}
	id := ResourceID(len(g.resources))
	r.ID = id
	g.resources = append(g.resources, r)
	g.byName[r.Name] = id
	return id, nil
}

// AddEdge sets the directed transfer edge between two resources.
func (g *NetworkGraph) AddEdge(src, dst ResourceID, e Edge) error {
	if !g.valid(src) || !g.valid(dst) {
		return errors.Errorf("edge references unknown resource (%d -> %d)", src, dst)
	}
	if src == dst {
		return errors.Errorf("resource %q cannot have an edge to itself", g.resources[src].Name)
	}
	if e.BandwidthMBps <= 0 {
		return errors.Errorf("edge %q -> %q must have positive bandwidth",
			g.resources[src].Name, g.resources[dst].Name)
	}
	g.edges[edgeKey{src, dst}] = e
	return nil
}

func (g *NetworkGraph) valid(id ResourceID) bool {
	return id >= 0 && int(id) < len(g.resources)
}

// Resource returns the resource for an ID. The ID must be valid.
func (g *NetworkGraph) Resource(id ResourceID) Resource { return g.resources[id] }

// ResourceByName resolves a resource name, returning NoResource when absent.
func (g *NetworkGraph) ResourceByName(name string) (ResourceID, bool) {
	id, ok := g.byName[name]
	if !ok {
		return NoResource, false
	}
	return id, true
}

// Resources returns all resource IDs in arena order.
func (g *NetworkGraph) Resources() []ResourceID {
	ids := make([]ResourceID, len(g.resources))
	for i := range g.resources {
		ids[i] = ResourceID(i)
	}
	return ids
}

// Eligible returns the schedulable resources in arena order.
func (g *NetworkGraph) Eligible() []ResourceID {
	var ids []ResourceID
	for i, r := range g.resources {
		if r.Schedulable {
			ids = append(ids, ResourceID(i))
		}
	}
	return ids
}

// SetSchedulable flips whether the search may target a resource.
func (g *NetworkGraph) SetSchedulable(id ResourceID, schedulable bool) {
	g.resources[id].Schedulable = schedulable
}

// EdgeBetween returns the transfer edge between two distinct resources.
// The second return is false when the pair is unconnected. Equal source and
// destination yields the implicit zero edge.
func (g *NetworkGraph) EdgeBetween(src, dst ResourceID) (Edge, bool) {
	if src == dst {
		return Edge{}, true
	}
	e, ok := g.edges[edgeKey{src, dst}]
	return e, ok
}

// TransferTime is the time to move volumeMB from src to dst: volume over
// bandwidth plus one round trip. Zero for intra-resource movement and for
// unconnected pairs (the estimator treats those placements as unavailable
// before it gets here).
func (g *NetworkGraph) TransferTime(src, dst ResourceID, volumeMB float64) float64 {
	if src == dst || src == NoResource || dst == NoResource {
		return 0
	}
	e, ok := g.edges[edgeKey{src, dst}]
	if !ok || e.BandwidthMBps <= 0 {
		return 0
	}
	return volumeMB/e.BandwidthMBps + e.RTT
}

// TransferCost is the monetary cost of moving volumeMB from src to dst,
// charged per GB on the edge. Zero for intra-resource movement.
func (g *NetworkGraph) TransferCost(src, dst ResourceID, volumeMB float64) float64 {
	if src == dst || src == NoResource || dst == NoResource {
		return 0
	}
	e, ok := g.edges[edgeKey{src, dst}]
	if !ok {
		return 0
	}
	return e.TransferPricePerGB * volumeMB / 1024.0
}

// Connected reports whether a directed edge exists (or src == dst).
func (g *NetworkGraph) Connected(src, dst ResourceID) bool {
	if src == dst {
		return true
	}
	_, ok := g.edges[edgeKey{src, dst}]
	return ok
}
