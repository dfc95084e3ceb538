// Package timeline stores scheduling events and enforces the packing
// invariants of a schedule: per-resource capacity, synchronization against
// prerequisite steps, and the cost/time aggregates the search scores.
package timeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/estimator"
)

// ErrReservationConflict is returned when inserting an event would
// overcommit a resource. Callers are expected to pre-query a free slot
// with EarliestAvailablePositionAfter, so seeing this error escape the
// search indicates a bug, not a schedulable condition.
var ErrReservationConflict = errors.New("reservation conflict")

const positionEpsilon = 1e-9

// Reservation is the CPU and memory an event holds on its resource for its
// whole duration.
type Reservation struct {
	CPUCores float64
	MemoryMB float64
}

// Event pins one step instance to a resource for a contiguous interval.
type Event struct {
	Step             pipeline.StepID
	Resource         cluster.ResourceID
	ProducerResource cluster.ResourceID // NoResource when fed locally
	Start            float64
	Estimate         estimator.Estimate
	Reservation      Reservation

	// TransferVolumeMB is the data volume moved from the producer resource
	// to this event's resource; it drives the transmission cost.
	TransferVolumeMB float64
}

func (ev *Event) Duration() float64 { return ev.Estimate.TotalTime() }
func (ev *Event) End() float64      { return ev.Start + ev.Duration() }

// InputsCovered is the number of streamed inputs this instance handles;
// replica shares of a scaled step partition the step total.
func (ev *Event) InputsCovered() int { return ev.Estimate.TransmittedInputs() }

func (ev *Event) activeAt(position float64) bool {
	return ev.Start <= position+positionEpsilon && position < ev.End()-positionEpsilon
}

func (ev *Event) overlaps(start, end float64) bool {
	return ev.Start < end-positionEpsilon && ev.End() > start+positionEpsilon
}

// Timeline is the ordered collection of scheduling events, indexed by
// resource and by step. It references the pipeline and network graph it
// was built against; both are read-only, so clones share them.
type Timeline struct {
	pipe  *pipeline.Pipeline
	graph *cluster.NetworkGraph

	events     []*Event
	byResource map[cluster.ResourceID][]*Event
	byStep     map[pipeline.StepID][]*Event
}

func New(p *pipeline.Pipeline, g *cluster.NetworkGraph) *Timeline {
	return &Timeline{
		pipe:       p,
		graph:      g,
		byResource: map[cluster.ResourceID][]*Event{},
		byStep:     map[pipeline.StepID][]*Event{},
	}
}

// Clone deep-copies the timeline for speculative extension. Events are
// value-copied; the pipeline and graph are shared.
func (t *Timeline) Clone() *Timeline {
	nt := New(t.pipe, t.graph)
	for _, ev := range t.events {
		copied := *ev
		nt.insert(&copied)
	}
	return nt
}

// Events returns all events ordered by (start, resource, step).
func (t *Timeline) Events() []*Event {
	out := make([]*Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *Timeline) NumEvents() int { return len(t.events) }

// EventsOnResource returns the resource's events ordered by start.
func (t *Timeline) EventsOnResource(r cluster.ResourceID) []*Event {
	return t.byResource[r]
}

// EventsOfStep returns the step's events ordered by start.
func (t *Timeline) EventsOfStep(s pipeline.StepID) []*Event {
	return t.byStep[s]
}

// AddEvent inserts an event after validating that its reservation fits the
// resource capacity alongside every overlapping event, and that it does
// not start before its synchronous prerequisites allow. The caller finds a
// conflict-free start with EarliestAvailablePositionAfter first.
func (t *Timeline) AddEvent(ev *Event) error {
	if ev.Start < 0 {
		return errors.Errorf("event of step %q starts at negative position %g",
			t.pipe.Step(ev.Step).Name, ev.Start)
	}
	if err := t.checkCapacity(ev); err != nil {
		return err
	}
	if err := t.checkSynchronization(ev); err != nil {
		return err
	}
	t.insert(ev)
	return nil
}

func (t *Timeline) insert(ev *Event) {
	t.events = append(t.events, ev)
	t.byResource[ev.Resource] = append(t.byResource[ev.Resource], ev)
	t.byStep[ev.Step] = append(t.byStep[ev.Step], ev)
	t.sortAll()
}

// RemoveEvent deletes an event by identity; unknown events are ignored.
func (t *Timeline) RemoveEvent(ev *Event) {
	t.events = removeFrom(t.events, ev)
	t.byResource[ev.Resource] = removeFrom(t.byResource[ev.Resource], ev)
	t.byStep[ev.Step] = removeFrom(t.byStep[ev.Step], ev)
}

// ReplaceEvent swaps an existing event for a new one, revalidating the
// newcomer. Used to revert a speculative scaled placement that did not pay
// off.
func (t *Timeline) ReplaceEvent(old, replacement *Event) error {
	t.RemoveEvent(old)
	if err := t.AddEvent(replacement); err != nil {
		// Put the old event back so a failed replace leaves the timeline
		// unchanged.
		t.insert(old)
		return err
	}
	return nil
}

func removeFrom(events []*Event, ev *Event) []*Event {
	for i, e := range events {
		if e == ev {
			return append(events[:i], events[i+1:]...)
		}
	}
	return events
}

func (t *Timeline) sortAll() {
	less := func(a, b *Event) bool {
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		an, bn := t.graph.Resource(a.Resource).Name, t.graph.Resource(b.Resource).Name
		if an != bn {
			return an < bn
		}
		return t.pipe.Step(a.Step).Name < t.pipe.Step(b.Step).Name
	}
	sort.SliceStable(t.events, func(i, j int) bool { return less(t.events[i], t.events[j]) })
	for r := range t.byResource {
		evs := t.byResource[r]
		sort.SliceStable(evs, func(i, j int) bool { return less(evs[i], evs[j]) })
	}
	for s := range t.byStep {
		evs := t.byStep[s]
		sort.SliceStable(evs, func(i, j int) bool { return less(evs[i], evs[j]) })
	}
}

// checkCapacity verifies the event's reservation fits the resource at
// every boundary position inside its interval.
func (t *Timeline) checkCapacity(ev *Event) error {
	resource := t.graph.Resource(ev.Resource)
	if ev.Reservation.CPUCores > resource.CPUCores+positionEpsilon ||
		ev.Reservation.MemoryMB > resource.MemoryMB+positionEpsilon {
		return errors.Wrapf(ErrReservationConflict,
			"step %q reservation exceeds capacity of %q outright",
			t.pipe.Step(ev.Step).Name, resource.Name)
	}
	for _, b := range t.boundaryPositions(ev.Resource, ev.Start, ev.End()) {
		cpu, mem := ev.Reservation.CPUCores, ev.Reservation.MemoryMB
		for _, other := range t.byResource[ev.Resource] {
			if other.activeAt(b) {
				cpu += other.Reservation.CPUCores
				mem += other.Reservation.MemoryMB
			}
		}
		if cpu > resource.CPUCores+positionEpsilon || mem > resource.MemoryMB+positionEpsilon {
			return errors.Wrapf(ErrReservationConflict,
				"step %q overcommits %q at position %g",
				t.pipe.Step(ev.Step).Name, resource.Name, b)
		}
	}
	return nil
}

// checkSynchronization verifies the event does not begin its data-dependent
// work before its synchronous prerequisites finished. Provisioning may
// overlap the prerequisite's tail, so the bound applies to start plus
// deployment time.
func (t *Timeline) checkSynchronization(ev *Event) error {
	processingStart := ev.Start + ev.Estimate.ProvisioningAndDeploymentTime()
	for _, prereq := range t.pipe.SyncPrerequisites(ev.Step) {
		if len(t.byStep[prereq]) == 0 {
			continue
		}
		bound := t.StepSynchronizationPosition(prereq, 1)
		if processingStart < bound-positionEpsilon {
			return errors.Errorf("event of step %q would process at %g, before synchronous prerequisite %q ends at %g",
				t.pipe.Step(ev.Step).Name, processingStart, t.pipe.Step(prereq).Name, bound)
		}
	}
	return nil
}

// boundaryPositions lists the positions inside [start, end) where the set
// of active events on the resource can change, plus start itself.
func (t *Timeline) boundaryPositions(r cluster.ResourceID, start, end float64) []float64 {
	positions := []float64{start}
	for _, ev := range t.byResource[r] {
		if ev.Start > start+positionEpsilon && ev.Start < end-positionEpsilon {
			positions = append(positions, ev.Start)
		}
	}
	sort.Float64s(positions)
	return positions
}

// EarliestAvailablePositionAfter returns the smallest position at or after
// `after` where the reservation fits the resource for the whole duration.
// Candidates are the caller's floor plus the start/end boundaries of the
// resource's events; if nothing earlier fits, the end of the resource's
// last event is returned, where the resource is guaranteed free.
func (t *Timeline) EarliestAvailablePositionAfter(r cluster.ResourceID, resv Reservation,
	duration, after float64) float64 {

	events := t.byResource[r]
	if len(events) == 0 {
		return after
	}
	candidates := []float64{after}
	maxEnd := after
	for _, ev := range events {
		if ev.Start > after {
			candidates = append(candidates, ev.Start)
		}
		if ev.End() > after {
			candidates = append(candidates, ev.End())
		}
		if ev.End() > maxEnd {
			maxEnd = ev.End()
		}
	}
	sort.Float64s(candidates)
	resource := t.graph.Resource(r)
	for _, c := range candidates {
		if t.fits(r, resource, resv, c, c+duration) {
			return c
		}
	}
	return maxEnd
}

func (t *Timeline) fits(r cluster.ResourceID, resource cluster.Resource, resv Reservation, start, end float64) bool {
	probes := t.boundaryPositions(r, start, end)
	for _, b := range probes {
		cpu, mem := resv.CPUCores, resv.MemoryMB
		for _, ev := range t.byResource[r] {
			if ev.activeAt(b) || (start == end && ev.overlaps(start, start+positionEpsilon)) {
				cpu += ev.Reservation.CPUCores
				mem += ev.Reservation.MemoryMB
			}
		}
		if cpu > resource.CPUCores+positionEpsilon || mem > resource.MemoryMB+positionEpsilon {
			return false
		}
	}
	return true
}

// StepEndPosition is the latest end over the step's events, zero when the
// step is unscheduled.
func (t *Timeline) StepEndPosition(s pipeline.StepID) float64 {
	var end float64
	for _, ev := range t.byStep[s] {
		if ev.End() > end {
			end = ev.End()
		}
	}
	return end
}

// StepSynchronizationPosition is the position a dependent of the step may
// begin processing. For producer steps the position tracks the stream: the
// producer has emitted scaleLevel outputs once setup, transfer, and
// scaleLevel production slots have elapsed, so the scaleLevel-th consumer
// replica synchronizes there instead of at the producer's end. For every
// other kind it is the step's end position.
func (t *Timeline) StepSynchronizationPosition(s pipeline.StepID, scaleLevel int) float64 {
	if scaleLevel < 1 {
		scaleLevel = 1
	}
	if t.pipe.Step(s).Kind != pipeline.Producer {
		return t.StepEndPosition(s)
	}
	var pos float64
	for _, ev := range t.byStep[s] {
		est := ev.Estimate
		sync := ev.Start + est.ProvisioningAndDeploymentTime() + est.DataTransmissionTime() +
			float64(scaleLevel)*est.PerOutput
		if sync > pos {
			pos = sync
		}
	}
	return pos
}

// LatestFinishingStep picks, among the given steps, the one whose events
// finish last. The second return is false when none of them is scheduled.
func (t *Timeline) LatestFinishingStep(steps []pipeline.StepID) (pipeline.StepID, bool) {
	latest := pipeline.NoStep
	var latestEnd float64
	for _, ev := range t.events {
		for _, s := range steps {
			if ev.Step == s && ev.End() >= latestEnd {
				latestEnd = ev.End()
				latest = s
			}
		}
	}
	return latest, latest != pipeline.NoStep
}

// ScheduledResourceOfStep is the resource of the step's latest event.
func (t *Timeline) ScheduledResourceOfStep(s pipeline.StepID) (cluster.ResourceID, bool) {
	evs := t.byStep[s]
	if len(evs) == 0 {
		return cluster.NoResource, false
	}
	return evs[len(evs)-1].Resource, true
}

// TotalTime is the maximum end position across all events.
func (t *Timeline) TotalTime() float64 {
	var total float64
	for _, ev := range t.events {
		if ev.End() > total {
			total = ev.End()
		}
	}
	return total
}

// ResourceCost charges every event's duration at its resource's per-second
// rate.
func (t *Timeline) ResourceCost() float64 {
	var cost float64
	for _, ev := range t.events {
		cost += ev.Duration() * t.graph.Resource(ev.Resource).CostPerSecond
	}
	return cost
}

// DataTransmissionCost charges every cross-resource transfer at the
// network edge's per-GB price.
func (t *Timeline) DataTransmissionCost() float64 {
	var cost float64
	for _, ev := range t.events {
		if ev.ProducerResource == cluster.NoResource || ev.ProducerResource == ev.Resource {
			continue
		}
		cost += t.graph.TransferCost(ev.ProducerResource, ev.Resource, ev.TransferVolumeMB)
	}
	return cost
}

// CanonicalKey is a deterministic signature of the event multiset: the
// serialized rows in output order. Equal timelines have equal keys, and
// keys order candidates lexicographically for reproducible tie-breaking.
func (t *Timeline) CanonicalKey() string {
	rows := make([]string, 0, len(t.events))
	for _, ev := range t.events {
		rows = append(rows, fmt.Sprintf("%s|%.9g|%.9g|%s|%.9g|%.9g",
			t.pipe.Step(ev.Step).Name, ev.Start, ev.End(),
			t.graph.Resource(ev.Resource).Name,
			ev.Reservation.CPUCores, ev.Reservation.MemoryMB))
	}
	return strings.Join(rows, ";")
}

// Equal compares the observable schedules: same steps on same resources at
// same positions with same reservations.
func (t *Timeline) Equal(other *Timeline) bool {
	if other == nil {
		return false
	}
	return t.CanonicalKey() == other.CanonicalKey()
}
