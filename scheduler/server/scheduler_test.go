package server

import (
	"math"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/estimator"
	"github.com/catsproject/cats/scheduler/timeline"
)

// testEnv assembles a pipeline, a fully meshed resource graph, and a
// sample set one call at a time.
type testEnv struct {
	t       *testing.T
	pipe    *pipeline.Pipeline
	graph   *cluster.NetworkGraph
	samples *dryrun.Set
}

func newEnv(t *testing.T) *testEnv {
	return &testEnv{t: t, pipe: pipeline.New(), graph: cluster.NewGraph(), samples: dryrun.NewSet()}
}

func (e *testEnv) step(name string, kind pipeline.StepKind) pipeline.StepID {
	e.t.Helper()
	id, err := e.pipe.AddStep(name, kind)
	if err != nil {
		e.t.Fatalf("unexpected error: %v", err)
	}
	return id
}

func (e *testEnv) depend(prereq, dep pipeline.StepID, kind pipeline.DependencyKind, scalable bool) {
	e.t.Helper()
	if err := e.pipe.AddDependency(prereq, dep, kind, scalable); err != nil {
		e.t.Fatalf("unexpected error: %v", err)
	}
}

// resource adds a host and meshes it bidirectionally with every existing
// resource at 100MB/s, 10ms, 0.09 USD/GB.
func (e *testEnv) resource(name string, cores, memMB, costPerSecond float64) cluster.ResourceID {
	e.t.Helper()
	id, err := e.graph.AddResource(cluster.Resource{
		Name: name, CPUCores: cores, MemoryMB: memMB, CostPerSecond: costPerSecond, Schedulable: true,
	})
	if err != nil {
		e.t.Fatalf("unexpected error: %v", err)
	}
	edge := cluster.Edge{BandwidthMBps: 100, RTT: 0.01, TransferPricePerGB: 0.09}
	for _, other := range e.graph.Resources() {
		if other == id {
			continue
		}
		if err := e.graph.AddEdge(id, other, edge); err != nil {
			e.t.Fatalf("unexpected error: %v", err)
		}
		if err := e.graph.AddEdge(other, id, edge); err != nil {
			e.t.Fatalf("unexpected error: %v", err)
		}
	}
	return id
}

// sample records one dry run of a step on a resource with modest hardware
// usage so reservations never dominate the fixtures.
func (e *testEnv) sample(step pipeline.StepID, r cluster.ResourceID,
	numInputs int, inputMB float64, numOutputs int, processing, pipelineVolumeMB float64) {
	e.samples.Add(dryrun.Sample{
		Step: step, Resource: r,
		NumInputs: numInputs, InputVolumeMB: inputMB,
		NumOutputs: numOutputs, OutputVolumeMB: inputMB,
		ProcessingTime: processing,
		AvgCPUPct:      50, MaxCPUPct: 50, MaxMemoryMB: 512,
		PipelineInputVolumeMB: pipelineVolumeMB,
	})
}

func (e *testEnv) schedule(cfg SchedulerConfig) ([]*timeline.Timeline, error) {
	e.t.Helper()
	sched, err := NewScheduler(e.pipe, e.graph, e.samples, cfg, nil)
	if err != nil {
		return nil, err
	}
	return sched.Schedule()
}

func (e *testEnv) mustSchedule(cfg SchedulerConfig) []*timeline.Timeline {
	e.t.Helper()
	timelines, err := e.schedule(cfg)
	if err != nil {
		e.t.Fatalf("unexpected scheduling error: %v", err)
	}
	if len(timelines) == 0 {
		e.t.Fatal("expected at least one timeline")
	}
	return timelines
}

// Scenario: single batch step, a fast expensive resource and a slow cheap
// one; the deadline rules the cheap one out.
func Test_Schedule_SingleStepPicksFeasibleResource(t *testing.T) {
	e := newEnv(t)
	s1 := e.step("s1", pipeline.Batch)
	rFast := e.resource("r_fast", 4, 8192, 0.02)
	rCheap := e.resource("r_cheap", 4, 8192, 0.005)
	e.sample(s1, rFast, 1, 1000, 1, 100, 1000)
	e.sample(s1, rCheap, 1, 1000, 1, 300, 1000)

	timelines := e.mustSchedule(SchedulerConfig{Deadline: 200, Budget: 10, InputVolumeMB: 1000})
	if len(timelines) != 1 {
		t.Fatalf("expected a single timeline, got %d: %s", len(timelines), spew.Sdump(timelines))
	}
	events := timelines[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Resource != rFast {
		t.Errorf("expected placement on r_fast, got %q", e.graph.Resource(events[0].Resource).Name)
	}
	if math.Abs(timelines[0].TotalTime()-100) > 1e-6 {
		t.Errorf("expected total time 100, got %g", timelines[0].TotalTime())
	}
}

// Scenario: producer plus synchronous consumer on symmetric resources;
// co-location wins because cross-resource transfer costs time and money.
func Test_Schedule_SyncConsumerColocates(t *testing.T) {
	e := newEnv(t)
	p := e.step("produce", pipeline.Batch)
	c := e.step("consume", pipeline.Batch)
	e.depend(p, c, pipeline.Synchronous, false)
	r1 := e.resource("r1", 4, 8192, 0.01)
	r2 := e.resource("r2", 4, 8192, 0.01)
	for _, r := range []cluster.ResourceID{r1, r2} {
		e.sample(p, r, 1, 1000, 1, 50, 1000)
		e.sample(c, r, 1, 1000, 1, 50, 1000)
	}

	timelines := e.mustSchedule(SchedulerConfig{Deadline: 1000, Budget: 100, InputVolumeMB: 1000})
	// Symmetric resources tie: one co-located timeline per resource.
	if len(timelines) != 2 {
		t.Fatalf("expected 2 tying timelines, got %d: %s", len(timelines), spew.Sdump(timelines))
	}
	for _, tl := range timelines {
		events := tl.Events()
		if len(events) != 2 {
			t.Fatalf("expected two events, got %d", len(events))
		}
		if events[0].Resource != events[1].Resource {
			t.Errorf("expected co-located placement, got %s", tl.CanonicalKey())
		}
		if tl.DataTransmissionCost() != 0 {
			t.Errorf("expected zero transmission cost, got %g", tl.DataTransmissionCost())
		}
	}
}

// Scenario: asynchronous scalable consumer is replicated until it keeps up
// with the producer, bounded by the rate ratio, not the user cap.
func Test_Schedule_ScalableConsumerReplicates(t *testing.T) {
	e := newEnv(t)
	p := e.step("slice", pipeline.Producer)
	c := e.step("prepare", pipeline.Consumer)
	e.depend(p, c, pipeline.Asynchronous, true)
	r1 := e.resource("r1", 4, 8192, 0.001)
	r2 := e.resource("r2", 4, 8192, 0.001)
	r3 := e.resource("r3", 4, 8192, 0.001)
	for _, r := range []cluster.ResourceID{r1, r2, r3} {
		// Producer: 10 outputs of 50MB at 5s each.
		e.sample(p, r, 1, 10, 10, 50, 1000)
		// Consumer: 10 inputs at 20s each.
		e.sample(c, r, 10, 500, 10, 200, 1000)
	}

	// Unscaled, the consumer alone runs 200s+; the deadline forces
	// replication. The rate ratio caps useful replicas at
	// ceil(50s produced / 20s per input) = 3, below the user cap of 5.
	timelines := e.mustSchedule(SchedulerConfig{
		Deadline: 150, Budget: 10, InputVolumeMB: 1000, MaxScalability: 5,
	})

	tl := timelines[0]
	replicas := tl.EventsOfStep(c)
	if len(replicas) != 3 {
		t.Fatalf("expected 3 consumer replicas, got %d: %s", len(replicas), spew.Sdump(tl.Events()))
	}
	covered := 0
	for _, ev := range replicas {
		covered += ev.InputsCovered()
	}
	if covered != 10 {
		t.Errorf("expected replica input shares to partition all 10 inputs, got %d", covered)
	}
	if len(tl.EventsOfStep(p)) != 1 {
		t.Errorf("expected a single producer event")
	}
	if tl.TotalTime() > 150 {
		t.Errorf("scaled timeline must meet the deadline, got %g", tl.TotalTime())
	}
}

// Scenario: the budget admits no placement at all.
func Test_Schedule_BudgetInfeasible(t *testing.T) {
	e := newEnv(t)
	s1 := e.step("s1", pipeline.Batch)
	rFast := e.resource("r_fast", 4, 8192, 0.02)
	rCheap := e.resource("r_cheap", 4, 8192, 0.005)
	e.sample(s1, rFast, 1, 1000, 1, 100, 1000)
	e.sample(s1, rCheap, 1, 1000, 1, 300, 1000)

	_, err := e.schedule(SchedulerConfig{Deadline: 1000, Budget: 0.01, InputVolumeMB: 1000})
	ie, ok := err.(*InfeasibleError)
	if !ok {
		t.Fatalf("expected InfeasibleError, got %v", err)
	}
	if ie.Reason != PruneBudget {
		t.Errorf("expected BudgetExceeded, got %s", ie.Reason)
	}
}

// Scenario: a forced deployment overrides the search, for better or worse.
func Test_Schedule_ForcedDeployment(t *testing.T) {
	e := newEnv(t)
	s1 := e.step("s1", pipeline.Batch)
	rFast := e.resource("r_fast", 4, 8192, 0.02)
	rCheap := e.resource("r_cheap", 4, 8192, 0.005)
	e.sample(s1, rFast, 1, 1000, 1, 100, 1000)
	e.sample(s1, rCheap, 1, 1000, 1, 300, 1000)

	forced := []ForcedDeployment{{Step: s1, Resource: rCheap}}

	// With a roomy deadline the pin is honored.
	timelines := e.mustSchedule(SchedulerConfig{
		Deadline: 400, Budget: 10, InputVolumeMB: 1000, ForcedDeployments: forced,
	})
	if len(timelines) != 1 {
		t.Fatalf("expected a single timeline, got %d", len(timelines))
	}
	if r := timelines[0].Events()[0].Resource; r != rCheap {
		t.Errorf("expected forced placement on r_cheap, got %q", e.graph.Resource(r).Name)
	}

	// With the tight deadline the pinned placement cannot meet, the run is
	// infeasible rather than falling back to r_fast.
	_, err := e.schedule(SchedulerConfig{
		Deadline: 200, Budget: 10, InputVolumeMB: 1000, ForcedDeployments: forced,
	})
	ie, ok := err.(*InfeasibleError)
	if !ok {
		t.Fatalf("expected InfeasibleError, got %v", err)
	}
	if ie.Reason != PruneDeadline {
		t.Errorf("expected DeadlineExceeded, got %s", ie.Reason)
	}
}

func Test_Schedule_MaxScalabilityOneDisablesReplication(t *testing.T) {
	e := newEnv(t)
	p := e.step("slice", pipeline.Producer)
	c := e.step("prepare", pipeline.Consumer)
	e.depend(p, c, pipeline.Asynchronous, true)
	r1 := e.resource("r1", 4, 8192, 0.001)
	r2 := e.resource("r2", 4, 8192, 0.001)
	for _, r := range []cluster.ResourceID{r1, r2} {
		e.sample(p, r, 1, 10, 10, 50, 1000)
		e.sample(c, r, 10, 500, 10, 200, 1000)
	}

	timelines := e.mustSchedule(SchedulerConfig{
		Deadline: 1000, Budget: 10, InputVolumeMB: 1000, MaxScalability: 1,
	})
	for _, tl := range timelines {
		for _, step := range e.pipe.Steps() {
			if n := len(tl.EventsOfStep(step)); n != 1 {
				t.Errorf("expected exactly one event for step %q, got %d",
					e.pipe.Step(step).Name, n)
			}
		}
	}
}

// Boundary: an unbounded deadline reduces the score to cost, an unbounded
// budget reduces it to time.
func Test_Schedule_DegenerateNormalizers(t *testing.T) {
	e := newEnv(t)
	s1 := e.step("s1", pipeline.Batch)
	rFast := e.resource("r_fast", 4, 8192, 0.02)
	rCheap := e.resource("r_cheap", 4, 8192, 0.005)
	e.sample(s1, rFast, 1, 1000, 1, 100, 1000)
	e.sample(s1, rCheap, 1, 1000, 1, 300, 1000)

	timelines := e.mustSchedule(SchedulerConfig{Deadline: math.Inf(1), Budget: 10, InputVolumeMB: 1000})
	if r := timelines[0].Events()[0].Resource; r != rCheap {
		t.Errorf("with infinite deadline expected the cheap resource, got %q", e.graph.Resource(r).Name)
	}

	timelines = e.mustSchedule(SchedulerConfig{Deadline: 1000, Budget: math.Inf(1), InputVolumeMB: 1000})
	if r := timelines[0].Events()[0].Resource; r != rFast {
		t.Errorf("with infinite budget expected the fast resource, got %q", e.graph.Resource(r).Name)
	}
}

func Test_Schedule_EmptyPipeline(t *testing.T) {
	e := newEnv(t)
	e.resource("r1", 4, 8192, 0.01)

	timelines := e.mustSchedule(SchedulerConfig{Deadline: 100, Budget: 10})
	if len(timelines) != 1 {
		t.Fatalf("expected one empty timeline, got %d", len(timelines))
	}
	if timelines[0].NumEvents() != 0 || timelines[0].TotalTime() != 0 || timelines[0].ResourceCost() != 0 {
		t.Error("empty pipeline must produce an empty zero-cost timeline")
	}
}

func Test_NewScheduler_NoCoverageFails(t *testing.T) {
	e := newEnv(t)
	e.step("s1", pipeline.Batch)
	e.resource("r1", 4, 8192, 0.01)

	_, err := NewScheduler(e.pipe, e.graph, e.samples, SchedulerConfig{Deadline: 100, Budget: 10}, nil)
	if !errors.Is(err, estimator.ErrNoCoverage) {
		t.Errorf("expected ErrNoCoverage, got %v", err)
	}
}

// Determinism: repeated runs produce identical timelines regardless of
// worker scheduling.
func Test_Schedule_Deterministic(t *testing.T) {
	e := newEnv(t)
	p := e.step("slice", pipeline.Producer)
	c := e.step("prepare", pipeline.Consumer)
	e.depend(p, c, pipeline.Asynchronous, true)
	r1 := e.resource("r1", 4, 8192, 0.001)
	r2 := e.resource("r2", 4, 8192, 0.001)
	r3 := e.resource("r3", 4, 8192, 0.001)
	for _, r := range []cluster.ResourceID{r1, r2, r3} {
		e.sample(p, r, 1, 10, 10, 50, 1000)
		e.sample(c, r, 10, 500, 10, 200, 1000)
	}
	cfg := SchedulerConfig{Deadline: 150, Budget: 10, InputVolumeMB: 1000, MaxScalability: 5, NumWorkers: 4}

	var reference []string
	for run := 0; run < 5; run++ {
		timelines := e.mustSchedule(cfg)
		var keys []string
		for _, tl := range timelines {
			keys = append(keys, tl.CanonicalKey())
		}
		if run == 0 {
			reference = keys
			continue
		}
		if len(keys) != len(reference) {
			t.Fatalf("run %d produced %d timelines, reference had %d", run, len(keys), len(reference))
		}
		for i := range keys {
			if keys[i] != reference[i] {
				t.Fatalf("run %d diverged at timeline %d:\n%s\nvs\n%s", run, i, keys[i], reference[i])
			}
		}
	}
}

// Re-running with a produced timeline's placements as forced deployments
// reproduces that timeline.
func Test_Schedule_ForcedReplayReproduces(t *testing.T) {
	e := newEnv(t)
	p := e.step("produce", pipeline.Batch)
	c := e.step("consume", pipeline.Batch)
	e.depend(p, c, pipeline.Synchronous, false)
	r1 := e.resource("r1", 4, 8192, 0.01)
	r2 := e.resource("r2", 4, 8192, 0.01)
	for _, r := range []cluster.ResourceID{r1, r2} {
		e.sample(p, r, 1, 1000, 1, 50, 1000)
		e.sample(c, r, 1, 1000, 1, 50, 1000)
	}
	cfg := SchedulerConfig{Deadline: 1000, Budget: 100, InputVolumeMB: 1000}

	first := e.mustSchedule(cfg)[0]
	var forced []ForcedDeployment
	for _, ev := range first.Events() {
		forced = append(forced, ForcedDeployment{Step: ev.Step, Resource: ev.Resource})
	}

	cfg.ForcedDeployments = forced
	replayed := e.mustSchedule(cfg)
	found := false
	for _, tl := range replayed {
		if tl.Equal(first) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected the forced replay to reproduce the original timeline:\noriginal %s\ngot %s",
			first.CanonicalKey(), spew.Sdump(len(replayed)))
	}
}
