package estimator

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
)

type fixture struct {
	pipe     *pipeline.Pipeline
	graph    *cluster.NetworkGraph
	samples  *dryrun.Set
	producer pipeline.StepID
	consumer pipeline.StepID
	batch    pipeline.StepID
	r1, r2   cluster.ResourceID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := pipeline.New()
	producer, err := p.AddStep("slice", pipeline.Producer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	consumer, err := p.AddStep("prepare", pipeline.Consumer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batch, err := p.AddStep("retrieve", pipeline.Batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.AddDependency(producer, consumer, pipeline.Asynchronous, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g := cluster.NewGraph()
	r1, err := g.AddResource(cluster.Resource{Name: "r1", CPUCores: 4, MemoryMB: 8192, CostPerSecond: 0.01, Schedulable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := g.AddResource(cluster.Resource{Name: "r2", CPUCores: 4, MemoryMB: 8192, CostPerSecond: 0.01, Schedulable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, pair := range [][2]cluster.ResourceID{{r1, r2}, {r2, r1}} {
		if err := g.AddEdge(pair[0], pair[1], cluster.Edge{BandwidthMBps: 100, RTT: 0.01, TransferPricePerGB: 0.09}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	return &fixture{
		pipe: p, graph: g, samples: dryrun.NewSet(),
		producer: producer, consumer: consumer, batch: batch, r1: r1, r2: r2,
	}
}

func (f *fixture) addSample(s dryrun.Sample) { f.samples.Add(s) }

func Test_HardwareRequirement_AggregatesAndFloors(t *testing.T) {
	f := newFixture(t)
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r1,
		AvgCPUPct: 40, MaxCPUPct: 80, MaxMemoryMB: 512,
		PipelineInputVolumeMB: 1000,
	})
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r1,
		AvgCPUPct: 60, MaxCPUPct: 100, MaxMemoryMB: 768,
		PipelineInputVolumeMB: 1000,
	})

	est := New(f.pipe, f.graph, f.samples, Config{})
	req, err := est.HardwareRequirement(f.batch, f.r1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mean of the avg/max midpoints: ((40+80)/2 + (60+100)/2) / 2 = 70pct,
	// floored at the observed peak of 100pct.
	if math.Abs(req.CPUCores-1.0) > 1e-9 {
		t.Errorf("expected 1.0 cores (peak 100pct), got %g", req.CPUCores)
	}
	if math.Abs(req.MemoryMB-768) > 1e-9 {
		t.Errorf("expected peak memory 768MB, got %g", req.MemoryMB)
	}

	// Headroom scales above the peak.
	est = New(f.pipe, f.graph, f.samples, Config{CPUHeadroom: 2.0, MemHeadroom: 1.5})
	req, err = est.HardwareRequirement(f.batch, f.r1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(req.CPUCores-1.4) > 1e-9 {
		t.Errorf("expected 1.4 cores with 2x headroom, got %g", req.CPUCores)
	}
	if math.Abs(req.MemoryMB-1152) > 1e-9 {
		t.Errorf("expected 1152MB with 1.5x headroom, got %g", req.MemoryMB)
	}
}

func Test_HardwareRequirement_NoSamples(t *testing.T) {
	f := newFixture(t)
	est := New(f.pipe, f.graph, f.samples, Config{})
	_, err := est.HardwareRequirement(f.batch, f.r1)
	if !errors.Is(err, ErrInsufficientSamples) {
		t.Errorf("expected ErrInsufficientSamples, got %v", err)
	}
}

func Test_EstimateTimeline_BatchExtrapolation(t *testing.T) {
	f := newFixture(t)
	// Two operating points: 100s at 1000MB, 200s at 2000MB.
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r1,
		NumInputs: 1, InputVolumeMB: 1000, NumOutputs: 1,
		ProcessingTime: 100, DeploymentTime: 5, PipelineInputVolumeMB: 1000,
	})
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r1,
		NumInputs: 1, InputVolumeMB: 2000, NumOutputs: 1,
		ProcessingTime: 200, DeploymentTime: 5, PipelineInputVolumeMB: 2000,
	})

	est := New(f.pipe, f.graph, f.samples, Config{})
	got, err := est.EstimateTimeline(f.batch, f.r1, f.r1, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := got.Estimate
	if e.Kind != pipeline.Batch {
		t.Errorf("expected batch estimate, got %v", e.Kind)
	}
	if math.Abs(e.Processing-300) > 1e-6 {
		t.Errorf("expected 300s processing at 3000MB, got %g", e.Processing)
	}
	if math.Abs(e.Deployment-5) > 1e-9 {
		t.Errorf("expected 5s deployment, got %g", e.Deployment)
	}
	// Same producer and consumer resource: no transfer.
	if e.DataTransmissionTime() != 0 {
		t.Errorf("expected zero transfer intra-resource, got %g", e.DataTransmissionTime())
	}
	if math.Abs(got.InputVolumeMB-3000) > 1e-6 {
		t.Errorf("expected 3000MB step input volume, got %g", got.InputVolumeMB)
	}
}

func Test_EstimateTimeline_CrossResourceTransfer(t *testing.T) {
	f := newFixture(t)
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r2,
		NumInputs: 1, InputVolumeMB: 1000, NumOutputs: 1,
		ProcessingTime: 100, PipelineInputVolumeMB: 1000,
	})

	est := New(f.pipe, f.graph, f.samples, Config{})
	got, err := est.EstimateTimeline(f.batch, f.r2, f.r1, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 1000.0/100.0 + 0.01
	if math.Abs(got.Estimate.DataTransmissionTime()-want) > 1e-9 {
		t.Errorf("expected transfer time %g, got %g", want, got.Estimate.DataTransmissionTime())
	}
}

func Test_EstimateTimeline_ConsumerPerInputComponents(t *testing.T) {
	f := newFixture(t)
	f.addSample(dryrun.Sample{
		Step: f.consumer, Resource: f.r1,
		NumInputs: 10, InputVolumeMB: 500, NumOutputs: 10,
		ProcessingTime: 200, DeploymentTime: 2, PipelineInputVolumeMB: 1000,
	})

	est := New(f.pipe, f.graph, f.samples, Config{})
	got, err := est.EstimateTimeline(f.consumer, f.r1, f.r2, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := got.Estimate
	if e.Kind != pipeline.Consumer {
		t.Fatalf("expected consumer estimate, got %v", e.Kind)
	}
	if e.Inputs != 10 || e.Outputs != 10 {
		t.Errorf("expected 10 inputs and outputs, got %d/%d", e.Inputs, e.Outputs)
	}
	if math.Abs(e.PerInput-20) > 1e-9 {
		t.Errorf("expected 20s per input, got %g", e.PerInput)
	}
	// 500MB over 100MB/s plus 10ms RTT, spread over 10 inputs.
	wantPerInput := (500.0/100.0 + 0.01) / 10.0
	if math.Abs(e.PerInputTransfer-wantPerInput) > 1e-9 {
		t.Errorf("expected per-input transfer %g, got %g", wantPerInput, e.PerInputTransfer)
	}
	wantFirst := 2.0 + wantPerInput + 20.0
	if math.Abs(e.TimeToFirstResult()-wantFirst) > 1e-9 {
		t.Errorf("expected time to first result %g, got %g", wantFirst, e.TimeToFirstResult())
	}
}

func Test_Estimate_WithInputShare(t *testing.T) {
	e := Estimate{
		Kind: pipeline.Consumer, Deployment: 2,
		PerInputTransfer: 0.5, PerInput: 20, Inputs: 10, Outputs: 10,
	}
	scaled := e.WithInputShare(4)
	if scaled.Inputs != 4 || scaled.Outputs != 4 {
		t.Errorf("expected 4 inputs and outputs, got %d/%d", scaled.Inputs, scaled.Outputs)
	}
	if scaled.PerInput != e.PerInput || scaled.Deployment != e.Deployment {
		t.Error("scaling must keep per-input and deployment components intact")
	}
	wantTotal := 2.0 + 4*0.5 + 4*20.0
	if math.Abs(scaled.TotalTime()-wantTotal) > 1e-9 {
		t.Errorf("expected scaled total %g, got %g", wantTotal, scaled.TotalTime())
	}
}

func Test_ShareInputs_PartitionsExactly(t *testing.T) {
	cases := []struct {
		total, replicas int
		want            []int
	}{
		{10, 1, []int{10}},
		{10, 3, []int{4, 4, 2}},
		{10, 4, []int{3, 3, 3, 1}},
		{4, 4, []int{1, 1, 1, 1}},
		{3, 4, []int{1, 1, 1, 0}},
	}
	for _, c := range cases {
		got := ShareInputs(c.total, c.replicas)
		if len(got) != len(c.want) {
			t.Errorf("ShareInputs(%d, %d): expected %v, got %v", c.total, c.replicas, c.want, got)
			continue
		}
		sum := 0
		for i := range got {
			sum += got[i]
			if got[i] != c.want[i] {
				t.Errorf("ShareInputs(%d, %d): expected %v, got %v", c.total, c.replicas, c.want, got)
				break
			}
		}
		if sum != c.total {
			t.Errorf("ShareInputs(%d, %d): shares sum to %d", c.total, c.replicas, sum)
		}
	}
}

func Test_Build_CacheAndCoverage(t *testing.T) {
	f := newFixture(t)
	f.addSample(dryrun.Sample{
		Step: f.batch, Resource: f.r1,
		NumInputs: 1, InputVolumeMB: 1000, NumOutputs: 1,
		ProcessingTime: 100, PipelineInputVolumeMB: 1000,
	})

	// producer and consumer have no samples anywhere: coverage fails.
	_, err := BuildFromSamples(f.pipe, f.graph, f.samples, Config{}, 1000, nil)
	if !errors.Is(err, ErrNoCoverage) {
		t.Fatalf("expected ErrNoCoverage, got %v", err)
	}

	// Forcing the uncovered steps bypasses the check.
	forced := map[pipeline.StepID]bool{f.producer: true, f.consumer: true}
	cache, err := BuildFromSamples(f.pipe, f.graph, f.samples, Config{}, 1000, forced)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cache.Estimate(f.batch, f.r1, f.r1); !ok {
		t.Error("expected cached estimate for covered pair")
	}
	if _, ok := cache.Estimate(f.batch, f.r2, f.r1); ok {
		t.Error("expected no estimate for uncovered resource")
	}
	if _, ok := cache.Requirement(f.batch, f.r2); ok {
		t.Error("expected no requirement for uncovered resource")
	}
}
