package estimator

import (
	"math"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
)

// ErrInsufficientSamples marks a (step, resource) pair no dry run covers.
// The search treats such pairs as unavailable placements rather than
// failing the whole run.
var ErrInsufficientSamples = errors.New("insufficient dry-run samples")

// Config tunes the reservation headroom over observed usage. The exact
// factor tying dry-run usage to a safe reservation is workload-dependent,
// so it is configuration rather than a constant; 1.0 means reserve exactly
// the observed level.
type Config struct {
	CPUHeadroom float64
	MemHeadroom float64
}

func (c Config) withDefaults() Config {
	if c.CPUHeadroom <= 0 {
		c.CPUHeadroom = 1.0
	}
	if c.MemHeadroom <= 0 {
		c.MemHeadroom = 1.0
	}
	return c
}

// Estimator derives predictions from dry-run samples. It is cheap to
// construct; all lookups go through the read-only sample set.
type Estimator struct {
	pipe    *pipeline.Pipeline
	graph   *cluster.NetworkGraph
	samples *dryrun.Set
	cfg     Config
}

func New(p *pipeline.Pipeline, g *cluster.NetworkGraph, samples *dryrun.Set, cfg Config) *Estimator {
	return &Estimator{pipe: p, graph: g, samples: samples, cfg: cfg.withDefaults()}
}

// HardwareRequirement aggregates the dry-run usage of a step on a resource
// into a reservation: CPU from the midpoint of average and peak usage,
// memory from peak usage, each scaled by the configured headroom and never
// below the observed peak.
func (e *Estimator) HardwareRequirement(step pipeline.StepID, resource cluster.ResourceID) (HardwareRequirement, error) {
	samples := e.samples.ForPair(step, resource)
	if len(samples) == 0 {
		return HardwareRequirement{}, errors.Wrapf(ErrInsufficientSamples,
			"no dry run of step %q on resource %q",
			e.pipe.Step(step).Name, e.graph.Resource(resource).Name)
	}
	var cpuSum, peakCPU, peakMem float64
	for _, s := range samples {
		cpuSum += (s.AvgCPUPct + s.MaxCPUPct) / 2
		if s.MaxCPUPct > peakCPU {
			peakCPU = s.MaxCPUPct
		}
		if s.MaxMemoryMB > peakMem {
			peakMem = s.MaxMemoryMB
		}
	}
	cpuPct := cpuSum / float64(len(samples)) * e.cfg.CPUHeadroom
	if cpuPct < peakCPU {
		cpuPct = peakCPU
	}
	memMB := peakMem * e.cfg.MemHeadroom
	if memMB < peakMem {
		memMB = peakMem
	}
	return HardwareRequirement{
		Step:     step,
		Resource: resource,
		CPUCores: cpuPct / 100.0,
		MemoryMB: memMB,
	}, nil
}

// EstimateTimeline predicts the execution of a step on a resource, fed by
// a producer deployed on producerResource, at the given pipeline input
// volume. Sample times, counts, and volumes are extrapolated linearly along
// the pipeline-input-volume axis of the dry runs; transfer time comes from
// the network edge between the producer and consumer resources.
func (e *Estimator) EstimateTimeline(step pipeline.StepID, resource, producerResource cluster.ResourceID,
	pipelineInputVolumeMB float64) (StepEstimate, error) {

	samples := e.samples.ForPair(step, resource)
	if len(samples) == 0 {
		return StepEstimate{}, errors.Wrapf(ErrInsufficientSamples,
			"no dry run of step %q on resource %q",
			e.pipe.Step(step).Name, e.graph.Resource(resource).Name)
	}
	if producerResource != cluster.NoResource && !e.graph.Connected(producerResource, resource) {
		return StepEstimate{}, errors.Wrapf(ErrInsufficientSamples,
			"no network edge %q -> %q",
			e.graph.Resource(producerResource).Name, e.graph.Resource(resource).Name)
	}

	kind := e.pipe.Step(step).Kind
	volumes := make([]float64, 0, len(samples))
	processing := make([]float64, 0, len(samples))
	inputVolumes := make([]float64, 0, len(samples))
	inputCounts := make([]float64, 0, len(samples))
	outputCounts := make([]float64, 0, len(samples))
	var deploySum float64
	for _, s := range samples {
		volumes = append(volumes, s.PipelineInputVolumeMB)
		processing = append(processing, s.ProcessingTime)
		inputVolumes = append(inputVolumes, s.InputVolumeMB)
		inputCounts = append(inputCounts, float64(s.NumInputs))
		outputCounts = append(outputCounts, float64(s.NumOutputs))
		deploySum += s.DeploymentTime
	}

	deployment := deploySum / float64(len(samples))
	processingTime := extrapolate(volumes, processing, pipelineInputVolumeMB)
	stepInputVolume := extrapolate(volumes, inputVolumes, pipelineInputVolumeMB)

	inputs := 1
	if kind == pipeline.Consumer || kind == pipeline.Sink {
		inputs = atLeastOne(extrapolate(volumes, inputCounts, pipelineInputVolumeMB))
	}
	outputs := 1
	if kind == pipeline.Producer || kind == pipeline.Consumer {
		outputs = atLeastOne(extrapolate(volumes, outputCounts, pipelineInputVolumeMB))
	}

	transfer := e.graph.TransferTime(producerResource, resource, stepInputVolume)

	est := Estimate{Kind: kind, Deployment: deployment}
	switch kind {
	case pipeline.Source:
		// Setup only; the source's data is already where the source is.
	case pipeline.Sink:
		est.Inputs = inputs
		est.PerInputTransfer = transfer / float64(inputs)
	case pipeline.Batch:
		est.TransferTotal = transfer
		est.Processing = processingTime
	case pipeline.Producer:
		est.TransferTotal = transfer
		est.Outputs = outputs
		est.PerOutput = processingTime / float64(outputs)
	case pipeline.Consumer:
		est.Inputs = inputs
		est.Outputs = outputs
		est.PerInputTransfer = transfer / float64(inputs)
		est.PerInput = processingTime / float64(inputs)
	}

	return StepEstimate{
		Step:             step,
		Resource:         resource,
		ProducerResource: producerResource,
		InputVolumeMB:    stepInputVolume,
		Estimate:         est,
	}, nil
}

// extrapolate predicts y at x from observed (xs, ys) pairs: a least-squares
// line when the observations spread, proportional scaling from the mean
// ratio otherwise. Predictions are clamped non-negative.
func extrapolate(xs, ys []float64, x float64) float64 {
	validX := make([]float64, 0, len(xs))
	validY := make([]float64, 0, len(ys))
	for i := range xs {
		if xs[i] > 0 {
			validX = append(validX, xs[i])
			validY = append(validY, ys[i])
		}
	}
	if len(validX) == 0 {
		return 0
	}

	var sumX, sumY float64
	for i := range validX {
		sumX += validX[i]
		sumY += validY[i]
	}
	n := float64(len(validX))
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for i := range validX {
		dx := validX[i] - meanX
		sxx += dx * dx
		sxy += dx * (validY[i] - meanY)
	}
	if sxx == 0 {
		// Single operating point; scale proportionally through the origin.
		if meanX == 0 {
			return clampNonNegative(meanY)
		}
		return clampNonNegative(meanY * x / meanX)
	}
	slope := sxy / sxx
	intercept := meanY - slope*meanX
	return clampNonNegative(slope*x + intercept)
}

func clampNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func atLeastOne(v float64) int {
	n := int(math.Ceil(v))
	if n < 1 {
		return 1
	}
	return n
}
