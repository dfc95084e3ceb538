// Package dryrun holds the empirical measurements that seed the estimator:
// one Sample per (dry run, step, resource), joined from the step, step
// performance, and deployment metric tables.
package dryrun

import (
	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
)

// Sample is one dry-run measurement of a step on a resource.
type Sample struct {
	DryRunID int
	Step     pipeline.StepID
	Resource cluster.ResourceID

	NumInputs      int
	InputVolumeMB  float64
	NumOutputs     int
	OutputVolumeMB float64

	ProcessingTime   float64 // seconds, whole step
	TransmissionTime float64 // seconds, whole step

	AvgCPUPct   float64
	MaxCPUPct   float64
	MaxMemoryMB float64

	DeploymentTime float64 // seconds: image pull + first instance start

	// PipelineInputVolumeMB is the input volume of the whole pipeline for
	// the dry run this sample came from; the estimator extrapolates along
	// this axis.
	PipelineInputVolumeMB float64
}

type pairKey struct {
	step     pipeline.StepID
	resource cluster.ResourceID
}

// Set is the read-only collection of samples, indexed by (step, resource).
type Set struct {
	samples []Sample
	byPair  map[pairKey][]int
}

func NewSet() *Set {
	return &Set{byPair: map[pairKey][]int{}}
}

func (s *Set) Add(sample Sample) {
	key := pairKey{sample.Step, sample.Resource}
	s.byPair[key] = append(s.byPair[key], len(s.samples))
	s.samples = append(s.samples, sample)
}

func (s *Set) Len() int { return len(s.samples) }

// ForPair returns the samples recorded for a step on a resource, in
// insertion order. Nil when the pair was never dry-run.
func (s *Set) ForPair(step pipeline.StepID, resource cluster.ResourceID) []Sample {
	idxs := s.byPair[pairKey{step, resource}]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Sample, len(idxs))
	for i, idx := range idxs {
		out[i] = s.samples[idx]
	}
	return out
}

// HasAnyResource reports whether any resource has a sample for the step.
func (s *Set) HasAnyResource(step pipeline.StepID, resources []cluster.ResourceID) bool {
	for _, r := range resources {
		if len(s.byPair[pairKey{step, r}]) > 0 {
			return true
		}
	}
	return false
}
