package estimator

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
)

type estimateKey struct {
	step             pipeline.StepID
	resource         cluster.ResourceID
	producerResource cluster.ResourceID
}

type requirementKey struct {
	step     pipeline.StepID
	resource cluster.ResourceID
}

// Cache holds every estimate and hardware requirement the search can ask
// for, computed once before the search begins. Pairs the dry runs do not
// cover are recorded as absent. The cache is read-only after Build, so
// workers share it without locking.
type Cache struct {
	estimates    map[estimateKey]StepEstimate
	requirements map[requirementKey]HardwareRequirement
}

// ErrNoCoverage means a step has no dry-run sample on any resource at all,
// so no placement can ever be estimated for it.
var ErrNoCoverage = errors.New("step has no dry-run coverage on any resource")

// Build computes the full (step x resource x producer resource) estimation
// table at the operating input volume. A step with no sample on any
// resource fails with ErrNoCoverage unless a forced deployment pins it;
// forcedSteps lists those pinned steps.
func Build(e *Estimator, pipelineInputVolumeMB float64, forcedSteps map[pipeline.StepID]bool) (*Cache, error) {
	c := &Cache{
		estimates:    map[estimateKey]StepEstimate{},
		requirements: map[requirementKey]HardwareRequirement{},
	}
	resources := e.graph.Resources()
	for _, step := range e.pipe.Steps() {
		covered := false
		for _, resource := range resources {
			req, err := e.HardwareRequirement(step, resource)
			if err != nil {
				if errors.Is(err, ErrInsufficientSamples) {
					continue
				}
				return nil, err
			}
			c.requirements[requirementKey{step, resource}] = req
			for _, producer := range resources {
				est, err := e.EstimateTimeline(step, resource, producer, pipelineInputVolumeMB)
				if err != nil {
					if errors.Is(err, ErrInsufficientSamples) {
						continue
					}
					return nil, err
				}
				c.estimates[estimateKey{step, resource, producer}] = est
				covered = true
			}
		}
		if !covered && !forcedSteps[step] {
			return nil, errors.Wrapf(ErrNoCoverage, "step %q", e.pipe.Step(step).Name)
		}
	}
	log.WithFields(log.Fields{
		"estimates":    len(c.estimates),
		"requirements": len(c.requirements),
	}).Info("Built estimation cache")
	return c, nil
}

// Estimate looks up the memoized estimate for (step, resource, producer
// resource). The second return is false when the dry runs do not cover the
// pair or the resources are unconnected.
func (c *Cache) Estimate(step pipeline.StepID, resource, producerResource cluster.ResourceID) (StepEstimate, bool) {
	est, ok := c.estimates[estimateKey{step, resource, producerResource}]
	return est, ok
}

// Requirement looks up the memoized hardware requirement for (step,
// resource).
func (c *Cache) Requirement(step pipeline.StepID, resource cluster.ResourceID) (HardwareRequirement, bool) {
	req, ok := c.requirements[requirementKey{step, resource}]
	return req, ok
}

// BuildFromSamples is the usual construction path: estimator plus cache in
// one call.
func BuildFromSamples(p *pipeline.Pipeline, g *cluster.NetworkGraph, samples *dryrun.Set,
	cfg Config, pipelineInputVolumeMB float64, forcedSteps map[pipeline.StepID]bool) (*Cache, error) {
	return Build(New(p, g, samples, cfg), pipelineInputVolumeMB, forcedSteps)
}
