package input

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/server"
)

// LoadDryRuns reads the three dry-run metric tables.
func LoadDryRuns(stepMetricsPath, performanceMetricsPath, deploymentMetricsPath string,
	p *pipeline.Pipeline, g *cluster.NetworkGraph) (*dryrun.Set, error) {

	sm, err := os.Open(stepMetricsPath)
	if err != nil {
		return nil, err
	}
	defer sm.Close()
	pm, err := os.Open(performanceMetricsPath)
	if err != nil {
		return nil, err
	}
	defer pm.Close()
	dm, err := os.Open(deploymentMetricsPath)
	if err != nil {
		return nil, err
	}
	defer dm.Close()
	return dryrun.ReadMetrics(sm, pm, dm, p, g)
}

// ParseForcedDeployments parses operator pins of the form "step=resource".
func ParseForcedDeployments(specs []string, p *pipeline.Pipeline, g *cluster.NetworkGraph) ([]server.ForcedDeployment, error) {
	var out []server.ForcedDeployment
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("forced deployment %q is not of the form step=resource", spec)
		}
		step, ok := p.StepByName(parts[0])
		if !ok {
			return nil, errors.Errorf("forced deployment names unknown step %q", parts[0])
		}
		resource, ok := g.ResourceByName(parts[1])
		if !ok {
			return nil, errors.Errorf("forced deployment names unknown resource %q", parts[1])
		}
		out = append(out, server.ForcedDeployment{Step: step, Resource: resource})
	}
	return out, nil
}
