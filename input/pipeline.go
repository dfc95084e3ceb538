// Package input loads the planner's external inputs: the pipeline
// descriptor, the resource catalog with its network edges, the dry-run
// metric tables, and the operator's scheduling parameters.
package input

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/catsproject/cats/pipeline"
)

// PipelineDescriptor is the YAML form of a pipeline:
//
//	steps:
//	  - name: slice
//	    kind: producer
//	dependencies:
//	  - step: prepare
//	    prerequisite: slice
//	    kind: asynchronous
//	    scalable: true
type PipelineDescriptor struct {
	Steps        []StepDescriptor       `yaml:"steps"`
	Dependencies []DependencyDescriptor `yaml:"dependencies"`
}

type StepDescriptor struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type DependencyDescriptor struct {
	Step         string `yaml:"step"`
	Prerequisite string `yaml:"prerequisite"`
	Kind         string `yaml:"kind"`
	Scalable     bool   `yaml:"scalable"`
}

// ReadPipeline parses a YAML pipeline descriptor.
func ReadPipeline(r io.Reader) (*pipeline.Pipeline, error) {
	var desc PipelineDescriptor
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&desc); err != nil {
		return nil, errors.Wrap(err, "parsing pipeline descriptor")
	}
	return buildPipeline(desc)
}

// LoadPipeline reads a pipeline descriptor file.
func LoadPipeline(path string) (*pipeline.Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPipeline(f)
}

func buildPipeline(desc PipelineDescriptor) (*pipeline.Pipeline, error) {
	if len(desc.Steps) == 0 {
		return pipeline.New(), nil
	}
	p := pipeline.New()
	for _, s := range desc.Steps {
		kind, err := pipeline.ParseStepKind(s.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "step %q", s.Name)
		}
		if _, err := p.AddStep(s.Name, kind); err != nil {
			return nil, err
		}
	}
	for _, d := range desc.Dependencies {
		dependent, ok := p.StepByName(d.Step)
		if !ok {
			return nil, errors.Errorf("dependency references unknown step %q", d.Step)
		}
		prerequisite, ok := p.StepByName(d.Prerequisite)
		if !ok {
			return nil, errors.Errorf("dependency references unknown prerequisite %q", d.Prerequisite)
		}
		kind, err := pipeline.ParseDependencyKind(d.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "dependency %q -> %q", d.Prerequisite, d.Step)
		}
		if err := p.AddDependency(prerequisite, dependent, kind, d.Scalable); err != nil {
			return nil, err
		}
	}
	return p, nil
}
