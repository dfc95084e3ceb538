// Package pipeline provides the immutable description of a processing
// pipeline: its steps, the dependencies between them, and the topological
// levels the scheduler plans one at a time.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// StepID indexes a step in the pipeline's arena. All cross-references
// between steps are IDs so the pipeline holds no pointer cycles and
// timelines referencing steps can be cloned as plain value copies.
type StepID int

// NoStep is returned by lookups that find no step.
const NoStep StepID = -1

// StepKind classifies a step by how it moves data.
type StepKind int

const (
	// Source emits the pipeline input and does no processing of its own.
	Source StepKind = iota

	// Sink only receives data from its prerequisite.
	Sink

	// Batch processes its whole input at once and creates a single output.
	Batch

	// Producer emits a stream of outputs one at a time.
	Producer

	// Consumer drains a stream of inputs emitted by a Producer.
	Consumer
)

func (k StepKind) String() string {
	asString := [5]string{"Source", "Sink", "Batch", "Producer", "Consumer"}
	if int(k) < 0 || int(k) >= len(asString) {
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
	return asString[k]
}

// ParseStepKind converts a descriptor string into a StepKind.
func ParseStepKind(s string) (StepKind, error) {
	switch s {
	case "source":
		return Source, nil
	case "sink":
		return Sink, nil
	case "batch":
		return Batch, nil
	case "producer":
		return Producer, nil
	case "consumer":
		return Consumer, nil
	}
	return 0, errors.Errorf("unknown step kind %q", s)
}

// DependencyKind is the flavor of a dependency edge.
type DependencyKind int

const (
	// Synchronous dependents start only after the prerequisite finished.
	Synchronous DependencyKind = iota

	// Asynchronous dependents consume the prerequisite's outputs as they
	// stream; both run in the same level.
	Asynchronous
)

func (k DependencyKind) String() string {
	if k == Asynchronous {
		return "asynchronous"
	}
	return "synchronous"
}

// ParseDependencyKind converts a descriptor string into a DependencyKind.
func ParseDependencyKind(s string) (DependencyKind, error) {
	switch s {
	case "synchronous", "sync":
		return Synchronous, nil
	case "asynchronous", "async":
		return Asynchronous, nil
	}
	return 0, errors.Errorf("unknown dependency kind %q", s)
}

// Step is one node of the pipeline.
type Step struct {
	ID   StepID
	Name string
	Kind StepKind
}

// Dependency is a directed edge: Dependent cannot start (Synchronous) or
// starts streaming from (Asynchronous) Prerequisite.
type Dependency struct {
	Prerequisite StepID
	Dependent    StepID
	Kind         DependencyKind
	Scalable     bool
}

// Pipeline is the arena of steps plus their dependency edges. It is built
// once by the loader and read-only during scheduling.
type Pipeline struct {
	steps  []Step
	byName map[string]StepID
	deps   []Dependency
}

func New() *Pipeline {
	return &Pipeline{byName: map[string]StepID{}}
}

// AddStep registers a step under a unique name and returns its ID.
func (p *Pipeline) AddStep(name string, kind StepKind) (StepID, error) {
	if name == "" {
		return NoStep, errors.New("step name must not be empty")
	}
	if _, ok := p.byName[name]; ok {
		return NoStep, errors.Errorf("duplicate step name %q", name)
	}
	id := StepID(len(p.steps))
	p.steps = append(p.steps, Step{ID: id, Name: name, Kind: kind})
	p.byName[name] = id
	return id, nil
}

// AddDependency adds an edge from prerequisite to dependent, replacing any
// existing edge between the same pair. Edges that would close a cycle are
// rejected.
func (p *Pipeline) AddDependency(prerequisite, dependent StepID, kind DependencyKind, scalable bool) error {
	if !p.valid(prerequisite) || !p.valid(dependent) {
		return errors.Errorf("dependency references unknown step (%d -> %d)", prerequisite, dependent)
	}
	if prerequisite == dependent {
		return errors.Errorf("step %q cannot depend on itself", p.steps[dependent].Name)
	}
	dep := Dependency{Prerequisite: prerequisite, Dependent: dependent, Kind: kind, Scalable: scalable}
	if p.createsCycle(dep) {
		return errors.Errorf("dependency %q -> %q would create a cycle",
			p.steps[prerequisite].Name, p.steps[dependent].Name)
	}
	for i, d := range p.deps {
		if d.Prerequisite == prerequisite && d.Dependent == dependent {
			p.deps[i] = dep
			return nil
		}
	}
	p.deps = append(p.deps, dep)
	return nil
}

func (p *Pipeline) valid(id StepID) bool {
	return id >= 0 && int(id) < len(p.steps)
}

func (p *Pipeline) createsCycle(candidate Dependency) bool {
	// DFS from the candidate's prerequisite following prerequisite edges;
	// reaching the candidate's dependent means the new edge closes a loop.
	seen := make([]bool, len(p.steps))
	stack := []StepID{candidate.Prerequisite}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == candidate.Dependent {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, d := range p.deps {
			if d.Dependent == cur {
				stack = append(stack, d.Prerequisite)
			}
		}
	}
	return false
}

func (p *Pipeline) NumSteps() int { return len(p.steps) }

// Step returns the step for an ID. The ID must be valid.
func (p *Pipeline) Step(id StepID) Step { return p.steps[id] }

// StepByName resolves a step name, returning NoStep when absent.
func (p *Pipeline) StepByName(name string) (StepID, bool) {
	id, ok := p.byName[name]
	if !ok {
		return NoStep, false
	}
	return id, true
}

// Steps returns all step IDs in arena order.
func (p *Pipeline) Steps() []StepID {
	ids := make([]StepID, len(p.steps))
	for i := range p.steps {
		ids[i] = StepID(i)
	}
	return ids
}

// Dependencies returns all dependency edges.
func (p *Pipeline) Dependencies() []Dependency {
	out := make([]Dependency, len(p.deps))
	copy(out, p.deps)
	return out
}

// Prerequisites returns the incoming edges of a step.
func (p *Pipeline) Prerequisites(id StepID) []Dependency {
	var out []Dependency
	for _, d := range p.deps {
		if d.Dependent == id {
			out = append(out, d)
		}
	}
	return out
}

// SyncPrerequisites returns the prerequisite steps connected by
// synchronous edges.
func (p *Pipeline) SyncPrerequisites(id StepID) []StepID {
	var out []StepID
	for _, d := range p.deps {
		if d.Dependent == id && d.Kind == Synchronous {
			out = append(out, d.Prerequisite)
		}
	}
	return out
}

// PrerequisiteSteps returns all prerequisite steps regardless of edge kind.
func (p *Pipeline) PrerequisiteSteps(id StepID) []StepID {
	var out []StepID
	for _, d := range p.deps {
		if d.Dependent == id {
			out = append(out, d.Prerequisite)
		}
	}
	return out
}

// AsyncPrerequisite returns the producer feeding an asynchronous consumer,
// or NoStep when the step has no asynchronous prerequisite.
func (p *Pipeline) AsyncPrerequisite(id StepID) StepID {
	for _, d := range p.deps {
		if d.Dependent == id && d.Kind == Asynchronous {
			return d.Prerequisite
		}
	}
	return NoStep
}

// IsScalable reports whether a step may be replicated: it must have at
// least one incoming asynchronous dependency marked scalable.
func (p *Pipeline) IsScalable(id StepID) bool {
	for _, d := range p.deps {
		if d.Dependent == id && d.Kind == Asynchronous && d.Scalable {
			return true
		}
	}
	return false
}

// Levels splits the pipeline into topological layers. Level 0 holds steps
// with no prerequisites; a synchronous edge pushes the dependent one level
// past its prerequisite, while an asynchronous edge keeps the dependent in
// the prerequisite's level so it can start draining the stream while the
// producer runs. Step order within a level is by StepID, so the output is
// deterministic for a given pipeline.
func (p *Pipeline) Levels() [][]StepID {
	if len(p.steps) == 0 {
		return nil
	}
	level := make([]int, len(p.steps))
	indegree := make([]int, len(p.steps))
	for _, d := range p.deps {
		indegree[d.Dependent]++
	}
	var queue []StepID
	for i := range p.steps {
		if indegree[i] == 0 {
			queue = append(queue, StepID(i))
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range p.deps {
			if d.Prerequisite != cur {
				continue
			}
			want := level[cur]
			if d.Kind == Synchronous {
				want = level[cur] + 1
			}
			if want > level[d.Dependent] {
				level[d.Dependent] = want
			}
			indegree[d.Dependent]--
			if indegree[d.Dependent] == 0 {
				queue = append(queue, d.Dependent)
			}
		}
	}
	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	out := make([][]StepID, maxLevel+1)
	for i := range p.steps {
		out[level[i]] = append(out[level[i]], StepID(i))
	}
	for _, lvl := range out {
		sort.Slice(lvl, func(i, j int) bool { return lvl[i] < lvl[j] })
	}
	return out
}
