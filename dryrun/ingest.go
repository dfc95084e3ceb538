package dryrun

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
)

// Column layouts of the three metric tables. Headers are matched by name so
// column order in the files does not matter.
var (
	stepMetricsColumns = []string{
		"dry_run_id", "timestamp", "step", "resource",
		"num_inputs", "input_bytes", "num_outputs", "output_bytes",
		"step_processing_ms", "data_transmission_ms",
	}
	performanceMetricsColumns = []string{
		"dry_run_id", "timestamp", "step", "resource",
		"max_cpu_pct", "avg_cpu_pct", "max_mem_mb",
	}
	deploymentMetricsColumns = []string{
		"step", "resource", "avg_download_seconds", "avg_instance_start_seconds",
	}
)

const bytesPerMB = 1024.0 * 1024.0

type runStepKey struct {
	dryRunID int
	step     pipeline.StepID
	resource cluster.ResourceID
}

type perfRow struct {
	maxCPU, avgCPU, maxMem float64
}

type deployRow struct {
	download, instanceStart float64
}

// ReadMetrics joins the three dry-run metric tables into a sample set.
// Performance rows join step rows on (dry_run_id, step, resource) and
// deployment rows on (step, resource); step rows without a matching
// performance or deployment row keep zeros. Rows naming a step or resource
// the pipeline or network graph does not know fail the whole load.
func ReadMetrics(stepMetrics, performanceMetrics, deploymentMetrics io.Reader,
	p *pipeline.Pipeline, g *cluster.NetworkGraph) (*Set, error) {

	perf := map[runStepKey]perfRow{}
	if err := eachRow(performanceMetrics, performanceMetricsColumns, func(cols map[string]string) error {
		key, err := parseRunStepKey(cols, p, g)
		if err != nil {
			return err
		}
		perf[key] = perfRow{
			maxCPU: floatOrZero(cols["max_cpu_pct"]),
			avgCPU: floatOrZero(cols["avg_cpu_pct"]),
			maxMem: floatOrZero(cols["max_mem_mb"]),
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "reading step_performance_metrics")
	}

	deploy := map[pairKey]deployRow{}
	if err := eachRow(deploymentMetrics, deploymentMetricsColumns, func(cols map[string]string) error {
		step, resource, err := parsePair(cols, p, g)
		if err != nil {
			return err
		}
		deploy[pairKey{step, resource}] = deployRow{
			download:      floatOrZero(cols["avg_download_seconds"]),
			instanceStart: floatOrZero(cols["avg_instance_start_seconds"]),
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "reading deployment_metrics")
	}

	set := NewSet()
	perRun := map[int][]int{} // dry run id -> indexes into set.samples
	if err := eachRow(stepMetrics, stepMetricsColumns, func(cols map[string]string) error {
		key, err := parseRunStepKey(cols, p, g)
		if err != nil {
			return err
		}
		numInputs, err := strconv.Atoi(cols["num_inputs"])
		if err != nil {
			return errors.Wrapf(err, "bad num_inputs %q", cols["num_inputs"])
		}
		numOutputs, err := strconv.Atoi(cols["num_outputs"])
		if err != nil {
			return errors.Wrapf(err, "bad num_outputs %q", cols["num_outputs"])
		}
		sample := Sample{
			DryRunID:         key.dryRunID,
			Step:             key.step,
			Resource:         key.resource,
			NumInputs:        numInputs,
			InputVolumeMB:    floatOrZero(cols["input_bytes"]) / bytesPerMB,
			NumOutputs:       numOutputs,
			OutputVolumeMB:   floatOrZero(cols["output_bytes"]) / bytesPerMB,
			ProcessingTime:   floatOrZero(cols["step_processing_ms"]) / 1000.0,
			TransmissionTime: floatOrZero(cols["data_transmission_ms"]) / 1000.0,
		}
		if pr, ok := perf[key]; ok {
			sample.AvgCPUPct = pr.avgCPU
			sample.MaxCPUPct = pr.maxCPU
			sample.MaxMemoryMB = pr.maxMem
		}
		if dr, ok := deploy[pairKey{key.step, key.resource}]; ok {
			sample.DeploymentTime = dr.download + dr.instanceStart
		}
		perRun[key.dryRunID] = append(perRun[key.dryRunID], set.Len())
		set.Add(sample)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "reading step_metrics")
	}

	stampPipelineInputVolumes(set, perRun, p)

	log.WithFields(log.Fields{
		"samples": set.Len(),
		"dryRuns": len(perRun),
	}).Info("Loaded dry-run metrics")
	return set, nil
}

// stampPipelineInputVolumes sets every sample's PipelineInputVolumeMB to
// its dry run's pipeline input volume: the summed input of the run's
// Source-step samples, falling back to the summed input of steps with no
// prerequisites when no source was measured.
func stampPipelineInputVolumes(set *Set, perRun map[int][]int, p *pipeline.Pipeline) {
	for _, idxs := range perRun {
		var fromSources, fromRoots float64
		for _, i := range idxs {
			s := set.samples[i]
			if p.Step(s.Step).Kind == pipeline.Source {
				fromSources += s.InputVolumeMB
			}
			if len(p.Prerequisites(s.Step)) == 0 {
				fromRoots += s.InputVolumeMB
			}
		}
		volume := fromSources
		if volume == 0 {
			volume = fromRoots
		}
		for _, i := range idxs {
			set.samples[i].PipelineInputVolumeMB = volume
		}
	}
}

func parseRunStepKey(cols map[string]string, p *pipeline.Pipeline, g *cluster.NetworkGraph) (runStepKey, error) {
	id, err := strconv.Atoi(cols["dry_run_id"])
	if err != nil {
		return runStepKey{}, errors.Wrapf(err, "bad dry_run_id %q", cols["dry_run_id"])
	}
	step, resource, err := parsePair(cols, p, g)
	if err != nil {
		return runStepKey{}, err
	}
	return runStepKey{dryRunID: id, step: step, resource: resource}, nil
}

func parsePair(cols map[string]string, p *pipeline.Pipeline, g *cluster.NetworkGraph) (pipeline.StepID, cluster.ResourceID, error) {
	step, ok := p.StepByName(cols["step"])
	if !ok {
		return pipeline.NoStep, cluster.NoResource, errors.Errorf("unknown step %q", cols["step"])
	}
	resource, ok := g.ResourceByName(cols["resource"])
	if !ok {
		return pipeline.NoStep, cluster.NoResource, errors.Errorf("unknown resource %q", cols["resource"])
	}
	return step, resource, nil
}

func floatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// eachRow reads a headered CSV and invokes fn with a column-name -> value
// map per row. Required columns missing from the header fail immediately.
func eachRow(r io.Reader, required []string, fn func(map[string]string) error) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err == io.EOF {
		return errors.New("empty file")
	}
	if err != nil {
		return err
	}
	index := map[string]int{}
	for i, name := range header {
		index[name] = i
	}
	for _, name := range required {
		if _, ok := index[name]; !ok {
			return errors.Errorf("missing column %q", name)
		}
	}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		cols := make(map[string]string, len(index))
		for name, i := range index {
			if i < len(record) {
				cols[name] = record[i]
			}
		}
		if err := fn(cols); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
	}
}
