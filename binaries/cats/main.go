// The cats binary plans a pipeline onto a resource continuum: it loads the
// pipeline descriptor, resource catalog, and dry-run metrics, runs the
// timeline search, and writes one CSV per produced timeline plus a summary
// line on stdout.
//
// Exit codes: 0 with at least one timeline, 2 on infeasibility, 3 on
// malformed input, 4 when a required (step, resource) pair has no dry-run
// coverage and no forced deployment bypasses it.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/catsproject/cats/common/log/hooks"
	"github.com/catsproject/cats/common/stats"
	"github.com/catsproject/cats/input"
	"github.com/catsproject/cats/scheduler/estimator"
	"github.com/catsproject/cats/scheduler/server"
)

const (
	exitInfeasible     = 2
	exitMalformedInput = 3
	exitSampleGap      = 4
)

type options struct {
	pipelinePath    string
	resourcesPath   string
	edgesPath       string
	stepMetrics     string
	perfMetrics     string
	deployMetrics   string
	deadline        float64
	budget          float64
	inputVolumeMB   float64
	maxScalability  int
	forced          []string
	workers         int
	wallClockBudget time.Duration
	cpuHeadroom     float64
	memHeadroom     float64
	firstTieOnly    bool
	outputDir       string
}

func main() {
	log.AddHook(hooks.NewContextHook())
	if loglevel := os.Getenv("CATS_LOGLEVEL"); loglevel != "" {
		if level, err := log.ParseLevel(loglevel); err == nil {
			log.SetLevel(level)
		}
	}

	opts := options{}
	rootCmd := &cobra.Command{
		Use:   "cats",
		Short: "Context-aware timeline scheduler for pipeline placement on a compute continuum",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(opts)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&opts.pipelinePath, "pipeline", "pipeline.yaml", "pipeline descriptor")
	flags.StringVar(&opts.resourcesPath, "resources", "resources.csv", "resource catalog")
	flags.StringVar(&opts.edgesPath, "network", "network.csv", "pairwise network edges")
	flags.StringVar(&opts.stepMetrics, "step-metrics", "step_metrics.csv", "dry-run step metrics")
	flags.StringVar(&opts.perfMetrics, "performance-metrics", "step_performance_metrics.csv", "dry-run performance metrics")
	flags.StringVar(&opts.deployMetrics, "deployment-metrics", "deployment_metrics.csv", "dry-run deployment metrics")
	flags.Float64Var(&opts.deadline, "deadline", 0, "deadline in seconds")
	flags.Float64Var(&opts.budget, "budget", 0, "budget in USD")
	flags.Float64Var(&opts.inputVolumeMB, "input-volume", 0, "pipeline input volume in MB")
	flags.IntVar(&opts.maxScalability, "max-scalability", 0, "max replicas per scalable step (1 disables scaling, 0 no user cap)")
	flags.StringArrayVar(&opts.forced, "force", nil, "forced deployment step=resource (repeatable)")
	flags.IntVar(&opts.workers, "workers", server.DefaultNumWorkers, "parallel tuple evaluations")
	flags.DurationVar(&opts.wallClockBudget, "timeout", 0, "wall-clock budget for the search (0 = none)")
	flags.Float64Var(&opts.cpuHeadroom, "cpu-headroom", server.DefaultHeadroom, "CPU reservation safety factor")
	flags.Float64Var(&opts.memHeadroom, "mem-headroom", server.DefaultHeadroom, "memory reservation safety factor")
	flags.BoolVar(&opts.firstTieOnly, "first-tie-only", false, "emit only the first of tying timelines")
	flags.StringVar(&opts.outputDir, "output-dir", ".", "directory timeline CSVs are written to")

	if err := rootCmd.Execute(); err != nil {
		switch {
		case server.IsSampleGap(err) || errors.Is(err, estimator.ErrNoCoverage):
			os.Exit(exitSampleGap)
		case isInfeasible(err):
			os.Exit(exitInfeasible)
		default:
			os.Exit(exitMalformedInput)
		}
	}
}

func isInfeasible(err error) bool {
	_, ok := err.(*server.InfeasibleError)
	return ok
}

func run(opts options) error {
	pipe, err := input.LoadPipeline(opts.pipelinePath)
	if err != nil {
		return errors.Wrap(err, "loading pipeline")
	}
	graph, err := input.LoadResources(opts.resourcesPath, opts.edgesPath)
	if err != nil {
		return errors.Wrap(err, "loading resources")
	}
	samples, err := input.LoadDryRuns(opts.stepMetrics, opts.perfMetrics, opts.deployMetrics, pipe, graph)
	if err != nil {
		return errors.Wrap(err, "loading dry-run metrics")
	}
	forced, err := input.ParseForcedDeployments(opts.forced, pipe, graph)
	if err != nil {
		return err
	}

	cfg := server.SchedulerConfig{
		Deadline:          opts.deadline,
		Budget:            opts.budget,
		InputVolumeMB:     opts.inputVolumeMB,
		MaxScalability:    opts.maxScalability,
		ForcedDeployments: forced,
		NumWorkers:        opts.workers,
		WallClockBudget:   opts.wallClockBudget,
		CPUHeadroom:       opts.cpuHeadroom,
		MemHeadroom:       opts.memHeadroom,
		FirstTieOnly:      opts.firstTieOnly,
	}
	sched, err := server.NewScheduler(pipe, graph, samples, cfg, stats.DefaultStatsReceiver())
	if err != nil {
		return err
	}
	timelines, err := sched.Schedule()
	if err != nil {
		return err
	}

	for i, tl := range timelines {
		name := fmt.Sprintf("timeline_%s_%d.csv", sched.RunID(), i)
		path := filepath.Join(opts.outputDir, name)
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "creating %s", path)
		}
		if err := tl.WriteCSV(f); err != nil {
			f.Close()
			return errors.Wrapf(err, "writing %s", path)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("%s total_time=%g resource_cost=%g transmission_cost=%g combined_score=%g\n",
			name, tl.TotalTime(), tl.ResourceCost(), tl.DataTransmissionCost(), sched.Score(tl))
	}
	log.WithFields(log.Fields{
		"runID":     sched.RunID(),
		"timelines": len(timelines),
	}).Info("Wrote timelines")
	return nil
}
