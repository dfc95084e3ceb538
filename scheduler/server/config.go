// Package server implements the candidate-schedule search: level-by-level
// enumeration of step orderings, resource assignments, and replication
// factors over an evolving timeline, keeping the minimum-score candidates.
package server

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
)

const (
	// Provide defaults for config settings that should never be
	// uninitialized/zero.

	// Number of parallel tuple evaluations.
	DefaultNumWorkers = 12

	// Safety factor over observed dry-run usage when reserving hardware.
	DefaultHeadroom = 1.0
)

// ForcedDeployment pins a step to a resource, removing every alternative
// placement of that step from the search space.
type ForcedDeployment struct {
	Step     pipeline.StepID
	Resource cluster.ResourceID
}

// SchedulerConfig variables read at initialization.
//
// Deadline, Budget - normalizers of the score and hard prune triggers; a
//
//	partial timeline whose time or cost fraction exceeds 1 is discarded.
//	Use math.Inf(1) to optimize purely for the other axis.
//
// InputVolumeMB - the operating input volume estimates are derived at.
//
// MaxScalability - upper bound on replicas per scalable step; 1 disables
//
//	replication, 0 leaves it bounded by the producer/consumer rate ratio
//	and the producer's output count.
//
// WallClockBudget - overall search time budget; when exceeded, in-flight
//
//	evaluations drain and the best-so-far set is returned. Zero means no
//	budget.
//
// FirstTieOnly - collapse the output to the lexicographically first of the
//
//	tying minimum-score timelines instead of returning all of them.
type SchedulerConfig struct {
	Deadline          float64
	Budget            float64
	InputVolumeMB     float64
	MaxScalability    int
	ForcedDeployments []ForcedDeployment
	NumWorkers        int
	WallClockBudget   time.Duration
	CPUHeadroom       float64
	MemHeadroom       float64
	FirstTieOnly      bool
}

// WithDefaults normalizes zero values.
func (c SchedulerConfig) WithDefaults() SchedulerConfig {
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.CPUHeadroom <= 0 {
		c.CPUHeadroom = DefaultHeadroom
	}
	if c.MemHeadroom <= 0 {
		c.MemHeadroom = DefaultHeadroom
	}
	return c
}

func (c SchedulerConfig) validate() error {
	if c.Deadline <= 0 || math.IsNaN(c.Deadline) {
		return errors.Errorf("deadline must be positive, got %g", c.Deadline)
	}
	if c.Budget <= 0 || math.IsNaN(c.Budget) {
		return errors.Errorf("budget must be positive, got %g", c.Budget)
	}
	if c.InputVolumeMB < 0 || math.IsNaN(c.InputVolumeMB) {
		return errors.Errorf("input volume must be non-negative, got %g", c.InputVolumeMB)
	}
	if c.MaxScalability < 0 {
		return errors.Errorf("max scalability must be >= 0, got %d", c.MaxScalability)
	}
	return nil
}
