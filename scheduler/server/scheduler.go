package server

import (
	"math"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/common/log/hooks"
	"github.com/catsproject/cats/common/stats"
	"github.com/catsproject/cats/dryrun"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/estimator"
	"github.com/catsproject/cats/scheduler/timeline"
)

const scoreCacheSize = 4096

// Used to get proper logging from tests.
func init() {
	if loglevel := os.Getenv("CATS_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	} else {
		log.SetLevel(log.ErrorLevel)
	}
}

// Scheduler plans a pipeline onto the resource continuum. Construct with
// NewScheduler, which precomputes the estimation cache, then call Schedule.
// The pipeline, graph, sample set, and cache are read-only after
// construction, so Schedule may be called repeatedly.
type Scheduler struct {
	pipe  *pipeline.Pipeline
	graph *cluster.NetworkGraph
	cfg   SchedulerConfig
	cache *estimator.Cache
	stat  stats.StatsReceiver
	runID string

	forced map[pipeline.StepID]cluster.ResourceID

	scoreMu    sync.Mutex
	scoreCache *lru.Cache // canonical key -> score, survivors get rescored every round
}

// NewScheduler validates the configuration and builds the estimation cache
// for every (step, resource, producer resource) combination at the
// configured input volume. A step with no dry-run coverage on any resource
// and no forced deployment fails here with estimator.ErrNoCoverage.
func NewScheduler(p *pipeline.Pipeline, g *cluster.NetworkGraph, samples *dryrun.Set,
	cfg SchedulerConfig, stat stats.StatsReceiver) (*Scheduler, error) {

	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	forced := map[pipeline.StepID]cluster.ResourceID{}
	forcedSteps := map[pipeline.StepID]bool{}
	for _, fd := range cfg.ForcedDeployments {
		if prev, ok := forced[fd.Step]; ok && prev != fd.Resource {
			return nil, errors.Errorf("step %q forced to both %q and %q",
				p.Step(fd.Step).Name, g.Resource(prev).Name, g.Resource(fd.Resource).Name)
		}
		forced[fd.Step] = fd.Resource
		forcedSteps[fd.Step] = true
	}

	cache, err := estimator.BuildFromSamples(p, g, samples,
		estimator.Config{CPUHeadroom: cfg.CPUHeadroom, MemHeadroom: cfg.MemHeadroom},
		cfg.InputVolumeMB, forcedSteps)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating run id")
	}
	scoreCache, err := lru.New(scoreCacheSize)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		pipe:       p,
		graph:      g,
		cfg:        cfg,
		cache:      cache,
		stat:       stat.Scope("sched"),
		runID:      id.String(),
		forced:     forced,
		scoreCache: scoreCache,
	}, nil
}

// RunID identifies this scheduler instance in logs and summaries.
func (s *Scheduler) RunID() string { return s.runID }

// Score is the combined objective of a timeline under this scheduler's
// deadline and budget: time fraction plus cost fraction, lower is better.
func (s *Scheduler) Score(t *timeline.Timeline) float64 {
	return s.scoreOf(t.CanonicalKey(), t)
}

func (s *Scheduler) scoreOf(key string, t *timeline.Timeline) float64 {
	s.scoreMu.Lock()
	defer s.scoreMu.Unlock()
	if v, ok := s.scoreCache.Get(key); ok {
		return v.(float64)
	}
	score := s.timeFraction(t) + s.costFraction(t)
	s.scoreCache.Add(key, score)
	return score
}

func (s *Scheduler) timeFraction(t *timeline.Timeline) float64 {
	return t.TotalTime() / s.cfg.Deadline
}

func (s *Scheduler) costFraction(t *timeline.Timeline) float64 {
	return (t.ResourceCost() + t.DataTransmissionCost()) / s.cfg.Budget
}

// Schedule runs the level-by-level search and returns the minimum-score
// timelines, ordered by canonical key. An empty pipeline yields one empty
// timeline. When every candidate of some level prunes away, the returned
// error is an *InfeasibleError carrying the dominant prune reason.
func (s *Scheduler) Schedule() ([]*timeline.Timeline, error) {
	start := time.Now()
	levels := s.pipe.Levels()
	candidates := []*timeline.Timeline{timeline.New(s.pipe, s.graph)}

	log.WithFields(log.Fields{
		"runID":   s.runID,
		"levels":  len(levels),
		"steps":   s.pipe.NumSteps(),
		"workers": s.cfg.NumWorkers,
	}).Info("Starting timeline search")

	for i, level := range levels {
		survivors, reasons, err := s.scheduleLevel(i, level, candidates, start)
		if err != nil {
			return nil, err
		}
		if len(survivors) == 0 {
			reason := dominantReason(reasons)
			log.WithFields(log.Fields{
				"runID":  s.runID,
				"level":  i,
				"reason": reason.String(),
			}).Warn("Search infeasible")
			return nil, &InfeasibleError{Level: i, Reason: reason}
		}
		candidates = survivors
		log.WithFields(log.Fields{
			"runID":      s.runID,
			"level":      i,
			"candidates": len(candidates),
		}).Info("Level complete")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CanonicalKey() < candidates[j].CanonicalKey()
	})
	if s.cfg.FirstTieOnly && len(candidates) > 1 {
		candidates = candidates[:1]
	}
	log.WithFields(log.Fields{
		"runID":     s.runID,
		"timelines": len(candidates),
		"elapsed":   time.Since(start),
	}).Info("Search finished")
	return candidates, nil
}

// dominantReason picks the surfaced infeasibility cause: the most frequent
// prune reason, preferring budget, then deadline, then sample gap on ties.
// Dominated prunes never decide infeasibility on their own; if everything
// was merely dominated the search is inconsistent, so sample gap is
// reported as the safest diagnosis.
func dominantReason(reasons map[PruneReason]int) PruneReason {
	ordered := []PruneReason{PruneBudget, PruneDeadline, PruneSampleGap}
	best := PruneSampleGap
	bestCount := 0
	for _, r := range ordered {
		if reasons[r] > bestCount {
			best = r
			bestCount = reasons[r]
		}
	}
	return best
}

// bestSet accumulates the minimum-score timelines of one enumeration
// round. Callbacks run on the driver goroutine; the mutex exists so worker
// tasks can read the running best score while evaluating.
type bestSet struct {
	mu      sync.Mutex
	score   float64
	keys    map[string]bool
	list    []*timeline.Timeline
	reasons map[PruneReason]int
	fatal   error
}

func newBestSet() *bestSet {
	return &bestSet{
		score:   math.Inf(1),
		keys:    map[string]bool{},
		reasons: map[PruneReason]int{},
	}
}

func (b *bestSet) bestScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.score
}

func (b *bestSet) recordPrune(r PruneReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasons[r]++
}

func (b *bestSet) recordFatal(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal == nil {
		b.fatal = err
	}
}

func (b *bestSet) fatalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// offer folds a finished candidate in: strictly better scores reset the
// set, ties extend it unless an equal timeline is already retained.
// Returns true when the candidate was kept.
func (b *bestSet) offer(t *timeline.Timeline, key string, score float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case score < b.score:
		b.score = score
		b.keys = map[string]bool{key: true}
		b.list = []*timeline.Timeline{t}
		return true
	case score == b.score && !b.keys[key]:
		b.keys[key] = true
		b.list = append(b.list, t)
		return true
	}
	return false
}

func (b *bestSet) timelines() []*timeline.Timeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*timeline.Timeline, len(b.list))
	copy(out, b.list)
	return out
}
