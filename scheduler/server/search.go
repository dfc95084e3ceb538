package server

import (
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/catsproject/cats/async"
	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/common/stats"
	"github.com/catsproject/cats/pipeline"
	"github.com/catsproject/cats/scheduler/estimator"
	"github.com/catsproject/cats/scheduler/timeline"
)

// searchTuple is one unit of work for the pool: extend a base timeline by
// placing steps[i] on resources[i] in order. For scaled tuples the scaled
// step appears scaleAmount times in steps and its input share is
// partitioned across the occurrences.
type searchTuple struct {
	base        *timeline.Timeline
	steps       []pipeline.StepID
	resources   []cluster.ResourceID
	scaledStep  pipeline.StepID
	scaleAmount int
	totalInputs int
}

type tupleResult struct {
	tl    *timeline.Timeline
	key   string
	score float64
	prune PruneReason
	err   error
}

// scheduleLevel enumerates placements for one topological level over the
// incoming candidate timelines and returns the surviving minimum-score
// set plus the prune counts of the final round (for infeasibility
// diagnosis).
func (s *Scheduler) scheduleLevel(levelIdx int, level []pipeline.StepID,
	candidates []*timeline.Timeline, searchStart time.Time) ([]*timeline.Timeline, map[PruneReason]int, error) {

	defer s.stat.Latency(stats.SchedLevelLatency_ms).Time().Stop()

	remaining := append([]pipeline.StepID{}, level...)
	current := candidates
	lastReasons := map[PruneReason]int{}

	for len(remaining) > 0 {
		ready := s.readySteps(remaining)
		if len(ready) == 0 {
			// Dependencies within the level can never empty the ready set
			// for an acyclic pipeline; treat it as a coverage failure.
			log.WithFields(log.Fields{
				"runID": s.runID,
				"level": levelIdx,
			}).Error("Ready set empty with steps remaining")
			return nil, map[PruneReason]int{PruneSampleGap: 1}, nil
		}

		best := newBestSet()
		runner := async.NewRunner(s.cfg.NumWorkers)
		s.dispatchRound(runner, best, current, ready, searchStart)
		runner.Drain()
		runner.Close()

		if err := best.fatalErr(); err != nil {
			// A reservation conflict escaping the pre-queried placement
			// path indicates a bug in the packing logic, not an
			// unschedulable input.
			log.WithFields(log.Fields{
				"runID": s.runID,
				"level": levelIdx,
				"err":   err,
			}).Error("Fatal error during tuple evaluation")
			return nil, nil, err
		}

		s.stat.Gauge(stats.SchedBestScoreGauge).Update(best.bestScore())
		next := best.timelines()
		if len(next) == 0 && s.outOfTime(searchStart) {
			// The wall-clock budget ran out before this round produced a
			// candidate; keep the best-so-far set.
			return current, lastReasons, nil
		}
		current = next
		lastReasons = best.reasons
		if len(current) == 0 {
			return nil, lastReasons, nil
		}
		remaining = removeSteps(remaining, ready)
	}
	return current, lastReasons, nil
}

// dispatchRound submits every (candidate, permutation, assignment) tuple of
// one ready set, plus the scaling extensions of scalable steps, to the
// worker pool.
func (s *Scheduler) dispatchRound(runner *async.Runner, best *bestSet,
	candidates []*timeline.Timeline, ready []pipeline.StepID, searchStart time.Time) {

	merge := func(v interface{}) {
		res := v.(tupleResult)
		s.stat.Counter(stats.SchedTuplesEvaluatedCounter).Inc(1)
		if res.err != nil {
			best.recordFatal(res.err)
			return
		}
		if res.prune != PruneNone {
			best.recordPrune(res.prune)
			switch res.prune {
			case PruneDeadline:
				s.stat.Counter(stats.SchedPrunedDeadlineCounter).Inc(1)
			case PruneBudget:
				s.stat.Counter(stats.SchedPrunedBudgetCounter).Inc(1)
			case PruneDominated:
				s.stat.Counter(stats.SchedPrunedDominatedCounter).Inc(1)
			case PruneSampleGap:
				s.stat.Counter(stats.SchedSampleGapCounter).Inc(1)
			}
			return
		}
		if !best.offer(res.tl, res.key, res.score) {
			s.stat.Counter(stats.SchedDuplicatesFoldedCounter).Inc(1)
		}
	}

	submit := func(tp searchTuple) {
		runner.RunAsync(func() interface{} {
			return s.evaluateTuple(tp, best.bestScore)
		}, merge)
		// Fold any finished results so the running best tightens while
		// dispatch continues.
		runner.ProcessMessages()
	}

	for _, base := range candidates {
		for _, perm := range permutations(ready) {
			choices := s.resourceChoices(perm)
			for _, assignment := range cartesian(choices) {
				if s.outOfTime(searchStart) {
					log.WithFields(log.Fields{"runID": s.runID}).Warn("Wall-clock budget exhausted, draining")
					return
				}
				submit(searchTuple{
					base:       base,
					steps:      perm,
					resources:  assignment,
					scaledStep: pipeline.NoStep,
				})
				s.dispatchScaled(submit, base, perm, assignment, searchStart)
			}
		}
	}
}

// dispatchScaled submits the replication variants of every scalable,
// unforced step of the permutation: K replicas for K in 2..maxK, each with
// every choice of K-1 additional resources.
func (s *Scheduler) dispatchScaled(submit func(searchTuple), base *timeline.Timeline,
	perm []pipeline.StepID, assignment []cluster.ResourceID, searchStart time.Time) {

	if s.cfg.MaxScalability == 1 {
		return
	}
	eligible := s.graph.Eligible()
	for i, step := range perm {
		if !s.pipe.IsScalable(step) {
			continue
		}
		if _, isForced := s.forced[step]; isForced {
			continue
		}
		totalInputs, ok := s.scalableStepTotalInputs(step)
		if !ok {
			continue
		}
		maxK := s.maxScalability(base, step, assignment[i])
		if s.cfg.MaxScalability > 0 && maxK > s.cfg.MaxScalability {
			maxK = s.cfg.MaxScalability
		}
		for k := 2; k <= maxK; k++ {
			extraChoices := make([][]cluster.ResourceID, k-1)
			for j := range extraChoices {
				extraChoices[j] = eligible
			}
			for _, extras := range cartesian(extraChoices) {
				if s.outOfTime(searchStart) {
					return
				}
				steps := append(append([]pipeline.StepID{}, perm...), repeatStep(step, k-1)...)
				resources := append(append([]cluster.ResourceID{}, assignment...), extras...)
				submit(searchTuple{
					base:        base,
					steps:       steps,
					resources:   resources,
					scaledStep:  step,
					scaleAmount: k,
					totalInputs: totalInputs,
				})
			}
		}
	}
}

// evaluateTuple speculatively extends a copy of the tuple's base timeline,
// placing each step in order, and scores the result. bestScore is read
// between placements so dominated partial timelines abandon early.
func (s *Scheduler) evaluateTuple(tp searchTuple, bestScore func() float64) tupleResult {
	tl := tp.base.Clone()
	var shares []int
	if tp.scaledStep != pipeline.NoStep {
		shares = estimator.ShareInputs(tp.totalInputs, tp.scaleAmount)
	}

	for i, step := range tp.steps {
		resource := tp.resources[i]

		req, ok := s.cache.Requirement(step, resource)
		if !ok || !req.FitsOn(s.graph.Resource(resource)) {
			return tupleResult{prune: PruneSampleGap}
		}
		resv := timeline.Reservation{CPUCores: req.CPUCores, MemoryMB: req.MemoryMB}

		est, syncPos, prune, err := s.placementEstimate(tl, step, resource, tp, shares)
		if err != nil {
			return tupleResult{err: err}
		}
		if prune != PruneNone {
			return tupleResult{prune: prune}
		}

		earliest := syncPos - est.Estimate.ProvisioningAndDeploymentTime()
		if earliest < 0 {
			earliest = 0
		}
		start := tl.EarliestAvailablePositionAfter(resource, resv, est.Estimate.TotalTime(), earliest)

		producer := est.ProducerResource
		ev := &timeline.Event{
			Step:             step,
			Resource:         resource,
			ProducerResource: producer,
			Start:            start,
			Estimate:         est.Estimate,
			Reservation:      resv,
			TransferVolumeMB: est.InputVolumeMB,
		}
		if err := tl.AddEvent(ev); err != nil {
			return tupleResult{err: errors.Wrap(err, "placement rejected after pre-query")}
		}

		timeFraction := s.timeFraction(tl)
		costFraction := s.costFraction(tl)
		if timeFraction > 1 {
			return tupleResult{prune: PruneDeadline}
		}
		if costFraction > 1 {
			return tupleResult{prune: PruneBudget}
		}
		if timeFraction+costFraction > bestScore() {
			return tupleResult{prune: PruneDominated}
		}
	}

	key := tl.CanonicalKey()
	return tupleResult{tl: tl, key: key, score: s.scoreOf(key, tl)}
}

// placementEstimate resolves the estimate for placing a step on a
// resource given the timeline so far: the synchronization floor against
// its prerequisites, the producer resource context, and, for the scaled
// step, its partitioned input share.
func (s *Scheduler) placementEstimate(tl *timeline.Timeline, step pipeline.StepID,
	resource cluster.ResourceID, tp searchTuple,
	shares []int) (estimator.StepEstimate, float64, PruneReason, error) {

	parents := s.pipe.PrerequisiteSteps(step)
	if len(parents) == 0 {
		est, ok := s.cache.Estimate(step, resource, resource)
		if !ok {
			return estimator.StepEstimate{}, 0, PruneSampleGap, nil
		}
		return est, 0, PruneNone, nil
	}

	scaleLevel := 1
	if step == tp.scaledStep {
		scaleLevel = len(tl.EventsOfStep(step)) + 1
	}

	// The synchronization floor is the max over synchronous parents of
	// their finish bound and, for consumers, the streaming position of the
	// asynchronous producer at this replica's scale level.
	var syncPos float64
	for _, p := range s.pipe.SyncPrerequisites(step) {
		if len(tl.EventsOfStep(p)) == 0 {
			continue
		}
		if bound := tl.StepSynchronizationPosition(p, 1); bound > syncPos {
			syncPos = bound
		}
	}
	if ap := s.pipe.AsyncPrerequisite(step); ap != pipeline.NoStep && len(tl.EventsOfStep(ap)) > 0 {
		if bound := tl.StepSynchronizationPosition(ap, scaleLevel); bound > syncPos {
			syncPos = bound
		}
	}

	latest, ok := tl.LatestFinishingStep(parents)
	if !ok {
		return estimator.StepEstimate{}, 0, PruneNone,
			errors.Errorf("prerequisites of step %q not scheduled before it", s.pipe.Step(step).Name)
	}
	producerResource, _ := tl.ScheduledResourceOfStep(latest)

	est, found := s.cache.Estimate(step, resource, producerResource)
	if !found {
		return estimator.StepEstimate{}, 0, PruneSampleGap, nil
	}

	if step == tp.scaledStep {
		// Replica i of the scaled step takes the i-th partitioned share.
		share := 0
		if scaleLevel-1 < len(shares) {
			share = shares[scaleLevel-1]
		}
		est.Estimate = est.Estimate.WithInputShare(share)
	}
	return est, syncPos, PruneNone, nil
}

// maxScalability bounds useful replication of a consumer: enough replicas
// that their combined per-input rate keeps up with the producer's total
// production time, never more than the producer emits outputs.
func (s *Scheduler) maxScalability(tl *timeline.Timeline, step pipeline.StepID, resource cluster.ResourceID) int {
	producer := s.pipe.AsyncPrerequisite(step)
	if producer == pipeline.NoStep {
		return 1
	}
	producerResource, scheduled := tl.ScheduledResourceOfStep(producer)
	var producerEst estimator.Estimate
	if scheduled {
		events := tl.EventsOfStep(producer)
		producerEst = events[len(events)-1].Estimate
	} else {
		// The producer lands somewhere during this same round; bound the
		// exploration by its worst-performing placement.
		producerResource = s.worstProducerResource(producer)
		if producerResource == cluster.NoResource {
			return 1
		}
		est, ok := s.cache.Estimate(producer, producerResource, producerResource)
		if !ok {
			return 1
		}
		producerEst = est.Estimate
	}

	consumerEst, ok := s.cache.Estimate(step, resource, producerResource)
	if !ok {
		return 1
	}
	perInput := consumerEst.Estimate.PerInput
	produceTotal := producerEst.PerOutput * float64(producerEst.ProducedOutputs())
	if perInput <= 0 || produceTotal <= 0 {
		return 1
	}
	k := int(math.Ceil(produceTotal / perInput))
	if outputs := producerEst.ProducedOutputs(); k > outputs {
		k = outputs
	}
	if k < 1 {
		k = 1
	}
	return k
}

// worstProducerResource is the resource with the slowest per-output
// production of a step, by arena order on ties.
func (s *Scheduler) worstProducerResource(producer pipeline.StepID) cluster.ResourceID {
	worst := cluster.NoResource
	var worstPerOutput float64
	for _, r := range s.graph.Resources() {
		est, ok := s.cache.Estimate(producer, r, r)
		if !ok {
			continue
		}
		if worst == cluster.NoResource || est.Estimate.PerOutput > worstPerOutput {
			worst = r
			worstPerOutput = est.Estimate.PerOutput
		}
	}
	return worst
}

// scalableStepTotalInputs is the input count the replicas of a scalable
// step partition. The first eligible resource's self-fed estimate fixes
// the figure so every scaling tuple partitions the same total.
func (s *Scheduler) scalableStepTotalInputs(step pipeline.StepID) (int, bool) {
	for _, r := range s.graph.Eligible() {
		if est, ok := s.cache.Estimate(step, r, r); ok {
			return est.Estimate.TransmittedInputs(), true
		}
	}
	return 0, false
}

// readySteps filters the remaining level steps down to those with no
// prerequisite of any kind still unscheduled in the same set.
func (s *Scheduler) readySteps(remaining []pipeline.StepID) []pipeline.StepID {
	inSet := map[pipeline.StepID]bool{}
	for _, step := range remaining {
		inSet[step] = true
	}
	var ready []pipeline.StepID
	for _, step := range remaining {
		blocked := false
		for _, p := range s.pipe.PrerequisiteSteps(step) {
			if inSet[p] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, step)
		}
	}
	return ready
}

// resourceChoices is the per-step resource candidate list: the forced
// resource alone for pinned steps, every eligible resource otherwise.
func (s *Scheduler) resourceChoices(steps []pipeline.StepID) [][]cluster.ResourceID {
	eligible := s.graph.Eligible()
	choices := make([][]cluster.ResourceID, len(steps))
	for i, step := range steps {
		if r, ok := s.forced[step]; ok {
			choices[i] = []cluster.ResourceID{r}
		} else {
			choices[i] = eligible
		}
	}
	return choices
}

func (s *Scheduler) outOfTime(searchStart time.Time) bool {
	return s.cfg.WallClockBudget > 0 && time.Since(searchStart) > s.cfg.WallClockBudget
}

func removeSteps(from, drop []pipeline.StepID) []pipeline.StepID {
	dropSet := map[pipeline.StepID]bool{}
	for _, s := range drop {
		dropSet[s] = true
	}
	var out []pipeline.StepID
	for _, s := range from {
		if !dropSet[s] {
			out = append(out, s)
		}
	}
	return out
}

func repeatStep(step pipeline.StepID, n int) []pipeline.StepID {
	out := make([]pipeline.StepID, n)
	for i := range out {
		out[i] = step
	}
	return out
}

// permutations enumerates all orderings of steps, lexicographically by
// input position.
func permutations(steps []pipeline.StepID) [][]pipeline.StepID {
	if len(steps) == 0 {
		return nil
	}
	var out [][]pipeline.StepID
	used := make([]bool, len(steps))
	perm := make([]pipeline.StepID, 0, len(steps))
	var recurse func()
	recurse = func() {
		if len(perm) == len(steps) {
			out = append(out, append([]pipeline.StepID{}, perm...))
			return
		}
		for i := range steps {
			if used[i] {
				continue
			}
			used[i] = true
			perm = append(perm, steps[i])
			recurse()
			perm = perm[:len(perm)-1]
			used[i] = false
		}
	}
	recurse()
	return out
}

// cartesian enumerates every combination taking one element from each
// choice list, in odometer order.
func cartesian(choices [][]cluster.ResourceID) [][]cluster.ResourceID {
	if len(choices) == 0 {
		return nil
	}
	for _, c := range choices {
		if len(c) == 0 {
			return nil
		}
	}
	idx := make([]int, len(choices))
	var out [][]cluster.ResourceID
	for {
		combo := make([]cluster.ResourceID, len(choices))
		for i, c := range choices {
			combo[i] = c[idx[i]]
		}
		out = append(out, combo)
		pos := len(choices) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(choices[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}
