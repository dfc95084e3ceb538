package stats

// Instrument names recorded by the scheduling engine.
const (
	// SchedTuplesEvaluatedCounter counts (permutation, assignment, scaling)
	// tuples the search evaluated.
	SchedTuplesEvaluatedCounter = "tuplesEvaluated"

	// SchedPrunedDeadlineCounter counts candidates discarded for exceeding
	// the deadline fraction.
	SchedPrunedDeadlineCounter = "prunedDeadline"

	// SchedPrunedBudgetCounter counts candidates discarded for exceeding
	// the budget fraction.
	SchedPrunedBudgetCounter = "prunedBudget"

	// SchedPrunedDominatedCounter counts candidates discarded for scoring
	// worse than the running best.
	SchedPrunedDominatedCounter = "prunedDominated"

	// SchedSampleGapCounter counts placements skipped because no dry run
	// covers the (step, resource) pair.
	SchedSampleGapCounter = "sampleGaps"

	// SchedDuplicatesFoldedCounter counts tying timelines folded into an
	// already retained equal candidate.
	SchedDuplicatesFoldedCounter = "duplicatesFolded"

	// SchedLevelLatency_ms times the enumeration of one pipeline level.
	SchedLevelLatency_ms = "levelLatency_ms"

	// SchedBestScoreGauge tracks the best score seen so far.
	SchedBestScoreGauge = "bestScore"
)
