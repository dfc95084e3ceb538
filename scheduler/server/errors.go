package server

import "fmt"

// PruneReason classifies why a candidate placement was discarded.
type PruneReason int

const (
	PruneNone PruneReason = iota

	// PruneDeadline - the partial timeline's time fraction exceeded 1.
	PruneDeadline

	// PruneBudget - the partial timeline's cost fraction exceeded 1.
	PruneBudget

	// PruneSampleGap - no dry run covers a (step, resource) pair the
	// placement needed.
	PruneSampleGap

	// PruneDominated - the partial timeline scored worse than the running
	// best; never surfaced as an infeasibility reason.
	PruneDominated
)

func (r PruneReason) String() string {
	switch r {
	case PruneDeadline:
		return "DeadlineExceeded"
	case PruneBudget:
		return "BudgetExceeded"
	case PruneSampleGap:
		return "InsufficientSamples"
	case PruneDominated:
		return "Dominated"
	}
	return "None"
}

// InfeasibleError reports that no candidate survived the search, carrying
// the dominant prune reason of the level that emptied out.
type InfeasibleError struct {
	Level  int
	Reason PruneReason
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("no feasible schedule: level %d emptied, dominant prune reason %s", e.Level, e.Reason)
}

// IsSampleGap reports whether an infeasibility was caused by missing
// dry-run coverage rather than by the deadline or budget.
func IsSampleGap(err error) bool {
	ie, ok := err.(*InfeasibleError)
	return ok && ie.Reason == PruneSampleGap
}
