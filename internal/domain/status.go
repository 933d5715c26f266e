package domain

import "fmt"

// Status is the shared lifecycle state for assets, products, jobs and
// post-process chunks.
type Status string

const (
	StatusRequested      Status = "requested"
	StatusInitializing   Status = "initializing"
	StatusScheduled      Status = "scheduled"
	StatusInProgress     Status = "in-progress"
	StatusRetry          Status = "retry"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
	StatusPostProcessing Status = "post-processing"
)

// transitions is the legal edge set. Failures are only reachable through
// in-progress; the retry-exhaustion path uses ForceFail instead of Advance.
var transitions = map[Status][]Status{
	StatusRequested:      {StatusInitializing, StatusScheduled},
	StatusInitializing:   {StatusScheduled},
	StatusScheduled:      {StatusInProgress},
	StatusInProgress:     {StatusComplete, StatusRetry, StatusFailed, StatusPostProcessing},
	StatusRetry:          {StatusRequested},
	StatusPostProcessing: {StatusComplete, StatusFailed},
}

// InvalidTransitionError reports an attempt to move an entity along an edge
// the status model does not allow.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusInitializing, StatusScheduled, StatusInProgress,
		StatusRetry, StatusComplete, StatusFailed, StatusPostProcessing:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Advance validates the transition from cur to next. It returns an
// *InvalidTransitionError for edges outside the transition table.
func Advance(cur, next Status) error {
	for _, allowed := range transitions[cur] {
		if allowed == next {
			return nil
		}
	}
	return &InvalidTransitionError{From: cur, To: next}
}

// WorkingStatuses are statuses that count as "being worked on": an item in
// one of these may still have a live backing task-queue job.
var WorkingStatuses = []Status{
	StatusRequested,
	StatusInitializing,
	StatusScheduled,
	StatusInProgress,
	StatusRetry,
}

// SatisfyingStatuses is the set of asset statuses that satisfy a product
// dependency. It is intentionally optimistic: in-flight assets count, so a
// product can be scheduled before its assets actually finish.
var SatisfyingStatuses = []Status{
	StatusRequested,
	StatusScheduled,
	StatusInProgress,
	StatusRetry,
	StatusComplete,
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// WorkingStatusStrings returns WorkingStatuses as plain strings for SQL IN clauses.
func WorkingStatusStrings() []string { return statusStrings(WorkingStatuses) }

// SatisfyingStatusStrings returns SatisfyingStatuses as plain strings for SQL IN clauses.
func SatisfyingStatusStrings() []string { return statusStrings(SatisfyingStatuses) }
