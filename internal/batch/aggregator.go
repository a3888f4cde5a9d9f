// Package batch aggregates per-link completions into one terminal batch outcome.
package batch

import (
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Outcome is the aggregation state of a batch.
type Outcome string

// Aggregation states. Only the last three are terminal.
const (
	OutcomePending    Outcome = "PENDING"
	OutcomeSuccessAll Outcome = "SUCCESS_ALL"
	OutcomeFailedAll  Outcome = "FAILED_ALL"
	OutcomePartial    Outcome = "PARTIAL"
)

// IsTerminal reports whether the outcome ends the batch.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSuccessAll || o == OutcomeFailedAll || o == OutcomePartial
}

// RunStatus maps the outcome to the persisted run status.
func (o Outcome) RunStatus() tracker.RunStatus {
	switch o {
	case OutcomeSuccessAll:
		return tracker.RunSuccess
	case OutcomeFailedAll, OutcomePartial:
		return tracker.RunFailed
	default:
		return tracker.RunPending
	}
}

// Result is handed to the terminal callback.
type Result struct {
	RunID     string
	Outcome   Outcome
	Expected  int
	Succeeded []string
	Failed    []string
	// Completions holds the last completion recorded per key.
	Completions map[string]tracker.Completion
}

// Aggregator tracks outcomes for one run. It is safe for concurrent use.
type Aggregator struct {
	runID      string
	expected   int
	onTerminal func(Result)

	mu          sync.Mutex
	outcomes    map[string]bool
	completions map[string]tracker.Completion
	state       Outcome
	late        int
}

// New creates an Aggregator expecting the given number of distinct keys.
// With expected == 0 the aggregator starts terminal and never calls onTerminal.
func New(runID string, expected int, onTerminal func(Result)) *Aggregator {
	if expected < 0 {
		expected = 0
	}
	a := &Aggregator{
		runID:       runID,
		expected:    expected,
		onTerminal:  onTerminal,
		outcomes:    make(map[string]bool, expected),
		completions: make(map[string]tracker.Completion, expected),
		state:       OutcomePending,
	}
	if expected == 0 {
		a.state = OutcomeSuccessAll
	}
	return a
}

// RunID returns the run this aggregator belongs to.
func (a *Aggregator) RunID() string {
	return a.runID
}

// RecordOutcome stores the outcome for key and evaluates termination.
// It returns true when this call made the batch terminal.
func (a *Aggregator) RecordOutcome(key string, success bool) bool {
	return a.record(tracker.Completion{RunID: a.runID, Key: key, Success: success})
}

// Record stores a full completion. A completion without a key, or a failed
// completion without a reason, is still counted as a failure for its key.
func (a *Aggregator) Record(c tracker.Completion) bool {
	if strings.TrimSpace(c.Key) == "" {
		c.Key = strings.TrimSpace(c.URL)
		c.Success = false
	}
	if !c.Success && c.Reason == "" {
		c.Reason = tracker.ReasonAborted
	}
	return a.record(c)
}

func (a *Aggregator) record(c tracker.Completion) bool {
	a.mu.Lock()
	if a.state.IsTerminal() {
		a.late++
		a.mu.Unlock()
		return false
	}
	a.outcomes[c.Key] = c.Success
	a.completions[c.Key] = c
	next := a.evaluateLocked()
	if !next.IsTerminal() {
		a.mu.Unlock()
		return false
	}
	a.state = next
	result := a.resultLocked()
	a.mu.Unlock()

	if a.onTerminal != nil {
		a.onTerminal(result)
	}
	return true
}

func (a *Aggregator) evaluateLocked() Outcome {
	succeeded, failed := a.countsLocked()
	switch {
	case succeeded == a.expected:
		return OutcomeSuccessAll
	case failed == a.expected:
		return OutcomeFailedAll
	case succeeded+failed == a.expected:
		return OutcomePartial
	default:
		return OutcomePending
	}
}

func (a *Aggregator) countsLocked() (int, int) {
	var succeeded, failed int
	for _, ok := range a.outcomes {
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func (a *Aggregator) resultLocked() Result {
	res := Result{
		RunID:       a.runID,
		Outcome:     a.state,
		Expected:    a.expected,
		Completions: make(map[string]tracker.Completion, len(a.completions)),
	}
	for key, ok := range a.outcomes {
		if ok {
			res.Succeeded = append(res.Succeeded, key)
		} else {
			res.Failed = append(res.Failed, key)
		}
	}
	for key, c := range a.completions {
		res.Completions[key] = c
	}
	sort.Strings(res.Succeeded)
	sort.Strings(res.Failed)
	return res
}

// Counts returns successes, failures and the expected size.
func (a *Aggregator) Counts() (succeeded, failed, expected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	succeeded, failed = a.countsLocked()
	return succeeded, failed, a.expected
}

// State returns the current aggregation state.
func (a *Aggregator) State() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done reports whether the batch reached a terminal state.
func (a *Aggregator) Done() bool {
	return a.State().IsTerminal()
}

// Late returns how many completions arrived after the terminal decision.
func (a *Aggregator) Late() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

// Pending returns the keys from candidates that have not reported yet.
func (a *Aggregator) Pending(candidates []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, key := range candidates {
		if _, ok := a.outcomes[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}
