package usecase

// Outcome classifies what happened to one record during an invocation.
type Outcome string

const (
	OutcomeRewritten   Outcome = "rewritten"
	OutcomePublished   Outcome = "published"
	OutcomeRequeued    Outcome = "requeued"
	OutcomeHeld        Outcome = "held"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
)

// ItemResult is the per-record ledger entry of a batch.
type ItemResult struct {
	RecordID int64
	Outcome  Outcome
	Err      error
	Warnings []string
}

// BatchResult aggregates one invocation. Halted carries a human-readable
// reason when the batch stopped before exhausting its selection.
type BatchResult struct {
	RunID  string
	Items  []ItemResult
	Halted string
}

// Count returns how many items ended with the given outcome.
func (b BatchResult) Count(outcome Outcome) int {
	n := 0
	for _, item := range b.Items {
		if item.Outcome == outcome {
			n++
		}
	}
	return n
}
