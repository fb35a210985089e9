package billing

import "encoding/json"

const StatusCompleted = "completed"

// ExecutionRecord is one provider-reported call. Numeric fields stay as the
// provider sent them so malformed values can be reported instead of guessed.
type ExecutionRecord struct {
	ID              string
	Status          string
	DurationSeconds string
	Cost            string
	Metadata        json.RawMessage
}

func (r ExecutionRecord) Successful() bool {
	return r.Status == StatusCompleted
}
