package model

import "time"

// Stage is a pipeline step recorded in the processing ledger.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageScore     Stage = "score"
	StageSummarize Stage = "summarize"
)

// Outcome is the result of one attempt at a stage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return true
	}
	return false
}

// ProcessingLogEntry is one append-only ledger record.
type ProcessingLogEntry struct {
	// Seq orders entries; later attempts have larger values.
	Seq int64 `json:"seq"`

	// Subject identifies what was processed (account, message, email or
	// summary window).
	Subject string `json:"subject"`

	Stage   Stage   `json:"stage"`
	Outcome Outcome `json:"outcome"`

	// Detail carries the cause of a failure or a short success note.
	Detail string `json:"detail"`

	CreatedAt time.Time `json:"created_at"`
}
