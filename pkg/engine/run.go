package engine

import (
	"time"
)

// Run represents one execution of a runbook.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// RunbookKey identifies the runbook and environment whose persisted
	// results and signer states the run resumes from.
	RunbookKey string `json:"runbook_key"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Environment is the selected environment.
	Environment string `json:"environment,omitempty"`

	// Summary counts constructs per status.
	Summary map[ConstructStatus]int `json:"summary,omitempty"`

	// Error holds the message of a fatal error.
	Error string `json:"error,omitempty"`
}

// RunbookKey renders the persistence key of a runbook in an environment.
func RunbookKey(runbook, environment string) string {
	if environment == "" {
		return runbook
	}
	return runbook + "@" + environment
}

// Finish sets the terminal status and the timing fields.
func (r *Run) Finish(status RunStatus, summary *Summary) {
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.Duration = now.Sub(r.StartedAt)
	if summary != nil {
		r.Summary = summary.Counts
	}
}
