package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a runbook run.
type RunStatus string

const (
	// RunStatusIdle indicates the run has not emitted anything yet.
	RunStatusIdle RunStatus = "idle"

	// RunStatusAwaitingChecklist indicates the checklist panel is waiting for
	// validation.
	RunStatusAwaitingChecklist RunStatus = "awaiting_checklist_confirmation"

	// RunStatusEvaluating indicates inputs are being evaluated.
	RunStatusEvaluating RunStatus = "evaluating_inputs"

	// RunStatusExecuting indicates commands are executing.
	RunStatusExecuting RunStatus = "executing_commands"

	// RunStatusAwaitingApproval indicates the run waits on signer approvals
	// or reviews.
	RunStatusAwaitingApproval RunStatus = "awaiting_signer_approval"

	// RunStatusCompleted indicates every reachable construct was visited.
	// Individual constructs may still have failed.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFatal indicates a structural failure aborted the run.
	RunStatusFatal RunStatus = "fatal"

	// RunStatusAbandoned indicates the supervisor went away before completion.
	RunStatusAbandoned RunStatus = "abandoned"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFatal || s == RunStatusAbandoned
}

// IsActive returns true if the run is still driving constructs.
func (s RunStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusIdle, RunStatusAwaitingChecklist, RunStatusEvaluating,
		RunStatusExecuting, RunStatusAwaitingApproval, RunStatusCompleted,
		RunStatusFatal, RunStatusAbandoned:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ConstructStatus is the execution status of one construct.
type ConstructStatus string

const (
	// ConstructPending indicates the construct has not run yet.
	ConstructPending ConstructStatus = "pending"

	// ConstructInFlight indicates the construct was submitted and a
	// background task is confirming it.
	ConstructInFlight ConstructStatus = "in_flight"

	// ConstructExecuted indicates a result was recorded.
	ConstructExecuted ConstructStatus = "executed"

	// ConstructFailed indicates the construct itself failed.
	ConstructFailed ConstructStatus = "failed"

	// ConstructBlocked indicates an upstream construct failed.
	ConstructBlocked ConstructStatus = "blocked"
)

// IsTerminal returns true if the construct will not change state again in
// this run.
func (s ConstructStatus) IsTerminal() bool {
	return s == ConstructExecuted || s == ConstructFailed || s == ConstructBlocked
}

// IsFailure returns true for failed and blocked constructs.
func (s ConstructStatus) IsFailure() bool {
	return s == ConstructFailed || s == ConstructBlocked
}

// Validate checks if the construct status is valid.
func (s ConstructStatus) Validate() error {
	switch s {
	case ConstructPending, ConstructInFlight, ConstructExecuted,
		ConstructFailed, ConstructBlocked:
		return nil
	default:
		return fmt.Errorf("invalid construct status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler for RunStatus.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunStatus.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements json.Marshaler for ConstructStatus.
func (s ConstructStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for ConstructStatus.
func (s *ConstructStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ConstructStatus(str)
	return s.Validate()
}
