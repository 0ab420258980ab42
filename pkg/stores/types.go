package stores

import (
	"context"
	"time"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event represents an append-only log event
type Event struct {
	ID           int64              `json:"id"`
	RunID        *string            `json:"run_id,omitempty"`
	ConstructDid *types.ConstructDid `json:"construct_did,omitempty"`
	Level        EventLevel         `json:"level"`
	Kind         string             `json:"kind"`
	Message      string             `json:"message"`
	Details      *string            `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time          `json:"timestamp"`
}

// EventFilter selects events. Nil fields match everything.
type EventFilter struct {
	RunID  *string
	Level  *EventLevel
	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	SaveRun(ctx context.Context, run *engine.Run) error
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, runbookKey string, limit, offset int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Resume state, keyed by runbook and environment
	SaveResult(ctx context.Context, key string, did types.ConstructDid, result *types.CommandExecutionResult) error
	LoadResults(ctx context.Context, key string) (map[types.ConstructDid]*types.CommandExecutionResult, error)
	SaveSignerState(ctx context.Context, key string, did types.ConstructDid, state *types.ValueStore) error
	LoadSignerStates(ctx context.Context, key string) (map[types.ConstructDid]*types.ValueStore, error)
	ResetRunbook(ctx context.Context, key string) error

	// Snapshots
	SaveSnapshot(ctx context.Context, runID string, snapshot *engine.Snapshot) error
	GetSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
