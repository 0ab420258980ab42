package runloop

import (
	"context"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// StateStore persists runs, results and signer states. Keys come from
// engine.RunbookKey.
type StateStore interface {
	SaveRun(ctx context.Context, run *engine.Run) error
	SaveResult(ctx context.Context, key string, did types.ConstructDid, result *types.CommandExecutionResult) error
	SaveSignerState(ctx context.Context, key string, did types.ConstructDid, state *types.ValueStore) error
	LoadResults(ctx context.Context, key string) (map[types.ConstructDid]*types.CommandExecutionResult, error)
	LoadSignerStates(ctx context.Context, key string) (map[types.ConstructDid]*types.ValueStore, error)
	SaveSnapshot(ctx context.Context, runID string, snapshot *engine.Snapshot) error
}

// signerStatePersister binds a StateStore to one runbook key.
type signerStatePersister struct {
	store StateStore
	key   string
}

func (p signerStatePersister) SaveSignerState(ctx context.Context, did types.ConstructDid, state *types.ValueStore) error {
	return p.store.SaveSignerState(ctx, p.key, did, state)
}

// Observer receives run lifecycle notifications. Implementations must not
// block.
type Observer interface {
	// RunStarted may return a derived context, for instance carrying a span.
	RunStarted(ctx context.Context, run *engine.Run) context.Context
	RunStatusChanged(run *engine.Run, status engine.RunStatus)
	RunFinished(ctx context.Context, run *engine.Run, err error)

	// ConstructStarted is called before a construct executes. The returned
	// function is called with the outcome.
	ConstructStarted(ctx context.Context, c *engine.ConstructInstance) (context.Context, func(error))

	SignerPhase(phase engine.SignerPhase, s *engine.SignerInstance, err error)
	ActionItemsEmitted(panel string, count int)
	BackgroundPoll(task *types.BackgroundTask, attempt int, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, run *engine.Run) context.Context { return ctx }
func (NopObserver) RunStatusChanged(run *engine.Run, status engine.RunStatus)       {}
func (NopObserver) RunFinished(ctx context.Context, run *engine.Run, err error)     {}
func (NopObserver) ConstructStarted(ctx context.Context, c *engine.ConstructInstance) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (NopObserver) SignerPhase(phase engine.SignerPhase, s *engine.SignerInstance, err error) {}
func (NopObserver) ActionItemsEmitted(panel string, count int)                              {}
func (NopObserver) BackgroundPoll(task *types.BackgroundTask, attempt int, err error)        {}
