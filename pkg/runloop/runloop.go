package runloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

// Config holds the options of one run.
type Config struct {
	// RunbookName names the runbook in persistence keys and snapshots.
	RunbookName string

	// Environments lists the selectable environments. With more than one,
	// the checklist offers a picker.
	Environments map[string]map[string]interface{}

	// Unattended is set when no human answers action items.
	Unattended bool

	// Force ignores persisted results and executes everything again.
	Force bool

	// Mode restricts the constructs the run executes.
	Mode engine.ExecutionMode

	// MaxPolls bounds the polls of one background task.
	MaxPolls int

	// PollInterval is the delay after the first poll. It doubles after
	// every poll up to PollMaxInterval.
	PollInterval    time.Duration
	PollMaxInterval time.Duration

	// Meta names the run in its snapshot.
	Meta engine.SnapshotMeta
}

// DefaultConfig returns a Config with the default polling bounds.
func DefaultConfig(runbook string) Config {
	return Config{
		RunbookName:     runbook,
		MaxPolls:        30,
		PollInterval:    500 * time.Millisecond,
		PollMaxInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.RunbookName)
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = d.PollMaxInterval
		if c.PollMaxInterval < c.PollInterval {
			c.PollMaxInterval = c.PollInterval
		}
	}
	return c
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists results, signer states and the run record in s.
func WithStore(s StateStore) Option {
	return func(r *Runner) { r.store = s }
}

// WithObserver reports the run lifecycle to o.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// ErrAbandoned is returned when the supervisor goes away before the run
// completes.
var ErrAbandoned = errors.New("supervisor left before the run completed")

// Runner executes one runbook. A Runner is single use.
type Runner struct {
	ws       *workspace.Workspace
	ec       *engine.ExecutionContext
	eval     *engine.Evaluator
	signers  *engine.SignerProtocol
	store    StateStore
	observer Observer
	logger   zerolog.Logger
	cfg      Config
	key      string

	run    *engine.Run
	events chan<- types.BlockEvent

	open      map[uuid.UUID]*openItem
	index     int
	validated bool

	overrides map[types.ConstructDid]map[string]interface{}
	reviewed  map[types.ConstructDid]map[string]bool

	watchCtx    context.Context
	watchers    errgroup.Group
	results     chan watchResult
	provisional map[types.ConstructDid]*types.CommandExecutionResult
	inFlight    int
	finished    []watchResult
}

// New creates a runner over a built workspace and its execution context.
func New(ws *workspace.Workspace, ec *engine.ExecutionContext, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		ws:          ws,
		ec:          ec,
		eval:        engine.NewEvaluator(ws, ec),
		observer:    NopObserver{},
		logger:      zerolog.Nop(),
		cfg:         cfg.withDefaults(),
		open:        make(map[uuid.UUID]*openItem),
		overrides:   make(map[types.ConstructDid]map[string]interface{}),
		reviewed:    make(map[types.ConstructDid]map[string]bool),
		provisional: make(map[types.ConstructDid]*types.CommandExecutionResult),
		results:     make(chan watchResult, 16),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "runloop").Str("runbook", r.cfg.RunbookName).Logger()
	r.key = engine.RunbookKey(r.cfg.RunbookName, ws.Environment())

	r.ec.SetForce(r.cfg.Force)
	r.ec.SetMode(r.cfg.Mode)

	r.signers = engine.NewSignerProtocol(ec, engine.NewSigningCommandsState(), r.logger).
		WithUnattended(r.cfg.Unattended).
		WithObserver(r.observer.SignerPhase)
	if r.store != nil {
		r.signers.WithPersister(signerStatePersister{store: r.store, key: r.key})
	}
	return r
}

// Context returns the execution context.
func (r *Runner) Context() *engine.ExecutionContext { return r.ec }

// Signers returns the signer protocol.
func (r *Runner) Signers() *engine.SignerProtocol { return r.signers }

// Record returns the run record, nil before Run.
func (r *Runner) Record() *engine.Run { return r.run }

// Snapshot exports the constructs executed so far.
func (r *Runner) Snapshot() *engine.Snapshot {
	meta := r.cfg.Meta
	if meta.Name == "" {
		meta.Name = r.cfg.RunbookName
	}
	meta.Environment = r.ws.Environment()

	var packages []engine.SnapshotPackage
	for _, p := range r.ws.Packages() {
		packages = append(packages, engine.SnapshotPackage{Did: p.Did, Location: p.ID.Location, Name: p.ID.Name})
	}
	return r.ec.Snapshot(meta, packages, r.signers.States())
}

// Run drives the runbook until it completes, fails structurally or the
// supervisor leaves. Run closes events before returning.
func (r *Runner) Run(ctx context.Context, responses <-chan types.ActionItemResponse, events chan<- types.BlockEvent) (engine.RunStatus, error) {
	r.events = events
	watchCtx, cancelWatchers := context.WithCancel(ctx)
	r.watchCtx = watchCtx
	defer func() {
		cancelWatchers()
		_ = r.watchers.Wait()
		close(events)
	}()

	r.run = &engine.Run{
		ID:          uuid.New().String(),
		RunbookKey:  r.key,
		Status:      engine.RunStatusIdle,
		StartedAt:   time.Now().UTC(),
		Environment: r.ws.Environment(),
	}
	if r.store != nil {
		if err := r.store.SaveRun(ctx, r.run); err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist run")
		}
	}
	ctx = r.observer.RunStarted(ctx, r.run)
	r.logger = r.logger.With().Str("run_id", r.run.ID).Logger()
	r.logger.Info().Str("mode", r.cfg.Mode.String()).Bool("unattended", r.cfg.Unattended).Msg("Run started")

	if err := r.restore(ctx); err != nil {
		return r.fatal(ctx, err)
	}
	if _, err := r.ec.SimulateExecution(); err != nil {
		return r.fatal(ctx, err)
	}

	for {
		if err := r.mergeFinished(ctx); err != nil {
			return r.fatal(ctx, err)
		}

		pass, err := r.pass(ctx)
		if err != nil {
			return r.fatal(ctx, err)
		}

		if !pass.pending {
			if len(r.finished) > 0 {
				continue
			}
			if r.inFlight == 0 {
				return r.complete(ctx)
			}
			r.setStatus(engine.RunStatusExecuting)
		} else {
			r.emitPass(ctx, pass)
		}

		next, err := r.await(ctx, responses, pass.pending)
		if err != nil {
			if errors.Is(err, ErrAbandoned) || ctx.Err() != nil {
				return r.abandon(ctx, err)
			}
			return r.fatal(ctx, err)
		}
		if next == stepValidated {
			r.validated = true
		}
	}
}

type step int

const (
	stepStay step = iota
	stepRepass
	stepValidated
)

// await suspends until the supervisor validates the open block or, with no
// block open, until a watcher reports.
func (r *Runner) await(ctx context.Context, responses <-chan types.ActionItemResponse, blockOpen bool) (step, error) {
	for {
		select {
		case <-ctx.Done():
			return stepStay, fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())

		case resp, ok := <-responses:
			if !ok {
				return stepStay, ErrAbandoned
			}
			next, err := r.handleResponse(ctx, resp)
			if err != nil {
				return stepStay, err
			}
			if next != stepStay {
				return next, nil
			}

		case res := <-r.results:
			r.finished = append(r.finished, res)
			if !blockOpen {
				return stepRepass, nil
			}
		}
	}
}

func (r *Runner) restore(ctx context.Context) error {
	if r.store == nil || r.cfg.Force {
		return nil
	}
	results, err := r.store.LoadResults(ctx, r.key)
	if err != nil {
		return fmt.Errorf("failed to load results: %w", err)
	}
	states, err := r.store.LoadSignerStates(ctx, r.key)
	if err != nil {
		return fmt.Errorf("failed to load signer states: %w", err)
	}
	restored := r.ec.Restore(results)
	r.signers.States().Restore(states)
	if restored > 0 || len(states) > 0 {
		r.logger.Info().
			Int("results", restored).
			Int("signer_states", len(states)).
			Msg("Restored persisted state")
	}
	return nil
}

func (r *Runner) setStatus(status engine.RunStatus) {
	if r.run.Status == status {
		return
	}
	r.logger.Debug().Str("from", string(r.run.Status)).Str("to", string(status)).Msg("Run status changed")
	r.run.Status = status
	r.observer.RunStatusChanged(r.run, status)
}

func (r *Runner) emit(ctx context.Context, ev types.BlockEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func (r *Runner) persistResult(ctx context.Context, did types.ConstructDid) error {
	if r.store == nil {
		return nil
	}
	result, ok := r.ec.Result(did)
	if !ok {
		return nil
	}
	if err := r.store.SaveResult(ctx, r.key, did, result); err != nil {
		return fmt.Errorf("failed to persist result of %s: %w", r.ec.Label(did), err)
	}
	return nil
}

// fail marks a construct failed and blocks its dependents.
func (r *Runner) fail(did types.ConstructDid, err error) {
	d := types.AsDiagnostic(err)
	if d.Construct == "" {
		d.WithConstruct(did)
	}
	blocked := r.ec.MarkFailed(did, d)
	r.logger.Error().
		Str("construct", r.ec.Label(did)).
		Str("code", d.Code).
		Int("blocked", len(blocked)).
		Msg(d.Message)
}

func (r *Runner) finish(ctx context.Context, status engine.RunStatus, runErr error) {
	r.setStatus(status)
	r.run.Finish(status, r.ec.Summary())
	if runErr != nil {
		r.run.Error = runErr.Error()
	}

	if r.store != nil {
		saveCtx := context.WithoutCancel(ctx)
		if err := r.store.SaveRun(saveCtx, r.run); err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist run")
		}
		if status == engine.RunStatusCompleted {
			if err := r.store.SaveSnapshot(saveCtx, r.run.ID, r.Snapshot()); err != nil {
				r.logger.Error().Err(err).Msg("Failed to persist snapshot")
			}
		}
	}
	r.observer.RunFinished(ctx, r.run, runErr)
}

func (r *Runner) complete(ctx context.Context) (engine.RunStatus, error) {
	if block := r.outputsBlock(); block != nil {
		r.emit(ctx, types.BlockEvent{Kind: types.EventAppend, Block: block})
	}
	r.finish(ctx, engine.RunStatusCompleted, nil)

	summary := r.ec.Summary()
	r.logger.Info().
		Int("executed", summary.Counts[engine.ConstructExecuted]).
		Int("failed", summary.Counts[engine.ConstructFailed]).
		Int("blocked", summary.Counts[engine.ConstructBlocked]).
		Dur("duration", r.run.Duration).
		Msg("Run completed")

	r.emit(ctx, types.BlockEvent{Kind: types.EventExit})
	return engine.RunStatusCompleted, nil
}

func (r *Runner) fatal(ctx context.Context, err error) (engine.RunStatus, error) {
	d := types.AsDiagnostic(err)
	r.logger.Error().Err(err).Msg("Run aborted")
	r.emit(ctx, types.BlockEvent{Kind: types.EventError, Diagnostic: d})
	r.finish(ctx, engine.RunStatusFatal, err)
	r.emit(ctx, types.BlockEvent{Kind: types.EventExit})
	return engine.RunStatusFatal, err
}

func (r *Runner) abandon(ctx context.Context, err error) (engine.RunStatus, error) {
	r.logger.Warn().Err(err).Msg("Run abandoned")
	r.finish(ctx, engine.RunStatusAbandoned, err)
	if ctx.Err() != nil {
		return engine.RunStatusAbandoned, ctx.Err()
	}
	return engine.RunStatusAbandoned, nil
}
