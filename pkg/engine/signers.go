package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/txtx/txtx/pkg/types"
)

// SignerPhase names one phase of the signer protocol.
type SignerPhase string

const (
	PhaseCheckActivability SignerPhase = "check_activability"
	PhaseActivate          SignerPhase = "activate"
	PhaseCheckSignability  SignerPhase = "check_signability"
	PhaseSign              SignerPhase = "sign"
)

// SignerStatePersister saves a signer state after each phase that changed
// it.
type SignerStatePersister interface {
	SaveSignerState(ctx context.Context, did types.ConstructDid, state *types.ValueStore) error
}

// PhaseObserver is called after every phase that reached the signer
// specification.
type PhaseObserver func(phase SignerPhase, signer *SignerInstance, err error)

// SignerProtocol drives the four signer phases. Each phase pops the signer
// state, hands it to the specification, and pushes the returned state back.
//
// Idempotency guards:
//   - CheckActivability is a no-op once the state holds a confirmed key.
//   - Activate runs once per signer; later calls return the recorded result.
//   - CheckSignability and Sign are no-ops once the dependent's scoped slot
//     holds a signature over the same payload bytes. A signature over other
//     bytes is dropped and requested again.
//
// The protocol never marks constructs failed; callers decide.
type SignerProtocol struct {
	ec         *ExecutionContext
	states     *SigningCommandsState
	persister  SignerStatePersister
	observer   PhaseObserver
	logger     zerolog.Logger
	unattended bool
}

// NewSignerProtocol creates a protocol over ec and states.
func NewSignerProtocol(ec *ExecutionContext, states *SigningCommandsState, logger zerolog.Logger) *SignerProtocol {
	return &SignerProtocol{
		ec:     ec,
		states: states,
		logger: logger.With().Str("component", "signer_protocol").Logger(),
	}
}

// WithPersister saves signer states through p after every phase.
func (sp *SignerProtocol) WithPersister(p SignerStatePersister) *SignerProtocol {
	sp.persister = p
	return sp
}

// WithObserver reports phase outcomes to o.
func (sp *SignerProtocol) WithObserver(o PhaseObserver) *SignerProtocol {
	sp.observer = o
	return sp
}

// WithUnattended marks signer requests as unattended.
func (sp *SignerProtocol) WithUnattended(unattended bool) *SignerProtocol {
	sp.unattended = unattended
	return sp
}

// States returns the underlying state store.
func (sp *SignerProtocol) States() *SigningCommandsState {
	return sp.states
}

func (sp *SignerProtocol) request(s *SignerInstance, resp *types.ActionItemResponse) *types.SignerRequest {
	inputs := types.NewValueStore(s.Name)
	if s.Evaluated != nil {
		inputs = s.Evaluated.Inputs
	}
	return &types.SignerRequest{
		SignerDid:  s.Did,
		Name:       s.Name,
		Namespace:  s.Namespace,
		Inputs:     inputs,
		Unattended: sp.unattended,
		Response:   resp,
	}
}

// release pushes the state back, persists it and reports the phase.
func (sp *SignerProtocol) release(ctx context.Context, phase SignerPhase, s *SignerInstance, previous, next *types.ValueStore, phaseErr error) error {
	if next == nil {
		next = previous
	}
	sp.states.Push(s.Did, next)

	if sp.observer != nil {
		sp.observer(phase, s, phaseErr)
	}

	if sp.persister != nil {
		if err := sp.persister.SaveSignerState(ctx, s.Did, next.Clone()); err != nil {
			sp.logger.Error().Err(err).
				Str("signer", s.Label()).
				Str("phase", string(phase)).
				Msg("Failed to persist signer state")
			if phaseErr == nil {
				return fmt.Errorf("failed to persist signer state: %w", err)
			}
		}
	}
	return signerDiagnostic(s, phaseErr)
}

func signerDiagnostic(s *SignerInstance, err error) error {
	if err == nil {
		return nil
	}
	d := types.AsDiagnostic(err)
	if d.Construct == "" {
		d.WithConstruct(s.Did)
	}
	return d
}

// CheckActivability runs phase 1. resp carries the supervisor answer being
// applied, if any.
func (sp *SignerProtocol) CheckActivability(ctx context.Context, s *SignerInstance, resp *types.ActionItemResponse) (*types.Actions, error) {
	state, err := sp.states.Pop(s.Did, s.Name)
	if err != nil {
		return nil, err
	}
	if types.IsConfirmed(state) {
		sp.states.Push(s.Did, state)
		return types.NewActions(), nil
	}

	next, actions, phaseErr := s.Spec.CheckActivability(ctx, sp.request(s, resp), state)
	if err := sp.release(ctx, PhaseCheckActivability, s, state, next, phaseErr); err != nil {
		return nil, err
	}
	if actions == nil {
		actions = types.NewActions()
	}

	sp.logger.Debug().
		Str("signer", s.Label()).
		Int("items", len(actions.Requests)).
		Bool("pending", actions.HasPendingActions()).
		Msg("Checked signer activability")
	return actions, nil
}

// Activate runs phase 2 once and records the signer result.
func (sp *SignerProtocol) Activate(ctx context.Context, s *SignerInstance) (*types.CommandExecutionResult, error) {
	if r, ok := sp.ec.Result(s.Did); ok {
		return r, nil
	}

	state, err := sp.states.Pop(s.Did, s.Name)
	if err != nil {
		return nil, err
	}
	if !types.IsConfirmed(state) {
		sp.states.Push(s.Did, state)
		return nil, types.NewSignerError(fmt.Sprintf("%s has no confirmed public key", s.Label()), nil).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(s.Did)
	}

	next, result, phaseErr := s.Spec.Activate(ctx, sp.request(s, nil), state)
	if next != nil && phaseErr == nil {
		next.Insert(types.SignerKeyActivated, true)
	}
	if err := sp.release(ctx, PhaseActivate, s, state, next, phaseErr); err != nil {
		return nil, err
	}
	if err := sp.ec.RecordResult(s.Did, result); err != nil {
		return nil, err
	}

	sp.logger.Info().Str("signer", s.Label()).Msg("Signer activated")
	r, _ := sp.ec.Result(s.Did)
	return r, nil
}

// CheckSignability runs phase 3 for one payload.
func (sp *SignerProtocol) CheckSignability(ctx context.Context, s *SignerInstance, payload *types.SignPayload, resp *types.ActionItemResponse) (*types.Actions, error) {
	state, err := sp.states.Pop(s.Did, s.Name)
	if err != nil {
		return nil, err
	}
	if _, ok := sp.signed(s, state, payload); ok {
		sp.states.Push(s.Did, state)
		return types.NewActions(), nil
	}

	next, actions, phaseErr := s.Spec.CheckSignability(ctx, sp.request(s, resp), payload, state)
	pin(next, payload)
	if err := sp.release(ctx, PhaseCheckSignability, s, state, next, phaseErr); err != nil {
		return nil, err
	}
	if actions == nil {
		actions = types.NewActions()
	}
	return actions, nil
}

// Sign runs phase 4 for one payload and returns the signature stored in
// the dependent's scoped slot. A payload already signed is not signed
// again.
func (sp *SignerProtocol) Sign(ctx context.Context, s *SignerInstance, payload *types.SignPayload) (string, error) {
	state, err := sp.states.Pop(s.Did, s.Name)
	if err != nil {
		return "", err
	}
	if sig, ok := sp.signed(s, state, payload); ok {
		sp.states.Push(s.Did, state)
		return sig, nil
	}

	next, _, phaseErr := s.Spec.Sign(ctx, sp.request(s, nil), payload, state)
	pin(next, payload)
	if err := sp.release(ctx, PhaseSign, s, state, next, phaseErr); err != nil {
		return "", err
	}

	sig, ok := sp.Signature(s.Did, payload.Dependent)
	if !ok {
		return "", types.NewSignerError(fmt.Sprintf("%s produced no signature for %s", s.Label(), sp.ec.Label(payload.Dependent)), nil).
			WithCode(types.ErrCodeInternal).
			WithConstruct(s.Did)
	}
	sp.logger.Info().
		Str("signer", s.Label()).
		Str("dependent", sp.ec.Label(payload.Dependent)).
		Msg("Payload signed")
	return sig, nil
}

// Signature returns the signature a signer stored for a dependent.
func (sp *SignerProtocol) Signature(signer, dependent types.ConstructDid) (string, bool) {
	state, ok := sp.states.Get(signer)
	if !ok {
		return "", false
	}
	return signature(state, dependent)
}

func signature(state *types.ValueStore, dependent types.ConstructDid) (string, bool) {
	v, ok := state.GetScoped(string(dependent), types.SignerKeySignedTransactionBytes)
	if !ok {
		return "", false
	}
	return types.AsString(v)
}

// signed returns the signature held for the payload's dependent when it was
// made over the payload bytes. A signature over other bytes is dropped from
// state.
func (sp *SignerProtocol) signed(s *SignerInstance, state *types.ValueStore, payload *types.SignPayload) (string, bool) {
	sig, ok := signature(state, payload.Dependent)
	if !ok {
		return "", false
	}
	scope := string(payload.Dependent)
	v, _ := state.GetScoped(scope, types.SignerKeySignedPayload)
	if signedOver, _ := types.AsString(v); signedOver == payload.Payload {
		return sig, true
	}

	sp.logger.Warn().
		Str("signer", s.Label()).
		Str("dependent", sp.ec.Label(payload.Dependent)).
		Msg("Payload changed since it was signed, signature dropped")
	state.DeleteScope(scope)
	return "", false
}

// pin records the payload a fresh signature was made over.
func pin(state *types.ValueStore, payload *types.SignPayload) {
	if state == nil {
		return
	}
	scope := string(payload.Dependent)
	if _, ok := signature(state, payload.Dependent); !ok {
		return
	}
	if _, ok := state.GetScoped(scope, types.SignerKeySignedPayload); !ok {
		state.InsertScoped(scope, types.SignerKeySignedPayload, payload.Payload)
	}
}
