package runloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// pass runs one walk over the constructs. Until the checklist is validated
// it only prepares signers; afterwards it executes everything that is
// ready.
func (r *Runner) pass(ctx context.Context) (*passResult, error) {
	r.open = make(map[uuid.UUID]*openItem)
	if !r.validated {
		return r.genesis(ctx)
	}

	r.setStatus(engine.RunStatusEvaluating)
	checklist := newPanel(PanelChecklist)
	inputs := newPanel(PanelInputs)
	signing := newPanel(PanelSigning)
	res := &passResult{panels: []*panel{checklist, inputs, signing}}

	for _, did := range r.ec.ExecutionOrder() {
		if !r.ec.Mode().Includes(did) || r.ec.Status(did) != engine.ConstructPending {
			continue
		}
		if s, ok := r.ec.Signer(did); ok {
			if err := r.visitSigner(ctx, res, checklist, s); err != nil {
				return nil, err
			}
			continue
		}
		if c, ok := r.ec.Command(did); ok {
			if err := r.visitCommand(ctx, res, inputs, signing, c); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// genesis builds the checklist: environment picker, then the items each
// signer needs before activation.
func (r *Runner) genesis(ctx context.Context) (*passResult, error) {
	checklist := newPanel(PanelChecklist)
	res := &passResult{panels: []*panel{checklist}, pending: true}

	if picker := r.environmentPicker(); picker != nil {
		r.register(picker, origin{kind: originEnvironment}, checklist.title, "Environment")
		checklist.add("Environment", picker)
	}

	for _, did := range r.ec.SignerInitializationOrder() {
		if !r.ec.Mode().Includes(did) || r.ec.Status(did).IsTerminal() {
			continue
		}
		s, ok := r.ec.Signer(did)
		if !ok || !r.evaluate(&s.ConstructInstance, s.Spec.Inputs(), nil) {
			continue
		}
		actions, err := r.signers.CheckActivability(ctx, s, nil)
		if err != nil {
			if err := r.signerFailure(s.Did, err); err != nil {
				return nil, err
			}
			continue
		}
		r.collect(res, checklist, s.Label(), origin{kind: originSigner, did: s.Did}, actions)
	}
	return res, nil
}

// signerFailure fails a signer on a diagnostic from the signer protocol.
// Any other error comes from persistence and is returned.
func (r *Runner) signerFailure(did types.ConstructDid, err error) error {
	var d *types.Diagnostic
	if !errors.As(err, &d) {
		return err
	}
	r.fail(did, d)
	return nil
}

// evaluate evaluates the inputs of c. It returns false when c cannot run
// in this pass; evaluation errors mark c failed.
func (r *Runner) evaluate(c *engine.ConstructInstance, specs []types.InputSpecification, overrides map[string]interface{}) bool {
	_, err := r.eval.EvaluateInputs(c, specs, overrides)
	if errors.Is(err, engine.ErrNotReady) {
		return false
	}
	if err != nil {
		r.fail(c.Did, err)
		return false
	}
	return true
}

func (r *Runner) visitSigner(ctx context.Context, res *passResult, checklist *panel, s *engine.SignerInstance) error {
	if !r.evaluate(&s.ConstructInstance, s.Spec.Inputs(), nil) {
		return nil
	}
	actions, err := r.signers.CheckActivability(ctx, s, nil)
	if err != nil {
		return r.signerFailure(s.Did, err)
	}
	if actions.HasPendingActions() {
		r.collect(res, checklist, s.Label(), origin{kind: originSigner, did: s.Did}, actions)
		return nil
	}
	if _, err := r.signers.Activate(ctx, s); err != nil {
		return r.signerFailure(s.Did, err)
	}
	return r.persistResult(ctx, s.Did)
}

func (r *Runner) commandRequest(c *engine.CommandInstance) *types.CommandRequest {
	return &types.CommandRequest{
		ConstructDid: c.Did,
		Name:         c.Name,
		Namespace:    c.Namespace,
		Inputs:       c.Evaluated.Inputs,
		Reviewed:     r.reviewed[c.Did],
		Unattended:   r.cfg.Unattended,
	}
}

func (r *Runner) visitCommand(ctx context.Context, res *passResult, inputs, signing *panel, c *engine.CommandInstance) error {
	if !r.evaluate(&c.ConstructInstance, c.Spec.Inputs(), r.overrides[c.Did]) {
		return nil
	}
	warning, err := r.eval.CheckPreCondition(&c.ConstructInstance)
	if err != nil {
		r.fail(c.Did, err)
		return nil
	}
	if warning != nil {
		r.logger.Warn().Str("construct", c.Label()).Msg(warning.Message)
	}

	req := r.commandRequest(c)
	actions, err := c.Spec.CheckExecutability(ctx, req)
	if err != nil {
		r.fail(c.Did, err)
		return nil
	}
	if actions.HasPendingActions() {
		r.collect(res, inputs, c.Label(), origin{kind: originCommand, did: c.Did}, actions)
		return nil
	}

	signed, isSigned := c.Signed()
	if !isSigned {
		runCtx, done := r.observer.ConstructStarted(ctx, &c.ConstructInstance)
		result, err := c.Spec.Run(runCtx, req)
		done(err)
		if err != nil {
			r.fail(c.Did, err)
			return nil
		}
		return r.record(ctx, c, result)
	}

	payload, err := signed.BuildPayload(ctx, req)
	if err != nil {
		r.fail(c.Did, err)
		return nil
	}
	signers := r.ec.UpstreamSigners(c.Did)
	if len(signers) == 0 {
		r.fail(c.Did, types.NewConstructError(fmt.Sprintf("%s needs a signature but references no signer", c.Label()), nil).
			WithCode(types.ErrCodeMissingKeyMaterial))
		return nil
	}

	ready := true
	for _, s := range signers {
		actions, err := r.signers.CheckSignability(ctx, s, payload, nil)
		if err != nil {
			return r.signerFailure(s.Did, err)
		}
		if actions.HasPendingActions() {
			o := origin{kind: originSignature, did: s.Did, dependent: c.Did, payload: payload}
			r.collect(res, signing, c.Label(), o, actions)
			ready = false
		}
	}
	if !ready {
		return nil
	}

	signatures := make(map[types.ConstructDid]string, len(signers))
	for _, s := range signers {
		sig, err := r.signers.Sign(ctx, s, payload)
		if err != nil {
			return r.signerFailure(s.Did, err)
		}
		signatures[s.Did] = sig
	}

	runCtx, done := r.observer.ConstructStarted(ctx, &c.ConstructInstance)
	result, task, err := signed.RunSigned(runCtx, req, signatures)
	done(err)
	if err != nil {
		r.fail(c.Did, err)
		return nil
	}
	if task != nil {
		r.provisional[c.Did] = result
		r.ec.MarkInFlight(c.Did)
		r.spawnWatcher(task)
		r.logger.Info().Str("construct", c.Label()).Str("task", task.Description).Msg("Awaiting background task")
		return nil
	}
	return r.record(ctx, c, result)
}

// record checks the post-condition, records the result and persists it.
func (r *Runner) record(ctx context.Context, c *engine.CommandInstance, result *types.CommandExecutionResult) error {
	warning, err := r.eval.CheckPostCondition(&c.ConstructInstance, result)
	if err != nil {
		r.fail(c.Did, err)
		return nil
	}
	if warning != nil {
		r.logger.Warn().Str("construct", c.Label()).Msg(warning.Message)
	}
	if err := r.ec.RecordResult(c.Did, result); err != nil {
		r.fail(c.Did, err)
		return nil
	}
	r.logger.Info().Str("construct", c.Label()).Msg("Construct executed")
	return r.persistResult(ctx, c.Did)
}

// mergeFinished records the outcome of background tasks that reported.
func (r *Runner) mergeFinished(ctx context.Context) error {
	finished := r.finished
	r.finished = nil
	for _, res := range finished {
		r.inFlight--
		did := res.task.ConstructDid
		provisional := r.provisional[did]
		delete(r.provisional, did)

		if res.err != nil {
			r.fail(did, res.err)
			continue
		}
		c, ok := r.ec.Command(did)
		if !ok {
			continue
		}
		merged := types.NewCommandExecutionResult()
		if provisional != nil {
			for k, v := range provisional.Outputs {
				merged.Insert(k, v)
			}
		}
		for k, v := range res.outputs {
			merged.Insert(k, types.Normalize(v))
		}
		if err := r.record(ctx, c, merged); err != nil {
			return err
		}
	}
	return nil
}
