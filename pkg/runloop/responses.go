package runloop

import (
	"context"
	"fmt"

	"github.com/txtx/txtx/pkg/types"
)

// handleResponse applies one supervisor answer. Rejected answers are
// reported as error events and leave the run suspended.
func (r *Runner) handleResponse(ctx context.Context, resp types.ActionItemResponse) (step, error) {
	item, ok := r.open[resp.ActionItemID]
	if !ok {
		r.reject(ctx, types.NewProtocolError(fmt.Sprintf("no open action item %s", resp.ActionItemID), nil).
			WithCode(types.ErrCodeUnknownCorrelationID))
		return stepStay, nil
	}
	if err := resp.Validate(item.req.Type); err != nil {
		r.reject(ctx, types.AsDiagnostic(err).WithConstruct(item.req.ConstructDid))
		return stepStay, nil
	}

	switch item.origin.kind {
	case originValidate:
		return stepValidated, nil

	case originEnvironment:
		return r.selectEnvironment(ctx, item, resp.PickInputOption.Value), nil

	case originCommand:
		r.applyCommandResponse(ctx, item, resp)
		return stepStay, nil

	case originSigner:
		s, ok := r.ec.Signer(item.origin.did)
		if !ok {
			return stepStay, nil
		}
		actions, err := r.signers.CheckActivability(ctx, s, &resp)
		return stepStay, r.applySignerResponse(ctx, item, actions, err)

	case originSignature:
		s, ok := r.ec.Signer(item.origin.did)
		if !ok {
			return stepStay, nil
		}
		actions, err := r.signers.CheckSignability(ctx, s, item.origin.payload, &resp)
		return stepStay, r.applySignerResponse(ctx, item, actions, err)
	}
	return stepStay, nil
}

// reject reports a response the run cannot apply.
func (r *Runner) reject(ctx context.Context, d *types.Diagnostic) {
	r.logger.Warn().Str("code", d.Code).Msg(d.Message)
	r.emit(ctx, types.BlockEvent{Kind: types.EventError, Diagnostic: d})
}

func (r *Runner) updateItems(ctx context.Context, updates ...types.ActionItemRequestUpdate) {
	r.applyUpdates(updates)
	r.emit(ctx, types.BlockEvent{Kind: types.EventUpdateActionItems, Updates: updates})
}

func (r *Runner) selectEnvironment(ctx context.Context, item *openItem, name string) step {
	values, ok := r.cfg.Environments[name]
	if !ok {
		r.reject(ctx, types.NewProtocolError(fmt.Sprintf("unknown environment %q", name), nil).
			WithCode(types.ErrCodeMalformedResponse))
		return stepStay
	}
	if name == r.ws.Environment() {
		return stepStay
	}

	r.ws.SetEnvironment(name, values)
	r.run.Environment = name
	r.logger.Info().Str("environment", name).Msg("Environment selected")
	r.emit(ctx, types.BlockEvent{Kind: types.EventClear})
	return stepRepass
}

func (r *Runner) applyCommandResponse(ctx context.Context, item *openItem, resp types.ActionItemResponse) {
	did := item.origin.did
	status := types.StatusSuccess

	switch resp.Type {
	case types.ActionReviewInput:
		if r.reviewed[did] == nil {
			r.reviewed[did] = make(map[string]bool)
		}
		checked := resp.ReviewInput.ValueChecked
		r.reviewed[did][item.req.ReviewInput.InputName] = checked
		if !checked {
			status = types.StatusTodo
		}

	case types.ActionProvideInput:
		if r.overrides[did] == nil {
			r.overrides[did] = make(map[string]interface{})
		}
		r.overrides[did][item.req.ProvideInput.InputName] = types.Normalize(resp.ProvideInput.UpdatedValue)
	}
	r.updateItems(ctx, types.NewStatusUpdate(item.req.ID, status))
}

// applySignerResponse reports the outcome of a signer phase that applied a
// response. Items returned for the answered item update it in place; other
// items are appended in a new block of the same panel.
func (r *Runner) applySignerResponse(ctx context.Context, item *openItem, actions *types.Actions, err error) error {
	if err != nil {
		if types.IsProtocol(err) {
			r.reject(ctx, types.AsDiagnostic(err))
			return nil
		}
		if ferr := r.signerFailure(item.origin.did, err); ferr != nil {
			return ferr
		}
		r.updateItems(ctx, types.NewStatusUpdate(item.req.ID, types.StatusError).WithDiagnostic(types.AsDiagnostic(err)))
		return nil
	}

	var updates []types.ActionItemRequestUpdate
	var appended []*types.ActionItemRequest
	resolved := true
	for _, req := range actions.Requests {
		if req.Type == item.req.Type && req.InternalKey == item.req.InternalKey {
			u := types.NewStatusUpdate(item.req.ID, req.Status)
			if req.Diagnostic != nil {
				u = u.WithDiagnostic(req.Diagnostic)
			}
			updates = append(updates, u)
			resolved = false
			continue
		}
		appended = append(appended, req)
	}
	if resolved {
		updates = append(updates, types.NewStatusUpdate(item.req.ID, types.StatusSuccess))
	}
	updates = append(updates, actions.Updates...)
	r.updateItems(ctx, updates...)

	if len(appended) > 0 {
		p := newPanel(item.panel)
		for _, req := range appended {
			r.register(req, item.origin, item.panel, item.group)
			p.add(item.group, req)
		}
		r.observer.ActionItemsEmitted(p.title, p.count())
		r.emit(ctx, types.BlockEvent{Kind: types.EventAppend, Block: p.block()})
	}
	return nil
}
