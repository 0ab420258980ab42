package runloop

import (
	"context"
	"sort"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

// Panel titles.
const (
	PanelChecklist = "Runbook Checklist"
	PanelInputs    = "Inputs Review"
	PanelSigning   = "Transaction Signing"
	PanelOutputs   = "Outputs Review"
)

type originKind int

const (
	originValidate originKind = iota
	originEnvironment
	originSigner
	originSignature
	originCommand
)

// origin records what an open item answers to.
type origin struct {
	kind      originKind
	did       types.ConstructDid
	dependent types.ConstructDid
	payload   *types.SignPayload
}

type openItem struct {
	req    *types.ActionItemRequest
	origin origin
	panel  string
	group  string
}

// panel accumulates groups of items keyed by group title.
type panel struct {
	title  string
	groups []types.ActionGroup
}

func newPanel(title string) *panel {
	return &panel{title: title}
}

func (p *panel) add(group string, item *types.ActionItemRequest) {
	for i := range p.groups {
		if p.groups[i].Title == group {
			p.groups[i].Items = append(p.groups[i].Items, item)
			return
		}
	}
	p.groups = append(p.groups, types.ActionGroup{Title: group, Items: []*types.ActionItemRequest{item}})
}

func (p *panel) empty() bool {
	return len(p.groups) == 0
}

func (p *panel) count() int {
	n := 0
	for _, g := range p.groups {
		n += len(g.Items)
	}
	return n
}

func (p *panel) block() *types.Block {
	return types.NewBlock(types.Panel{Title: p.title, Groups: p.groups})
}

// passResult is what one pass collected.
type passResult struct {
	panels  []*panel
	updates []types.ActionItemRequestUpdate
	pending bool
}

// collect registers the items of actions as open and adds them to p.
func (r *Runner) collect(res *passResult, p *panel, group string, o origin, actions *types.Actions) {
	if actions == nil {
		return
	}
	for _, item := range actions.Requests {
		r.register(item, o, p.title, group)
		p.add(group, item)
		if item.IsPending() {
			res.pending = true
		}
	}
	res.updates = append(res.updates, actions.Updates...)
}

func (r *Runner) register(item *types.ActionItemRequest, o origin, panel, group string) {
	r.index++
	item.Index = r.index
	r.open[item.ID] = &openItem{req: item, origin: o, panel: panel, group: group}
}

// environmentPicker offers the configured environments, current one
// selected. It returns nil with fewer than two environments.
func (r *Runner) environmentPicker() *types.ActionItemRequest {
	if len(r.cfg.Environments) < 2 {
		return nil
	}
	names := make([]string, 0, len(r.cfg.Environments))
	for name := range r.cfg.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	var options []types.InputOption
	var selected types.InputOption
	for _, name := range names {
		opt := types.InputOption{Value: name, DisplayedAs: name}
		options = append(options, opt)
		if name == r.ws.Environment() {
			selected = opt
		}
	}
	return types.NewPickInputOptionRequest("Select the environment to target", options, selected)
}

// outputsBlock displays the value of every executed output construct, in
// execution order. It returns nil when there is none.
func (r *Runner) outputsBlock() *types.Block {
	p := newPanel(PanelOutputs)
	for _, did := range r.ec.ExecutionOrder() {
		c, ok := r.ec.Command(did)
		if !ok || c.Kind != config.KindOutput {
			continue
		}
		result, ok := r.ec.Result(did)
		if !ok {
			continue
		}
		value, _ := result.Get("value")
		var description string
		if c.Evaluated != nil {
			description, _ = c.Evaluated.Inputs.GetString("description")
		}
		p.add(c.Package.Name, types.NewDisplayOutputRequest(did, c.Name, description, value))
	}
	if p.empty() {
		return nil
	}
	return p.block()
}

// emitPass sends the updates and blocks of a pass that is waiting on the
// supervisor. The validation item goes last, in the last block.
func (r *Runner) emitPass(ctx context.Context, res *passResult) {
	if len(res.updates) > 0 {
		r.applyUpdates(res.updates)
		r.emit(ctx, types.BlockEvent{Kind: types.EventUpdateActionItems, Updates: res.updates})
	}

	var nonEmpty []*panel
	for _, p := range res.panels {
		if !p.empty() {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		nonEmpty = append(nonEmpty, newPanel(PanelChecklist))
	}

	last := nonEmpty[len(nonEmpty)-1]
	title := "Continue"
	if !r.validated {
		title = "Start runbook"
	}
	validate := types.NewValidateBlockRequest(title, r.index+1)
	r.register(validate, origin{kind: originValidate}, last.title, "")
	last.add("", validate)

	for _, p := range nonEmpty {
		r.observer.ActionItemsEmitted(p.title, p.count())
		r.emit(ctx, types.BlockEvent{Kind: types.EventAppend, Block: p.block()})
	}

	if r.validated {
		r.setStatus(engine.RunStatusAwaitingApproval)
	} else {
		r.setStatus(engine.RunStatusAwaitingChecklist)
	}
}

func (r *Runner) applyUpdates(updates []types.ActionItemRequestUpdate) {
	for _, u := range updates {
		if item, ok := r.open[u.ID]; ok {
			u.Apply(item.req)
		}
	}
}
