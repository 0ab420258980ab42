// Package std provides the built-in specifications every runbook can use
// without declaring an addon: input (behind variable and input blocks),
// output, module, echo, assert_eq and starlark.
package std

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

// Namespace is the namespace of the built-in specifications.
const Namespace = "std"

// Addon is the std addon.
type Addon struct {
	starlark *StarlarkEvaluator
}

// New creates the std addon. scriptTimeout bounds starlark actions.
func New(scriptTimeout time.Duration) *Addon {
	return &Addon{starlark: NewStarlarkEvaluator(scriptTimeout)}
}

// Namespace implements addons.Addon.
func (a *Addon) Namespace() string { return Namespace }

// Commands implements addons.Addon.
func (a *Addon) Commands() []types.CommandSpecification {
	return []types.CommandSpecification{
		&inputCommand{},
		newOutputCommand(),
		newModuleCommand(),
		newEchoCommand(),
		newAssertEqCommand(),
		&starlarkCommand{evaluator: a.starlark},
	}
}

// Signers implements addons.Addon.
func (a *Addon) Signers() []types.SignerSpecification { return nil }

// base carries the parts every std command shares.
type base struct {
	matcher string
	doc     string
	inputs  []types.InputSpecification
	outputs []types.OutputSpecification
}

func (b *base) Matcher() string                      { return b.matcher }
func (b *base) Documentation() string                { return b.doc }
func (b *base) Inputs() []types.InputSpecification   { return b.inputs }
func (b *base) Outputs() []types.OutputSpecification { return b.outputs }

func (b *base) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return types.NewActions(), nil
}

var valueOutput = []types.OutputSpecification{{Name: "value", Type: types.TypeAny}}

type inputCommand struct{}

func (c *inputCommand) Matcher() string { return "input" }

func (c *inputCommand) Documentation() string {
	return "A value made available to the runbook. Editable inputs are reviewed by the operator before use."
}

func (c *inputCommand) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "value", Type: types.TypeAny, Optional: true, Documentation: "The value; asked for when absent"},
		{Name: "description", Type: types.TypeString, Optional: true},
		{Name: "type", Type: types.TypeString, Optional: true, Documentation: "Expected type of the value"},
		{Name: "editable", Type: types.TypeBool, Default: false},
		{Name: "sensitive", Type: types.TypeBool, Default: false},
	}
}

func (c *inputCommand) Outputs() []types.OutputSpecification { return valueOutput }

func (c *inputCommand) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	actions := types.NewActions()
	value, ok := req.Inputs.Get("value")
	typing, _ := req.Inputs.GetString("type")
	description, _ := req.Inputs.GetString("description")

	if !ok || value == nil {
		if req.Unattended {
			return nil, missingValue(req)
		}
		item := types.NewProvideInputRequest(req.ConstructDid, req.Name, "value", nil, typing)
		actions.Push(item.WithDescription(description))
		return actions, nil
	}

	if req.Inputs.GetBool("editable") && !req.IsReviewed("value") {
		shown := value
		if req.Inputs.GetBool("sensitive") {
			shown = "<redacted>"
		}
		item := types.NewReviewInputRequest(req.ConstructDid, req.Name, "value", shown, types.StatusTodo)
		actions.Push(item.WithDescription(description))
	}
	return actions, nil
}

func (c *inputCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	value, ok := req.Inputs.Get("value")
	if !ok || value == nil {
		return nil, missingValue(req)
	}
	if typing, ok := req.Inputs.GetString("type"); ok && !types.ValueType(typing).Check(value) {
		return nil, types.NewConstructError(fmt.Sprintf("%s: value %s is not of type %s", req.Name, types.Render(value), typing), nil).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}
	r := types.NewCommandExecutionResult()
	r.Insert("value", value)
	return r, nil
}

func missingValue(req *types.CommandRequest) error {
	return types.NewConstructError(fmt.Sprintf("%s has no value", req.Name), nil).
		WithCode(types.ErrCodeMissingInput).
		WithConstruct(req.ConstructDid).
		WithDetail("input", "value")
}

type outputCommand struct {
	base
}

func newOutputCommand() *outputCommand {
	return &outputCommand{base{
		matcher: "output",
		doc:     "A value displayed to the operator and recorded in the snapshot.",
		inputs: []types.InputSpecification{
			{Name: "value", Type: types.TypeAny},
			{Name: "description", Type: types.TypeString, Optional: true},
		},
		outputs: valueOutput,
	}}
}

func (c *outputCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	value, _ := req.Inputs.Get("value")
	r := types.NewCommandExecutionResult()
	r.Insert("value", value)
	if d, ok := req.Inputs.GetString("description"); ok {
		r.Insert("description", d)
	}
	return r, nil
}

type moduleCommand struct {
	base
}

func newModuleCommand() *moduleCommand {
	return &moduleCommand{base{
		matcher: "module",
		doc:     "Runbook metadata. Every attribute is exposed as an output.",
		inputs: []types.InputSpecification{
			{Name: "name", Type: types.TypeString, Optional: true},
			{Name: "description", Type: types.TypeString, Optional: true},
		},
	}}
}

func (c *moduleCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	r := types.NewCommandExecutionResult()
	for _, k := range req.Inputs.Keys() {
		v, _ := req.Inputs.Get(k)
		r.Insert(k, v)
	}
	return r, nil
}

type echoCommand struct {
	base
}

func newEchoCommand() *echoCommand {
	return &echoCommand{base{
		matcher: "echo",
		doc:     "Returns its value unchanged.",
		inputs:  []types.InputSpecification{{Name: "value", Type: types.TypeAny}},
		outputs: valueOutput,
	}}
}

func (c *echoCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	value, _ := req.Inputs.Get("value")
	r := types.NewCommandExecutionResult()
	r.Insert("value", value)
	return r, nil
}

type assertEqCommand struct {
	base
}

func newAssertEqCommand() *assertEqCommand {
	return &assertEqCommand{base{
		matcher: "assert_eq",
		doc:     "Fails the construct unless left and right are equal.",
		inputs: []types.InputSpecification{
			{Name: "left", Type: types.TypeAny},
			{Name: "right", Type: types.TypeAny},
			{Name: "message", Type: types.TypeString, Optional: true},
		},
		outputs: valueOutput,
	}}
}

func (c *assertEqCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	left, _ := req.Inputs.Get("left")
	right, _ := req.Inputs.Get("right")
	if !reflect.DeepEqual(types.Normalize(left), types.Normalize(right)) {
		msg := fmt.Sprintf("assertion failed: %s != %s", types.Render(left), types.Render(right))
		if m, ok := req.Inputs.GetString("message"); ok && m != "" {
			msg = m + ": " + msg
		}
		return nil, types.NewConstructError(msg, nil).
			WithCode(types.ErrCodeConditionFailed).
			WithConstruct(req.ConstructDid).
			WithDetail("left", left).
			WithDetail("right", right)
	}
	r := types.NewCommandExecutionResult()
	r.Insert("value", true)
	return r, nil
}

type starlarkCommand struct {
	evaluator *StarlarkEvaluator
}

func (c *starlarkCommand) Matcher() string { return "starlark" }

func (c *starlarkCommand) Documentation() string {
	return "Evaluates a Starlark script. Exported globals become outputs; the global named result is also exposed as value."
}

func (c *starlarkCommand) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "script", Type: types.TypeString},
		{Name: "variables", Type: types.TypeObject, Optional: true, Documentation: "Globals bound before the script runs"},
	}
}

func (c *starlarkCommand) Outputs() []types.OutputSpecification { return valueOutput }

func (c *starlarkCommand) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return types.NewActions(), nil
}

func (c *starlarkCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	script, _ := req.Inputs.GetString("script")
	var variables map[string]interface{}
	if v, ok := req.Inputs.Get("variables"); ok {
		variables, _ = types.AsMap(v)
	}

	res, err := c.evaluator.Evaluate(ctx, script, variables)
	if err != nil {
		return nil, types.NewConstructError(fmt.Sprintf("%s: %v", req.Name, err), err).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}

	r := types.NewCommandExecutionResult()
	for k, v := range res.Output {
		r.Insert(k, v)
	}
	if v, ok := res.Output["result"]; ok {
		r.Insert("value", v)
	}
	return r, nil
}
