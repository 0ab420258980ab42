package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

// ErrNotReady is returned when an input references a construct that has no
// result yet.
var ErrNotReady = errors.New("dependency has no result yet")

const (
	preConditionKey  = "pre_condition"
	postConditionKey = "post_condition"
)

// Evaluator turns raw construct blocks into evaluated inputs.
type Evaluator struct {
	ws *workspace.Workspace
	ec *ExecutionContext
}

// NewEvaluator creates an evaluator reading results from ec.
func NewEvaluator(ws *workspace.Workspace, ec *ExecutionContext) *Evaluator {
	return &Evaluator{ws: ws, ec: ec}
}

// EvaluateInputs evaluates every attribute of the construct block except
// its conditions, applies overrides, addon defaults and input defaults, and
// checks declared types. The result is stored on the instance.
//
// ErrNotReady means an upstream construct has no result yet. Any other
// error is a construct diagnostic.
func (e *Evaluator) EvaluateInputs(c *ConstructInstance, specs []types.InputSpecification, overrides map[string]interface{}) (*types.InputsEvaluationResult, error) {
	if len(c.Unresolved) > 0 {
		return nil, UnresolvedReference(c, c.Unresolved[0])
	}

	result := &types.InputsEvaluationResult{
		Inputs: types.NewValueStore(c.Name),
		Raw:    make(map[string]interface{}),
	}

	keys := make([]string, 0, len(c.Block))
	for k := range c.Block {
		if k == preConditionKey || k == postConditionKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		raw := c.Block[k]
		result.Raw[k] = raw
		if v, ok := overrides[k]; ok {
			result.Inputs.Insert(k, types.Normalize(v))
			continue
		}
		v, err := e.evaluateValue(c, raw, nil)
		if err != nil {
			return nil, e.attributeError(c, k, err)
		}
		result.Inputs.Insert(k, v)
	}

	for k, v := range overrides {
		if _, ok := result.Inputs.Get(k); !ok {
			result.Inputs.Insert(k, types.Normalize(v))
		}
	}

	addonDefaults := e.addonDefaults(c)
	for _, spec := range specs {
		v, present := result.Inputs.Get(spec.Name)
		if !present {
			if def, ok := addonDefaults[spec.Name]; ok {
				evaluated, err := e.evaluateValue(c, def, nil)
				if err != nil {
					return nil, e.attributeError(c, spec.Name, err)
				}
				v, present = evaluated, true
			} else if spec.Default != nil {
				v, present = spec.Default, true
			}
			if present {
				result.Inputs.Insert(spec.Name, v)
			}
		}
		if !present {
			if spec.Optional {
				continue
			}
			return nil, types.NewConstructError(fmt.Sprintf("%s is missing required input %q", c.Label(), spec.Name), nil).
				WithCode(types.ErrCodeMissingInput).
				WithConstruct(c.Did).
				WithLocation(c.Location).
				WithPath([]string{spec.Name})
		}
		if !spec.Type.Check(v) {
			return nil, types.NewConstructError(fmt.Sprintf("%s input %q expects %s, got %T", c.Label(), spec.Name, spec.Type, v), nil).
				WithCode(types.ErrCodeValidation).
				WithConstruct(c.Did).
				WithLocation(c.Location).
				WithPath([]string{spec.Name})
		}
	}

	c.Evaluated = result
	return result, nil
}

func (e *Evaluator) attributeError(c *ConstructInstance, attribute string, err error) error {
	if errors.Is(err, ErrNotReady) {
		return err
	}
	d := types.AsDiagnostic(err)
	if d.Construct == "" {
		d.WithConstruct(c.Did)
	}
	if d.Location == "" {
		d.WithLocation(c.Location)
	}
	if len(d.Path) == 0 {
		d.WithPath([]string{attribute})
	}
	return d
}

func (e *Evaluator) addonDefaults(c *ConstructInstance) map[string]interface{} {
	pkg, ok := e.ws.Package(c.Package.Did())
	if !ok {
		return nil
	}
	return pkg.Addons[c.Namespace]
}

// evaluateValue resolves references inside a raw value. self stands in for
// the construct's own result while checking a post_condition.
func (e *Evaluator) evaluateValue(c *ConstructInstance, raw interface{}, self *types.CommandExecutionResult) (interface{}, error) {
	switch v := raw.(type) {
	case string:
		parts, err := workspace.ParseTemplate(v)
		if err != nil {
			return nil, types.NewConstructError("malformed reference", err).
				WithCode(types.ErrCodeValidation)
		}
		if len(parts) == 1 && parts[0].Ref == nil {
			return v, nil
		}
		if workspace.IsWholeReference(parts) {
			return e.resolve(c, parts[0].Ref, self)
		}
		var sb strings.Builder
		for _, p := range parts {
			if p.Ref == nil {
				sb.WriteString(p.Literal)
				continue
			}
			resolved, err := e.resolve(c, p.Ref, self)
			if err != nil {
				return nil, err
			}
			sb.WriteString(types.Render(resolved))
		}
		return sb.String(), nil

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			evaluated, err := e.evaluateValue(c, item, self)
			if err != nil {
				return nil, err
			}
			out[k] = evaluated
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			evaluated, err := e.evaluateValue(c, item, self)
			if err != nil {
				return nil, err
			}
			out[i] = evaluated
		}
		return out, nil

	default:
		return types.Normalize(raw), nil
	}
}

func (e *Evaluator) resolve(c *ConstructInstance, ref *workspace.Reference, self *types.CommandExecutionResult) (interface{}, error) {
	res, ok := e.ws.Resolve(c.Package.Did(), ref)
	if !ok {
		return nil, UnresolvedReference(c, workspace.AttributeReference{Ref: ref})
	}

	if res.IsEnv() {
		v, _ := e.ws.EnvValue(res.EnvKey)
		return e.applyPath(ref, types.Normalize(v), res)
	}

	var result *types.CommandExecutionResult
	if res.Did == c.Did && self != nil {
		result = self
	} else {
		r, found := e.ec.Result(res.Did)
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, e.ec.Label(res.Did))
		}
		result = r
	}

	var base interface{}
	switch res.Kind {
	case config.KindInput, config.KindOutput:
		base = result.Outputs["value"]
	case config.KindSigner:
		outputs := make(map[string]interface{}, len(result.Outputs)+1)
		for k, v := range result.Outputs {
			outputs[k] = v
		}
		outputs["did"] = string(res.Did)
		base = outputs
	default:
		base = result.Outputs
	}
	return e.applyPath(ref, base, res)
}

func (e *Evaluator) applyPath(ref *workspace.Reference, base interface{}, res *workspace.Resolution) (interface{}, error) {
	v, err := types.ApplyPath(base, res.Path, res.Subscripts)
	if err != nil {
		return nil, types.NewConstructError(fmt.Sprintf("cannot read ${%s}", ref.Raw), err).
			WithCode(types.ErrCodeValidation)
	}
	return v, nil
}

// Condition is one evaluated pre or post condition.
type Condition struct {
	Assertion bool
	Behavior  string
}

// CheckPreCondition evaluates the pre_condition of a construct. A failing
// halt condition is returned as an error; a failing log condition is
// returned as a warning.
func (e *Evaluator) CheckPreCondition(c *ConstructInstance) (*types.Diagnostic, error) {
	return e.checkConditions(c, preConditionKey, nil)
}

// CheckPostCondition evaluates the post_condition of a construct against
// its fresh result, before the result is recorded.
func (e *Evaluator) CheckPostCondition(c *ConstructInstance, result *types.CommandExecutionResult) (*types.Diagnostic, error) {
	return e.checkConditions(c, postConditionKey, result)
}

func (e *Evaluator) checkConditions(c *ConstructInstance, key string, self *types.CommandExecutionResult) (*types.Diagnostic, error) {
	raw, ok := c.Block[key]
	if !ok {
		return nil, nil
	}

	var blocks []interface{}
	switch v := raw.(type) {
	case []interface{}:
		blocks = v
	default:
		blocks = []interface{}{v}
	}

	var warning *types.Diagnostic
	for i, b := range blocks {
		cond, err := e.evaluateCondition(c, b, self)
		if err != nil {
			return nil, e.attributeError(c, fmt.Sprintf("%s[%d]", key, i), err)
		}
		if cond.Assertion {
			continue
		}
		msg := fmt.Sprintf("%s of %s failed", key, c.Label())
		if cond.Behavior == "log" {
			warning = types.NewWarning(msg).
				WithCode(types.ErrCodeConditionFailed).
				WithConstruct(c.Did).
				WithLocation(c.Location)
			continue
		}
		return nil, types.NewConstructError(msg, nil).
			WithCode(types.ErrCodeConditionFailed).
			WithConstruct(c.Did).
			WithLocation(c.Location)
	}
	return warning, nil
}

func (e *Evaluator) evaluateCondition(c *ConstructInstance, raw interface{}, self *types.CommandExecutionResult) (*Condition, error) {
	block, ok := types.AsMap(raw)
	if !ok {
		return nil, types.NewConstructError("condition must be an object", nil).WithCode(types.ErrCodeValidation)
	}
	v, err := e.evaluateValue(c, block["assertion"], self)
	if err != nil {
		return nil, err
	}
	assertion, ok := types.AsBool(v)
	if !ok {
		return nil, types.NewConstructError(fmt.Sprintf("condition assertion must be a bool, got %T", v), nil).
			WithCode(types.ErrCodeValidation)
	}
	behavior, _ := types.AsString(block["behavior"])
	if behavior == "" {
		behavior = "halt"
	}
	return &Condition{Assertion: assertion, Behavior: behavior}, nil
}
