package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/txtx/txtx/pkg/types"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The policy reports violations
	// through a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Construct is the construct that violated the policy, if any.
	Construct types.ConstructDid `json:"construct_did,omitempty"`

	// Label is the construct's kind.name, if any.
	Label string `json:"label,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// String renders the violation on one line.
func (v Violation) String() string {
	if v.Label != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Label)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the run may start.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the violations that do not block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a POLICY_DENIED diagnostic listing the blocking violations,
// or nil when the run is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	lines := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		lines = append(lines, v.String())
	}
	d := types.NewStructuralError(
		fmt.Sprintf("%d policy violation(s)", len(r.Violations)),
		fmt.Errorf("%s", strings.Join(lines, "; ")),
	).WithCode(types.ErrCodePolicyDenied)
	if len(r.Violations) == 1 && r.Violations[0].Construct != "" {
		d.WithConstruct(r.Violations[0].Construct)
	}
	return d
}

// Input is the document policies are evaluated against.
type Input struct {
	// Environment is the selected environment.
	Environment string `json:"environment"`

	// Namespaces lists the registered addon namespaces.
	Namespaces []string `json:"namespaces"`

	// Constructs lists every indexed construct.
	Constructs []ConstructInput `json:"constructs"`
}

// ConstructInput describes one construct to policies.
type ConstructInput struct {
	Did       string                 `json:"did"`
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name"`
	Label     string                 `json:"label"`
	Namespace string                 `json:"namespace,omitempty"`
	Matcher   string                 `json:"matcher,omitempty"`
	Location  string                 `json:"location,omitempty"`
	Block     map[string]interface{} `json:"block,omitempty"`
}
