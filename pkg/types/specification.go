package types

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ValueType is the declared type of an input or output.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeBool    ValueType = "bool"
	TypeArray   ValueType = "array"
	TypeObject  ValueType = "object"
	TypeBuffer  ValueType = "buffer"
	TypeAny     ValueType = "any"
)

// Check reports whether v conforms to the type.
func (t ValueType) Check(v Value) bool {
	switch t {
	case TypeAny, "":
		return true
	case TypeString, TypeBuffer:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		_, ok := AsInt64(v)
		return ok
	case TypeFloat:
		switch Normalize(v).(type) {
		case int64, float64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return false
	}
}

// InputSpecification describes one input attribute.
type InputSpecification struct {
	Name          string    `json:"name"`
	Documentation string    `json:"documentation,omitempty"`
	Type          ValueType `json:"type"`
	Optional      bool      `json:"optional,omitempty"`
	Sensitive     bool      `json:"sensitive,omitempty"`
	Default       Value     `json:"default,omitempty"`
}

// OutputSpecification describes one output.
type OutputSpecification struct {
	Name          string    `json:"name"`
	Documentation string    `json:"documentation,omitempty"`
	Type          ValueType `json:"type"`
}

// CommandExecutionResult holds the named outputs of one construct.
type CommandExecutionResult struct {
	Outputs map[string]interface{} `json:"outputs"`
}

// NewCommandExecutionResult returns an empty result.
func NewCommandExecutionResult() *CommandExecutionResult {
	return &CommandExecutionResult{Outputs: make(map[string]interface{})}
}

// Insert sets an output.
func (r *CommandExecutionResult) Insert(name string, v Value) {
	if r.Outputs == nil {
		r.Outputs = make(map[string]interface{})
	}
	r.Outputs[name] = v
}

// Get returns an output.
func (r *CommandExecutionResult) Get(name string) (Value, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Outputs[name]
	return v, ok
}

// InputsEvaluationResult holds the evaluated inputs of one construct, keeping
// the raw pre-evaluation form for the snapshot.
type InputsEvaluationResult struct {
	Inputs *ValueStore           `json:"inputs"`
	Raw    map[string]interface{} `json:"raw"`
}

// SignerKey names well-known entries of a signer state.
const (
	SignerKeyPublicKey              = "public_key"
	SignerKeyConfirmed              = "public_key_confirmed"
	SignerKeyAddress                = "address"
	SignerKeySignedTransactionBytes = "signed_transaction_bytes"
	SignerKeySignedPayload          = "signed_payload"
	SignerKeyActivated              = "activated"
)

// CommandRequest is the context handed to a command specification.
type CommandRequest struct {
	ConstructDid ConstructDid `json:"construct_did"`
	Name         string       `json:"name"`
	Namespace    string       `json:"namespace"`
	Inputs       *ValueStore  `json:"inputs"`

	// Reviewed lists the inputs the supervisor has confirmed.
	Reviewed map[string]bool `json:"reviewed,omitempty"`

	// Unattended is set when no human is answering action items.
	Unattended bool `json:"unattended,omitempty"`
}

// IsReviewed reports whether the input was confirmed.
func (r *CommandRequest) IsReviewed(input string) bool {
	return r.Unattended || r.Reviewed[input]
}

// SignerRequest is the context handed to a signer specification.
type SignerRequest struct {
	SignerDid  ConstructDid `json:"signer_did"`
	Name       string       `json:"name"`
	Namespace  string       `json:"namespace"`
	Inputs     *ValueStore  `json:"inputs"`
	Unattended bool         `json:"unattended,omitempty"`

	// Response is the supervisor answer being applied, if any.
	Response *ActionItemResponse `json:"response,omitempty"`
}

// SignPayload is what a dependent construct asks a signer to sign.
type SignPayload struct {
	Dependent   ConstructDid `json:"dependent"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Payload     string       `json:"payload"`
	NetworkID   string       `json:"network_id,omitempty"`
}

// BackgroundTask is spawned by a command whose effect completes later, such
// as a broadcast transaction awaiting confirmation.
type BackgroundTask struct {
	ID           uuid.UUID    `json:"id"`
	ConstructDid ConstructDid `json:"construct_did"`
	Description  string       `json:"description"`

	// Poll checks completion once. It returns the final outputs when done.
	Poll func(ctx context.Context) (done bool, outputs map[string]interface{}, err error) `json:"-"`
}

// NewBackgroundTask creates a task with a fresh id.
func NewBackgroundTask(did ConstructDid, description string, poll func(ctx context.Context) (bool, map[string]interface{}, error)) *BackgroundTask {
	return &BackgroundTask{ID: uuid.New(), ConstructDid: did, Description: description, Poll: poll}
}

// CommandSpecification is the contract of a command addon.
type CommandSpecification interface {
	Matcher() string
	Documentation() string
	Inputs() []InputSpecification
	Outputs() []OutputSpecification

	// CheckExecutability returns the action items needed before Run.
	CheckExecutability(ctx context.Context, req *CommandRequest) (*Actions, error)

	// Run executes the command.
	Run(ctx context.Context, req *CommandRequest) (*CommandExecutionResult, error)
}

// SignedCommandSpecification is a command that needs signatures.
type SignedCommandSpecification interface {
	CommandSpecification

	// BuildPayload returns the bytes to sign, hex encoded.
	BuildPayload(ctx context.Context, req *CommandRequest) (*SignPayload, error)

	// RunSigned executes the command with the signatures keyed by signer did.
	// It may return a background task; the result is then final once the
	// task reports done.
	RunSigned(ctx context.Context, req *CommandRequest, signatures map[ConstructDid]string) (*CommandExecutionResult, *BackgroundTask, error)
}

// SignerSpecification is the contract of a signer addon. Each phase takes
// ownership of the signer state and returns it.
type SignerSpecification interface {
	Matcher() string
	Documentation() string
	Inputs() []InputSpecification
	Outputs() []OutputSpecification

	CheckActivability(ctx context.Context, req *SignerRequest, state *ValueStore) (*ValueStore, *Actions, error)
	Activate(ctx context.Context, req *SignerRequest, state *ValueStore) (*ValueStore, *CommandExecutionResult, error)
	CheckSignability(ctx context.Context, req *SignerRequest, payload *SignPayload, state *ValueStore) (*ValueStore, *Actions, error)
	Sign(ctx context.Context, req *SignerRequest, payload *SignPayload, state *ValueStore) (*ValueStore, *CommandExecutionResult, error)
}

// IsSigned reports whether state holds a signature for the dependent.
func IsSigned(state *ValueStore, dependent ConstructDid) bool {
	_, ok := state.GetScoped(string(dependent), SignerKeySignedTransactionBytes)
	return ok
}

// IsConfirmed reports whether state holds a confirmed public key.
func IsConfirmed(state *ValueStore) bool {
	_, ok := state.Get(SignerKeyPublicKey)
	return ok && state.GetBool(SignerKeyConfirmed)
}

// NoncePolicy decides what a transaction with a nonce ahead of the
// account's next nonce does.
type NoncePolicy string

const (
	NonceQueue  NoncePolicy = "queue"
	NonceReject NoncePolicy = "reject"
	NonceWarn   NoncePolicy = "warn"
)

// ParseNoncePolicy parses a policy name; empty means queue.
func ParseNoncePolicy(s string) (NoncePolicy, error) {
	switch NoncePolicy(s) {
	case "":
		return NonceQueue, nil
	case NonceQueue, NonceReject, NonceWarn:
		return NoncePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown nonce policy %q (expected queue, reject or warn)", s)
	}
}
