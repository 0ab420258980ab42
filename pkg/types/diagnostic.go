package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a diagnostic for propagation and retry decisions.
type ErrorClass string

const (
	// ClassStructural covers graph-level failures such as dependency cycles,
	// import cycles and duplicate constructs. Fatal for the whole run.
	ClassStructural ErrorClass = "structural"

	// ClassConstruct covers a failure local to one construct's evaluation.
	// The construct fails and its dependents are blocked.
	ClassConstruct ErrorClass = "construct"

	// ClassSigner covers failures scoped to one signer, such as an address
	// mismatch or missing key material.
	ClassSigner ErrorClass = "signer"

	// ClassTransient covers retryable failures such as a failed network poll.
	ClassTransient ErrorClass = "transient"

	// ClassProtocol covers malformed or unmatched supervisor responses.
	// The run-loop rejects them and stays suspended.
	ClassProtocol ErrorClass = "protocol"
)

// Level is the severity of a diagnostic.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelNote    Level = "note"
)

// Diagnostic is the error type shared by the core and the addons.
type Diagnostic struct {
	// Class is the propagation class.
	Class ErrorClass `json:"class"`

	// Level is the severity.
	Level Level `json:"level"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// Code is a stable code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Construct is the construct that produced the diagnostic, if any.
	Construct ConstructDid `json:"construct_did,omitempty"`

	// Location is a source position (file:line), if known.
	Location string `json:"location,omitempty"`

	// Path carries ordered detail such as a dependency cycle.
	Path []string `json:"path,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (d *Diagnostic) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", d.Class, d.Message)
	if d.Construct != "" {
		fmt.Fprintf(&b, " (construct=%s)", d.Construct.Short())
	}
	if len(d.Path) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(d.Path, " -> "))
	}
	if d.Err != nil {
		fmt.Fprintf(&b, ": %s", d.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (d *Diagnostic) Unwrap() error {
	return d.Err
}

// Is matches diagnostics by class and code.
func (d *Diagnostic) Is(target error) bool {
	t, ok := target.(*Diagnostic)
	if !ok {
		return false
	}
	return d.Class == t.Class && d.Code == t.Code
}

func newDiagnostic(class ErrorClass, message string, err error) *Diagnostic {
	return &Diagnostic{
		Class:   class,
		Level:   LevelError,
		Message: message,
		Err:     err,
	}
}

// NewStructuralError creates a structural diagnostic.
func NewStructuralError(message string, err error) *Diagnostic {
	return newDiagnostic(ClassStructural, message, err)
}

// NewConstructError creates a construct-local diagnostic.
func NewConstructError(message string, err error) *Diagnostic {
	return newDiagnostic(ClassConstruct, message, err)
}

// NewSignerError creates a signer-local diagnostic.
func NewSignerError(message string, err error) *Diagnostic {
	return newDiagnostic(ClassSigner, message, err)
}

// NewTransientError creates a retryable diagnostic.
func NewTransientError(message string, err error) *Diagnostic {
	return newDiagnostic(ClassTransient, message, err)
}

// NewProtocolError creates a protocol diagnostic.
func NewProtocolError(message string, err error) *Diagnostic {
	return newDiagnostic(ClassProtocol, message, err)
}

// NewWarning creates a construct-local warning.
func NewWarning(message string) *Diagnostic {
	d := newDiagnostic(ClassConstruct, message, nil)
	d.Level = LevelWarning
	return d
}

// WithConstruct attaches the owning construct.
func (d *Diagnostic) WithConstruct(did ConstructDid) *Diagnostic {
	d.Construct = did
	return d
}

// WithCode sets the diagnostic code.
func (d *Diagnostic) WithCode(code string) *Diagnostic {
	d.Code = code
	return d
}

// WithLocation sets the source position.
func (d *Diagnostic) WithLocation(location string) *Diagnostic {
	d.Location = location
	return d
}

// WithPath sets the ordered path detail.
func (d *Diagnostic) WithPath(path []string) *Diagnostic {
	d.Path = path
	return d
}

// WithDetail adds a detail field.
func (d *Diagnostic) WithDetail(key string, value interface{}) *Diagnostic {
	if d.Details == nil {
		d.Details = make(map[string]interface{})
	}
	d.Details[key] = value
	return d
}

// IsError reports whether the diagnostic blocks progress.
func (d *Diagnostic) IsError() bool {
	return d.Level == LevelError
}

// AsDiagnostic converts any error into a diagnostic. Errors that are not
// already diagnostics become construct-local ones.
func AsDiagnostic(err error) *Diagnostic {
	if err == nil {
		return nil
	}
	var d *Diagnostic
	if errors.As(err, &d) {
		return d
	}
	return NewConstructError(err.Error(), err).WithCode(ErrCodeInternal)
}

func classOf(err error) (ErrorClass, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d.Class, true
	}
	return "", false
}

// IsStructural reports whether err is fatal for the whole run.
func IsStructural(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassStructural
}

// IsSignerLocal reports whether err is scoped to a signer.
func IsSignerLocal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassSigner
}

// IsProtocol reports whether err is a rejected supervisor response.
func IsProtocol(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassProtocol
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// Diagnostic codes.
const (
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeUnresolvedReference  = "UNRESOLVED_REFERENCE"
	ErrCodeMissingInput         = "MISSING_INPUT"
	ErrCodeDependencyFailed     = "DEPENDENCY_FAILED"
	ErrCodeAddressMismatch      = "ADDRESS_MISMATCH"
	ErrCodeMissingKeyMaterial   = "MISSING_KEY_MATERIAL"
	ErrCodePollExhausted        = "POLL_EXHAUSTED"
	ErrCodeMalformedResponse    = "MALFORMED_RESPONSE"
	ErrCodeUnknownCorrelationID = "UNKNOWN_CORRELATION_ID"
	ErrCodeResultConflict       = "RESULT_CONFLICT"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeNonceAhead           = "NONCE_AHEAD"
	ErrCodeDuplicateConstruct   = "DUPLICATE_CONSTRUCT"
	ErrCodeUnknownSpecification = "UNKNOWN_SPECIFICATION"
	ErrCodeConditionFailed      = "CONDITION_FAILED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)
