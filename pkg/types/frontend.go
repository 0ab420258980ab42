package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ActionItemStatus is the display status of an action item.
type ActionItemStatus string

const (
	StatusTodo       ActionItemStatus = "todo"
	StatusInProgress ActionItemStatus = "in_progress"
	StatusBlocked    ActionItemStatus = "blocked"
	StatusSuccess    ActionItemStatus = "success"
	StatusWarning    ActionItemStatus = "warning"
	StatusError      ActionItemStatus = "error"
)

// ActionType tags the payload carried by a request or a response.
type ActionType string

const (
	ActionReviewInput              ActionType = "review_input"
	ActionProvideInput             ActionType = "provide_input"
	ActionProvidePublicKey         ActionType = "provide_public_key"
	ActionProvideSignedTransaction ActionType = "provide_signed_transaction"
	ActionDisplayOutput            ActionType = "display_output"
	ActionPickInputOption          ActionType = "pick_input_option"
	ActionValidateBlock            ActionType = "validate_block"
)

// ReviewInputRequest asks the supervisor to confirm a value.
type ReviewInputRequest struct {
	InputName string `json:"input_name"`
	Value     Value  `json:"value"`
}

// ProvideInputRequest asks the supervisor for a value.
type ProvideInputRequest struct {
	InputName    string `json:"input_name"`
	DefaultValue Value  `json:"default_value,omitempty"`
	Typing       string `json:"typing,omitempty"`
}

// ProvidePublicKeyRequest asks a wallet for its public key.
type ProvidePublicKeyRequest struct {
	CheckExpectationActionUUID *uuid.UUID `json:"check_expectation_action_uuid,omitempty"`
	Message                    string     `json:"message"`
	Namespace                  string     `json:"namespace"`
	NetworkID                  string     `json:"network_id"`
}

// ProvideSignedTransactionRequest asks a wallet to sign a payload.
type ProvideSignedTransactionRequest struct {
	SignerDid ConstructDid `json:"signer_did"`
	Payload   string       `json:"payload"`
	Namespace string       `json:"namespace"`
	NetworkID string       `json:"network_id"`
}

// DisplayOutputRequest shows a value.
type DisplayOutputRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Value       Value  `json:"value"`
}

// InputOption is one choice of a picker.
type InputOption struct {
	Value       string `json:"value"`
	DisplayedAs string `json:"displayed_value"`
}

// PickInputOptionRequest offers a choice between options.
type PickInputOptionRequest struct {
	Options  []InputOption `json:"options"`
	Selected InputOption   `json:"selected"`
}

// ValidateBlockRequest is the panel-level validation item.
type ValidateBlockRequest struct {
	Index int `json:"index"`
}

// ActionItemRequest is one item presented to the supervisor.
type ActionItemRequest struct {
	ID           uuid.UUID        `json:"id"`
	ConstructDid ConstructDid     `json:"construct_did,omitempty"`
	Index        int              `json:"index"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	Status       ActionItemStatus `json:"status"`
	Diagnostic   *Diagnostic      `json:"diagnostic,omitempty"`
	Type         ActionType       `json:"action_type"`

	// InternalKey lets a specification recognize its own items across passes.
	InternalKey string `json:"internal_key"`

	ReviewInput              *ReviewInputRequest              `json:"review_input,omitempty"`
	ProvideInput             *ProvideInputRequest             `json:"provide_input,omitempty"`
	ProvidePublicKey         *ProvidePublicKeyRequest         `json:"provide_public_key,omitempty"`
	ProvideSignedTransaction *ProvideSignedTransactionRequest `json:"provide_signed_transaction,omitempty"`
	DisplayOutput            *DisplayOutputRequest            `json:"display_output,omitempty"`
	PickInputOption          *PickInputOptionRequest          `json:"pick_input_option,omitempty"`
	ValidateBlock            *ValidateBlockRequest            `json:"validate_block,omitempty"`
}

func newRequest(did ConstructDid, title string, status ActionItemStatus, t ActionType, key string) *ActionItemRequest {
	return &ActionItemRequest{
		ID:           uuid.New(),
		ConstructDid: did,
		Title:        title,
		Status:       status,
		Type:         t,
		InternalKey:  key,
	}
}

// NewReviewInputRequest creates a review item.
func NewReviewInputRequest(did ConstructDid, title, inputName string, value Value, status ActionItemStatus) *ActionItemRequest {
	r := newRequest(did, title, status, ActionReviewInput, inputName)
	r.ReviewInput = &ReviewInputRequest{InputName: inputName, Value: value}
	return r
}

// NewProvideInputRequest creates an input item.
func NewProvideInputRequest(did ConstructDid, title, inputName string, def Value, typing string) *ActionItemRequest {
	r := newRequest(did, title, StatusTodo, ActionProvideInput, inputName)
	r.ProvideInput = &ProvideInputRequest{InputName: inputName, DefaultValue: def, Typing: typing}
	return r
}

// NewProvidePublicKeyRequest creates a public key item.
func NewProvidePublicKeyRequest(did ConstructDid, title string, payload ProvidePublicKeyRequest) *ActionItemRequest {
	r := newRequest(did, title, StatusTodo, ActionProvidePublicKey, "provide_public_key")
	r.ProvidePublicKey = &payload
	return r
}

// NewProvideSignedTransactionRequest creates a signing item owned by the
// dependent construct.
func NewProvideSignedTransactionRequest(dependent ConstructDid, title string, payload ProvideSignedTransactionRequest) *ActionItemRequest {
	r := newRequest(dependent, title, StatusTodo, ActionProvideSignedTransaction, "provide_signed_transaction")
	r.ProvideSignedTransaction = &payload
	return r
}

// NewDisplayOutputRequest creates an output item.
func NewDisplayOutputRequest(did ConstructDid, name, description string, value Value) *ActionItemRequest {
	r := newRequest(did, name, StatusTodo, ActionDisplayOutput, name)
	r.Description = description
	r.DisplayOutput = &DisplayOutputRequest{Name: name, Description: description, Value: value}
	return r
}

// NewPickInputOptionRequest creates a picker item.
func NewPickInputOptionRequest(title string, options []InputOption, selected InputOption) *ActionItemRequest {
	r := newRequest("", title, StatusSuccess, ActionPickInputOption, "pick_input_option")
	r.PickInputOption = &PickInputOptionRequest{Options: options, Selected: selected}
	return r
}

// NewValidateBlockRequest creates a panel validation item.
func NewValidateBlockRequest(title string, index int) *ActionItemRequest {
	r := newRequest("", title, StatusTodo, ActionValidateBlock, "validate_block")
	r.ValidateBlock = &ValidateBlockRequest{Index: index}
	return r
}

// WithDescription sets the description.
func (r *ActionItemRequest) WithDescription(description string) *ActionItemRequest {
	r.Description = description
	return r
}

// WithDiagnostic attaches a diagnostic and mirrors its level in the status.
func (r *ActionItemRequest) WithDiagnostic(d *Diagnostic) *ActionItemRequest {
	r.Diagnostic = d
	if d != nil {
		if d.IsError() {
			r.Status = StatusError
		} else {
			r.Status = StatusWarning
		}
	}
	return r
}

// IsPending reports whether the item still needs an answer before the
// run can move past it.
func (r *ActionItemRequest) IsPending() bool {
	switch r.Type {
	case ActionDisplayOutput, ActionPickInputOption, ActionValidateBlock:
		return false
	}
	switch r.Status {
	case StatusTodo, StatusInProgress, StatusError:
		return true
	default:
		return false
	}
}

// ActionItemRequestUpdate changes an item already shown.
type ActionItemRequestUpdate struct {
	ID          uuid.UUID         `json:"id"`
	Status      *ActionItemStatus `json:"status,omitempty"`
	Description *string           `json:"description,omitempty"`
	Diagnostic  *Diagnostic       `json:"diagnostic,omitempty"`
}

// NewStatusUpdate creates an update that sets a status.
func NewStatusUpdate(id uuid.UUID, status ActionItemStatus) ActionItemRequestUpdate {
	return ActionItemRequestUpdate{ID: id, Status: &status}
}

// WithDescription sets the new description.
func (u ActionItemRequestUpdate) WithDescription(description string) ActionItemRequestUpdate {
	u.Description = &description
	return u
}

// WithDiagnostic sets a diagnostic and the matching status.
func (u ActionItemRequestUpdate) WithDiagnostic(d *Diagnostic) ActionItemRequestUpdate {
	u.Diagnostic = d
	status := StatusWarning
	if d.IsError() {
		status = StatusError
	}
	u.Status = &status
	return u
}

// Apply mutates the request with the update.
func (u ActionItemRequestUpdate) Apply(r *ActionItemRequest) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Diagnostic != nil {
		r.Diagnostic = u.Diagnostic
	}
}

// Actions collects the items and updates a phase call produced.
type Actions struct {
	Requests []*ActionItemRequest       `json:"requests,omitempty"`
	Updates  []ActionItemRequestUpdate `json:"updates,omitempty"`
}

// NewActions returns an Actions holding the given requests.
func NewActions(requests ...*ActionItemRequest) *Actions {
	return &Actions{Requests: requests}
}

// Push adds a request.
func (a *Actions) Push(r *ActionItemRequest) {
	a.Requests = append(a.Requests, r)
}

// PushUpdate adds an update.
func (a *Actions) PushUpdate(u ActionItemRequestUpdate) {
	a.Updates = append(a.Updates, u)
}

// Append merges other into a.
func (a *Actions) Append(other *Actions) {
	if other == nil {
		return
	}
	a.Requests = append(a.Requests, other.Requests...)
	a.Updates = append(a.Updates, other.Updates...)
}

// HasPendingActions reports whether any request still needs an answer.
func (a *Actions) HasPendingActions() bool {
	if a == nil {
		return false
	}
	for _, r := range a.Requests {
		if r.IsPending() {
			return true
		}
	}
	return false
}

// IsEmpty reports whether there is nothing to show.
func (a *Actions) IsEmpty() bool {
	return a == nil || (len(a.Requests) == 0 && len(a.Updates) == 0)
}

// ReviewInputResponse confirms or unconfirms a reviewed value.
type ReviewInputResponse struct {
	InputName    string `json:"input_name"`
	ValueChecked bool   `json:"value_checked"`
}

// ProvideInputResponse supplies a value.
type ProvideInputResponse struct {
	InputName    string `json:"input_name"`
	UpdatedValue Value  `json:"updated_value"`
}

// ProvidePublicKeyResponse supplies a hex-encoded public key.
type ProvidePublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// ProvideSignedTransactionResponse supplies hex-encoded signed bytes.
type ProvideSignedTransactionResponse struct {
	SignedTransactionBytes string       `json:"signed_transaction_bytes"`
	SignerDid              ConstructDid `json:"signer_did,omitempty"`
}

// PickInputOptionResponse selects an option value.
type PickInputOptionResponse struct {
	Value string `json:"value"`
}

// ActionItemResponse is an answer from the supervisor, correlated to a
// request by ActionItemID.
type ActionItemResponse struct {
	ActionItemID uuid.UUID  `json:"action_item_id"`
	Type         ActionType `json:"type"`

	ReviewInput              *ReviewInputResponse              `json:"review_input,omitempty"`
	ProvideInput             *ProvideInputResponse             `json:"provide_input,omitempty"`
	ProvidePublicKey         *ProvidePublicKeyResponse         `json:"provide_public_key,omitempty"`
	ProvideSignedTransaction *ProvideSignedTransactionResponse `json:"provide_signed_transaction,omitempty"`
	PickInputOption          *PickInputOptionResponse          `json:"pick_input_option,omitempty"`
}

// Validate checks that the response carries the payload its type names and
// that the type is the one the request expects.
func (r *ActionItemResponse) Validate(expected ActionType) error {
	if r.Type != expected {
		return NewProtocolError(fmt.Sprintf("response kind %q does not match request kind %q", r.Type, expected), nil).
			WithCode(ErrCodeMalformedResponse)
	}
	var present bool
	switch r.Type {
	case ActionValidateBlock:
		present = true
	case ActionReviewInput:
		present = r.ReviewInput != nil
	case ActionProvideInput:
		present = r.ProvideInput != nil
	case ActionProvidePublicKey:
		present = r.ProvidePublicKey != nil && r.ProvidePublicKey.PublicKey != ""
	case ActionProvideSignedTransaction:
		present = r.ProvideSignedTransaction != nil && r.ProvideSignedTransaction.SignedTransactionBytes != ""
	case ActionPickInputOption:
		present = r.PickInputOption != nil
	}
	if !present {
		return NewProtocolError(fmt.Sprintf("response of kind %q has no payload", r.Type), nil).
			WithCode(ErrCodeMalformedResponse)
	}
	return nil
}

// ActionGroup is a titled group of items in a panel.
type ActionGroup struct {
	Title string               `json:"title"`
	Items []*ActionItemRequest `json:"action_items"`
}

// Panel is a titled set of groups.
type Panel struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Groups      []ActionGroup `json:"groups"`
}

// Block is one unit of display.
type Block struct {
	ID      uuid.UUID `json:"uuid"`
	Visible bool      `json:"visible"`
	Panel   Panel     `json:"panel"`
}

// NewBlock wraps a panel in a visible block.
func NewBlock(panel Panel) *Block {
	return &Block{ID: uuid.New(), Visible: true, Panel: panel}
}

// Items returns every item of the block in display order.
func (b *Block) Items() []*ActionItemRequest {
	var items []*ActionItemRequest
	for _, g := range b.Panel.Groups {
		items = append(items, g.Items...)
	}
	return items
}

// ProgressBarStatusUpdate reports progress of a background task.
type ProgressBarStatusUpdate struct {
	BackgroundTaskID uuid.UUID    `json:"background_task_uuid"`
	ConstructDid     ConstructDid `json:"construct_did"`
	Status           string       `json:"status"`
	Message          string       `json:"message"`
	Attempt          int          `json:"attempt"`
	Done             bool         `json:"done"`
	Diagnostic       *Diagnostic  `json:"diagnostic,omitempty"`
}

// BlockEventKind tags a BlockEvent.
type BlockEventKind string

const (
	EventAppend            BlockEventKind = "append"
	EventClear             BlockEventKind = "clear"
	EventUpdateActionItems BlockEventKind = "update_action_items"
	EventProgressBar       BlockEventKind = "progress_bar"
	EventError             BlockEventKind = "error"
	EventExit              BlockEventKind = "exit"
)

// BlockEvent is one outbound message from the run-loop.
type BlockEvent struct {
	Kind       BlockEventKind            `json:"kind"`
	Block      *Block                    `json:"block,omitempty"`
	Updates    []ActionItemRequestUpdate `json:"updates,omitempty"`
	Progress   *ProgressBarStatusUpdate  `json:"progress,omitempty"`
	Diagnostic *Diagnostic               `json:"diagnostic,omitempty"`
}
