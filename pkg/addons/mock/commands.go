package mock

import (
	"context"
	"fmt"

	"github.com/txtx/txtx/pkg/types"
)

// signerRef is the part of a signer reference the commands read.
type signerRef struct {
	did       types.ConstructDid
	address   string
	publicKey string
}

func signerOf(req *types.CommandRequest) (signerRef, error) {
	v, _ := req.Inputs.Get("signer")
	m, ok := types.AsMap(v)
	if !ok {
		return signerRef{}, types.NewConstructError(fmt.Sprintf("%s: signer must reference a signer", req.Name), nil).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}
	ref := signerRef{}
	if did, ok := m["did"].(string); ok {
		ref.did = types.ConstructDid(did)
	}
	ref.address, _ = m["address"].(string)
	ref.publicKey, _ = m["public_key"].(string)
	if ref.address == "" {
		return signerRef{}, types.NewConstructError(fmt.Sprintf("%s: signer has no address yet", req.Name), nil).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}
	return ref, nil
}

// signatureOf picks the signature of ref, or the only one provided.
func signatureOf(req *types.CommandRequest, ref signerRef, signatures map[types.ConstructDid]string) (string, error) {
	if sig, ok := signatures[ref.did]; ok {
		return sig, nil
	}
	if len(signatures) == 1 {
		for _, sig := range signatures {
			return sig, nil
		}
	}
	return "", types.NewConstructError(fmt.Sprintf("%s: no signature from %s", req.Name, ref.address), nil).
		WithCode(types.ErrCodeMissingKeyMaterial).
		WithConstruct(req.ConstructDid)
}

func reviewItems(req *types.CommandRequest, names ...string) *types.Actions {
	actions := types.NewActions()
	for _, name := range names {
		if req.IsReviewed(name) {
			continue
		}
		v, ok := req.Inputs.Get(name)
		if !ok {
			continue
		}
		actions.Push(types.NewReviewInputRequest(req.ConstructDid, fmt.Sprintf("%s: %s", req.Name, name), name, v, types.StatusTodo))
	}
	return actions
}

// sendTransaction transfers an amount and waits for confirmations.
type sendTransaction struct {
	addon *Addon
}

func (c *sendTransaction) Matcher() string { return "send_transaction" }

func (c *sendTransaction) Documentation() string {
	return "Signs and broadcasts a transfer, then waits for the requested number of confirmations."
}

func (c *sendTransaction) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "signer", Type: types.TypeObject, Documentation: "Signer paying for the transfer"},
		{Name: "recipient", Type: types.TypeString},
		{Name: "amount", Type: types.TypeInteger},
		{Name: "nonce", Type: types.TypeInteger, Optional: true, Documentation: "Defaults to a nonce reserved for this transfer"},
		{Name: "memo", Type: types.TypeString, Optional: true},
		{Name: "confirmations", Type: types.TypeInteger, Default: int64(1)},
	}
}

func (c *sendTransaction) Outputs() []types.OutputSpecification {
	return []types.OutputSpecification{
		{Name: "tx_hash", Type: types.TypeString},
		{Name: "nonce", Type: types.TypeInteger},
		{Name: "confirmations", Type: types.TypeInteger},
	}
}

func (c *sendTransaction) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return reviewItems(req, "recipient", "amount"), nil
}

func (c *sendTransaction) transaction(req *types.CommandRequest) (Transaction, signerRef, error) {
	ref, err := signerOf(req)
	if err != nil {
		return Transaction{}, ref, err
	}
	tx := Transaction{From: ref.address}
	tx.To, _ = req.Inputs.GetString("recipient")
	amount, _ := req.Inputs.Get("amount")
	tx.Amount, _ = types.AsInt64(amount)
	tx.Memo, _ = req.Inputs.GetString("memo")
	if v, ok := req.Inputs.Get("nonce"); ok && v != nil {
		tx.Nonce, _ = types.AsInt64(v)
	} else {
		tx.Nonce = c.addon.ledger.ReserveNonce(ref.address, string(req.ConstructDid))
	}
	if tx.Amount <= 0 {
		return tx, ref, types.NewConstructError(fmt.Sprintf("%s: amount must be positive, got %d", req.Name, tx.Amount), nil).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}
	return tx, ref, nil
}

func (c *sendTransaction) BuildPayload(ctx context.Context, req *types.CommandRequest) (*types.SignPayload, error) {
	tx, _, err := c.transaction(req)
	if err != nil {
		return nil, err
	}
	return &types.SignPayload{
		Dependent:   req.ConstructDid,
		Title:       fmt.Sprintf("Send %d to %s", tx.Amount, tx.To),
		Description: fmt.Sprintf("nonce %d", tx.Nonce),
		Payload:     EncodeHex(tx.Bytes()),
		NetworkID:   NetworkID,
	}, nil
}

func (c *sendTransaction) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	return nil, types.NewConstructError(fmt.Sprintf("%s needs a signature", req.Name), nil).
		WithCode(types.ErrCodeMissingKeyMaterial).
		WithConstruct(req.ConstructDid)
}

func (c *sendTransaction) RunSigned(ctx context.Context, req *types.CommandRequest, signatures map[types.ConstructDid]string) (*types.CommandExecutionResult, *types.BackgroundTask, error) {
	tx, ref, err := c.transaction(req)
	if err != nil {
		return nil, nil, err
	}
	sig, err := signatureOf(req, ref, signatures)
	if err != nil {
		return nil, nil, err
	}

	receipt, warning, err := c.addon.ledger.Broadcast(SignedTransaction{Transaction: tx, PublicKey: ref.publicKey, Signature: sig}, c.addon.policy)
	if err != nil {
		return nil, nil, types.AsDiagnostic(err).WithConstruct(req.ConstructDid)
	}
	logger := c.addon.logger.With().Str("construct_did", req.ConstructDid.Short()).Str("tx_hash", receipt.Hash).Logger()
	if warning != "" {
		logger.Warn().Int64("nonce", tx.Nonce).Msg(warning)
	}
	logger.Info().Int64("nonce", tx.Nonce).Bool("queued", receipt.Queued).Msg("Transaction broadcast")

	result := types.NewCommandExecutionResult()
	result.Insert("tx_hash", receipt.Hash)
	result.Insert("nonce", receipt.Nonce)
	result.Insert("from", tx.From)
	result.Insert("to", tx.To)
	result.Insert("amount", tx.Amount)

	want := int64(1)
	if v, ok := req.Inputs.Get("confirmations"); ok {
		if n, ok := types.AsInt64(v); ok && n > 0 {
			want = n
		}
	}

	hash := receipt.Hash
	task := types.NewBackgroundTask(req.ConstructDid, fmt.Sprintf("Waiting for %d confirmations of %s", want, hash),
		func(ctx context.Context) (bool, map[string]interface{}, error) {
			r, err := c.addon.ledger.Poll(hash)
			if err != nil {
				return false, nil, err
			}
			if r.Queued || int64(r.Confirmations) < want {
				return false, nil, nil
			}
			return true, map[string]interface{}{"confirmations": int64(r.Confirmations)}, nil
		})
	return result, task, nil
}

// signTransaction signs an arbitrary payload without broadcasting it.
type signTransaction struct{}

func (c *signTransaction) Matcher() string { return "sign_transaction" }

func (c *signTransaction) Documentation() string {
	return "Signs a hex payload with a signer and exposes the signature."
}

func (c *signTransaction) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "signer", Type: types.TypeObject},
		{Name: "payload", Type: types.TypeString, Documentation: "Hex encoded bytes"},
		{Name: "description", Type: types.TypeString, Optional: true},
	}
}

func (c *signTransaction) Outputs() []types.OutputSpecification {
	return []types.OutputSpecification{
		{Name: "signed_transaction_bytes", Type: types.TypeString},
		{Name: "signer_address", Type: types.TypeString},
	}
}

func (c *signTransaction) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return types.NewActions(), nil
}

func (c *signTransaction) BuildPayload(ctx context.Context, req *types.CommandRequest) (*types.SignPayload, error) {
	payload, _ := req.Inputs.GetString("payload")
	if _, err := DecodeHex(payload); err != nil {
		return nil, types.NewConstructError(fmt.Sprintf("%s: payload is not hex", req.Name), err).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.ConstructDid)
	}
	description, _ := req.Inputs.GetString("description")
	return &types.SignPayload{
		Dependent:   req.ConstructDid,
		Title:       fmt.Sprintf("Sign %s", req.Name),
		Description: description,
		Payload:     payload,
		NetworkID:   NetworkID,
	}, nil
}

func (c *signTransaction) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	return nil, types.NewConstructError(fmt.Sprintf("%s needs a signature", req.Name), nil).
		WithCode(types.ErrCodeMissingKeyMaterial).
		WithConstruct(req.ConstructDid)
}

func (c *signTransaction) RunSigned(ctx context.Context, req *types.CommandRequest, signatures map[types.ConstructDid]string) (*types.CommandExecutionResult, *types.BackgroundTask, error) {
	ref, err := signerOf(req)
	if err != nil {
		return nil, nil, err
	}
	sig, err := signatureOf(req, ref, signatures)
	if err != nil {
		return nil, nil, err
	}
	r := types.NewCommandExecutionResult()
	r.Insert("signed_transaction_bytes", sig)
	r.Insert("signer_address", ref.address)
	return r, nil, nil
}
