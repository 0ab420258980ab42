package mock

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/txtx/txtx/pkg/types"
)

const checkAddressKey = "check_address"

var signerOutputs = []types.OutputSpecification{
	{Name: "address", Type: types.TypeString},
	{Name: "public_key", Type: types.TypeString},
}

// confirmAddress handles the address review shared by both signers. With a
// key in state, a checked review confirms it; otherwise the review item is
// emitted, in error when the address differs from the expected one.
func confirmAddress(req *types.SignerRequest, state *types.ValueStore) (*types.Actions, error) {
	address, _ := state.GetString(types.SignerKeyAddress)

	if resp := req.Response; resp != nil && resp.Type == types.ActionReviewInput {
		if err := resp.Validate(types.ActionReviewInput); err != nil {
			return nil, err
		}
		if resp.ReviewInput.ValueChecked {
			state.Insert(types.SignerKeyConfirmed, true)
			return types.NewActions(), nil
		}
	}

	expected, hasExpected := req.Inputs.GetString("expected_address")
	if hasExpected && expected != "" && expected != address {
		mismatch := types.NewSignerError(fmt.Sprintf("address %s does not match expected %s", address, expected), nil).
			WithCode(types.ErrCodeAddressMismatch).
			WithConstruct(req.SignerDid).
			WithDetail("expected", expected).
			WithDetail("actual", address)
		if req.Unattended {
			return nil, mismatch
		}
		item := types.NewReviewInputRequest(req.SignerDid, fmt.Sprintf("Check %s address", req.Name), checkAddressKey, address, types.StatusError)
		return types.NewActions(item.WithDiagnostic(mismatch)), nil
	}

	if req.Unattended {
		state.Insert(types.SignerKeyConfirmed, true)
		return types.NewActions(), nil
	}
	item := types.NewReviewInputRequest(req.SignerDid, fmt.Sprintf("Check %s address", req.Name), checkAddressKey, address, types.StatusTodo)
	return types.NewActions(item), nil
}

func activate(state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	r := types.NewCommandExecutionResult()
	address, _ := state.GetString(types.SignerKeyAddress)
	pub, _ := state.GetString(types.SignerKeyPublicKey)
	r.Insert("address", address)
	r.Insert("public_key", pub)
	return state, r, nil
}

// secretKeySigner signs with a key provided as an input.
type secretKeySigner struct{}

func (s *secretKeySigner) Matcher() string { return "secret_key" }

func (s *secretKeySigner) Documentation() string {
	return "Signs with an ed25519 seed provided as a hex input. Suited to unattended runs."
}

func (s *secretKeySigner) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "secret_key", Type: types.TypeString, Sensitive: true, Documentation: "32 byte ed25519 seed, hex"},
		{Name: "expected_address", Type: types.TypeString, Optional: true},
	}
}

func (s *secretKeySigner) Outputs() []types.OutputSpecification { return signerOutputs }

func (s *secretKeySigner) key(req *types.SignerRequest) (ed25519.PrivateKey, error) {
	raw, ok := req.Inputs.GetString("secret_key")
	if !ok || raw == "" {
		return nil, types.NewSignerError(fmt.Sprintf("signer %s has no secret_key", req.Name), nil).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(req.SignerDid)
	}
	seed, err := DecodeHex(raw)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, types.NewSignerError(fmt.Sprintf("signer %s secret_key must be a %d byte hex seed", req.Name, ed25519.SeedSize), err).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(req.SignerDid)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (s *secretKeySigner) CheckActivability(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	priv, err := s.key(req)
	if err != nil {
		return state, nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	state.Insert(types.SignerKeyPublicKey, EncodeHex(pub))
	state.Insert(types.SignerKeyAddress, Address(pub))

	// A matching key needs no review; the item only shows the address.
	expected, _ := req.Inputs.GetString("expected_address")
	if req.Response == nil && (expected == "" || expected == Address(pub)) {
		state.Insert(types.SignerKeyConfirmed, true)
		if req.Unattended {
			return state, types.NewActions(), nil
		}
		item := types.NewReviewInputRequest(req.SignerDid, fmt.Sprintf("Signer %s", req.Name), checkAddressKey, Address(pub), types.StatusSuccess)
		return state, types.NewActions(item), nil
	}

	actions, err := confirmAddress(req, state)
	return state, actions, err
}

func (s *secretKeySigner) Activate(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	return activate(state)
}

func (s *secretKeySigner) CheckSignability(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	return state, types.NewActions(), nil
}

func (s *secretKeySigner) Sign(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	priv, err := s.key(req)
	if err != nil {
		return state, nil, err
	}
	msg, err := DecodeHex(payload.Payload)
	if err != nil {
		return state, nil, types.NewConstructError("payload is not hex", err).
			WithCode(types.ErrCodeValidation).
			WithConstruct(payload.Dependent)
	}
	sig := EncodeHex(ed25519.Sign(priv, msg))
	state.InsertScoped(string(payload.Dependent), types.SignerKeySignedTransactionBytes, sig)

	r := types.NewCommandExecutionResult()
	r.Insert(types.SignerKeySignedTransactionBytes, sig)
	return state, r, nil
}

// webWalletSigner delegates keys and signatures to the operator's wallet
// through action items.
type webWalletSigner struct{}

func (s *webWalletSigner) Matcher() string { return "web_wallet" }

func (s *webWalletSigner) Documentation() string {
	return "Connects to the operator's wallet. The public key and every signature are provided through action items."
}

func (s *webWalletSigner) Inputs() []types.InputSpecification {
	return []types.InputSpecification{
		{Name: "expected_address", Type: types.TypeString, Optional: true},
	}
}

func (s *webWalletSigner) Outputs() []types.OutputSpecification { return signerOutputs }

func (s *webWalletSigner) CheckActivability(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	if req.Unattended {
		return state, nil, types.NewSignerError(fmt.Sprintf("signer %s needs a wallet and cannot run unattended", req.Name), nil).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(req.SignerDid)
	}

	if resp := req.Response; resp != nil && resp.Type == types.ActionProvidePublicKey {
		if err := resp.Validate(types.ActionProvidePublicKey); err != nil {
			return state, nil, err
		}
		pub, err := decodePublicKey(resp.ProvidePublicKey.PublicKey)
		if err != nil {
			return state, nil, types.NewProtocolError(err.Error(), err).WithCode(types.ErrCodeMalformedResponse)
		}
		state.Insert(types.SignerKeyPublicKey, EncodeHex(pub))
		state.Insert(types.SignerKeyAddress, Address(pub))
		noResponse := *req
		noResponse.Response = nil
		actions, err := confirmAddress(&noResponse, state)
		return state, actions, err
	}

	if _, ok := state.Get(types.SignerKeyPublicKey); ok {
		actions, err := confirmAddress(req, state)
		return state, actions, err
	}

	item := types.NewProvidePublicKeyRequest(req.SignerDid, fmt.Sprintf("Connect wallet for %s", req.Name), types.ProvidePublicKeyRequest{
		Message:   "Connect the wallet to use for this runbook",
		Namespace: Namespace,
		NetworkID: NetworkID,
	})
	return state, types.NewActions(item), nil
}

func (s *webWalletSigner) Activate(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	return activate(state)
}

func (s *webWalletSigner) CheckSignability(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	request := func() *types.ActionItemRequest {
		item := types.NewProvideSignedTransactionRequest(payload.Dependent, payload.Title, types.ProvideSignedTransactionRequest{
			SignerDid: req.SignerDid,
			Payload:   payload.Payload,
			Namespace: Namespace,
			NetworkID: NetworkID,
		})
		return item.WithDescription(payload.Description)
	}

	resp := req.Response
	if resp == nil {
		return state, types.NewActions(request()), nil
	}
	if err := resp.Validate(types.ActionProvideSignedTransaction); err != nil {
		return state, nil, err
	}

	pubHex, _ := state.GetString(types.SignerKeyPublicKey)
	pub, err := decodePublicKey(pubHex)
	if err != nil {
		return state, nil, types.NewSignerError("wallet public key missing from signer state", err).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(req.SignerDid)
	}
	msg, err := DecodeHex(payload.Payload)
	if err != nil {
		return state, nil, types.NewConstructError("payload is not hex", err).WithCode(types.ErrCodeValidation)
	}
	sigHex := resp.ProvideSignedTransaction.SignedTransactionBytes
	sig, err := DecodeHex(sigHex)
	if err != nil || !ed25519.Verify(pub, msg, sig) {
		invalid := types.NewSignerError("signature does not verify against the wallet key", err).
			WithCode(types.ErrCodeValidation).
			WithConstruct(req.SignerDid)
		return state, types.NewActions(request().WithDiagnostic(invalid)), nil
	}

	state.InsertScoped(string(payload.Dependent), types.SignerKeySignedTransactionBytes, EncodeHex(sig))
	return state, types.NewActions(), nil
}

func (s *webWalletSigner) Sign(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	sig, ok := state.GetScoped(string(payload.Dependent), types.SignerKeySignedTransactionBytes)
	if !ok {
		return state, nil, types.NewSignerError(fmt.Sprintf("no signature from the wallet of %s", req.Name), nil).
			WithCode(types.ErrCodeMissingKeyMaterial).
			WithConstruct(req.SignerDid)
	}
	r := types.NewCommandExecutionResult()
	r.Insert(types.SignerKeySignedTransactionBytes, sig)
	return state, r, nil
}
