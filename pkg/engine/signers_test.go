package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/txtx/txtx/pkg/types"
)

// memPersister records saved signer states.
type memPersister struct {
	mu     sync.Mutex
	states map[types.ConstructDid]*types.ValueStore
	saves  int
}

func newMemPersister() *memPersister {
	return &memPersister{states: make(map[types.ConstructDid]*types.ValueStore)}
}

func (m *memPersister) SaveSignerState(ctx context.Context, did types.ConstructDid, state *types.ValueStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[did] = state
	m.saves++
	return nil
}

func (m *memPersister) snapshot() map[types.ConstructDid]*types.ValueStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ConstructDid]*types.ValueStore, len(m.states))
	for did, s := range m.states {
		out[did] = s.Clone()
	}
	return out
}

func setupProtocol(spec *stubSigner) (*ExecutionContext, *SignerInstance, *SignerProtocol, *memPersister) {
	ec := NewExecutionContext()
	s := &SignerInstance{
		ConstructInstance: ConstructInstance{Did: "alice", Kind: "signer", Name: "alice", Namespace: "test", Matcher: "wallet"},
		Spec:              spec,
	}
	ec.AddSigner(s)
	ec.AddCommand(&CommandInstance{ConstructInstance: ConstructInstance{Did: "transfer", Kind: "action", Name: "transfer", DeclIndex: 1}})
	_ = ec.AddDependency("alice", "transfer")

	persister := newMemPersister()
	p := NewSignerProtocol(ec, NewSigningCommandsState(), zerolog.Nop()).WithPersister(persister)
	return ec, s, p, persister
}

func publicKeyResponse(key string) *types.ActionItemResponse {
	return &types.ActionItemResponse{
		ActionItemID:     uuid.New(),
		Type:             types.ActionProvidePublicKey,
		ProvidePublicKey: &types.ProvidePublicKeyResponse{PublicKey: key},
	}
}

func signedResponse(bytes string) *types.ActionItemResponse {
	return &types.ActionItemResponse{
		ActionItemID:             uuid.New(),
		Type:                     types.ActionProvideSignedTransaction,
		ProvideSignedTransaction: &types.ProvideSignedTransactionResponse{SignedTransactionBytes: bytes},
	}
}

func TestSignerProtocol_CheckActivability_Idempotent(t *testing.T) {
	spec := newStubSigner()
	_, s, p, _ := setupProtocol(spec)
	ctx := context.Background()

	actions, err := p.CheckActivability(ctx, s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !actions.HasPendingActions() {
		t.Fatal("Expected a pending public key item")
	}
	if actions.Requests[0].Type != types.ActionProvidePublicKey {
		t.Errorf("Expected provide_public_key item, got %s", actions.Requests[0].Type)
	}

	if _, err := p.CheckActivability(ctx, s, publicKeyResponse("K")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	before, _ := p.States().Get("alice")
	calls := spec.Calls(PhaseCheckActivability)

	for i := 0; i < 2; i++ {
		actions, err = p.CheckActivability(ctx, s, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !actions.IsEmpty() {
			t.Errorf("Expected no action items once confirmed, got %d", len(actions.Requests))
		}
	}

	after, _ := p.States().Get("alice")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Expected state unchanged, before %+v after %+v", before, after)
	}
	if spec.Calls(PhaseCheckActivability) != calls {
		t.Errorf("Expected no further specification calls, got %d", spec.Calls(PhaseCheckActivability)-calls)
	}
}

func TestSignerProtocol_Activate(t *testing.T) {
	spec := newStubSigner()
	ec, s, p, _ := setupProtocol(spec)
	ctx := context.Background()

	_, err := p.Activate(ctx, s)
	var diag *types.Diagnostic
	if !errors.As(err, &diag) || diag.Code != types.ErrCodeMissingKeyMaterial {
		t.Fatalf("Expected MISSING_KEY_MATERIAL before confirmation, got %v", err)
	}
	if !types.IsSignerLocal(err) {
		t.Error("Expected a signer-local error")
	}

	if _, err := p.CheckActivability(ctx, s, publicKeyResponse("K")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := p.Activate(ctx, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Activate(ctx, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if spec.Calls(PhaseActivate) != 1 {
		t.Errorf("Expected one activation, got %d", spec.Calls(PhaseActivate))
	}
	if v, _ := first.Get("address"); v != "addr-K" {
		t.Errorf("Expected address addr-K, got %v", v)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Expected the same result on the second call")
	}
	if ec.Status("alice") != ConstructExecuted {
		t.Errorf("Expected signer executed, got %s", ec.Status("alice"))
	}

	state, _ := p.States().Get("alice")
	if !state.GetBool(types.SignerKeyActivated) {
		t.Error("Expected activated flag in state")
	}
}

func TestSignerProtocol_AtMostOneApproval(t *testing.T) {
	spec := newStubSigner()
	ec, s, p, persister := setupProtocol(spec)
	ctx := context.Background()
	payload := &types.SignPayload{Dependent: "transfer", Title: "Transfer", Payload: "0xabcd"}

	actions, err := p.CheckSignability(ctx, s, payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions.Requests) != 1 || actions.Requests[0].Type != types.ActionProvideSignedTransaction {
		t.Fatalf("Expected one signing item, got %+v", actions.Requests)
	}

	if _, err := p.CheckSignability(ctx, s, payload, signedResponse("0xsigned")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	actions, err = p.CheckSignability(ctx, s, payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !actions.IsEmpty() {
		t.Error("Expected no new approval item once signed")
	}
	if spec.Calls(PhaseCheckSignability) != 2 {
		t.Errorf("Expected 2 specification calls, got %d", spec.Calls(PhaseCheckSignability))
	}

	sig, err := p.Sign(ctx, s, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "0xsigned" {
		t.Errorf("Expected the provided signature, got %s", sig)
	}
	if spec.Calls(PhaseSign) != 0 {
		t.Errorf("Expected Sign to short-circuit, got %d calls", spec.Calls(PhaseSign))
	}

	// Restart: a fresh protocol seeded from the persisted states.
	restarted := NewSigningCommandsState()
	restarted.Restore(persister.snapshot())
	p2 := NewSignerProtocol(ec, restarted, zerolog.Nop())
	calls := spec.Calls(PhaseCheckSignability)

	actions, err = p2.CheckSignability(ctx, s, payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !actions.IsEmpty() {
		t.Error("Expected no approval item after restart")
	}
	if spec.Calls(PhaseCheckSignability) != calls {
		t.Error("Expected no specification call after restart")
	}
	if sig, _ := p2.Signature("alice", "transfer"); sig != "0xsigned" {
		t.Errorf("Expected persisted signature, got %q", sig)
	}
}

func TestSignerProtocol_PayloadChangeDropsSignature(t *testing.T) {
	spec := newStubSigner()
	_, s, p, persister := setupProtocol(spec)
	ctx := context.Background()
	first := &types.SignPayload{Dependent: "transfer", Payload: "0x00"}

	if _, err := p.CheckSignability(ctx, s, first, signedResponse("0xsig0")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state := persister.snapshot()["alice"]
	if v, _ := state.GetScoped("transfer", types.SignerKeySignedPayload); v != "0x00" {
		t.Fatalf("Expected the signed payload recorded with the signature, got %v", v)
	}

	// The payload is rebuilt with other bytes: the old signature must not
	// be paired with it.
	second := &types.SignPayload{Dependent: "transfer", Payload: "0x01"}
	actions, err := p.CheckSignability(ctx, s, second, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions.Requests) != 1 || actions.Requests[0].ProvideSignedTransaction.Payload != "0x01" {
		t.Fatalf("Expected a signing item for the new payload, got %+v", actions.Requests)
	}
	if _, ok := p.Signature("alice", "transfer"); ok {
		t.Error("Expected the stale signature dropped")
	}

	if _, err := p.CheckSignability(ctx, s, second, signedResponse("0xsig1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig, err := p.Sign(ctx, s, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "0xsig1" {
		t.Errorf("Expected the signature over the new payload, got %s", sig)
	}
	if spec.Calls(PhaseSign) != 0 {
		t.Errorf("Expected Sign to reuse the wallet signature, got %d calls", spec.Calls(PhaseSign))
	}
}

func TestSignerProtocol_SignUnattended(t *testing.T) {
	spec := newStubSigner()
	_, s, p, _ := setupProtocol(spec)
	p.WithUnattended(true)
	ctx := context.Background()
	payload := &types.SignPayload{Dependent: "transfer", Payload: "0x01"}

	actions, err := p.CheckSignability(ctx, s, payload, nil)
	if err != nil || !actions.IsEmpty() {
		t.Fatalf("Expected no items unattended, got %v (%v)", actions, err)
	}

	first, err := p.Sign(ctx, s, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Sign(ctx, s, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "sig(0x01)" || first != second {
		t.Errorf("Expected one stable signature, got %q and %q", first, second)
	}
	if spec.Calls(PhaseSign) != 1 {
		t.Errorf("Expected one Sign call, got %d", spec.Calls(PhaseSign))
	}
}

func TestSignerProtocol_SpecificationError(t *testing.T) {
	spec := newStubSigner()
	spec.fail = types.NewSignerError("no key", nil).WithCode(types.ErrCodeMissingKeyMaterial)
	_, s, p, _ := setupProtocol(spec)

	var observed []SignerPhase
	p.WithObserver(func(phase SignerPhase, signer *SignerInstance, err error) {
		if err != nil {
			observed = append(observed, phase)
		}
	})

	_, err := p.CheckActivability(context.Background(), s, nil)
	var diag *types.Diagnostic
	if !errors.As(err, &diag) {
		t.Fatalf("Expected diagnostic, got %v", err)
	}
	if diag.Construct != "alice" {
		t.Errorf("Expected diagnostic scoped to the signer, got %q", diag.Construct)
	}
	if len(observed) != 1 || observed[0] != PhaseCheckActivability {
		t.Errorf("Expected the observer to see the failure, got %v", observed)
	}
	if p.States().IsHeld("alice") {
		t.Error("Expected the state to be pushed back after a failure")
	}
}

func TestSigningCommandsState_PopHeld(t *testing.T) {
	st := NewSigningCommandsState()

	state, err := st.Pop("alice", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state.Insert("k", "v")

	if _, err := st.Pop("alice", "alice"); !types.IsProtocol(err) {
		t.Fatalf("Expected protocol error on double pop, got %v", err)
	}

	st.Push("alice", state)
	again, err := st.Pop("alice", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := again.GetString("k"); v != "v" {
		t.Errorf("Expected pushed state back, got %q", v)
	}
}
