package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

// stubCommand echoes its inputs as outputs.
type stubCommand struct {
	matcher string
	inputs  []types.InputSpecification
}

func (s *stubCommand) Matcher() string { return s.matcher }
func (s *stubCommand) Documentation() string { return "stub" }
func (s *stubCommand) Inputs() []types.InputSpecification { return s.inputs }
func (s *stubCommand) Outputs() []types.OutputSpecification { return nil }
func (s *stubCommand) CheckExecutability(ctx context.Context, req *types.CommandRequest) (*types.Actions, error) {
	return types.NewActions(), nil
}

func (s *stubCommand) Run(ctx context.Context, req *types.CommandRequest) (*types.CommandExecutionResult, error) {
	r := types.NewCommandExecutionResult()
	for _, k := range req.Inputs.Keys() {
		v, _ := req.Inputs.Get(k)
		r.Insert(k, v)
	}
	return r, nil
}

// stubSigner asks for a public key until one is provided, and asks for a
// signature unless unattended.
type stubSigner struct {
	mu    sync.Mutex
	calls map[SignerPhase]int
	fail  error
}

func newStubSigner() *stubSigner {
	return &stubSigner{calls: make(map[SignerPhase]int)}
}

func (s *stubSigner) count(p SignerPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[p]++
}

func (s *stubSigner) Calls(p SignerPhase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[p]
}

func (s *stubSigner) Matcher() string { return "wallet" }
func (s *stubSigner) Documentation() string { return "stub signer" }
func (s *stubSigner) Inputs() []types.InputSpecification { return nil }
func (s *stubSigner) Outputs() []types.OutputSpecification { return nil }

func (s *stubSigner) CheckActivability(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	s.count(PhaseCheckActivability)
	if s.fail != nil {
		return state, nil, s.fail
	}
	if req.Response != nil && req.Response.ProvidePublicKey != nil {
		state.Insert(types.SignerKeyPublicKey, req.Response.ProvidePublicKey.PublicKey)
		state.Insert(types.SignerKeyConfirmed, true)
		return state, types.NewActions(), nil
	}
	item := types.NewProvidePublicKeyRequest(req.SignerDid, "Connect wallet", types.ProvidePublicKeyRequest{Namespace: "stub"})
	return state, types.NewActions(item), nil
}

func (s *stubSigner) Activate(ctx context.Context, req *types.SignerRequest, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	s.count(PhaseActivate)
	key, _ := state.GetString(types.SignerKeyPublicKey)
	state.Insert(types.SignerKeyAddress, "addr-"+key)
	r := types.NewCommandExecutionResult()
	r.Insert("address", "addr-"+key)
	return state, r, nil
}

func (s *stubSigner) CheckSignability(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.Actions, error) {
	s.count(PhaseCheckSignability)
	if req.Response != nil && req.Response.ProvideSignedTransaction != nil {
		state.InsertScoped(string(payload.Dependent), types.SignerKeySignedTransactionBytes, req.Response.ProvideSignedTransaction.SignedTransactionBytes)
		return state, types.NewActions(), nil
	}
	if req.Unattended {
		return state, types.NewActions(), nil
	}
	item := types.NewProvideSignedTransactionRequest(payload.Dependent, "Sign", types.ProvideSignedTransactionRequest{
		SignerDid: req.SignerDid,
		Payload:   payload.Payload,
	})
	return state, types.NewActions(item), nil
}

func (s *stubSigner) Sign(ctx context.Context, req *types.SignerRequest, payload *types.SignPayload, state *types.ValueStore) (*types.ValueStore, *types.CommandExecutionResult, error) {
	s.count(PhaseSign)
	state.InsertScoped(string(payload.Dependent), types.SignerKeySignedTransactionBytes, fmt.Sprintf("sig(%s)", payload.Payload))
	return state, types.NewCommandExecutionResult(), nil
}

type stubResolver struct {
	signer *stubSigner
}

func (r *stubResolver) ResolveCommand(namespace, matcher string) (types.CommandSpecification, bool) {
	switch namespace + "::" + matcher {
	case "std::input", "std::output", "std::module":
		return &stubCommand{matcher: matcher, inputs: []types.InputSpecification{
			{Name: "value", Type: types.TypeAny, Optional: true},
		}}, true
	case "test::echo":
		return &stubCommand{matcher: matcher}, true
	case "test::transfer":
		return &stubCommand{matcher: matcher, inputs: []types.InputSpecification{
			{Name: "amount", Type: types.TypeInteger},
			{Name: "memo", Type: types.TypeString, Default: "none"},
		}}, true
	}
	return nil, false
}

func (r *stubResolver) ResolveSigner(namespace, matcher string) (types.SignerSpecification, bool) {
	if namespace == "test" && matcher == "wallet" {
		return r.signer, true
	}
	return nil, false
}

type testConstruct struct {
	kind  string
	name  string
	typ   string
	block map[string]interface{}
}

func buildWorkspace(signer *stubSigner, constructs ...testConstruct) (*workspace.Workspace, error) {
	if signer == nil {
		signer = newStubSigner()
	}
	ws := workspace.New(&stubResolver{signer: signer})
	pkg := ws.IndexPackage("/tmp/runbook.cue", "main")
	for i, c := range constructs {
		if _, _, err := ws.IndexConstruct(c.name, fmt.Sprintf("runbook.cue:%d", i+1), c.kind, c.typ, c.block, pkg); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

func variable(name string, value interface{}) testConstruct {
	return testConstruct{kind: config.KindVariable, name: name, block: map[string]interface{}{"value": value}}
}

func action(name, typ string, block map[string]interface{}) testConstruct {
	return testConstruct{kind: config.KindAction, name: name, typ: typ, block: block}
}

func signer(name string) testConstruct {
	return testConstruct{kind: config.KindSigner, name: name, typ: "test::wallet", block: map[string]interface{}{}}
}

func didOf(t testing.TB, ws *workspace.Workspace, kind, name string) types.ConstructDid {
	t.Helper()
	did, ok := ws.Root().Lookup(kind, name)
	if !ok {
		t.Fatalf("construct %s.%s not indexed", kind, name)
	}
	return did
}
