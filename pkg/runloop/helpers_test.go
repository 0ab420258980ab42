package runloop

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/txtx/txtx/pkg/addons"
	"github.com/txtx/txtx/pkg/addons/mock"
	"github.com/txtx/txtx/pkg/addons/std"
	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
	"github.com/txtx/txtx/pkg/workspace"
)

type testConstruct struct {
	kind  string
	name  string
	typ   string
	block map[string]interface{}
}

func seedHex(b byte) string {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return mock.EncodeHex(seed)
}

func testKey(b byte) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return ed25519.NewKeyFromSeed(seed)
}

// transferRunbook pays 25 to mxbob from alice and outputs the hash.
func transferRunbook(signer testConstruct, confirmations int64) []testConstruct {
	return []testConstruct{
		{kind: config.KindVariable, name: "recipient", block: map[string]interface{}{"value": "mxbob"}},
		signer,
		{kind: config.KindAction, name: "transfer", typ: "mock::send_transaction", block: map[string]interface{}{
			"signer":        "${signer.alice}",
			"recipient":     "${variable.recipient}",
			"amount":        int64(25),
			"confirmations": confirmations,
		}},
		{kind: config.KindOutput, name: "tx", block: map[string]interface{}{
			"value":       "${action.transfer.tx_hash}",
			"description": "Transfer hash",
		}},
	}
}

func webWallet() testConstruct {
	return testConstruct{kind: config.KindSigner, name: "alice", typ: "mock::web_wallet", block: map[string]interface{}{}}
}

func secretKey(b byte) testConstruct {
	return testConstruct{kind: config.KindSigner, name: "alice", typ: "mock::secret_key", block: map[string]interface{}{
		"secret_key": seedHex(b),
	}}
}

func buildRunbook(t *testing.T, ledger *mock.Ledger, constructs []testConstruct) (*workspace.Workspace, *engine.ExecutionContext) {
	t.Helper()
	registry := addons.NewRegistry().MustRegister(
		std.New(time.Second),
		mock.New(mock.WithLedger(ledger)),
	)
	ws := workspace.New(registry)
	pkg := ws.IndexPackage("/tmp/runbook", "main")
	for i, c := range constructs {
		if _, _, err := ws.IndexConstruct(c.name, fmt.Sprintf("main.cue:%d", i+1), c.kind, c.typ, c.block, pkg); err != nil {
			t.Fatalf("Failed to index %s.%s: %v", c.kind, c.name, err)
		}
	}
	ec, err := engine.FromWorkspace(ws)
	if err != nil {
		t.Fatalf("Failed to build execution context: %v", err)
	}
	return ws, ec
}

func didOf(t *testing.T, ws *workspace.Workspace, kind, name string) types.ConstructDid {
	t.Helper()
	did, ok := ws.Root().Lookup(kind, name)
	if !ok {
		t.Fatalf("No construct %s.%s", kind, name)
	}
	return did
}

func testConfig() Config {
	cfg := DefaultConfig("transfer")
	cfg.PollInterval = time.Millisecond
	cfg.PollMaxInterval = 5 * time.Millisecond
	cfg.MaxPolls = 10
	return cfg
}

// harness drives a Runner from the test goroutine.
type harness struct {
	t         *testing.T
	events    chan types.BlockEvent
	responses chan types.ActionItemResponse
	done      chan struct{}
	seen      map[types.BlockEventKind]int
	status    engine.RunStatus
	err       error
}

func start(t *testing.T, r *Runner) *harness {
	h := &harness{
		t:         t,
		events:    make(chan types.BlockEvent, 64),
		responses: make(chan types.ActionItemResponse, 8),
		done:      make(chan struct{}),
		seen:      make(map[types.BlockEventKind]int),
	}
	go func() {
		defer close(h.done)
		h.status, h.err = r.Run(context.Background(), h.responses, h.events)
	}()
	return h
}

// next returns the next event of kind. Progress and update events in
// between are skipped; anything else fails the test.
func (h *harness) next(kind types.BlockEventKind) types.BlockEvent {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				h.t.Fatalf("Expected %s event, events closed", kind)
			}
			h.seen[ev.Kind]++
			if ev.Kind == kind {
				return ev
			}
			if ev.Kind != types.EventProgressBar && ev.Kind != types.EventUpdateActionItems {
				h.t.Fatalf("Expected %s event, got %s (%+v)", kind, ev.Kind, ev.Diagnostic)
			}
		case <-timeout:
			h.t.Fatalf("Timed out waiting for %s event", kind)
		}
	}
}

func (h *harness) respond(resp types.ActionItemResponse) {
	h.t.Helper()
	select {
	case h.responses <- resp:
	case <-time.After(5 * time.Second):
		h.t.Fatal("Timed out sending a response")
	}
}

func (h *harness) validate(item *types.ActionItemRequest) {
	h.respond(types.ActionItemResponse{ActionItemID: item.ID, Type: types.ActionValidateBlock})
}

// wait drains the remaining events and returns the outcome of Run.
func (h *harness) wait() (engine.RunStatus, error) {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				<-h.done
				return h.status, h.err
			}
			h.seen[ev.Kind]++
		case <-timeout:
			h.t.Fatal("Timed out waiting for the run to end")
		}
	}
}

func findItem(t *testing.T, b *types.Block, typ types.ActionType) *types.ActionItemRequest {
	t.Helper()
	for _, item := range b.Items() {
		if item.Type == typ {
			return item
		}
	}
	t.Fatalf("No %s item in panel %q", typ, b.Panel.Title)
	return nil
}

func itemsOf(b *types.Block, typ types.ActionType) []*types.ActionItemRequest {
	var out []*types.ActionItemRequest
	for _, item := range b.Items() {
		if item.Type == typ {
			out = append(out, item)
		}
	}
	return out
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]engine.Run
	results   map[string]map[types.ConstructDid]*types.CommandExecutionResult
	states    map[string]map[types.ConstructDid]*types.ValueStore
	snapshots map[string]*engine.Snapshot
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]engine.Run),
		results:   make(map[string]map[types.ConstructDid]*types.CommandExecutionResult),
		states:    make(map[string]map[types.ConstructDid]*types.ValueStore),
		snapshots: make(map[string]*engine.Snapshot),
	}
}

func (m *memStore) SaveRun(ctx context.Context, run *engine.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memStore) SaveResult(ctx context.Context, key string, did types.ConstructDid, result *types.CommandExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[key] == nil {
		m.results[key] = make(map[types.ConstructDid]*types.CommandExecutionResult)
	}
	m.results[key][did] = result
	return nil
}

func (m *memStore) SaveSignerState(ctx context.Context, key string, did types.ConstructDid, state *types.ValueStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[key] == nil {
		m.states[key] = make(map[types.ConstructDid]*types.ValueStore)
	}
	m.states[key][did] = state
	return nil
}

func (m *memStore) LoadResults(ctx context.Context, key string) (map[types.ConstructDid]*types.CommandExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ConstructDid]*types.CommandExecutionResult)
	for did, r := range m.results[key] {
		out[did] = r
	}
	return out, nil
}

func (m *memStore) LoadSignerStates(ctx context.Context, key string) (map[types.ConstructDid]*types.ValueStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ConstructDid]*types.ValueStore)
	for did, s := range m.states[key] {
		out[did] = s.Clone()
	}
	return out, nil
}

func (m *memStore) SaveSnapshot(ctx context.Context, runID string, snapshot *engine.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[runID] = snapshot
	return nil
}
