package runloop

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/txtx/txtx/pkg/addons/mock"
	"github.com/txtx/txtx/pkg/config"
	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"
)

func TestRun_WebWalletTransfer(t *testing.T) {
	ledger := mock.NewLedger()
	ws, ec := buildRunbook(t, ledger, transferRunbook(webWallet(), 2))
	r := New(ws, ec, testConfig())
	h := start(t, r)
	key := testKey(7)
	pub := key.Public().(ed25519.PublicKey)

	// Checklist: the wallet asks for its key.
	checklist := h.next(types.EventAppend).Block
	if checklist.Panel.Title != PanelChecklist {
		t.Fatalf("Expected the checklist panel, got %q", checklist.Panel.Title)
	}
	pkItem := findItem(t, checklist, types.ActionProvidePublicKey)
	startItem := findItem(t, checklist, types.ActionValidateBlock)

	h.respond(types.ActionItemResponse{
		ActionItemID:     pkItem.ID,
		Type:             types.ActionProvidePublicKey,
		ProvidePublicKey: &types.ProvidePublicKeyResponse{PublicKey: mock.EncodeHex(pub)},
	})
	update := h.next(types.EventUpdateActionItems)
	if len(update.Updates) == 0 || update.Updates[0].ID != pkItem.ID || *update.Updates[0].Status != types.StatusSuccess {
		t.Fatalf("Expected the key item to succeed, got %+v", update.Updates)
	}

	// The address review is appended to the checklist.
	review := findItem(t, h.next(types.EventAppend).Block, types.ActionReviewInput)
	if review.ReviewInput.Value != mock.Address(pub) {
		t.Errorf("Expected address %s under review, got %v", mock.Address(pub), review.ReviewInput.Value)
	}
	h.respond(types.ActionItemResponse{
		ActionItemID: review.ID,
		Type:         types.ActionReviewInput,
		ReviewInput:  &types.ReviewInputResponse{InputName: review.ReviewInput.InputName, ValueChecked: true},
	})
	h.validate(startItem)

	// The transfer asks for its inputs to be reviewed.
	inputs := h.next(types.EventAppend).Block
	if inputs.Panel.Title != PanelInputs {
		t.Fatalf("Expected the inputs review panel, got %q", inputs.Panel.Title)
	}
	reviews := itemsOf(inputs, types.ActionReviewInput)
	if len(reviews) != 2 {
		t.Fatalf("Expected recipient and amount reviews, got %d", len(reviews))
	}
	for _, item := range reviews {
		h.respond(types.ActionItemResponse{
			ActionItemID: item.ID,
			Type:         types.ActionReviewInput,
			ReviewInput:  &types.ReviewInputResponse{InputName: item.ReviewInput.InputName, ValueChecked: true},
		})
	}
	h.validate(findItem(t, inputs, types.ActionValidateBlock))

	// The wallet signs the payload.
	signing := h.next(types.EventAppend).Block
	if signing.Panel.Title != PanelSigning {
		t.Fatalf("Expected the signing panel, got %q", signing.Panel.Title)
	}
	sigItem := findItem(t, signing, types.ActionProvideSignedTransaction)
	msg, err := mock.DecodeHex(sigItem.ProvideSignedTransaction.Payload)
	if err != nil {
		t.Fatalf("Payload is not hex: %v", err)
	}
	h.respond(types.ActionItemResponse{
		ActionItemID: sigItem.ID,
		Type:         types.ActionProvideSignedTransaction,
		ProvideSignedTransaction: &types.ProvideSignedTransactionResponse{
			SignedTransactionBytes: mock.EncodeHex(ed25519.Sign(key, msg)),
		},
	})
	h.validate(findItem(t, signing, types.ActionValidateBlock))

	// Broadcast, confirmations, outputs.
	outputs := h.next(types.EventAppend).Block
	if outputs.Panel.Title != PanelOutputs {
		t.Fatalf("Expected the outputs panel, got %q", outputs.Panel.Title)
	}
	display := findItem(t, outputs, types.ActionDisplayOutput)
	h.next(types.EventExit)

	status, err := h.wait()
	if err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (%v)", status, err)
	}
	if h.seen[types.EventProgressBar] < 2 {
		t.Errorf("Expected progress for both polls, got %d events", h.seen[types.EventProgressBar])
	}
	if ledger.Broadcasts() != 1 {
		t.Errorf("Expected 1 broadcast, got %d", ledger.Broadcasts())
	}

	transfer := didOf(t, ws, config.KindAction, "transfer")
	result, ok := ec.Result(transfer)
	if !ok {
		t.Fatal("Expected a transfer result")
	}
	if v, _ := result.Get("confirmations"); v != int64(2) {
		t.Errorf("Expected 2 confirmations, got %v", v)
	}
	hash, _ := result.Get("tx_hash")
	if display.DisplayOutput.Value != hash {
		t.Errorf("Expected output %v, got %v", hash, display.DisplayOutput.Value)
	}

	// Signability is not asked again for a signed payload.
	alice, _ := ec.Signer(didOf(t, ws, config.KindSigner, "alice"))
	signed := &types.SignPayload{Dependent: transfer, Payload: sigItem.ProvideSignedTransaction.Payload}
	actions, err := r.Signers().CheckSignability(context.Background(), alice, signed, nil)
	if err != nil || !actions.IsEmpty() {
		t.Errorf("Expected no items for a signed payload, got %+v (%v)", actions, err)
	}
}

func TestRun_WebWalletTwoTransfers(t *testing.T) {
	ledger := mock.NewLedger()
	constructs := transferRunbook(webWallet(), 1)
	constructs = append(constructs, testConstruct{kind: config.KindAction, name: "refund", typ: "mock::send_transaction", block: map[string]interface{}{
		"signer":    "${signer.alice}",
		"recipient": "${variable.recipient}",
		"amount":    int64(30),
	}})
	ws, ec := buildRunbook(t, ledger, constructs)
	h := start(t, New(ws, ec, testConfig()))
	key := testKey(9)
	pub := key.Public().(ed25519.PublicKey)

	checklist := h.next(types.EventAppend).Block
	pkItem := findItem(t, checklist, types.ActionProvidePublicKey)
	h.respond(types.ActionItemResponse{
		ActionItemID:     pkItem.ID,
		Type:             types.ActionProvidePublicKey,
		ProvidePublicKey: &types.ProvidePublicKeyResponse{PublicKey: mock.EncodeHex(pub)},
	})
	h.next(types.EventUpdateActionItems)
	review := findItem(t, h.next(types.EventAppend).Block, types.ActionReviewInput)
	h.respond(types.ActionItemResponse{
		ActionItemID: review.ID,
		Type:         types.ActionReviewInput,
		ReviewInput:  &types.ReviewInputResponse{InputName: review.ReviewInput.InputName, ValueChecked: true},
	})
	h.validate(findItem(t, checklist, types.ActionValidateBlock))

	inputs := h.next(types.EventAppend).Block
	reviews := itemsOf(inputs, types.ActionReviewInput)
	if len(reviews) != 4 {
		t.Fatalf("Expected reviews for both transfers, got %d", len(reviews))
	}
	for _, item := range reviews {
		h.respond(types.ActionItemResponse{
			ActionItemID: item.ID,
			Type:         types.ActionReviewInput,
			ReviewInput:  &types.ReviewInputResponse{InputName: item.ReviewInput.InputName, ValueChecked: true},
		})
	}
	h.validate(findItem(t, inputs, types.ActionValidateBlock))

	// Both payloads are built before either is broadcast; each gets its own
	// nonce.
	signing := h.next(types.EventAppend).Block
	items := itemsOf(signing, types.ActionProvideSignedTransaction)
	if len(items) != 2 {
		t.Fatalf("Expected two signing items, got %d", len(items))
	}
	nonces := make(map[int64]bool)
	for _, item := range items {
		msg, err := mock.DecodeHex(item.ProvideSignedTransaction.Payload)
		if err != nil {
			t.Fatalf("Payload is not hex: %v", err)
		}
		var tx mock.Transaction
		if err := json.Unmarshal(msg, &tx); err != nil {
			t.Fatalf("Payload is not a transaction: %v", err)
		}
		nonces[tx.Nonce] = true
		h.respond(types.ActionItemResponse{
			ActionItemID: item.ID,
			Type:         types.ActionProvideSignedTransaction,
			ProvideSignedTransaction: &types.ProvideSignedTransactionResponse{
				SignedTransactionBytes: mock.EncodeHex(ed25519.Sign(key, msg)),
			},
		})
	}
	if !nonces[0] || !nonces[1] {
		t.Fatalf("Expected nonces 0 and 1, got %v", nonces)
	}
	h.validate(findItem(t, signing, types.ActionValidateBlock))

	h.next(types.EventAppend)
	h.next(types.EventExit)
	status, err := h.wait()
	if err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (%v)", status, err)
	}
	for _, name := range []string{"transfer", "refund"} {
		did := didOf(t, ws, config.KindAction, name)
		if got := ec.Status(did); got != engine.ConstructExecuted {
			d, _ := ec.Diagnostic(did)
			t.Errorf("%s: expected executed, got %s (%+v)", name, got, d)
		}
	}
	if ledger.Broadcasts() != 2 {
		t.Errorf("Expected 2 broadcasts, got %d", ledger.Broadcasts())
	}
}

func TestRun_RejectsInvalidResponses(t *testing.T) {
	ws, ec := buildRunbook(t, mock.NewLedger(), transferRunbook(webWallet(), 1))
	h := start(t, New(ws, ec, testConfig()))

	checklist := h.next(types.EventAppend).Block
	pkItem := findItem(t, checklist, types.ActionProvidePublicKey)

	tests := []struct {
		name string
		resp types.ActionItemResponse
		code string
	}{
		{
			name: "unknown item",
			resp: types.ActionItemResponse{ActionItemID: uuid.New(), Type: types.ActionValidateBlock},
			code: types.ErrCodeUnknownCorrelationID,
		},
		{
			name: "wrong kind",
			resp: types.ActionItemResponse{
				ActionItemID: pkItem.ID,
				Type:         types.ActionReviewInput,
				ReviewInput:  &types.ReviewInputResponse{ValueChecked: true},
			},
			code: types.ErrCodeMalformedResponse,
		},
		{
			name: "missing payload",
			resp: types.ActionItemResponse{ActionItemID: pkItem.ID, Type: types.ActionProvidePublicKey},
			code: types.ErrCodeMalformedResponse,
		},
		{
			name: "key that does not decode",
			resp: types.ActionItemResponse{
				ActionItemID:     pkItem.ID,
				Type:             types.ActionProvidePublicKey,
				ProvidePublicKey: &types.ProvidePublicKeyResponse{PublicKey: "not-hex"},
			},
			code: types.ErrCodeMalformedResponse,
		},
	}

	for _, tt := range tests {
		h.respond(tt.resp)
		ev := h.next(types.EventError)
		if ev.Diagnostic == nil || ev.Diagnostic.Code != tt.code {
			t.Errorf("%s: expected %s, got %+v", tt.name, tt.code, ev.Diagnostic)
		}
	}

	// The run is still suspended on the checklist.
	close(h.responses)
	status, err := h.wait()
	if status != engine.RunStatusAbandoned || err != nil {
		t.Fatalf("Expected abandoned run, got %s (%v)", status, err)
	}
	if got := ec.Status(didOf(t, ws, config.KindSigner, "alice")); got != engine.ConstructPending {
		t.Errorf("Expected the signer still pending, got %s", got)
	}
}

func TestRun_AbandonedBeforeExecution(t *testing.T) {
	ledger := mock.NewLedger()
	store := newMemStore()
	ws, ec := buildRunbook(t, ledger, transferRunbook(webWallet(), 1))
	h := start(t, New(ws, ec, testConfig(), WithStore(store)))

	h.next(types.EventAppend)
	close(h.responses)

	status, err := h.wait()
	if status != engine.RunStatusAbandoned || err != nil {
		t.Fatalf("Expected abandoned run, got %s (%v)", status, err)
	}
	if ledger.Broadcasts() != 0 {
		t.Errorf("Expected nothing broadcast, got %d", ledger.Broadcasts())
	}
	if len(store.runs) != 1 {
		t.Fatalf("Expected the run record persisted, got %d", len(store.runs))
	}
	for _, run := range store.runs {
		if run.Status != engine.RunStatusAbandoned || run.CompletedAt == nil {
			t.Errorf("Expected a finished abandoned record, got %+v", run)
		}
	}
}

func TestRun_EnvironmentPicker(t *testing.T) {
	ws, ec := buildRunbook(t, mock.NewLedger(), transferRunbook(webWallet(), 1))
	envs := map[string]map[string]interface{}{
		"devnet":  {"rpc": "http://localhost"},
		"mainnet": {"rpc": "https://mainnet"},
	}
	ws.SetEnvironment("devnet", envs["devnet"])
	cfg := testConfig()
	cfg.Environments = envs
	h := start(t, New(ws, ec, cfg))

	picker := findItem(t, h.next(types.EventAppend).Block, types.ActionPickInputOption)
	if picker.PickInputOption.Selected.Value != "devnet" || len(picker.PickInputOption.Options) != 2 {
		t.Fatalf("Unexpected picker %+v", picker.PickInputOption)
	}

	h.respond(types.ActionItemResponse{
		ActionItemID:    picker.ID,
		Type:            types.ActionPickInputOption,
		PickInputOption: &types.PickInputOptionResponse{Value: "mainnet"},
	})
	h.next(types.EventClear)
	again := findItem(t, h.next(types.EventAppend).Block, types.ActionPickInputOption)
	if again.PickInputOption.Selected.Value != "mainnet" {
		t.Errorf("Expected mainnet selected, got %q", again.PickInputOption.Selected.Value)
	}

	close(h.responses)
	if status, _ := h.wait(); status != engine.RunStatusAbandoned {
		t.Fatalf("Expected abandoned run, got %s", status)
	}
	if ws.Environment() != "mainnet" {
		t.Errorf("Expected the workspace on mainnet, got %q", ws.Environment())
	}
}

func TestExecute_Unattended(t *testing.T) {
	tests := []struct {
		name       string
		constructs []testConstruct
		failPolls  int
		wantStatus map[string]engine.ConstructStatus
		wantCode   map[string]string
		broadcasts int
	}{
		{
			name:       "secret key transfer",
			constructs: transferRunbook(secretKey(1), 1),
			wantStatus: map[string]engine.ConstructStatus{
				"action.transfer": engine.ConstructExecuted,
				"output.tx":       engine.ConstructExecuted,
			},
			broadcasts: 1,
		},
		{
			name:       "poll exhaustion",
			constructs: transferRunbook(secretKey(1), 1),
			failPolls:  100,
			wantStatus: map[string]engine.ConstructStatus{
				"action.transfer": engine.ConstructFailed,
				"output.tx":       engine.ConstructBlocked,
			},
			wantCode:   map[string]string{"action.transfer": types.ErrCodePollExhausted},
			broadcasts: 1,
		},
		{
			name: "unresolved reference",
			constructs: []testConstruct{
				{kind: config.KindAction, name: "first", typ: "std::echo", block: map[string]interface{}{"value": "${variable.missing}"}},
				{kind: config.KindAction, name: "second", typ: "std::echo", block: map[string]interface{}{"value": "${action.first.value}"}},
				{kind: config.KindAction, name: "other", typ: "std::echo", block: map[string]interface{}{"value": "ok"}},
			},
			wantStatus: map[string]engine.ConstructStatus{
				"action.first":  engine.ConstructFailed,
				"action.second": engine.ConstructBlocked,
				"action.other":  engine.ConstructExecuted,
			},
			wantCode: map[string]string{
				"action.first":  types.ErrCodeUnresolvedReference,
				"action.second": types.ErrCodeDependencyFailed,
			},
		},
		{
			name: "malformed signer key",
			constructs: transferRunbook(testConstruct{
				kind: config.KindSigner, name: "alice", typ: "mock::secret_key", block: map[string]interface{}{"secret_key": "zz"},
			}, 1),
			wantStatus: map[string]engine.ConstructStatus{
				"signer.alice":    engine.ConstructFailed,
				"action.transfer": engine.ConstructBlocked,
			},
			wantCode: map[string]string{"signer.alice": types.ErrCodeMissingKeyMaterial},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := mock.NewLedger()
			ledger.FailPolls(tt.failPolls)
			ws, ec := buildRunbook(t, ledger, tt.constructs)
			cfg := testConfig()
			cfg.Unattended = true
			cfg.MaxPolls = 3

			status, err := Execute(context.Background(), New(ws, ec, cfg), &Unattended{})
			if err != nil || status != engine.RunStatusCompleted {
				t.Fatalf("Expected completed run, got %s (%v)", status, err)
			}
			for label, want := range tt.wantStatus {
				kind, name, _ := strings.Cut(label, ".")
				did := didOf(t, ws, kind, name)
				if got := ec.Status(did); got != want {
					t.Errorf("%s: expected %s, got %s", label, want, got)
				}
				if code, ok := tt.wantCode[label]; ok {
					d, _ := ec.Diagnostic(did)
					if d == nil || d.Code != code {
						t.Errorf("%s: expected diagnostic %s, got %+v", label, code, d)
					}
				}
			}
			if ledger.Broadcasts() != tt.broadcasts {
				t.Errorf("Expected %d broadcasts, got %d", tt.broadcasts, ledger.Broadcasts())
			}
		})
	}
}

func TestExecute_ResumeDoesNotReExecute(t *testing.T) {
	ledger := mock.NewLedger()
	store := newMemStore()
	cfg := testConfig()
	cfg.Unattended = true

	ws, ec := buildRunbook(t, ledger, transferRunbook(secretKey(3), 1))
	if status, err := Execute(context.Background(), New(ws, ec, cfg, WithStore(store)), &Unattended{}); err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("First run: expected completed, got %s (%v)", status, err)
	}
	if len(store.snapshots) != 1 {
		t.Errorf("Expected a snapshot of the first run, got %d", len(store.snapshots))
	}

	ws, ec = buildRunbook(t, ledger, transferRunbook(secretKey(3), 1))
	r := New(ws, ec, cfg, WithStore(store))
	if status, err := Execute(context.Background(), r, &Unattended{}); err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Second run: expected completed, got %s (%v)", status, err)
	}
	if ledger.Broadcasts() != 1 {
		t.Errorf("Expected the transfer broadcast once, got %d", ledger.Broadcasts())
	}
	if got := r.Record().Summary[engine.ConstructExecuted]; got != 4 {
		t.Errorf("Expected 4 restored constructs, got %d", got)
	}

	// Forced runs ignore persisted results.
	ws, ec = buildRunbook(t, ledger, transferRunbook(secretKey(3), 1))
	cfg.Force = true
	if status, err := Execute(context.Background(), New(ws, ec, cfg, WithStore(store)), &Unattended{}); err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Forced run: expected completed, got %s (%v)", status, err)
	}
	if got := ec.Status(didOf(t, ws, config.KindAction, "transfer")); got != engine.ConstructExecuted {
		t.Errorf("Expected the forced transfer executed, got %s", got)
	}
}

func TestExecute_ResumeAfterAbandonDoesNotRebroadcast(t *testing.T) {
	ledger := mock.NewLedger()
	ledger.FailPolls(1000)
	store := newMemStore()
	cfg := testConfig()
	cfg.Unattended = true
	cfg.MaxPolls = 1000

	// Leave while the confirmation watcher is still polling.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ledger.Broadcasts() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	ws, ec := buildRunbook(t, ledger, transferRunbook(secretKey(4), 1))
	status, _ := Execute(ctx, New(ws, ec, cfg, WithStore(store)), &Unattended{})
	if status != engine.RunStatusAbandoned {
		t.Fatalf("Expected abandoned run, got %s", status)
	}
	if _, ok := ec.Result(didOf(t, ws, config.KindAction, "transfer")); ok {
		t.Fatal("Expected no recorded result for the in-flight transfer")
	}

	ledger.FailPolls(0)
	ws, ec = buildRunbook(t, ledger, transferRunbook(secretKey(4), 1))
	if status, err := Execute(context.Background(), New(ws, ec, cfg, WithStore(store)), &Unattended{}); err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Resumed run: expected completed, got %s (%v)", status, err)
	}
	if got := ec.Status(didOf(t, ws, config.KindAction, "transfer")); got != engine.ConstructExecuted {
		t.Errorf("Expected the transfer executed, got %s", got)
	}
	if ledger.Broadcasts() != 1 {
		t.Errorf("Expected the transfer broadcast once, got %d", ledger.Broadcasts())
	}
}

func TestExecute_UnattendedRejectsWallet(t *testing.T) {
	ws, ec := buildRunbook(t, mock.NewLedger(), transferRunbook(webWallet(), 1))
	cfg := testConfig()

	status, err := Execute(context.Background(), New(ws, ec, cfg), &Unattended{})
	if err == nil || !strings.Contains(err.Error(), "provide_public_key") {
		t.Fatalf("Expected the wallet item to be refused, got %v", err)
	}
	if status != engine.RunStatusAbandoned {
		t.Errorf("Expected abandoned run, got %s", status)
	}
}

func TestTerminalSupervisor(t *testing.T) {
	ledger := mock.NewLedger()
	ws, ec := buildRunbook(t, ledger, transferRunbook(secretKey(5), 1))

	// Checklist, then recipient and amount reviews, then continue.
	in := strings.NewReader("\ny\ny\n\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := Execute(ctx, New(ws, ec, testConfig()), NewTerminalSupervisor(in, &out))
	if err != nil || status != engine.RunStatusCompleted {
		t.Fatalf("Expected completed run, got %s (%v)\n%s", status, err, out.String())
	}
	for _, want := range []string{"== " + PanelChecklist, "[success] Signer alice", "transfer: amount", "== " + PanelOutputs, "Run finished."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q:\n%s", want, out.String())
		}
	}
	if ledger.Broadcasts() != 1 {
		t.Errorf("Expected 1 broadcast, got %d", ledger.Broadcasts())
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: time.Second},
		{attempt: 3, want: 2 * time.Second},
		{attempt: 6, want: 10 * time.Second},
		{attempt: 64, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, 500*time.Millisecond, 10*time.Second); got != tt.want {
			t.Errorf("backoff(%d): expected %s, got %s", tt.attempt, tt.want, got)
		}
	}
}
