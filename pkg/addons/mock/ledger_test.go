package mock

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/txtx/txtx/pkg/types"
)

// testKey returns a deterministic key for seed byte b.
func testKey(b byte) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return ed25519.NewKeyFromSeed(seed)
}

func signedTx(priv ed25519.PrivateKey, to string, amount, nonce int64) SignedTransaction {
	pub := priv.Public().(ed25519.PublicKey)
	tx := Transaction{From: Address(pub), To: to, Amount: amount, Nonce: nonce}
	return SignedTransaction{
		Transaction: tx,
		PublicKey:   EncodeHex(pub),
		Signature:   EncodeHex(ed25519.Sign(priv, tx.Bytes())),
	}
}

func TestAddress(t *testing.T) {
	addr := Address(testKey(1).Public().(ed25519.PublicKey))
	if len(addr) != 2+40 || addr[:2] != "mx" {
		t.Errorf("Expected mx followed by 40 hex chars, got %s", addr)
	}
	if addr == Address(testKey(2).Public().(ed25519.PublicKey)) {
		t.Error("Expected distinct addresses for distinct keys")
	}
}

func TestLedger_NoncePolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     types.NoncePolicy
		wantCode   string
		wantQueued bool
		wantWarn   bool
		wantNext   int64
	}{
		{name: "queue", policy: types.NonceQueue, wantQueued: true, wantNext: 0},
		{name: "reject", policy: types.NonceReject, wantCode: types.ErrCodeNonceAhead, wantNext: 0},
		{name: "warn", policy: types.NonceWarn, wantWarn: true, wantNext: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			key := testKey(1)
			receipt, warning, err := l.Broadcast(signedTx(key, "mxbob", 10, 2), tt.policy)

			if tt.wantCode != "" {
				var diag *types.Diagnostic
				if !errors.As(err, &diag) || diag.Code != tt.wantCode {
					t.Fatalf("Expected %s, got %v", tt.wantCode, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if receipt.Queued != tt.wantQueued {
				t.Errorf("Expected queued=%v, got %v", tt.wantQueued, receipt.Queued)
			}
			if (warning != "") != tt.wantWarn {
				t.Errorf("Expected warning=%v, got %q", tt.wantWarn, warning)
			}
			from := Address(key.Public().(ed25519.PublicKey))
			if got := l.NextNonce(from); got != tt.wantNext {
				t.Errorf("Expected next nonce %d, got %d", tt.wantNext, got)
			}
		})
	}
}

func TestLedger_QueueReleasedByGapFill(t *testing.T) {
	l := NewLedger()
	key := testKey(1)
	from := Address(key.Public().(ed25519.PublicKey))

	ahead, _, err := l.Broadcast(signedTx(key, "mxbob", 1, 1), types.NonceQueue)
	if err != nil || !ahead.Queued {
		t.Fatalf("Expected nonce 1 queued, got %+v (%v)", ahead, err)
	}
	if r, _ := l.Poll(ahead.Hash); r.Confirmations != 0 {
		t.Errorf("Expected a queued transaction not to confirm, got %d", r.Confirmations)
	}

	if _, _, err := l.Broadcast(signedTx(key, "mxbob", 1, 0), types.NonceQueue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.NextNonce(from); got != 2 {
		t.Errorf("Expected next nonce 2 after the gap is filled, got %d", got)
	}
	if r, _ := l.Poll(ahead.Hash); r.Queued || r.Confirmations != 1 {
		t.Errorf("Expected queued transaction released, got %+v", r)
	}
}

func TestLedger_BroadcastIdempotent(t *testing.T) {
	l := NewLedger()
	stx := signedTx(testKey(1), "mxbob", 5, 0)

	first, _, err := l.Broadcast(stx, types.NonceQueue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := l.Broadcast(stx, types.NonceQueue)
	if err != nil {
		t.Fatalf("Expected a re-broadcast to succeed, got %v", err)
	}
	if first.Hash != second.Hash || l.Broadcasts() != 1 {
		t.Errorf("Expected one transaction, got %d broadcasts", l.Broadcasts())
	}

	_, _, err = l.Broadcast(signedTx(testKey(1), "mxcarol", 5, 0), types.NonceQueue)
	if err == nil {
		t.Fatal("Expected a different transaction reusing nonce 0 to fail")
	}
}

func TestLedger_RejectsBadSignature(t *testing.T) {
	l := NewLedger()
	stx := signedTx(testKey(1), "mxbob", 5, 0)
	stx.Amount = 500

	_, _, err := l.Broadcast(stx, types.NonceQueue)
	var diag *types.Diagnostic
	if !errors.As(err, &diag) || diag.Code != types.ErrCodeValidation {
		t.Fatalf("Expected VALIDATION_ERROR for a tampered transaction, got %v", err)
	}
}

func TestLedger_PollTransientFailures(t *testing.T) {
	l := NewLedger()
	receipt, _, _ := l.Broadcast(signedTx(testKey(1), "mxbob", 5, 0), types.NonceQueue)
	l.FailPolls(2)

	for i := 0; i < 2; i++ {
		if _, err := l.Poll(receipt.Hash); !types.IsRetryable(err) {
			t.Fatalf("Expected a transient error on poll %d, got %v", i, err)
		}
	}
	r, err := l.Poll(receipt.Hash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Confirmations != 1 {
		t.Errorf("Expected 1 confirmation, got %d", r.Confirmations)
	}
}

func TestLedger_ReserveNonce(t *testing.T) {
	l := NewLedger()
	key := testKey(1)
	from := Address(key.Public().(ed25519.PublicKey))

	if n := l.ReserveNonce(from, "first"); n != 0 {
		t.Fatalf("Expected nonce 0 for the first transfer, got %d", n)
	}
	if n := l.ReserveNonce(from, "second"); n != 1 {
		t.Fatalf("Expected nonce 1 for the second transfer, got %d", n)
	}
	if n := l.ReserveNonce(from, "first"); n != 0 {
		t.Errorf("Expected the first transfer to keep nonce 0, got %d", n)
	}

	if _, _, err := l.Broadcast(signedTx(key, "mxbob", 1, 0), types.NonceQueue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := l.ReserveNonce(from, "first"); n != 0 {
		t.Errorf("Expected the accepted transfer to keep nonce 0, got %d", n)
	}
	if n := l.ReserveNonce(from, "second"); n != 1 {
		t.Errorf("Expected the second transfer to keep nonce 1, got %d", n)
	}

	// A queued transaction at nonce 3 is skipped.
	if _, _, err := l.Broadcast(signedTx(key, "mxbob", 1, 3), types.NonceQueue); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := l.ReserveNonce(from, "third"); n != 2 {
		t.Errorf("Expected nonce 2, got %d", n)
	}
	if n := l.ReserveNonce(from, "fourth"); n != 4 {
		t.Errorf("Expected nonce 4 past the queued one, got %d", n)
	}

	other := Address(testKey(2).Public().(ed25519.PublicKey))
	if n := l.ReserveNonce(other, "first"); n != 0 {
		t.Errorf("Expected reservations per account, got %d", n)
	}
}
