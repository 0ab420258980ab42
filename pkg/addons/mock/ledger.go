package mock

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/txtx/txtx/pkg/types"
)

// Transaction is the unsigned body of a mock transfer.
type Transaction struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Nonce  int64  `json:"nonce"`
	Memo   string `json:"memo,omitempty"`
}

// Bytes returns the canonical encoding that is signed.
func (tx Transaction) Bytes() []byte {
	data, _ := json.Marshal(tx)
	return data
}

// SignedTransaction is a transaction with its signature and signer key.
type SignedTransaction struct {
	Transaction
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Hash identifies a signed transaction.
func (stx SignedTransaction) Hash() string {
	data, _ := json.Marshal(stx)
	sum := blake2b.Sum256(data)
	return EncodeHex(sum[:])
}

// Receipt is the ledger view of a broadcast transaction.
type Receipt struct {
	Hash          string `json:"hash"`
	Nonce         int64  `json:"nonce"`
	Queued        bool   `json:"queued"`
	Confirmations int    `json:"confirmations"`
}

// Ledger is an in-memory account ledger. Every Poll of an accepted
// transaction adds one confirmation.
type Ledger struct {
	mu         sync.Mutex
	nextNonce  map[string]int64
	receipts   map[string]*Receipt
	queued     map[string]map[int64]string
	reserved   map[string]map[string]int64
	failPolls  int
	broadcasts int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		nextNonce: make(map[string]int64),
		receipts:  make(map[string]*Receipt),
		queued:    make(map[string]map[int64]string),
		reserved:  make(map[string]map[string]int64),
	}
}

// NextNonce returns the next nonce of an account.
func (l *Ledger) NextNonce(address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextNonce[address]
}

// ReserveNonce returns the nonce held by key for an account. A new key gets
// the lowest nonce at or after the account's next nonce that no other key
// holds and no queued transaction uses. A key keeps its nonce once the
// transaction is accepted, so rebuilding it yields the same bytes.
func (l *Ledger) ReserveNonce(address, key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.reserved[address]
	if held == nil {
		held = make(map[string]int64)
		l.reserved[address] = held
	}
	if n, ok := held[key]; ok {
		return n
	}

	taken := make(map[int64]bool, len(held))
	for _, n := range held {
		taken[n] = true
	}
	n := l.nextNonce[address]
	for taken[n] || l.queued[address][n] != "" {
		n++
	}
	held[key] = n
	return n
}

// FailPolls makes the next n polls fail with a transient error.
func (l *Ledger) FailPolls(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failPolls = n
}

// Broadcasts returns how many distinct transactions were accepted.
func (l *Ledger) Broadcasts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcasts
}

// Broadcast verifies and accepts a signed transaction. Broadcasting the same
// transaction twice returns the existing receipt. A nonce ahead of the
// account's next nonce is handled per policy; the returned warning is set
// when the policy is warn.
func (l *Ledger) Broadcast(stx SignedTransaction, policy types.NoncePolicy) (Receipt, string, error) {
	pub, err := decodePublicKey(stx.PublicKey)
	if err != nil {
		return Receipt{}, "", types.NewConstructError("invalid signer public key", err).WithCode(types.ErrCodeValidation)
	}
	if Address(pub) != stx.From {
		return Receipt{}, "", types.NewConstructError(fmt.Sprintf("public key does not match sender %s", stx.From), nil).
			WithCode(types.ErrCodeValidation)
	}
	sig, err := DecodeHex(stx.Signature)
	if err != nil || !ed25519.Verify(pub, stx.Transaction.Bytes(), sig) {
		return Receipt{}, "", types.NewConstructError("transaction signature does not verify", err).
			WithCode(types.ErrCodeValidation)
	}

	hash := stx.Hash()

	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.receipts[hash]; ok {
		return *r, "", nil
	}

	next := l.nextNonce[stx.From]
	var warning string
	switch {
	case stx.Nonce < next:
		return Receipt{}, "", types.NewConstructError(fmt.Sprintf("nonce %d already used by %s (next is %d)", stx.Nonce, stx.From, next), nil).
			WithCode(types.ErrCodeValidation).
			WithDetail("nonce", stx.Nonce).
			WithDetail("next_nonce", next)

	case stx.Nonce > next:
		switch policy {
		case types.NonceReject:
			return Receipt{}, "", types.NewConstructError(fmt.Sprintf("nonce %d is ahead of %s next nonce %d", stx.Nonce, stx.From, next), nil).
				WithCode(types.ErrCodeNonceAhead).
				WithDetail("nonce", stx.Nonce).
				WithDetail("next_nonce", next)
		case types.NonceWarn:
			warning = fmt.Sprintf("nonce %d is ahead of next nonce %d; accepted", stx.Nonce, next)
			l.accept(stx.From, stx.Nonce, hash)
		default:
			r := &Receipt{Hash: hash, Nonce: stx.Nonce, Queued: true}
			l.receipts[hash] = r
			if l.queued[stx.From] == nil {
				l.queued[stx.From] = make(map[int64]string)
			}
			l.queued[stx.From][stx.Nonce] = hash
			l.broadcasts++
			return *r, "", nil
		}

	default:
		l.accept(stx.From, stx.Nonce, hash)
	}

	return *l.receipts[hash], warning, nil
}

// accept records an accepted transaction and releases queued successors.
func (l *Ledger) accept(from string, nonce int64, hash string) {
	l.receipts[hash] = &Receipt{Hash: hash, Nonce: nonce}
	l.broadcasts++
	l.nextNonce[from] = nonce + 1

	for {
		next := l.nextNonce[from]
		queuedHash, ok := l.queued[from][next]
		if !ok {
			return
		}
		delete(l.queued[from], next)
		l.receipts[queuedHash].Queued = false
		l.nextNonce[from] = next + 1
	}
}

// Poll returns the receipt of a transaction, adding a confirmation when it
// is not queued.
func (l *Ledger) Poll(hash string) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failPolls > 0 {
		l.failPolls--
		return Receipt{}, types.NewTransientError("mock node unavailable", nil)
	}
	r, ok := l.receipts[hash]
	if !ok {
		return Receipt{}, types.NewConstructError(fmt.Sprintf("unknown transaction %s", hash), nil)
	}
	if !r.Queued {
		r.Confirmations++
	}
	return *r, nil
}

// Receipt returns a receipt without polling.
func (l *Ledger) Receipt(hash string) (Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	if !ok {
		return Receipt{}, false
	}
	return *r, true
}
