// Package mock is a network addon backed by an in-memory ledger. It exercises
// every part of the signer protocol: an unattended key signer, an interactive
// wallet signer, signed commands and confirmation watchers.
//
// Keys are ed25519. An address is "mx" followed by the hex encoded
// blake2b-160 digest of the public key.
package mock

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/txtx/txtx/pkg/types"
)

// Namespace is the namespace of the mock addon.
const Namespace = "mock"

// NetworkID identifies the mock network in action items.
const NetworkID = "mocknet"

// Addon is the mock network addon.
type Addon struct {
	ledger *Ledger
	policy types.NoncePolicy
	logger zerolog.Logger
}

// Option configures the addon.
type Option func(*Addon)

// WithLedger shares a ledger, typically one a test inspects.
func WithLedger(l *Ledger) Option {
	return func(a *Addon) { a.ledger = l }
}

// WithNoncePolicy sets what a transaction with a nonce ahead of the
// account's next nonce does.
func WithNoncePolicy(p types.NoncePolicy) Option {
	return func(a *Addon) { a.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Addon) { a.logger = l }
}

// New creates the addon with a fresh ledger and the queue policy.
func New(opts ...Option) *Addon {
	a := &Addon{policy: types.NonceQueue, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	if a.ledger == nil {
		a.ledger = NewLedger()
	}
	a.logger = a.logger.With().Str("addon", Namespace).Logger()
	return a
}

// Ledger returns the ledger transactions are broadcast to.
func (a *Addon) Ledger() *Ledger { return a.ledger }

// Namespace implements addons.Addon.
func (a *Addon) Namespace() string { return Namespace }

// Commands implements addons.Addon.
func (a *Addon) Commands() []types.CommandSpecification {
	return []types.CommandSpecification{
		&sendTransaction{addon: a},
		&signTransaction{},
	}
}

// Signers implements addons.Addon.
func (a *Addon) Signers() []types.SignerSpecification {
	return []types.SignerSpecification{
		&secretKeySigner{},
		&webWalletSigner{},
	}
}

// Address derives the mock address of a public key.
func Address(pub ed25519.PublicKey) string {
	h, _ := blake2b.New(20, nil)
	h.Write(pub)
	return "mx" + hex.EncodeToString(h.Sum(nil))
}

// EncodeHex returns the 0x-prefixed hex form of b.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHex decodes hex with or without a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func decodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}
