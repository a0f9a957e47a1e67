package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Authenticator verifies a client's one-time rolling code. MainBus does not
// call it: a main-bus connection carries ordinary traffic without a code
// check. spec.md §1 places "the TOTP authenticator" out of scope as an external
// collaborator this organism does not implement in full — this interface
// defines the boundary a real RFC 6238 implementation would satisfy, with
// a minimal pre-shared-code default below rather than a hand-rolled TOTP
// clock-drift/HMAC implementation, since no TOTP library appears anywhere
// in the retrieval pack.
type Authenticator interface {
	Authenticate(clientID, code string) bool
}

// StaticCodeAuthenticator accepts exactly one pre-shared code per client,
// the minimal stand-in for a pluggable TOTP backend.
type StaticCodeAuthenticator struct {
	codes map[string]string
}

// NewStaticCodeAuthenticator returns an Authenticator keyed by client ID.
func NewStaticCodeAuthenticator(codes map[string]string) *StaticCodeAuthenticator {
	return &StaticCodeAuthenticator{codes: codes}
}

func (a *StaticCodeAuthenticator) Authenticate(clientID, code string) bool {
	want, ok := a.codes[clientID]
	return ok && want == code
}

// Signer produces a detached signature over arbitrary bytes using the
// organism's long-term identity key (internal/oob.Sign takes a raw
// ed25519.PrivateKey rather than a Signer). spec.md §1 places "the persistent-identity key
// generator" out of scope the same way; crypto/ed25519 is stdlib, used
// here rather than a third-party KMS client because the pack has no KMS
// library and the spec frames long-term key custody as a pluggable
// concern, not a core one.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Public() ed25519.PublicKey
}

// Verifier checks a detached signature against a known public key.
type Verifier interface {
	Verify(message, signature []byte, pub ed25519.PublicKey) bool
}

// Ed25519Signer is the default Signer: an in-process ed25519 keypair.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateEd25519Signer mints a fresh organism identity keypair.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate identity key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed reconstructs a Signer from a previously
// persisted 32-byte seed, so the organism's identity survives a restart.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("transport: identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.pub
}

// Ed25519Verifier is the default Verifier, pairing with Ed25519Signer.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(message, signature []byte, pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, message, signature)
}
