// Package identity manages the organism's long-term identity key pair, the
// one the OOB Channel uses to sign and verify privileged commands (spec.md
// §4.8).
//
// Generation and storage of the long-term key is explicitly named in
// spec.md §1 as an out-of-scope external collaborator ("the
// persistent-identity key generator"); this package supplies the minimal
// stdlib-backed default (Ed25519 via crypto/ed25519) so the core has
// something to run against, without the core depending on any particular
// identity backend. A deployment that wants a hardware-backed or
// KMS-backed key need only satisfy the same Signer/Verifier shape.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

// Signer produces a detached signature over a message.
type Signer interface {
	Sign(message []byte) []byte
}

// Verifier checks a detached signature against a message.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// KeyPair is the default Ed25519-backed Signer/Verifier.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// Sign implements Signer.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Verify implements Verifier.
func (k *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.Public, message, signature)
}

const pemBlockType = "AGENTSERVER IDENTITY PRIVATE KEY"

// Load reads a PEM-encoded private key from path, bootstrap failure on any
// I/O or decode error (spec.md §7 "Bootstrap failures ... fatal").
func Load(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("identity: %s: not a valid identity key", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: %s: unexpected key size %d", path, len(block.Bytes))
	}
	priv := ed25519.PrivateKey(block.Bytes)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Save writes k's private key to path in PEM form.
func (k *KeyPair) Save(path string) error {
	block := &pem.Block{Type: pemBlockType, Bytes: k.private}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}
