// Package oob implements the OOB Channel and Privileged Commands handler:
// a disjoint schema of structural commands (add-listener, remove-listener,
// hot-reload, introspect, shutdown), each signed with the organism's
// long-term identity key before it is allowed to take effect (spec.md
// §4.8).
//
// The signature envelope is a compact EdDSA-signed JWT whose claims bind
// the command kind and a digest of its canonical payload bytes, rather
// than embedding the payload in the token itself — the payload travels
// alongside on the OOB connection in ordinary envelope framing, and
// Verify checks that what arrived matches what was signed.
package oob

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Command kinds recognized on the OOB channel (spec.md §4.8).
const (
	KindAddListener    = "add-listener"
	KindRemoveListener = "remove-listener"
	KindHotReload      = "hot-reload"
	KindIntrospect     = "introspect"
	KindShutdown       = "shutdown"
)

var validKinds = map[string]bool{
	KindAddListener: true, KindRemoveListener: true, KindHotReload: true,
	KindIntrospect: true, KindShutdown: true,
}

// claims is the JWT payload: the command kind and a digest binding it to
// the out-of-band canonical payload bytes.
type claims struct {
	Kind   string `json:"kind"`
	Digest string `json:"digest"`
	jwt.RegisteredClaims
}

// Sign produces a compact JWT for kind over payload, signed with priv. Used
// by whatever issues privileged commands against a running organism — an
// admin CLI or console — not by the organism itself at runtime.
func Sign(priv ed25519.PrivateKey, issuer, kind string, payload []byte) (string, error) {
	if !validKinds[kind] {
		return "", fmt.Errorf("oob: unknown command kind %q", kind)
	}
	digest := sha256.Sum256(payload)
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		Kind:   kind,
		Digest: hex.EncodeToString(digest[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	return token.SignedString(priv)
}

// Command is a verified, ready-to-apply privileged command.
type Command struct {
	Kind    string
	Payload []byte
}

// Verify checks tokenString's signature against pub and that its digest
// claim matches payload. It returns a security-event error (never a panic,
// never a partial application) on any mismatch — spec.md §7 "Security
// events ... logged and dropped; never propagated" as anything other than
// a plain error here.
func Verify(tokenString string, payload []byte, pub ed25519.PublicKey) (*Command, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("oob: unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("oob: signature verification failed: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("oob: invalid token claims")
	}
	if !validKinds[c.Kind] {
		return nil, fmt.Errorf("oob: unknown command kind %q", c.Kind)
	}

	digest := sha256.Sum256(payload)
	if hex.EncodeToString(digest[:]) != c.Digest {
		return nil, fmt.Errorf("oob: payload digest does not match signed command")
	}

	return &Command{Kind: c.Kind, Payload: payload}, nil
}
