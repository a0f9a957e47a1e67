package oob

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := keyPair(t)
	payload := []byte(`<hot-reload><config>cells.yaml</config></hot-reload>`)

	token, err := Sign(priv, "admin", KindHotReload, payload)
	require.NoError(t, err)

	cmd, err := Verify(token, payload, pub)
	require.NoError(t, err)
	assert.Equal(t, KindHotReload, cmd.Kind)
	assert.Equal(t, payload, cmd.Payload)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv := keyPair(t)
	payload := []byte(`<shutdown/>`)
	token, err := Sign(priv, "admin", KindShutdown, payload)
	require.NoError(t, err)

	_, err = Verify(token, []byte(`<shutdown force="true"/>`), pub)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := keyPair(t)
	otherPub, _ := keyPair(t)
	payload := []byte(`<introspect/>`)
	token, err := Sign(priv, "admin", KindIntrospect, payload)
	require.NoError(t, err)

	_, err = Verify(token, payload, otherPub)
	assert.Error(t, err)
}

func TestSignRejectsUnknownKind(t *testing.T) {
	_, priv := keyPair(t)
	_, err := Sign(priv, "admin", "not-a-real-command", nil)
	assert.Error(t, err)
}
