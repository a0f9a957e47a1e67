package meta

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmlpipeline/agentserver/internal/registry"
	"github.com/xmlpipeline/agentserver/internal/schema"
)

func newHandler(t *testing.T) *Handler {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Record{
		Name: "calculator", RootTag: "add", Kind: registry.KindTool, Description: "adds numbers",
		Handler: func(ctx context.Context, payload any, meta registry.HandlerMeta) ([]byte, error) {
			return nil, nil
		},
	}))
	schemas := schema.New("", nil)
	_, err := schemas.Register("calculator", "v1", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	return New(reg, schemas, DefaultConfig())
}

func TestCapabilitiesIsPublic(t *testing.T) {
	h := newHandler(t)
	caps, err := h.Query(OpCapabilities, "", PrivilegeNone)
	require.NoError(t, err)
	assert.Len(t, caps, 1)
}

func TestSchemaRequiresAuthentication(t *testing.T) {
	h := newHandler(t)
	_, err := h.Query(OpSchema, "calculator", PrivilegeNone)
	assert.ErrorIs(t, err, ErrForbidden)

	raw, err := h.Query(OpSchema, "calculator", PrivilegeAuthenticated)
	require.NoError(t, err)
	assert.Contains(t, string(raw.(json.RawMessage)), "object")
}

func TestExampleMissingErrors(t *testing.T) {
	h := newHandler(t)
	_, err := h.Query(OpExample, "calculator", PrivilegeAdmin)
	assert.Error(t, err)

	h.SetExample("calculator", json.RawMessage(`{"a":"2","b":"40"}`))
	v, err := h.Query(OpExample, "calculator", PrivilegeAdmin)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"a":"2","b":"40"}`), v)
}

func TestPromptFragmentGatedAdmin(t *testing.T) {
	h := newHandler(t)
	h.SetPromptFragment("calculator", "call <add><a>x</a><b>y</b></add> to add two numbers")

	_, err := h.Query(OpPromptFrag, "calculator", PrivilegeAuthenticated)
	assert.ErrorIs(t, err, ErrForbidden)

	frag, err := h.Query(OpPromptFrag, "calculator", PrivilegeAdmin)
	require.NoError(t, err)
	assert.Contains(t, frag, "add two numbers")
}

func TestUnknownOperationErrors(t *testing.T) {
	h := newHandler(t)
	_, err := h.Query(Operation("bogus"), "calculator", PrivilegeAdmin)
	assert.Error(t, err)
}
