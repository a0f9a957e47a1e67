package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, payload any, meta HandlerMeta) ([]byte, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Record{
		Name: "calculator", RootTag: "add", Kind: KindTool,
		Description: "adds two numbers", Handler: echoHandler,
	}))

	rec, ok := r.LookupByName("calculator")
	require.True(t, ok)
	assert.Equal(t, "add", rec.RootTag)

	byRoot := r.LookupByRoot("add")
	require.Len(t, byRoot, 1)
	assert.Equal(t, "calculator", byRoot[0].Name)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New()
	rec := &Record{Name: "calculator", RootTag: "add", Kind: KindTool, Description: "d", Handler: echoHandler}
	require.NoError(t, r.Register(rec))
	err := r.Register(&Record{Name: "calculator", RootTag: "sub", Kind: KindTool, Description: "d", Handler: echoHandler})
	assert.Error(t, err)
}

func TestAgentRootTagUniqueness(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Record{
		Name: "researcher", RootTag: "researcher", Kind: KindAgent, Description: "d", Handler: echoHandler,
	}))
	err := r.Register(&Record{
		Name: "researcher2", RootTag: "researcher", Kind: KindAgent, Description: "d", Handler: echoHandler,
	})
	assert.Error(t, err)
}

func TestToolsCanShareRootTag(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Record{
		Name: "google-search", RootTag: "search", Kind: KindTool, Description: "d", Handler: echoHandler,
	}))
	require.NoError(t, r.Register(&Record{
		Name: "bing-search", RootTag: "search", Kind: KindTool, Description: "d", Handler: echoHandler,
	}))

	group := r.LookupByRoot("search")
	require.Len(t, group, 2)
	assert.Equal(t, "google-search", group[0].Name)
	assert.Equal(t, "bing-search", group[1].Name)
}

func TestAllowsTarget(t *testing.T) {
	rec := &Record{Name: "researcher", Peers: map[string]struct{}{"search": {}}}
	assert.True(t, rec.AllowsTarget("researcher"))
	assert.True(t, rec.AllowsTarget("search"))
	assert.False(t, rec.AllowsTarget("other"))
}

func TestRemoveDrainsBeforeDeleting(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Record{
		Name: "calculator", RootTag: "add", Kind: KindTool, Description: "d", Handler: echoHandler,
	}))

	var drained string
	require.NoError(t, r.Remove("calculator", func(name string) { drained = name }))
	assert.Equal(t, "calculator", drained)

	_, ok := r.LookupByName("calculator")
	assert.False(t, ok)
	assert.Empty(t, r.LookupByRoot("add"))
}

func TestRemoveUnknownFails(t *testing.T) {
	r := New()
	assert.Error(t, r.Remove("nope", nil))
}

func TestCapabilitiesSortedByName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&Record{Name: "zeta", RootTag: "z", Kind: KindTool, Description: "d", Handler: echoHandler}))
	require.NoError(t, r.Register(&Record{Name: "alpha", RootTag: "a", Kind: KindTool, Description: "d", Handler: echoHandler}))

	caps := r.Capabilities()
	require.Len(t, caps, 2)
	assert.Equal(t, "alpha", caps[0].Name)
	assert.Equal(t, "zeta", caps[1].Name)
}
