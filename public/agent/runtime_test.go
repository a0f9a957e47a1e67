package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmlpipeline/agentserver/internal/llm"
	"github.com/xmlpipeline/agentserver/internal/pathreg"
	"github.com/xmlpipeline/agentserver/internal/storekv"
)

func newTestStore(t *testing.T) (*storekv.Store, error) {
	t.Helper()
	return storekv.Open("")
}

type fakeClient struct {
	gotMessages []llm.Message
	resp        *llm.Response
	err         error
}

func (f *fakeClient) Complete(ctx context.Context, cfg llm.Config, messages []llm.Message) (*llm.Response, error) {
	f.gotMessages = messages
	return f.resp, f.err
}

func TestGetConfigAccessors(t *testing.T) {
	r := New("researcher", Config{Values: map[string]interface{}{
		"model":   "claude-x",
		"debug":   true,
		"retries": 3,
	}}, &fakeClient{}, pathreg.New(), nil)

	assert.Equal(t, "claude-x", r.GetConfigString("model", ""))
	assert.Equal(t, "fallback", r.GetConfigString("missing", "fallback"))
	assert.True(t, r.GetConfigBool("debug", false))
	assert.Equal(t, 3, r.GetConfigInt("retries", 0))
	assert.Equal(t, 7, r.GetConfigInt("missing", 7))
}

func TestHistoryIncludesSystemPromptAndRoleSplit(t *testing.T) {
	paths := pathreg.New()
	root := paths.NewRoot()
	paths.AppendHistory(root, "client", []byte("<question>2+40?</question>"))
	paths.AppendHistory(root, "researcher", []byte("<thought>delegate to calculator</thought>"))

	r := New("researcher", Config{SystemPrompt: "You are a helpful researcher."}, &fakeClient{}, paths, nil)
	messages := r.History(root)

	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "user", messages[1].Role)
	assert.Equal(t, "assistant", messages[2].Role)
	assert.Contains(t, messages[2].Content, "delegate")
}

func TestCompleteAppendsPromptAndCallsClient(t *testing.T) {
	paths := pathreg.New()
	root := paths.NewRoot()
	paths.AppendHistory(root, "client", []byte("<question>hi</question>"))

	fake := &fakeClient{resp: &llm.Response{Content: "hello"}}
	r := New("researcher", Config{LLM: llm.Config{Model: "claude-x", MaxTokens: 100}}, fake, paths, nil)

	resp, err := r.Complete(context.Background(), root, llm.Message{Role: "user", Content: "final prompt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	require.Len(t, fake.gotMessages, 2)
	assert.Equal(t, "final prompt", fake.gotMessages[1].Content)
}

func TestStorageRoundTripsAndReportsAbsence(t *testing.T) {
	store, err := newTestStore(t)
	require.NoError(t, err)
	defer store.Close()

	r := New("calculator", Config{}, &fakeClient{}, pathreg.New(), store)

	_, ok := r.StorageGet("t1")
	assert.False(t, ok)

	require.NoError(t, r.StorageSet("t1", []byte("42")))
	value, ok := r.StorageGet("t1")
	require.True(t, ok)
	assert.Equal(t, "42", string(value))

	require.NoError(t, r.StorageDelete("t1"))
	_, ok = r.StorageGet("t1")
	assert.False(t, ok)
}

func TestStorageSetWithoutBackingStoreFails(t *testing.T) {
	r := New("calculator", Config{}, &fakeClient{}, pathreg.New(), nil)
	assert.Error(t, r.StorageSet("t1", []byte("x")))
}
