package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmlpipeline/agentserver/internal/repair"
)

const addSchema = `{
	"type": "object",
	"required": ["a", "b"],
	"properties": {
		"a": {"type": "string", "pattern": "^[0-9]+$"},
		"b": {"type": "string", "pattern": "^[0-9]+$"}
	}
}`

func TestRegisterAndValidate(t *testing.T) {
	s := New("", nil)
	_, err := s.Register("add", "v1", json.RawMessage(addSchema))
	require.NoError(t, err)

	n, err := repair.Repair([]byte(`<add><a>2</a><b>40</b></add>`))
	require.NoError(t, err)
	assert.NoError(t, s.Validate("add", n))
}

func TestValidateRejectsWrongShape(t *testing.T) {
	s := New("", nil)
	_, err := s.Register("add", "v1", json.RawMessage(addSchema))
	require.NoError(t, err)

	n, err := repair.Repair([]byte(`<add><a>forty</a><b>2</b></add>`))
	require.NoError(t, err)
	assert.Error(t, s.Validate("add", n))
}

func TestLookupMissing(t *testing.T) {
	s := New("", nil)
	_, ok := s.Lookup("add")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	s := New("", nil)
	_, err := s.Register("add", "v1", json.RawMessage(addSchema))
	require.NoError(t, err)
	s.Remove("add")
	_, ok := s.Lookup("add")
	assert.False(t, ok)
}

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (f *fakeCache) Get(key string) ([]byte, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeCache) Set(key string, value []byte) error {
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func TestLoadCachedRoundTrip(t *testing.T) {
	cache := newFakeCache()
	s := New("", cache)
	_, err := s.Register("add", "v1", json.RawMessage(addSchema))
	require.NoError(t, err)

	s2 := New("", cache)
	_, ok, err := s2.LoadCached("add", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := repair.Repair([]byte(`<add><a>2</a><b>40</b></add>`))
	require.NoError(t, err)
	assert.NoError(t, s2.Validate("add", n))
}

type addPayload struct {
	A string `json:"a" jsonschema:"required"`
	B string `json:"b" jsonschema:"required"`
}

func TestRegisterFromStruct(t *testing.T) {
	s := New("", nil)
	_, err := s.RegisterFromStruct("add", "v1", addPayload{})
	require.NoError(t, err)

	n, err := repair.Repair([]byte(`<add><a>2</a><b>40</b></add>`))
	require.NoError(t, err)
	assert.NoError(t, s.Validate("add", n))
}
