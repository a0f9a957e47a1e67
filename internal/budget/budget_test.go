package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokensGrowsWithPayloadSize(t *testing.T) {
	small := EstimateTokens([]byte("<a>1</a>"))
	large := EstimateTokens([]byte("<a>" + string(make([]byte, 400)) + "</a>"))
	assert.Greater(t, large, small)
	assert.GreaterOrEqual(t, small, baseEnvelopeTokens)
}

func TestAdmitWithinBudget(t *testing.T) {
	m := NewManager(nil)
	m.Register("researcher", AgentConfig{TokensPerMinute: 6000, Burst: 1000})

	assert.True(t, m.Admit("researcher", 500))
	m.Reserve("researcher", 500)
	assert.True(t, m.Admit("researcher", 500))
	assert.False(t, m.Admit("researcher", 501))
}

func TestAdmitUnknownAgentFails(t *testing.T) {
	m := NewManager(nil)
	assert.False(t, m.Admit("ghost", 10))
}

func TestRecordSuccessCappedAtBurst(t *testing.T) {
	m := NewManager(nil)
	m.Register("researcher", AgentConfig{TokensPerMinute: 6000, Burst: 1000})
	m.Reserve("researcher", 900)

	d, err := m.Deficit("researcher")
	require.NoError(t, err)
	assert.Equal(t, int64(100), d)

	m.RecordSuccess("researcher", 5000)
	d, err = m.Deficit("researcher")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), d)
}

func TestRecordThrottleHalvesDeficit(t *testing.T) {
	m := NewManager(nil)
	m.Register("researcher", AgentConfig{TokensPerMinute: 6000, Burst: 1000})

	m.RecordThrottle("researcher")
	d, err := m.Deficit("researcher")
	require.NoError(t, err)
	assert.Equal(t, int64(500), d)

	m.RecordThrottle("researcher")
	d, err = m.Deficit("researcher")
	require.NoError(t, err)
	assert.Equal(t, int64(250), d)
}

func TestDeficitUnknownAgentErrors(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Deficit("ghost")
	assert.Error(t, err)
}

func TestAllowRespectsRateLimiter(t *testing.T) {
	m := NewManager(nil)
	m.Register("researcher", AgentConfig{TokensPerMinute: 60, Burst: 1})
	assert.True(t, m.Allow("researcher"))
	assert.False(t, m.Allow("researcher"))
}
