package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptimisticID_StrictlyIncreasing(t *testing.T) {
	now := time.Now()

	a := NewOptimisticID(now)
	b := NewOptimisticID(now)
	c := NewOptimisticID(now.Add(-time.Hour))

	assert.GreaterOrEqual(t, a, now.UnixMilli())
	assert.Greater(t, b, a)
	assert.Greater(t, c, b)
}

func TestNewUserMessage(t *testing.T) {
	now := time.Now()
	m := NewUserMessage("hello", []string{"media/1.png"}, now)

	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, []string{"media/1.png"}, m.Attachments)
	assert.NotNil(t, m.FunctionCalls)
	assert.Nil(t, m.TokenUsage)
	assert.Equal(t, now, m.CreatedAt)
}

func TestClone_IsDeep(t *testing.T) {
	m := Message{
		ID:            1,
		Role:          RoleAgent,
		FunctionCalls: []FunctionCall{{Name: "search"}},
		TokenUsage:    &TokenUsage{TotalTokens: 10, PerCall: []CallUsage{{Name: "search"}}},
	}

	c := m.Clone()
	c.FunctionCalls[0].Name = "changed"
	c.TokenUsage.TotalTokens = 99
	c.TokenUsage.PerCall[0].Name = "changed"

	assert.Equal(t, "search", m.FunctionCalls[0].Name)
	assert.Equal(t, 10, m.TokenUsage.TotalTokens)
	assert.Equal(t, "search", m.TokenUsage.PerCall[0].Name)
}

func TestMarshal_OmitsMissingTokenUsage(t *testing.T) {
	data, err := Marshal([]Message{{ID: 1, Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)

	assert.NotContains(t, data, "token_usage")

	msgs, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].TokenUsage)
}

func TestMarshal_Nil(t *testing.T) {
	data, err := Marshal(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", data)
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal("{not json")
	assert.Error(t, err)
}
