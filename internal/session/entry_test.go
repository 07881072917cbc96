// ABOUTME: Tests for the session entry JSON model and tri-state patch fields
// ABOUTME: Verifies unknown fields survive a round trip and null differs from absent

package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_PreservesUnknownFields(t *testing.T) {
	raw := `{"sessionId":"s-1","updatedAt":5,"label":"work","compactionCount":3,"queueMode":"steer"}`

	var e Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, "s-1", e.SessionID)
	assert.Equal(t, "work", e.Label)
	assert.Len(t, e.Extra, 2)

	e.Label = "play"
	out, err := json.Marshal(e)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "play", back["label"])
	assert.EqualValues(t, 3, back["compactionCount"])
	assert.Equal(t, "steer", back["queueMode"])
}

func TestEntry_Clone(t *testing.T) {
	e := &Entry{SessionID: "a", Origin: &Origin{Channel: "telegram"}, Extra: map[string]json.RawMessage{"x": json.RawMessage(`1`)}}
	c := e.Clone()
	c.Origin.Channel = "slack"
	c.Extra["x"] = json.RawMessage(`2`)

	assert.Equal(t, "telegram", e.Origin.Channel)
	assert.Equal(t, json.RawMessage(`1`), e.Extra["x"])
	assert.Nil(t, (*Entry)(nil).Clone())
}

func TestEntry_Model(t *testing.T) {
	assert.Equal(t, "", (&Entry{}).Model())
	assert.Equal(t, "x/y", (&Entry{ProviderOverride: "x", ModelOverride: "y"}).Model())
}

func TestOptional(t *testing.T) {
	var p PatchParams
	require.NoError(t, json.Unmarshal([]byte(`{"key":"s1","label":null,"thinkingLevel":"high"}`), &p))

	assert.True(t, p.Label.Set)
	assert.True(t, p.Label.Null)
	assert.True(t, p.ThinkingLevel.Set)
	assert.False(t, p.ThinkingLevel.Null)
	assert.Equal(t, "high", p.ThinkingLevel.Value)
	assert.False(t, p.Model.Set, "absent fields stay unset")
}
