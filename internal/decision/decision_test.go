// ABOUTME: Tests for decision creation validation, answer matching and expiry
// ABOUTME: Also checks markdown rendering of questions

package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawgate/internal/apierr"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		params  CreateParams
		wantErr string
	}{
		{"missing title", CreateParams{Type: TypeText, Question: "q"}, "title is required"},
		{"missing question", CreateParams{Type: TypeText, Title: "t"}, "question is required"},
		{"unknown type", CreateParams{Type: "poll", Title: "t", Question: "q"}, "invalid decision type"},
		{"choice with one option", CreateParams{
			Type: TypeChoice, Title: "t", Question: "q",
			Options: []Option{{Label: "only"}},
		}, "choice type requires at least 2 options"},
		{"duplicate option ids", CreateParams{
			Type: TypeChoice, Title: "t", Question: "q",
			Options: []Option{{ID: "a", Label: "A"}, {ID: "a", Label: "B"}},
		}, "duplicate option id"},
		{"options on text", CreateParams{
			Type: TypeText, Title: "t", Question: "q",
			Options: []Option{{Label: "A"}, {Label: "B"}},
		}, "only allowed for choice"},
		{"negative timeout", CreateParams{Type: TypeBinary, Title: "t", Question: "q", TimeoutMinutes: -1}, "timeoutMinutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.params, created)
			require.Error(t, err)
			assert.True(t, apierr.Is(err, apierr.CodeInvalidRequest))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Choice(t *testing.T) {
	d, err := New(CreateParams{
		Type:     "Choice",
		Title:    " Deploy target ",
		Question: "Where should this go?",
		Options:  []Option{{Label: "Staging"}, {ID: "prod", Label: "Production", Value: "production"}},
		Context:  Context{SessionKey: "agent:main:main", AgentID: "main"},
	}, created)
	require.NoError(t, err)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, TypeChoice, d.Type)
	assert.Equal(t, "Deploy target", d.Title)
	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, created, d.CreatedAt)
	require.Len(t, d.Options, 2)
	assert.Equal(t, Option{ID: "option-1", Label: "Staging", Value: "Staging"}, d.Options[0])
	assert.Equal(t, "prod", d.Options[1].ID)
}

func TestNew_SyntheticOptions(t *testing.T) {
	binary, err := New(CreateParams{Type: TypeBinary, Title: "t", Question: "q"}, created)
	require.NoError(t, err)
	assert.Equal(t, []string{"yes", "no"}, optionIDs(binary))

	confirm, err := New(CreateParams{Type: TypeConfirmation, Title: "t", Question: "q"}, created)
	require.NoError(t, err)
	assert.Equal(t, []string{"confirm", "cancel"}, optionIDs(confirm))

	text, err := New(CreateParams{Type: TypeText, Title: "t", Question: "q"}, created)
	require.NoError(t, err)
	assert.Empty(t, text.Options)
}

func optionIDs(d *Decision) []string {
	ids := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestMatchAnswer(t *testing.T) {
	choice, err := New(CreateParams{
		Type: TypeChoice, Title: "t", Question: "q",
		Options: []Option{{ID: "a", Label: "Alpha", Value: "alpha"}, {ID: "b", Label: "Beta", Value: "beta"}},
	}, created)
	require.NoError(t, err)

	got, err := MatchAnswer(choice, Answer{OptionID: "b"})
	require.NoError(t, err)
	assert.Equal(t, Answer{OptionID: "b", OptionValue: "beta"}, got)

	got, err = MatchAnswer(choice, Answer{OptionValue: "ALPHA"})
	require.NoError(t, err)
	assert.Equal(t, "a", got.OptionID)

	_, err = MatchAnswer(choice, Answer{OptionID: "zzz"})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidRequest))

	_, err = MatchAnswer(choice, Answer{TextValue: "free text"})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidRequest))

	text, err := New(CreateParams{Type: TypeText, Title: "t", Question: "q"}, created)
	require.NoError(t, err)
	_, err = MatchAnswer(text, Answer{TextValue: "  "})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidRequest))
	got, err = MatchAnswer(text, Answer{TextValue: " ship it "})
	require.NoError(t, err)
	assert.Equal(t, "ship it", got.TextValue)
}

func TestExpired(t *testing.T) {
	d := &Decision{Status: StatusPending, CreatedAt: created, TimeoutMinutes: 5}

	assert.False(t, d.Expired(created.Add(4*time.Minute)))
	assert.True(t, d.Expired(created.Add(5*time.Minute)))

	d.TimeoutMinutes = 0
	assert.False(t, d.Expired(created.Add(24*time.Hour)), "no timeout never expires")

	d.TimeoutMinutes = 5
	d.Status = StatusResolved
	assert.False(t, d.Expired(created.Add(time.Hour)), "only pending decisions expire")
}

func TestRenderQuestion(t *testing.T) {
	out := RenderQuestion("Deploy **now**?\n\n- a\n- b")
	assert.Contains(t, out, "<strong>now</strong>")
	assert.Contains(t, out, "<li>a</li>")

	out = RenderQuestion("<script>alert(1)</script>")
	assert.NotContains(t, out, "<script>")
}
