// ABOUTME: Decision model, creation validation and answer matching
// ABOUTME: Binary and confirmation decisions carry synthetic options so every non-text answer selects one

package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawgate/internal/apierr"
)

// Type is the kind of answer a decision expects.
type Type string

const (
	TypeBinary       Type = "binary"
	TypeChoice       Type = "choice"
	TypeText         Type = "text"
	TypeConfirmation Type = "confirmation"
)

// Valid reports whether t is a recognized type.
func (t Type) Valid() bool {
	switch t {
	case TypeBinary, TypeChoice, TypeText, TypeConfirmation:
		return true
	}
	return false
}

// Status is the lifecycle state of a decision.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Option is one selectable answer.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Context ties a decision to the work that asked for it.
type Context struct {
	SessionKey   string `json:"sessionKey,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	GoalID       string `json:"goalId,omitempty"`
	AssignmentID string `json:"assignmentId,omitempty"`
}

// Responder identifies who answered.
type Responder struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// Answer is a response to a decision.
type Answer struct {
	OptionID    string `json:"optionId,omitempty"`
	OptionValue string `json:"optionValue,omitempty"`
	TextValue   string `json:"textValue,omitempty"`
}

// Decision is a human-answerable approval request.
type Decision struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Title          string     `json:"title"`
	Question       string     `json:"question"`
	QuestionHTML   string     `json:"questionHtml,omitempty"`
	Options        []Option   `json:"options,omitempty"`
	Context        Context    `json:"context"`
	Status         Status     `json:"status"`
	TimeoutMinutes int        `json:"timeoutMinutes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     time.Time  `json:"resolvedAt,omitzero"`
	RespondedBy    *Responder `json:"respondedBy,omitempty"`
	Response       *Answer    `json:"response,omitempty"`
}

// Expired reports whether a pending decision's timeout has elapsed at now.
func (d *Decision) Expired(now time.Time) bool {
	if d.Status != StatusPending || d.TimeoutMinutes <= 0 {
		return false
	}
	return !now.Before(d.CreatedAt.Add(time.Duration(d.TimeoutMinutes) * time.Minute))
}

// Clone returns a deep copy of d.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	c.Options = append([]Option(nil), d.Options...)
	if d.RespondedBy != nil {
		r := *d.RespondedBy
		c.RespondedBy = &r
	}
	if d.Response != nil {
		a := *d.Response
		c.Response = &a
	}
	return &c
}

// CreateParams are the decision.create parameters.
type CreateParams struct {
	Type           Type     `json:"type"`
	Title          string   `json:"title"`
	Question       string   `json:"question"`
	Options        []Option `json:"options,omitempty"`
	Context        Context  `json:"context"`
	TimeoutMinutes int      `json:"timeoutMinutes,omitempty"`
}

var (
	binaryOptions = []Option{
		{ID: "yes", Label: "Yes", Value: "yes"},
		{ID: "no", Label: "No", Value: "no"},
	}
	confirmationOptions = []Option{
		{ID: "confirm", Label: "Confirm", Value: "confirm"},
		{ID: "cancel", Label: "Cancel", Value: "cancel"},
	}
)

// New validates p and returns a pending decision created at now.
func New(p CreateParams, now time.Time) (*Decision, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, apierr.InvalidRequest("title is required")
	}
	question := strings.TrimSpace(p.Question)
	if question == "" {
		return nil, apierr.InvalidRequest("question is required")
	}
	t := Type(strings.ToLower(strings.TrimSpace(string(p.Type))))
	if !t.Valid() {
		return nil, apierr.InvalidRequest("invalid decision type %q", p.Type).
			WithHint("Use one of: binary, choice, text, confirmation")
	}
	if p.TimeoutMinutes < 0 {
		return nil, apierr.InvalidRequest("timeoutMinutes must be >= 0")
	}

	d := &Decision{
		ID:             uuid.New().String(),
		Type:           t,
		Title:          title,
		Question:       question,
		Context:        p.Context,
		Status:         StatusPending,
		TimeoutMinutes: p.TimeoutMinutes,
		CreatedAt:      now.UTC(),
	}

	switch t {
	case TypeChoice:
		if len(p.Options) < 2 {
			return nil, apierr.InvalidRequest("choice type requires at least 2 options")
		}
		opts, err := normalizeOptions(p.Options)
		if err != nil {
			return nil, err
		}
		d.Options = opts
	case TypeBinary, TypeText, TypeConfirmation:
		if len(p.Options) > 0 {
			return nil, apierr.InvalidRequest("options are only allowed for choice decisions")
		}
		switch t {
		case TypeBinary:
			d.Options = append([]Option(nil), binaryOptions...)
		case TypeConfirmation:
			d.Options = append([]Option(nil), confirmationOptions...)
		}
	}
	return d, nil
}

// normalizeOptions fills missing ids and values and rejects duplicates.
func normalizeOptions(in []Option) ([]Option, error) {
	out := make([]Option, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, o := range in {
		o.ID = strings.TrimSpace(o.ID)
		o.Label = strings.TrimSpace(o.Label)
		o.Value = strings.TrimSpace(o.Value)
		if o.Label == "" {
			o.Label = o.Value
		}
		if o.Label == "" {
			return nil, apierr.InvalidRequest("option %d needs a label or value", i+1)
		}
		if o.Value == "" {
			o.Value = o.Label
		}
		if o.ID == "" {
			o.ID = fmt.Sprintf("option-%d", i+1)
		}
		if seen[o.ID] {
			return nil, apierr.InvalidRequest("duplicate option id %q", o.ID)
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	return out, nil
}

// MatchAnswer checks a against d and returns the canonical answer to store.
// Option answers may name the option by id or by value.
func MatchAnswer(d *Decision, a Answer) (Answer, error) {
	if d.Type == TypeText {
		text := strings.TrimSpace(a.TextValue)
		if text == "" {
			return Answer{}, apierr.InvalidRequest("textValue is required for text decisions")
		}
		return Answer{TextValue: text}, nil
	}

	id := strings.TrimSpace(a.OptionID)
	value := strings.TrimSpace(a.OptionValue)
	if id == "" && value == "" {
		return Answer{}, apierr.InvalidRequest("optionId or optionValue is required for %s decisions", d.Type)
	}
	for _, o := range d.Options {
		if (id != "" && o.ID == id) || (id == "" && strings.EqualFold(o.Value, value)) {
			return Answer{OptionID: o.ID, OptionValue: o.Value, TextValue: strings.TrimSpace(a.TextValue)}, nil
		}
	}
	return Answer{}, apierr.InvalidRequest("answer does not match any option of decision %s", d.ID)
}
