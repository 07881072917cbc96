// ABOUTME: Session entry model persisted in session store files
// ABOUTME: Preserves fields written by other components that the gateway does not model

package session

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin is the delivery context a session is associated with.
type Origin struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Entry is the persisted state of one session.
type Entry struct {
	SessionID      string `json:"sessionId"`
	UpdatedAt      int64  `json:"updatedAt"`
	SessionFile    string `json:"sessionFile,omitempty"`
	SpawnedBy      string `json:"spawnedBy,omitempty"`
	SystemSent     bool   `json:"systemSent,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`

	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`

	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`

	SendPolicy  string  `json:"sendPolicy,omitempty"`
	Label       string  `json:"label,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
	Origin      *Origin `json:"origin,omitempty"`
	LastChannel string  `json:"lastChannel,omitempty"`
	LastTo      string  `json:"lastTo,omitempty"`

	SkillsSnapshot json.RawMessage `json:"skillsSnapshot,omitempty"`

	// Extra holds fields written by other components, kept verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// Map is the content of one session store file, keyed by session key.
type Map map[string]*Entry

// NewEntry returns an entry with a fresh session id.
func NewEntry(now time.Time) *Entry {
	return &Entry{
		SessionID: uuid.New().String(),
		UpdatedAt: now.UnixMilli(),
	}
}

// Model returns the overridden provider/model, or empty when none is set.
func (e *Entry) Model() string {
	if e.ModelOverride == "" {
		return ""
	}
	if e.ProviderOverride == "" {
		return e.ModelOverride
	}
	return e.ProviderOverride + "/" + e.ModelOverride
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Origin != nil {
		o := *e.Origin
		c.Origin = &o
	}
	if e.SkillsSnapshot != nil {
		c.SkillsSnapshot = append(json.RawMessage(nil), e.SkillsSnapshot...)
	}
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// entryFields has Entry's fields without its JSON methods.
type entryFields Entry

// knownFields are the JSON names modelled by Entry.
var knownFields = func() map[string]bool {
	out := make(map[string]bool)
	t := reflect.TypeOf(entryFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			out[name] = true
		}
	}
	return out
}()

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields entryFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for name := range all {
		if knownFields[name] {
			delete(all, name)
		}
	}

	*e = Entry(fields)
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// MarshalJSON encodes known fields followed by any preserved extras.
func (e Entry) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(entryFields(e))
	if err != nil || len(e.Extra) == 0 {
		return data, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := all[k]; !known {
			all[k] = v
		}
	}
	return json.Marshal(all)
}
