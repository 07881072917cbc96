// ABOUTME: Text given to child runs and to requesters when a child finishes
// ABOUTME: Builds the subagent system prompt addendum and the completion announcement

package subagent

import (
	"fmt"
	"strings"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/session"
)

// PromptParams describe the child run the addendum is written for.
type PromptParams struct {
	RequesterSessionKey string
	RequesterOrigin     *session.Origin
	ChildSessionKey     string
	Label               string
	Task                string
}

// BuildSystemPrompt returns the system prompt addendum for a child run.
func BuildSystemPrompt(p PromptParams) string {
	var b strings.Builder
	b.WriteString("# Subagent Context\n\n")
	b.WriteString("You are a subagent spawned to complete one task. Your final reply is reported back to the session that spawned you.\n\n")

	if p.RequesterSessionKey != "" {
		fmt.Fprintf(&b, "- Requester session: %s\n", p.RequesterSessionKey)
	}
	if o := p.RequesterOrigin; o != nil && o.Channel != "" {
		fmt.Fprintf(&b, "- Requester channel: %s", o.Channel)
		if o.To != "" {
			fmt.Fprintf(&b, " (to %s)", o.To)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "- Your session: %s\n", p.ChildSessionKey)
	if p.Label != "" {
		fmt.Fprintf(&b, "- Label: %s\n", p.Label)
	}
	fmt.Fprintf(&b, "- Task: %s\n\n", p.Task)

	b.WriteString("Rules:\n")
	b.WriteString("- Stay on the task. Do not start unrelated work.\n")
	b.WriteString("- Do not message users directly; your output is not delivered to any channel.\n")
	b.WriteString("- You cannot spawn further subagents.\n")
	b.WriteString("- End with a concise summary of what you did and what you found.\n")
	return b.String()
}

// BuildAnnouncement returns the message sent to the requester when a child ends.
func BuildAnnouncement(reg Registration, res agent.Result) string {
	name := reg.Label
	if name == "" {
		name = reg.ChildSessionKey
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subagent %q finished with status %s.\n\n", name, res.Status)
	fmt.Fprintf(&b, "Task: %s\n", reg.Task)
	if res.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", res.Error)
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		fmt.Fprintf(&b, "\nResult:\n%s\n", out)
	}
	return b.String()
}
