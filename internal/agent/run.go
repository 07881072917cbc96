// ABOUTME: Run request and result types shared by the manager and executors
// ABOUTME: Describes what to run, where output is delivered, and how a run ended

package agent

import "time"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
	StatusTimeout Status = "timeout"
)

// Ended reports whether s is a terminal status.
func (s Status) Ended() bool {
	switch s {
	case StatusOK, StatusError, StatusAborted, StatusTimeout:
		return true
	default:
		return false
	}
}

// Lane labels.
const (
	LaneMain      = "main"
	LaneSubagent  = "subagent"
	LaneCron      = "cron"
	LaneHeartbeat = "heartbeat"
	LaneHook      = "hook"
)

// Request describes one agent turn.
type Request struct {
	SessionKey        string `json:"sessionKey"`
	SessionID         string `json:"sessionId,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
	Message           string `json:"message"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	Label             string `json:"label,omitempty"`

	// Deliver routes the run's output to the origin below. When false the
	// output is only recorded on the session.
	Deliver   bool   `json:"deliver"`
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`

	Lane           string `json:"lane,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Timeout bounds the run. Zero means no limit beyond manager shutdown.
	Timeout time.Duration `json:"-"`
}

// Result is the outcome of a finished run.
type Result struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	Lane       string    `json:"lane,omitempty"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	QueuedAt   time.Time `json:"queuedAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	EndedAt    time.Time `json:"endedAt,omitzero"`
}
