// ABOUTME: File layout for session stores and transcripts
// ABOUTME: Resolves per-agent store paths from config and transcript paths from entries

package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/clawgate/internal/config"
)

// StorePath returns the session store file for agentID.
// session.store may be a template containing {agentId}.
func StorePath(cfg *config.Config, agentID string) string {
	if tmpl := strings.TrimSpace(cfg.Session.Store); tmpl != "" {
		p := strings.ReplaceAll(tmpl, "{agentId}", agentID)
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		return p
	}
	return filepath.Join(cfg.StateDir, "agents", agentID, "sessions", "sessions.json")
}

// TranscriptPath returns the transcript file of e in the store at storePath.
func TranscriptPath(storePath string, e *Entry) string {
	if e == nil {
		return ""
	}
	dir := filepath.Dir(storePath)
	if e.SessionFile != "" {
		if filepath.IsAbs(e.SessionFile) {
			return e.SessionFile
		}
		return filepath.Join(dir, e.SessionFile)
	}
	if e.SessionID == "" {
		return ""
	}
	return filepath.Join(dir, e.SessionID+".jsonl")
}
