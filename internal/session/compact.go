// ABOUTME: Transcript compaction for sessions.compact
// ABOUTME: Trims transcripts outside the store lock and resets token counters in a second short transaction

package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/clawgate/internal/apierr"
)

// CompactParams are the sessions.compact parameters.
type CompactParams struct {
	Key      string `json:"key"`
	MaxLines *int   `json:"maxLines,omitempty"`
}

// CompactResult is returned by Compact.
type CompactResult struct {
	OK        bool   `json:"ok"`
	Key       string `json:"key"`
	Compacted bool   `json:"compacted"`
	Kept      int    `json:"kept,omitempty"`
	Archived  string `json:"archived,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Compact keeps the last maxLines non-blank transcript lines of a session.
// The pre-trim transcript is archived, never overwritten.
func (s *Service) Compact(ctx context.Context, p CompactParams) (*CompactResult, error) {
	maxLines := s.cfg.Get().Session.CompactMaxLines
	if p.MaxLines != nil {
		maxLines = *p.MaxLines
	}
	if maxLines < 1 {
		return nil, apierr.InvalidRequest("maxLines must be at least 1")
	}

	k, candidates, path, err := s.resolve(p.Key)
	if err != nil {
		return nil, err
	}
	key := k.String()

	var transcript string
	var found bool
	err = s.store.Update(ctx, path, func(store Map) error {
		_, entry := ResolveCanonicalEntry(store, key, candidates)
		if entry != nil {
			found = true
			transcript = TranscriptPath(path, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &CompactResult{OK: true, Key: key}
	if !found {
		res.Reason = "no session"
		return res, nil
	}

	data, err := os.ReadFile(transcript)
	if errors.Is(err, os.ErrNotExist) {
		res.Reason = "no transcript"
		return res, nil
	}
	if err != nil {
		return nil, apierr.Wrap(err, "reading transcript")
	}

	lines := nonBlankLines(data)
	if len(lines) <= maxLines {
		res.Kept = len(lines)
		res.Reason = "within limit"
		return res, nil
	}
	kept := lines[len(lines)-maxLines:]

	archived, err := s.replaceTranscript(transcript, kept)
	if err != nil {
		return nil, err
	}

	err = s.store.Update(ctx, path, func(store Map) error {
		if entry, ok := store[key]; ok {
			entry.InputTokens = 0
			entry.OutputTokens = 0
			entry.TotalTokens = 0
			entry.UpdatedAt = s.now().UnixMilli()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Compacted = true
	res.Kept = len(kept)
	res.Archived = archived
	s.logger.Info("session compacted", "key", key, "kept", len(kept), "dropped", len(lines)-len(kept))
	s.publish(key, "compact")
	return res, nil
}

// replaceTranscript writes kept to a temp file, archives the current
// transcript and moves the temp file into place.
func (s *Service) replaceTranscript(transcript string, kept []string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(transcript), filepath.Base(transcript)+".*.tmp")
	if err != nil {
		return "", apierr.Wrap(err, "writing compacted transcript")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		_, _ = w.WriteString(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return "", apierr.Wrap(err, "writing compacted transcript")
	}
	if err := tmp.Close(); err != nil {
		return "", apierr.Wrap(err, "writing compacted transcript")
	}

	archived, err := ArchiveFile(transcript, ArchiveBackup, s.now())
	if err != nil {
		return "", apierr.Wrap(err, "archiving transcript")
	}
	if err := os.Rename(tmpName, transcript); err != nil {
		return "", apierr.Wrap(err, "replacing transcript")
	}
	return archived, nil
}

func nonBlankLines(data []byte) []string {
	var out []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := strings.TrimRight(string(line), "\r")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
