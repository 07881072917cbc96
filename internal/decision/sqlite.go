// ABOUTME: SQLite implementation of the decision Store using modernc.org/sqlite
// ABOUTME: Creates its schema on open and resolves decisions with a conditional UPDATE

package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a durable Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "decisions")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("decision store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS decisions (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			title           TEXT NOT NULL,
			question        TEXT NOT NULL,
			question_html   TEXT NOT NULL DEFAULT '',
			options_json    TEXT NOT NULL DEFAULT '[]',
			session_key     TEXT NOT NULL DEFAULT '',
			agent_id        TEXT NOT NULL DEFAULT '',
			goal_id         TEXT NOT NULL DEFAULT '',
			assignment_id   TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			resolved_at     TEXT,
			responded_by    TEXT,
			response_json   TEXT,

			CHECK (type IN ('binary', 'choice', 'text', 'confirmation')),
			CHECK (status IN ('pending', 'resolved', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
		CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_key);
		CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `
	SELECT id, type, title, question, question_html, options_json,
	       session_key, agent_id, goal_id, assignment_id,
	       status, timeout_minutes, created_at, resolved_at, responded_by, response_json
	FROM decisions`

func (s *SQLiteStore) Create(ctx context.Context, d *Decision) error {
	options, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}

	query := `
		INSERT INTO decisions (id, type, title, question, question_html, options_json,
			session_key, agent_id, goal_id, assignment_id, status, timeout_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		string(d.Type),
		d.Title,
		d.Question,
		d.QuestionHTML,
		string(options),
		d.Context.SessionKey,
		d.Context.AgentID,
		d.Context.GoalID,
		d.Context.AssignmentID,
		string(d.Status),
		d.TimeoutMinutes,
		d.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("inserting decision: %w", err)
	}

	s.logger.Debug("created decision", "id", d.ID, "type", d.Type)
	return nil
}

func (s *SQLiteStore) Respond(ctx context.Context, id string, answer Answer, by Responder, at time.Time) (*Decision, error) {
	d, err := s.Get(ctx, id)
	if err != nil || d == nil || d.Status != StatusPending {
		return nil, err
	}
	matched, err := MatchAnswer(d, answer)
	if err != nil {
		return nil, err
	}

	respondedBy, err := json.Marshal(by)
	if err != nil {
		return nil, fmt.Errorf("encoding responder: %w", err)
	}
	response, err := json.Marshal(matched)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions
		SET status = ?, resolved_at = ?, responded_by = ?, response_json = ?
		WHERE id = ? AND status = ?
	`, string(StatusResolved), at.UTC().Format(timeLayout), string(respondedBy), string(response), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("resolving decision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("resolving decision: %w", err)
	} else if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Expire(ctx context.Context, id string, at time.Time) (*Decision, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusExpired), at.UTC().Format(timeLayout), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("expiring decision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("expiring decision: %w", err)
	} else if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Decision, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionKey != "" {
		where = append(where, "session_key = ?")
		args = append(args, f.SessionKey)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*Decision, error) {
	var (
		d                                 Decision
		typ, status, options, createdAt   string
		resolvedAt, respondedBy, response sql.NullString
	)
	err := row.Scan(
		&d.ID, &typ, &d.Title, &d.Question, &d.QuestionHTML, &options,
		&d.Context.SessionKey, &d.Context.AgentID, &d.Context.GoalID, &d.Context.AssignmentID,
		&status, &d.TimeoutMinutes, &createdAt, &resolvedAt, &respondedBy, &response,
	)
	if err != nil {
		return nil, err
	}
	d.Type = Type(typ)
	d.Status = Status(status)

	if err := json.Unmarshal([]byte(options), &d.Options); err != nil {
		return nil, fmt.Errorf("decoding options of %s: %w", d.ID, err)
	}
	if len(d.Options) == 0 {
		d.Options = nil
	}
	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", d.ID, err)
	}
	if resolvedAt.Valid {
		if d.ResolvedAt, err = time.Parse(timeLayout, resolvedAt.String); err != nil {
			return nil, fmt.Errorf("parsing resolved_at of %s: %w", d.ID, err)
		}
	}
	if respondedBy.Valid {
		var r Responder
		if err := json.Unmarshal([]byte(respondedBy.String), &r); err != nil {
			return nil, fmt.Errorf("decoding responder of %s: %w", d.ID, err)
		}
		d.RespondedBy = &r
	}
	if response.Valid {
		var a Answer
		if err := json.Unmarshal([]byte(response.String), &a); err != nil {
			return nil, fmt.Errorf("decoding response of %s: %w", d.ID, err)
		}
		d.Response = &a
	}
	return &d, nil
}
