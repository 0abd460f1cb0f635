// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/partscout/partscout/internal/conversation"
	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

// Compile-time interface checks.
var (
	_ store.ConversationStore = (*conversationStore)(nil)
	_ store.AuditStore        = (*auditStore)(nil)
)

// StateStore holds sessions, their messages and the audit log in a single
// SQLite database.
type StateStore struct {
	db            *sql.DB
	conversations *conversationStore
	audit         *auditStore
}

// NewStateStore opens (or creates) a SQLite database at dbPath and
// initialises the sessions, messages and audit_log tables.
func NewStateStore(dbPath string) (*StateStore, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := migrateState(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating state db: %w", err)
	}

	return &StateStore{
		db:            db,
		conversations: &conversationStore{db: db},
		audit:         &auditStore{db: db},
	}, nil
}

func migrateState(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT '',
	tool       TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	details    TEXT NOT NULL DEFAULT '{}',
	result     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action    ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_session   ON audit_log(session_id);
`
	_, err := db.Exec(ddl)
	return err
}

// Conversations returns the conversation sub-store.
func (s *StateStore) Conversations() store.ConversationStore { return s.conversations }

// Audit returns the audit log sub-store.
func (s *StateStore) Audit() store.AuditStore { return s.audit }

// Close closes the underlying database connection.
func (s *StateStore) Close() error { return s.db.Close() }

// ---------- conversationStore ----------

type conversationStore struct {
	db *sql.DB
}

func (s *conversationStore) Load(ctx context.Context, sessionID string) (conversation.Conversation, error) {
	if sessionID == "" {
		return nil, store.InvalidInput("session id is required")
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, store.Database(err, "looking up session "+sessionID)
	}
	if exists == 0 {
		return nil, store.NotFound("session " + sessionID + " not found")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, store.Database(err, "loading messages for session "+sessionID)
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	conv := conversation.Conversation{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, store.Database(err, "scanning message row")
		}
		var msg conversation.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("unmarshalling message of session %s: %w", sessionID, err)
		}
		conv = append(conv, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Database(err, "iterating messages")
	}
	return conv, nil
}

func (s *conversationStore) Append(ctx context.Context, sessionID string, msgs ...conversation.Message) error {
	if sessionID == "" {
		return store.InvalidInput("session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Database(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	const upsert = `INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, sessionID, now, now); err != nil {
		return store.Database(err, "upserting session "+sessionID)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return store.Database(err, "reading message sequence")
	}

	const ins = `INSERT INTO messages (session_id, seq, role, body, created_at) VALUES (?, ?, ?, ?, ?)`
	for i, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshalling message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ins, sessionID, next+i, string(msg.Role), string(body), now); err != nil {
			return store.Database(err, "inserting message")
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Database(err, "committing messages")
	}
	return nil
}

func (s *conversationStore) Delete(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return store.Database(err, "deleting session "+sessionID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return store.Database(err, "checking rows affected")
	}
	if rows == 0 {
		return store.NotFound("session " + sessionID + " not found")
	}
	return nil
}

// ---------- auditStore ----------

type auditStore struct {
	db *sql.DB
}

// defaultAuditLimit caps Query when the filter sets no limit.
const defaultAuditLimit = 1000

func (s *auditStore) Append(ctx context.Context, entry *store.AuditEntry) error {
	details := []byte("{}")
	if len(entry.Details) > 0 {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return store.InvalidInput("audit details are not JSON-serializable: "+err.Error(),
				pserr.Field("audit_id", entry.ID))
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log
		(id, timestamp, action, actor, role, tool, session_id, details, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.Action, entry.Actor,
		entry.Role, entry.Tool, entry.SessionID, string(details), entry.Result,
	)
	if err != nil {
		return store.Database(err, "appending audit entry", pserr.Field("audit_id", entry.ID))
	}
	return nil
}

// auditWhere renders the non-zero fields of f as a WHERE clause.
func auditWhere(f store.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	eq("action", f.Action)
	eq("role", f.Role)
	eq("tool", f.Tool)
	eq("session_id", f.SessionID)
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, formatTime(f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching entries oldest first. From is inclusive, To exclusive.
func (s *auditStore) Query(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	where, args := auditWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, actor, role, tool, session_id, details, result FROM audit_log`+
			where+` ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, store.Database(err, "querying audit log")
	}
	defer func() { _ = rows.Close() }()

	var entries []*store.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Database(err, "iterating audit log")
	}
	return entries, nil
}

func scanAuditEntry(rows *sql.Rows) (*store.AuditEntry, error) {
	var (
		e       store.AuditEntry
		ts      string
		details string
	)
	if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Actor, &e.Role,
		&e.Tool, &e.SessionID, &details, &e.Result); err != nil {
		return nil, store.Database(err, "scanning audit row")
	}
	var err error
	if e.Timestamp, err = ParseTime(ts); err != nil {
		return nil, store.Database(err, "parsing audit timestamp", pserr.Field("audit_id", e.ID))
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, store.Database(err, "decoding audit details", pserr.Field("audit_id", e.ID))
		}
	}
	return &e, nil
}
