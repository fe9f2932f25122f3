// Package store persists call records and the user public-key directory
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waveline/callrelay/internal/call"
)

// SQLiteStore holds call history and published user keys. database/sql
// serializes access; a single writer with WAL is enough at signaling
// volumes.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives
// an ephemeral store for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		chat_ref TEXT NOT NULL,
		caller_id TEXT NOT NULL,
		recipient_ids TEXT NOT NULL,      -- JSON array of user ids
		call_type TEXT NOT NULL CHECK(call_type IN ('audio', 'video')),
		status TEXT NOT NULL DEFAULT 'missed'
			CHECK(status IN ('missed', 'answered', 'rejected', 'completed')),
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration_secs INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_chat ON calls(chat_ref, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, created_at DESC);

	-- Published key material, one row per user. Only the public half is
	-- ever stored; private keys never reach the relay.
	CREATE TABLE IF NOT EXISTS user_keys (
		user_id TEXT PRIMARY KEY,
		public_key BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateCall inserts a new call record and returns the stored form.
func (s *SQLiteStore) CreateCall(ctx context.Context, c *call.Call) (*call.Call, error) {
	recipients, err := json.Marshal(c.RecipientIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipients: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, chat_ref, caller_id, recipient_ids, call_type,
			status, start_time, duration_secs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, c.ID, c.ChatRef, c.CallerID, string(recipients), string(c.Type),
		string(c.Status), c.StartTime.Unix(), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert call: %w", err)
	}

	return s.GetCall(ctx, c.ID)
}

// UpdateCallStatus transitions a call record. endTime is nil for
// non-terminal transitions.
func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, callID string, status call.Status, endTime *time.Time, durationSeconds int64) (*call.Call, error) {
	now := time.Now().Unix()

	var result sql.Result
	var err error
	if endTime != nil {
		result, err = s.db.ExecContext(ctx, `
			UPDATE calls
			SET status = ?, end_time = ?, duration_secs = ?, updated_at = ?
			WHERE call_id = ?
		`, string(status), endTime.Unix(), durationSeconds, now, callID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE calls
			SET status = ?, updated_at = ?
			WHERE call_id = ?
		`, string(status), now, callID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update call status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, call.ErrCallNotFound
	}

	return s.GetCall(ctx, callID)
}

// GetCall returns a call record by id.
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (*call.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, chat_ref, caller_id, recipient_ids, call_type,
			status, start_time, end_time, duration_secs, created_at, updated_at
		FROM calls
		WHERE call_id = ?
	`, callID)

	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, call.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return c, nil
}

// ListCallsForUser returns calls the user placed or received, newest
// first.
func (s *SQLiteStore) ListCallsForUser(ctx context.Context, userID string) ([]*call.Call, error) {
	// Recipients are a JSON array; match the quoted id inside it.
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, chat_ref, caller_id, recipient_ids, call_type,
			status, start_time, end_time, duration_secs, created_at, updated_at
		FROM calls
		WHERE caller_id = ? OR instr(recipient_ids, ?) > 0
		ORDER BY created_at DESC, rowid DESC
	`, userID, `"`+userID+`"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls for user: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// ListCallsForChat returns a chat's calls, newest first.
func (s *SQLiteStore) ListCallsForChat(ctx context.Context, chatRef string) ([]*call.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, chat_ref, caller_id, recipient_ids, call_type,
			status, start_time, end_time, duration_secs, created_at, updated_at
		FROM calls
		WHERE chat_ref = ?
		ORDER BY created_at DESC, rowid DESC
	`, chatRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls for chat: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// PutUserPublicKey publishes (or replaces) a user's public key.
func (s *SQLiteStore) PutUserPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_keys (user_id, public_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			public_key = excluded.public_key,
			updated_at = excluded.updated_at
	`, userID, publicKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store user public key: %w", err)
	}
	return nil
}

// GetUserPublicKey returns the user's published public key, or (nil, nil)
// when the user has never published one.
func (s *SQLiteStore) GetUserPublicKey(ctx context.Context, userID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT public_key FROM user_keys WHERE user_id = ?
	`, userID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user public key: %w", err)
	}
	return key, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*call.Call, error) {
	var c call.Call
	var recipients, typ, status string
	var startTime, createdAt, updatedAt int64
	var endTime sql.NullInt64

	err := row.Scan(&c.ID, &c.ChatRef, &c.CallerID, &recipients, &typ,
		&status, &startTime, &endTime, &c.DurationSeconds, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(recipients), &c.RecipientIDs); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	c.Type = call.Type(typ)
	c.Status = call.Status(status)
	c.StartTime = time.Unix(startTime, 0).UTC()
	if endTime.Valid {
		et := time.Unix(endTime.Int64, 0).UTC()
		c.EndTime = &et
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func collectCalls(rows *sql.Rows) ([]*call.Call, error) {
	var calls []*call.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call rows: %w", err)
	}
	return calls, nil
}
