package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/carepath/carepath/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Conversations ---

func (s *LibSQLStore) EnsureConversation(ctx context.Context, id, senderID string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "conversation id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, sender_id) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`,
		id, nullStr(senderID),
	)
	return err
}

func (s *LibSQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{}
	var senderID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &senderID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("conversation", id)
	}
	if err != nil {
		return nil, err
	}
	c.SenderID = senderID.String
	return c, nil
}

// --- Turns ---

// AppendTurn appends a single turn with the next per-conversation sequence.
func (s *LibSQLStore) AppendTurn(ctx context.Context, turn *Turn) error {
	return s.RecordExchange(ctx, []*Turn{turn}, nil)
}

// RecordExchange appends one or more turns and an optional audit record in a
// single transaction. Sequences are assigned consecutively under a write lock
// so concurrent writers cannot interleave reads and inserts.
func (s *LibSQLStore) RecordExchange(ctx context.Context, turns []*Turn, audit *AuditRecord) error {
	if len(turns) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "no turns to record")
	}
	conversationID := turns[0].ConversationID
	for _, t := range turns {
		if t.ConversationID != conversationID {
			return schema.NewError(schema.ErrCodeValidation, "all turns must belong to one conversation")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. Force
	// immediate write-lock acquisition with a write-intent noop so the
	// sequence read below cannot race another writer.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM turns WHERE conversation_id = ?`, conversationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	for _, t := range turns {
		seq++
		t.Sequence = seq
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turns (id, conversation_id, run_id, role, content, content_json, triage_level, degraded, sequence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ConversationID, nullStr(t.RunID), t.Role, t.Content,
			nullRaw(t.ContentJSON), nullStr(t.TriageLevel), boolInt(t.Degraded), t.Sequence, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListTurns(ctx context.Context, conversationID string, filter TurnFilter) ([]*Turn, error) {
	where := []string{"conversation_id = ?"}
	args := []any{conversationID}

	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.SinceSeq > 0 {
		where = append(where, "sequence > ?")
		args = append(args, filter.SinceSeq)
	}

	query := `SELECT id, conversation_id, run_id, role, content, content_json, triage_level, degraded, sequence, created_at
	 FROM turns WHERE ` + strings.Join(where, " AND ") + " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t := &Turn{}
		var runID, triage, contentJSON sql.NullString
		var degraded int
		if err := rows.Scan(&t.ID, &t.ConversationID, &runID, &t.Role, &t.Content,
			&contentJSON, &triage, &degraded, &t.Sequence, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.RunID = runID.String
		t.TriageLevel = triage.String
		t.ContentJSON = rawOrNil(contentJSON)
		t.Degraded = degraded != 0
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *LibSQLStore) CountTurns(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, conversationID,
	).Scan(&n)
	return n, err
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec *AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (conversation_id, run_id, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullStr(rec.ConversationID), nullStr(rec.RunID), rec.Action, nullRaw(rec.Detail), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	var where []string
	var args []any

	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, conversation_id, run_id, action, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		r := &AuditRecord{}
		var convID, runID, detail sql.NullString
		if err := rows.Scan(&r.ID, &convID, &runID, &r.Action, &detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ConversationID = convID.String
		r.RunID = runID.String
		r.Detail = rawOrNil(detail)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CarepathError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
