// Package store is the SQLite persistence layer: conversations, append-only
// message logs, scheduled tasks, role grants, and per-conversation config.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle. All operations are synchronous and
// self-contained; SQLite's single-writer model serializes concurrent writers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns existed.
	_, _ = db.Exec(`ALTER TABLE conversations ADD COLUMN boundary_msg_id INTEGER NOT NULL DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE scheduled_tasks ADD COLUMN silent INTEGER NOT NULL DEFAULT 0`)

	return &Store{db: db}, nil
}

// Close closes the underlying database. Operations after Close fail hard.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// --- Conversations ---

// EnsureConversation creates the conversation row on first contact and bumps
// updated_at on every later call.
func (s *Store) EnsureConversation(id, title string) error {
	now := nowMs()
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END`,
		id, title, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation %s: %w", id, err)
	}
	return nil
}

// GetConversation returns the conversation or sql.ErrNoRows.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(`
		SELECT id, title, boundary_msg_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.BoundaryMsgID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetBoundary advances the conversation's session boundary watermark.
func (s *Store) SetBoundary(conversationID string, msgID int64) error {
	_, err := s.db.Exec(`
		UPDATE conversations SET boundary_msg_id = ?, updated_at = ? WHERE id = ?`,
		msgID, nowMs(), conversationID)
	return err
}

// --- Messages ---

// AppendMessage writes one message row and returns its id.
func (s *Store) AppendMessage(conversationID, role, content string, attachments []string) (int64, error) {
	att := "[]"
	if len(attachments) > 0 {
		raw, err := json.Marshal(attachments)
		if err != nil {
			return 0, fmt.Errorf("encode attachments: %w", err)
		}
		att = string(raw)
	}
	now := nowMs()
	res, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, role, content, att, now, now)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, _ = s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return id, nil
}

// MessagesSinceBoundary returns the conversation's messages above its session
// boundary, oldest first, capped at limit (0 = no cap).
func (s *Store) MessagesSinceBoundary(conversationID string, limit int) ([]Message, error) {
	q := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.attachments, m.created_at, m.updated_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ? AND m.id > c.boundary_msg_id
		ORDER BY m.id ASC`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LatestMessageID returns the highest message id in the conversation, or 0.
func (s *Store) LatestMessageID(conversationID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var att string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &att, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if att != "" && att != "[]" {
			_ = json.Unmarshal([]byte(att), &m.Attachments)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Scheduled tasks ---

// CreateTask inserts a task and returns its id. NextRun must be precomputed
// by the caller from the cron expression.
func (s *Store) CreateTask(t *ScheduledTask) (int64, error) {
	now := nowMs()
	res, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (conversation_id, cron_expr, prompt, active, silent, next_run, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ConversationID, t.CronExpr, t.Prompt, boolInt(t.Active), boolInt(t.Silent), t.NextRun, t.CreatedBy, now, now)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return res.LastInsertId()
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(now int64) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, cron_expr, prompt, active, silent, next_run, created_by, created_at, updated_at
		FROM scheduled_tasks WHERE active = 1 AND next_run <= ?
		ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns every task for a conversation, newest first.
func (s *Store) ListTasks(conversationID string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, cron_expr, prompt, active, silent, next_run, created_by, created_at, updated_at
		FROM scheduled_tasks WHERE conversation_id = ?
		ORDER BY id DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask returns one task or sql.ErrNoRows.
func (s *Store) GetTask(id int64) (*ScheduledTask, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, cron_expr, prompt, active, silent, next_run, created_by, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?`, id)
	var t ScheduledTask
	var active, silent int
	err := row.Scan(&t.ID, &t.ConversationID, &t.CronExpr, &t.Prompt, &active, &silent, &t.NextRun, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Active = active != 0
	t.Silent = silent != 0
	return &t, nil
}

// SetTaskNextRun persists the precomputed next run timestamp.
func (s *Store) SetTaskNextRun(id int64, nextRun int64) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ?, updated_at = ? WHERE id = ?`, nextRun, nowMs(), id)
	return err
}

// SetTaskActive pauses or resumes a task.
func (s *Store) SetTaskActive(id int64, active bool) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET active = ?, updated_at = ? WHERE id = ?`, boolInt(active), nowMs(), id)
	return err
}

// DeleteTask removes a task permanently.
func (s *Store) DeleteTask(id int64) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var active, silent int
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.CronExpr, &t.Prompt, &active, &silent, &t.NextRun, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Active = active != 0
		t.Silent = silent != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Role grants ---

// GetRole returns the caller's stored role, or "" when no grant exists.
func (s *Store) GetRole(conversationID, callerID string) (string, error) {
	var role string
	err := s.db.QueryRow(`
		SELECT role FROM group_roles WHERE conversation_id = ? AND caller_id = ?`,
		conversationID, callerID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// EnsureRole inserts a role grant only when the caller has none yet. An
// existing grant is never downgraded by this call.
func (s *Store) EnsureRole(conversationID, callerID, role, grantedBy string) error {
	now := nowMs()
	_, err := s.db.Exec(`
		INSERT INTO group_roles (conversation_id, caller_id, role, granted_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, caller_id) DO NOTHING`,
		conversationID, callerID, role, grantedBy, now, now)
	return err
}

// SetRole grants or replaces a caller's role.
func (s *Store) SetRole(conversationID, callerID, role, grantedBy string) error {
	now := nowMs()
	_, err := s.db.Exec(`
		INSERT INTO group_roles (conversation_id, caller_id, role, granted_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, caller_id) DO UPDATE SET
			role = excluded.role, granted_by = excluded.granted_by, updated_at = excluded.updated_at`,
		conversationID, callerID, role, grantedBy, now, now)
	return err
}

// RevokeRole deletes a caller's grant; the caller falls back to the default role.
func (s *Store) RevokeRole(conversationID, callerID string) error {
	_, err := s.db.Exec(`DELETE FROM group_roles WHERE conversation_id = ? AND caller_id = ?`, conversationID, callerID)
	return err
}

// ListRoles returns every grant in a conversation.
func (s *Store) ListRoles(conversationID string) ([]RoleGrant, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, caller_id, role, granted_by, created_at, updated_at
		FROM group_roles WHERE conversation_id = ? ORDER BY caller_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.ConversationID, &g.CallerID, &g.Role, &g.GrantedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Per-conversation config ---

// GetConfig returns the value for key. The bool distinguishes an explicitly
// stored empty value from an absent key.
func (s *Store) GetConfig(conversationID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`
		SELECT value FROM group_config WHERE conversation_id = ? AND key = ?`,
		conversationID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetConfig upserts one config entry.
func (s *Store) SetConfig(conversationID, key, value, updatedBy string) error {
	_, err := s.db.Exec(`
		INSERT INTO group_config (conversation_id, key, value, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, key) DO UPDATE SET
			value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		conversationID, key, value, updatedBy, nowMs())
	return err
}

// ListConfig returns every override for a conversation.
func (s *Store) ListConfig(conversationID string) ([]ConfigEntry, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, key, value, updated_by, updated_at
		FROM group_config WHERE conversation_id = ? ORDER BY key`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.ConversationID, &e.Key, &e.Value, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
