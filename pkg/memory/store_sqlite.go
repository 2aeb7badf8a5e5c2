package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical durable store for contacts, sessions,
// messages, operator notes, fact batches and background jobs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the engine database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			memory_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			archived_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS contacts_org_idx ON contacts(org_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS contact_identifiers (
			org_id TEXT NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			identifier TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(org_id, identifier)
		);`,
		`CREATE INDEX IF NOT EXISTS contact_identifiers_contact_idx ON contact_identifiers(contact_id);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			summary_through_seq INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_message_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_key_idx ON sessions(org_id, contact_id, channel, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions(status, last_message_at_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_json TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS operator_notes (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			archived_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS operator_notes_target_idx ON operator_notes(target_kind, target_id, status, priority DESC, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS fact_batches (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			from_seq INTEGER NOT NULL,
			to_seq INTEGER NOT NULL,
			diff_json TEXT NOT NULL DEFAULT '{}',
			applied_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS fact_batches_contact_idx ON fact_batches(contact_id, applied_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			attempts INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS metrics_metric_idx ON metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeMemory(mem StructuredMemory) string {
	b, err := json.Marshal(mem)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMemory(raw string) StructuredMemory {
	out := StructuredMemory{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (s *SQLiteStore) CreateContact(ctx context.Context, orgID string) (Contact, error) {
	now := nowMS()
	contact := Contact{
		ID:          "ct-" + uuid.NewString(),
		OrgID:       orgID,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contacts(id, org_id, memory_json, created_at_ms, updated_at_ms, archived_at_ms)
VALUES(?, ?, '{}', ?, ?, 0)`, contact.ID, orgID, now, now)
	if err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, contactID string) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, org_id, memory_json, created_at_ms, updated_at_ms, archived_at_ms
FROM contacts WHERE id = ?`, contactID)
	var out Contact
	var memRaw string
	if err := row.Scan(&out.ID, &out.OrgID, &memRaw, &out.CreatedAtMS, &out.UpdatedAtMS, &out.ArchivedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, fmt.Errorf("get contact %s: %w", contactID, ErrContactNotFound)
		}
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	out.Memory = decodeMemory(memRaw)
	ids, err := s.ListIdentifiers(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	out.Identifiers = ids
	return out, nil
}

func (s *SQLiteStore) LookupContactByIdentifier(ctx context.Context, orgID, normalized string) (string, int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT contact_id FROM contact_identifiers
WHERE org_id = ? AND identifier = ?`, orgID, normalized)
	if err != nil {
		return "", 0, fmt.Errorf("lookup identifier: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", 0, fmt.Errorf("scan identifier owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("iterate identifier owners: %w", err)
	}
	if len(owners) == 0 {
		return "", 0, nil
	}
	return owners[0], len(owners), nil
}

// BindIdentifier inserts one (org, identifier) binding. Uniqueness is
// enforced by the primary key: rebinding to the same contact is a no-op,
// binding to a different contact returns ErrIdentityConflict.
func (s *SQLiteStore) BindIdentifier(ctx context.Context, id Identifier) error {
	if id.CreatedAtMS == 0 {
		id.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contact_identifiers(org_id, channel, identifier, contact_id, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, id.OrgID, id.Channel, id.Value, id.ContactID, id.CreatedAtMS)
	if err == nil {
		return nil
	}

	var owner string
	lookupErr := s.db.QueryRowContext(ctx, `
SELECT contact_id FROM contact_identifiers
WHERE org_id = ? AND identifier = ?`, id.OrgID, id.Value).Scan(&owner)
	if lookupErr == nil {
		if owner == id.ContactID {
			return nil
		}
		return fmt.Errorf("bind %q in org %q: %w", id.Value, id.OrgID, ErrIdentityConflict)
	}
	return fmt.Errorf("bind identifier: %w", err)
}

func (s *SQLiteStore) ListIdentifiers(ctx context.Context, contactID string) ([]Identifier, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT org_id, channel, identifier, contact_id, created_at_ms
FROM contact_identifiers WHERE contact_id = ?
ORDER BY created_at_ms`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	out := []Identifier{}
	for rows.Next() {
		var id Identifier
		if err := rows.Scan(&id.OrgID, &id.Channel, &id.Value, &id.ContactID, &id.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identifiers: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetContactMemory(ctx context.Context, contactID string) (StructuredMemory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT memory_json FROM contacts WHERE id = ?`, contactID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StructuredMemory{}, fmt.Errorf("get memory for %s: %w", contactID, ErrContactNotFound)
		}
		return StructuredMemory{}, fmt.Errorf("get contact memory: %w", err)
	}
	return decodeMemory(raw), nil
}

func (s *SQLiteStore) SetContactMemory(ctx context.Context, contactID string, mem StructuredMemory) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE contacts SET memory_json = ?, updated_at_ms = ? WHERE id = ?`,
		encodeMemory(mem), nowMS(), contactID)
	if err != nil {
		return fmt.Errorf("set contact memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveContact(ctx context.Context, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE contacts SET archived_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		nowMS(), nowMS(), contactID)
	if err != nil {
		return fmt.Errorf("archive contact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, orgID, contactID, channel string) (Session, error) {
	now := nowMS()
	sess := Session{
		ID:          "sn-" + uuid.NewString(),
		OrgID:       orgID,
		ContactID:   contactID,
		Channel:     channel,
		Status:      SessionActive,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, org_id, contact_id, channel, status, summary, summary_through_seq, message_count, last_message_at_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, '', 0, 0, 0, ?, ?)`, sess.ID, orgID, contactID, channel, SessionActive, now, now)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var out Session
	err := row.Scan(&out.ID, &out.OrgID, &out.ContactID, &out.Channel, &out.Status, &out.Summary,
		&out.SummaryThroughSeq, &out.MessageCount, &out.LastMessageAtMS, &out.CreatedAtMS, &out.UpdatedAtMS)
	return out, err
}

const sessionColumns = `id, org_id, contact_id, channel, status, summary, summary_through_seq, message_count, last_message_at_ms, created_at_ms, updated_at_ms`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LatestSession(ctx context.Context, orgID, contactID, channel string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE org_id = ? AND contact_id = ? AND channel = ?
ORDER BY created_at_ms DESC LIMIT 1`, orgID, contactID, channel)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("latest session: %w", err)
	}
	return out, true, nil
}

func (s *SQLiteStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, updated_at_ms = ? WHERE id = ?`, status, nowMS(), sessionID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetSessionSummary(ctx context.Context, sessionID, summary string, throughSeq int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET summary = ?, summary_through_seq = ?, updated_at_ms = ? WHERE id = ?`,
		summary, throughSeq, nowMS(), sessionID)
	if err != nil {
		return fmt.Errorf("set session summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessionsLastActiveBefore(ctx context.Context, cutoffMS int64, status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE status = ? AND last_message_at_ms > 0 AND last_message_at_ms < ?
ORDER BY last_message_at_ms ASC
LIMIT ?`, status, cutoffMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list lapsed sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.SessionID) == "" {
		return Message{}, fmt.Errorf("append message: empty session_id")
	}
	if strings.TrimSpace(msg.Role) == "" {
		return Message{}, fmt.Errorf("append message: empty role")
	}
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	created := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, msg.SessionID)
	if err := row.Scan(&msg.Seq); err != nil {
		return Message{}, fmt.Errorf("append message next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, seq, role, content, tool_call_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`, msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, msg.ToolCall, created); err != nil {
		return Message{}, fmt.Errorf("append message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET message_count = message_count + 1, last_message_at_ms = ?, updated_at_ms = ?
WHERE id = ?`, created, created, msg.SessionID); err != nil {
		return Message{}, fmt.Errorf("append message update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("append message commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, seq, role, content, tool_call_json, created_at_ms
FROM messages
WHERE session_id = ? AND seq > ?
ORDER BY seq DESC
LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages after seq: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListMessageRange(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, seq, role, content, tool_call_json, created_at_ms
FROM messages
WHERE session_id = ? AND seq >= ? AND seq <= ?
ORDER BY seq ASC`, sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("list message range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.ToolCall, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddNote(ctx context.Context, note OperatorNote) (OperatorNote, error) {
	if note.ID == "" {
		note.ID = "note-" + uuid.NewString()
	}
	if note.Status == "" {
		note.Status = NoteActive
	}
	if note.CreatedAtMS == 0 {
		note.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO operator_notes(id, org_id, target_kind, target_id, content, category, priority, status, author, created_at_ms, archived_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		note.ID, note.OrgID, note.TargetKind, note.TargetID, note.Content, note.Category,
		note.Priority, note.Status, note.Author, note.CreatedAtMS)
	if err != nil {
		return OperatorNote{}, fmt.Errorf("add note: %w", err)
	}
	return note, nil
}

func (s *SQLiteStore) ArchiveNote(ctx context.Context, noteID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE operator_notes SET status = ?, archived_at_ms = ? WHERE id = ? AND status = ?`,
		NoteArchived, nowMS(), noteID, NoteActive)
	if err != nil {
		return fmt.Errorf("archive note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive note %s: %w", noteID, ErrNoteNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListActiveNotes(ctx context.Context, targetKind, targetID string, limit int) ([]OperatorNote, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, org_id, target_kind, target_id, content, category, priority, status, author, created_at_ms, archived_at_ms
FROM operator_notes
WHERE target_kind = ? AND target_id = ? AND status = ?
ORDER BY priority DESC, created_at_ms DESC
LIMIT ?`, targetKind, targetID, NoteActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list active notes: %w", err)
	}
	defer rows.Close()

	out := []OperatorNote{}
	for rows.Next() {
		var n OperatorNote
		if err := rows.Scan(&n.ID, &n.OrgID, &n.TargetKind, &n.TargetID, &n.Content, &n.Category,
			&n.Priority, &n.Status, &n.Author, &n.CreatedAtMS, &n.ArchivedAtMS); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountActiveNotes(ctx context.Context, targetKind, targetID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM operator_notes
WHERE target_kind = ? AND target_id = ? AND status = ?`, targetKind, targetID, NoteActive)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active notes: %w", err)
	}
	return n, nil
}

// RecordFactBatch applies one extraction pass atomically: the merged
// memory and the provenance row commit together or not at all.
func (s *SQLiteStore) RecordFactBatch(ctx context.Context, batch FactBatch, mem StructuredMemory) error {
	if batch.ID == "" {
		batch.ID = "fb-" + uuid.NewString()
	}
	if batch.AppliedAtMS == 0 {
		batch.AppliedAtMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record fact batch begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE contacts SET memory_json = ?, updated_at_ms = ? WHERE id = ?`,
		encodeMemory(mem), batch.AppliedAtMS, batch.ContactID); err != nil {
		return fmt.Errorf("record fact batch memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO fact_batches(id, contact_id, session_id, from_seq, to_seq, diff_json, applied_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.ContactID, batch.SessionID, batch.FromSeq, batch.ToSeq, batch.DiffJSON, batch.AppliedAtMS); err != nil {
		return fmt.Errorf("record fact batch insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record fact batch commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFactBatches(ctx context.Context, contactID string, limit int) ([]FactBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, contact_id, session_id, from_seq, to_seq, diff_json, applied_at_ms
FROM fact_batches
WHERE contact_id = ?
ORDER BY applied_at_ms DESC
LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fact batches: %w", err)
	}
	defer rows.Close()

	out := []FactBatch{}
	for rows.Next() {
		var b FactBatch
		if err := rows.Scan(&b.ID, &b.ContactID, &b.SessionID, &b.FromSeq, &b.ToSeq, &b.DiffJSON, &b.AppliedAtMS); err != nil {
			return nil, fmt.Errorf("scan fact batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact batches: %w", err)
	}
	return out, nil
}

// LastFactBatchSeq returns the highest message seq any extraction pass has
// consumed for the session, 0 when none has run.
func (s *SQLiteStore) LastFactBatchSeq(ctx context.Context, contactID, sessionID string) (int, error) {
	var last int
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(to_seq), 0) FROM fact_batches
WHERE contact_id = ? AND session_id = ?`, contactID, sessionID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last fact batch seq: %w", err)
	}
	return last, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, job_type, session_id, status, priority, attempts, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	updated_at_ms = excluded.updated_at_ms`,
		job.ID, job.JobType, job.SessionID, job.Status, job.Priority, job.Attempts,
		encodeMap(job.Payload), job.Error, job.RunAfterMS, job.LeaseUntilMS,
		job.CreatedAtMS, job.UpdatedAtMS, job.CompletedAtMS)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, session_id, status, priority, attempts, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.SessionID, &job.Status, &job.Priority, &job.Attempts,
		&payloadRaw, &job.Error, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`,
		JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = map[string]string{}
	_ = json.Unmarshal([]byte(payloadRaw), &job.Payload)
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob returns a failed attempt to the pending queue with its next
// run time pushed out by the caller's backoff.
func (s *SQLiteStore) RetryJob(ctx context.Context, id string, attempts int, runAfterMS int64, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, attempts = ?, run_after_ms = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobPending, attempts, runAfterMS, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, lease_until_ms = 0, updated_at_ms = ?
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`,
		JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}
