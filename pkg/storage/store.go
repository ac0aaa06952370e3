// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMessageTerminal is returned when a write targets a message that
	// already reached a terminal status.
	ErrMessageTerminal = errors.New("message is in a terminal status")
)

// Store is a SQL-backed store supporting sqlite, postgres, and mysql.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open opens a database connection for the given backend and initializes
// the schema. For sqlite the parent directory is created if missing.
func Open(backend, dsn string) (*Store, error) {
	driverName := backend
	if backend == "sqlite" {
		driverName = "sqlite3"
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if backend == "sqlite" {
		// go-sqlite3 misbehaves with concurrent writers on one file.
		db.SetMaxOpenConns(1)
	}

	return New(db, backend)
}

// New wraps an existing connection. dialect is sqlite, postgres, or mysql.
func New(db *sql.DB, dialect string) (*Store, error) {
	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id VARCHAR(64) PRIMARY KEY,
    title TEXT,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    role VARCHAR(20) NOT NULL,
    content TEXT,
    tool_calls_json TEXT,
    reasoning TEXT,
    patient_references_json TEXT,
    logs_json TEXT,
    token_usage_json TEXT,
    status VARCHAR(20) NOT NULL,
    task_id VARCHAR(64),
    error_message TEXT,
    streaming_started_at TIMESTAMP NULL,
    completed_at TIMESTAMP NULL,
    created_at TIMESTAMP NOT NULL,
    last_updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
    id INTEGER PRIMARY KEY,
    symbol VARCHAR(255) NOT NULL UNIQUE,
    display_name TEXT,
    description TEXT,
    kind VARCHAR(20) NOT NULL,
    scope VARCHAR(20) NOT NULL,
    assigned_specialist_id INTEGER NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    endpoint TEXT,
    params_schema_json TEXT
);

CREATE TABLE IF NOT EXISTS specialists (
    id INTEGER PRIMARY KEY,
    role VARCHAR(255) NOT NULL UNIQUE,
    display_name TEXT,
    description TEXT,
    system_prompt TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    tool_symbols TEXT
);

CREATE TABLE IF NOT EXISTS patients (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    dob VARCHAR(20),
    gender VARCHAR(20)
);

CREATE TABLE IF NOT EXISTS patient_records (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL,
    title TEXT,
    content TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id ON chat_messages(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_task_id ON chat_messages(task_id);
CREATE INDEX IF NOT EXISTS idx_patient_records_patient_id ON patient_records(patient_id);
`

func (s *Store) initSchema() error {
	for _, stmt := range strings.Split(createTablesSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// ===== SESSIONS =====

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, session *ChatSession) error {
	query := s.rebind(`
INSERT INTO chat_sessions (id, title, user_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Title, session.UserID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	query := s.rebind(`
SELECT id, title, user_id, created_at, updated_at
FROM chat_sessions WHERE id = ?`)
	var session ChatSession
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.Title, &session.UserID, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &session, nil
}

// TouchSession advances a session's updated_at.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at, id)
	return err
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*ChatSession, error) {
	query := s.rebind(`
SELECT id, title, user_id, created_at, updated_at
FROM chat_sessions WHERE user_id = ?
ORDER BY updated_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		var session ChatSession
		if err := rows.Scan(&session.ID, &session.Title, &session.UserID,
			&session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// ===== MESSAGES =====

const messageColumns = `id, session_id, role, content, tool_calls_json, reasoning,
patient_references_json, logs_json, token_usage_json, status, task_id,
error_message, streaming_started_at, completed_at, created_at, last_updated_at`

func scanMessage(scan func(dest ...any) error) (*ChatMessage, error) {
	var m ChatMessage
	var toolCalls, reasoning, refs, logs, usage, taskID, errMsg sql.NullString
	var streamingStartedAt, completedAt sql.NullTime
	err := scan(
		&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &reasoning,
		&refs, &logs, &usage, &m.Status, &taskID,
		&errMsg, &streamingStartedAt, &completedAt, &m.CreatedAt, &m.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ToolCallsJSON = toolCalls.String
	m.Reasoning = reasoning.String
	m.PatientReferencesJSON = refs.String
	m.LogsJSON = logs.String
	m.TokenUsageJSON = usage.String
	m.TaskID = taskID.String
	m.ErrorMessage = errMsg.String
	if streamingStartedAt.Valid {
		t := streamingStartedAt.Time
		m.StreamingStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}

// CreateMessage inserts a message row.
func (s *Store) CreateMessage(ctx context.Context, m *ChatMessage) error {
	query := s.rebind(`
INSERT INTO chat_messages (` + messageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.Role, m.Content, m.ToolCallsJSON, m.Reasoning,
		m.PatientReferencesJSON, m.LogsJSON, m.TokenUsageJSON, m.Status, m.TaskID,
		m.ErrorMessage, m.StreamingStartedAt, m.CompletedAt, m.CreatedAt, m.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	query := s.rebind(`SELECT ` + messageColumns + ` FROM chat_messages WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

// GetMessageByTaskID retrieves the message bound to a task.
func (s *Store) GetMessageByTaskID(ctx context.Context, taskID string) (*ChatMessage, error) {
	query := s.rebind(`SELECT ` + messageColumns + ` FROM chat_messages WHERE task_id = ?`)
	row := s.db.QueryRowContext(ctx, query, taskID)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

// ListSessionMessages returns all messages of a session ordered by
// creation time.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	query := s.rebind(`
SELECT ` + messageColumns + ` FROM chat_messages
WHERE session_id = ?
ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkStreaming transitions a pending row to streaming and binds the task
// ID. Safe to call again on the same row during a retry; fails with
// ErrMessageTerminal once the row is terminal.
func (s *Store) MarkStreaming(ctx context.Context, id, taskID string, at time.Time) error {
	query := s.rebind(`
UPDATE chat_messages
SET status = ?, task_id = ?, streaming_started_at = ?, last_updated_at = ?
WHERE id = ? AND status IN (?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		StatusStreaming, taskID, at, at, id, StatusPending, StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to mark streaming: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMessageTerminal
	}
	return nil
}

// MessagePartial is the incrementally flushed slice of an assistant row.
type MessagePartial struct {
	Content               string
	ToolCallsJSON         string
	LogsJSON              string
	PatientReferencesJSON string
	TokenUsageJSON        string
}

// FlushPartial writes the current partial state without touching status.
// Only streaming rows accept flushes.
func (s *Store) FlushPartial(ctx context.Context, id string, p MessagePartial, at time.Time) error {
	query := s.rebind(`
UPDATE chat_messages
SET content = ?, tool_calls_json = ?, logs_json = ?, patient_references_json = ?,
    token_usage_json = ?, last_updated_at = ?
WHERE id = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, query,
		p.Content, p.ToolCallsJSON, p.LogsJSON, p.PatientReferencesJSON,
		p.TokenUsageJSON, at, id, StatusStreaming)
	if err != nil {
		return fmt.Errorf("failed to flush partial: %w", err)
	}
	return nil
}

// Finalize writes the terminal state of an assistant row. A no-op
// returning ErrMessageTerminal when the row is already terminal, which
// makes worker restarts idempotent.
func (s *Store) Finalize(ctx context.Context, id string, status MessageStatus, errorMessage string, p MessagePartial, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	query := s.rebind(`
UPDATE chat_messages
SET status = ?, error_message = ?, content = ?, tool_calls_json = ?, logs_json = ?,
    patient_references_json = ?, token_usage_json = ?, completed_at = ?, last_updated_at = ?
WHERE id = ? AND status NOT IN (?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		status, errorMessage, p.Content, p.ToolCallsJSON, p.LogsJSON,
		p.PatientReferencesJSON, p.TokenUsageJSON, at, at,
		id, StatusCompleted, StatusError, StatusInterrupted)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMessageTerminal
	}
	return nil
}

// ===== TOOLS =====

// CreateTool inserts a tool record.
func (s *Store) CreateTool(ctx context.Context, t *ToolRecord) error {
	query := s.rebind(`
INSERT INTO tools (symbol, display_name, description, kind, scope,
    assigned_specialist_id, enabled, endpoint, params_schema_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	var assigned any
	if t.AssignedSpecialistID != nil {
		assigned = *t.AssignedSpecialistID
	}
	_, err := s.db.ExecContext(ctx, query,
		t.Symbol, t.DisplayName, t.Description, t.Kind, t.Scope,
		assigned, t.Enabled, t.Endpoint, t.ParamsSchemaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert tool: %w", err)
	}
	return nil
}

// ListEnabledTools returns all enabled tool records.
func (s *Store) ListEnabledTools(ctx context.Context) ([]*ToolRecord, error) {
	query := `
SELECT id, symbol, display_name, description, kind, scope,
    assigned_specialist_id, enabled, endpoint, params_schema_json
FROM tools WHERE enabled = TRUE ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	var tools []*ToolRecord
	for rows.Next() {
		var t ToolRecord
		var displayName, description, endpoint, schema sql.NullString
		var assigned sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Symbol, &displayName, &description, &t.Kind,
			&t.Scope, &assigned, &t.Enabled, &endpoint, &schema); err != nil {
			return nil, err
		}
		t.DisplayName = displayName.String
		t.Description = description.String
		t.Endpoint = endpoint.String
		t.ParamsSchemaJSON = schema.String
		if assigned.Valid {
			id := assigned.Int64
			t.AssignedSpecialistID = &id
		}
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

// ===== SPECIALISTS =====

// CreateSpecialist inserts a specialist record.
func (s *Store) CreateSpecialist(ctx context.Context, sp *SpecialistRecord) error {
	query := s.rebind(`
INSERT INTO specialists (role, display_name, description, system_prompt, enabled, tool_symbols)
VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		sp.Role, sp.DisplayName, sp.Description, sp.SystemPrompt, sp.Enabled,
		strings.Join(sp.ToolSymbols, ","))
	if err != nil {
		return fmt.Errorf("failed to insert specialist: %w", err)
	}
	return nil
}

// ListEnabledSpecialists returns all enabled specialist records.
func (s *Store) ListEnabledSpecialists(ctx context.Context) ([]*SpecialistRecord, error) {
	query := `
SELECT id, role, display_name, description, system_prompt, enabled, tool_symbols
FROM specialists WHERE enabled = TRUE ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query specialists: %w", err)
	}
	defer rows.Close()

	var specialists []*SpecialistRecord
	for rows.Next() {
		var sp SpecialistRecord
		var displayName, description, systemPrompt, symbols sql.NullString
		if err := rows.Scan(&sp.ID, &sp.Role, &displayName, &description,
			&systemPrompt, &sp.Enabled, &symbols); err != nil {
			return nil, err
		}
		sp.DisplayName = displayName.String
		sp.Description = description.String
		sp.SystemPrompt = systemPrompt.String
		if symbols.String != "" {
			sp.ToolSymbols = strings.Split(symbols.String, ",")
		}
		specialists = append(specialists, &sp)
	}
	return specialists, rows.Err()
}

// ===== PATIENTS =====

// CreatePatient inserts a patient row.
func (s *Store) CreatePatient(ctx context.Context, p *Patient) error {
	query := s.rebind(`INSERT INTO patients (id, name, dob, gender) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.DOB, p.Gender)
	if err != nil {
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	return nil
}

// GetPatient retrieves a patient by ID.
func (s *Store) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	query := s.rebind(`SELECT id, name, dob, gender FROM patients WHERE id = ?`)
	var p Patient
	var dob, gender sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &dob, &gender)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}
	p.DOB = dob.String
	p.Gender = gender.String
	return &p, nil
}

// ListPatients returns the full patient catalogue.
func (s *Store) ListPatients(ctx context.Context) ([]*Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, dob, gender FROM patients ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		var p Patient
		var dob, gender sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &dob, &gender); err != nil {
			return nil, err
		}
		p.DOB = dob.String
		p.Gender = gender.String
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}

// SearchPatients matches patients by ID string or name substring,
// case-insensitively.
func (s *Store) SearchPatients(ctx context.Context, queryText string) ([]*Patient, error) {
	patients, err := s.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(queryText))
	var matches []*Patient
	for _, p := range patients {
		if fmt.Sprintf("%d", p.ID) == needle ||
			strings.Contains(strings.ToLower(p.Name), needle) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// CreatePatientRecord inserts a clinical record row and backfills the
// generated ID where the driver reports it.
func (s *Store) CreatePatientRecord(ctx context.Context, r *PatientRecord) error {
	query := s.rebind(`
INSERT INTO patient_records (patient_id, title, content, created_at)
VALUES (?, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query, r.PatientID, r.Title, r.Content, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert patient record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// GetPatientRecord retrieves a record by ID.
func (s *Store) GetPatientRecord(ctx context.Context, id int64) (*PatientRecord, error) {
	query := s.rebind(`
SELECT id, patient_id, title, content, created_at FROM patient_records WHERE id = ?`)
	var r PatientRecord
	var title, content sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.PatientID, &title, &content, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	r.Title = title.String
	r.Content = content.String
	return &r, nil
}

// ListPatientRecords returns a patient's records, newest first.
func (s *Store) ListPatientRecords(ctx context.Context, patientID int64) ([]*PatientRecord, error) {
	query := s.rebind(`
SELECT id, patient_id, title, content, created_at
FROM patient_records WHERE patient_id = ?
ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*PatientRecord
	for rows.Next() {
		var r PatientRecord
		var title, content sql.NullString
		if err := rows.Scan(&r.ID, &r.PatientID, &title, &content, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Title = title.String
		r.Content = content.String
		records = append(records, &r)
	}
	return records, rows.Err()
}
