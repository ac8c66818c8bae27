package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantum-forge/a2a-server/internal/db"
	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// SQLStorage persists tasks in the shared SQL database. The message
// log rides along as a JSON blob column; the manager's per-task writer
// guarantees entries are only ever appended.
type SQLStorage struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSQLStorage creates a task store on the shared pool and ensures the
// schema exists. The pool stays owned by the caller.
func NewSQLStorage(pool *db.Pool) (*SQLStorage, error) {
	return NewSQLStorageWithDB(pool.Writer(), pool.Reader())
}

// NewSQLStorageWithDB creates a task store on existing database handles.
func NewSQLStorageWithDB(writer, reader *sqlx.DB) (*SQLStorage, error) {
	s := &SQLStorage{writer: writer, reader: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		progress REAL,
		messages TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`

	_, err := s.writer.Exec(schema)
	return err
}

// Upsert inserts the task or replaces its mutable columns.
func (s *SQLStorage) Upsert(ctx context.Context, task *protocol.Task) error {
	messages, err := encodeMessages(task.Messages)
	if err != nil {
		return fmt.Errorf("encode task messages: %w", err)
	}
	var progress sql.NullFloat64
	if task.Progress != nil {
		progress = sql.NullFloat64{Float64: *task.Progress, Valid: true}
	}

	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO tasks (id, status, title, description, progress, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			title = excluded.title,
			description = excluded.description,
			progress = excluded.progress,
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`), task.ID, string(task.Status), task.Title, task.Description,
		progress, messages, task.CreatedAt, task.UpdatedAt)
	return err
}

// Get retrieves a task by id.
func (s *SQLStorage) Get(ctx context.Context, id string) (*protocol.Task, error) {
	row := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT id, status, title, description, progress, messages, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`), id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// List returns tasks ordered by creation time, optionally filtered by
// status.
func (s *SQLStorage) List(ctx context.Context, status protocol.TaskStatus) ([]*protocol.Task, error) {
	query := `
		SELECT id, status, title, description, progress, messages, created_at, updated_at
		FROM tasks
	`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.reader.QueryContext(ctx, s.reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*protocol.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Delete removes a task row.
func (s *SQLStorage) Delete(ctx context.Context, id string) error {
	result, err := s.writer.ExecContext(ctx, s.writer.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*protocol.Task, error) {
	task := &protocol.Task{}
	var status string
	var progress sql.NullFloat64
	var messages string

	err := row.Scan(&task.ID, &status, &task.Title, &task.Description,
		&progress, &messages, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = protocol.TaskStatus(status)
	if progress.Valid {
		task.Progress = &progress.Float64
	}
	task.Messages, err = decodeMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("decode messages for task %s: %w", task.ID, err)
	}
	return task, nil
}

func encodeMessages(messages []*protocol.Message) (string, error) {
	if len(messages) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMessages(blob string) ([]*protocol.Message, error) {
	if blob == "" || blob == "[]" {
		return nil, nil
	}
	var messages []*protocol.Message
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

var _ Storage = (*SQLStorage)(nil)
