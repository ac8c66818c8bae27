package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantum-forge/a2a-server/internal/db"
	"github.com/quantum-forge/a2a-server/internal/db/dialect"
)

// Sentinel errors for missing rows.
var (
	ErrCodebaseNotFound  = errors.New("codebase not found")
	ErrAgentTaskNotFound = errors.New("task not found")
	ErrWorkerNotFound    = errors.New("worker not found")
)

// Repository persists codebases, agent tasks, and workers in the shared
// SQL database. All writes go through the writer handle so SQLite
// serialises them on one connection.
type Repository struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewRepository creates a queue repository on the shared pool and
// ensures the schema exists. The pool stays owned by the caller.
func NewRepository(pool *db.Pool) (*Repository, error) {
	return NewRepositoryWithDB(pool.Writer(), pool.Reader())
}

// NewRepositoryWithDB creates a queue repository on existing database handles.
func NewRepositoryWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	r := &Repository{writer: writer, reader: reader}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		watch_mode INTEGER NOT NULL DEFAULT 0,
		watch_interval INTEGER NOT NULL DEFAULT 5,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		worker_id TEXT,
		result TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_tasks_codebase_status
		ON agent_tasks(codebase_id, status);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_status_priority
		ON agent_tasks(status, priority DESC, created_at ASC);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		hostname TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);
	`

	_, err := r.writer.Exec(schema)
	return err
}

// --- codebases ---

// CreateCodebase inserts a new codebase row.
func (r *Repository) CreateCodebase(ctx context.Context, cb *Codebase) error {
	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO codebases (id, name, path, status, watch_mode, watch_interval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), cb.ID, cb.Name, cb.Path, string(cb.Status), dialect.BoolToInt(cb.WatchMode),
		cb.WatchInterval, cb.CreatedAt, cb.UpdatedAt)
	return err
}

// GetCodebase retrieves a codebase by id.
func (r *Repository) GetCodebase(ctx context.Context, id string) (*Codebase, error) {
	row := r.reader.QueryRowContext(ctx, r.reader.Rebind(`
		SELECT id, name, path, status, watch_mode, watch_interval, created_at, updated_at
		FROM codebases
		WHERE id = ?
	`), id)

	cb, err := scanCodebase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCodebaseNotFound, id)
	}
	return cb, err
}

// ListCodebases returns all codebases ordered by creation time.
func (r *Repository) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	rows, err := r.reader.QueryContext(ctx, `
		SELECT id, name, path, status, watch_mode, watch_interval, created_at, updated_at
		FROM codebases
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var codebases []*Codebase
	for rows.Next() {
		cb, err := scanCodebase(rows)
		if err != nil {
			return nil, err
		}
		codebases = append(codebases, cb)
	}
	return codebases, rows.Err()
}

// DeleteCodebase removes a codebase row.
func (r *Repository) DeleteCodebase(ctx context.Context, id string) error {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM codebases WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCodebaseNotFound, id)
	}
	return nil
}

// UpdateCodebaseStatus sets the codebase status.
func (r *Repository) UpdateCodebaseStatus(ctx context.Context, id string, status CodebaseStatus) error {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE codebases SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCodebaseNotFound, id)
	}
	return nil
}

// SetCodebaseWatch records the watch flag, poll interval, and the status
// the watch transition leaves the codebase in.
func (r *Repository) SetCodebaseWatch(ctx context.Context, id string, watch bool, interval int, status CodebaseStatus) error {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE codebases SET watch_mode = ?, watch_interval = ?, status = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(watch), interval, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCodebaseNotFound, id)
	}
	return nil
}

// --- agent tasks ---

// CreateTask inserts a new queued task.
func (r *Repository) CreateTask(ctx context.Context, t *AgentTask) error {
	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO agent_tasks (id, codebase_id, title, prompt, priority, status, worker_id, result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.CodebaseID, t.Title, t.Prompt, t.Priority, string(t.Status),
		nullString(t.WorkerID), nullString(t.Result), nullString(t.Error),
		t.CreatedAt, t.StartedAt, t.CompletedAt)
	return err
}

// GetTask retrieves a queued task by id.
func (r *Repository) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	row := r.reader.QueryRowContext(ctx, r.reader.Rebind(
		selectAgentTask+` WHERE id = ?`), id)

	t, err := scanAgentTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAgentTaskNotFound, id)
	}
	return t, err
}

// ListTasks returns tasks matching the filter in claim order: highest
// priority first, oldest first within a priority.
func (r *Repository) ListTasks(ctx context.Context, filter TaskFilter) ([]*AgentTask, error) {
	query := selectAgentTask
	var conds []string
	var args []interface{}

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.CodebaseID != "" {
		conds = append(conds, "codebase_id = ?")
		args = append(args, filter.CodebaseID)
	}
	if filter.WorkerID != "" {
		conds = append(conds, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := r.reader.QueryContext(ctx, r.reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextPendingTask returns the highest-priority oldest pending task for a
// codebase, or nil when the queue is empty.
func (r *Repository) NextPendingTask(ctx context.Context, codebaseID string) (*AgentTask, error) {
	row := r.reader.QueryRowContext(ctx, r.reader.Rebind(
		selectAgentTask+`
		WHERE codebase_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`), codebaseID, string(StatusPending))

	t, err := scanAgentTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ClaimTask assigns a pending task to a worker. The conditional update
// guarantees exactly one concurrent claimer sees true.
func (r *Repository) ClaimTask(ctx context.Context, taskID, workerID string) (bool, error) {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE agent_tasks SET status = ?, worker_id = ?
		WHERE id = ? AND status = ?
	`), string(StatusAssigned), workerID, taskID, string(StatusPending))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

// TransitionTask moves a task out of the expected current status and
// persists the new status columns. It reports false when another writer
// moved the task first.
func (r *Repository) TransitionTask(ctx context.Context, t *AgentTask, from AgentTaskStatus) (bool, error) {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE agent_tasks
		SET status = ?, worker_id = ?, result = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`), string(t.Status), nullString(t.WorkerID), nullString(t.Result), nullString(t.Error),
		t.StartedAt, t.CompletedAt, t.ID, string(from))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

// RequeueTask returns a task to pending with its worker cleared. The
// conditional update loses to a worker that reported a terminal status
// in the meantime.
func (r *Repository) RequeueTask(ctx context.Context, taskID string, from AgentTaskStatus) (bool, error) {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE agent_tasks SET status = ?, worker_id = NULL, started_at = NULL
		WHERE id = ? AND status = ?
	`), string(StatusPending), taskID, string(from))
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

// ExpiredTasks returns claimed tasks whose worker is gone. A task
// qualifies when it has been running past the lease cutoff, or when it
// is assigned or running and no registered worker has touched last_seen
// since the stale cutoff.
func (r *Repository) ExpiredTasks(ctx context.Context, leaseCutoff, staleCutoff time.Time) ([]*AgentTask, error) {
	rows, err := r.reader.QueryContext(ctx, r.reader.Rebind(
		selectAgentTask+`
		WHERE (status = ? AND started_at IS NOT NULL AND started_at <= ?)
		   OR (status IN (?, ?) AND worker_id NOT IN (SELECT id FROM workers WHERE last_seen > ?))
	`), string(StatusRunning), leaseCutoff,
		string(StatusAssigned), string(StatusRunning), staleCutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TasksForWorker returns the non-terminal tasks held by a worker.
func (r *Repository) TasksForWorker(ctx context.Context, workerID string) ([]*AgentTask, error) {
	rows, err := r.reader.QueryContext(ctx, r.reader.Rebind(
		selectAgentTask+` WHERE worker_id = ? AND status IN (?, ?)`),
		workerID, string(StatusAssigned), string(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns how many tasks sit in each status.
func (r *Repository) CountTasksByStatus(ctx context.Context) (map[AgentTaskStatus]int, error) {
	rows, err := r.reader.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM agent_tasks GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[AgentTaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[AgentTaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// --- workers ---

// UpsertWorker inserts the worker or refreshes its registration.
func (r *Repository) UpsertWorker(ctx context.Context, w *Worker) error {
	capabilities, err := encodeCapabilities(w.Capabilities)
	if err != nil {
		return fmt.Errorf("encode worker capabilities: %w", err)
	}

	_, err = r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO workers (id, name, capabilities, hostname, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			hostname = excluded.hostname,
			last_seen = excluded.last_seen
	`), w.ID, w.Name, capabilities, w.Hostname, w.RegisteredAt, w.LastSeen)
	return err
}

// GetWorker retrieves a worker by id.
func (r *Repository) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := r.reader.QueryRowContext(ctx, r.reader.Rebind(`
		SELECT id, name, capabilities, hostname, registered_at, last_seen
		FROM workers
		WHERE id = ?
	`), id)

	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w, err
}

// ListWorkers returns all registered workers ordered by registration time.
func (r *Repository) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := r.reader.QueryContext(ctx, `
		SELECT id, name, capabilities, hostname, registered_at, last_seen
		FROM workers
		ORDER BY registered_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// DeleteWorker removes a worker row.
func (r *Repository) DeleteWorker(ctx context.Context, id string) error {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM workers WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return nil
}

// TouchWorker refreshes a worker's last_seen timestamp.
func (r *Repository) TouchWorker(ctx context.Context, id string) error {
	result, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE workers SET last_seen = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return nil
}

// --- scanning ---

const selectAgentTask = `
	SELECT id, codebase_id, title, prompt, priority, status, worker_id, result, error, created_at, started_at, completed_at
	FROM agent_tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCodebase(row rowScanner) (*Codebase, error) {
	cb := &Codebase{}
	var status string
	var watchMode int

	err := row.Scan(&cb.ID, &cb.Name, &cb.Path, &status, &watchMode,
		&cb.WatchInterval, &cb.CreatedAt, &cb.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cb.Status = CodebaseStatus(status)
	cb.WatchMode = watchMode != 0
	return cb, nil
}

func scanAgentTask(row rowScanner) (*AgentTask, error) {
	t := &AgentTask{}
	var status string
	var workerID, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.CodebaseID, &t.Title, &t.Prompt, &t.Priority,
		&status, &workerID, &result, &errMsg, &t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = AgentTaskStatus(status)
	t.WorkerID = workerID.String
	t.Result = result.String
	t.Error = errMsg.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanWorker(row rowScanner) (*Worker, error) {
	w := &Worker{}
	var capabilities string

	err := row.Scan(&w.ID, &w.Name, &capabilities, &w.Hostname, &w.RegisteredAt, &w.LastSeen)
	if err != nil {
		return nil, err
	}

	w.Capabilities, err = decodeCapabilities(capabilities)
	if err != nil {
		return nil, fmt.Errorf("decode capabilities for worker %s: %w", w.ID, err)
	}
	return w, nil
}

func encodeCapabilities(capabilities []string) (string, error) {
	if len(capabilities) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(capabilities)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeCapabilities(blob string) ([]string, error) {
	if blob == "" || blob == "[]" {
		return nil, nil
	}
	var capabilities []string
	if err := json.Unmarshal([]byte(blob), &capabilities); err != nil {
		return nil, err
	}
	return capabilities, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
