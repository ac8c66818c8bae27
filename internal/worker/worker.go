// Package worker implements the external task executor: it registers
// with the coordination server, polls for pending agent tasks on its
// codebases, claims them, runs a shell command per task, streams the
// output back, and reports the terminal status.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/pkg/client"
)

// CodebaseSpec names a work target this worker serves. Missing
// codebases are registered at startup; existing ones are matched by
// name.
type CodebaseSpec struct {
	Name string
	Path string
}

// Config tunes one worker process.
type Config struct {
	ServerURL string
	Name      string
	// WorkerID is optional; the server assigns one when empty.
	WorkerID     string
	Token        string
	Capabilities []string
	Codebases    []CodebaseSpec

	PollInterval      time.Duration // default 5s
	HeartbeatInterval time.Duration // default 10s
	ExecTimeout       time.Duration // default 10m

	// Command is the shell template run per task. {prompt}, {title}
	// and {path} are replaced before the shell sees it.
	Command string
}

// Worker is one executor process.
type Worker struct {
	cfg    Config
	client *client.Client
	log    *logger.Logger

	mu        sync.Mutex
	id        string
	codebases map[string]string // codebase id -> path
}

// New creates a worker. Run does the registration.
func New(cfg Config, log *logger.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Minute
	}
	if cfg.Command == "" {
		cfg.Command = "echo {prompt}"
	}

	opts := []client.Option{}
	if cfg.Token != "" {
		opts = append(opts, client.WithToken(cfg.Token))
	}
	return &Worker{
		cfg:       cfg,
		client:    client.New(cfg.ServerURL, opts...),
		log:       log.WithFields(zap.String("component", "worker")),
		codebases: make(map[string]string),
	}
}

// ID returns the registered worker ID, empty before Run registers.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Run registers the worker and polls for tasks until the context is
// cancelled, then unregisters. Returns the first unrecoverable error.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	defer w.unregister()

	heartbeats := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeats.Stop()
	polls := time.NewTicker(w.cfg.PollInterval)
	defer polls.Stop()

	w.log.Info("Worker polling for tasks",
		zap.String("worker_id", w.ID()),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	// Drain anything already queued before the first tick.
	w.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeats.C:
			if err := w.client.Heartbeat(ctx, w.ID()); err != nil && ctx.Err() == nil {
				w.log.Warn("Heartbeat failed", zap.Error(err))
			}
		case <-polls.C:
			w.pollOnce(ctx)
		}
	}
}

// register announces the worker and its codebases.
func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	registered, err := w.client.RegisterWorker(ctx, client.WorkerRegistration{
		WorkerID:     w.cfg.WorkerID,
		Name:         w.cfg.Name,
		Capabilities: w.cfg.Capabilities,
		Hostname:     hostname,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	w.mu.Lock()
	w.id = registered.ID
	w.mu.Unlock()
	w.log.Info("Worker registered", zap.String("worker_id", registered.ID))

	existing, err := w.client.ListCodebases(ctx)
	if err != nil {
		return fmt.Errorf("list codebases: %w", err)
	}
	byName := make(map[string]*client.Codebase, len(existing))
	for _, cb := range existing {
		byName[cb.Name] = cb
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, spec := range w.cfg.Codebases {
		if cb, ok := byName[spec.Name]; ok {
			w.codebases[cb.ID] = spec.Path
			continue
		}
		cb, err := w.client.RegisterCodebase(ctx, spec.Name, spec.Path, 0)
		if err != nil {
			return fmt.Errorf("register codebase %s: %w", spec.Name, err)
		}
		w.codebases[cb.ID] = spec.Path
		w.log.Info("Codebase registered",
			zap.String("codebase_id", cb.ID),
			zap.String("name", spec.Name))
	}
	return nil
}

// unregister tells the server to requeue anything this worker holds.
// Runs on a fresh context because the run context is already done.
func (w *Worker) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.client.UnregisterWorker(ctx, w.ID()); err != nil {
		w.log.Warn("Unregister failed", zap.Error(err))
		return
	}
	w.log.Info("Worker unregistered", zap.String("worker_id", w.ID()))
}

// pollOnce fetches pending tasks, claims the first one on a codebase
// this worker serves, and executes it. One task per poll keeps the
// worker a single-flight executor, as its command runs in the
// foreground anyway.
func (w *Worker) pollOnce(ctx context.Context) {
	tasks, err := w.client.PendingTasks(ctx, "", w.ID())
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("Task poll failed", zap.Error(err))
		}
		return
	}

	for _, task := range tasks {
		path, ok := w.codebasePath(task.CodebaseID)
		if !ok {
			continue
		}
		if !w.claim(ctx, task) {
			// Lost the race; the next candidate may still be open.
			continue
		}
		w.execute(ctx, task, path)
		return
	}
}

func (w *Worker) codebasePath(codebaseID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, ok := w.codebases[codebaseID]
	return path, ok
}

// claim takes the task through assigned to running. A conflict means
// another worker won.
func (w *Worker) claim(ctx context.Context, task *client.AgentTask) bool {
	if _, err := w.client.ClaimTask(ctx, task.ID, w.ID()); err != nil {
		w.log.Debug("Claim lost", zap.String("task_id", task.ID), zap.Error(err))
		return false
	}
	if _, err := w.client.StartTask(ctx, task.ID, w.ID()); err != nil {
		w.log.Warn("Failed to start claimed task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		// Give the claim back; a task assigned to a live worker that
		// never starts it would otherwise strand until shutdown.
		w.report(task.ID, func(ctx context.Context) error {
			_, err := w.client.UpdateAgentTaskStatus(ctx, task.ID, client.TaskPending, w.ID(), "", "")
			return err
		})
		return false
	}
	w.log.Info("Task claimed",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))
	return true
}

// execute runs the task command and reports the outcome. Output lines
// are streamed to the server as they appear.
func (w *Worker) execute(ctx context.Context, task *client.AgentTask, path string) {
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
	defer cancel()

	output, err := w.runCommand(execCtx, task, path)
	if err != nil {
		msg := err.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("execution timed out after %s", w.cfg.ExecTimeout)
		}
		w.log.Error("Task failed",
			zap.String("task_id", task.ID),
			zap.String("error", msg))
		w.report(task.ID, func(ctx context.Context) error {
			_, err := w.client.FailTask(ctx, task.ID, w.ID(), msg)
			return err
		})
		return
	}

	w.log.Info("Task completed", zap.String("task_id", task.ID))
	w.report(task.ID, func(ctx context.Context) error {
		_, err := w.client.CompleteTask(ctx, task.ID, w.ID(), output)
		return err
	})
}

// report sends a terminal status on a context that survives shutdown,
// so a cancelled run still tells the server what happened.
func (w *Worker) report(taskID string, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		w.log.Warn("Failed to report task status",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// runCommand executes the rendered shell template in the codebase path
// and returns the combined output.
func (w *Worker) runCommand(ctx context.Context, task *client.AgentTask, path string) (string, error) {
	rendered := renderCommand(w.cfg.Command, task, path)
	cmd := exec.CommandContext(ctx, "sh", "-c", rendered)
	if path != "" {
		cmd.Dir = path
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("open stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		// Best-effort: observers lose a chunk, the result does not.
		if err := w.client.PostOutput(ctx, task.ID, w.ID(), line); err != nil && ctx.Err() == nil {
			w.log.Debug("Output chunk dropped", zap.Error(err))
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return strings.TrimRight(output.String(), "\n"), nil
}

// renderCommand substitutes the task fields into the command template.
// Values are single-quoted for the shell.
func renderCommand(template string, task *client.AgentTask, path string) string {
	replacer := strings.NewReplacer(
		"{prompt}", shellQuote(task.Prompt),
		"{title}", shellQuote(task.Title),
		"{task_id}", shellQuote(task.ID),
		"{path}", shellQuote(path),
	)
	return replacer.Replace(template)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
