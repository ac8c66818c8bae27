// Package main runs a standalone task worker. It registers with a
// coordination server, polls the work queue for its codebases, and
// executes claimed tasks through a configurable shell command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/worker"
)

func main() {
	var (
		serverURL    = flag.String("server", envOr("A2A_SERVER_URL", "http://localhost:8000"), "coordination server base URL")
		name         = flag.String("name", envOr("A2A_WORKER_NAME", ""), "worker name (defaults to the hostname)")
		workerID     = flag.String("id", envOr("A2A_WORKER_ID", ""), "worker ID to reuse; the server assigns one when empty")
		token        = flag.String("token", envOr("A2A_WORKER_TOKEN", ""), "bearer token for authenticated servers")
		command      = flag.String("command", envOr("A2A_WORKER_COMMAND", ""), "shell template run per task; {prompt}, {title}, {task_id}, {path} are substituted")
		codebases    = flag.String("codebases", envOr("A2A_WORKER_CODEBASES", ""), "comma-separated name=path pairs this worker serves")
		capabilities = flag.String("capabilities", envOr("A2A_WORKER_CAPABILITIES", ""), "comma-separated capability tags")
		poll         = flag.Duration("poll-interval", 5*time.Second, "queue poll interval")
		heartbeat    = flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat interval")
		execTimeout  = flag.Duration("exec-timeout", 10*time.Minute, "per-task execution timeout")
		logLevel     = flag.String("log-level", envOr("A2A_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	workerName := *name
	if workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "a2a-worker"
		}
		workerName = hostname
	}

	specs, err := parseCodebases(*codebases)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -codebases value: %v\n", err)
		os.Exit(1)
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "At least one codebase is required, e.g. -codebases demo=/path/to/demo")
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		ServerURL:         *serverURL,
		Name:              workerName,
		WorkerID:          *workerID,
		Token:             *token,
		Capabilities:      splitList(*capabilities),
		Codebases:         specs,
		PollInterval:      *poll,
		HeartbeatInterval: *heartbeat,
		ExecTimeout:       *execTimeout,
		Command:           *command,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting worker",
		zap.String("name", workerName),
		zap.String("server", *serverURL),
		zap.Int("codebases", len(specs)))

	if err := w.Run(ctx); err != nil {
		log.Fatal("Worker exited", zap.Error(err))
	}
	log.Info("Worker stopped")
}

// parseCodebases parses comma-separated name=path pairs. The path may
// be empty, in which case the server's recorded path is used.
func parseCodebases(raw string) ([]worker.CodebaseSpec, error) {
	var specs []worker.CodebaseSpec
	for _, entry := range splitList(raw) {
		name, path, _ := strings.Cut(entry, "=")
		if name == "" {
			return nil, fmt.Errorf("entry %q has no codebase name", entry)
		}
		specs = append(specs, worker.CodebaseSpec{Name: name, Path: path})
	}
	return specs, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
