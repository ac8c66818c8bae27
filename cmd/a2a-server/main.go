// Package main is the entry point for the A2A coordination server.
// One binary runs every surface together: the JSON-RPC gateway with
// its SSE streams, the work queue REST API, the monitor feeds, and
// the embedded MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantum-forge/a2a-server/internal/agent"
	"github.com/quantum-forge/a2a-server/internal/auth"
	"github.com/quantum-forge/a2a-server/internal/broker"
	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/common/tracing"
	"github.com/quantum-forge/a2a-server/internal/db"
	"github.com/quantum-forge/a2a-server/internal/events"
	"github.com/quantum-forge/a2a-server/internal/gateway"
	"github.com/quantum-forge/a2a-server/internal/mcpserver"
	"github.com/quantum-forge/a2a-server/internal/protocol"
	"github.com/quantum-forge/a2a-server/internal/queue"
	"github.com/quantum-forge/a2a-server/internal/task"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting A2A server...", zap.String("agent", cfg.AgentCard.Name))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Tracing exporter (no-op when no endpoint is configured)
	if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Database pool: the queue always persists, lifecycle tasks only
	// when configured
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	// 6. Broker: pub/sub channels plus the agent registry
	msgBroker := broker.New(provided.Bus, cfg.Broker, log)
	defer msgBroker.Close()

	// 7. Task lifecycle manager
	var storage task.Storage
	if cfg.Database.PersistTasks {
		sqlStorage, err := task.NewSQLStorage(pool)
		if err != nil {
			log.Fatal("Failed to initialize task storage", zap.Error(err))
		}
		storage = sqlStorage
		log.Info("Lifecycle tasks persisted to database")
	} else {
		storage = task.NewMemoryStorage()
	}
	manager := task.NewManager(storage, msgBroker, cfg.AgentCard.Name, log)
	defer manager.Close()

	// 8. Agent router with the built-in handlers
	var rules []agent.ContentRule
	if cfg.AgentCard.ContentRouting {
		rules = agent.DefaultRules()
	}
	router := agent.NewRouter(agent.NewEchoHandler(cfg.AgentCard.EchoPrefix), rules, log)
	router.Register(agent.NewCalculatorHandler())
	router.Register(agent.NewAnalysisHandler())
	router.Register(agent.NewMemoryHandler())

	// 9. Agent card
	card, err := buildCard(cfg)
	if err != nil {
		log.Fatal("Failed to build agent card", zap.Error(err))
	}
	if err := msgBroker.RegisterAgent(ctx, card); err != nil {
		log.Fatal("Failed to register agent", zap.Error(err))
	}
	// Keep the registry entry fresh; listing filters on last_seen.
	go msgBroker.KeepAlive(ctx, card.Name)
	defer func() {
		unregCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := msgBroker.UnregisterAgent(unregCtx, card.Name); err != nil {
			log.Warn("Failed to unregister agent", zap.Error(err))
		}
	}()

	// 10. Authentication
	var authService *auth.Service
	if cfg.Auth.Enabled {
		authService = auth.NewService(cfg.Auth, log)
		log.Info("Authentication enabled", zap.String("issuer", cfg.Auth.Issuer))
	}

	// 11. Work queue: repository, service, watch loops, lease reaper
	repo, err := queue.NewRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize queue repository", zap.Error(err))
	}
	queueService := queue.NewService(repo, msgBroker, cfg.Queue, log)
	watcher := queue.NewWatcher(queueService, watchExecutor(router), cfg.Queue, log)
	if err := watcher.Resume(ctx); err != nil {
		log.Warn("Failed to resume watch loops", zap.Error(err))
	}
	reaper := queue.NewReaper(queueService, cfg.Queue, log)
	if err := reaper.Start(); err != nil {
		log.Fatal("Failed to start lease reaper", zap.Error(err))
	}
	defer reaper.Stop()

	// 12. HTTP gateway and the embedded MCP server start in parallel
	gw := gateway.New(cfg, gateway.Deps{
		Card:    card,
		Tasks:   manager,
		Agents:  router,
		Broker:  msgBroker,
		Queue:   queueService,
		Watcher: watcher,
		Auth:    authService,
	}, log)

	var mcpCleanup func() error
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gw.Start(groupCtx)
	})
	if cfg.MCP.Enabled {
		group.Go(func() error {
			serverURL := cfg.AgentCard.URL
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			_, cleanup, err := mcpserver.Provide(groupCtx, mcpserver.Config{
				Port:      cfg.MCP.Port,
				ServerURL: serverURL,
			}, log)
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}
			mcpCleanup = cleanup
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		log.Fatal("Startup failed", zap.Error(err))
	}

	log.Info("A2A server ready",
		zap.Int("port", gw.Port()),
		zap.String("agent_card", "/.well-known/agent-card.json"),
		zap.Bool("mcp", cfg.MCP.Enabled))

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	watcher.StopAll(shutdownCtx)
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Warn("MCP server shutdown failed", zap.Error(err))
		}
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn("Gateway shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

// buildCard assembles the agent card served at the well-known endpoint,
// merging in any skills file the configuration names.
func buildCard(cfg *config.Config) (*protocol.AgentCard, error) {
	url := cfg.AgentCard.URL
	if url == "" {
		url = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	builder := protocol.NewCardBuilder().
		Name(cfg.AgentCard.Name).
		Description(cfg.AgentCard.Description).
		URL(url).
		Provider(cfg.AgentCard.Organization, cfg.AgentCard.OrganizationURL).
		Version(cfg.AgentCard.Version).
		WithSkill("echo", "Echo", "Echoes messages back with a configurable prefix").
		WithSkill("calculator", "Calculator", "Evaluates simple arithmetic found in message text").
		WithSkill("analysis", "Text Analysis", "Summarizes word, character, and sentence counts").
		WithSkill("memory", "Memory", "Remembers and recalls facts within a task")

	if cfg.AgentCard.Streaming {
		builder = builder.WithStreaming()
	}
	if cfg.Auth.Enabled {
		builder = builder.WithAuthentication("bearer", "OAuth2 bearer token validated against the configured issuer")
	}
	if cfg.AgentCard.SkillsFile != "" {
		skills, err := protocol.LoadSkillsFile(cfg.AgentCard.SkillsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load skills file: %w", err)
		}
		for _, skill := range skills {
			builder = builder.AddSkill(skill)
		}
	}

	return builder.Build()
}

// watchExecutor routes a queued task's prompt through the agent router
// so watch mode runs work with the same handlers as message/send.
func watchExecutor(router *agent.Router) queue.Executor {
	return func(ctx context.Context, t *queue.AgentTask) (string, error) {
		reply, err := router.Route(ctx, protocol.NewTextMessage(t.Prompt), "")
		if err != nil {
			return "", err
		}
		return reply.TextContent(), nil
	}
}
