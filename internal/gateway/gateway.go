// Package gateway is the HTTP front-end: the JSON-RPC 2.0 dispatcher
// with its SSE streams, the worker REST surface, the auth endpoints,
// and the monitor feeds. It owns no domain state; everything routes
// into the task manager, agent router, broker, and work queue.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/agent"
	"github.com/quantum-forge/a2a-server/internal/auth"
	"github.com/quantum-forge/a2a-server/internal/broker"
	"github.com/quantum-forge/a2a-server/internal/common/appctx"
	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/httpmw"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/internal/gateway/websocket"
	"github.com/quantum-forge/a2a-server/internal/protocol"
	"github.com/quantum-forge/a2a-server/internal/queue"
	"github.com/quantum-forge/a2a-server/internal/task"
)

// processTimeout bounds background message processing detached from the
// originating request.
const processTimeout = 15 * time.Minute

// Deps are the services the gateway routes into. Auth may be nil when
// authentication is disabled.
type Deps struct {
	Card    *protocol.AgentCard
	Tasks   *task.Manager
	Agents  *agent.Router
	Broker  *broker.Broker
	Queue   *queue.Service
	Watcher *queue.Watcher
	Auth    *auth.Service
}

// Gateway is the HTTP server for all client-facing surfaces.
type Gateway struct {
	cfg     *config.Config
	log     *logger.Logger
	card    *protocol.AgentCard
	tasks   *task.Manager
	agents  *agent.Router
	broker  *broker.Broker
	queue   *queue.Service
	watcher *queue.Watcher
	auth    *auth.Service
	hub     *websocket.Hub

	router *gin.Engine
	server *http.Server
	port   int

	mu      sync.Mutex
	running bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// streamDelay is the pause between streaming progress steps and
	// heartbeatEvery the SSE idle period before a keepalive comment.
	// Tests shrink both to keep streaming scenarios fast.
	streamDelay    time.Duration
	heartbeatEvery time.Duration
}

// New builds the gateway router and handlers. Call Start to serve.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Gateway {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	g := &Gateway{
		cfg:            cfg,
		log:            log.WithFields(zap.String("component", "gateway")),
		card:           deps.Card,
		tasks:          deps.Tasks,
		agents:         deps.Agents,
		broker:         deps.Broker,
		queue:          deps.Queue,
		watcher:        deps.Watcher,
		auth:           deps.Auth,
		router:         gin.New(),
		port:           cfg.Server.Port,
		stopCh:         make(chan struct{}),
		streamDelay:    time.Second,
		heartbeatEvery: heartbeatInterval,
	}
	g.hub = websocket.NewHub(log)

	g.router.Use(gin.Recovery())
	g.router.Use(corsMiddleware())
	g.router.Use(httpmw.RequestLogger(g.log, "gateway"))
	g.router.Use(httpmw.OtelTracing("a2a-gateway"))

	g.setupRoutes()
	return g
}

// Router returns the HTTP handler, used directly by tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Port returns the bound port. Useful when the configured port was 0.
func (g *Gateway) Port() int {
	return g.port
}

func (g *Gateway) setupRoutes() {
	// Discovery surfaces stay unauthenticated so peers can find us.
	g.router.GET("/health", g.handleHealth)
	g.router.GET("/.well-known/agent-card.json", g.handleAgentCard)
	g.router.GET("/agents", g.handleDiscoverAgents)

	// JSON-RPC entry point; the auth gate lives inside the dispatcher
	// so failures come back as JSON-RPC errors, not REST bodies.
	g.router.POST("/", g.handleRPC)

	g.router.POST("/auth/login", g.handleLogin)
	g.router.POST("/auth/refresh", g.handleRefresh)
	g.router.POST("/auth/logout", g.handleLogout)
	g.router.GET("/auth/status", g.handleAuthStatus)
	g.router.GET("/auth/me", g.requireAuth(), g.handleAuthMe)

	api := g.router.Group("/", g.requireAuth())
	{
		api.POST("/workers/register", g.handleRegisterWorker)
		api.POST("/workers/:id/heartbeat", g.handleWorkerHeartbeat)
		api.POST("/workers/:id/unregister", g.handleUnregisterWorker)
		api.GET("/workers", g.handleListWorkers)

		api.GET("/tasks", g.handleListQueueTasks)
		api.GET("/tasks/:id", g.handleGetQueueTask)
		api.PUT("/tasks/:id/status", g.handleUpdateQueueTaskStatus)
		api.POST("/tasks/:id/output", g.handleQueueTaskOutput)
		api.POST("/tasks/:id/cancel", g.handleCancelQueueTask)

		api.POST("/codebases", g.handleRegisterCodebase)
		api.GET("/codebases", g.handleListCodebases)
		api.DELETE("/codebases/:id", g.handleDeleteCodebase)
		api.POST("/codebases/:id/tasks", g.handleEnqueueTask)
		api.POST("/codebases/:id/watch/start", g.handleWatchStart)
		api.POST("/codebases/:id/watch/stop", g.handleWatchStop)
		api.GET("/codebases/:id/watch", g.handleWatchStatus)

		api.GET("/monitor/stream", g.handleMonitorStream)
		api.GET("/monitor/snapshot", g.handleMonitorSnapshot)
		api.GET("/monitor/ws", g.handleMonitorWS)
	}
}

// requireAuth gates a route on a valid bearer token. With auth disabled
// (or not configured) every request passes.
func (g *Gateway) requireAuth() gin.HandlerFunc {
	if g.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return g.auth.RequireAuth()
}

// Start binds the listener and serves in a goroutine. It returns once
// the server is accepting connections.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	g.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		g.port = tcpAddr.Port
	}

	g.server = &http.Server{
		Handler:      g.router,
		ReadTimeout:  g.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: g.cfg.Server.WriteTimeoutDuration(),
	}

	hubCtx, hubCancel := appctx.Unbounded(ctx, g.stopCh)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer hubCancel()
		g.hub.Run(hubCtx)
	}()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.feedHub(hubCtx)
	}()

	ready := make(chan struct{})
	go func() {
		g.mu.Lock()
		g.running = true
		g.mu.Unlock()
		close(ready)

		g.log.Info("Gateway listening",
			zap.Int("port", g.port),
			zap.String("rpc", "/"),
			zap.String("agent_card", "/.well-known/agent-card.json"))

		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.log.Error("Gateway server error", zap.Error(err))
		}

		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends all SSE streams and background processors, then shuts the
// HTTP server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })

	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("Gateway stopped with background work still draining")
	}
	return err
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, g.card)
}

func (g *Gateway) handleDiscoverAgents(c *gin.Context) {
	c.JSON(http.StatusOK, g.broker.ListAgents(c.Request.Context()))
}

// corsMiddleware returns a CORS middleware for HTTP, SSE, and WebSocket
// connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
