package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/broker"
	"github.com/quantum-forge/a2a-server/internal/events"
	"github.com/quantum-forge/a2a-server/internal/gateway/websocket"
)

var monitorUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleMonitorStream serves the firehose as SSE: a connected frame,
// then every events:* publication as it happens. Task-scoped
// republications are filtered out so each update appears once.
func (g *Gateway) handleMonitorStream(c *gin.Context) {
	sub, err := g.broker.SubscribeAll(c.Request.Context())
	if err != nil {
		g.log.Error("Monitor subscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Subscription failed"})
		return
	}
	defer sub.Unsubscribe()

	writeSSEHeaders(c)
	hello, _ := json.Marshal(gin.H{
		"type":      "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := writeSSEData(c.Writer, hello); err != nil {
		return
	}

	idle := time.NewTimer(g.heartbeatEvery)
	defer idle.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-g.stopCh:
			return

		case pub, ok := <-sub.Events():
			if !ok {
				// Broker closed us out, most likely for falling behind.
				return
			}
			frame, ok := monitorFrame(pub)
			if !ok {
				continue
			}
			if err := writeSSEData(c.Writer, frame); err != nil {
				g.log.Debug("Monitor stream write failed", zap.Error(err))
				return
			}
			resetTimer(idle, g.heartbeatEvery)

		case <-idle.C:
			if err := writeSSEComment(c.Writer, "heartbeat"); err != nil {
				return
			}
			idle.Reset(g.heartbeatEvery)
		}
	}
}

// handleMonitorSnapshot returns a point-in-time view of the server:
// registered agents, open protocol tasks, queue depth, and workers.
func (g *Gateway) handleMonitorSnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	tasks, err := g.tasks.ListTasks(ctx, "")
	if err != nil {
		g.log.Error("Snapshot task listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Snapshot failed"})
		return
	}
	counts, err := g.queue.CountTasksByStatus(ctx)
	if err != nil {
		g.log.Error("Snapshot queue counts failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Snapshot failed"})
		return
	}
	workers, err := g.queue.ListWorkers(ctx)
	if err != nil {
		g.log.Error("Snapshot worker listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Snapshot failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"agents":    g.broker.ListAgents(ctx),
		"tasks":     tasks,
		"queue":     counts,
		"workers":   workers,
	})
}

// handleMonitorWS upgrades to WebSocket and attaches the connection to
// the hub, which mirrors the SSE monitor feed.
func (g *Gateway) handleMonitorWS(c *gin.Context) {
	conn, err := monitorUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	g.log.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := websocket.NewClient(clientID, conn, g.hub, g.log)
	g.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// feedHub relays events:* publications into the WebSocket hub for as
// long as the gateway runs. Started by Start alongside the hub itself.
func (g *Gateway) feedHub(ctx context.Context) {
	sub, err := g.broker.SubscribeAll(ctx)
	if err != nil {
		g.log.Error("Hub feed subscription failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case pub, ok := <-sub.Events():
			if !ok {
				return
			}
			if frame, ok := monitorFrame(pub); ok {
				g.hub.Broadcast(frame)
			}
		}
	}
}

// monitorFrame renders a publication for the monitor feeds. Only
// events:* channels pass; task:* republications duplicate them.
func monitorFrame(pub *broker.Publication) ([]byte, bool) {
	if !events.IsEventChannel(pub.Channel) {
		return nil, false
	}
	frame, err := json.Marshal(pub)
	if err != nil {
		return nil, false
	}
	return frame, true
}
