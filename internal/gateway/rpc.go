package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/auth"
	"github.com/quantum-forge/a2a-server/internal/protocol"
	"github.com/quantum-forge/a2a-server/internal/task"
)

// handleRPC is the JSON-RPC 2.0 entry point. Envelope problems are
// answered before any method runs; the auth gate sits between envelope
// validation and method dispatch so unauthenticated callers cannot
// probe for methods.
func (g *Gateway) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		g.writeError(c, http.StatusBadRequest, nil, protocol.ErrCodeParse, "Parse error")
		return
	}

	var req protocol.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		if !json.Valid(body) {
			g.writeError(c, http.StatusBadRequest, nil, protocol.ErrCodeParse, "Parse error")
			return
		}
		// Valid JSON with the wrong shape. Echo the id back when the
		// body carries a usable one.
		g.writeError(c, http.StatusBadRequest, recoverRequestID(body), protocol.ErrCodeInvalidRequest, "Invalid Request")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		g.writeError(c, http.StatusBadRequest, req.ID, protocol.ErrCodeInvalidRequest, "Invalid Request")
		return
	}

	if g.auth != nil && g.auth.Enabled() {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if _, err := g.auth.Authenticate(c.Request.Context(), token); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrAuthUnavailable) {
				status = http.StatusServiceUnavailable
			}
			g.writeError(c, status, req.ID, protocol.ErrCodeApplication, "Authentication failed")
			return
		}
	}

	switch req.Method {
	case protocol.MethodMessageSend:
		g.rpcSendMessage(c, &req)
	case protocol.MethodMessageStream:
		g.rpcStreamMessage(c, &req)
	case protocol.MethodTasksGet:
		g.rpcGetTask(c, &req)
	case protocol.MethodTasksCancel:
		g.rpcCancelTask(c, &req)
	case protocol.MethodTasksResubscribe:
		g.rpcResubscribeTask(c, &req)
	default:
		g.writeError(c, http.StatusBadRequest, req.ID, protocol.ErrCodeMethodNotFound, "Method not found")
	}
}

// writeError emits a JSON-RPC error response with the given HTTP status.
func (g *Gateway) writeError(c *gin.Context, status int, id interface{}, code int, message string) {
	if status >= http.StatusInternalServerError {
		g.log.Error("RPC request failed",
			zap.Int("code", code),
			zap.String("message", message))
	} else {
		g.log.Debug("RPC request rejected",
			zap.Int("code", code),
			zap.String("message", message))
	}
	c.JSON(status, protocol.NewErrorResponse(id, code, message))
}

// writeInvalidParams rejects a request whose params failed to bind.
func (g *Gateway) writeInvalidParams(c *gin.Context, id interface{}, detail string) {
	g.writeError(c, http.StatusBadRequest, id, protocol.ErrCodeInvalidParams, "Invalid parameters: "+detail)
}

// writeTaskError maps task manager failures onto the RPC error space:
// missing tasks and illegal transitions are application errors the
// caller provoked, anything else is internal.
func (g *Gateway) writeTaskError(c *gin.Context, id interface{}, taskID string, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		g.writeError(c, http.StatusBadRequest, id, protocol.ErrCodeApplication, "Task not found: "+taskID)
	case errors.Is(err, task.ErrInvalidTransition):
		g.writeError(c, http.StatusBadRequest, id, protocol.ErrCodeApplication, err.Error())
	default:
		g.writeError(c, http.StatusInternalServerError, id, protocol.ErrCodeInternal, "Internal error: "+err.Error())
	}
}

// recoverRequestID pulls the id out of a JSON body that failed envelope
// validation, so the error response still correlates.
func recoverRequestID(body []byte) interface{} {
	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe["id"]
}
