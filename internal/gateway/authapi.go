package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type logoutRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (g *Gateway) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if g.auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Authentication is disabled"})
		return
	}

	session, err := g.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		g.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionEnvelope(session))
}

func (g *Gateway) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if g.auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Authentication is disabled"})
		return
	}

	session, err := g.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		g.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionEnvelope(session))
}

// handleLogout drops the session. Logging out an unknown or already
// removed session still succeeds.
func (g *Gateway) handleLogout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if g.auth != nil {
		g.auth.Logout(c.Request.Context(), req.SessionID)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

func (g *Gateway) handleAuthStatus(c *gin.Context) {
	if g.auth == nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available": g.auth.Enabled(),
		"issuer":    g.auth.Issuer(),
		"client_id": g.auth.ClientID(),
	})
}

func (g *Gateway) handleAuthMe(c *gin.Context) {
	session, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    session.UserID,
		"sessionId": session.SessionID,
		"email":     session.Email,
		"username":  session.Username,
		"name":      session.Name,
		"roles":     session.Roles,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// sessionEnvelope is the login and refresh response body. Field names
// are camelCase for compatibility with existing clients.
func sessionEnvelope(session *auth.UserSession) gin.H {
	return gin.H{
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
		"session": gin.H{
			"userId":    session.UserID,
			"sessionId": session.SessionID,
			"email":     session.Email,
			"username":  session.Username,
			"name":      session.Name,
			"roles":     session.Roles,
		},
	}
}

func (g *Gateway) writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Authentication is disabled"})
	case errors.Is(err, auth.ErrAuthUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Authentication service unavailable"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid credentials"})
	case errors.Is(err, auth.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Session expired"})
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
	default:
		g.log.Error("Auth request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Authentication failed"})
	}
}
