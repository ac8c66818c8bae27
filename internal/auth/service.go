// Package auth verifies bearer tokens against an external OIDC issuer
// and manages login sessions. Tokens are RS256 JWTs checked against the
// issuer's JWKS; a static token map covers service-to-service callers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/common/logger"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidCredentials is returned when the issuer rejects a
	// password or refresh grant.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired is returned when a refresh token is no longer
	// accepted by the issuer.
	ErrSessionExpired = errors.New("session expired")
	// ErrAuthUnavailable is returned when the issuer cannot be reached
	// and no cached key material exists.
	ErrAuthUnavailable = errors.New("authentication service unavailable")
	// ErrAuthDisabled is returned by grant operations when auth is off.
	ErrAuthDisabled = errors.New("authentication is disabled")
)

// OIDC endpoint paths below the issuer base URL (Keycloak layout).
const (
	tokenPath  = "/protocol/openid-connect/token"
	jwksPath   = "/protocol/openid-connect/certs"
	logoutPath = "/protocol/openid-connect/logout"
)

const defaultTokenLifetime = 300 * time.Second

// Service verifies bearer tokens and drives the issuer's grant flows.
// A Service with auth disabled accepts everything; the middleware and
// the RPC gate check Enabled before consulting it.
type Service struct {
	cfg      config.AuthConfig
	log      *logger.Logger
	client   *http.Client
	jwks     *jwksCache
	sessions *sessionStore
	static   map[string]string // token -> service name
}

// NewService creates the auth service. The JWKS cache is only
// constructed when an issuer is configured.
func NewService(cfg config.AuthConfig, log *logger.Logger) *Service {
	client := &http.Client{Timeout: 10 * time.Second}

	s := &Service{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "auth")),
		client:   client,
		sessions: newSessionStore(),
		static:   make(map[string]string),
	}
	for name, token := range cfg.StaticTokenMap() {
		s.static[token] = name
	}
	if cfg.Issuer != "" {
		s.jwks = newJWKSCache(cfg.Issuer+jwksPath, cfg.JWKSCacheTTLDuration(), client, s.log)
	}
	return s
}

// Enabled reports whether the bearer gate is active
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Issuer returns the configured OIDC issuer base URL
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// ClientID returns the OAuth client this server authenticates as
func (s *Service) ClientID() string {
	return s.cfg.ClientID
}

// Authenticate resolves a bearer token to a session. Static service
// tokens are checked first, then live login sessions, then the token
// is verified against the issuer and an ephemeral session is built
// from its claims.
func (s *Service) Authenticate(ctx context.Context, token string) (*UserSession, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrInvalidToken)
	}

	if name, ok := s.static[token]; ok {
		now := time.Now().UTC()
		return &UserSession{
			UserID:       "svc-" + name,
			Username:     name,
			SessionID:    "static-" + name,
			AccessToken:  token,
			ExpiresAt:    now.Add(time.Hour),
			CreatedAt:    now,
			LastActivity: now,
			Roles:        []string{"service"},
		}, nil
	}

	if session, ok := s.sessions.ByAccessToken(token); ok {
		return session, nil
	}

	claims, err := s.verifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	session := s.sessionFromClaims(claims, token, "")
	session.SessionID = "temp-" + newSessionID()
	return session, nil
}

// Login performs the password grant and stores the resulting session.
func (s *Service) Login(ctx context.Context, username, password string) (*UserSession, error) {
	if !s.cfg.Enabled || s.cfg.Issuer == "" {
		return nil, ErrAuthDisabled
	}

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"username":      {username},
		"password":      {password},
		"scope":         {"openid profile email"},
	}
	grant, err := s.tokenGrant(ctx, form)
	if err != nil {
		return nil, err
	}

	claims, err := s.verifyToken(ctx, grant.AccessToken)
	if err != nil {
		return nil, err
	}

	session := s.sessionFromClaims(claims, grant.AccessToken, grant.RefreshToken)
	session.SessionID = newSessionID()
	if grant.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().UTC().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	s.sessions.Put(session)

	s.log.Info("User authenticated",
		zap.String("username", session.Username),
		zap.String("session_id", session.SessionID))
	return session, nil
}

// Refresh exchanges a refresh token for a new session. When the
// refresh token belongs to a stored session, that session's identity
// is kept so clients resume where they were.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*UserSession, error) {
	if !s.cfg.Enabled || s.cfg.Issuer == "" {
		return nil, ErrAuthDisabled
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	grant, err := s.tokenGrant(ctx, form)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}

	claims, err := s.verifyToken(ctx, grant.AccessToken)
	if err != nil {
		return nil, err
	}

	session := s.sessionFromClaims(claims, grant.AccessToken, grant.RefreshToken)
	if prior, ok := s.sessions.ByRefreshToken(refreshToken); ok {
		session.SessionID = prior.SessionID
		session.CreatedAt = prior.CreatedAt
	} else {
		session.SessionID = newSessionID()
	}
	if grant.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().UTC().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	s.sessions.Put(session)
	return session, nil
}

// Logout drops the session and best-effort revokes its refresh token
// at the issuer. Unknown session ids are a no-op.
func (s *Service) Logout(ctx context.Context, sessionID string) {
	session, ok := s.sessions.Remove(sessionID)
	if !ok || session.RefreshToken == "" || s.cfg.Issuer == "" {
		return
	}

	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"refresh_token": {session.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.Issuer+logoutPath, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("Issuer logout failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	s.log.Info("Session logged out", zap.String("session_id", sessionID))
}

// GetSession returns a live stored session by id.
func (s *Service) GetSession(sessionID string) (*UserSession, bool) {
	return s.sessions.Get(sessionID)
}

// ActiveSessions returns the live stored sessions for a user.
func (s *Service) ActiveSessions(userID string) []*UserSession {
	return s.sessions.Active(userID)
}

// tokenResponse is the issuer's token endpoint reply.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenGrant posts a form to the issuer token endpoint. Issuer
// rejections map to ErrInvalidCredentials; transport failures map to
// ErrAuthUnavailable.
func (s *Service) tokenGrant(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.Issuer+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	var grant tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrAuthUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := grant.ErrorDescription
		if msg == "" {
			msg = "authentication failed"
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}
	return &grant, nil
}

// verifyToken parses and verifies an RS256 JWT against the issuer's
// JWKS. The audience check follows configuration; issuer and expiry
// are always enforced.
func (s *Service) verifyToken(ctx context.Context, token string) (jwt.MapClaims, error) {
	if s.jwks == nil {
		return nil, fmt.Errorf("%w: no issuer configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256"}),
	}
	if s.cfg.VerifyAudience {
		audience := s.cfg.Audience
		if audience == "" {
			audience = s.cfg.ClientID
		}
		opts = append(opts, jwt.WithAudience(audience))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return s.jwks.Key(ctx, kid)
	}, opts...)
	if err != nil {
		if errors.Is(err, ErrAuthUnavailable) {
			return nil, err
		}
		s.log.Debug("Token verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// sessionFromClaims builds a session from verified token claims. The
// user id prefers the stable sub claim and falls back to a hash of the
// email so identity survives issuer session churn.
func (s *Service) sessionFromClaims(claims jwt.MapClaims, accessToken, refreshToken string) *UserSession {
	now := time.Now().UTC()

	userID := stringClaim(claims, "sub")
	email := stringClaim(claims, "email")
	if userID == "" {
		if email != "" {
			sum := sha256.Sum256([]byte(email))
			userID = "u-" + hex.EncodeToString(sum[:])[:30]
		} else {
			userID = "u-" + newSessionID()
		}
	}

	expiresAt := now.Add(defaultTokenLifetime)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}

	return &UserSession{
		UserID:       userID,
		Email:        email,
		Username:     stringClaim(claims, "preferred_username"),
		Name:         stringClaim(claims, "name"),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		LastActivity: now,
		Roles:        realmRoles(claims),
	}
}

func stringClaim(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// realmRoles extracts realm_access.roles from Keycloak-shaped claims.
func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]interface{})
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		if role, ok := r.(string); ok {
			roles = append(roles, role)
		}
	}
	return roles
}
