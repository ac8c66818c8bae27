package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserSession is an authenticated principal. Sessions created by the
// password grant carry tokens and live in the session store; sessions
// built from a bare bearer token are ephemeral and are not stored.
type UserSession struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Roles        []string  `json:"roles"`
}

// Valid reports whether the session has not expired
func (s *UserSession) Valid() bool {
	return s != nil && time.Now().UTC().Before(s.ExpiresAt)
}

// HasRole reports whether the session carries the given realm role
func (s *UserSession) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Admin reports whether the session may pass the admin gate. Both the
// realm-wide and the application-scoped admin role qualify.
func (s *UserSession) Admin() bool {
	return s.HasRole("admin") || s.HasRole("a2a-admin")
}

// sessionStore keeps login sessions in memory, indexed by session id.
// Expired entries are pruned on every write so the map cannot grow
// unbounded under repeated logins.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*UserSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*UserSession)}
}

// Put stores a session, pruning expired entries first.
func (st *sessionStore) Put(session *UserSession) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	for id, s := range st.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(st.sessions, id)
		}
	}
	st.sessions[session.SessionID] = session
}

// Get returns a live session by id and refreshes its activity stamp.
func (st *sessionStore) Get(sessionID string) (*UserSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	session, ok := st.sessions[sessionID]
	if !ok || !session.Valid() {
		return nil, false
	}
	session.LastActivity = time.Now().UTC()
	return session, true
}

// ByAccessToken returns the live session holding the given access token.
func (st *sessionStore) ByAccessToken(token string) (*UserSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, session := range st.sessions {
		if session.AccessToken == token && session.Valid() {
			session.LastActivity = time.Now().UTC()
			return session, true
		}
	}
	return nil, false
}

// ByRefreshToken returns the session holding the given refresh token,
// expired or not; the refresh grant replaces it in place.
func (st *sessionStore) ByRefreshToken(token string) (*UserSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, session := range st.sessions {
		if session.RefreshToken == token {
			return session, true
		}
	}
	return nil, false
}

// Remove deletes a session and returns it, if present.
func (st *sessionStore) Remove(sessionID string) (*UserSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	session, ok := st.sessions[sessionID]
	if ok {
		delete(st.sessions, sessionID)
	}
	return session, ok
}

// Active returns the live sessions belonging to a user.
func (st *sessionStore) Active(userID string) []*UserSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*UserSession
	for _, session := range st.sessions {
		if session.UserID == userID && session.Valid() {
			out = append(out, session)
		}
	}
	return out
}

func newSessionID() string {
	return uuid.New().String()
}
