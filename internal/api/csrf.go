package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const csrfTokenTTL = 24 * time.Hour

// CSRFManager manages CSRF tokens for session protection.
type CSRFManager struct {
	tokens map[string]*csrfToken // session token -> CSRF token
	mu     sync.RWMutex
}

type csrfToken struct {
	value     string
	createdAt time.Time
}

// NewCSRFManager creates a new CSRF token manager.
func NewCSRFManager() *CSRFManager {
	mgr := &CSRFManager{
		tokens: make(map[string]*csrfToken),
	}

	go mgr.cleanupExpiredTokens()

	return mgr
}

// GenerateToken generates a new CSRF token for a session.
func (m *CSRFManager) GenerateToken(sessionToken string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	token := hex.EncodeToString(tokenBytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[sessionToken] = &csrfToken{
		value:     token,
		createdAt: time.Now(),
	}

	return token, nil
}

// GetToken retrieves an existing CSRF token for a session.
func (m *CSRFManager) GetToken(sessionToken string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.tokens[sessionToken]
	if !exists || time.Since(stored.createdAt) > csrfTokenTTL {
		return "", false
	}
	return stored.value, true
}

// ValidateToken validates a CSRF token for a session.
func (m *CSRFManager) ValidateToken(sessionToken, token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, exists := m.tokens[sessionToken]
	if !exists || time.Since(stored.createdAt) > csrfTokenTTL {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored.value), []byte(token)) == 1
}

// DeleteToken removes a CSRF token (e.g., on logout).
func (m *CSRFManager) DeleteToken(sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, sessionToken)
}

// cleanupExpiredTokens periodically removes expired tokens.
func (m *CSRFManager) cleanupExpiredTokens() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		for sessionToken, token := range m.tokens {
			if time.Since(token.createdAt) > csrfTokenTTL {
				delete(m.tokens, sessionToken)
			}
		}
		m.mu.Unlock()
	}
}

// csrfExemptPaths can be called before any session exists, so they
// cannot carry a CSRF token. Login and setup are protected by rate
// limiting and the credentials themselves.
var csrfExemptPaths = map[string]bool{
	"/api/auth/login": true,
	"/api/auth/setup": true,
}

// CSRFMiddleware validates CSRF tokens on state-changing requests.
func CSRFMiddleware(manager *CSRFManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut &&
				r.Method != http.MethodDelete && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			if csrfExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			sessionCookie, err := r.Cookie(sessionCookieName)
			if err != nil {
				WriteError(w, http.StatusForbidden, "CSRF validation failed: no session")
				return
			}

			token := r.Header.Get("X-CSRF-Token")
			if token == "" {
				WriteError(w, http.StatusForbidden, "CSRF validation failed: missing token")
				return
			}

			if !manager.ValidateToken(sessionCookie.Value, token) {
				WriteError(w, http.StatusForbidden, "CSRF validation failed: invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
