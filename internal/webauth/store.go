// Package webauth manages the web UI's own login layer: a single
// bcrypt-protected account and bearer-token sessions, both persisted so
// logins survive restarts. This layer is entirely separate from the NAS
// credentials; compromising a web session never yields NAS secrets.
package webauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/synoproxy/synoproxy/internal/clock"
	"github.com/synoproxy/synoproxy/internal/config"
	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/secrets"
)

const sessionTokenBytes = 32

// Session is one authenticated browser session.
type Session struct {
	Token      string    `json:"token"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RememberMe bool      `json:"remember_me"`
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Persistence is the storage port for the session map. *secrets.Store
// satisfies it; tests substitute an in-memory implementation.
type Persistence interface {
	LoadJSON(v any) secrets.LoadResult
	SaveJSON(v any) error
}

// Store owns the web account and its sessions. All mutating operations
// persist before returning so a crash never silently drops a session or
// a password change.
type Store struct {
	mu          sync.RWMutex
	account     *Account
	sessions    map[string]*Session
	accountPath string
	persist     Persistence
	cfg         config.WebAuthConfig
	logger      *logging.Logger
	clock       clock.Clock
}

// New loads the account file and persisted sessions. When no account
// exists and bootstrap credentials are configured, the account is
// created from them so first deployments need no interactive setup.
func New(accountPath string, persist Persistence, cfg config.WebAuthConfig, logger *logging.Logger, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		accountPath: accountPath,
		persist:     persist,
		cfg:         cfg,
		logger:      logger.Component("webauth"),
		clock:       clk,
	}

	acct, err := loadAccount(accountPath)
	if err != nil {
		return nil, err
	}
	s.account = acct

	if s.account == nil && cfg.BootstrapUsername != "" && cfg.BootstrapPassword != "" {
		if err := s.bootstrap(cfg.BootstrapUsername, cfg.BootstrapPassword); err != nil {
			return nil, fmt.Errorf("failed to bootstrap account from environment: %w", err)
		}
		s.logger.Info("Created web account from environment", "username", cfg.BootstrapUsername)
	}

	s.loadSessions()
	return s, nil
}

func (s *Store) bootstrap(username, password string) error {
	if err := checkPasswordPolicy(password); err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	acct := &Account{Username: username, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	if err := saveAccount(s.accountPath, acct); err != nil {
		return err
	}
	s.account = acct
	return nil
}

// loadSessions restores persisted sessions, dropping any already
// expired. An unreadable file degrades to an empty session set; users
// simply log in again.
func (s *Store) loadSessions() {
	var persisted map[string]*Session
	switch res := s.persist.LoadJSON(&persisted); res.State {
	case secrets.Empty:
		return
	case secrets.Failed:
		s.logger.Warn("Could not read persisted web sessions, starting fresh", "error", res.Err)
		return
	}

	now := s.clock.Now()
	kept := 0
	for token, sess := range persisted {
		if sess.Expired(now) {
			continue
		}
		s.sessions[token] = sess
		kept++
	}
	s.logger.Debug("Restored web sessions", "count", kept, "dropped", len(persisted)-kept)
}

// saveSessionsLocked persists the session map. Caller must hold mu.
func (s *Store) saveSessionsLocked() error {
	return s.persist.SaveJSON(s.sessions)
}

// SetupRequired reports whether no account exists yet. Until setup
// completes, login is impossible and the API only offers the setup
// endpoint.
func (s *Store) SetupRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account == nil
}

// Username returns the configured account name, empty before setup.
func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return ""
	}
	return s.account.Username
}

// CompleteSetup creates the account. Fails with ErrSetupDone when an
// account already exists; setup is strictly once.
func (s *Store) CompleteSetup(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account != nil {
		return ErrSetupDone
	}
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if err := s.bootstrap(username, password); err != nil {
		return err
	}
	s.logger.Info("Web account created", "username", username)
	return nil
}

// VerifyCredentials checks a username/password pair. A wrong username
// still runs a bcrypt comparison so response timing does not reveal
// whether the username exists.
func (s *Store) VerifyCredentials(username, password string) error {
	s.mu.RLock()
	acct := s.account
	s.mu.RUnlock()

	if acct == nil {
		return ErrSetupRequired
	}

	hash := dummyHash
	nameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(acct.Username)) == 1
	if nameMatch {
		hash = acct.PasswordHash
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil || !nameMatch {
		return ErrInvalidCredentials
	}
	return nil
}

// CreateSession mints a session token for the user. Remember-me sessions
// get the long TTL, others the short one.
func (s *Store) CreateSession(username string, rememberMe bool) (*Session, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	ttl := s.cfg.SessionTTL
	if rememberMe {
		ttl = s.cfg.RememberTTL
	}
	now := s.clock.Now()
	sess := &Session{
		Token:      hex.EncodeToString(raw),
		Username:   username,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		RememberMe: rememberMe,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	if err := s.saveSessionsLocked(); err != nil {
		delete(s.sessions, sess.Token)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	return sess, nil
}

// ValidateSession returns the session for a token, evicting it lazily
// when expired.
func (s *Store) ValidateSession(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, false
	}
	if sess.Expired(s.clock.Now()) {
		delete(s.sessions, token)
		if err := s.saveSessionsLocked(); err != nil {
			s.logger.Warn("Failed to persist session eviction", "error", err)
		}
		return nil, false
	}
	return sess, true
}

// DeleteSession removes the token. Unknown tokens are a no-op so logout
// is idempotent.
func (s *Store) DeleteSession(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return
	}
	delete(s.sessions, token)
	if err := s.saveSessionsLocked(); err != nil {
		s.logger.Warn("Failed to persist session removal", "error", err)
	}
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ChangePassword verifies the current password, applies the new one, and
// invalidates every session. The caller's own session dies too; they log
// in again with the new password.
func (s *Store) ChangePassword(currentPassword, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account == nil {
		return ErrSetupRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.account.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}

	updated := *s.account
	updated.PasswordHash = hash
	updated.UpdatedAt = s.clock.Now()
	if err := saveAccount(s.accountPath, &updated); err != nil {
		return err
	}
	s.account = &updated

	s.sessions = make(map[string]*Session)
	if err := s.saveSessionsLocked(); err != nil {
		s.logger.Warn("Failed to persist session invalidation", "error", err)
	}
	s.logger.Info("Web password changed, all sessions invalidated")
	return nil
}

// PruneExpired evicts expired sessions in bulk. Intended for periodic
// background runs; ValidateSession already evicts lazily on access.
func (s *Store) PruneExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	pruned := 0
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
			pruned++
		}
	}
	if pruned > 0 {
		if err := s.saveSessionsLocked(); err != nil {
			s.logger.Warn("Failed to persist session pruning", "error", err)
		}
	}
	return pruned
}
