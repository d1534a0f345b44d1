package syno

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synoproxy/synoproxy/internal/clock"
	"github.com/synoproxy/synoproxy/internal/config"
	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/metrics"
	"github.com/synoproxy/synoproxy/internal/secrets"
)

// Session is the authenticated state against the NAS. The device ID is
// long-lived and survives sid expiry, allowing OTP-less renewal; the
// loader therefore degrades an expired session to a device-ID-only one
// instead of discarding it.
type Session struct {
	SID       string    `json:"sid"`
	DeviceID  string    `json:"did,omitempty"`
	SynoToken string    `json:"synotoken,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the session can authenticate requests: a sid
// exists and has not passed its expiry (zero expiry = no expiry).
func (s *Session) Usable(now time.Time) bool {
	return s != nil && s.SID != "" && (s.ExpiresAt.IsZero() || !now.After(s.ExpiresAt))
}

// FirstLoginResult describes the outcome of the first-login flow.
type FirstLoginResult struct {
	// AlreadyTrusted means a device token existed and the session still
	// probed live, so no upstream login happened.
	AlreadyTrusted bool
	// DeviceTokenSaved reports whether the NAS issued a device token.
	DeviceTokenSaved bool
	// RetriedWithoutOtp means an OTP was supplied but login only
	// succeeded without it (the account has no 2FA enabled).
	RetriedWithoutOtp bool
}

// SessionManager owns the process-wide NAS session: it obtains, probes,
// renews, and persists it. Renewal is coalesced so concurrent requests
// that all find an expired session trigger at most one upstream login.
type SessionManager struct {
	client *Client
	cfg    config.SynologyConfig
	store  *secrets.Store
	logger *logging.Logger
	clock  clock.Clock
	group  singleflight.Group
}

// NewSessionManager creates a session manager persisting through store.
func NewSessionManager(client *Client, cfg config.SynologyConfig, store *secrets.Store, logger *logging.Logger, clk clock.Clock) *SessionManager {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &SessionManager{
		client: client,
		cfg:    cfg,
		store:  store,
		logger: logger.Component("syno"),
		clock:  clk,
	}
}

// Obtain returns a currently-usable session, renewing transparently when
// possible. Renewal order: reuse a live persisted session, else log in
// with the device token, else fail with ErrAuthRequired so the caller
// can direct the user to the first-login flow.
func (m *SessionManager) Obtain(ctx context.Context) (*Session, error) {
	v, err, _ := m.group.Do("obtain", func() (any, error) {
		// The outcome is shared by every coalesced waiter, so the renewal
		// must not die with whichever request happened to start it. The
		// HTTP client timeout still bounds the upstream calls.
		return m.obtain(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *SessionManager) obtain(ctx context.Context) (*Session, error) {
	sess := m.loadPersisted()

	if sess.Usable(m.clock.Now()) && m.Probe(ctx, sess) {
		return sess, nil
	}

	if sess != nil && sess.DeviceID != "" {
		m.logger.Info("NAS session expired, renewing with device token")
		renewed, err := m.login(ctx, loginParams{deviceID: sess.DeviceID})
		if err != nil {
			metrics.Get().SessionRenewals.WithLabelValues("failure").Inc()
			return nil, err
		}
		metrics.Get().SessionRenewals.WithLabelValues("success").Inc()
		return renewed, nil
	}

	return nil, ErrAuthRequired
}

// FirstLogin performs initial authentication with an optional OTP code
// and requests a device token for future OTP-less logins.
//
// The flow attempts with the supplied OTP, and on an ambiguous failure
// retries exactly once without it: an account without 2FA rejects
// unexpected otp_code parameters even though the credentials are
// correct.
func (m *SessionManager) FirstLogin(ctx context.Context, otp string) (*FirstLoginResult, error) {
	if existing := m.loadPersisted(); existing != nil && existing.DeviceID != "" {
		if existing.Usable(m.clock.Now()) && m.Probe(ctx, existing) {
			return &FirstLoginResult{AlreadyTrusted: true, DeviceTokenSaved: true}, nil
		}
	}

	sess, err := m.login(ctx, loginParams{otp: otp, enableDeviceToken: true})
	if err == nil {
		return &FirstLoginResult{DeviceTokenSaved: sess.DeviceID != ""}, nil
	}

	if otp != "" {
		switch ClassifyLogin(err) {
		case LoginInvalidCredentials:
			// Credentials are wrong regardless of OTP; retrying is useless.
		default:
			retried, retryErr := m.login(ctx, loginParams{enableDeviceToken: true})
			if retryErr == nil {
				m.logger.Info("First login succeeded without OTP; account has no 2FA")
				return &FirstLoginResult{
					DeviceTokenSaved:  retried.DeviceID != "",
					RetriedWithoutOtp: true,
				}, nil
			}
		}
	}

	return nil, err
}

// Probe checks session liveness with a harmless authenticated call.
// Anything other than an upstream success=true, including transport
// errors, counts as not valid.
func (m *SessionManager) Probe(ctx context.Context, sess *Session) bool {
	params := url.Values{}
	params.Set("api", "SYNO.Core.System")
	params.Set("method", "info")
	params.Set("version", "1")
	params.Set("_sid", sess.SID)
	if sess.SynoToken != "" {
		params.Set("SynoToken", sess.SynoToken)
	}

	if err := m.client.Get(ctx, params, nil); err != nil {
		m.logger.Debug("Session probe failed", "error", err)
		return false
	}
	return true
}

// Status reports whether a device token is on record and whether the
// current session probes live, without triggering a renewal.
func (m *SessionManager) Status(ctx context.Context) (hasDeviceToken, sessionLive bool) {
	sess := m.loadPersisted()
	if sess == nil {
		return false, false
	}
	hasDeviceToken = sess.DeviceID != ""
	sessionLive = sess.Usable(m.clock.Now()) && m.Probe(ctx, sess)
	return hasDeviceToken, sessionLive
}

type loginParams struct {
	otp               string
	deviceID          string
	enableDeviceToken bool
}

type loginData struct {
	SID       string `json:"sid"`
	DID       string `json:"did"`
	SynoToken string `json:"synotoken"`
}

// login performs a SYNO.API.Auth login and persists the resulting
// session. Every successful login goes through here so persistence
// cannot be skipped.
func (m *SessionManager) login(ctx context.Context, p loginParams) (*Session, error) {
	params := url.Values{}
	params.Set("api", "SYNO.API.Auth")
	params.Set("method", "login")
	params.Set("version", "6")
	params.Set("account", m.cfg.Username)
	params.Set("passwd", m.cfg.Password)
	params.Set("session", "Core")
	params.Set("format", "sid")
	params.Set("enable_syno_token", "yes")

	if p.deviceID != "" {
		params.Set("device_name", m.cfg.DeviceName)
		params.Set("device_id", p.deviceID)
	} else if p.enableDeviceToken {
		params.Set("enable_device_token", "yes")
		params.Set("device_name", m.cfg.DeviceName)
		if p.otp != "" {
			params.Set("otp_code", p.otp)
		}
	}

	var data loginData
	if err := m.client.Get(ctx, params, &data); err != nil {
		return nil, err
	}

	sess := &Session{
		SID:       data.SID,
		DeviceID:  data.DID,
		SynoToken: data.SynoToken,
		ExpiresAt: m.clock.Now().Add(m.cfg.SessionTTL),
	}
	// A renewal without a fresh did keeps the one already on record.
	if sess.DeviceID == "" && p.deviceID != "" {
		sess.DeviceID = p.deviceID
	}

	if err := m.store.SaveJSON(sess); err != nil {
		m.logger.Error("Failed to persist NAS session", "error", err)
		return nil, err
	}
	m.logger.Info("NAS login successful", "device_token", sess.DeviceID != "")
	return sess, nil
}

// loadPersisted reads the encrypted session file. Decryption failures
// degrade to no-session; an expired session with a device ID degrades to
// a device-ID-only session so OTP-less renewal stays possible.
func (m *SessionManager) loadPersisted() *Session {
	var sess Session
	switch res := m.store.LoadJSON(&sess); res.State {
	case secrets.Empty:
		return nil
	case secrets.Failed:
		m.logger.Warn("Could not read persisted NAS session, starting fresh", "error", res.Err)
		return nil
	}

	if sess.Usable(m.clock.Now()) {
		return &sess
	}
	if sess.DeviceID != "" {
		return &Session{DeviceID: sess.DeviceID}
	}
	return nil
}
