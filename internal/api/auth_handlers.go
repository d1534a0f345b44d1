package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/synoproxy/synoproxy/internal/syno"
	"github.com/synoproxy/synoproxy/internal/webauth"
)

// --- Web auth handlers ---

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{
		"setup_required": s.web.SetupRequired(),
	})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)
	if s.cfg.RateLimit.Enabled && !s.limiter.Allow("setup:"+clientIP) {
		WriteError(w, http.StatusTooManyRequests, "Too many setup attempts. Please try again later.")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !BindJSON(w, r, &req) {
		return
	}

	if err := s.web.CompleteSetup(req.Username, req.Password); err != nil {
		s.limiter.RecordFailure("setup:" + clientIP)
		switch {
		case errors.Is(err, webauth.ErrSetupDone):
			WriteError(w, http.StatusForbidden, "Account already configured")
		case errors.Is(err, webauth.ErrWeakPassword):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.logger.Info("Account created via setup", "username", req.Username, "ip", clientIP)

	// Auto-login the new account
	sess, err := s.web.CreateSession(req.Username, false)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	s.metrics.ActiveWebSessions.Set(float64(s.web.SessionCount()))

	csrfToken, _ := s.csrf.GenerateToken(sess.Token)
	SetSessionCookie(w, r, sess)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"authenticated": true,
		"username":      req.Username,
		"csrf_token":    csrfToken,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if !BindJSON(w, r, &creds) {
		return
	}

	clientIP := getClientIP(r)
	identifier := clientIP + ":" + creds.Username

	// The limit is checked before credential verification so a locked-out
	// source cannot keep burning bcrypt cycles.
	if s.cfg.RateLimit.Enabled && !s.limiter.Allow(identifier) {
		retryAfter := s.limiter.RetryAfter(identifier)
		s.logger.Warn("Rate limit exceeded for login", "ip", clientIP)
		s.metrics.RateLimitedLogins.Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
		WriteError(w, http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
		return
	}

	if err := s.web.VerifyCredentials(creds.Username, creds.Password); err != nil {
		if errors.Is(err, webauth.ErrSetupRequired) {
			WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error":          "No account configured",
				"setup_required": true,
			})
			return
		}
		s.logger.Warn("Failed login attempt", "username", creds.Username, "ip", clientIP)
		s.limiter.RecordFailure(identifier)
		s.metrics.RecordLogin("failure")
		WriteError(w, http.StatusUnauthorized, ErrInvalidCredentials)
		return
	}

	s.limiter.Clear(identifier)

	sess, err := s.web.CreateSession(creds.Username, creds.RememberMe)
	if err != nil {
		s.logger.Error("Failed to create session", "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	s.logger.Info("Successful login", "username", creds.Username, "ip", clientIP)
	s.metrics.RecordLogin("success")
	s.metrics.ActiveWebSessions.Set(float64(s.web.SessionCount()))

	csrfToken, err := s.csrf.GenerateToken(sess.Token)
	if err != nil {
		s.logger.Error("Failed to generate CSRF token", "error", err)
	}

	SetSessionCookie(w, r, sess)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"username":      creds.Username,
		"csrf_token":    csrfToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.csrf.DeleteToken(cookie.Value)
		s.web.DeleteSession(cookie.Value)
		s.metrics.ActiveWebSessions.Set(float64(s.web.SessionCount()))
	}
	ClearSessionCookie(w)
	SuccessResponse(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated":  false,
			"setup_required": s.web.SetupRequired(),
		})
		return
	}

	sess, ok := s.web.ValidateSession(cookie.Value)
	if !ok {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated":  false,
			"setup_required": s.web.SetupRequired(),
		})
		return
	}

	csrfToken, exists := s.csrf.GetToken(cookie.Value)
	if !exists {
		csrfToken, err = s.csrf.GenerateToken(cookie.Value)
		if err != nil {
			s.logger.Error("Failed to generate CSRF token", "error", err)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":  true,
		"username":       sess.Username,
		"setup_required": false,
		"csrf_token":     csrfToken,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !BindJSON(w, r, &req) {
		return
	}

	if err := s.web.ChangePassword(req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, webauth.ErrInvalidCredentials):
			WriteError(w, http.StatusUnauthorized, "Current password is incorrect")
		case errors.Is(err, webauth.ErrWeakPassword):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("Password change failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "Failed to change password")
		}
		return
	}

	s.metrics.PasswordChanges.Inc()
	s.metrics.ActiveWebSessions.Set(0)

	// Every session is now invalid, including the caller's.
	ClearSessionCookie(w)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"relogin_needed": true,
	})
}

// --- NAS first-login handler ---

func (s *Server) handleFirstLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OtpCode string `json:"otp_code"`
	}
	if !BindJSON(w, r, &req) {
		return
	}

	result, err := s.nas.FirstLogin(r.Context(), req.OtpCode)
	if err != nil {
		switch syno.ClassifyLogin(err) {
		case syno.LoginInvalidCredentials:
			WriteError(w, http.StatusUnauthorized, "NAS rejected the configured credentials")
		case syno.LoginOtpRequired:
			WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":        "OTP code required",
				"requires_otp": true,
			})
		case syno.LoginInvalidOtp:
			WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":        "OTP code invalid or expired",
				"requires_otp": true,
			})
		default:
			s.writeUpstreamError(w, err)
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":             true,
		"already_trusted":     result.AlreadyTrusted,
		"device_token_saved":  result.DeviceTokenSaved,
		"retried_without_otp": result.RetriedWithoutOtp,
	})
}
