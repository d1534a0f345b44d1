package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/synoproxy/synoproxy/internal/webauth"
)

const sessionCookieName = "session"

type contextKey string

const sessionContextKey contextKey = "web_session"

// SetSessionCookie writes the session cookie. Secure is set when the
// request arrived over TLS or through a TLS-terminating proxy.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sess *webauth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireSession wraps a handler with session authentication. The
// session lands in the request context for handlers that need the
// username or token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		sess, ok := s.web.ValidateSession(cookie.Value)
		if !ok {
			ClearSessionCookie(w)
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// sessionFromContext returns the authenticated session placed by
// requireSession, nil outside of it.
func sessionFromContext(ctx context.Context) *webauth.Session {
	sess, _ := ctx.Value(sessionContextKey).(*webauth.Session)
	return sess
}

// SecurityHeaders sets response headers for browser-side hardening. The
// CSP is strict because this backend serves only JSON; the UI bundle is
// served elsewhere.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// accessLogWriter wraps http.ResponseWriter to capture the status code.
type accessLogWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *accessLogWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *accessLogWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func (rw *accessLogWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// accessLogger logs all HTTP requests and feeds the request metrics.
func (s *Server) accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &accessLogWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"ip", getClientIP(r),
			"status", rw.status,
			"size", rw.size,
			"duration", duration,
		)
		s.metrics.RecordAPIRequest(r.Method, r.URL.Path, rw.status, duration.Seconds())
	})
}
