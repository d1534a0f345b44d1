package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Common error messages. Login failures deliberately share one generic
// message so responses never reveal which part of the credentials was
// wrong.
const (
	ErrInvalidBody        = "Invalid request body"
	ErrInvalidCredentials = "Invalid credentials"
	ErrUnauthorized       = "Unauthorized"
	ErrForbidden          = "Forbidden"
	ErrNotFound           = "Not found"
)

// getClientIP extracts the client IP from the request.
// Respects X-Forwarded-For and X-Real-IP headers for proxy situations.
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response.
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// SuccessResponse sends the bare {"success": true} body.
func SuccessResponse(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// BindJSON decodes JSON from request body into the provided pointer.
// Returns true on success, false if decoding failed (error response
// already sent). Unknown fields are rejected so client typos surface as
// 400s instead of silently ignored options.
func BindJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return false
	}
	return true
}

// BindJSONLenient decodes JSON but allows unknown fields. Used for rule
// payloads, where the vendor schema carries fields this service does not
// model.
func BindJSONLenient[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		WriteError(w, http.StatusBadRequest, ErrInvalidBody)
		return false
	}
	return true
}
