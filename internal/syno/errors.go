package syno

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the upstream taxonomy. Handlers map these to HTTP
// status codes; nothing below the API layer knows about HTTP statuses.
var (
	// ErrAuthRequired means no session and no device token exist, so the
	// caller must run the first-login flow out-of-band.
	ErrAuthRequired = errors.New("no valid session or device token; first login required")

	// ErrUpstreamUnavailable wraps transport-level failures (timeout,
	// refused connection, DNS) talking to the NAS.
	ErrUpstreamUnavailable = errors.New("upstream NAS unreachable")

	// ErrNotFound means the rule UUID does not exist upstream.
	ErrNotFound = errors.New("rule not found")
)

// APIError is a success:false response from the DSM API, carrying the
// vendor code and message so callers can decide retry vs abort.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream rejected request (code %d)", e.Code)
	}
	return fmt.Sprintf("upstream rejected request (code %d): %s", e.Code, e.Message)
}

// LoginFailure classifies a failed SYNO.API.Auth login.
type LoginFailure int

const (
	LoginFailureUnknown LoginFailure = iota
	LoginInvalidCredentials
	LoginOtpRequired
	LoginInvalidOtp
)

// DSM auth error codes. 403/406 ask for a second factor, 404 rejects the
// supplied one, and the remainder are account/credential problems.
const (
	authErrNoSuchAccount    = 400
	authErrAccountDisabled  = 401
	authErrPermissionDenied = 402
	authErrOtpRequired      = 403
	authErrOtpInvalid       = 404
	authErrOtpEnforced      = 406
	authErrIPBlocked        = 407
	authErrPasswordExpired  = 408
	authErrPasswordChanged  = 409
	authErrPasswordMustSet  = 410
)

// ClassifyLogin disambiguates a login failure by upstream error code,
// falling back to message keywords when the code alone is not decisive.
func ClassifyLogin(err error) LoginFailure {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return LoginFailureUnknown
	}

	switch apiErr.Code {
	case authErrNoSuchAccount, authErrAccountDisabled, authErrPermissionDenied,
		authErrIPBlocked, authErrPasswordExpired, authErrPasswordChanged,
		authErrPasswordMustSet:
		return LoginInvalidCredentials
	case authErrOtpRequired, authErrOtpEnforced:
		return LoginOtpRequired
	case authErrOtpInvalid:
		return LoginInvalidOtp
	}

	msg := strings.ToLower(apiErr.Message)
	for _, kw := range []string{"otp", "2fa", "two-factor", "two factor", "verification code", "authenticator"} {
		if strings.Contains(msg, kw) {
			return LoginOtpRequired
		}
	}
	return LoginFailureUnknown
}
