package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrInvalidCredential = errors.New("domain: invalid credential")
	ErrCapabilityDenied  = errors.New("domain: capability denied")
	ErrTokenExpired      = errors.New("domain: token expired")
	ErrTokenInvalid      = errors.New("domain: token invalid")
	ErrRefreshRevoked    = errors.New("domain: refresh token revoked")
	ErrInvalidArguments  = errors.New("domain: invalid arguments")
	ErrRateLimited       = errors.New("domain: rate limited")
	ErrHandlerTimeout    = errors.New("domain: handler timeout")
	ErrHandlerFault      = errors.New("domain: handler fault")
	ErrCacheUnavailable  = errors.New("domain: cache unavailable")
	ErrBusUnavailable    = errors.New("domain: sync bus unavailable")
	ErrUnknownTool       = errors.New("domain: unknown tool")
	ErrSessionNotFound   = errors.New("domain: session not found")
)

// ErrorKind is the stable machine-readable error identifier carried on
// ToolResult payloads so adapters can branch programmatically instead of
// parsing free-text messages.
type ErrorKind string

const (
	KindInvalidCredential ErrorKind = "invalid_credential"
	KindCapabilityDenied  ErrorKind = "capability_denied"
	KindTokenExpired      ErrorKind = "token_expired"
	KindTokenInvalid      ErrorKind = "token_invalid"
	KindRefreshRevoked    ErrorKind = "refresh_revoked"
	KindInvalidArguments  ErrorKind = "invalid_arguments"
	KindRateLimited       ErrorKind = "rate_limited"
	KindHandlerTimeout    ErrorKind = "handler_timeout"
	KindHandlerFault      ErrorKind = "handler_fault"
	KindCacheUnavailable  ErrorKind = "cache_unavailable"
	KindBusUnavailable    ErrorKind = "bus_unavailable"
	KindUnknownTool       ErrorKind = "unknown_tool"
)

// KindOf maps a domain error to its wire ErrorKind. Unrecognized errors map
// to KindHandlerFault: from the adapter's point of view anything unexpected
// inside the broker is a retryable handler fault.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return KindInvalidCredential
	case errors.Is(err, ErrCapabilityDenied):
		return KindCapabilityDenied
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrSessionNotFound):
		return KindTokenInvalid
	case errors.Is(err, ErrRefreshRevoked):
		return KindRefreshRevoked
	case errors.Is(err, ErrInvalidArguments):
		return KindInvalidArguments
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrHandlerTimeout):
		return KindHandlerTimeout
	case errors.Is(err, ErrCacheUnavailable):
		return KindCacheUnavailable
	case errors.Is(err, ErrBusUnavailable):
		return KindBusUnavailable
	case errors.Is(err, ErrUnknownTool):
		return KindUnknownTool
	default:
		return KindHandlerFault
	}
}

// Retryable reports whether an adapter may retry a call that failed with
// this kind. Client-error kinds are terminal; transient kinds are retried
// with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindHandlerTimeout, KindHandlerFault:
		return true
	default:
		return false
	}
}
