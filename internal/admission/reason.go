package admission

import "net/http"

// Reason classifies an admission decision.
type Reason int

const (
	ReasonAllowed Reason = iota
	// ReasonMissingCredential means no API key was supplied at all.
	ReasonMissingCredential
	// ReasonInvalidCredential covers both unknown and revoked keys. The
	// two are deliberately indistinguishable to the caller so probing
	// responses leak no enumeration signal.
	ReasonInvalidCredential
	ReasonEndpointNotAllowed
	ReasonIPBlacklisted
	ReasonRateLimited
	// ReasonStoreUnavailable covers credential-store lookup failures and
	// counter-store errors under fail-closed limiting.
	ReasonStoreUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonAllowed:
		return "allowed"
	case ReasonMissingCredential:
		return "missing credential"
	case ReasonInvalidCredential:
		return "invalid credential"
	case ReasonEndpointNotAllowed:
		return "endpoint not allowed"
	case ReasonIPBlacklisted:
		return "ip blacklisted"
	case ReasonRateLimited:
		return "rate limit exceeded"
	case ReasonStoreUnavailable:
		return "store unavailable"
	default:
		return "unknown"
	}
}

// StatusCode maps the reason to its HTTP status.
func (r Reason) StatusCode() int {
	switch r {
	case ReasonAllowed:
		return http.StatusOK
	case ReasonMissingCredential:
		return http.StatusUnauthorized
	case ReasonInvalidCredential, ReasonEndpointNotAllowed, ReasonIPBlacklisted:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message is the JSON error body text for a rejection.
func (r Reason) Message() string {
	switch r {
	case ReasonMissingCredential:
		return "API key is required"
	case ReasonInvalidCredential:
		return "Not valid API key"
	case ReasonEndpointNotAllowed:
		return "Endpoint not allowed for this API key"
	case ReasonIPBlacklisted:
		return "Access denied"
	case ReasonRateLimited:
		return "Rate limit exceeded"
	case ReasonStoreUnavailable:
		return "Service temporarily unavailable"
	default:
		return "Internal server error"
	}
}
