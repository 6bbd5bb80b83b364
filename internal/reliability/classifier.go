package reliability

import "net/http"

// IsRetryableHTTPStatus reports whether a failed request may succeed if
// repeated unchanged: rate limiting and transient server-side failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
