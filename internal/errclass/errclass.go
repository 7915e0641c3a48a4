// Package errclass is the single home for the error taxonomy shared by the
// token manager, the HTTP client, and the fetcher: which HTTP statuses are
// transient, which fetch outcomes may be retried, and which OAuth error codes
// terminate the session.
package errclass

import "net/http"

// Transient statuses retried at the transport layer.
var transientStatuses = map[int]struct{}{
	http.StatusRequestTimeout:        {}, // 408
	http.StatusRequestEntityTooLarge: {}, // 413
	http.StatusTooManyRequests:       {}, // 429
	http.StatusInternalServerError:   {}, // 500
	http.StatusBadGateway:            {}, // 502
	http.StatusServiceUnavailable:    {}, // 503
	http.StatusGatewayTimeout:        {}, // 504
}

// TransientStatus reports whether the transport layer may retry a response
// with the given status code.
func TransientStatus(status int) bool {
	_, ok := transientStatuses[status]
	return ok
}

// RetryableFetchStatus reports whether the fetcher's revalidation loop may
// retry after receiving the given status. 4xx responses are terminal for a
// fetch key, with 429 as the only exception; status 0 stands for a
// network-level failure with no response.
func RetryableFetchStatus(status int) bool {
	if status >= 400 && status < 500 {
		return status == http.StatusTooManyRequests
	}
	return status >= 500 || status == 0
}

// OAuth error codes that indicate the grant or client is permanently invalid.
// A refresh failing with one of these can never succeed again with the same
// credentials, so the session must end.
const (
	OAuthInvalidGrant       = "invalid_grant"
	OAuthInvalidClient      = "invalid_client"
	OAuthUnauthorizedClient = "unauthorized_client"
)

// FatalOAuthCode reports whether an OAuth token endpoint error code is fatal
// to the session.
func FatalOAuthCode(code string) bool {
	switch code {
	case OAuthInvalidGrant, OAuthInvalidClient, OAuthUnauthorizedClient:
		return true
	}
	return false
}
