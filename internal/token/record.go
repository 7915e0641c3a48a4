package token

import "time"

// Record is the OAuth token pair for the signed-in session. At most one
// Record is live per session; validity is a pure function of IssuedAt +
// ExpiresIn against the clock.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// ExpiresAt returns the instant the access token stops being valid.
func (r *Record) ExpiresAt() time.Time {
	return time.Unix(r.IssuedAt+r.ExpiresIn, 0)
}

// ExpiredAt reports whether the access token is expired at t, treating the
// final leeway before expiry as already expired.
func (r *Record) ExpiredAt(t time.Time, leeway time.Duration) bool {
	return !t.Add(leeway).Before(r.ExpiresAt())
}
