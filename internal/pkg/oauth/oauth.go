// Package oauth provides helpers for the OAuth authorization-code flow used
// against the HCB API: PKCE verifier/challenge generation, authorization URL
// construction, and the token endpoint payload types.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Token endpoint paths, relative to the API base URL.
const (
	TokenPath  = "/oauth/token"
	RevokePath = "/oauth/revoke"
)

// Code verifier character set (RFC 7636 compliant)
const codeVerifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateRandomBytes generates cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateState generates a random state string (base64url encoded).
func GenerateState() (string, error) {
	bytes, err := GenerateRandomBytes(32)
	if err != nil {
		return "", err
	}
	return base64URLEncode(bytes), nil
}

// GenerateCodeVerifier generates a PKCE code verifier using the character set
// method, rejecting bytes outside the charset range to keep the distribution
// uniform.
func GenerateCodeVerifier() (string, error) {
	const targetLen = 64
	charsetLen := len(codeVerifierCharset)
	limit := 256 - (256 % charsetLen)

	result := make([]byte, 0, targetLen)
	randBuf := make([]byte, targetLen*2)

	for len(result) < targetLen {
		if _, err := rand.Read(randBuf); err != nil {
			return "", err
		}
		for _, b := range randBuf {
			if int(b) < limit {
				result = append(result, codeVerifierCharset[int(b)%charsetLen])
				if len(result) >= targetLen {
					break
				}
			}
		}
	}

	return string(result), nil
}

// GenerateCodeChallenge generates a PKCE code challenge using the S256 method.
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64URLEncode(hash[:])
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// BuildAuthorizationURL builds the authorization URL for the browser step of
// the PKCE flow.
func BuildAuthorizationURL(authorizeURL, clientID, redirectURI, scope, state, codeChallenge string) string {
	encodedScope := strings.ReplaceAll(url.QueryEscape(scope), "%20", "+")
	return fmt.Sprintf("%s?client_id=%s&response_type=code&redirect_uri=%s&scope=%s&code_challenge=%s&code_challenge_method=S256&state=%s",
		authorizeURL,
		url.QueryEscape(clientID),
		url.QueryEscape(redirectURI),
		encodedScope,
		codeChallenge,
		url.QueryEscape(state),
	)
}

// TokenResponse represents the token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at,omitempty"`
}

// ErrorResponse represents a token endpoint error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
