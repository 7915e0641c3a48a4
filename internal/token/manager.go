// Package token owns the OAuth token lifecycle for the signed-in session:
// secure persistence, proactive expiry checks, a single-flight refresh, and
// forced logout on unrecoverable failures. All other components read tokens
// only through the Manager.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openhcb/hcbcore/internal/errclass"
	"github.com/openhcb/hcbcore/internal/pkg/logger"
	"github.com/openhcb/hcbcore/internal/pkg/oauth"
	"github.com/openhcb/hcbcore/internal/securestore"
)

// RefreshMargin is the safety window before expiry inside which the access
// token is treated as already stale and refreshed proactively.
const RefreshMargin = 5 * time.Minute

const (
	storeKeyToken    = "token_record"
	storeKeyVerifier = "code_verifier"
)

var (
	// ErrNotAuthenticated is returned when no session exists or no refresh
	// token is available.
	ErrNotAuthenticated = errors.New("token: not authenticated")
	// ErrIncompleteRefresh is returned when the token endpoint answered 2xx
	// but omitted the access or refresh token.
	ErrIncompleteRefresh = errors.New("token: incomplete refresh response")
)

// RefreshError carries the classified outcome of a failed refresh call.
type RefreshError struct {
	Status int
	Code   string
	Desc   string
}

func (e *RefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token: refresh failed: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("token: refresh failed: status %d", e.Status)
}

// Fatal reports whether the refresh failure means the grant or client is
// permanently invalid.
func (e *RefreshError) Fatal() bool { return errclass.FatalOAuthCode(e.Code) }

// Config holds the token endpoints and client identity.
type Config struct {
	ClientID  string
	TokenURL  string
	RevokeURL string
	Timeout   time.Duration
}

// Manager is the single source of truth for the session's token pair.
// Construct one per process and share it by reference.
type Manager struct {
	cfg   Config
	store *securestore.Store
	rc    *req.Client

	mu       sync.RWMutex
	rec      *Record
	verifier string

	sf  singleflight.Group
	now func() time.Time

	onLogout     func(reason string)
	onUserChange func(prev, next string)

	log *zap.Logger
}

// NewManager creates a Manager persisting into store.
func NewManager(cfg Config, store *securestore.Store) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		rc:    req.C().SetTimeout(timeout),
		now:   time.Now,
		log:   logger.L().Named("token"),
	}
}

// OnLogout registers a hook invoked after every logout with its reason tag.
func (m *Manager) OnLogout(fn func(reason string)) { m.onLogout = fn }

// OnUserChange registers a hook invoked when a saved record belongs to a
// different user than the previous one (used to clear the response cache).
func (m *Manager) OnUserChange(fn func(prev, next string)) { m.onUserChange = fn }

// Load reads the persisted record and code verifier into memory. Any
// read or parse failure clears all persisted auth state and starts the
// session unauthenticated.
func (m *Manager) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := m.store.Get(storeKeyToken)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.log.Warn("stored token unreadable, clearing auth state", zap.Error(err))
		m.clearState(ctx)
		return nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.log.Warn("stored token corrupt, clearing auth state", zap.Error(err))
		m.clearState(ctx)
		return nil
	}

	verifier, err := m.store.Get(storeKeyVerifier)
	if err != nil && !errors.Is(err, securestore.ErrNotFound) {
		m.log.Warn("stored code verifier unreadable", zap.Error(err))
		verifier = ""
	}

	m.mu.Lock()
	m.rec = &rec
	m.verifier = verifier
	m.mu.Unlock()
	m.log.Info("token loaded", zap.String("user_id", rec.UserID), zap.Time("expires_at", rec.ExpiresAt()))
	return nil
}

// Save persists a new record (and optionally a code verifier), making it the
// live session token. Must be called after every successful exchange or
// refresh. A user id change relative to the previous record triggers the
// user-change hook.
func (m *Manager) Save(ctx context.Context, rec *Record, verifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return errors.New("token: nil record")
	}

	m.mu.Lock()
	prevUser := ""
	if m.rec != nil {
		prevUser = m.rec.UserID
	}
	cp := *rec
	m.rec = &cp
	if verifier != "" {
		m.verifier = verifier
	}
	m.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := m.store.Set(storeKeyToken, string(data)); err != nil {
		return fmt.Errorf("persist token record: %w", err)
	}
	if verifier != "" {
		if err := m.store.Set(storeKeyVerifier, verifier); err != nil {
			return fmt.Errorf("persist code verifier: %w", err)
		}
	}

	if prevUser != "" && rec.UserID != "" && prevUser != rec.UserID {
		m.log.Info("signed-in user changed", zap.String("prev", prevUser), zap.String("next", rec.UserID))
		if m.onUserChange != nil {
			m.onUserChange(prevUser, rec.UserID)
		}
	}
	return nil
}

// Token returns a copy of the current record, or nil when unauthenticated.
func (m *Manager) Token() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return nil
	}
	cp := *m.rec
	return &cp
}

// CodeVerifier returns the persisted PKCE verifier, if any.
func (m *Manager) CodeVerifier() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.verifier
}

// Authenticated reports whether a session token exists.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec != nil
}

// IsExpired reports whether the access token is within leeway of expiry.
// No token counts as expired.
func (m *Manager) IsExpired(leeway time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return true
	}
	return m.rec.ExpiredAt(m.now(), leeway)
}

// ValidAccessToken returns the current access token if it has more than
// RefreshMargin left before expiry; otherwise it performs (or joins) a
// refresh and returns the new token.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	rec := m.rec
	var access string
	var fresh bool
	if rec != nil {
		access = rec.AccessToken
		fresh = !rec.ExpiredAt(m.now(), RefreshMargin)
	}
	m.mu.RUnlock()

	if rec == nil {
		return "", ErrNotAuthenticated
	}
	if fresh {
		return access, nil
	}

	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the refresh token for a new pair. Concurrent callers
// coalesce onto one in-flight operation and all observe its result; the
// handle is cleared before any caller returns, so the next call starts
// fresh. Every failure ends the session (logout with a reason tag); retrying
// the *request* that surfaced the expiry is the HTTP client's job, not a
// repeat of the refresh.
func (m *Manager) Refresh(ctx context.Context) (*Record, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (m *Manager) doRefresh(ctx context.Context) (*Record, error) {
	m.mu.RLock()
	var refreshToken, userID string
	if m.rec != nil {
		refreshToken = m.rec.RefreshToken
		userID = m.rec.UserID
	}
	m.mu.RUnlock()

	if refreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	m.log.Info("refreshing access token")
	var tokenResp oauth.TokenResponse
	resp, err := m.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     m.cfg.ClientID,
		}).
		SetSuccessResult(&tokenResp).
		Post(m.cfg.TokenURL)
	if err != nil {
		m.log.Warn("token refresh transport failure", zap.Error(err))
		m.logout(ctx, "refresh_failed")
		return nil, fmt.Errorf("token refresh request: %w", err)
	}

	if !resp.IsSuccessState() {
		body := resp.Bytes()
		rerr := &RefreshError{
			Status: resp.StatusCode,
			Code:   gjson.GetBytes(body, "error").String(),
			Desc:   gjson.GetBytes(body, "error_description").String(),
		}
		reason := "refresh_failed"
		if rerr.Fatal() {
			reason = "refresh_" + rerr.Code
		}
		m.log.Warn("token refresh rejected",
			zap.Int("status", rerr.Status),
			zap.String("code", rerr.Code),
			zap.String("reason", reason),
		)
		m.logout(ctx, reason)
		return nil, rerr
	}

	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
		m.log.Error("token refresh response missing tokens")
		m.logout(ctx, "incomplete_refresh_response")
		return nil, ErrIncompleteRefresh
	}

	rec := &Record{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IssuedAt:     m.now().Unix(),
		ExpiresIn:    tokenResp.ExpiresIn,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		UserID:       userID,
	}
	if err := m.Save(ctx, rec, ""); err != nil {
		// The new pair is live in memory; persistence failure is logged and
		// retried implicitly on the next save.
		m.log.Warn("persist refreshed token failed", zap.Error(err))
	}
	m.log.Info("access token refreshed", zap.Time("expires_at", rec.ExpiresAt()))
	return m.Token(), nil
}

// Logout revokes the refresh token best-effort, clears all persisted and
// in-memory auth state, and detaches any in-flight refresh. Idempotent.
func (m *Manager) Logout(ctx context.Context, reason string) error {
	m.logout(ctx, reason)
	return nil
}

func (m *Manager) logout(ctx context.Context, reason string) {
	m.mu.RLock()
	var refreshToken string
	if m.rec != nil {
		refreshToken = m.rec.RefreshToken
	}
	m.mu.RUnlock()

	if refreshToken != "" && m.cfg.RevokeURL != "" {
		resp, err := m.rc.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]any{
				"client_id": m.cfg.ClientID,
				"token":     refreshToken,
			}).
			Post(m.cfg.RevokeURL)
		if err != nil {
			m.log.Warn("token revocation failed", zap.Error(err))
		} else if !resp.IsSuccessState() {
			m.log.Warn("token revocation rejected", zap.Int("status", resp.StatusCode))
		}
	}

	m.clearState(ctx)
	m.sf.Forget("refresh")
	m.log.Info("logged out", zap.String("reason", reason))
	if m.onLogout != nil {
		m.onLogout(reason)
	}
}

func (m *Manager) clearState(_ context.Context) {
	m.mu.Lock()
	m.rec = nil
	m.verifier = ""
	m.mu.Unlock()

	if err := m.store.Delete(storeKeyToken); err != nil {
		m.log.Warn("clear stored token failed", zap.Error(err))
	}
	if err := m.store.Delete(storeKeyVerifier); err != nil {
		m.log.Warn("clear stored verifier failed", zap.Error(err))
	}
}
