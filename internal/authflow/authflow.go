// Package authflow runs the interactive PKCE login: it serves the OAuth
// redirect on a localhost callback, exchanges the authorization code for a
// token pair, and hands the result to the token manager.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/pkg/logger"
	"github.com/openhcb/hcbcore/internal/pkg/oauth"
	"github.com/openhcb/hcbcore/internal/token"
)

// Config identifies the OAuth client and endpoints for the login flow.
type Config struct {
	BaseURL      string // OAuth server base, e.g. https://hcb.hackclub.com
	APIBaseURL   string // API base used to resolve the signed-in user
	ClientID     string
	RedirectURI  string
	Scope        string
	CallbackPort int
	Timeout      time.Duration
}

// Flow is one login attempt. Not reusable; construct a new one per login.
type Flow struct {
	cfg    Config
	tokens *token.Manager
	rc     *req.Client

	state    string
	verifier string

	srv    *http.Server
	codeCh chan callbackResult

	log *zap.Logger
}

type callbackResult struct {
	code string
	err  error
}

// ErrLoginTimeout is returned when the browser never completes the redirect.
var ErrLoginTimeout = errors.New("authflow: timed out waiting for authorization")

// New prepares a login flow that saves its outcome into tokens.
func New(cfg Config, tokens *token.Manager) *Flow {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Flow{
		cfg:    cfg,
		tokens: tokens,
		rc:     req.C().SetTimeout(timeout),
		codeCh: make(chan callbackResult, 1),
		log:    logger.L().Named("authflow"),
	}
}

// Start generates the PKCE material, binds the localhost callback listener,
// and returns the authorization URL the user must open in a browser.
func (f *Flow) Start() (string, error) {
	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("authflow: generate verifier: %w", err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("authflow: generate state: %w", err)
	}
	f.verifier = verifier
	f.state = state

	addr := fmt.Sprintf("127.0.0.1:%d", f.cfg.CallbackPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("authflow: listen on %s: %w", addr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/callback", f.handleCallback)

	f.srv = &http.Server{Handler: r}
	go func() {
		if err := f.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.log.Error("callback server stopped", zap.Error(err))
		}
	}()

	authURL := oauth.BuildAuthorizationURL(
		f.cfg.BaseURL+"/oauth/authorize",
		f.cfg.ClientID,
		f.cfg.RedirectURI,
		f.cfg.Scope,
		state,
		oauth.GenerateCodeChallenge(verifier),
	)
	f.log.Info("login flow started", zap.String("listen", addr))
	return authURL, nil
}

func (f *Flow) handleCallback(c *gin.Context) {
	if errCode := c.Query("error"); errCode != "" {
		desc := c.Query("error_description")
		c.String(http.StatusOK, "Login failed: %s. You can close this tab.", errCode)
		f.deliver(callbackResult{err: fmt.Errorf("authflow: authorization denied: %s (%s)", errCode, desc)})
		return
	}
	if c.Query("state") != f.state {
		c.String(http.StatusBadRequest, "State mismatch. You can close this tab.")
		f.deliver(callbackResult{err: errors.New("authflow: state mismatch in callback")})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "Missing authorization code.")
		f.deliver(callbackResult{err: errors.New("authflow: callback missing code")})
		return
	}
	c.String(http.StatusOK, "Signed in to HCB. You can close this tab.")
	f.deliver(callbackResult{code: code})
}

func (f *Flow) deliver(res callbackResult) {
	select {
	case f.codeCh <- res:
	default:
		// A second redirect hit the callback; only the first one counts.
	}
}

// Wait blocks until the browser redirect arrives, exchanges the code, and
// persists the resulting token pair. It always tears down the callback
// server before returning.
func (f *Flow) Wait(ctx context.Context) (*token.Record, error) {
	defer f.shutdown()

	var res callbackResult
	select {
	case res = <-f.codeCh:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLoginTimeout
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	rec, err := f.exchange(ctx, res.code)
	if err != nil {
		return nil, err
	}
	if err := f.resolveUser(ctx, rec); err != nil {
		// The session works without a user id; user-switch detection just
		// loses its signal. Not worth failing the login.
		f.log.Warn("resolve user failed", zap.Error(err))
	}
	if err := f.tokens.Save(ctx, rec, f.verifier); err != nil {
		return nil, fmt.Errorf("authflow: persist tokens: %w", err)
	}
	f.log.Info("login complete", zap.String("user_id", rec.UserID))
	return rec, nil
}

func (f *Flow) exchange(ctx context.Context, code string) (*token.Record, error) {
	var tr oauth.TokenResponse
	resp, err := f.rc.R().
		SetContext(ctx).
		SetBodyJsonMarshal(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"client_id":     f.cfg.ClientID,
			"redirect_uri":  f.cfg.RedirectURI,
			"code_verifier": f.verifier,
		}).
		SetSuccessResult(&tr).
		Post(f.cfg.BaseURL + oauth.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("authflow: token exchange: %w", err)
	}
	if !resp.IsSuccessState() {
		body := resp.Bytes()
		code := gjson.GetBytes(body, "error").String()
		return nil, fmt.Errorf("authflow: token exchange failed: status %d, error %q", resp.StatusCode, code)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, errors.New("authflow: token response missing tokens")
	}

	rec := &token.Record{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IssuedAt:     time.Now().Unix(),
		ExpiresIn:    tr.ExpiresIn,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.CreatedAt > 0 {
		rec.IssuedAt = tr.CreatedAt
	}
	return rec, nil
}

// resolveUser tags the record with the signed-in user's id so a later login
// under a different account can be detected.
func (f *Flow) resolveUser(ctx context.Context, rec *token.Record) error {
	resp, err := f.rc.R().
		SetContext(ctx).
		SetBearerAuthToken(rec.AccessToken).
		Get(f.cfg.APIBaseURL + "/user")
	if err != nil {
		return err
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("user endpoint returned status %d", resp.StatusCode)
	}
	id := gjson.GetBytes(resp.Bytes(), "id").String()
	if id == "" {
		return errors.New("user response missing id")
	}
	rec.UserID = id
	return nil
}

func (f *Flow) shutdown() {
	if f.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = f.srv.Shutdown(ctx)
}
