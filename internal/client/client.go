// Package client wraps outbound HCB API requests: it attaches a bearer token
// to every call (refreshing proactively through the token manager), retries
// transient transport failures with bounded backoff, and recovers 401s via a
// single coordinated refresh-and-retry so callers never see an expired-token
// response when recovery is possible.
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"github.com/openhcb/hcbcore/internal/errclass"
	"github.com/openhcb/hcbcore/internal/pkg/logger"
	"github.com/openhcb/hcbcore/internal/token"
)

// TokenSource is the slice of the token manager the client depends on.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (*token.Record, error)
	Logout(ctx context.Context, reason string) error
	Token() *token.Record
}

// Config holds transport settings.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryCount   int
	RetryMinWait time.Duration
	RetryMaxWait time.Duration
	UserAgent    string
}

// Client is the process-wide API client. Construct one and share it.
type Client struct {
	rc     *req.Client
	tokens TokenSource
	log    *zap.Logger

	// refreshCh gates 401 recovery at the request layer: while non-nil, a
	// refresh triggered by some 401 is in flight and later 401s wait on it
	// instead of starting their own. This is distinct from the token
	// manager's own single-flight, which guards the token mutation itself.
	refreshMu sync.Mutex
	refreshCh chan struct{}
}

// New builds a Client over the given token source.
func New(cfg Config, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	minWait := cfg.RetryMinWait
	if minWait <= 0 {
		minWait = 500 * time.Millisecond
	}
	maxWait := cfg.RetryMaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	rc := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetCommonRetryCount(retryCount).
		SetCommonRetryBackoffInterval(minWait, maxWait).
		AddCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || errclass.TransientStatus(resp.StatusCode)
		})
	if cfg.UserAgent != "" {
		rc.SetUserAgent(cfg.UserAgent)
	}

	return &Client{
		rc:     rc,
		tokens: tokens,
		log:    logger.L().Named("client"),
	}
}

// Do executes a request with credential attachment and 401 recovery. Non-2xx
// responses that survive recovery are returned as-is; transport-level
// failures (timeout, DNS) return an error.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	tok, err := c.tokens.ValidAccessToken(ctx)
	if err != nil {
		// Proceed without credentials rather than blocking the request.
		c.log.Warn("no access token for request",
			zap.String("method", r.Method),
			zap.String("path", r.Path),
			zap.Error(err),
		)
		tok = ""
	}

	resp, err := c.send(ctx, r, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	return c.recover401(ctx, r, resp)
}

// Get issues a GET for path (an API path plus optional query string).
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, JSON: body})
}

func (c *Client) send(ctx context.Context, r *Request, tok string) (*Response, error) {
	rr := c.rc.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", uuid.NewString())
	if tok != "" {
		rr.SetHeader("Authorization", "Bearer "+tok)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			rr.SetHeader(k, v)
		}
	}
	if r.Query != nil {
		rr.SetQueryParamsFromValues(r.Query)
	}

	switch {
	case len(r.Files) > 0:
		if r.Form != nil {
			rr.SetFormDataFromValues(r.Form)
		}
		for _, f := range r.Files {
			rr.SetFileBytes(f.Field, f.FileName, f.Content)
		}
	case r.Form != nil:
		rr.SetFormDataFromValues(r.Form)
	case r.Body != nil:
		if r.ContentType != "" {
			rr.SetContentType(r.ContentType)
		}
		rr.SetBodyBytes(r.Body)
	case r.JSON != nil:
		rr.SetBody(r.JSON)
	}

	resp, err := rr.Send(r.Method, r.Path)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Bytes(),
	}, nil
}

// recover401 coordinates one refresh across all in-flight 401s and retries
// the original request exactly once. If no usable token comes out of the
// refresh, the original 401 is returned unchanged.
func (c *Client) recover401(ctx context.Context, r *Request, orig *Response) (*Response, error) {
	c.refreshMu.Lock()
	if ch := c.refreshCh; ch != nil {
		c.refreshMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rec := c.tokens.Token()
		if rec == nil {
			return orig, nil
		}
		c.log.Info("retrying request after coordinated refresh",
			zap.String("method", r.Method),
			zap.String("path", r.Path),
		)
		return c.send(ctx, r, rec.AccessToken)
	}

	ch := make(chan struct{})
	c.refreshCh = ch
	c.refreshMu.Unlock()

	c.log.Info("got 401, refreshing token",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
	)
	rec, refreshErr := c.tokens.Refresh(ctx)

	c.refreshMu.Lock()
	c.refreshCh = nil
	c.refreshMu.Unlock()
	close(ch)

	if refreshErr != nil {
		c.log.Warn("refresh after 401 failed", zap.Error(refreshErr))
		_ = c.tokens.Logout(ctx, "401_refresh_failed")
		return orig, nil
	}

	c.log.Info("retrying request with refreshed token",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
	)
	return c.send(ctx, r, rec.AccessToken)
}
