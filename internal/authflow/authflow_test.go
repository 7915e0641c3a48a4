package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhcb/hcbcore/internal/securestore"
	"github.com/openhcb/hcbcore/internal/token"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTokenManager(t *testing.T) *token.Manager {
	t.Helper()
	store, err := securestore.Open(t.TempDir()+"/secure.bin", []byte("test-passphrase"))
	require.NoError(t, err)
	return token.NewManager(token.Config{ClientID: "cli"}, store)
}

func TestLoginFlowEndToEnd(t *testing.T) {
	var gotExchange map[string]string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotExchange))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":7200}`)
		case "/user":
			assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"usr_42","name":"Orpheus"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	port := freePort(t)
	mgr := newTokenManager(t)
	flow := New(Config{
		BaseURL:      backend.URL,
		APIBaseURL:   backend.URL,
		ClientID:     "cli",
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Scope:        "read write",
		CallbackPort: port,
	}, mgr)

	authURL, err := flow.Start()
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "cli", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	state := q.Get("state")
	require.NotEmpty(t, state)

	// Play the browser: hit the callback with the expected state.
	go func() {
		cb := fmt.Sprintf("http://127.0.0.1:%d/callback?state=%s&code=auth-code-1", port, url.QueryEscape(state))
		resp, err := http.Get(cb)
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := flow.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, "usr_42", rec.UserID)
	assert.Equal(t, "authorization_code", gotExchange["grant_type"])
	assert.Equal(t, "auth-code-1", gotExchange["code"])
	assert.NotEmpty(t, gotExchange["code_verifier"])

	saved := mgr.Token()
	require.NotNil(t, saved)
	assert.Equal(t, "at-1", saved.AccessToken)
}

func TestCallbackRejectsWrongState(t *testing.T) {
	port := freePort(t)
	flow := New(Config{
		BaseURL:      "http://127.0.0.1:1", // never reached
		APIBaseURL:   "http://127.0.0.1:1",
		ClientID:     "cli",
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		CallbackPort: port,
	}, newTokenManager(t))

	_, err := flow.Start()
	require.NoError(t, err)

	go func() {
		cb := fmt.Sprintf("http://127.0.0.1:%d/callback?state=forged&code=evil", port)
		resp, err := http.Get(cb)
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = flow.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestCallbackPropagatesProviderError(t *testing.T) {
	port := freePort(t)
	flow := New(Config{
		BaseURL:      "http://127.0.0.1:1",
		APIBaseURL:   "http://127.0.0.1:1",
		ClientID:     "cli",
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		CallbackPort: port,
	}, newTokenManager(t))

	authURL, err := flow.Start()
	require.NoError(t, err)
	state := must(url.Parse(authURL)).Query().Get("state")

	go func() {
		cb := fmt.Sprintf("http://127.0.0.1:%d/callback?state=%s&error=access_denied", port, url.QueryEscape(state))
		resp, err := http.Get(cb)
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = flow.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestWaitTimesOut(t *testing.T) {
	port := freePort(t)
	flow := New(Config{
		BaseURL:      "http://127.0.0.1:1",
		APIBaseURL:   "http://127.0.0.1:1",
		ClientID:     "cli",
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		CallbackPort: port,
	}, newTokenManager(t))

	_, err := flow.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = flow.Wait(ctx)
	assert.ErrorIs(t, err, ErrLoginTimeout)
}

func must(u *url.URL, err error) *url.URL {
	if err != nil {
		panic(err)
	}
	return u
}
