package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhcb/hcbcore/internal/authflow"
	"github.com/openhcb/hcbcore/internal/cachestore"
)

func newLoginCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to HCB in a browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			flow := authflow.New(authflow.Config{
				BaseURL:      a.cfg.OAuth.BaseURL,
				APIBaseURL:   a.cfg.API.BaseURL,
				ClientID:     a.cfg.OAuth.ClientID,
				RedirectURI:  a.cfg.OAuth.RedirectURI,
				Scope:        a.cfg.OAuth.Scope,
				CallbackPort: a.cfg.OAuth.CallbackPort,
				Timeout:      a.cfg.API.Timeout,
			}, a.tokens)

			authURL, err := flow.Start()
			if err != nil {
				return err
			}
			fmt.Println("Open this URL in your browser to sign in:")
			fmt.Println()
			fmt.Println("  " + authURL)
			fmt.Println()

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			rec, err := flow.Wait(waitCtx)
			if err != nil {
				return err
			}
			if rec.UserID != "" {
				fmt.Printf("Signed in as user %s.\n", rec.UserID)
			} else {
				fmt.Println("Signed in.")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser redirect")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear local session data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.tokens.Logout(ctx, "user_logout"); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if rec := a.tokens.Token(); rec != nil {
				fmt.Println("Session: signed in")
				if rec.UserID != "" {
					fmt.Printf("User:    %s\n", rec.UserID)
				}
				fmt.Printf("Expires: %s\n", rec.ExpiresAt().Format(time.RFC3339))
			} else {
				fmt.Println("Session: signed out")
			}
			fmt.Printf("Online:  %v\n", a.net.Online())
			fmt.Printf("Cache:   %d entries in %s\n", a.cache.Len(), a.cfg.Cache.FilePath)
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch one API path and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			resp, err := a.client.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !resp.Success() {
				return resp.APIError()
			}
			return printJSON(resp.Body)
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <path>",
		Short: "Subscribe to an API path and print updates as they settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			sub := a.fetch.Subscribe(args[0])
			defer sub.Close()

			for {
				select {
				case snap := <-sub.Updates():
					switch {
					case snap.IsLoading:
						fmt.Println("-- loading --")
					case snap.Err != nil:
						fmt.Printf("-- error: %v --\n", snap.Err)
					case snap.IsValidating:
						fmt.Println("-- revalidating --")
					}
					if snap.Data != nil && !snap.IsValidating {
						if err := printJSON(snap.Data); err != nil {
							return err
						}
					}
				case <-ctx.Done():
					// Flush the cache the way a backgrounded app would.
					a.saver.NotifyAppState(cachestore.StateBackground)
					return nil
				}
			}
		},
	}
}

func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
