package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/openhcb/hcbcore/internal/cachestore"
	"github.com/openhcb/hcbcore/internal/client"
	"github.com/openhcb/hcbcore/internal/config"
	"github.com/openhcb/hcbcore/internal/fetcher"
	"github.com/openhcb/hcbcore/internal/netstate"
	"github.com/openhcb/hcbcore/internal/pkg/logger"
	"github.com/openhcb/hcbcore/internal/pkg/oauth"
	"github.com/openhcb/hcbcore/internal/securestore"
	"github.com/openhcb/hcbcore/internal/token"
)

// app wires the process-wide singletons: config, logger, stores, token
// manager, HTTP client, connectivity monitor, and fetcher.
type app struct {
	cfg     *config.Config
	secrets *securestore.Store
	tokens  *token.Manager
	cache   *cachestore.Store
	saver   *cachestore.Saver
	client  *client.Client
	net     *netstate.Monitor
	fetch   *fetcher.Fetcher
}

func newApp(ctx context.Context) (*app, error) {
	logger.InitBootstrap()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.InitOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.ToStdout,
			ToFile:   cfg.Log.ToFile,
			FilePath: cfg.Log.FilePath,
		},
		Rotation: logger.RotationOptions{
			MaxSizeMB:  cfg.Log.Rotation.MaxSizeMB,
			MaxBackups: cfg.Log.Rotation.MaxBackups,
			MaxAgeDays: cfg.Log.Rotation.MaxAgeDays,
			Compress:   cfg.Log.Rotation.Compress,
		},
	}); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return nil, err
	}
	secrets, err := securestore.Open(cfg.SecureStore.FilePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}

	tokens := token.NewManager(token.Config{
		ClientID:  cfg.OAuth.ClientID,
		TokenURL:  cfg.OAuth.BaseURL + oauth.TokenPath,
		RevokeURL: cfg.OAuth.BaseURL + oauth.RevokePath,
		Timeout:   cfg.API.Timeout,
	}, secrets)
	if err := tokens.Load(ctx); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	cache := cachestore.New(cfg.Cache.FilePath)
	if err := cache.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	saver, err := cachestore.NewSaver(cache, cfg.Cache.SaveDebounce, cfg.Cache.FlushEvery)
	if err != nil {
		return nil, err
	}
	saver.Start()

	// A different account signing in must not see the previous user's data.
	tokens.OnUserChange(func(prev, next string) {
		cache.Clear()
		saver.SaveNow(context.Background())
	})
	tokens.OnLogout(func(reason string) {
		cache.Clear()
		saver.SaveNow(context.Background())
	})

	httpClient := client.New(client.Config{
		BaseURL:      cfg.API.BaseURL,
		Timeout:      cfg.API.Timeout,
		RetryCount:   cfg.API.RetryCount,
		RetryMinWait: cfg.API.RetryMinWait,
		RetryMaxWait: cfg.API.RetryMaxWait,
		UserAgent:    cfg.API.UserAgent,
	}, tokens)

	net := netstate.NewMonitor(true)
	net.StartProbe(ctx, cfg.Net.ProbeURL, cfg.Net.ProbeInterval)

	fetch, err := fetcher.New(fetcher.Config{
		BaseDelay:   cfg.Fetch.RetryBaseDelay,
		MaxDelay:    cfg.Fetch.RetryMaxDelay,
		MaxAttempts: cfg.Fetch.RetryAttempts,
		Jitter:      cfg.Fetch.RetryJitter,
		NegativeTTL: cfg.Fetch.NegativeTTL,
	}, cache, httpClient, net)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		secrets: secrets,
		tokens:  tokens,
		cache:   cache,
		saver:   saver,
		client:  httpClient,
		net:     net,
		fetch:   fetch,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.fetch.Close()
	a.net.StopProbe()
	a.saver.Stop(ctx)
	logger.Sync()
}

// readPassphrase takes the secure-store passphrase from HCB_PASSPHRASE, or
// prompts on the terminal when unset.
func readPassphrase() ([]byte, error) {
	if p := os.Getenv("HCB_PASSPHRASE"); p != "" {
		return []byte(p), nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("no terminal for passphrase prompt; set HCB_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	return p, nil
}
