// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API         APIConfig         `mapstructure:"api"`
	OAuth       OAuthConfig       `mapstructure:"oauth"`
	Cache       CacheConfig       `mapstructure:"cache"`
	SecureStore SecureStoreConfig `mapstructure:"secure_store"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Net         NetConfig         `mapstructure:"net"`
	Log         LogConfig         `mapstructure:"log"`
	DataDir     string            `mapstructure:"data_dir"`
}

type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryMinWait time.Duration `mapstructure:"retry_min_wait"`
	RetryMaxWait time.Duration `mapstructure:"retry_max_wait"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type OAuthConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ClientID    string `mapstructure:"client_id"`
	RedirectURI string `mapstructure:"redirect_uri"`
	Scope       string `mapstructure:"scope"`
	// CallbackPort is the localhost port the login flow listens on for the
	// authorization redirect.
	CallbackPort int `mapstructure:"callback_port"`
}

type CacheConfig struct {
	FilePath     string        `mapstructure:"file_path"`
	SaveDebounce time.Duration `mapstructure:"save_debounce"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
}

type SecureStoreConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type FetchConfig struct {
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryJitter    float64       `mapstructure:"retry_jitter"`
	NegativeTTL    time.Duration `mapstructure:"negative_ttl"`
}

type NetConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Caller   bool              `mapstructure:"caller"`
	ToStdout bool              `mapstructure:"to_stdout"`
	ToFile   bool              `mapstructure:"to_file"`
	FilePath string            `mapstructure:"file_path"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Load reads config.yaml from the data dir (HCB_DATA_DIR, then the working
// directory), applies environment overrides with the HCB_ prefix, and
// validates the result. A missing file is fine; defaults carry the client.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	dataDir := os.Getenv("HCB_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".hcb")
		} else {
			dataDir = "."
		}
	}
	v.AddConfigPath(dataDir)
	v.AddConfigPath(".")

	v.SetEnvPrefix("HCB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v, dataDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.API.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.OAuth.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.OAuth.BaseURL), "/")
	cfg.OAuth.ClientID = strings.TrimSpace(cfg.OAuth.ClientID)
	cfg.OAuth.RedirectURI = strings.TrimSpace(cfg.OAuth.RedirectURI)
	cfg.OAuth.Scope = strings.TrimSpace(cfg.OAuth.Scope)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if cfg.OAuth.RedirectURI == "" {
		cfg.OAuth.RedirectURI = fmt.Sprintf("http://127.0.0.1:%d/callback", cfg.OAuth.CallbackPort)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)

	v.SetDefault("api.base_url", "https://hcb.hackclub.com/api/v4")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retry_count", 2)
	v.SetDefault("api.retry_min_wait", 500*time.Millisecond)
	v.SetDefault("api.retry_max_wait", 5*time.Second)
	v.SetDefault("api.user_agent", "hcbcore/1.0")

	v.SetDefault("oauth.base_url", "https://hcb.hackclub.com")
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.redirect_uri", "")
	v.SetDefault("oauth.scope", "read write")
	v.SetDefault("oauth.callback_port", 8412)

	v.SetDefault("cache.file_path", filepath.Join(dataDir, "cache.json"))
	v.SetDefault("cache.save_debounce", 10*time.Second)
	v.SetDefault("cache.flush_every", 5*time.Minute)

	v.SetDefault("secure_store.file_path", filepath.Join(dataDir, "secure.bin"))

	v.SetDefault("fetch.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("fetch.retry_max_delay", 5*time.Second)
	v.SetDefault("fetch.retry_attempts", 5)
	v.SetDefault("fetch.retry_jitter", 0.2)
	v.SetDefault("fetch.negative_ttl", 30*time.Second)

	v.SetDefault("net.probe_url", "https://hcb.hackclub.com/api/v4/ping")
	v.SetDefault("net.probe_interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.caller", false)
	v.SetDefault("log.to_stdout", true)
	v.SetDefault("log.to_file", false)
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.rotation.max_size_mb", 50)
	v.SetDefault("log.rotation.max_backups", 5)
	v.SetDefault("log.rotation.max_age_days", 7)
	v.SetDefault("log.rotation.compress", true)
}

func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"api.base_url":   c.API.BaseURL,
		"oauth.base_url": c.OAuth.BaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.OAuth.CallbackPort <= 0 || c.OAuth.CallbackPort > 65535 {
		return fmt.Errorf("oauth.callback_port out of range: %d", c.OAuth.CallbackPort)
	}
	if c.Fetch.RetryAttempts <= 0 {
		return fmt.Errorf("fetch.retry_attempts must be positive")
	}
	if c.Fetch.RetryJitter < 0 || c.Fetch.RetryJitter > 1 {
		return fmt.Errorf("fetch.retry_jitter must be within [0,1]")
	}
	if c.Fetch.RetryBaseDelay <= 0 || c.Fetch.RetryMaxDelay < c.Fetch.RetryBaseDelay {
		return fmt.Errorf("fetch retry delays invalid: base %s, max %s", c.Fetch.RetryBaseDelay, c.Fetch.RetryMaxDelay)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
