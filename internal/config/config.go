package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "POSSEL"
	defaultBaseURL      = "http://localhost:8080"
	defaultDatabasePath = "possel-client.db"
	defaultCookieName   = "token"
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultWindow       = 3000
	defaultWorkers      = 4
	defaultTimeout      = 10 * time.Second
	defaultRetries      = 1
	defaultPendingLimit = 1024
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"
)

// AppConfig captures runtime configuration for the client.
type AppConfig struct {
	BaseURL           string
	PushURL           string
	PushMinBackoff    time.Duration
	PushMaxBackoff    time.Duration
	DatabasePath      string
	CookieName        string
	Username          string
	Password          string
	BackfillWindow    int
	ResolveWorkers    int
	ResolveTimeout    time.Duration
	ResolveRetries    int
	PendingLimit      int
	ViewAddress       string
	TranscriptEnabled bool
	LogLevel          string
	LogFormat         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.base_url", defaultBaseURL)
	configViper.SetDefault("push.url", "")
	configViper.SetDefault("push.min_backoff", defaultMinBackoff)
	configViper.SetDefault("push.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("session.database_path", defaultDatabasePath)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.username", "")
	configViper.SetDefault("session.password", "")
	configViper.SetDefault("backfill.window", defaultWindow)
	configViper.SetDefault("resolve.workers", defaultWorkers)
	configViper.SetDefault("resolve.timeout", defaultTimeout)
	configViper.SetDefault("resolve.retries", defaultRetries)
	configViper.SetDefault("pending.limit", defaultPendingLimit)
	configViper.SetDefault("view.address", "")
	configViper.SetDefault("transcript.enabled", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BaseURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("server.base_url")), "/"),
		PushURL:           strings.TrimSpace(configViper.GetString("push.url")),
		PushMinBackoff:    configViper.GetDuration("push.min_backoff"),
		PushMaxBackoff:    configViper.GetDuration("push.max_backoff"),
		DatabasePath:      configViper.GetString("session.database_path"),
		CookieName:        configViper.GetString("session.cookie_name"),
		Username:          configViper.GetString("session.username"),
		Password:          configViper.GetString("session.password"),
		BackfillWindow:    configViper.GetInt("backfill.window"),
		ResolveWorkers:    configViper.GetInt("resolve.workers"),
		ResolveTimeout:    configViper.GetDuration("resolve.timeout"),
		ResolveRetries:    configViper.GetInt("resolve.retries"),
		PendingLimit:      configViper.GetInt("pending.limit"),
		ViewAddress:       strings.TrimSpace(configViper.GetString("view.address")),
		TranscriptEnabled: configViper.GetBool("transcript.enabled"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	if cfg.PushURL == "" {
		pushURL, err := DerivePushURL(cfg.BaseURL)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.PushURL = pushURL
	}

	return cfg, nil
}

// DerivePushURL maps http(s)://host/prefix onto ws(s)://host/prefix/push.
func DerivePushURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("server.base_url is invalid: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("server.base_url must use http or https, got %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/push"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func (c AppConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("session.database_path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.BackfillWindow <= 0 {
		return fmt.Errorf("backfill.window must be positive")
	}
	if c.ResolveWorkers <= 0 {
		return fmt.Errorf("resolve.workers must be positive")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("resolve.timeout must be positive")
	}
	if c.ResolveRetries < 0 {
		return fmt.Errorf("resolve.retries must not be negative")
	}
	if c.PendingLimit <= 0 {
		return fmt.Errorf("pending.limit must be positive")
	}
	if c.PushMinBackoff <= 0 || c.PushMaxBackoff < c.PushMinBackoff {
		return fmt.Errorf("push backoff must satisfy 0 < min_backoff <= max_backoff")
	}
	if c.PushURL != "" {
		parsed, err := url.Parse(c.PushURL)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			return fmt.Errorf("push.url must be a ws:// or wss:// url")
		}
	}
	return nil
}
