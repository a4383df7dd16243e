// Package config loads agent settings from an optional TOML file with
// RELAYSYNC_* environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const EnvPrefix = "RELAYSYNC_"

const (
	defaultBaseURL              = "http://127.0.0.1:8080"
	defaultStorageDSN           = "~/.local/share/relaysync/store.json"
	defaultPollInterval         = 30 * time.Second
	defaultPollJitter           = 0.1
	defaultConnectivityInterval = 15 * time.Second
	defaultProbeTimeout         = 5 * time.Second
	defaultRequestTimeout       = 15 * time.Second
	defaultSubscribeRetries     = 3
	defaultSubscribeRetryDelay  = 2 * time.Second
	defaultSubscribeTimeout     = 10 * time.Second
	defaultOutboxMaxAttempts    = 3
	defaultProfileTTL           = 10 * time.Minute
	defaultFeedTTL              = 2 * time.Minute
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
)

type Config struct {
	BaseURL    string
	Token      string
	UserID     string
	FeedAuthor string
	StorageDSN string

	PollInterval         time.Duration
	PollJitter           float64
	ConnectivityInterval time.Duration
	ProbeTimeout         time.Duration
	RequestTimeout       time.Duration
	SubscribeRetries     int
	SubscribeRetryDelay  time.Duration
	SubscribeTimeout     time.Duration
	OutboxMaxAttempts    int
	ProfileTTL           time.Duration
	FeedTTL              time.Duration

	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
}

func Default() Config {
	return Config{
		BaseURL:              defaultBaseURL,
		StorageDSN:           mustExpand(defaultStorageDSN),
		PollInterval:         defaultPollInterval,
		PollJitter:           defaultPollJitter,
		ConnectivityInterval: defaultConnectivityInterval,
		ProbeTimeout:         defaultProbeTimeout,
		RequestTimeout:       defaultRequestTimeout,
		SubscribeRetries:     defaultSubscribeRetries,
		SubscribeRetryDelay:  defaultSubscribeRetryDelay,
		SubscribeTimeout:     defaultSubscribeTimeout,
		OutboxMaxAttempts:    defaultOutboxMaxAttempts,
		ProfileTTL:           defaultProfileTTL,
		FeedTTL:              defaultFeedTTL,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
	}
}

type rawConfig struct {
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	UserID     string `toml:"user_id"`
	FeedAuthor string `toml:"feed_author"`
	StorageDSN string `toml:"storage_dsn"`

	Sync struct {
		PollInterval         string  `toml:"poll_interval"`
		PollJitter           float64 `toml:"poll_jitter"`
		ConnectivityInterval string  `toml:"connectivity_interval"`
		ProbeTimeout         string  `toml:"probe_timeout"`
		RequestTimeout       string  `toml:"request_timeout"`
		SubscribeRetries     int     `toml:"subscribe_retries"`
		SubscribeRetryDelay  string  `toml:"subscribe_retry_delay"`
		SubscribeTimeout     string  `toml:"subscribe_timeout"`
		OutboxMaxAttempts    int     `toml:"outbox_max_attempts"`
	} `toml:"sync"`

	Cache struct {
		ProfileTTL string `toml:"profile_ttl"`
		FeedTTL    string `toml:"feed_ttl"`
	} `toml:"cache"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"log"`

	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	resolved, err := expandPath(path)
	if err != nil {
		return Config{}, err
	}
	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.merge(raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(raw rawConfig) error {
	setString(&c.BaseURL, raw.BaseURL)
	setString(&c.Token, raw.Token)
	setString(&c.UserID, raw.UserID)
	setString(&c.FeedAuthor, raw.FeedAuthor)
	if dsn := strings.TrimSpace(raw.StorageDSN); dsn != "" {
		c.StorageDSN = expandStorageDSN(dsn)
	}
	setString(&c.LogLevel, raw.Log.Level)
	setString(&c.LogFormat, raw.Log.Format)
	if file := strings.TrimSpace(raw.Log.File); file != "" {
		c.LogFile = mustExpand(file)
	}
	setString(&c.MetricsAddr, raw.Metrics.Addr)
	if raw.Sync.PollJitter > 0 {
		c.PollJitter = raw.Sync.PollJitter
	}
	if raw.Sync.SubscribeRetries > 0 {
		c.SubscribeRetries = raw.Sync.SubscribeRetries
	}
	if raw.Sync.OutboxMaxAttempts > 0 {
		c.OutboxMaxAttempts = raw.Sync.OutboxMaxAttempts
	}

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"sync.poll_interval", raw.Sync.PollInterval, &c.PollInterval},
		{"sync.connectivity_interval", raw.Sync.ConnectivityInterval, &c.ConnectivityInterval},
		{"sync.probe_timeout", raw.Sync.ProbeTimeout, &c.ProbeTimeout},
		{"sync.request_timeout", raw.Sync.RequestTimeout, &c.RequestTimeout},
		{"sync.subscribe_retry_delay", raw.Sync.SubscribeRetryDelay, &c.SubscribeRetryDelay},
		{"sync.subscribe_timeout", raw.Sync.SubscribeTimeout, &c.SubscribeTimeout},
		{"cache.profile_ttl", raw.Cache.ProfileTTL, &c.ProfileTTL},
		{"cache.feed_ttl", raw.Cache.FeedTTL, &c.FeedTTL},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		value, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || value <= 0 {
			return fmt.Errorf("parse config: invalid %s %q", d.name, d.raw)
		}
		*d.field = value
	}
	return nil
}

// ApplyEnv overrides fields from RELAYSYNC_* variables. Invalid values are
// reported and leave the field unchanged.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		value, ok := lookup(EnvPrefix + name)
		value = strings.TrimSpace(value)
		return value, ok && value != ""
	}
	strs := map[string]*string{
		"BASE_URL":     &c.BaseURL,
		"TOKEN":        &c.Token,
		"USER_ID":      &c.UserID,
		"FEED_AUTHOR":  &c.FeedAuthor,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
		"LOG_FILE":     &c.LogFile,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for name, field := range strs {
		if value, ok := get(name); ok {
			*field = value
		}
	}
	if value, ok := get("STORAGE_DSN"); ok {
		c.StorageDSN = expandStorageDSN(value)
	}

	var errs []error
	durations := map[string]*time.Duration{
		"POLL_INTERVAL":         &c.PollInterval,
		"CONNECTIVITY_INTERVAL": &c.ConnectivityInterval,
		"PROBE_TIMEOUT":         &c.ProbeTimeout,
		"REQUEST_TIMEOUT":       &c.RequestTimeout,
		"SUBSCRIBE_RETRY_DELAY": &c.SubscribeRetryDelay,
		"SUBSCRIBE_TIMEOUT":     &c.SubscribeTimeout,
		"PROFILE_TTL":           &c.ProfileTTL,
		"FEED_TTL":              &c.FeedTTL,
	}
	for name, field := range durations {
		raw, ok := get(name)
		if !ok {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil || value <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s%s=%q", EnvPrefix, name, raw))
			continue
		}
		*field = value
	}
	ints := map[string]*int{
		"SUBSCRIBE_RETRIES":   &c.SubscribeRetries,
		"OUTBOX_MAX_ATTEMPTS": &c.OutboxMaxAttempts,
	}
	for name, field := range ints {
		raw, ok := get(name)
		if !ok {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s%s=%q", EnvPrefix, name, raw))
			continue
		}
		*field = value
	}
	if raw, ok := get("POLL_JITTER"); ok {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sPOLL_JITTER=%q", EnvPrefix, raw))
		} else {
			c.PollJitter = value
		}
	}
	return errors.Join(errs...)
}

// Validate reports settings the agent cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(c.StorageDSN) == "" {
		return errors.New("storage dsn is required")
	}
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

// expandStorageDSN expands ~ in bare file paths and leaves URLs alone.
func expandStorageDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		return dsn
	}
	return mustExpand(dsn)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
