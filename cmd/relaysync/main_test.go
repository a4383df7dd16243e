package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/metrics"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := env[name]
		return value, ok
	}
}

func TestParseOptionsLayersFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
base_url = "http://file.example"
user_id = "from-file"

[sync]
poll_interval = "45s"

[log]
level = "warn"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	env := map[string]string{
		"RELAYSYNC_CONFIG":  path,
		"RELAYSYNC_USER_ID": "from-env",
		"RELAYSYNC_TOKEN":   "env-token",
	}

	opts, err := parseOptions([]string{"-user", "from-flag", "-storage", "memory://", "-once"}, mapLookup(env), io.Discard)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	cfg := opts.cfg
	if cfg.UserID != "from-flag" {
		t.Fatalf("user = %q, want flag value", cfg.UserID)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("token = %q, want env value", cfg.Token)
	}
	if cfg.BaseURL != "http://file.example" || cfg.PollInterval != 45*time.Second || cfg.LogLevel != "warn" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.StorageDSN != "memory://" || !opts.once || opts.configPath != path {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestParseOptionsRequiresUser(t *testing.T) {
	env := map[string]string{"RELAYSYNC_CONFIG": filepath.Join(t.TempDir(), "missing.toml")}
	if _, err := parseOptions(nil, mapLookup(env), io.Discard); err == nil || !strings.Contains(err.Error(), "user id") {
		t.Fatalf("err = %v, want missing user id", err)
	}
}

func TestParseOptionsRejectsInvalidEnv(t *testing.T) {
	env := map[string]string{
		"RELAYSYNC_CONFIG":        filepath.Join(t.TempDir(), "missing.toml"),
		"RELAYSYNC_USER_ID":       "u1",
		"RELAYSYNC_POLL_INTERVAL": "soon",
	}
	if _, err := parseOptions(nil, mapLookup(env), io.Discard); err == nil {
		t.Fatal("expected invalid duration to be rejected")
	}
}

func TestEnvOrDefault(t *testing.T) {
	lookup := mapLookup(map[string]string{"SET": " value ", "BLANK": "  "})
	if got := envOrDefault(lookup, "SET", "fallback"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := envOrDefault(lookup, "BLANK", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
	if got := envOrDefault(lookup, "UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestMetricsMuxServesRegistry(t *testing.T) {
	m := metrics.New()
	m.SetOnline(true)
	ts := httptest.NewServer(metricsMux(m))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "relaysync_online 1") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}
