package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_INT", "42")
	if got := intEnv("RELAYSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_INT_BAD", "not-a-number")
	if got := intEnv("RELAYSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("RELAYSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("RELAYSYNC_TEST_INT64", "1048576")
	if got := int64Env("RELAYSYNC_TEST_INT64", 0); got != 1<<20 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestParseTokens(t *testing.T) {
	tokens, err := parseTokens(" alpha=u1, beta = u2 ,")
	if err != nil {
		t.Fatalf("parseTokens: %v", err)
	}
	if len(tokens) != 2 || tokens["alpha"] != "u1" || tokens["beta"] != "u2" {
		t.Fatalf("tokens = %v", tokens)
	}
	if _, err := parseTokens("alpha"); err == nil {
		t.Fatal("expected malformed entry to fail")
	}
	if tokens, err := parseTokens(""); err != nil || len(tokens) != 0 {
		t.Fatalf("empty input: tokens=%v err=%v", tokens, err)
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	body := `{"profiles":[{"id":"u1","name":"Ada"}],"posts":[{"id":"p1","authorId":"u1","content":"hi"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := loadSeed(path)
	if err != nil {
		t.Fatalf("loadSeed: %v", err)
	}
	if len(seed.Profiles) != 1 || seed.Profiles[0].Name != "Ada" || len(seed.Posts) != 1 {
		t.Fatalf("seed = %+v", seed)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte(`{"posts":[{"content":"no id"}]}`), 0o644)
	if _, err := loadSeed(bad); err == nil {
		t.Fatal("expected post without id to be rejected")
	}
}
