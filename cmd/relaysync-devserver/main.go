package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/devserver"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type seedFile struct {
	Profiles []remote.Profile `json:"profiles"`
	Posts    []remote.Post    `json:"posts"`
}

func main() {
	addr := os.Getenv("RELAYSYNC_DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger, err := logging.New(logging.Options{
		Level:  os.Getenv("RELAYSYNC_LOG_LEVEL"),
		Format: os.Getenv("RELAYSYNC_LOG_FORMAT"),
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	tokens, err := parseTokens(os.Getenv("RELAYSYNC_DEVSERVER_TOKENS"))
	if err != nil {
		logger.Fatal("invalid RELAYSYNC_DEVSERVER_TOKENS", zap.Error(err))
	}
	backend := devserver.NewBackend(nil)
	if path := strings.TrimSpace(os.Getenv("RELAYSYNC_DEVSERVER_SEED")); path != "" {
		seed, err := loadSeed(path)
		if err != nil {
			logger.Fatal("failed to load seed data", zap.String("path", path), zap.Error(err))
		}
		for _, p := range seed.Profiles {
			backend.PutProfile(p)
		}
		for _, p := range seed.Posts {
			backend.PutPost(p)
		}
		logger.Info("seed data loaded", zap.Int("profiles", len(seed.Profiles)), zap.Int("posts", len(seed.Posts)))
	}

	server := devserver.NewServerWithConfig(backend, devserver.ServerConfig{
		Tokens:          tokens,
		RateLimitMax:    intEnv("RELAYSYNC_DEVSERVER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYSYNC_DEVSERVER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYSYNC_DEVSERVER_MAX_BODY_BYTES", 0),
		Logger:          logger.Logger,
	})

	logger.Info("relaysync devserver listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// parseTokens reads "token=user,token2=user2".
func parseTokens(raw string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("malformed token entry %q", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

func loadSeed(path string) (seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, err
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return seedFile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, p := range seed.Profiles {
		if strings.TrimSpace(p.ID) == "" {
			return seedFile{}, fmt.Errorf("seed profile without id")
		}
	}
	for _, p := range seed.Posts {
		if strings.TrimSpace(p.ID) == "" {
			return seedFile{}, fmt.Errorf("seed post without id")
		}
	}
	return seed, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
