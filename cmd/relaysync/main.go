package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/cache"
	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/feed"
	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/profile"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/session"
)

const defaultConfigPath = "~/.config/relaysync/config.toml"

type options struct {
	cfg        config.Config
	configPath string
	once       bool
	signOut    bool
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("invalid configuration: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, opts); err != nil {
		log.Fatalf("relaysync: %v", err)
	}
}

// parseOptions layers defaults, the config file, RELAYSYNC_* variables and
// explicitly set flags, in that order.
func parseOptions(args []string, lookup func(string) (string, bool), stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("relaysync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", envOrDefault(lookup, "RELAYSYNC_CONFIG", defaultConfigPath), "TOML config file")
	baseURL := fs.String("base-url", "", "backend base URL")
	token := fs.String("token", "", "bearer token")
	userID := fs.String("user", "", "signed-in user id")
	feedAuthor := fs.String("feed-author", "", "only follow posts by this author")
	storageDSN := fs.String("storage", "", "storage DSN (file path, memory://, postgres://, redis://)")
	pollInterval := fs.Duration("poll-interval", 0, "feed poll interval")
	pollJitter := fs.Float64("poll-jitter", 0, "feed poll jitter ratio (0.0-1.0)")
	logLevel := fs.String("log-level", "", "log level")
	logFormat := fs.String("log-format", "", "log format (json or console)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	once := fs.Bool("once", false, "load, replay queued mutations and exit")
	signOut := fs.Bool("sign-out", false, "forget queued mutations and cached data for the user and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return options{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "base-url":
			cfg.BaseURL = strings.TrimSpace(*baseURL)
		case "token":
			cfg.Token = strings.TrimSpace(*token)
		case "user":
			cfg.UserID = strings.TrimSpace(*userID)
		case "feed-author":
			cfg.FeedAuthor = strings.TrimSpace(*feedAuthor)
		case "storage":
			cfg.StorageDSN = strings.TrimSpace(*storageDSN)
		case "poll-interval":
			cfg.PollInterval = *pollInterval
		case "poll-jitter":
			cfg.PollJitter = *pollJitter
		case "log-level":
			cfg.LogLevel = strings.TrimSpace(*logLevel)
		case "log-format":
			cfg.LogFormat = strings.TrimSpace(*logFormat)
		case "metrics-addr":
			cfg.MetricsAddr = strings.TrimSpace(*metricsAddr)
		}
	})
	if err := cfg.Validate(); err != nil {
		return options{}, err
	}
	return options{cfg: cfg, configPath: *configPath, once: *once, signOut: *signOut}, nil
}

func run(ctx context.Context, opts options) error {
	cfg := opts.cfg
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	storage, err := kvstore.Open(cfg.StorageDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := kvstore.Close(storage); err != nil {
			logger.Warn("closing storage failed", zap.Error(err))
		}
	}()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := session.Init(ctx, sessionOptions(cfg, storage, logger.Logger, m))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.Teardown()

	if opts.signOut {
		if err := s.SignOut(ctx); err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
		logger.Info("signed out", zap.String("userId", cfg.UserID))
		return nil
	}
	if opts.once {
		report, err := s.Outbox().Process(ctx)
		if err != nil {
			return fmt.Errorf("replay queued mutations: %w", err)
		}
		st := s.Profile().State()
		logger.Info("sync pass complete",
			zap.String("profilePhase", string(st.Phase)),
			zap.Bool("online", s.Monitor().IsOnline()),
			zap.Bool("replaySkipped", report.Skipped),
			zap.Int("replayed", report.Succeeded),
			zap.Int("pending", s.Outbox().Len()),
		)
		return nil
	}

	unwatchProfile := s.Profile().Watch(func(st profile.State) {
		logger.Debug("profile state", zap.String("phase", string(st.Phase)), zap.Bool("fromCache", st.LoadedFromCache))
	})
	defer unwatchProfile()
	unwatchFeed := s.Feed().Watch(func(st feed.State) {
		logger.Debug("feed state",
			zap.String("phase", string(st.Phase)),
			zap.String("channel", string(st.Subscription)),
			zap.Int("items", len(st.Items)),
		)
	})
	defer unwatchFeed()

	if opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, logger.Logger, func(next config.Config) {
				if err := logger.SetLevel(next.LogLevel); err != nil {
					logger.Warn("ignoring invalid log level from config", zap.String("level", next.LogLevel), zap.Error(err))
				}
			})
			if err != nil {
				logger.Debug("config watch unavailable", zap.String("path", opts.configPath), zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("relaysync stopping", zap.Error(ctx.Err()))
	return nil
}

func sessionOptions(cfg config.Config, storage kvstore.Storage, logger *zap.Logger, m *metrics.Metrics) session.Options {
	return session.Options{
		UserID:     cfg.UserID,
		FeedAuthor: cfg.FeedAuthor,
		Remote: remote.NewHTTPClient(remote.HTTPClientOptions{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
			Logger:     logger,
			// Callers retry with their own backoff; keep transport retries short.
			MaxRetries: 1,
		}),
		Push: push.NewWSClient(push.WSClientOptions{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Logger:  logger,
		}),
		Storage: storage,
		Prober:  connectivity.NewHTTPProber(cfg.BaseURL, nil),
		CacheClasses: []cache.Class{
			{Prefix: "profile:", TTL: cfg.ProfileTTL},
			{Prefix: "feed:", TTL: cfg.FeedTTL},
		},
		PollInterval:         cfg.PollInterval,
		PollJitter:           cfg.PollJitter,
		ConnectivityInterval: cfg.ConnectivityInterval,
		ProbeTimeout:         cfg.ProbeTimeout,
		SubscribeRetries:     cfg.SubscribeRetries,
		SubscribeRetryDelay:  cfg.SubscribeRetryDelay,
		SubscribeTimeout:     cfg.SubscribeTimeout,
		OutboxMaxAttempts:    cfg.OutboxMaxAttempts,
		OnDrop: func(action outbox.Action, err error) {
			logger.Error("queued mutation abandoned",
				zap.String("actionId", action.ID),
				zap.String("kind", string(action.Kind)),
				zap.Error(err),
			)
		},
		Logger:  logger,
		Metrics: m,
	}
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func envOrDefault(lookup func(string) (string, bool), name, fallback string) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, _ := lookup(name)
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
