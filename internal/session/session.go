// Package session owns the sync components for one signed-in user. A
// Session is created by Init and released by Teardown or SignOut; nothing
// in it is process-global.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/cache"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/feed"
	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/profile"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var ErrClosed = errors.New("session is closed")

const (
	DefaultPollInterval         = 30 * time.Second
	DefaultConnectivityInterval = 15 * time.Second
)

type Options struct {
	UserID string
	// FeedAuthor scopes the feed to one author. Empty follows every post.
	FeedAuthor string

	Remote  remote.Service
	Push    push.Service
	Storage kvstore.Storage
	Prober  connectivity.Prober

	CacheClasses         []cache.Class
	PollInterval         time.Duration
	PollJitter           float64
	ConnectivityInterval time.Duration
	ProbeTimeout         time.Duration
	SubscribeRetries     int
	SubscribeRetryDelay  time.Duration
	SubscribeTimeout     time.Duration
	FetchBackoff         connectivity.Backoff
	OutboxMaxAttempts    int
	OnDrop               func(outbox.Action, error)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Session struct {
	userID       string
	pollInterval time.Duration
	probeEvery   time.Duration
	logger       *zap.Logger

	monitor *connectivity.Monitor
	cache   *cache.Cache
	profile *profile.Store
	feed    *feed.Syncer
	outbox  *outbox.Queue
	remote  remote.Service

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Init builds every component for opts.UserID, loads what is already known
// and starts background synchronization. The caller keeps ownership of
// opts.Storage.
func Init(ctx context.Context, opts Options) (*Session, error) {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, profile.ErrUserIDEmpty
	}
	if opts.Remote == nil {
		return nil, errors.New("session requires a remote service")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("%w: session storage is required", kvstore.ErrInvalidInput)
	}
	if opts.Prober == nil {
		return nil, errors.New("session requires a connectivity prober")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("userId", userID))
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	probeEvery := opts.ConnectivityInterval
	if probeEvery <= 0 {
		probeEvery = DefaultConnectivityInterval
	}

	s := &Session{
		userID:       userID,
		pollInterval: pollInterval,
		probeEvery:   probeEvery,
		logger:       logger,
		remote:       opts.Remote,
	}
	s.bg, s.cancel = context.WithCancel(context.Background())

	s.monitor = connectivity.NewMonitor(connectivity.Options{
		Prober:       opts.Prober,
		ProbeTimeout: opts.ProbeTimeout,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	var err error
	s.cache, err = cache.New(cache.Options{
		Storage: opts.Storage,
		Classes: opts.CacheClasses,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.profile, err = profile.New(profile.Options{
		Remote:       opts.Remote,
		Push:         opts.Push,
		Cache:        s.cache,
		Logger:       logger,
		Metrics:      opts.Metrics,
		FetchBackoff: opts.FetchBackoff,
		ResubscribeBackoff: connectivity.Backoff{
			MaxRetries: opts.SubscribeRetries,
			BaseDelay:  opts.SubscribeRetryDelay,
		},
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.feed, err = feed.New(feed.Options{
		Remote:              opts.Remote,
		Push:                opts.Push,
		Cache:               s.cache,
		Filter:              remote.PostFilter{AuthorID: strings.TrimSpace(opts.FeedAuthor)},
		SubscribeRetries:    opts.SubscribeRetries,
		SubscribeRetryDelay: opts.SubscribeRetryDelay,
		SubscribeTimeout:    opts.SubscribeTimeout,
		PollJitter:          opts.PollJitter,
		Logger:              logger,
		Metrics:             opts.Metrics,
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.outbox, err = outbox.Open(ctx, outbox.Options{
		Storage:     opts.Storage,
		Replayer:    &replayer{session: s, remote: outbox.RemoteReplayer{Service: opts.Remote}},
		Monitor:     s.monitor,
		MaxAttempts: opts.OutboxMaxAttempts,
		Logger:      logger,
		Metrics:     opts.Metrics,
		OnDrop:      opts.OnDrop,
	})
	if err != nil {
		s.cancel()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.monitor.Check(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.profile.Load(gctx, userID, false); err != nil {
			// The store records the failure in its state; the session still starts.
			logger.Warn("initial profile load failed", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		s.Teardown()
		return nil, err
	}

	if s.profile.State().LoadedFromCache {
		s.goBackground(func(ctx context.Context) {
			if err := s.profile.Load(ctx, userID, true); err != nil && ctx.Err() == nil {
				logger.Warn("profile revalidation failed", zap.Error(err))
			}
		})
	}
	if opts.Push != nil {
		if err := s.profile.SubscribeLive(ctx, userID); err != nil {
			logger.Warn("profile live channel unavailable", zap.Error(err))
		}
	}
	s.monitor.Start(probeEvery)
	s.outbox.Start()
	s.feed.Start(s.bg, pollInterval)
	if s.monitor.IsOnline() && s.outbox.Len() > 0 {
		s.goBackground(func(ctx context.Context) {
			s.replay(ctx)
		})
	}
	logger.Info("session started",
		zap.Bool("online", s.monitor.IsOnline()),
		zap.Int("queued", s.outbox.Len()),
	)
	return s, nil
}

func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bg)
	}()
}

func (s *Session) replay(ctx context.Context) {
	report, err := s.outbox.Process(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("outbox replay failed", zap.Error(err))
		return
	}
	if !report.Skipped {
		s.logger.Info("outbox replayed",
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped),
		)
	}
}

func (s *Session) UserID() string                { return s.userID }
func (s *Session) Monitor() *connectivity.Monitor { return s.monitor }
func (s *Session) Cache() *cache.Cache            { return s.cache }
func (s *Session) Profile() *profile.Store        { return s.profile }
func (s *Session) Feed() *feed.Syncer             { return s.feed }
func (s *Session) Outbox() *outbox.Queue          { return s.outbox }

// SubmitResult tells the caller whether a mutation was applied now or
// queued for replay.
type SubmitResult struct {
	Queued bool
	Action outbox.Action
}

// Submit performs p right away when the backend is reachable. While offline,
// or when the attempt fails transiently, p is queued instead. Other failures
// are returned without queueing.
func (s *Session) Submit(ctx context.Context, p outbox.Payload) (SubmitResult, error) {
	if s.isClosed() {
		return SubmitResult{}, ErrClosed
	}
	// The direct attempt and any queued replay share one client ref.
	p = outbox.WithClientRef(p)
	if err := outbox.Validate(p); err != nil {
		return SubmitResult{}, err
	}
	if s.monitor.IsOnline() {
		err := outbox.Dispatch(ctx, s.outbox.Replayer(), p)
		if err == nil {
			return SubmitResult{}, nil
		}
		if !remote.IsTransient(err) {
			return SubmitResult{}, err
		}
		s.logger.Info("mutation failed transiently, queueing", zap.String("kind", string(p.Kind())), zap.Error(err))
	}
	action, err := s.outbox.Enqueue(ctx, p)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Queued: true, Action: action}, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Teardown stops every background activity. It is safe to call repeatedly.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.feed.Stop()
	s.profile.Close()
	s.outbox.Stop()
	s.monitor.Stop()
	s.wg.Wait()
	s.logger.Info("session stopped")
}

// SignOut tears the session down and forgets everything stored for the user:
// queued mutations, the cached profile and cached feeds.
func (s *Session) SignOut(ctx context.Context) error {
	s.Teardown()
	var errs []error
	if err := s.outbox.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.cache.Remove(ctx, profile.CacheKey(s.userID)); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.cache.Clear(ctx, "feed:"); err != nil {
		errs = append(errs, err)
	}
	s.profile.Reset()
	return errors.Join(errs...)
}
