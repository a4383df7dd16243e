// Package feed keeps a collection of posts current. A poll loop is the
// correctness floor; a push subscription only shortens the time to refetch.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/cache"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/observe"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var ErrNotRunning = errors.New("feed is not running")

type Phase string

const (
	Idle       Phase = "idle"
	Fetching   Phase = "fetching"
	Ready      Phase = "ready"
	Refreshing Phase = "refreshing"
)

type ChannelStatus string

const (
	Connecting ChannelStatus = "connecting"
	Subscribed ChannelStatus = "subscribed"
	Degraded   ChannelStatus = "degraded"
	Closed     ChannelStatus = "closed"
)

type State struct {
	Items         []remote.Post
	Phase         Phase
	Subscription  ChannelStatus
	LastError     error
	LastFetchedAt time.Time
	FromCache     bool

	rev uint64
}

const (
	DefaultPollInterval        = 30 * time.Second
	DefaultSubscribeRetries    = 3
	DefaultSubscribeRetryDelay = 2 * time.Second
	DefaultSubscribeTimeout    = 10 * time.Second
	DefaultFetchTimeout        = 15 * time.Second
	cacheWriteTimeout          = 2 * time.Second
)

type Options struct {
	Remote remote.Service
	Push   push.Service
	Cache  *cache.Cache
	Filter remote.PostFilter
	// Topic defaults to the posts topic for Filter.AuthorID.
	Topic               string
	SubscribeRetries    int
	SubscribeRetryDelay time.Duration
	SubscribeTimeout    time.Duration
	FetchTimeout        time.Duration
	// PollJitter spreads each poll interval by up to this ratio.
	PollJitter float64
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// channelLink ties status callbacks to the subscription attempt that
// registered them.
type channelLink struct {
	failed atomic.Bool
}

type Syncer struct {
	remote       remote.Service
	push         push.Service
	cache        *cache.Cache
	filter       remote.PostFilter
	topic        string
	retries      int
	retryDelay   time.Duration
	subTimeout   time.Duration
	fetchTimeout time.Duration
	jitter       float64
	logger       *zap.Logger
	metrics      *metrics.Metrics
	state        *observe.Value[State]
	nextToken    atomic.Uint64
	wg           sync.WaitGroup

	mu           sync.Mutex
	current      State
	rev          uint64
	running      bool
	gen          uint64
	cancel       context.CancelFunc
	kick         chan struct{}
	dropped      chan struct{}
	sub          push.Subscription
	link         *channelLink
	appliedToken uint64
}

func New(opts Options) (*Syncer, error) {
	if opts.Remote == nil {
		return nil, errors.New("feed requires a remote service")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		topic = push.PostsTopic(opts.Filter.AuthorID)
	}
	retries := opts.SubscribeRetries
	if retries <= 0 {
		retries = DefaultSubscribeRetries
	}
	retryDelay := opts.SubscribeRetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultSubscribeRetryDelay
	}
	subTimeout := opts.SubscribeTimeout
	if subTimeout <= 0 {
		subTimeout = DefaultSubscribeTimeout
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	initial := State{Phase: Idle, Subscription: Closed}
	return &Syncer{
		remote:       opts.Remote,
		push:         opts.Push,
		cache:        opts.Cache,
		filter:       opts.Filter,
		topic:        topic,
		retries:      retries,
		retryDelay:   retryDelay,
		subTimeout:   subTimeout,
		fetchTimeout: fetchTimeout,
		jitter:       spreadRatio(opts.PollJitter),
		logger:       logger.With(zap.String("topic", topic)),
		metrics:      opts.Metrics,
		state:        observe.NewValue(initial),
		current:      initial,
	}, nil
}

func (s *Syncer) Topic() string {
	return s.topic
}

func (s *Syncer) CacheKey() string {
	return "feed:" + s.topic
}

func (s *Syncer) State() State {
	return s.state.Get()
}

func (s *Syncer) Watch(fn func(State)) func() {
	return s.state.Watch(fn)
}

func (s *Syncer) commitLocked(next State) State {
	s.rev++
	next.rev = s.rev
	s.current = next
	return next
}

func (s *Syncer) publish(next State) {
	s.state.Update(func(cur State) State {
		if next.rev < cur.rev {
			return cur
		}
		return next
	})
	s.metrics.SetFeedItems(len(next.Items))
	s.metrics.SetFeedChannel(string(next.Subscription))
}

// update applies fn to the current state when gen is still the live run.
func (s *Syncer) update(gen uint64, fn func(*State)) bool {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return false
	}
	next := s.current
	fn(&next)
	next = s.commitLocked(next)
	s.mu.Unlock()
	s.publish(next)
	return true
}

// Start fetches immediately, then polls every pollInterval and in parallel
// tries to open the push channel. It returns without waiting for either.
// Calling Start on a running feed does nothing.
func (s *Syncer) Start(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.kick = make(chan struct{}, 1)
	s.dropped = make(chan struct{}, 1)
	next := s.current
	if len(next.Items) == 0 {
		next.Phase = Fetching
	}
	next.Subscription = Connecting
	if s.push == nil {
		next.Subscription = Degraded
	}
	next = s.commitLocked(next)
	kick, dropped := s.kick, s.dropped
	s.mu.Unlock()
	s.publish(next)

	s.wg.Add(1)
	go s.pollLoop(runCtx, gen, pollInterval, kick)
	if s.push != nil {
		s.wg.Add(1)
		go s.channelLoop(runCtx, gen, dropped)
	}
}

func (s *Syncer) pollLoop(ctx context.Context, gen uint64, interval time.Duration, kick <-chan struct{}) {
	defer s.wg.Done()
	s.seedFromCache(ctx, gen)
	schedule := newPollSchedule(interval, s.jitter)
	_ = s.fetch(ctx, gen, false)

	timer := time.NewTimer(schedule.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = s.fetch(ctx, gen, false)
			timer.Reset(schedule.next())
		case <-kick:
			_ = s.fetch(ctx, gen, false)
		}
	}
}

func (s *Syncer) seedFromCache(ctx context.Context, gen uint64) {
	if s.cache == nil {
		return
	}
	posts, ok, err := cache.Lookup[[]remote.Post](ctx, s.cache, s.CacheKey())
	if err != nil {
		s.logger.Warn("feed cache read failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.update(gen, func(st *State) {
		// A fetch may already have landed through Refresh.
		if !st.LastFetchedAt.IsZero() {
			return
		}
		st.Items = posts
		st.FromCache = true
		if st.Phase == Fetching || st.Phase == Idle {
			st.Phase = Ready
		}
	})
}

// Refresh refetches now and returns once the result is applied or discarded.
func (s *Syncer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	gen := s.gen
	s.mu.Unlock()
	return s.fetch(ctx, gen, true)
}

func (s *Syncer) fetch(ctx context.Context, gen uint64, manual bool) error {
	token := s.nextToken.Add(1)
	if manual {
		s.update(gen, func(st *State) {
			if st.Phase == Ready {
				st.Phase = Refreshing
			}
		})
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	started := time.Now()
	posts, err := s.remote.ListPosts(fetchCtx, s.filter)
	cancel()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveFetch("feed", outcome, time.Since(started).Seconds())

	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("discarding feed result after stop")
		return nil
	}
	if err != nil {
		next := s.current
		next.LastError = err
		if next.Phase == Refreshing || next.Phase == Fetching {
			if next.LastFetchedAt.IsZero() && !next.FromCache {
				next.Phase = Idle
			} else {
				next.Phase = Ready
			}
		}
		next = s.commitLocked(next)
		s.mu.Unlock()
		s.publish(next)
		if ctx.Err() == nil {
			s.logger.Warn("feed fetch failed", zap.Error(err))
		}
		return err
	}
	if token <= s.appliedToken {
		s.mu.Unlock()
		s.logger.Debug("discarding stale feed result", zap.Uint64("token", token))
		return nil
	}
	s.appliedToken = token
	if posts == nil {
		posts = []remote.Post{}
	}
	next := s.current
	next.Items = posts
	next.Phase = Ready
	next.LastError = nil
	next.LastFetchedAt = time.Now()
	next.FromCache = false
	next = s.commitLocked(next)
	s.writeCacheLocked(posts)
	s.mu.Unlock()
	s.publish(next)
	return nil
}

func (s *Syncer) writeCacheLocked(posts []remote.Post) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, s.CacheKey(), posts); err != nil {
		s.logger.Warn("feed cache write failed", zap.Error(err))
	}
}

// channelLoop keeps a push channel open on a best-effort basis: each round
// makes a bounded number of attempts, and a dropped channel starts a new round.
func (s *Syncer) channelLoop(ctx context.Context, gen uint64, dropped <-chan struct{}) {
	defer s.wg.Done()
	for round := 0; ; round++ {
		if !s.establish(ctx, gen, round > 0) {
			if ctx.Err() == nil {
				s.logger.Warn("push channel unavailable; relying on polling", zap.Int("attempts", s.retries))
				s.update(gen, func(st *State) { st.Subscription = Degraded })
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-dropped:
		}
	}
}

func (s *Syncer) establish(ctx context.Context, gen uint64, reconnect bool) bool {
	for attempt := 1; attempt <= s.retries; attempt++ {
		link := &channelLink{}
		subCtx, cancel := context.WithTimeout(ctx, s.subTimeout)
		sub, err := s.push.Subscribe(subCtx, s.topic, s.onEvent(gen), s.onStatus(gen, link))
		cancel()
		if err == nil {
			s.mu.Lock()
			if !s.running || s.gen != gen {
				s.mu.Unlock()
				_ = sub.Close()
				return false
			}
			s.sub = sub
			s.link = link
			if link.failed.Load() {
				// Dropped before it was recorded.
				s.sub = nil
				s.link = nil
				s.mu.Unlock()
				_ = sub.Close()
				err = push.ErrChannel
			} else {
				next := s.current
				next.Subscription = Subscribed
				next = s.commitLocked(next)
				s.mu.Unlock()
				s.publish(next)
				s.logger.Debug("push channel subscribed", zap.Int("attempt", attempt))
				if reconnect {
					// Events may have been missed while the channel was down.
					s.trigger(gen)
				}
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}
		s.metrics.ObserveRetry("feed.subscribe")
		s.logger.Warn("push subscribe attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", s.retries),
			zap.Error(err),
		)
		s.update(gen, func(st *State) { st.Subscription = Degraded })
		if attempt == s.retries {
			break
		}
		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

func (s *Syncer) onEvent(gen uint64) push.EventHandler {
	return func(ev push.Event) {
		s.logger.Debug("feed change pushed", zap.String("entityId", ev.EntityID), zap.String("change", string(ev.Change)))
		s.trigger(gen)
	}
}

// trigger schedules one refetch on the poll loop. Triggers that arrive while
// one is already pending collapse into it.
func (s *Syncer) trigger(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) onStatus(gen uint64, link *channelLink) push.StatusHandler {
	return func(status push.Status, err error) {
		if status != push.StatusChannelError && status != push.StatusTimedOut {
			return
		}
		link.failed.Store(true)
		s.mu.Lock()
		if !s.running || s.gen != gen || s.link != link {
			s.mu.Unlock()
			return
		}
		sub := s.sub
		s.sub = nil
		s.link = nil
		next := s.current
		next.Subscription = Degraded
		next = s.commitLocked(next)
		select {
		case s.dropped <- struct{}{}:
		default:
		}
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		s.publish(next)
		s.logger.Warn("push channel dropped", zap.String("status", string(status)), zap.Error(err))
	}
}

// Stop releases the poll loop and the push channel and waits for both to
// exit. It is safe to call repeatedly, and before or without Start.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	sub := s.sub
	s.cancel = nil
	s.sub = nil
	s.link = nil
	next := s.current
	next.Subscription = Closed
	if next.Phase == Fetching || next.Phase == Refreshing {
		next.Phase = Ready
		if next.LastFetchedAt.IsZero() && !next.FromCache {
			next.Phase = Idle
		}
	}
	next = s.commitLocked(next)
	s.mu.Unlock()

	cancel()
	if sub != nil {
		_ = sub.Close()
	}
	s.wg.Wait()
	s.publish(next)
}
