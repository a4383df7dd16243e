// Package profile owns the signed-in user's profile. It merges cached
// values, network fetches and live push updates into one in-memory value.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaysync/internal/cache"
	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/observe"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var (
	ErrClosed      = errors.New("profile store is closed")
	ErrNoProfile   = errors.New("no profile loaded")
	ErrUserIDEmpty = errors.New("user id is required")
)

type Phase string

const (
	Uninitialized Phase = "uninitialized"
	CachedValid   Phase = "cached_valid"
	Fetching      Phase = "fetching"
	Fresh         Phase = "fresh"
	Errored       Phase = "errored"
	Deleted       Phase = "deleted"
)

type State struct {
	UserID          string
	Profile         *remote.Profile
	LoadedFromCache bool
	FetchInFlight   bool
	Phase           Phase
	Err             error

	rev uint64
}

const cacheWriteTimeout = 2 * time.Second

var errDroppedEarly = fmt.Errorf("%w: profile channel dropped while subscribing", push.ErrChannel)

// liveLink ties status callbacks to the subscribe attempt that produced them.
type liveLink struct {
	failed atomic.Bool
}

func CacheKey(userID string) string {
	return "profile:" + userID
}

type Options struct {
	Remote  remote.Service
	Push    push.Service
	Cache   *cache.Cache
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// FetchBackoff bounds retries of transient fetch failures.
	FetchBackoff connectivity.Backoff
	// ResubscribeBackoff bounds re-establishing a dropped live channel.
	ResubscribeBackoff connectivity.Backoff
}

type Store struct {
	remote       remote.Service
	push         push.Service
	cache        *cache.Cache
	logger       *zap.Logger
	metrics      *metrics.Metrics
	fetchBackoff connectivity.Backoff
	resubBackoff connectivity.Backoff
	state        *observe.Value[State]
	group        singleflight.Group

	mu         sync.Mutex
	current    State
	rev        uint64
	loaded     bool
	liveSeq    uint64
	closed     bool
	sub        push.Subscription
	link       *liveLink
	subUser    string
	subPending bool
	liveWanted string
}

func New(opts Options) (*Store, error) {
	if opts.Remote == nil {
		return nil, errors.New("profile store requires a remote service")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetch := opts.FetchBackoff
	fetch.Operation = "profile.fetch"
	fetch.Logger = logger
	fetch.Metrics = opts.Metrics
	fetch.Retryable = remote.IsTransient
	resub := opts.ResubscribeBackoff
	resub.Operation = "profile.subscribe"
	resub.Logger = logger
	resub.Metrics = opts.Metrics
	if resub.BaseDelay <= 0 {
		resub.BaseDelay = time.Second
	}
	initial := State{Phase: Uninitialized}
	return &Store{
		remote:       opts.Remote,
		push:         opts.Push,
		cache:        opts.Cache,
		logger:       logger,
		metrics:      opts.Metrics,
		fetchBackoff: fetch,
		resubBackoff: resub,
		state:        observe.NewValue(initial),
		current:      initial,
	}, nil
}

func (s *Store) State() State {
	return s.state.Get()
}

// Watch calls fn with every new state until the returned func is called.
func (s *Store) Watch(fn func(State)) func() {
	return s.state.Watch(fn)
}

// commitLocked records next as the current state. The caller must hold s.mu
// and call publish with the result after unlocking.
func (s *Store) commitLocked(next State) State {
	s.rev++
	next.rev = s.rev
	s.current = next
	return next
}

func (s *Store) publish(next State) {
	s.state.Update(func(cur State) State {
		if next.rev < cur.rev {
			return cur
		}
		return next
	})
}

// Load brings the profile for userID into memory. Concurrent callers for the
// same user share one network fetch. Unless force is set, a value already
// loaded this session or a fresh cache entry satisfies the call.
func (s *Store) Load(ctx context.Context, userID string, force bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDEmpty
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var switched *State
	if s.current.UserID != userID {
		s.loaded = false
		s.liveSeq++
		next := s.commitLocked(State{UserID: userID, Phase: Uninitialized})
		switched = &next
	}
	if !force && s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if switched != nil {
		s.publish(*switched)
	}

	_, err, shared := s.group.Do(userID, func() (any, error) {
		return nil, s.load(ctx, userID, force)
	})
	if shared {
		s.logger.Debug("joined in-flight profile load", zap.String("userId", userID))
	}
	return err
}

func (s *Store) load(ctx context.Context, userID string, force bool) error {
	if !force && s.cache != nil {
		if adopted := s.adoptCached(ctx, userID); adopted {
			return nil
		}
	}

	s.mu.Lock()
	if s.closed || s.current.UserID != userID {
		s.mu.Unlock()
		return nil
	}
	seq := s.liveSeq
	next := s.current
	next.FetchInFlight = true
	if next.Profile == nil {
		next.Phase = Fetching
	}
	next = s.commitLocked(next)
	s.mu.Unlock()
	s.publish(next)

	started := time.Now()
	fetched, err := connectivity.RetryWithBackoff(ctx, func(ctx context.Context) (remote.Profile, error) {
		return s.remote.FetchProfile(ctx, userID)
	}, s.fetchBackoff)
	s.metrics.ObserveFetch("profile", fetchOutcome(err), time.Since(started).Seconds())

	s.mu.Lock()
	if s.closed || s.current.UserID != userID {
		s.mu.Unlock()
		return nil
	}
	if s.liveSeq != seq {
		// A live update or write landed while the fetch was in flight and wins.
		s.logger.Debug("discarding profile fetch superseded by live update", zap.String("userId", userID))
		next := s.current
		next.FetchInFlight = false
		next = s.commitLocked(next)
		s.mu.Unlock()
		s.publish(next)
		return nil
	}
	if err != nil {
		if remote.IsNotFound(err) {
			next := s.clearLocked(userID)
			s.mu.Unlock()
			s.publish(next)
			s.logger.Info("profile no longer exists", zap.String("userId", userID))
			return nil
		}
		next := s.current
		next.FetchInFlight = false
		next.Err = err
		if next.Profile == nil {
			next.Phase = Errored
		}
		next = s.commitLocked(next)
		s.mu.Unlock()
		s.publish(next)
		s.logger.Warn("profile fetch failed", zap.String("userId", userID), zap.Error(err))
		return err
	}
	next = s.adoptLocked(userID, fetched, false)
	s.mu.Unlock()
	s.publish(next)
	return nil
}

func (s *Store) adoptCached(ctx context.Context, userID string) bool {
	cached, ok, err := cache.Lookup[remote.Profile](ctx, s.cache, CacheKey(userID))
	if err != nil {
		s.logger.Warn("profile cache read failed", zap.String("userId", userID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.closed || s.current.UserID != userID || s.current.Phase == Fresh {
		s.mu.Unlock()
		return true
	}
	p := cached
	next := s.commitLocked(State{
		UserID:          userID,
		Profile:         &p,
		LoadedFromCache: true,
		FetchInFlight:   s.current.FetchInFlight,
		Phase:           CachedValid,
	})
	s.loaded = true
	s.mu.Unlock()
	s.publish(next)
	return true
}

// adoptLocked installs p as the authoritative value and writes it through
// to the cache. live marks values that must win over in-flight fetches.
func (s *Store) adoptLocked(userID string, p remote.Profile, live bool) State {
	if live {
		s.liveSeq++
	}
	s.loaded = true
	inFlight := live && s.current.FetchInFlight
	next := s.commitLocked(State{
		UserID:        userID,
		Profile:       &p,
		FetchInFlight: inFlight,
		Phase:         Fresh,
	})
	s.writeCacheLocked(userID, &p)
	return next
}

func (s *Store) clearLocked(userID string) State {
	s.liveSeq++
	s.loaded = false
	next := s.commitLocked(State{UserID: userID, Phase: Deleted})
	s.writeCacheLocked(userID, nil)
	return next
}

// writeCacheLocked runs under s.mu so cache writes land in the same order as
// the state changes they mirror.
func (s *Store) writeCacheLocked(userID string, p *remote.Profile) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	var err error
	if p == nil {
		err = s.cache.Remove(ctx, CacheKey(userID))
	} else {
		err = s.cache.Set(ctx, CacheKey(userID), p)
	}
	if err != nil {
		s.logger.Warn("profile cache write failed", zap.String("userId", userID), zap.Error(err))
	}
}

// Update sends change to the backend and applies the result locally only
// after the backend accepts it.
func (s *Store) Update(ctx context.Context, change remote.ProfileChange) (remote.Profile, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return remote.Profile{}, ErrClosed
	}
	userID := s.current.UserID
	s.mu.Unlock()
	if userID == "" {
		return remote.Profile{}, ErrNoProfile
	}

	updated, err := s.remote.UpdateProfile(ctx, userID, change)
	if err != nil {
		return remote.Profile{}, err
	}

	s.mu.Lock()
	if s.closed || s.current.UserID != userID {
		s.mu.Unlock()
		return updated, nil
	}
	next := s.adoptLocked(userID, updated, true)
	s.mu.Unlock()
	s.publish(next)
	return updated, nil
}

// SubscribeLive opens the push channel for userID. A second call while the
// channel for the same user is open or opening does nothing.
func (s *Store) SubscribeLive(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserIDEmpty
	}
	if s.push == nil {
		return errors.New("profile store has no push service")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.subUser == userID && (s.sub != nil || s.subPending) {
		s.mu.Unlock()
		return nil
	}
	previous := s.sub
	s.sub = nil
	s.link = nil
	s.subUser = userID
	s.subPending = true
	s.liveWanted = userID
	var adopted *State
	if s.current.UserID == "" {
		next := s.commitLocked(State{UserID: userID, Phase: Uninitialized})
		adopted = &next
	}
	s.mu.Unlock()
	if adopted != nil {
		s.publish(*adopted)
	}
	if previous != nil {
		_ = previous.Close()
	}
	err := s.subscribe(ctx, userID)
	if errors.Is(err, errDroppedEarly) {
		s.logger.Warn("profile live channel dropped while subscribing; resubscribing", zap.String("userId", userID))
		go s.resubscribe(userID)
		return nil
	}
	return err
}

func (s *Store) subscribe(ctx context.Context, userID string) error {
	link := &liveLink{}
	sub, err := s.push.Subscribe(ctx, push.ProfileTopic(userID), func(ev push.Event) {
		s.handleEvent(userID, ev)
	}, func(status push.Status, err error) {
		s.handleStatus(userID, link, status, err)
	})

	s.mu.Lock()
	if err != nil {
		if s.subUser == userID {
			s.subPending = false
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe to profile %s: %w", userID, err)
	}
	if s.closed || s.liveWanted != userID || s.subUser != userID || s.sub != nil {
		s.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	if link.failed.Load() {
		// subPending stays set; the caller retries.
		s.mu.Unlock()
		_ = sub.Close()
		return errDroppedEarly
	}
	s.sub = sub
	s.link = link
	s.subPending = false
	s.mu.Unlock()
	s.logger.Debug("profile live updates subscribed", zap.String("userId", userID))
	return nil
}

func (s *Store) handleEvent(userID string, ev push.Event) {
	if ev.EntityID != "" && ev.EntityID != userID {
		return
	}
	if ev.Change == push.Deleted {
		s.mu.Lock()
		if s.closed || s.current.UserID != userID {
			s.mu.Unlock()
			return
		}
		next := s.clearLocked(userID)
		s.mu.Unlock()
		s.publish(next)
		s.logger.Info("profile deleted by live event", zap.String("userId", userID))
		return
	}

	if len(ev.NewValue) == 0 {
		go func() {
			if err := s.Load(context.Background(), userID, true); err != nil {
				s.logger.Warn("profile refetch after live event failed", zap.String("userId", userID), zap.Error(err))
			}
		}()
		return
	}
	var p remote.Profile
	if err := json.Unmarshal(ev.NewValue, &p); err != nil {
		s.logger.Warn("ignoring undecodable profile event", zap.String("userId", userID), zap.Error(err))
		return
	}
	if p.ID == "" {
		p.ID = userID
	}
	s.mu.Lock()
	if s.closed || s.current.UserID != userID {
		s.mu.Unlock()
		return
	}
	next := s.adoptLocked(userID, p, true)
	s.mu.Unlock()
	s.publish(next)
}

func (s *Store) handleStatus(userID string, link *liveLink, status push.Status, err error) {
	switch status {
	case push.StatusChannelError, push.StatusTimedOut:
	default:
		return
	}
	link.failed.Store(true)
	s.mu.Lock()
	if s.closed || s.liveWanted != userID || s.subUser != userID || s.link != link {
		s.mu.Unlock()
		return
	}
	dropped := s.sub
	s.sub = nil
	s.link = nil
	s.subPending = true
	s.mu.Unlock()
	if dropped != nil {
		_ = dropped.Close()
	}
	s.logger.Warn("profile live channel dropped; resubscribing", zap.String("userId", userID), zap.Error(err))
	go s.resubscribe(userID)
}

func (s *Store) resubscribe(userID string) {
	_, err := connectivity.RetryWithBackoff(context.Background(), func(ctx context.Context) (struct{}, error) {
		s.mu.Lock()
		wanted := !s.closed && s.liveWanted == userID && s.subUser == userID
		s.mu.Unlock()
		if !wanted {
			return struct{}{}, nil
		}
		return struct{}{}, s.subscribe(ctx, userID)
	}, s.resubBackoff)
	if err != nil {
		s.mu.Lock()
		if s.subUser == userID {
			s.subPending = false
		}
		s.mu.Unlock()
		s.logger.Error("profile live channel could not be re-established", zap.String("userId", userID), zap.Error(err))
	}
}

// Unsubscribe releases the live channel, if any.
func (s *Store) Unsubscribe() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.link = nil
	s.subUser = ""
	s.subPending = false
	s.liveWanted = ""
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// Reset drops the channel and all in-memory state, as on sign-out.
func (s *Store) Reset() {
	s.Unsubscribe()
	s.mu.Lock()
	s.loaded = false
	s.liveSeq++
	next := s.commitLocked(State{Phase: Uninitialized})
	s.mu.Unlock()
	s.publish(next)
}

// Close releases the channel and makes late fetch results no-ops.
func (s *Store) Close() {
	s.Unsubscribe()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case remote.IsNotFound(err):
		return "not_found"
	case remote.KindOf(err) != "":
		return string(remote.KindOf(err))
	default:
		return "error"
	}
}
