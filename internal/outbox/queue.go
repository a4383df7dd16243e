package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	StorageKey         = "outbox:queue"
	DefaultMaxAttempts = 3
)

var ErrNoReplayer = errors.New("outbox replayer is required")

// Monitor is the connectivity source the queue consults before replaying.
type Monitor interface {
	IsOnline() bool
	Watch(fn func(prev, next connectivity.State)) (cancel func())
}

type Options struct {
	Storage     kvstore.Storage
	Replayer    Replayer
	Monitor     Monitor
	MaxAttempts int
	Now         func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// OnDrop is called, outside the queue lock, for every action that used up its attempts.
	OnDrop func(action Action, lastErr error)
}

// Report summarizes one Process pass.
type Report struct {
	Skipped   bool
	Reason    string
	Succeeded int
	Failed    int
	Dropped   int
}

type Queue struct {
	storage     kvstore.Storage
	replayer    Replayer
	monitor     Monitor
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
	onDrop      func(Action, error)

	mu      sync.Mutex
	actions []Action

	busy atomic.Bool

	triggerMu sync.Mutex
	unwatch   func()
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

type snapshot struct {
	Actions []Action `json:"actions"`
}

// Open loads the persisted queue from storage.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("%w: storage is required", kvstore.ErrInvalidInput)
	}
	if opts.Replayer == nil {
		return nil, ErrNoReplayer
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	q := &Queue{
		storage:     opts.Storage,
		replayer:    opts.Replayer,
		monitor:     opts.Monitor,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		onDrop:      opts.OnDrop,
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.metrics.SetOutboxDepth(len(q.actions))
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, ok, err := q.storage.GetItem(ctx, StorageKey)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		// An unreadable queue cannot be replayed; start empty rather than refuse to run.
		q.logger.Error("discarding unreadable outbox snapshot", zap.Error(err))
		return nil
	}
	q.actions = snap.Actions
	return nil
}

func (q *Queue) saveLocked(ctx context.Context) error {
	data, err := json.Marshal(snapshot{Actions: q.actions})
	if err != nil {
		return err
	}
	if err := q.storage.SetItem(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("persist outbox: %w", err)
	}
	q.metrics.SetOutboxDepth(len(q.actions))
	return nil
}

// Enqueue validates p, appends it to the tail of the queue and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (Action, error) {
	p = WithClientRef(p)
	if err := Validate(p); err != nil {
		return Action{}, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return Action{}, err
	}
	action := Action{
		ID:         uuid.NewString(),
		Kind:       p.Kind(),
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, action)
	if err := q.saveLocked(ctx); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		return Action{}, err
	}
	q.logger.Debug("queued action", zap.String("action_id", action.ID), zap.String("kind", string(action.Kind)))
	return action, nil
}

// Replayer returns the handler set the queue replays through.
func (q *Queue) Replayer() Replayer {
	return q.replayer
}

// Pending returns a copy of the queued actions in enqueue order.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.actions...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	previous := q.actions
	q.actions = nil
	if err := q.saveLocked(ctx); err != nil {
		q.actions = previous
		return err
	}
	return nil
}

// Process replays every queued action once, oldest first. It does nothing
// while offline or while another pass is running.
func (q *Queue) Process(ctx context.Context) (Report, error) {
	if q.monitor != nil && !q.monitor.IsOnline() {
		return Report{Skipped: true, Reason: "offline"}, nil
	}
	if !q.busy.CompareAndSwap(false, true) {
		return Report{Skipped: true, Reason: "busy"}, nil
	}
	defer q.busy.Store(false)

	var (
		report  Report
		saveErr error
	)
	for _, action := range q.Pending() {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(saveErr, err)
		}
		replayErr := q.replay(ctx, action)

		q.mu.Lock()
		idx := q.indexLocked(action.ID)
		if idx < 0 {
			// Cleared while the replay was running.
			q.mu.Unlock()
			continue
		}
		previous := append([]Action(nil), q.actions...)
		var dropped *Action
		if replayErr == nil {
			q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
			report.Succeeded++
		} else {
			q.actions[idx].Attempts++
			report.Failed++
			if q.actions[idx].Attempts >= q.maxAttempts {
				d := q.actions[idx]
				dropped = &d
				q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
				report.Dropped++
			}
		}
		if err := q.saveLocked(ctx); err != nil {
			q.actions = previous
			saveErr = errors.Join(saveErr, err)
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		switch {
		case replayErr == nil:
			q.metrics.ObserveReplay("success")
		case dropped != nil:
			q.metrics.ObserveReplay("dropped")
			q.logger.Error("dropping action after repeated failures",
				zap.String("action_id", dropped.ID),
				zap.String("kind", string(dropped.Kind)),
				zap.Int("attempts", dropped.Attempts),
				zap.Error(replayErr),
			)
			if q.onDrop != nil {
				q.onDrop(*dropped, replayErr)
			}
		default:
			q.metrics.ObserveReplay("failure")
			q.logger.Warn("action replay failed",
				zap.String("action_id", action.ID),
				zap.String("kind", string(action.Kind)),
				zap.Int("attempts", action.Attempts+1),
				zap.Error(replayErr),
			)
		}
	}
	return report, saveErr
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) replay(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replay %s panicked: %v", action.Kind, r)
		}
	}()
	if _, ok := payloadSchemas[action.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, action.Kind)
	}
	if err := validatePayload(action.Kind, action.Payload); err != nil {
		return err
	}
	p, err := action.Decode()
	if err != nil {
		return err
	}
	return Dispatch(ctx, q.replayer, p)
}

// Start replays the queue whenever the monitor reports a transition from
// offline to online. Calling Start again is a no-op.
func (q *Queue) Start() {
	if q.monitor == nil {
		return
	}
	q.triggerMu.Lock()
	defer q.triggerMu.Unlock()
	if q.unwatch != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.unwatch = q.monitor.Watch(func(prev, next connectivity.State) {
		if prev.Online || !next.Online {
			return
		}
		// Stop cancels ctx under triggerMu, so no pass starts after it waits.
		q.triggerMu.Lock()
		defer q.triggerMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			report, err := q.Process(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("outbox replay pass failed", zap.Error(err))
				return
			}
			if !report.Skipped {
				q.logger.Info("outbox replay pass finished",
					zap.Int("succeeded", report.Succeeded),
					zap.Int("failed", report.Failed),
					zap.Int("dropped", report.Dropped),
				)
			}
		}()
	})
}

// Stop detaches from the monitor, cancels a running pass and waits for it.
func (q *Queue) Stop() {
	q.triggerMu.Lock()
	unwatch, cancel := q.unwatch, q.cancel
	q.unwatch, q.cancel = nil, nil
	if cancel != nil {
		cancel()
	}
	q.triggerMu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	q.wg.Wait()
}
