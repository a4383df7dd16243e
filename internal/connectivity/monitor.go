// Package connectivity tracks whether the backend is reachable and provides
// the bounded exponential retry used by remote operations.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultInterval     = 30 * time.Second
)

type State struct {
	Online        bool
	LastCheckedAt time.Time
}

// Prober reports nil when the backend answered.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Options struct {
	Prober       Prober
	ProbeTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Monitor holds the process-wide reachability flag. It starts offline until
// the first probe completes.
type Monitor struct {
	prober       Prober
	probeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu       sync.RWMutex
	state    State
	watchers map[int]func(prev, next State)
	nextID   int

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(opts Options) *Monitor {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		prober:       opts.Prober,
		probeTimeout: timeout,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          now,
		watchers:     map[int]func(prev, next State){},
	}
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) IsOnline() bool {
	return m.State().Online
}

// Check probes once and records the result. It never fails: any probe error
// or timeout means offline.
func (m *Monitor) Check(ctx context.Context) bool {
	online := false
	if m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			m.logger.Debug("connectivity probe failed", zap.Error(err))
		}
		online = err == nil
	}
	m.metrics.ObserveProbe(online)
	m.metrics.SetOnline(online)
	m.record(online)
	return online
}

func (m *Monitor) record(online bool) {
	m.mu.Lock()
	prev := m.state
	next := State{Online: online, LastCheckedAt: m.now()}
	m.state = next
	var notify []func(prev, next State)
	if prev.Online != next.Online {
		notify = make([]func(prev, next State), 0, len(m.watchers))
		for _, fn := range m.watchers {
			notify = append(notify, fn)
		}
	}
	m.mu.Unlock()

	if len(notify) == 0 {
		return
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range notify {
		fn(prev, next)
	}
}

// Watch calls fn on every online/offline transition until cancel is called.
func (m *Monitor) Watch(fn func(prev, next State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Start probes immediately and then every interval. Calling Start on a
// running monitor does nothing.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, interval, done)
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the periodic loop and waits for it. Safe without Start.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
