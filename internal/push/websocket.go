package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxFrameBytes = 1 << 20

type WSClientOptions struct {
	BaseURL string
	Token   string
	// HTTPClient is used for the upgrade handshake. Its Timeout must be zero;
	// establishment is bounded by the Subscribe context instead.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// WSClient implements Service over a WebSocket per subscription.
type WSClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWSClient(opts WSClientOptions) *WSClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		logger:     logger,
	}
}

func (c *WSClient) Subscribe(ctx context.Context, topic string, onEvent EventHandler, onStatus StatusHandler) (Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrChannel)
	}
	q := url.Values{}
	q.Set("topic", topic)
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/v1/push?"+q.Encode(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, establishError(ctx, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	var ack frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "no subscription ack")
		return nil, establishError(ctx, err)
	}
	if ack.Type != frameSubscribed {
		_ = conn.Close(websocket.StatusPolicyViolation, "unexpected frame")
		return nil, fmt.Errorf("%w: unexpected %q frame during subscribe: %s", ErrChannel, ack.Type, ack.Message)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		topic:    topic,
		conn:     conn,
		cancel:   cancel,
		onEvent:  onEvent,
		onStatus: onStatus,
		logger:   c.logger.With(zap.String("topic", topic)),
		done:     make(chan struct{}),
	}
	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	go sub.readLoop(loopCtx)
	return sub, nil
}

func establishError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	return fmt.Errorf("%w: %v", ErrChannel, err)
}

type wsSubscription struct {
	topic    string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	onEvent  EventHandler
	onStatus StatusHandler
	logger   *zap.Logger
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *wsSubscription) Topic() string {
	return s.topic
}

func (s *wsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	return nil
}

func (s *wsSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		var f frame
		err := wsjson.Read(ctx, s.conn, &f)
		if err != nil {
			if s.isClosed() {
				s.report(StatusClosed, nil)
				return
			}
			s.logger.Warn("push channel dropped", zap.Error(err))
			s.report(StatusChannelError, fmt.Errorf("%w: %v", ErrChannel, err))
			_ = s.conn.Close(websocket.StatusGoingAway, "read failed")
			return
		}
		switch f.Type {
		case frameEvent:
			if f.Event == nil {
				continue
			}
			ev := *f.Event
			if ev.Topic == "" {
				ev.Topic = s.topic
			}
			if s.onEvent != nil && !s.isClosed() {
				s.onEvent(ev)
			}
		case frameError:
			s.logger.Warn("push channel reported error", zap.String("message", f.Message))
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.report(StatusChannelError, fmt.Errorf("%w: %s", ErrChannel, f.Message))
			_ = s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
	}
}

func (s *wsSubscription) report(status Status, err error) {
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}

// Handler serves Hub topics to WSClient subscribers at /v1/push?topic=...
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("push upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "handler exited")
	ctx := conn.CloseRead(r.Context())

	events := make(chan Event, 64)
	failed := make(chan error, 1)
	sub, err := h.hub.Subscribe(ctx, topic, func(ev Event) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("push event dropped; subscriber is slow", zap.String("topic", topic))
		}
	}, func(status Status, err error) {
		if status == StatusChannelError {
			select {
			case failed <- err:
			default:
			}
		}
	})
	if err != nil {
		_ = wsjson.Write(ctx, conn, frame{Type: frameError, Topic: topic, Message: err.Error()})
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe refused")
		return
	}
	defer sub.Close()

	if err := wsjson.Write(ctx, conn, frame{Type: frameSubscribed, Topic: topic}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-failed:
			msg := "channel failed"
			if err != nil {
				msg = err.Error()
			}
			_ = conn.Close(websocket.StatusInternalError, closeReason(msg))
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, frame{Type: frameEvent, Topic: topic, Event: &ev}); err != nil {
				return
			}
		}
	}
}

// closeReason trims msg to fit a close frame without splitting a rune.
func closeReason(msg string) string {
	const limit = 100
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
