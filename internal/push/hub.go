package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Hub is an in-process Service. It fans published events out to every
// subscription on the topic and can simulate channel failures.
type Hub struct {
	mu     sync.Mutex
	next   uint64
	topics map[string]map[uint64]*hubSubscription
	// refuse makes Subscribe fail for a topic, keyed by topic.
	refuse map[string]error
}

type hubSubscription struct {
	hub      *Hub
	id       uint64
	topic    string
	onEvent  EventHandler
	onStatus StatusHandler

	mu   sync.Mutex
	done bool
}

func NewHub() *Hub {
	return &Hub{
		topics: map[string]map[uint64]*hubSubscription{},
		refuse: map[string]error{},
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic string, onEvent EventHandler, onStatus StatusHandler) (Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrChannel)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	h.mu.Lock()
	if err, ok := h.refuse[topic]; ok {
		h.mu.Unlock()
		return nil, err
	}
	h.next++
	sub := &hubSubscription{
		hub:      h,
		id:       h.next,
		topic:    topic,
		onEvent:  onEvent,
		onStatus: onStatus,
	}
	if h.topics[topic] == nil {
		h.topics[topic] = map[uint64]*hubSubscription{}
	}
	h.topics[topic][sub.id] = sub
	h.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return sub, nil
}

// Publish delivers ev to every current subscriber of topic and returns how many received it.
func (h *Hub) Publish(topic string, ev Event) int {
	if ev.Topic == "" {
		ev.Topic = topic
	}
	subs := h.snapshot(topic)
	for _, sub := range subs {
		if sub.onEvent != nil {
			sub.onEvent(ev)
		}
	}
	return len(subs)
}

// Fail drops every subscription on topic with a channel error.
func (h *Hub) Fail(topic string, cause error) int {
	if cause == nil {
		cause = ErrChannel
	}
	h.mu.Lock()
	subs := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()
	for _, sub := range subs {
		if !sub.finish() {
			continue
		}
		if sub.onStatus != nil {
			sub.onStatus(StatusChannelError, cause)
		}
	}
	return len(subs)
}

// Refuse makes future Subscribe calls for topic fail with err until Allow is called.
func (h *Hub) Refuse(topic string, err error) {
	if err == nil {
		err = ErrChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[topic] = err
}

func (h *Hub) Allow(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.refuse, topic)
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) snapshot(topic string) []*hubSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*hubSubscription, 0, len(h.topics[topic]))
	for _, sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	return subs
}

func (s *hubSubscription) Topic() string {
	return s.topic
}

// finish marks the subscription ended and reports whether this call did it.
func (s *hubSubscription) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

// Close may be called from inside the status handler.
func (s *hubSubscription) Close() error {
	if !s.finish() {
		return nil
	}
	s.hub.mu.Lock()
	if subs := s.hub.topics[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.hub.topics, s.topic)
		}
	}
	s.hub.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(StatusClosed, nil)
	}
	return nil
}
