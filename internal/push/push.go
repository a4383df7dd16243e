package push

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrTimedOut = errors.New("push subscription timed out")
	ErrChannel  = errors.New("push channel error")
	ErrClosed   = errors.New("push channel closed")
)

type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// Event is a server-originated change notification for one entity in a topic.
type Event struct {
	Topic    string          `json:"topic"`
	EntityID string          `json:"entityId"`
	Change   ChangeKind      `json:"change"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
	StatusClosed       Status = "closed"
)

type EventHandler func(Event)

// StatusHandler receives connection transitions after a subscription is established.
// A failed Subscribe reports through its returned error instead.
type StatusHandler func(status Status, err error)

// Subscription is the handle for one live channel. Close is idempotent.
type Subscription interface {
	Topic() string
	Close() error
}

type Service interface {
	Subscribe(ctx context.Context, topic string, onEvent EventHandler, onStatus StatusHandler) (Subscription, error)
}

func ProfileTopic(userID string) string {
	return "profiles:" + strings.TrimSpace(userID)
}

func PostsTopic(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "all"
	}
	return "posts:" + scope
}

// frame is the JSON envelope exchanged over the WebSocket transport.
type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Event   *Event `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	frameSubscribed = "subscribed"
	frameEvent      = "event"
	frameError      = "error"
)
