// Package outbox durably queues mutations that could not be sent and
// replays them in enqueue order once the backend is reachable.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/remote"
)

var (
	ErrUnknownKind    = errors.New("unknown action kind")
	ErrInvalidPayload = errors.New("invalid action payload")
)

type Kind string

const (
	KindCreatePost    Kind = "post.create"
	KindUpdatePost    Kind = "post.update"
	KindDeletePost    Kind = "post.delete"
	KindLikePost      Kind = "post.like"
	KindUpdateProfile Kind = "profile.update"
)

// Payload is implemented by every queueable mutation.
type Payload interface {
	Kind() Kind
}

type CreatePost struct {
	// ClientRef lets the backend deduplicate a create replayed after a lost response.
	ClientRef string `json:"clientRef,omitempty"`
	Content   string `json:"content"`
}

type UpdatePost struct {
	PostID  string `json:"postId"`
	Content string `json:"content"`
}

type DeletePost struct {
	PostID string `json:"postId"`
}

type LikePost struct {
	PostID string `json:"postId"`
	Liked  bool   `json:"liked"`
}

type UpdateProfile struct {
	UserID string               `json:"userId"`
	Change remote.ProfileChange `json:"change"`
}

func (CreatePost) Kind() Kind    { return KindCreatePost }
func (UpdatePost) Kind() Kind    { return KindUpdatePost }
func (DeletePost) Kind() Kind    { return KindDeletePost }
func (LikePost) Kind() Kind      { return KindLikePost }
func (UpdateProfile) Kind() Kind { return KindUpdateProfile }

// WithClientRef returns p with a fresh ClientRef when p is a create that has
// none, so every send and replay of it reaches the backend under one ref.
func WithClientRef(p Payload) Payload {
	switch v := p.(type) {
	case CreatePost:
		if v.ClientRef == "" {
			v.ClientRef = uuid.NewString()
		}
		return v
	case *CreatePost:
		if v != nil && v.ClientRef == "" {
			c := *v
			c.ClientRef = uuid.NewString()
			return c
		}
	}
	return p
}

// Action is one queued mutation as persisted.
type Action struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// Decode returns the typed payload for a persisted action.
func (a Action) Decode() (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch a.Kind {
	case KindCreatePost:
		var v CreatePost
		err = json.Unmarshal(a.Payload, &v)
		p = v
	case KindUpdatePost:
		var v UpdatePost
		err = json.Unmarshal(a.Payload, &v)
		p = v
	case KindDeletePost:
		var v DeletePost
		err = json.Unmarshal(a.Payload, &v)
		p = v
	case KindLikePost:
		var v LikePost
		err = json.Unmarshal(a.Payload, &v)
		p = v
	case KindUpdateProfile:
		var v UpdateProfile
		err = json.Unmarshal(a.Payload, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Replayer performs queued mutations, one method per kind.
type Replayer interface {
	CreatePost(ctx context.Context, p CreatePost) error
	UpdatePost(ctx context.Context, p UpdatePost) error
	DeletePost(ctx context.Context, p DeletePost) error
	LikePost(ctx context.Context, p LikePost) error
	UpdateProfile(ctx context.Context, p UpdateProfile) error
}

func Dispatch(ctx context.Context, r Replayer, p Payload) error {
	switch v := p.(type) {
	case CreatePost:
		return r.CreatePost(ctx, v)
	case UpdatePost:
		return r.UpdatePost(ctx, v)
	case DeletePost:
		return r.DeletePost(ctx, v)
	case LikePost:
		return r.LikePost(ctx, v)
	case UpdateProfile:
		return r.UpdateProfile(ctx, v)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
}

// RemoteReplayer sends queued mutations to the backend.
type RemoteReplayer struct {
	Service remote.Service
}

func (r RemoteReplayer) mutate(ctx context.Context, p Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.Service.Mutate(ctx, string(p.Kind()), payload)
	return err
}

func (r RemoteReplayer) CreatePost(ctx context.Context, p CreatePost) error { return r.mutate(ctx, p) }
func (r RemoteReplayer) UpdatePost(ctx context.Context, p UpdatePost) error { return r.mutate(ctx, p) }
func (r RemoteReplayer) DeletePost(ctx context.Context, p DeletePost) error { return r.mutate(ctx, p) }
func (r RemoteReplayer) LikePost(ctx context.Context, p LikePost) error     { return r.mutate(ctx, p) }

func (r RemoteReplayer) UpdateProfile(ctx context.Context, p UpdateProfile) error {
	_, err := r.Service.UpdateProfile(ctx, p.UserID, p.Change)
	return err
}
