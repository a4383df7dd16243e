package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
)

// Backend is the in-memory data set served by the development server.
// Every accepted change is published to the push hub.
type Backend struct {
	hub *push.Hub
	now func() time.Time

	mu       sync.Mutex
	profiles map[string]remote.Profile
	posts    map[string]remote.Post
	refs     map[string]string
}

func NewBackend(hub *push.Hub) *Backend {
	if hub == nil {
		hub = push.NewHub()
	}
	return &Backend{
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
		profiles: map[string]remote.Profile{},
		posts:    map[string]remote.Post{},
		refs:     map[string]string{},
	}
}

func (b *Backend) Hub() *push.Hub {
	return b.hub
}

// PutProfile creates or replaces a profile without publishing.
func (b *Backend) PutProfile(p remote.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = b.now()
	}
	b.profiles[p.ID] = p
}

func (b *Backend) PutPost(p remote.Post) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = b.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	b.posts[p.ID] = p
}

func (b *Backend) Profile(id string) (remote.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return remote.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	return p, nil
}

func (b *Backend) UpdateProfile(id string, change remote.ProfileChange) (remote.Profile, error) {
	if change.IsEmpty() {
		return remote.Profile{}, fmt.Errorf("%w: empty profile change", ErrInvalid)
	}
	b.mu.Lock()
	current, ok := b.profiles[id]
	if !ok {
		b.mu.Unlock()
		return remote.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	updated := change.Apply(current)
	if strings.TrimSpace(updated.Name) == "" {
		b.mu.Unlock()
		return remote.Profile{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	updated.Version++
	updated.UpdatedAt = b.now()
	b.profiles[id] = updated
	b.mu.Unlock()

	b.publish(push.ProfileTopic(id), id, push.Updated, updated)
	return updated, nil
}

// DeleteProfile removes a profile and tells live subscribers.
func (b *Backend) DeleteProfile(id string) error {
	b.mu.Lock()
	_, ok := b.profiles[id]
	delete(b.profiles, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: profile %s", ErrNotFound, id)
	}
	b.publish(push.ProfileTopic(id), id, push.Deleted, nil)
	return nil
}

// ListPosts returns posts newest first.
func (b *Backend) ListPosts(filter remote.PostFilter) []remote.Post {
	b.mu.Lock()
	out := make([]remote.Post, 0, len(b.posts))
	for _, p := range b.posts {
		if filter.AuthorID != "" && p.AuthorID != filter.AuthorID {
			continue
		}
		out = append(out, p)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Mutate applies one mutation submitted by authorID.
func (b *Backend) Mutate(authorID, kind string, payload json.RawMessage) (json.RawMessage, error) {
	p, err := outbox.Action{Kind: outbox.Kind(kind), Payload: payload}.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := outbox.Validate(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch v := p.(type) {
	case outbox.CreatePost:
		return b.createPost(authorID, v)
	case outbox.UpdatePost:
		return b.changePost(v.PostID, func(post *remote.Post) { post.Content = v.Content })
	case outbox.DeletePost:
		return b.deletePost(v.PostID)
	case outbox.LikePost:
		return b.changePost(v.PostID, func(post *remote.Post) {
			if v.Liked {
				post.LikeCount++
			} else if post.LikeCount > 0 {
				post.LikeCount--
			}
		})
	case outbox.UpdateProfile:
		updated, err := b.UpdateProfile(v.UserID, v.Change)
		if err != nil {
			return nil, err
		}
		return json.Marshal(updated)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrInvalid, kind)
	}
}

func (b *Backend) createPost(authorID string, v outbox.CreatePost) (json.RawMessage, error) {
	b.mu.Lock()
	if id, ok := b.refs[v.ClientRef]; ok && v.ClientRef != "" {
		post := b.posts[id]
		b.mu.Unlock()
		return json.Marshal(post)
	}
	now := b.now()
	post := remote.Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Content:   v.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.posts[post.ID] = post
	if v.ClientRef != "" {
		b.refs[v.ClientRef] = post.ID
	}
	b.mu.Unlock()

	b.publishPost(post, push.Created)
	return json.Marshal(post)
}

func (b *Backend) changePost(id string, fn func(*remote.Post)) (json.RawMessage, error) {
	b.mu.Lock()
	post, ok := b.posts[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	fn(&post)
	post.UpdatedAt = b.now()
	b.posts[id] = post
	b.mu.Unlock()

	b.publishPost(post, push.Updated)
	return json.Marshal(post)
}

func (b *Backend) deletePost(id string) (json.RawMessage, error) {
	b.mu.Lock()
	post, ok := b.posts[id]
	delete(b.posts, id)
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: post %s", ErrNotFound, id)
	}
	b.publishPost(post, push.Deleted)
	return nil, nil
}

func (b *Backend) publishPost(post remote.Post, change push.ChangeKind) {
	var value any
	if change != push.Deleted {
		value = post
	}
	b.publish(push.PostsTopic(""), post.ID, change, value)
	if post.AuthorID != "" {
		b.publish(push.PostsTopic(post.AuthorID), post.ID, change, value)
	}
}

func (b *Backend) publish(topic, entityID string, change push.ChangeKind, value any) {
	ev := push.Event{Topic: topic, EntityID: entityID, Change: change}
	if value != nil {
		raw, err := json.Marshal(value)
		if err == nil {
			ev.NewValue = raw
		}
	}
	b.hub.Publish(topic, ev)
}
