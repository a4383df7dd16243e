package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Headline  string    `json:"headline,omitempty"`
	Location  string    `json:"location,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProfileChange is a partial profile update. Nil fields are left unchanged.
type ProfileChange struct {
	Name      *string   `json:"name,omitempty"`
	Headline  *string   `json:"headline,omitempty"`
	Location  *string   `json:"location,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	Skills    *[]string `json:"skills,omitempty"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
}

func (c ProfileChange) IsEmpty() bool {
	return c.Name == nil && c.Headline == nil && c.Location == nil &&
		c.Bio == nil && c.Skills == nil && c.AvatarURL == nil
}

// Apply returns p with the change applied. The caller owns version and timestamp bookkeeping.
func (c ProfileChange) Apply(p Profile) Profile {
	if c.Name != nil {
		p.Name = strings.TrimSpace(*c.Name)
	}
	if c.Headline != nil {
		p.Headline = strings.TrimSpace(*c.Headline)
	}
	if c.Location != nil {
		p.Location = strings.TrimSpace(*c.Location)
	}
	if c.Bio != nil {
		p.Bio = *c.Bio
	}
	if c.Skills != nil {
		p.Skills = append([]string(nil), (*c.Skills)...)
	}
	if c.AvatarURL != nil {
		p.AvatarURL = strings.TrimSpace(*c.AvatarURL)
	}
	return p
}

type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	LikeCount int       `json:"likeCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PostFilter struct {
	AuthorID string `json:"authorId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type PostList struct {
	Posts []Post `json:"posts"`
}

type MutationRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type MutationResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// Service is the backend capability surface the sync layer depends on.
type Service interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, change ProfileChange) (Profile, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]Post, error)
	Mutate(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
}
