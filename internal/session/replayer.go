package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/feed"
	"github.com/agentworkforce/relaysync/internal/outbox"
)

// replayer applies mutations for the session. Profile edits for the signed-in
// user go through the profile store so the local value follows the backend;
// post mutations refresh the feed once accepted.
type replayer struct {
	session *Session
	remote  outbox.RemoteReplayer
}

func (r *replayer) CreatePost(ctx context.Context, p outbox.CreatePost) error {
	return r.afterPost(ctx, r.remote.CreatePost(ctx, p))
}

func (r *replayer) UpdatePost(ctx context.Context, p outbox.UpdatePost) error {
	return r.afterPost(ctx, r.remote.UpdatePost(ctx, p))
}

func (r *replayer) DeletePost(ctx context.Context, p outbox.DeletePost) error {
	return r.afterPost(ctx, r.remote.DeletePost(ctx, p))
}

func (r *replayer) LikePost(ctx context.Context, p outbox.LikePost) error {
	return r.afterPost(ctx, r.remote.LikePost(ctx, p))
}

func (r *replayer) UpdateProfile(ctx context.Context, p outbox.UpdateProfile) error {
	if p.UserID != r.session.userID {
		return r.remote.UpdateProfile(ctx, p)
	}
	_, err := r.session.profile.Update(ctx, p.Change)
	return err
}

func (r *replayer) afterPost(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if refreshErr := r.session.feed.Refresh(ctx); refreshErr != nil && !errors.Is(refreshErr, feed.ErrNotRunning) {
		r.session.logger.Warn("feed refresh after mutation failed", zap.Error(refreshErr))
	}
	return nil
}
