package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/connectivity"
	"github.com/agentworkforce/relaysync/internal/kvstore"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
	"github.com/agentworkforce/relaysync/internal/session"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	backend := NewBackend(nil)
	backend.PutProfile(remote.Profile{ID: "u1", Name: "Ada", Version: 1})
	server := NewServerWithConfig(backend, cfg)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts
}

func newClient(ts *httptest.Server, token string) *remote.HTTPClient {
	return remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL:    ts.URL,
		Token:      token,
		MaxRetries: -1,
	})
}

func TestProfileRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := newClient(ts, "u1")
	ctx := context.Background()

	p, err := client.FetchProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if p.Name != "Ada" || p.Version != 1 {
		t.Fatalf("profile = %+v", p)
	}

	headline := "Engineer"
	updated, err := client.UpdateProfile(ctx, "u1", remote.ProfileChange{Headline: &headline})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Headline != "Engineer" || updated.Version != 2 {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := client.FetchProfile(ctx, "missing"); !remote.IsNotFound(err) {
		t.Fatalf("missing profile err = %v", err)
	}
	if _, err := newClient(ts, "u2").UpdateProfile(ctx, "u1", remote.ProfileChange{Headline: &headline}); remote.KindOf(err) != remote.KindUnauthorized {
		t.Fatalf("foreign edit err = %v", err)
	}
}

func TestRequestsNeedAKnownToken(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{Tokens: map[string]string{"secret": "u1"}})

	if _, err := newClient(ts, "").FetchProfile(context.Background(), "u1"); remote.KindOf(err) != remote.KindUnauthorized {
		t.Fatalf("no token err = %v", err)
	}
	if _, err := newClient(ts, "wrong").FetchProfile(context.Background(), "u1"); remote.KindOf(err) != remote.KindUnauthorized {
		t.Fatalf("wrong token err = %v", err)
	}
	if _, err := newClient(ts, "secret").FetchProfile(context.Background(), "u1"); err != nil {
		t.Fatalf("valid token: %v", err)
	}
}

func TestMutationsArePublished(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := newClient(ts, "u1")
	ws := push.NewWSClient(push.WSClientOptions{BaseURL: ts.URL, Token: "u1"})

	events := make(chan push.Event, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := ws.Subscribe(ctx, push.PostsTopic(""), func(ev push.Event) { events <- ev }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	payload, _ := json.Marshal(outbox.CreatePost{ClientRef: "ref-1", Content: "hello"})
	raw, err := client.Mutate(ctx, string(outbox.KindCreatePost), payload)
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	var created remote.Post
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if created.AuthorID != "u1" || created.Content != "hello" {
		t.Fatalf("created = %+v", created)
	}

	select {
	case ev := <-events:
		if ev.EntityID != created.ID || ev.Change != push.Created {
			t.Fatalf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no push event for created post")
	}

	// Replaying the same create does not duplicate the post.
	if _, err := client.Mutate(ctx, string(outbox.KindCreatePost), payload); err != nil {
		t.Fatalf("replayed Mutate: %v", err)
	}
	posts, err := client.ListPosts(ctx, remote.PostFilter{AuthorID: "u1"})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}

	like, _ := json.Marshal(outbox.LikePost{PostID: created.ID, Liked: true})
	if _, err := client.Mutate(ctx, string(outbox.KindLikePost), like); err != nil {
		t.Fatalf("like: %v", err)
	}
	posts, _ = client.ListPosts(ctx, remote.PostFilter{})
	if posts[0].LikeCount != 1 {
		t.Fatalf("like count = %d", posts[0].LikeCount)
	}
}

func TestReplayedCreateIsAppliedOnce(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := newClient(ts, "u1")
	ctx := context.Background()
	q, err := outbox.Open(ctx, outbox.Options{
		Storage:  kvstore.NewMemory(),
		Replayer: outbox.RemoteReplayer{Service: client},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	action, err := q.Enqueue(ctx, outbox.CreatePost{Content: "only once"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p, err := action.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// The first send lands but its response is lost, so the queue replays it.
	if err := outbox.Dispatch(ctx, q.Replayer(), p); err != nil {
		t.Fatalf("first send: %v", err)
	}
	report, err := q.Process(ctx)
	if err != nil || report.Succeeded != 1 {
		t.Fatalf("report = %+v, err = %v", report, err)
	}
	posts, err := client.ListPosts(ctx, remote.PostFilter{AuthorID: "u1"})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(posts) != 1 || posts[0].Content != "only once" {
		t.Fatalf("posts = %+v, want one", posts)
	}
}

func TestInvalidMutationIsRejected(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})
	client := newClient(ts, "u1")

	_, err := client.Mutate(context.Background(), "post.share", json.RawMessage(`{}`))
	if remote.KindOf(err) != remote.KindInvalid {
		t.Fatalf("unknown kind err = %v", err)
	}
	_, err = client.Mutate(context.Background(), string(outbox.KindDeletePost), json.RawMessage(`{"postId":"nope"}`))
	if !remote.IsNotFound(err) {
		t.Fatalf("missing post err = %v", err)
	}
}

func TestInjectedFaultTakesProbeOffline(t *testing.T) {
	server, ts := newTestServer(t, ServerConfig{})
	prober := connectivity.NewHTTPProber(ts.URL, nil)
	ctx := context.Background()

	if err := prober.Probe(ctx); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/admin/faults", "application/json", strings.NewReader(`{"status":503,"count":1}`))
	if err != nil {
		t.Fatalf("inject fault: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inject status = %d", resp.StatusCode)
	}
	if err := prober.Probe(ctx); err == nil {
		t.Fatal("probe succeeded during fault")
	}
	if err := prober.Probe(ctx); err != nil {
		t.Fatalf("probe after fault: %v", err)
	}

	server.InjectFault(Fault{Status: 503, Count: 1})
	if _, err := newClient(ts, "u1").FetchProfile(ctx, "u1"); !remote.IsTransient(err) {
		t.Fatalf("faulted fetch err = %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Hour})
	client := newClient(ts, "u1")
	if _, err := client.FetchProfile(context.Background(), "u1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := client.FetchProfile(context.Background(), "u1"); remote.KindOf(err) != remote.KindRateLimited {
		t.Fatalf("second request err = %v", err)
	}
}

func TestSessionAgainstDevServer(t *testing.T) {
	server, ts := newTestServer(t, ServerConfig{})
	s, err := session.Init(context.Background(), session.Options{
		UserID:               "u1",
		Remote:               newClient(ts, "u1"),
		Push:                 push.NewWSClient(push.WSClientOptions{BaseURL: ts.URL, Token: "u1"}),
		Storage:              kvstore.NewMemory(),
		Prober:               connectivity.NewHTTPProber(ts.URL, nil),
		PollInterval:         time.Hour,
		ConnectivityInterval: time.Hour,
		FetchBackoff:         connectivity.Backoff{MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer s.Teardown()

	if p := s.Profile().State().Profile; p == nil || p.Name != "Ada" {
		t.Fatalf("profile = %+v", p)
	}
	waitUntil(t, "profile channel", func() bool { return server.Backend().Hub().Subscribers(push.ProfileTopic("u1")) == 1 })
	waitUntil(t, "feed channel", func() bool { return server.Backend().Hub().Subscribers(push.PostsTopic("")) == 1 })

	res, err := s.Submit(context.Background(), outbox.CreatePost{Content: "first post"})
	if err != nil || res.Queued {
		t.Fatalf("Submit: res=%+v err=%v", res, err)
	}
	waitUntil(t, "post in feed", func() bool {
		items := s.Feed().State().Items
		return len(items) == 1 && items[0].Content == "first post"
	})

	name := "Ada L."
	if _, err := server.Backend().UpdateProfile("u1", remote.ProfileChange{Name: &name}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	waitUntil(t, "live profile update", func() bool {
		p := s.Profile().State().Profile
		return p != nil && p.Name == "Ada L."
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
