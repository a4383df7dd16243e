package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/profiles/u_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u_1","name":"Ada","version":4}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, Token: "token", HTTPClient: server.Client(), BaseDelay: time.Millisecond})
	profile, err := client.FetchProfile(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if profile.Name != "Ada" || profile.Version != 4 {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientClassifiesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such profile"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := client.FetchProfile(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected not found error")
	}
	if !IsNotFound(err) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found classification, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("expected not found to be permanent")
	}
	var remoteErr *Error
	if !errors.As(err, &remoteErr) || remoteErr.Code != "not_found" || remoteErr.StatusCode != 404 {
		t.Fatalf("expected structured error payload, got %+v", remoteErr)
	}
}

func TestHTTPClientExhaustsRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), MaxRetries: 2, BaseDelay: time.Millisecond})
	_, err := client.ListPosts(context.Background(), PostFilter{})
	if KindOf(err) != KindServer {
		t.Fatalf("expected server error kind, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected server error to be transient")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls (2 retries), got %d", got)
	}
}

func TestHTTPClientClassifiesTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: baseURL, MaxRetries: -1})
	_, err := client.FetchProfile(context.Background(), "u_1")
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error kind, got %v", err)
	}
}

func TestHTTPClientListPostsForwardsFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/posts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("author") != "u_7" {
			t.Errorf("expected author query to be forwarded, got %q", r.URL.Query().Get("author"))
		}
		if r.URL.Query().Get("limit") != "20" {
			t.Errorf("expected limit query to be forwarded, got %q", r.URL.Query().Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"posts":[{"id":"p_1","authorId":"u_7","content":"hiring"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	posts, err := client.ListPosts(context.Background(), PostFilter{AuthorID: "u_7", Limit: 20})
	if err != nil {
		t.Fatalf("list posts failed: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "p_1" {
		t.Fatalf("unexpected posts %+v", posts)
	}
}

func TestHTTPClientMutateSendsKindAndPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/mutations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req MutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode mutation body: %v", err)
		}
		if req.Kind != "post.like" || string(req.Payload) != `{"postId":"p_1"}` {
			t.Errorf("unexpected mutation request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"likeCount":3}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	result, err := client.Mutate(context.Background(), "post.like", json.RawMessage(`{"postId":"p_1"}`))
	if err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	if string(result) != `{"likeCount":3}` {
		t.Fatalf("unexpected mutation result %s", result)
	}
}

func TestRetryDelayHonorsRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient(HTTPClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected first delay 100ms, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected third delay 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("expected capped delay 1s, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("expected retry-after capped to 1s, got %s", got)
	}
}

func TestProfileChangeApply(t *testing.T) {
	name := "  Grace  "
	skills := []string{"go", "sql"}
	base := Profile{ID: "u_1", Name: "Ada", Headline: "Engineer"}
	got := ProfileChange{Name: &name, Skills: &skills}.Apply(base)
	if got.Name != "Grace" || got.Headline != "Engineer" || len(got.Skills) != 2 {
		t.Fatalf("unexpected applied profile %+v", got)
	}
	skills[0] = "rust"
	if got.Skills[0] != "go" {
		t.Fatalf("expected skills to be copied, got %v", got.Skills)
	}
	if !(ProfileChange{}).IsEmpty() {
		t.Fatalf("expected zero change to be empty")
	}
}
