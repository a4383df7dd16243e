// Package devserver is an in-memory backend for local development and
// end-to-end tests of the sync agent. It serves the REST surface consumed by
// remote.HTTPClient, the push channel consumed by push.WSClient and the
// reachability probe.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaysync/internal/push"
	"github.com/agentworkforce/relaysync/internal/remote"
)

type ServerConfig struct {
	// Tokens maps bearer tokens to user ids. When empty the bearer token
	// itself is taken as the caller's user id.
	Tokens          map[string]string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	backend     *Backend
	cfg         ServerConfig
	push        http.Handler
	logger      *zap.Logger
	rateLimiter *rateLimiter

	faultMu sync.Mutex
	fault   Fault
}

// Fault makes the next Count requests fail with Status. Admin routes are
// never affected; the probe and push routes are, which simulates an outage.
type Fault struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend *Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend *Backend, cfg ServerConfig) *Server {
	if backend == nil {
		backend = NewBackend(nil)
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		cfg:         cfg,
		push:        push.NewHandler(backend.Hub(), logger),
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) Backend() *Backend {
	return s.backend
}

// InjectFault replaces any pending fault.
func (s *Server) InjectFault(f Fault) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = f
}

func (s *Server) takeFault() (int, bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault.Count <= 0 || s.fault.Status == 0 {
		return 0, false
	}
	s.fault.Count--
	return s.fault.Status, true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/admin/faults" && r.Method == http.MethodPost {
		s.handleInjectFault(w, r)
		return
	}
	if status, ok := s.takeFault(); ok {
		w.Header().Set("Retry-After", "0")
		writeError(w, status, "injected_fault", "injected fault", getCorrelationID(r))
		return
	}

	if r.URL.Path == "/healthz" && (r.Method == http.MethodHead || r.Method == http.MethodGet) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "push" && r.Method == http.MethodGet:
		route = "push"
	case len(parts) == 3 && parts[1] == "profiles" && r.Method == http.MethodGet:
		route = "get_profile"
	case len(parts) == 3 && parts[1] == "profiles" && r.Method == http.MethodPatch:
		route = "update_profile"
	case len(parts) == 3 && parts[1] == "profiles" && r.Method == http.MethodDelete:
		route = "delete_profile"
	case len(parts) == 2 && parts[1] == "posts" && r.Method == http.MethodGet:
		route = "list_posts"
	case len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodPost:
		route = "mutate"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	userID, ok := s.authorize(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
		return
	}
	if route == "push" {
		s.push.ServeHTTP(w, r)
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(userID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "get_profile":
		s.handleGetProfile(w, parts[2], correlationID)
	case "update_profile":
		s.handleUpdateProfile(w, r, userID, parts[2], correlationID)
	case "delete_profile":
		s.handleDeleteProfile(w, userID, parts[2], correlationID)
	case "list_posts":
		s.handleListPosts(w, r, correlationID)
	case "mutate":
		s.handleMutate(w, r, userID, correlationID)
	}
}

func (s *Server) authorize(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	if len(s.cfg.Tokens) == 0 {
		return token, true
	}
	for candidate, userID := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, true
		}
	}
	return "", false
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var f Fault
	if !s.decodeJSONBody(w, r, correlationID, &f) {
		return
	}
	if f.Count > 0 && (f.Status < 400 || f.Status > 599) {
		writeError(w, http.StatusBadRequest, "bad_request", "fault status must be 4xx or 5xx", correlationID)
		return
	}
	s.InjectFault(f)
	s.logger.Info("fault injected", zap.Int("status", f.Status), zap.Int("count", f.Count))
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, id, correlationID string) {
	p, err := s.backend.Profile(id)
	if err != nil {
		writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, userID, id, correlationID string) {
	if userID != id {
		writeError(w, http.StatusForbidden, "forbidden", "cannot edit another user's profile", correlationID)
		return
	}
	var change remote.ProfileChange
	if !s.decodeJSONBody(w, r, correlationID, &change) {
		return
	}
	updated, err := s.backend.UpdateProfile(id, change)
	if err != nil {
		writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, userID, id, correlationID string) {
	if userID != id {
		writeError(w, http.StatusForbidden, "forbidden", "cannot delete another user's profile", correlationID)
		return
	}
	if err := s.backend.DeleteProfile(id); err != nil {
		writeBackendError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	limit, err := parseOptionalBoundedInt(q.Get("limit"), 0, 0, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	posts := s.backend.ListPosts(remote.PostFilter{
		AuthorID: strings.TrimSpace(q.Get("author")),
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, remote.PostList{Posts: posts})
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req remote.MutationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.Kind) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "kind is required", correlationID)
		return
	}
	result, err := s.backend.Mutate(userID, req.Kind, req.Payload)
	if err != nil {
		writeBackendError(w, err, correlationID)
		return
	}
	s.logger.Debug("mutation applied", zap.String("kind", req.Kind), zap.String("userId", userID))
	writeJSON(w, http.StatusOK, remote.MutationResponse{Result: result})
}

func writeBackendError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min {
		return min, nil
	}
	if value > max {
		return max, nil
	}
	return value, nil
}
