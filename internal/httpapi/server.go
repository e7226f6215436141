package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inwire/msggate/internal/metrics"
	"github.com/inwire/msggate/internal/msggate"
)

type ServerConfig struct {
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	Stream          *msggate.Broadcaster
	Logger          *slog.Logger
}

type Server struct {
	pipeline    *msggate.Pipeline
	store       msggate.MessageStore
	registry    *metrics.Registry
	stream      *msggate.Broadcaster
	log         *slog.Logger
	cfg         ServerConfig
	rateLimiter *rateLimiter
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

func NewServer(pipeline *msggate.Pipeline, store msggate.MessageStore, registry *metrics.Registry) *Server {
	return NewServerWithConfig(pipeline, store, registry, ServerConfig{})
}

func NewServerWithConfig(pipeline *msggate.Pipeline, store msggate.MessageStore, registry *metrics.Registry, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
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
		pipeline:    pipeline,
		store:       store,
		registry:    registry,
		stream:      cfg.Stream,
		log:         cfg.Logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, requestID string) {
	switch {
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, requestID)
	case r.URL.Path == "/messages" && r.Method == http.MethodGet:
		s.handleMessages(w, r, requestID)
	case r.URL.Path == "/messages/stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, requestID)
	case r.URL.Path == "/stats" && r.Method == http.MethodGet:
		s.handleStats(w, r, requestID)
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.handleMetrics(w, r)
	case r.URL.Path == "/health/live" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	case r.URL.Path == "/health/ready" && r.Method == http.MethodGet:
		s.handleReady(w, r)
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", requestID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, requestID string) {
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
		retryAfter := int(s.rateLimiter.window.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID)
		return
	}

	body, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return
	}
	fields := webhookFields(r.Context())

	event, err := parseWebhookPayload(body)
	if err != nil {
		fields.record("", "invalid", false)
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error(), requestID)
		return
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature-256")
	}

	result := s.pipeline.Ingest(r.Context(), body, signature, event)
	switch result.Kind {
	case msggate.OutcomeAccepted:
		fields.record(event.MessageID, "ok", false)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case msggate.OutcomeDuplicate:
		fields.record(event.MessageID, "ok", true)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case msggate.OutcomeRejectedAuth:
		fields.record(event.MessageID, "rejected", false)
		if errors.Is(result.Err, msggate.ErrSecretNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "server_misconfigured", "server configuration error", requestID)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid_signature", "invalid signature", requestID)
	default:
		fields.record(event.MessageID, "error", false)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", requestID)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, requestID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 50, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer between 1 and 100", requestID)
		return
	}
	offset, err := parseOptionalBoundedInt(query.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer", requestID)
		return
	}
	params := msggate.QueryParams{
		Limit:    limit,
		Offset:   offset,
		From:     strings.TrimSpace(query.Get("from")),
		Contains: query.Get("q"),
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be an RFC 3339 timestamp", requestID)
			return
		}
		params.Since = &since
	}

	items, total, err := s.store.Query(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, requestID string) {
	stats, err := s.store.ComputeStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", requestID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.registry.Render())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	dbOK := s.pipeline.CheckConnection(r.Context())
	secretOK := s.pipeline.Configured()
	if dbOK && secretOK {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":   "not_ready",
		"database": dbOK,
		"secret":   secretOK,
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, requestID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
